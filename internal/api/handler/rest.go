package handler

import (
	"net/http"
	"strconv"
	"time"

	"randomtalk/backend/internal/models"
	"randomtalk/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

type historyItem struct {
	Peer            models.Participant `json:"peer"`
	Direction       string             `json:"direction"`
	DurationSeconds int                `json:"durationSeconds"`
	StartedAt       time.Time          `json:"startedAt"`
}

type friendItem struct {
	models.Participant
	Online    bool   `json:"online"`
	CallState string `json:"callState,omitempty"`
}

type onlineItem struct {
	models.Participant
	Interests []string `json:"interests,omitempty"`
	CallState string   `json:"callState"`
}

// GetHistory повертає історію дзвінків, найновіші першими
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	records, err := h.Store.ListHistory(c.Request.Context(), h.Self.ID, limit)
	if err != nil {
		logger.FromGin(c, h.log).Error("list history failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load history"})
		return
	}

	items := make([]historyItem, 0, len(records))
	for i := range records {
		r := &records[i]
		items = append(items, historyItem{
			Peer:            r.Peer(),
			Direction:       r.Direction,
			DurationSeconds: r.DurationSeconds,
			StartedAt:       r.StartedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"history": items})
}

// GetFriends повертає друзів разом з їхнім онлайн-статусом
func (h *Handler) GetFriends(c *gin.Context) {
	ctx := c.Request.Context()
	friends, err := h.Store.ListFriends(ctx, h.Self.ID)
	if err != nil {
		logger.FromGin(c, h.log).Error("list friends failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load friends"})
		return
	}

	// Статус необов'язковий: без нього список все одно корисний
	live := map[string]string{}
	if entries, err := h.Directory.Online(ctx); err != nil {
		logger.FromGin(c, h.log).Warn("online lookup failed", "error", err)
	} else {
		for _, e := range entries {
			live[e.UserID] = e.CallState
		}
	}

	items := make([]friendItem, 0, len(friends))
	for i := range friends {
		f := &friends[i]
		state, online := live[f.FriendID]
		items = append(items, friendItem{Participant: f.Participant(), Online: online, CallState: state})
	}
	c.JSON(http.StatusOK, gin.H{"friends": items})
}

func (h *Handler) DeleteFriend(c *gin.Context) {
	if err := h.Store.RemoveFriend(c.Request.Context(), h.Self.ID, c.Param("id")); err != nil {
		logger.FromGin(c, h.log).Error("remove friend failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove friend"})
		return
	}
	c.Status(http.StatusNoContent)
}

// GetOnline lists live users other than the local one.
func (h *Handler) GetOnline(c *gin.Context) {
	entries, err := h.Directory.Online(c.Request.Context())
	if err != nil {
		logger.FromGin(c, h.log).Error("list online failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load online users"})
		return
	}

	items := make([]onlineItem, 0, len(entries))
	for _, e := range entries {
		if e.UserID == h.Self.ID {
			continue
		}
		items = append(items, onlineItem{Participant: e.Participant(), Interests: e.Interests, CallState: e.CallState})
	}
	c.JSON(http.StatusOK, gin.H{"online": items, "count": len(items)})
}
