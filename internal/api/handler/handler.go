package handler

import (
	"context"
	"log/slog"
	"net/http"

	"randomtalk/backend/internal/config"
	"randomtalk/backend/internal/hub"
	"randomtalk/backend/internal/localization"
	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/presence"

	"github.com/gin-gonic/gin"
)

// LocalStore is the persisted history and friends list of the local user.
type LocalStore interface {
	ListHistory(ctx context.Context, ownerID string, limit int) ([]models.CallRecord, error)
	ListFriends(ctx context.Context, ownerID string) ([]models.Friend, error)
	RemoveFriend(ctx context.Context, ownerID, friendID string) error
}

// OnlineDirectory lists users whose presence is live.
type OnlineDirectory interface {
	Online(ctx context.Context) ([]presence.Entry, error)
}

// Handler містить посилання на Hub та локальні сервіси
type Handler struct {
	Hub       *hub.ManagerService
	Self      models.Participant
	Store     LocalStore
	Directory OnlineDirectory
	// Metrics is served at /metrics when set.
	Metrics http.Handler

	auth      config.AuthConfig
	lang      string
	localizer *localization.Localizer
	log       *slog.Logger
}

func NewHandler(h *hub.ManagerService, self models.Participant, store LocalStore, dir OnlineDirectory, cfg config.Config, localizer *localization.Localizer, log *slog.Logger) *Handler {
	return &Handler{
		Hub:       h,
		Self:      self,
		Store:     store,
		Directory: dir,
		auth:      cfg.Auth,
		lang:      cfg.App.Lang,
		localizer: localizer,
		log:       log,
	}
}

// Register підключає всі роути до роутера
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/anonid", h.GetAnonID)  // Отримання JWT для AnonID
	r.GET("/ws", h.ServeWebSocket) // WebSocket Upgrade

	authed := r.Group("/", h.AuthRequired)
	authed.GET("/history", h.GetHistory)
	authed.GET("/friends", h.GetFriends)
	authed.DELETE("/friends/:id", h.DeleteFriend)
	authed.GET("/online", h.GetOnline)

	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics))
	}
}
