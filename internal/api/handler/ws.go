package handler

import (
	"net/http"

	"randomtalk/backend/internal/hub"
	"randomtalk/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Демон слухає локально, UI може бути відкритий з будь-якого origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWebSocket оновлює HTTP-з'єднання до WebSocket
func (h *Handler) ServeWebSocket(c *gin.Context) {
	// 1. Отримати токен з заголовка або query
	tokenString := tokenFromRequest(c)
	if tokenString == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
		return
	}

	// 2. Валідація та отримання AnonID з JWT
	anonID, err := h.validateAndGetAnonID(tokenString)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
		return
	}

	lang := c.Query("lang")
	if lang == "" || !h.localizer.Supports(lang) {
		lang = h.lang
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade вже записав відповідь з помилкою
		logger.FromGin(c, h.log).Warn("websocket upgrade failed", "error", err)
		return
	}

	// Кожна вкладка UI є окремим клієнтом того самого користувача
	client := hub.NewWebSocketClient(uuid.NewString(), lang, conn, h.Hub, logger.FromGin(c, h.log).With("user_id", anonID))

	if !h.Hub.Register(client) {
		conn.Close()
		return
	}
	client.Run()
}
