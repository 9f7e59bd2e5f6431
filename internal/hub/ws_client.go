package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"randomtalk/backend/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// Чат до 500 символів у UTF-8 плюс обгортка інтенту.
	maxMessageSize = 4096
	sendBuffer     = 64
)

// WebSocketClient реалізує інтерфейс hub.Client
type WebSocketClient struct {
	ID   string
	Lang string
	Conn *websocket.Conn
	Hub  *ManagerService
	Send chan Envelope

	log       *slog.Logger
	closeOnce sync.Once
}

func NewWebSocketClient(id, lang string, conn *websocket.Conn, h *ManagerService, log *slog.Logger) *WebSocketClient {
	return &WebSocketClient{
		ID:   id,
		Lang: lang,
		Conn: conn,
		Hub:  h,
		Send: make(chan Envelope, sendBuffer),
		log:  log.With("client_id", id),
	}
}

func (c *WebSocketClient) GetClientID() string             { return c.ID }
func (c *WebSocketClient) GetLang() string                 { return c.Lang }
func (c *WebSocketClient) GetSendChannel() chan<- Envelope { return c.Send }

// Run запускає 'pumps' для WebSocket
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close закриває Send канал (що зупинить writePump). Викликається лише хабом.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() { close(c.Send) })
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", "error", err)
			}
			break
		}

		var intent models.Intent
		if err := json.Unmarshal(message, &intent); err != nil {
			c.log.Warn("invalid intent json", "error", err)
			continue // Пропускаємо невірне повідомлення
		}

		c.Hub.Submit(Inbound{ClientID: c.ID, Intent: intent})
	}
}

// writePump читає конверти з каналу Send і записує їх у WebSocket, по одному
// на кадр.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Канал закрито хабом, закриваємо з'єднання WS
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(env); err != nil {
				c.log.Warn("websocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			// Надсилаємо Ping для підтримки з'єднання активним
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
