// Package messaging carries the side channels that ride on the rendezvous
// store next to call signaling: in-call chat and friend requests.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/rendezvous"
	"randomtalk/backend/internal/signaling"
)

var ErrInvalidMessage = errors.New("messaging: message is empty or too long")

// Chat appends text messages to rooms/{id}/messages.
type Chat struct {
	store  rendezvous.Store
	maxLen int
	now    func() time.Time
}

func NewChat(store rendezvous.Store, maxLen int) *Chat {
	return &Chat{store: store, maxLen: maxLen, now: time.Now}
}

func (c *Chat) Send(ctx context.Context, roomID string, sender models.Participant, text string) (*models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" || (c.maxLen > 0 && utf8.RuneCountInString(text) > c.maxLen) {
		return nil, ErrInvalidMessage
	}
	msg := &models.ChatMessage{
		Text:       text,
		SenderID:   sender.ID,
		SenderName: sender.Name,
		Timestamp:  c.now().UTC(),
	}
	fields, err := rendezvous.ToFields(msg)
	if err != nil {
		return nil, err
	}
	doc, err := c.store.Create(ctx, signaling.MessagesPath(roomID), "", fields)
	if err != nil {
		return nil, fmt.Errorf("send message to %s: %w", roomID, err)
	}
	msg.ID = doc.ID
	return msg, nil
}

// Watch streams the room's messages in send order, history first.
func (c *Chat) Watch(ctx context.Context, roomID string) (<-chan models.ChatMessage, func(), error) {
	sub, err := c.store.WatchQuery(ctx, signaling.MessagesPath(roomID))
	if err != nil {
		return nil, nil, fmt.Errorf("watch messages of %s: %w", roomID, err)
	}
	ch, cancel := rendezvous.Stream(sub, func(ch rendezvous.Change) (models.ChatMessage, bool) {
		var msg models.ChatMessage
		if ch.Kind != rendezvous.Added {
			return msg, false
		}
		if err := ch.Doc.DataTo(&msg); err != nil {
			return msg, false
		}
		msg.ID = ch.Doc.ID
		return msg, true
	})
	return ch, cancel, nil
}
