package models

import "time"

// ChatMessage is one in-call text message, appended to rooms/{id}/messages.
type ChatMessage struct {
	ID         string    `json:"-"`
	Text       string    `json:"text"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Timestamp  time.Time `json:"timestamp"`
}
