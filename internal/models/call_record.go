package models

import (
	"time"

	"gorm.io/gorm"
)

// Direction of a call from the owner's point of view.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// CallRecord is one call-history entry. Each participant writes its own copy.
type CallRecord struct {
	gorm.Model

	// OwnerID is the local user the entry belongs to.
	OwnerID string `gorm:"type:text;not null;index:idx_owner_started"`

	PeerID     string `gorm:"type:text;not null"`
	PeerName   string `gorm:"type:text"`
	PeerAvatar string `gorm:"type:text"`

	DurationSeconds int       `gorm:"not null"`
	StartedAt       time.Time `gorm:"not null;index:idx_owner_started"`
	Direction       string    `gorm:"type:text;not null"`
}

// Peer returns the remote participant of the record.
func (c *CallRecord) Peer() Participant {
	return Participant{ID: c.PeerID, Name: c.PeerName, Avatar: c.PeerAvatar}
}
