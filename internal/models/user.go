package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// User is the local anonymous identity. It is generated per client session
// and persisted so friends and history survive a daemon restart.
type User struct {
	ID          string         `gorm:"primaryKey" json:"id"`
	DisplayName string         `gorm:"type:text;not null" json:"displayName"`
	AvatarRef   string         `gorm:"type:text" json:"avatarRef"`
	Interests   pq.StringArray `gorm:"type:text[]" json:"interests"`
	CreatedAt   time.Time      `json:"-"`
}

// BeforeCreate generates a UUID for the user if the ID is not set yet.
func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return
}

// Participant returns the identity fragment that is copied into rendezvous
// records, friend requests and call history.
func (u *User) Participant() Participant {
	return Participant{ID: u.ID, Name: u.DisplayName, Avatar: u.AvatarRef}
}

// Participant identifies one side of a call.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

func (p Participant) IsZero() bool { return p.ID == "" }

// Presence is the discovery record mirrored into the rendezvous store under
// users/{id}.
type Presence struct {
	DisplayName string    `json:"displayName"`
	AvatarRef   string    `json:"avatarRef,omitempty"`
	Interests   []string  `json:"interests,omitempty"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"lastSeen"`
	CallState   string    `json:"callState"`
}

// IsLive reports whether the record counts as online at now.
func (p Presence) IsLive(now time.Time, staleAfter time.Duration) bool {
	return p.Online && now.Sub(p.LastSeen) <= staleAfter
}
