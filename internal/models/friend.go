package models

import "gorm.io/gorm"

// Friend is a locally persisted contact, created when a friend request is
// accepted on either side.
type Friend struct {
	gorm.Model

	OwnerID  string `gorm:"type:text;not null;uniqueIndex:idx_owner_friend"`
	FriendID string `gorm:"type:text;not null;uniqueIndex:idx_owner_friend"`
	Name     string `gorm:"type:text"`
	Avatar   string `gorm:"type:text"`
}

func (f *Friend) Participant() Participant {
	return Participant{ID: f.FriendID, Name: f.Name, Avatar: f.Avatar}
}

// Friend request statuses.
const (
	FriendRequestPending  = "pending"
	FriendRequestAccepted = "accepted"
	FriendRequestRejected = "rejected"
)

// FriendRequest lives in the rendezvous store under friendRequests/{id}.
// The sender creates it; the recipient only changes Status; the sender
// deletes it once a terminal status has been processed.
type FriendRequest struct {
	ID string `json:"-"`

	FromID     string `json:"fromId"`
	FromName   string `json:"fromName"`
	FromAvatar string `json:"fromAvatar,omitempty"`
	ToID       string `json:"toId"`
	ToName     string `json:"toName"`
	ToAvatar   string `json:"toAvatar,omitempty"`
	Status     string `json:"status"`
}

func (r *FriendRequest) From() Participant {
	return Participant{ID: r.FromID, Name: r.FromName, Avatar: r.FromAvatar}
}

func (r *FriendRequest) To() Participant {
	return Participant{ID: r.ToID, Name: r.ToName, Avatar: r.ToAvatar}
}

// IsTerminal reports whether the recipient has answered the request.
func (r *FriendRequest) IsTerminal() bool {
	return r.Status == FriendRequestAccepted || r.Status == FriendRequestRejected
}
