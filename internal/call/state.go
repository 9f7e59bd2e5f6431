package call

import (
	"fmt"
	"time"

	"randomtalk/backend/internal/models"
)

type State int

const (
	StateIdle State = iota
	StateSearching
	StateOutgoing
	StateIncoming
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for c := StateIdle; c <= StateConnected; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("call: unknown state %q", b)
}

// NoticeKind doubles as the localization key of the user-facing text.
type NoticeKind string

const (
	NoticePermissionDenied NoticeKind = "permission_denied"
	NoticeCallUnavailable  NoticeKind = "call_unavailable"
	NoticePeerDisconnected NoticeKind = "peer_disconnected"
	NoticeConnectionFailed NoticeKind = "connection_failed"
	NoticeUnanswered       NoticeKind = "unanswered"
	NoticeCallWithdrawn    NoticeKind = "call_withdrawn"
	NoticeMessageInvalid   NoticeKind = "message_invalid"
	NoticeCallFailed       NoticeKind = "call_failed"
)

type Notice struct {
	Kind NoticeKind `json:"kind"`
}

// Snapshot is the externally visible session.
type Snapshot struct {
	State           State               `json:"state"`
	CallID          string              `json:"callId,omitempty"`
	Peer            *models.Participant `json:"peer,omitempty"`
	Muted           bool                `json:"muted"`
	HasLocalStream  bool                `json:"hasLocalStream"`
	HasRemoteStream bool                `json:"hasRemoteStream"`
	StartedAt       *time.Time          `json:"startedAt,omitempty"`
}

// Elapsed is the connected time at now, zero when not connected.
func (s Snapshot) Elapsed(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	return now.Sub(*s.StartedAt)
}

// Update is what listeners receive after every handled change.
type Update struct {
	Snapshot Snapshot            `json:"snapshot"`
	Notice   *Notice             `json:"notice,omitempty"`
	Message  *models.ChatMessage `json:"message,omitempty"`
}

// End reasons reported to the observer.
const (
	ReasonHangup       = "hangup"
	ReasonRemoteHangup = "remote_hangup"
	ReasonRejected     = "rejected"
	ReasonWithdrawn    = "withdrawn"
	ReasonUnanswered   = "unanswered"
	ReasonFailed       = "failed"
	ReasonUnavailable  = "unavailable"
	ReasonPermission   = "permission_denied"
	ReasonShutdown     = "shutdown"
)

// Call kinds reported to the observer.
const (
	KindRandom   = "random"
	KindTargeted = "targeted"
	KindIncoming = "incoming"
)
