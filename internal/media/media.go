// Package media is the audio and peer-connection capability the call
// package drives. The pion implementation lives in pion.go; mediatest
// provides an in-process pair for tests.
package media

import (
	"context"
	"errors"

	"randomtalk/backend/internal/models"
)

var (
	// ErrPermissionDenied is returned when the local audio source cannot be opened.
	ErrPermissionDenied = errors.New("media: audio capture not permitted")
	ErrClosed           = errors.New("media: connection closed")
)

type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Ends reports whether the state terminates a call.
func (s ConnectionState) Ends() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// LocalStream is captured local audio. Disabling it mutes every connection
// it is attached to.
type LocalStream interface {
	ID() string
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// RemoteStream is the audio received from the peer.
type RemoteStream interface {
	ID() string
	Packets() uint64
}

// Handlers are the connection event hooks. Nil funcs are ignored.
// OnICECandidate is not called for the end-of-gathering marker.
type Handlers struct {
	OnICECandidate          func(models.ICECandidate)
	OnTrack                 func(RemoteStream)
	OnConnectionStateChange func(ConnectionState)
}

type Connection interface {
	CreateOffer(ctx context.Context) (models.SessionDescription, error)
	CreateAnswer(ctx context.Context) (models.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc models.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc models.SessionDescription) error
	HasRemoteDescription() bool
	// AddICECandidate fails if no remote description is set yet.
	AddICECandidate(ctx context.Context, c models.ICECandidate) error
	// DetachHandlers stops every further callback.
	DetachHandlers()
	Close() error
}

type Endpoint interface {
	AcquireLocalAudio(ctx context.Context) (LocalStream, error)
	// NewConnection creates a peer connection with local attached. A nil
	// local stream yields a receive-only connection.
	NewConnection(ctx context.Context, iceServers []string, local LocalStream, h Handlers) (Connection, error)
}
