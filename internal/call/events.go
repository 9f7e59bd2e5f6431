package call

import (
	"randomtalk/backend/internal/media"
	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/signaling"
)

// event is anything the dispatcher consumes.
type event interface{ isEvent() }

// Intents come from the public API and carry no generation.
type (
	intentFindRandom struct{ interests []string }
	intentStartCall  struct{ peer models.Participant }
	intentAccept     struct{}
	intentReject     struct{}
	intentHangup     struct{}
	intentToggleMute struct{}
	intentSend       struct{ text string }
)

func (intentFindRandom) isEvent() {}
func (intentStartCall) isEvent()  {}
func (intentAccept) isEvent()     {}
func (intentReject) isEvent()     {}
func (intentHangup) isEvent()     {}
func (intentToggleMute) isEvent() {}
func (intentSend) isEvent()       {}

// callEvent tags an event with the call it belongs to. Events of an older
// generation are dropped by the dispatcher.
type callEvent struct{ gen uint64 }

func (e callEvent) generation() uint64 { return e.gen }
func (callEvent) isEvent()             {}

type generational interface{ generation() uint64 }

type (
	// localStreamReady reports that audio was acquired.
	localStreamReady struct{ callEvent }

	// roomPublished reports that this client created the room as caller.
	roomPublished struct {
		callEvent
		roomID string
	}

	// roomJoined reports a successful claim of someone else's room.
	roomJoined struct {
		callEvent
		roomID string
		peer   models.Participant
	}

	// setupFailed ends the call from a negotiation goroutine.
	setupFailed struct {
		callEvent
		reason string
		notice NoticeKind
		err    error
	}

	remoteAnswerReceived struct {
		callEvent
		room *models.Room
	}

	remoteCandidateReceived struct {
		callEvent
		candidate models.ICECandidate
	}

	peerRecordDeleted struct{ callEvent }

	connectionStateChanged struct {
		callEvent
		att   *attempt
		state media.ConnectionState
	}

	remoteTrackStarted struct {
		callEvent
		stream media.RemoteStream
	}

	timeoutFired struct{ callEvent }

	chatReceived struct {
		callEvent
		msg models.ChatMessage
	}

	chatFailed struct {
		callEvent
		err error
	}
)

// roomEvent maps a room watch change to the event the dispatcher handles.
func roomEvent(gen uint64, c signaling.RoomChange) event {
	if c.Removed() {
		return peerRecordDeleted{callEvent{gen}}
	}
	return remoteAnswerReceived{callEvent: callEvent{gen}, room: c.Room}
}
