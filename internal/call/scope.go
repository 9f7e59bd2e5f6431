package call

import (
	"context"
	"sync"

	"randomtalk/backend/internal/media"
	"randomtalk/backend/internal/models"
)

// callScope owns everything acquired for one call. close releases it all,
// exactly once, and anything adopted after close is released on the spot so
// a late negotiation step cannot resurrect the call.
type callScope struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	send   func(event) bool

	// releaseRoom deletes the shared record in the background.
	releaseRoom func(roomID string)

	mu        sync.Mutex
	closed    bool
	disposers []func()
	att       *attempt
	local     media.LocalStream
	roomID    string

	// pending holds remote candidates that arrived before the remote
	// description of the current attempt.
	pending []models.ICECandidate
}

func newCallScope(parent context.Context, gen uint64, send func(event) bool, releaseRoom func(string)) *callScope {
	ctx, cancel := context.WithCancel(parent)
	return &callScope{gen: gen, ctx: ctx, cancel: cancel, send: send, releaseRoom: releaseRoom}
}

func (sc *callScope) tag() callEvent { return callEvent{gen: sc.gen} }

// post hands an event to the dispatcher unless the call already ended.
func (sc *callScope) post(ev event) {
	if sc.ctx.Err() != nil {
		return
	}
	sc.send(ev)
}

func (sc *callScope) isClosed() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.closed
}

// addDisposer registers a release func, running it at once if closed.
func (sc *callScope) addDisposer(fn func()) bool {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		fn()
		return false
	}
	sc.disposers = append(sc.disposers, fn)
	sc.mu.Unlock()
	return true
}

func (sc *callScope) adoptStream(s media.LocalStream) bool {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		s.Stop()
		return false
	}
	sc.local = s
	sc.mu.Unlock()
	return true
}

// adoptAttempt makes att the current connection attempt. A previous one,
// left over from a lost claim, is released.
func (sc *callScope) adoptAttempt(att *attempt) bool {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		att.release()
		return false
	}
	prev := sc.att
	sc.att = att
	sc.pending = nil
	sc.mu.Unlock()
	if prev != nil {
		prev.release()
	}
	return true
}

// dropAttempt releases att if it is still the current attempt.
func (sc *callScope) dropAttempt(att *attempt) {
	sc.mu.Lock()
	if sc.att != att {
		sc.mu.Unlock()
		return
	}
	sc.att = nil
	sc.pending = nil
	sc.mu.Unlock()
	att.release()
}

func (sc *callScope) current(att *attempt) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return att != nil && sc.att == att
}

// setRoom records the shared record this call must delete on teardown.
func (sc *callScope) setRoom(id string) bool {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		sc.releaseRoom(id)
		return false
	}
	sc.roomID = id
	sc.mu.Unlock()
	return true
}

func (sc *callScope) connection() media.Connection {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.att == nil {
		return nil
	}
	return sc.att.conn
}

func (sc *callScope) stream() media.LocalStream {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.local
}

func (sc *callScope) bufferCandidate(c models.ICECandidate) {
	sc.mu.Lock()
	sc.pending = append(sc.pending, c)
	sc.mu.Unlock()
}

func (sc *callScope) takePending() []models.ICECandidate {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	p := sc.pending
	sc.pending = nil
	return p
}

func (sc *callScope) room() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.roomID
}

// close runs the teardown order: subscriptions, connection hooks and
// connection, local tracks, then the shared record.
func (sc *callScope) close() {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	disposers := sc.disposers
	att, local, roomID := sc.att, sc.local, sc.roomID
	sc.disposers, sc.att, sc.local = nil, nil, nil
	sc.pending = nil
	sc.mu.Unlock()

	sc.cancel()
	for _, fn := range disposers {
		fn()
	}
	if att != nil {
		att.release()
	}
	if local != nil {
		local.Stop()
	}
	if roomID != "" {
		sc.releaseRoom(roomID)
	}
}

// attempt is one peer connection with its candidate outbox. A random search
// that loses a claim discards its attempt and starts a new one.
type attempt struct {
	conn   media.Connection
	outbox *outbox
}

// release detaches the hooks before closing so teardown fires no callbacks.
func (a *attempt) release() {
	a.outbox.stop()
	if a.conn == nil {
		return
	}
	a.conn.DetachHandlers()
	_ = a.conn.Close()
}
