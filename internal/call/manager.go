// Package call is the per-client call engine: the session state machine,
// the rendezvous matcher, the offer/answer driver and teardown.
//
// All session state is owned by one dispatcher goroutine (Run). Public
// methods only enqueue intents. Slow steps run in per-call goroutines that
// report back with events tagged by call generation, so a late result from
// an ended call is dropped instead of mutating the next one.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"randomtalk/backend/internal/config"
	"randomtalk/backend/internal/media"
	"randomtalk/backend/internal/messaging"
	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/rendezvous"
	"randomtalk/backend/internal/signaling"
)

const (
	eventBuffer        = 256
	backgroundDeadline = 5 * time.Second
)

// HistoryRecorder persists call-history entries.
type HistoryRecorder interface {
	RecordCall(ctx context.Context, rec *models.CallRecord) error
}

// PresencePublisher mirrors the local call state for other clients.
type PresencePublisher interface {
	SetCallState(state string)
}

// Observer receives call lifecycle counters.
type Observer interface {
	CallStarted(kind string)
	CallConnected()
	CallEnded(reason string, duration time.Duration)
	ClaimConflict()
	CandidateRelayed()
}

type nopObserver struct{}

func (nopObserver) CallStarted(string)              {}
func (nopObserver) CallConnected()                  {}
func (nopObserver) CallEnded(string, time.Duration) {}
func (nopObserver) ClaimConflict()                  {}
func (nopObserver) CandidateRelayed()               {}

type Config struct {
	Self              models.Participant
	ICEServers        []string
	UnansweredTimeout time.Duration
	// MinHistoryDuration is the shortest connected call that is recorded.
	MinHistoryDuration time.Duration
	// AutoNext restarts a random search when the peer ends a random call.
	AutoNext bool
}

type Option func(*Manager)

func WithHistory(h HistoryRecorder) Option    { return func(m *Manager) { m.history = h } }
func WithPresence(p PresencePublisher) Option { return func(m *Manager) { m.presence = p } }
func WithObserver(o Observer) Option          { return func(m *Manager) { m.observer = o } }
func WithLogger(l *slog.Logger) Option        { return func(m *Manager) { m.log = l } }
func WithClock(now func() time.Time) Option   { return func(m *Manager) { m.now = now } }

// WithPicker replaces the random choice among matching rooms.
func WithPicker(pick func(n int) int) Option { return func(m *Manager) { m.pick = pick } }

type Manager struct {
	cfg      Config
	rooms    *signaling.Rooms
	chat     *messaging.Chat
	media    media.Endpoint
	history  HistoryRecorder
	presence PresencePublisher
	observer Observer
	log      *slog.Logger
	now      func() time.Time
	pick     func(n int) int

	events   chan event
	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}
	running  atomic.Bool
	bg       sync.WaitGroup

	// Owned by the dispatcher.
	ctx          context.Context
	s            session
	lastPresence string

	snapMu sync.RWMutex
	snap   Snapshot

	lmu          sync.Mutex
	listeners    map[int]func(Update)
	nextListener int
}

// session is the in-memory call state. It is reset to its zero value, apart
// from the generation counter, whenever a call ends.
type session struct {
	state     State
	gen       uint64
	kind      string
	scope     *callScope
	role      models.CandidateSide
	roomID    string
	peer      models.Participant
	interests []string
	muted     bool
	hasLocal  bool
	remote    media.RemoteStream
	startedAt time.Time
	connected bool
	timer     *time.Timer
}

func New(cfg Config, rooms *signaling.Rooms, chat *messaging.Chat, endpoint media.Endpoint, opts ...Option) *Manager {
	if cfg.UnansweredTimeout <= 0 {
		cfg.UnansweredTimeout = config.UnansweredTimeout
	}
	if cfg.MinHistoryDuration <= 0 {
		cfg.MinHistoryDuration = config.MinHistoryDuration
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = config.DefaultICEServers
	}
	m := &Manager{
		cfg:       cfg,
		rooms:     rooms,
		chat:      chat,
		media:     endpoint,
		observer:  nopObserver{},
		log:       slog.Default(),
		now:       time.Now,
		pick:      rand.IntN,
		events:    make(chan event, eventBuffer),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		ctx:       context.Background(),
		listeners: make(map[int]func(Update)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("user_id", cfg.Self.ID)
	return m
}

// Run is the dispatcher loop. It returns when ctx ends or Close is called,
// after tearing down any active call.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("call: manager already running")
	}
	defer close(m.stopped)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.ctx = ctx

	incoming, stopIncoming, err := m.rooms.WatchIncoming(ctx, m.cfg.Self.ID)
	if err != nil {
		return fmt.Errorf("watch incoming calls: %w", err)
	}
	defer stopIncoming()

	m.log.Info("call manager started")
	m.setPresence()
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case <-m.quit:
			m.shutdown()
			return nil
		case c, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			m.handleIncoming(c)
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

// Close stops the dispatcher and tears down the active call without waiting
// for the shared record to be deleted. Use Flush to wait for that.
func (m *Manager) Close() {
	m.quitOnce.Do(func() { close(m.quit) })
	if m.running.Load() {
		<-m.stopped
	}
}

// Flush waits for background deletes and history writes.
func (m *Manager) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) send(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.quit:
		return false
	case <-m.stopped:
		return false
	}
}

// FindRandomCall searches for a stranger, preferring shared interests.
func (m *Manager) FindRandomCall(interests []string) {
	m.send(intentFindRandom{interests: models.NormalizeInterests(interests)})
}

// StartCall calls a known peer, e.g. a friend or a history entry.
func (m *Manager) StartCall(peer models.Participant) {
	m.send(intentStartCall{peer: peer})
}

func (m *Manager) AcceptCall() { m.send(intentAccept{}) }
func (m *Manager) RejectCall() { m.send(intentReject{}) }
func (m *Manager) Hangup()     { m.send(intentHangup{}) }
func (m *Manager) ToggleMute() { m.send(intentToggleMute{}) }

// SendMessage posts an in-call chat message. Ignored unless connected.
func (m *Manager) SendMessage(text string) { m.send(intentSend{text: text}) }

func (m *Manager) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// OnUpdate registers a listener called on the dispatcher goroutine after
// every change. Listeners must not block.
func (m *Manager) OnUpdate(fn func(Update)) (unsubscribe func()) {
	m.lmu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.lmu.Unlock()
	return func() {
		m.lmu.Lock()
		delete(m.listeners, id)
		m.lmu.Unlock()
	}
}

func (m *Manager) handle(ev event) {
	if g, ok := ev.(generational); ok {
		if m.s.scope == nil || g.generation() != m.s.gen {
			m.log.Debug("dropping stale call event", "event", fmt.Sprintf("%T", ev), "gen", g.generation())
			return
		}
	}

	switch e := ev.(type) {
	case intentFindRandom:
		m.findRandom(e.interests)
	case intentStartCall:
		m.startCall(e.peer)
	case intentAccept:
		m.accept()
	case intentReject:
		m.reject()
	case intentHangup:
		switch m.s.state {
		case StateIdle:
		case StateIncoming:
			m.reject()
		default:
			m.teardown(ReasonHangup, "")
		}
	case intentToggleMute:
		m.toggleMute()
	case intentSend:
		m.sendMessage(e.text)

	case localStreamReady:
		m.s.hasLocal = true
		m.publish(nil, nil)
	case roomPublished:
		m.s.role = models.CallerSide
		m.s.roomID = e.roomID
		m.log.Info("room published", "call_id", e.roomID, "state", m.s.state)
		m.publish(nil, nil)
	case roomJoined:
		m.s.role = models.CalleeSide
		m.s.roomID = e.roomID
		m.s.peer = e.peer
		m.log.Info("room joined", "call_id", e.roomID, "peer_id", e.peer.ID)
		m.publish(nil, nil)
	case setupFailed:
		m.log.Warn("call setup failed", "reason", e.reason, "error", e.err)
		m.teardown(e.reason, e.notice)
	case remoteAnswerReceived:
		m.applyAnswer(e.room)
	case remoteCandidateReceived:
		m.applyCandidate(e.candidate)
	case peerRecordDeleted:
		m.peerGone()
	case connectionStateChanged:
		m.connectionChanged(e)
	case remoteTrackStarted:
		m.s.remote = e.stream
		m.publish(nil, nil)
	case timeoutFired:
		if m.s.state == StateOutgoing {
			m.teardown(ReasonUnanswered, NoticeUnanswered)
		}
	case chatReceived:
		msg := e.msg
		m.publish(nil, &msg)
	case chatFailed:
		kind := NoticeCallFailed
		if errors.Is(e.err, messaging.ErrInvalidMessage) {
			kind = NoticeMessageInvalid
		}
		m.log.Warn("chat message not sent", "error", e.err)
		m.publish(&Notice{Kind: kind}, nil)
	}
}

// begin starts a new call generation. Callers fill in the session and then
// call changed.
func (m *Manager) begin(state State, kind string) *callScope {
	gen := m.s.gen + 1
	sc := newCallScope(m.ctx, gen, m.send, m.releaseRoom)
	m.s = session{state: state, gen: gen, kind: kind, scope: sc}
	m.observer.CallStarted(kind)
	return sc
}

func (m *Manager) findRandom(interests []string) {
	if m.s.state != StateIdle {
		return
	}
	sc := m.begin(StateSearching, KindRandom)
	m.s.interests = interests
	m.log.Info("searching for a random peer", "interests", interests)
	m.changed(nil)
	go m.runRandom(sc, interests)
}

func (m *Manager) startCall(peer models.Participant) {
	if m.s.state != StateIdle || peer.ID == "" || peer.ID == m.cfg.Self.ID {
		return
	}
	sc := m.begin(StateOutgoing, KindTargeted)
	m.s.peer = peer
	m.s.timer = time.AfterFunc(m.cfg.UnansweredTimeout, func() {
		sc.post(timeoutFired{sc.tag()})
	})
	m.log.Info("calling peer", "peer_id", peer.ID)
	m.changed(nil)
	go m.runCaller(sc, &peer, nil)
}

func (m *Manager) handleIncoming(c signaling.RoomChange) {
	if c.Removed() {
		if m.s.state == StateIncoming && m.s.roomID == c.Room.ID {
			m.teardown(ReasonWithdrawn, NoticeCallWithdrawn)
		}
		return
	}
	room := c.Room
	if c.Kind != rendezvous.Added || m.s.state != StateIdle || room.CallerID == m.cfg.Self.ID {
		return
	}
	m.begin(StateIncoming, KindIncoming)
	m.s.role = models.CalleeSide
	m.s.roomID = room.ID
	m.s.peer = room.Caller()
	m.log.Info("incoming call", "call_id", room.ID, "peer_id", room.CallerID)
	m.changed(nil)
}

func (m *Manager) accept() {
	if m.s.state != StateIncoming {
		return
	}
	sc := m.s.scope
	m.s.state = StateConnected
	m.s.startedAt = m.now()
	m.changed(nil)
	go m.runAccept(sc, m.s.roomID)
}

func (m *Manager) reject() {
	if m.s.state != StateIncoming {
		return
	}
	m.s.scope.setRoom(m.s.roomID)
	m.teardown(ReasonRejected, "")
}

func (m *Manager) toggleMute() {
	if m.s.scope == nil {
		return
	}
	local := m.s.scope.stream()
	if local == nil {
		return
	}
	m.s.muted = !m.s.muted
	local.SetEnabled(!m.s.muted)
	m.publish(nil, nil)
}

func (m *Manager) sendMessage(text string) {
	if m.s.state != StateConnected || m.s.roomID == "" || m.chat == nil {
		return
	}
	sc, roomID, self := m.s.scope, m.s.roomID, m.cfg.Self
	go func() {
		if _, err := m.chat.Send(sc.ctx, roomID, self, text); err != nil && sc.ctx.Err() == nil {
			sc.post(chatFailed{callEvent: sc.tag(), err: err})
		}
	}()
}

// changed publishes the snapshot and mirrors a new state into presence.
func (m *Manager) changed(n *Notice) {
	m.publish(n, nil)
	m.setPresence()
}

func (m *Manager) setPresence() {
	state := m.s.state.String()
	if m.presence == nil || state == m.lastPresence {
		return
	}
	m.lastPresence = state
	m.presence.SetCallState(state)
}

func (m *Manager) publish(n *Notice, msg *models.ChatMessage) {
	s := m.s
	snap := Snapshot{
		State:           s.state,
		CallID:          s.roomID,
		Muted:           s.muted,
		HasLocalStream:  s.hasLocal,
		HasRemoteStream: s.remote != nil,
	}
	if !s.peer.IsZero() {
		p := s.peer
		snap.Peer = &p
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}

	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()

	m.lmu.Lock()
	fns := make([]func(Update), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.lmu.Unlock()

	u := Update{Snapshot: snap, Notice: n, Message: msg}
	for _, fn := range fns {
		fn(u)
	}
}
