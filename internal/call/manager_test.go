package call_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"randomtalk/backend/internal/call"
	"randomtalk/backend/internal/media"
	"randomtalk/backend/internal/media/mediatest"
	"randomtalk/backend/internal/messaging"
	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/rendezvous"
	"randomtalk/backend/internal/signaling"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type MockHistory struct {
	mock.Mock
}

func (h *MockHistory) RecordCall(ctx context.Context, rec *models.CallRecord) error {
	args := h.Called(ctx, rec)
	return args.Error(0)
}

type countingObserver struct {
	started, connected, ended, conflicts, relayed atomic.Int32

	mu      sync.Mutex
	reasons []string
}

func (o *countingObserver) CallStarted(string) { o.started.Add(1) }
func (o *countingObserver) CallConnected()     { o.connected.Add(1) }
func (o *countingObserver) ClaimConflict()     { o.conflicts.Add(1) }
func (o *countingObserver) CandidateRelayed()  { o.relayed.Add(1) }

func (o *countingObserver) CallEnded(reason string, _ time.Duration) {
	o.ended.Add(1)
	o.mu.Lock()
	o.reasons = append(o.reasons, reason)
	o.mu.Unlock()
}

func (o *countingObserver) Reasons() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.reasons...)
}

type presenceLog struct {
	mu     sync.Mutex
	states []string
}

func (p *presenceLog) SetCallState(state string) {
	p.mu.Lock()
	p.states = append(p.states, state)
	p.mu.Unlock()
}

func (p *presenceLog) States() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.states...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// world is a shared store and media network that several clients join.
type world struct {
	t     *testing.T
	store *rendezvous.MemoryStore
	rooms *signaling.Rooms
	chat  *messaging.Chat
	net   *mediatest.Network
	clock *fakeClock
}

func newWorld(t *testing.T) *world {
	store := rendezvous.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	return &world{
		t:     t,
		store: store,
		rooms: signaling.NewRooms(store),
		chat:  messaging.NewChat(store, 20),
		net:   mediatest.NewNetwork(),
		clock: &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
}

type client struct {
	t        *testing.T
	self     models.Participant
	m        *call.Manager
	ep       *mediatest.Endpoint
	observer *countingObserver
	presence *presenceLog

	mu       sync.Mutex
	notices  []call.NoticeKind
	messages []models.ChatMessage
}

type clientOpt func(*call.Config, *[]call.Option)

func withConfig(fn func(*call.Config)) clientOpt {
	return func(c *call.Config, _ *[]call.Option) { fn(c) }
}

func withOption(o call.Option) clientOpt {
	return func(_ *call.Config, opts *[]call.Option) { *opts = append(*opts, o) }
}

func (w *world) client(id string, opts ...clientOpt) *client {
	c := &client{
		t:        w.t,
		self:     models.Participant{ID: id, Name: "User " + id},
		ep:       w.net.Endpoint(),
		observer: &countingObserver{},
		presence: &presenceLog{},
	}
	cfg := call.Config{Self: c.self, ICEServers: []string{"stun:test"}}
	callOpts := []call.Option{
		call.WithObserver(c.observer),
		call.WithPresence(c.presence),
		call.WithClock(w.clock.Now),
	}
	for _, o := range opts {
		o(&cfg, &callOpts)
	}
	c.m = call.New(cfg, w.rooms, w.chat, c.ep, callOpts...)
	c.m.OnUpdate(func(u call.Update) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if u.Notice != nil {
			c.notices = append(c.notices, u.Notice.Kind)
		}
		if u.Message != nil {
			c.messages = append(c.messages, *u.Message)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.m.Run(ctx) }()
	w.t.Cleanup(func() {
		cancel()
		<-done
		flushCtx, stop := context.WithTimeout(context.Background(), waitFor)
		defer stop()
		_ = c.m.Flush(flushCtx)
	})
	return c
}

func (c *client) waitState(s call.State) {
	c.t.Helper()
	require.Eventually(c.t, func() bool { return c.m.Snapshot().State == s }, waitFor, tick,
		"%s never reached %s, at %s", c.self.ID, s, c.m.Snapshot().State)
}

func (c *client) waitNotice(k call.NoticeKind) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, n := range c.notices {
			if n == k {
				return true
			}
		}
		return false
	}, waitFor, tick, "%s never got notice %s", c.self.ID, k)
}

func (c *client) Notices() []call.NoticeKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]call.NoticeKind(nil), c.notices...)
}

func (c *client) Messages() []models.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ChatMessage(nil), c.messages...)
}

func (c *client) lastConn() *mediatest.Conn {
	conns := c.ep.Conns()
	require.NotEmpty(c.t, conns)
	return conns[len(conns)-1]
}

func (w *world) waitRooms(n int) []*models.Room {
	w.t.Helper()
	var rooms []*models.Room
	require.Eventually(w.t, func() bool {
		all, err := w.rooms.All(context.Background())
		if err != nil {
			return false
		}
		rooms = all
		return len(all) == n
	}, waitFor, tick, "expected %d rooms", n)
	return rooms
}

// connectRandom matches a and b through the random matcher.
func connectRandom(t *testing.T, w *world, a, b *client) {
	t.Helper()
	a.m.FindRandomCall(nil)
	a.waitState(call.StateSearching)
	w.waitRooms(1)

	b.m.FindRandomCall(nil)
	a.waitState(call.StateConnected)
	b.waitState(call.StateConnected)
}

func TestManager_RandomMatchConnectsAndHangupCleansUp(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")
	b := w.client("bob")

	connectRandom(t, w, a, b)

	snapA, snapB := a.m.Snapshot(), b.m.Snapshot()
	require.NotNil(t, snapA.Peer)
	require.NotNil(t, snapB.Peer)
	assert.Equal(t, "bob", snapA.Peer.ID)
	assert.Equal(t, "alice", snapB.Peer.ID)
	assert.Equal(t, snapA.CallID, snapB.CallID)
	assert.True(t, snapA.HasLocalStream)
	require.Eventually(t, func() bool { return a.m.Snapshot().HasRemoteStream }, waitFor, tick)
	assert.NotNil(t, snapA.StartedAt)

	room, err := w.rooms.Get(context.Background(), snapA.CallID)
	require.NoError(t, err)
	assert.True(t, room.Answered)
	assert.Equal(t, "bob", room.CalleeID)
	assert.Equal(t, 1, a.lastConn().RemoteDescriptionSets())

	connA, connB := a.lastConn(), b.lastConn()
	a.m.Hangup()
	a.waitState(call.StateIdle)
	b.waitState(call.StateIdle)
	b.waitNotice(call.NoticePeerDisconnected)
	assert.Empty(t, a.Notices())

	w.waitRooms(0)
	assert.True(t, connA.Closed())
	require.Eventually(t, connB.Closed, waitFor, tick)
	for _, s := range a.ep.Streams() {
		assert.True(t, s.Stopped())
	}

	sub, err := w.store.Query(context.Background(), signaling.CandidatesPath(snapA.CallID, models.CallerSide))
	require.NoError(t, err)
	assert.Empty(t, sub)

	assert.Equal(t, int32(1), a.observer.connected.Load())
	assert.Contains(t, a.observer.Reasons(), call.ReasonHangup)
	require.Eventually(t, func() bool {
		return len(b.observer.Reasons()) == 1 && b.observer.Reasons()[0] == call.ReasonRemoteHangup
	}, waitFor, tick)
	assert.Positive(t, a.observer.relayed.Load())
}

func TestManager_SearcherSkipsOwnRoom(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")

	a.m.FindRandomCall(nil)
	rooms := w.waitRooms(1)
	assert.Equal(t, "alice", rooms[0].CallerID)
	assert.Equal(t, call.StateSearching, a.m.Snapshot().State)

	a.m.Hangup()
	a.waitState(call.StateIdle)
	w.waitRooms(0)
}

func TestManager_TargetedCallAcceptedRecordsHistory(t *testing.T) {
	w := newWorld(t)
	histA, histB := new(MockHistory), new(MockHistory)
	a := w.client("alice", withOption(call.WithHistory(histA)))
	b := w.client("bob", withOption(call.WithHistory(histB)))

	histA.On("RecordCall", mock.Anything, mock.MatchedBy(func(r *models.CallRecord) bool {
		return r.OwnerID == "alice" && r.PeerID == "bob" && r.Direction == models.DirectionOutgoing && r.DurationSeconds == 5
	})).Return(nil).Once()
	histB.On("RecordCall", mock.Anything, mock.MatchedBy(func(r *models.CallRecord) bool {
		return r.OwnerID == "bob" && r.PeerID == "alice" && r.PeerName == "User alice" &&
			r.Direction == models.DirectionIncoming && r.DurationSeconds == 5
	})).Return(nil).Once()

	a.m.StartCall(b.self)
	a.waitState(call.StateOutgoing)
	b.waitState(call.StateIncoming)

	incoming := b.m.Snapshot()
	require.NotNil(t, incoming.Peer)
	assert.Equal(t, "alice", incoming.Peer.ID)
	assert.Nil(t, incoming.StartedAt)

	b.m.AcceptCall()
	b.waitState(call.StateConnected)
	a.waitState(call.StateConnected)

	w.clock.Advance(5 * time.Second)
	assert.Equal(t, 5*time.Second, a.m.Snapshot().Elapsed(w.clock.Now()))

	b.m.Hangup()
	a.waitState(call.StateIdle)
	b.waitState(call.StateIdle)
	w.waitRooms(0)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, a.m.Flush(ctx))
	require.NoError(t, b.m.Flush(ctx))
	histA.AssertExpectations(t)
	histB.AssertExpectations(t)
}

func TestManager_ShortCallIsNotRecorded(t *testing.T) {
	w := newWorld(t)
	hist := new(MockHistory)
	a := w.client("alice", withOption(call.WithHistory(hist)))
	b := w.client("bob")

	connectRandom(t, w, a, b)
	a.m.Hangup()
	a.waitState(call.StateIdle)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, a.m.Flush(ctx))
	hist.AssertNotCalled(t, "RecordCall", mock.Anything, mock.Anything)
}

func TestManager_RejectNotifiesCaller(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")
	b := w.client("bob")

	a.m.StartCall(b.self)
	b.waitState(call.StateIncoming)

	b.m.RejectCall()
	b.waitState(call.StateIdle)
	a.waitState(call.StateIdle)
	a.waitNotice(call.NoticeCallUnavailable)
	assert.Empty(t, b.Notices())
	w.waitRooms(0)
}

func TestManager_WithdrawnIncomingCall(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")
	b := w.client("bob")

	a.m.StartCall(b.self)
	b.waitState(call.StateIncoming)

	a.m.Hangup()
	a.waitState(call.StateIdle)
	b.waitState(call.StateIdle)
	b.waitNotice(call.NoticeCallWithdrawn)
}

func TestManager_HangupWhileIncomingRejects(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")
	b := w.client("bob")

	a.m.StartCall(b.self)
	b.waitState(call.StateIncoming)

	b.m.Hangup()
	a.waitNotice(call.NoticeCallUnavailable)
	w.waitRooms(0)
}

func TestManager_UnansweredTimeout(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice", withConfig(func(c *call.Config) { c.UnansweredTimeout = 80 * time.Millisecond }))

	a.m.StartCall(models.Participant{ID: "ghost", Name: "Ghost"})
	a.waitState(call.StateOutgoing)
	w.waitRooms(1)

	a.waitState(call.StateIdle)
	a.waitNotice(call.NoticeUnanswered)
	w.waitRooms(0)
	assert.Contains(t, a.observer.Reasons(), call.ReasonUnanswered)
}

func TestManager_PermissionDenied(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")
	a.ep.DenyAudio()

	a.m.FindRandomCall([]string{"music"})
	a.waitNotice(call.NoticePermissionDenied)
	a.waitState(call.StateIdle)

	w.waitRooms(0)
	assert.Empty(t, a.ep.Conns())
}

func TestManager_HangupDuringAudioAcquisition(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")
	release := a.ep.HoldAcquire()

	a.m.FindRandomCall(nil)
	a.waitState(call.StateSearching)

	a.m.Hangup()
	a.waitState(call.StateIdle)
	release()

	assert.Never(t, func() bool {
		all, _ := w.rooms.All(context.Background())
		return len(all) > 0 || a.m.Snapshot().State != call.StateIdle
	}, 150*time.Millisecond, tick)
	assert.Empty(t, a.ep.Conns())
	assert.Empty(t, a.Notices())
}

func TestManager_HangupTwiceIsNoop(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")

	a.m.FindRandomCall(nil)
	w.waitRooms(1)
	a.m.Hangup()
	a.m.Hangup()
	a.waitState(call.StateIdle)
	w.waitRooms(0)

	require.Eventually(t, func() bool { return a.observer.ended.Load() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return a.observer.ended.Load() > 1 }, 100*time.Millisecond, tick)
}

func TestManager_IntentsIgnoredInWrongState(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")

	a.m.AcceptCall()
	a.m.RejectCall()
	a.m.ToggleMute()
	a.m.SendMessage("hello")
	a.m.StartCall(a.self)

	assert.Never(t, func() bool { return a.m.Snapshot().State != call.StateIdle }, 100*time.Millisecond, tick)
	assert.Zero(t, a.observer.started.Load())
	assert.Empty(t, a.Notices())
}

func TestManager_IncomingNotLatchedWhileBusy(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")
	b := w.client("bob")
	release := b.ep.HoldAcquire()
	defer release()

	b.m.FindRandomCall(nil)
	b.waitState(call.StateSearching)

	a.m.StartCall(b.self)
	w.waitRooms(1)

	assert.Never(t, func() bool { return b.m.Snapshot().State != call.StateSearching }, 150*time.Millisecond, tick)
}

func TestManager_ToggleMute(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")
	b := w.client("bob")
	connectRandom(t, w, a, b)

	stream := a.ep.Streams()[0]
	a.m.ToggleMute()
	require.Eventually(t, func() bool { return a.m.Snapshot().Muted }, waitFor, tick)
	assert.False(t, stream.Enabled())

	a.m.ToggleMute()
	require.Eventually(t, func() bool { return !a.m.Snapshot().Muted }, waitFor, tick)
	assert.True(t, stream.Enabled())
}

func TestManager_ConnectionFailureBeforeConnect(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")

	a.m.StartCall(models.Participant{ID: "ghost"})
	a.waitState(call.StateOutgoing)
	w.waitRooms(1)

	a.lastConn().Emit(media.StateFailed)
	a.waitState(call.StateIdle)
	a.waitNotice(call.NoticeConnectionFailed)
	w.waitRooms(0)
}

func TestManager_ConnectionLostAfterConnect(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")
	b := w.client("bob")
	connectRandom(t, w, a, b)

	a.lastConn().Emit(media.StateFailed)
	a.waitState(call.StateIdle)
	a.waitNotice(call.NoticePeerDisconnected)
	b.waitState(call.StateIdle)
	w.waitRooms(0)
}

func TestManager_InCallChat(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")
	b := w.client("bob")
	connectRandom(t, w, a, b)

	a.m.SendMessage("  hi bob  ")
	require.Eventually(t, func() bool { return len(b.Messages()) == 1 }, waitFor, tick)
	msg := b.Messages()[0]
	assert.Equal(t, "hi bob", msg.Text)
	assert.Equal(t, "alice", msg.SenderID)
	require.Eventually(t, func() bool { return len(a.Messages()) == 1 }, waitFor, tick)

	a.m.SendMessage("   ")
	a.waitNotice(call.NoticeMessageInvalid)
	a.m.SendMessage("this message is far too long for the limit")
	assert.Never(t, func() bool { return len(b.Messages()) > 1 }, 100*time.Millisecond, tick)
}

func TestManager_AutoNextAfterRemoteHangup(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")
	b := w.client("bob", withConfig(func(c *call.Config) { c.AutoNext = true }))
	connectRandom(t, w, a, b)

	a.m.Hangup()
	a.waitState(call.StateIdle)
	b.waitState(call.StateSearching)

	require.Eventually(t, func() bool {
		all, err := w.rooms.All(context.Background())
		return err == nil && len(all) == 1 && all[0].CallerID == "bob"
	}, waitFor, tick)
}

func TestManager_LostClaimFallsBackToPublishing(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	_, err := w.rooms.Create(ctx, &models.Room{
		ID:       "contested",
		Offer:    &models.SessionDescription{Type: models.SDPTypeOffer, SDP: "fake-offer:nobody"},
		CallerID: "carol",
	})
	require.NoError(t, err)

	// The picker runs right before the claim, so a rival claim lands first.
	picker := func(n int) int {
		_ = w.rooms.Claim(ctx, "contested", models.SessionDescription{Type: models.SDPTypeAnswer, SDP: "x"},
			models.Participant{ID: "dave"}, nil)
		return 0
	}
	b := w.client("bob", withOption(call.WithPicker(picker)))

	b.m.FindRandomCall(nil)
	require.Eventually(t, func() bool {
		open, err := w.rooms.OpenRooms(ctx)
		return err == nil && len(open) == 1 && open[0].CallerID == "bob"
	}, waitFor, tick)
	assert.Equal(t, int32(1), b.observer.conflicts.Load())
	assert.Equal(t, call.StateSearching, b.m.Snapshot().State)
	require.Len(t, b.ep.Conns(), 2)
	assert.True(t, b.ep.Conns()[0].Closed())

	// The fallback room is found by the next searcher.
	e := w.client("erin")
	e.m.FindRandomCall(nil)
	b.waitState(call.StateConnected)
	e.waitState(call.StateConnected)

	snap := e.m.Snapshot()
	require.NotNil(t, snap.Peer)
	assert.Equal(t, "bob", snap.Peer.ID)
	assert.Equal(t, b.m.Snapshot().CallID, snap.CallID)
}

func TestManager_EarlyCandidatesWaitForAnswer(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	a := w.client("alice")

	a.m.StartCall(models.Participant{ID: "ghost", Name: "Ghost"})
	a.waitState(call.StateOutgoing)
	roomID := w.waitRooms(1)[0].ID
	conn := a.lastConn()

	early := []models.ICECandidate{{Candidate: "candidate:c1"}, {Candidate: "candidate:c2"}}
	for _, c := range early {
		require.NoError(t, w.rooms.AddCandidate(ctx, roomID, models.CalleeSide, c))
	}
	assert.Never(t, func() bool { return len(conn.Applied()) > 0 }, 100*time.Millisecond, tick)

	require.NoError(t, w.rooms.Claim(ctx, roomID,
		models.SessionDescription{Type: models.SDPTypeAnswer, SDP: "fake-answer:ghost"},
		models.Participant{ID: "ghost", Name: "Ghost"}, nil))
	require.Eventually(t, func() bool { return len(conn.Applied()) == 2 }, waitFor, tick)
	assert.Equal(t, early, conn.Applied())
	assert.Equal(t, 1, conn.RemoteDescriptionSets())

	// A second answer on the same room is ignored.
	require.NoError(t, w.store.Update(ctx, signaling.RoomsCollection, roomID, rendezvous.Fields{
		"answer": models.SessionDescription{Type: models.SDPTypeAnswer, SDP: "fake-answer:other"},
	}))
	assert.Never(t, func() bool {
		return conn.RemoteDescriptionSets() != 1 || a.m.Snapshot().State != call.StateOutgoing
	}, 150*time.Millisecond, tick)
	assert.Empty(t, a.Notices())
}

func TestManager_RedialAfterHangup(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")
	b := w.client("bob")

	connectRandom(t, w, a, b)
	a.m.Hangup()
	a.waitState(call.StateIdle)
	b.waitState(call.StateIdle)
	w.waitRooms(0)

	connectRandom(t, w, a, b)
	assert.Equal(t, int32(2), a.observer.connected.Load())
}

func TestManager_PresenceFollowsState(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")
	b := w.client("bob")
	connectRandom(t, w, a, b)
	a.m.Hangup()
	a.waitState(call.StateIdle)

	require.Eventually(t, func() bool {
		s := a.presence.States()
		return len(s) > 0 && s[len(s)-1] == "idle"
	}, waitFor, tick)
	assert.Equal(t, []string{"idle", "searching", "connected", "idle"}, a.presence.States())
}

func TestManager_RunTwice(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")
	require.Eventually(t, func() bool { return len(a.presence.States()) > 0 }, waitFor, tick)

	assert.Error(t, a.m.Run(context.Background()))
}

func TestManager_CloseTearsDownActiveCall(t *testing.T) {
	w := newWorld(t)
	a := w.client("alice")

	a.m.FindRandomCall(nil)
	w.waitRooms(1)

	a.m.Close()
	assert.Equal(t, call.StateIdle, a.m.Snapshot().State)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, a.m.Flush(ctx))
	w.waitRooms(0)
}
