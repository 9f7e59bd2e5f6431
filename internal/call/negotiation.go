package call

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"randomtalk/backend/internal/media"
	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/signaling"
)

type joinResult int

const (
	joinOK joinResult = iota
	// joinLost means the room was claimed or removed before our answer
	// landed. The random matcher falls back to publishing its own room.
	joinLost
	joinFailed
)

func (m *Manager) fail(sc *callScope, reason string, notice NoticeKind, err error) {
	sc.post(setupFailed{callEvent: sc.tag(), reason: reason, notice: notice, err: err})
}

// acquireAudio opens the local stream once per call.
func (m *Manager) acquireAudio(sc *callScope) bool {
	if sc.stream() != nil {
		return true
	}
	local, err := m.media.AcquireLocalAudio(sc.ctx)
	if err != nil {
		if sc.ctx.Err() != nil {
			return false
		}
		if errors.Is(err, media.ErrPermissionDenied) {
			m.fail(sc, ReasonPermission, NoticePermissionDenied, err)
		} else {
			m.fail(sc, ReasonFailed, NoticeCallFailed, err)
		}
		return false
	}
	if !sc.adoptStream(local) {
		return false
	}
	sc.post(localStreamReady{sc.tag()})
	return true
}

// connect creates a peer connection whose local candidates trickle into
// roomID under side. The outbox holds them until start is called.
func (m *Manager) connect(sc *callScope, roomID string, side models.CandidateSide) (*attempt, error) {
	write := func(ctx context.Context, c models.ICECandidate) error {
		return m.rooms.AddCandidate(ctx, roomID, side, c)
	}
	att := &attempt{outbox: newOutbox(sc.ctx, write, m.observer.CandidateRelayed, m.log)}
	h := media.Handlers{
		OnICECandidate: att.outbox.push,
		OnTrack: func(s media.RemoteStream) {
			sc.post(remoteTrackStarted{callEvent: sc.tag(), stream: s})
		},
		OnConnectionStateChange: func(state media.ConnectionState) {
			sc.post(connectionStateChanged{callEvent: sc.tag(), att: att, state: state})
		},
	}
	conn, err := m.media.NewConnection(sc.ctx, m.cfg.ICEServers, sc.stream(), h)
	if err != nil {
		att.outbox.stop()
		return nil, err
	}
	att.conn = conn
	if !sc.adoptAttempt(att) {
		return nil, context.Canceled
	}
	return att, nil
}

// runCaller publishes a new room and waits for someone to answer it. peer
// is nil for a random search that found nobody to join.
func (m *Manager) runCaller(sc *callScope, peer *models.Participant, interests []string) {
	if !m.acquireAudio(sc) {
		return
	}
	ctx := sc.ctx
	roomID := uuid.NewString()

	att, err := m.connect(sc, roomID, models.CallerSide)
	if err != nil {
		m.fail(sc, ReasonFailed, NoticeCallFailed, err)
		return
	}
	offer, err := att.conn.CreateOffer(ctx)
	if err != nil {
		m.fail(sc, ReasonFailed, NoticeCallFailed, err)
		return
	}
	if err := att.conn.SetLocalDescription(ctx, offer); err != nil {
		m.fail(sc, ReasonFailed, NoticeCallFailed, err)
		return
	}

	self := m.cfg.Self
	room := &models.Room{
		ID:              roomID,
		Offer:           &offer,
		CallerID:        self.ID,
		CallerName:      self.Name,
		CallerAvatar:    self.Avatar,
		CallerInterests: interests,
	}
	if peer != nil {
		room.CalleeID = peer.ID
		room.CalleeName = peer.Name
		room.CalleeAvatar = peer.Avatar
	}
	if _, err := m.rooms.Create(ctx, room); err != nil {
		m.fail(sc, ReasonFailed, NoticeCallFailed, err)
		return
	}
	if !sc.setRoom(roomID) {
		return
	}
	att.outbox.start()
	sc.post(roomPublished{callEvent: sc.tag(), roomID: roomID})
	m.watchPeer(sc, roomID, models.CalleeSide)
}

// runAccept answers the room this client is ringing for. The room is owned
// from here on so that any failure removes it and stops the caller waiting.
func (m *Manager) runAccept(sc *callScope, roomID string) {
	if !sc.setRoom(roomID) {
		return
	}
	m.runJoin(sc, roomID, nil, true)
}

// runJoin answers an existing room. On the incoming path every failure ends
// the call. On the random path a lost claim is returned to the matcher.
func (m *Manager) runJoin(sc *callScope, roomID string, interests []string, incoming bool) joinResult {
	if !m.acquireAudio(sc) {
		return joinFailed
	}
	ctx := sc.ctx

	room, err := m.rooms.Get(ctx, roomID)
	if err == nil && room.Offer == nil {
		err = signaling.ErrRoomGone
	}
	if err != nil {
		if ctx.Err() != nil {
			return joinFailed
		}
		if !incoming && errors.Is(err, signaling.ErrRoomGone) {
			return joinLost
		}
		m.fail(sc, ReasonUnavailable, NoticeCallUnavailable, err)
		return joinFailed
	}

	att, err := m.connect(sc, roomID, models.CalleeSide)
	if err != nil {
		m.fail(sc, ReasonFailed, NoticeCallFailed, err)
		return joinFailed
	}
	if err := att.conn.SetRemoteDescription(ctx, *room.Offer); err != nil {
		m.fail(sc, ReasonFailed, NoticeCallFailed, err)
		return joinFailed
	}
	answer, err := att.conn.CreateAnswer(ctx)
	if err != nil {
		m.fail(sc, ReasonFailed, NoticeCallFailed, err)
		return joinFailed
	}
	if err := att.conn.SetLocalDescription(ctx, answer); err != nil {
		m.fail(sc, ReasonFailed, NoticeCallFailed, err)
		return joinFailed
	}

	err = m.rooms.Claim(ctx, roomID, answer, m.cfg.Self, interests)
	if errors.Is(err, signaling.ErrRoomClaimed) || errors.Is(err, signaling.ErrRoomGone) {
		m.observer.ClaimConflict()
		sc.dropAttempt(att)
		m.log.Info("room claim lost", "call_id", roomID, "error", err)
		if incoming {
			m.fail(sc, ReasonUnavailable, NoticeCallUnavailable, err)
			return joinFailed
		}
		return joinLost
	}
	if err != nil {
		m.fail(sc, ReasonFailed, NoticeCallFailed, err)
		return joinFailed
	}

	if !sc.setRoom(roomID) {
		return joinFailed
	}
	att.outbox.start()
	sc.post(roomJoined{callEvent: sc.tag(), roomID: roomID, peer: room.Caller()})
	m.watchPeer(sc, roomID, models.CallerSide)
	return joinOK
}

// watchPeer follows the room document, the peer's candidates and the chat.
// Each subscription is registered with the scope before events flow.
func (m *Manager) watchPeer(sc *callScope, roomID string, remote models.CandidateSide) {
	ctx := sc.ctx

	changes, stopRoom, err := m.rooms.Watch(ctx, roomID)
	if err != nil {
		m.fail(sc, ReasonFailed, NoticeCallFailed, err)
		return
	}
	if !sc.addDisposer(stopRoom) {
		return
	}
	go func() {
		for c := range changes {
			sc.post(roomEvent(sc.gen, c))
		}
	}()

	cands, stopCands, err := m.rooms.WatchCandidates(ctx, roomID, remote)
	if err != nil {
		m.fail(sc, ReasonFailed, NoticeCallFailed, err)
		return
	}
	if !sc.addDisposer(stopCands) {
		return
	}
	go func() {
		for c := range cands {
			sc.post(remoteCandidateReceived{callEvent: sc.tag(), candidate: c})
		}
	}()

	if m.chat == nil {
		return
	}
	msgs, stopChat, err := m.chat.Watch(ctx, roomID)
	if err != nil {
		// Chat is optional for the call itself.
		m.log.Warn("chat unavailable", "call_id", roomID, "error", err)
		return
	}
	if !sc.addDisposer(stopChat) {
		return
	}
	go func() {
		for msg := range msgs {
			sc.post(chatReceived{callEvent: sc.tag(), msg: msg})
		}
	}()
}

// applyAnswer sets the callee's answer on the caller's connection once.
func (m *Manager) applyAnswer(room *models.Room) {
	if m.s.role != models.CallerSide || room == nil || room.Answer == nil {
		return
	}
	sc := m.s.scope
	conn := sc.connection()
	if conn == nil || conn.HasRemoteDescription() {
		return
	}
	if err := conn.SetRemoteDescription(sc.ctx, *room.Answer); err != nil {
		m.log.Warn("failed to apply answer", "call_id", room.ID, "error", err)
		m.teardown(ReasonFailed, NoticeConnectionFailed)
		return
	}
	if m.s.peer.IsZero() {
		m.s.peer = room.Callee()
		m.publish(nil, nil)
	}
	for _, c := range sc.takePending() {
		m.addCandidate(conn, c)
	}
}

// applyCandidate adds a remote candidate, holding it back until the remote
// description exists.
func (m *Manager) applyCandidate(c models.ICECandidate) {
	sc := m.s.scope
	conn := sc.connection()
	if conn == nil {
		return
	}
	if !conn.HasRemoteDescription() {
		sc.bufferCandidate(c)
		return
	}
	m.addCandidate(conn, c)
}

func (m *Manager) addCandidate(conn media.Connection, c models.ICECandidate) {
	if err := conn.AddICECandidate(m.s.scope.ctx, c); err != nil {
		m.log.Debug("remote candidate dropped", "error", err)
	}
}

func (m *Manager) peerGone() {
	if m.s.state == StateIdle {
		return
	}
	if m.s.state == StateConnected {
		m.teardown(ReasonRemoteHangup, NoticePeerDisconnected)
		return
	}
	m.teardown(ReasonUnavailable, NoticeCallUnavailable)
}

func (m *Manager) connectionChanged(e connectionStateChanged) {
	if !m.s.scope.current(e.att) {
		return
	}
	m.log.Debug("connection state", "state", e.state, "call_id", m.s.roomID)
	switch {
	case e.state == media.StateConnected:
		m.stopTimer()
		if !m.s.connected {
			m.s.connected = true
			m.observer.CallConnected()
		}
		if m.s.state == StateSearching || m.s.state == StateOutgoing {
			m.s.state = StateConnected
			m.s.startedAt = m.now()
			m.log.Info("call connected", "call_id", m.s.roomID, "peer_id", m.s.peer.ID)
			m.changed(nil)
		}
	case e.state.Ends():
		if m.s.connected {
			m.teardown(ReasonRemoteHangup, NoticePeerDisconnected)
			return
		}
		m.teardown(ReasonFailed, NoticeConnectionFailed)
	}
}
