package call

import (
	"context"
	"time"

	"randomtalk/backend/internal/models"
)

// teardown ends the current call. It is the only way back to idle and is a
// no-op when there is no call.
func (m *Manager) teardown(reason string, notice NoticeKind) {
	s := m.s
	if s.scope == nil {
		return
	}
	m.stopTimer()

	var dur time.Duration
	var rec *models.CallRecord
	if s.state == StateConnected && !s.startedAt.IsZero() {
		dur = m.now().Sub(s.startedAt)
		if dur >= m.cfg.MinHistoryDuration && !s.peer.IsZero() {
			rec = m.record(s, dur)
		}
	}

	s.scope.close()
	if rec != nil {
		m.recordHistory(rec)
	}
	m.observer.CallEnded(reason, dur)
	m.log.Info("call ended", "reason", reason, "call_id", s.roomID, "duration", dur)

	m.s = session{gen: s.gen}
	var n *Notice
	if notice != "" {
		n = &Notice{Kind: notice}
	}
	m.changed(n)

	if m.cfg.AutoNext && s.kind == KindRandom && s.connected && reason == ReasonRemoteHangup {
		m.findRandom(s.interests)
	}
}

func (m *Manager) record(s session, dur time.Duration) *models.CallRecord {
	dir := models.DirectionIncoming
	if s.role == models.CallerSide {
		dir = models.DirectionOutgoing
	}
	return &models.CallRecord{
		OwnerID:         m.cfg.Self.ID,
		PeerID:          s.peer.ID,
		PeerName:        s.peer.Name,
		PeerAvatar:      s.peer.Avatar,
		DurationSeconds: int(dur / time.Second),
		StartedAt:       s.startedAt.UTC(),
		Direction:       dir,
	}
}

func (m *Manager) stopTimer() {
	if m.s.timer != nil {
		m.s.timer.Stop()
		m.s.timer = nil
	}
}

func (m *Manager) shutdown() {
	if m.s.state != StateIdle {
		m.teardown(ReasonShutdown, "")
	}
	m.log.Info("call manager stopped")
}

// releaseRoom deletes a room and its sub-collections in the background. A
// failed delete leaves garbage for the reaper.
func (m *Manager) releaseRoom(roomID string) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundDeadline)
		defer cancel()
		if err := m.rooms.Delete(ctx, roomID); err != nil {
			m.log.Warn("failed to delete room", "call_id", roomID, "error", err)
		}
	}()
}

func (m *Manager) recordHistory(rec *models.CallRecord) {
	if m.history == nil {
		return
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundDeadline)
		defer cancel()
		if err := m.history.RecordCall(ctx, rec); err != nil {
			m.log.Error("failed to record call", "peer_id", rec.PeerID, "error", err)
		}
	}()
}
