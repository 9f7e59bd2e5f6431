package call

import "randomtalk/backend/internal/models"

// runRandom joins an open room when one exists and otherwise publishes one.
// A lost claim is not retried against other rooms; the client becomes a
// caller instead and is found by the next searcher.
func (m *Manager) runRandom(sc *callScope, interests []string) {
	if !m.acquireAudio(sc) {
		return
	}
	open, err := m.rooms.OpenRooms(sc.ctx)
	if err != nil {
		if sc.ctx.Err() != nil {
			return
		}
		m.log.Warn("open rooms query failed, publishing instead", "error", err)
	}
	if room := m.pickRoom(open, interests); room != nil {
		if m.runJoin(sc, room.ID, interests, false) != joinLost {
			return
		}
	}
	if sc.ctx.Err() != nil {
		return
	}
	m.runCaller(sc, nil, interests)
}

// pickRoom chooses among joinable rooms, preferring a shared interest. No
// interest match never blocks a match.
func (m *Manager) pickRoom(rooms []*models.Room, interests []string) *models.Room {
	var all, preferred []*models.Room
	for _, r := range rooms {
		if r.CallerID == m.cfg.Self.ID || !r.IsOpen() || r.Offer == nil {
			continue
		}
		all = append(all, r)
		if r.SharesInterest(interests) {
			preferred = append(preferred, r)
		}
	}
	pool := all
	if len(preferred) > 0 {
		pool = preferred
	}
	if len(pool) == 0 {
		return nil
	}
	return pool[m.pick(len(pool))]
}
