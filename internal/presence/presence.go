// Package presence mirrors the local user into users/{id} and answers
// "who is online" for friends lists, the matcher and the reaper.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"randomtalk/backend/internal/config"
	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/rendezvous"
)

const Collection = "users"

// Tracker owns the local user's presence record. Call-state changes are
// coalesced: a single writer goroutine always writes the latest value, in
// order, and never blocks the caller.
type Tracker struct {
	store     rendezvous.Store
	user      models.User
	heartbeat time.Duration
	log       *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	state   string
	dirty   bool
	written string
	wake    chan struct{}
}

type Option func(*Tracker)

func WithHeartbeat(d time.Duration) Option  { return func(t *Tracker) { t.heartbeat = d } }
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(t *Tracker) { t.log = l } }

func NewTracker(store rendezvous.Store, user models.User, opts ...Option) *Tracker {
	t := &Tracker{
		store:     store,
		user:      user,
		heartbeat: config.PresenceHeartbeat,
		log:       slog.Default(),
		now:       time.Now,
		state:     "idle",
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetCallState records the new state; the writer publishes it.
func (t *Tracker) SetCallState(state string) {
	t.mu.Lock()
	t.state = state
	t.dirty = true
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// CallState returns the last state written to the store.
func (t *Tracker) CallState() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written
}

// Run marks the user online, then refreshes lastSeen on every heartbeat and
// writes call-state changes until ctx ends.
func (t *Tracker) Run(ctx context.Context) error {
	t.mu.Lock()
	state := t.state
	t.dirty = false
	t.mu.Unlock()

	rec := models.Presence{
		DisplayName: t.user.DisplayName,
		AvatarRef:   t.user.AvatarRef,
		Interests:   t.user.Interests,
		Online:      true,
		LastSeen:    t.now().UTC(),
		CallState:   state,
	}
	fields, err := rendezvous.ToFields(rec)
	if err != nil {
		return err
	}
	if err := t.store.Set(ctx, Collection, t.user.ID, fields); err != nil {
		return fmt.Errorf("go online: %w", err)
	}
	t.markWritten(state)
	t.log.Info("presence online", "user_id", t.user.ID)

	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.write(ctx, rendezvous.Fields{"online": true, "lastSeen": t.now().UTC()})
		case <-t.wake:
			t.mu.Lock()
			if !t.dirty {
				t.mu.Unlock()
				continue
			}
			state := t.state
			t.dirty = false
			t.mu.Unlock()

			if t.write(ctx, rendezvous.Fields{"callState": state, "lastSeen": t.now().UTC()}) {
				t.markWritten(state)
			}
		}
	}
}

func (t *Tracker) markWritten(state string) {
	t.mu.Lock()
	t.written = state
	t.mu.Unlock()
}

func (t *Tracker) write(ctx context.Context, fields rendezvous.Fields) bool {
	if err := t.store.Set(ctx, Collection, t.user.ID, fields); err != nil {
		if ctx.Err() == nil {
			t.log.Warn("presence write failed", "user_id", t.user.ID, "error", err)
		}
		return false
	}
	return true
}

// GoOffline is the best-effort exit write. It gives up after a short budget
// so shutdown is never held hostage by the store.
func (t *Tracker) GoOffline(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, config.OfflineWriteBudget)
	defer cancel()
	err := t.store.Set(ctx, Collection, t.user.ID, rendezvous.Fields{
		"online":    false,
		"lastSeen":  t.now().UTC(),
		"callState": "idle",
	})
	if err != nil {
		t.log.Warn("presence offline write failed", "user_id", t.user.ID, "error", err)
		return fmt.Errorf("go offline: %w", err)
	}
	return nil
}

// Entry is one decoded presence record.
type Entry struct {
	UserID string
	models.Presence
}

// Participant returns the identity fragment of the entry.
func (e Entry) Participant() models.Participant {
	return models.Participant{ID: e.UserID, Name: e.DisplayName, Avatar: e.AvatarRef}
}

// Directory reads other users' presence.
type Directory struct {
	store      rendezvous.Store
	staleAfter time.Duration
	now        func() time.Time
}

func NewDirectory(store rendezvous.Store, staleAfter time.Duration) *Directory {
	if staleAfter <= 0 {
		staleAfter = config.PresenceStaleAfter
	}
	return &Directory{store: store, staleAfter: staleAfter, now: time.Now}
}

// WithClock replaces the directory clock, for tests.
func (d *Directory) WithClock(now func() time.Time) *Directory {
	d.now = now
	return d
}

func (d *Directory) Lookup(ctx context.Context, userID string) (Entry, error) {
	doc, err := d.store.Get(ctx, Collection, userID)
	if err != nil {
		return Entry{}, err
	}
	return decode(doc)
}

// IsOnline treats a missing record as offline.
func (d *Directory) IsOnline(ctx context.Context, userID string) (bool, error) {
	e, err := d.Lookup(ctx, userID)
	if err != nil {
		if errors.Is(err, rendezvous.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return e.IsLive(d.now(), d.staleAfter), nil
}

// Online lists records flagged online and seen within the staleness window.
func (d *Directory) Online(ctx context.Context) ([]Entry, error) {
	entries, err := d.flagged(ctx)
	if err != nil {
		return nil, err
	}
	now := d.now()
	out := entries[:0]
	for _, e := range entries {
		if e.IsLive(now, d.staleAfter) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (d *Directory) CountOnline(ctx context.Context) (int, error) {
	online, err := d.Online(ctx)
	if err != nil {
		return 0, err
	}
	return len(online), nil
}

// MarkStaleOffline flips records still flagged online whose lastSeen fell out
// of the staleness window. It returns how many were changed.
func (d *Directory) MarkStaleOffline(ctx context.Context) (int, error) {
	entries, err := d.flagged(ctx)
	if err != nil {
		return 0, err
	}
	now := d.now()
	n := 0
	for _, e := range entries {
		if e.IsLive(now, d.staleAfter) {
			continue
		}
		err := d.store.Update(ctx, Collection, e.UserID,
			rendezvous.Fields{"online": false, "callState": "idle"},
			rendezvous.Eq("online", true),
		)
		if err != nil {
			if errors.Is(err, rendezvous.ErrNotFound) || errors.Is(err, rendezvous.ErrPreconditionFailed) {
				continue
			}
			return n, fmt.Errorf("mark %s offline: %w", e.UserID, err)
		}
		n++
	}
	return n, nil
}

func (d *Directory) flagged(ctx context.Context) ([]Entry, error) {
	docs, err := d.store.Query(ctx, Collection, rendezvous.Eq("online", true))
	if err != nil {
		return nil, fmt.Errorf("query presence: %w", err)
	}
	out := make([]Entry, 0, len(docs))
	for _, doc := range docs {
		e, err := decode(doc)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func decode(doc rendezvous.Document) (Entry, error) {
	var p models.Presence
	if err := doc.DataTo(&p); err != nil {
		return Entry{}, fmt.Errorf("decode presence %s: %w", doc.ID, err)
	}
	return Entry{UserID: doc.ID, Presence: p}, nil
}
