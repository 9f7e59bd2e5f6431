// Package reaper removes rendezvous garbage that clients failed to clean up:
// rooms left behind by crashed callers and presence records that never went
// offline.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"randomtalk/backend/internal/config"
	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/presence"
	"randomtalk/backend/internal/signaling"
)

// Result summarizes one sweep.
type Result struct {
	RoomsDeleted int
	UsersOffline int
}

type Reaper struct {
	rooms    *signaling.Rooms
	dir      *presence.Directory
	staleAge time.Duration
	log      *slog.Logger
	now      func() time.Time

	cron *cron.Cron
}

func New(rooms *signaling.Rooms, dir *presence.Directory, staleAge time.Duration, log *slog.Logger) *Reaper {
	if staleAge <= 0 {
		staleAge = config.StaleRoomAge
	}
	return &Reaper{rooms: rooms, dir: dir, staleAge: staleAge, log: log, now: time.Now}
}

// WithClock replaces the reaper clock, for tests.
func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	r.now = now
	return r
}

// Sweep deletes rooms older than the stale age once nobody is left in them:
// an open room when its caller is offline, an answered room when both
// participants are. Stale presence records are then flipped offline. Errors
// on single rooms are logged and the sweep continues.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	stale, err := r.rooms.StaleRooms(ctx, r.now().Add(-r.staleAge))
	if err != nil {
		return res, fmt.Errorf("list stale rooms: %w", err)
	}

	var errs []error
	for _, room := range stale {
		live, err := r.occupied(ctx, room)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if live {
			continue
		}
		if err := r.rooms.Delete(ctx, room.ID); err != nil {
			r.log.Warn("reaper: room delete failed", "call_id", room.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		res.RoomsDeleted++
	}

	n, err := r.dir.MarkStaleOffline(ctx)
	res.UsersOffline = n
	if err != nil {
		errs = append(errs, err)
	}
	r.log.Info("reaper sweep finished", "rooms_deleted", res.RoomsDeleted, "users_offline", res.UsersOffline)
	return res, errors.Join(errs...)
}

// occupied reports whether a participant of room is still online. The callee
// of an unanswered room does not count: it never joined.
func (r *Reaper) occupied(ctx context.Context, room *models.Room) (bool, error) {
	ids := []string{room.CallerID}
	if room.Answered && room.CalleeID != "" {
		ids = append(ids, room.CalleeID)
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		online, err := r.dir.IsOnline(ctx, id)
		if err != nil {
			return false, err
		}
		if online {
			return true, nil
		}
	}
	return false, nil
}

// Start schedules Sweep. Overlapping runs are skipped.
func (r *Reaper) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = config.ReaperSchedule
	}
	logger := cronLogger{r.log}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.log.Warn("reaper sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("reaper schedule %q: %w", schedule, err)
	}
	r.cron = c
	c.Start()
	r.log.Info("reaper started", "schedule", schedule)
	return nil
}

// Stop waits for a running sweep to finish or ctx to end.
func (r *Reaper) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
