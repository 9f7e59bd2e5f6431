package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"randomtalk/backend/internal/config"
	"randomtalk/backend/internal/presence"
	"randomtalk/backend/internal/reaper"
	"randomtalk/backend/internal/rendezvous"
	"randomtalk/backend/internal/signaling"
	"randomtalk/backend/internal/storage"
	"randomtalk/backend/pkg/logger"

	"github.com/joho/godotenv"
)

const usage = `Usage: admin <command> [args]

Commands:
  reap                       delete stale rooms and mark stale users offline
  rooms                      list rendezvous rooms
  online                     list online users
  history <user_id> [limit]  show call history of a local user
  friends <user_id>          show friends of a local user`

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := run(ctx, cfg, log, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger, command string, args []string) error {
	switch command {
	case "reap", "rooms", "online":
		rdb, err := storage.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		store := rendezvous.NewRedisStore(rdb, cfg.Redis.Prefix, log)
		defer store.Close()

		rooms := signaling.NewRooms(store)
		dir := presence.NewDirectory(store, config.PresenceStaleAfter)
		switch command {
		case "reap":
			return reap(ctx, reaper.New(rooms, dir, config.StaleRoomAge, log))
		case "rooms":
			return listRooms(ctx, rooms)
		default:
			return listOnline(ctx, dir)
		}

	case "history", "friends":
		if len(args) < 1 {
			return fmt.Errorf("missing user_id\n%s", usage)
		}
		db, err := storage.OpenPostgres(ctx, cfg.PostgresDSN(), storage.PoolConfig{MaxOpenConns: 2})
		if err != nil {
			return err
		}
		s := storage.NewStorageService(db)
		if command == "friends" {
			return listFriends(ctx, s, args[0])
		}
		limit := 0
		if len(args) > 1 {
			if limit, err = strconv.Atoi(args[1]); err != nil {
				return fmt.Errorf("invalid limit %q", args[1])
			}
		}
		return listHistory(ctx, s, args[0], limit)
	}
	return fmt.Errorf("unknown command\n%s", usage)
}

func reap(ctx context.Context, r *reaper.Reaper) error {
	res, err := r.Sweep(ctx)
	fmt.Printf("Deleted %d stale rooms, marked %d users offline.\n", res.RoomsDeleted, res.UsersOffline)
	return err
}

func listRooms(ctx context.Context, rooms *signaling.Rooms) error {
	all, err := rooms.All(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, r := range all {
		status := "open"
		if r.Answered {
			status = "answered by " + r.CalleeID
		} else if r.CalleeID != "" {
			status = "ringing " + r.CalleeID
		}
		fmt.Printf("%s  caller=%s  age=%s  %s\n", r.ID, r.CallerID, now.Sub(r.CreatedAt).Truncate(time.Second), status)
	}
	fmt.Printf("%d rooms\n", len(all))
	return nil
}

func listOnline(ctx context.Context, dir *presence.Directory) error {
	entries, err := dir.Online(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s  %-20s  %-10s  last seen %s\n", e.UserID, e.DisplayName, e.CallState, e.LastSeen.Format(time.RFC3339))
	}
	fmt.Printf("%d online\n", len(entries))
	return nil
}

func listHistory(ctx context.Context, s storage.Storage, userID string, limit int) error {
	records, err := s.ListHistory(ctx, userID, limit)
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Printf("%s  %-8s  %-20s  %ds\n", r.StartedAt.Format(time.RFC3339), r.Direction, r.PeerName, r.DurationSeconds)
	}
	return nil
}

func listFriends(ctx context.Context, s storage.Storage, userID string) error {
	friends, err := s.ListFriends(ctx, userID)
	if err != nil {
		return err
	}
	for _, f := range friends {
		fmt.Printf("%s  %s\n", f.FriendID, f.Name)
	}
	return nil
}
