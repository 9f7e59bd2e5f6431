package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"randomtalk/backend/internal/api/handler"
	"randomtalk/backend/internal/call"
	"randomtalk/backend/internal/config"
	"randomtalk/backend/internal/hub"
	"randomtalk/backend/internal/localization"
	"randomtalk/backend/internal/media"
	"randomtalk/backend/internal/messaging"
	"randomtalk/backend/internal/metrics"
	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/presence"
	"randomtalk/backend/internal/reaper"
	"randomtalk/backend/internal/rendezvous"
	"randomtalk/backend/internal/signaling"
	"randomtalk/backend/internal/storage"
	"randomtalk/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const shutdownBudget = 10 * time.Second

func setupDependencies(ctx context.Context, cfg config.Config, log *slog.Logger) (*gorm.DB, *redis.Client, error) {
	// 1. PostgreSQL
	db, err := storage.OpenPostgres(ctx, cfg.PostgresDSN(), storage.PoolConfig{})
	if err != nil {
		return nil, nil, err
	}

	// 2. Redis
	rdb, err := storage.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}

	log.Info("database and redis connections established")
	return db, rdb, nil
}

// localUser returns the persisted anonymous profile, creating it on first
// start.
func localUser(ctx context.Context, s *storage.Service, p config.ProfileConfig) (*models.User, error) {
	if p.UserID == "" {
		user, err := s.LocalUser(ctx)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	return s.EnsureUser(ctx, &models.User{
		ID:          p.UserID,
		DisplayName: p.DisplayName,
		AvatarRef:   p.Avatar,
		Interests:   p.Interests,
	})
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file loaded", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("client stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.With(ctx, log)

	// 1. Ініціалізація залежностей
	db, rdb, err := setupDependencies(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rdb.Close()

	s := storage.NewStorageService(db)
	if err := s.Migrate(); err != nil {
		return err
	}
	user, err := localUser(ctx, s, cfg.Profile)
	if err != nil {
		return err
	}
	self := user.Participant()
	log = log.With("user_id", self.ID)
	log.Info("starting randomtalk client", "name", self.Name)

	store := rendezvous.NewRedisStore(rdb, cfg.Redis.Prefix, log)
	defer store.Close()

	loc, err := localization.Default()
	if err != nil {
		return err
	}

	// 2. Сервіси рандеву та повідомлень
	rooms := signaling.NewRooms(store)
	chat := messaging.NewChat(store, config.MaxChatMessageLen)
	friends := messaging.NewFriends(store, s, self, log)
	tracker := presence.NewTracker(store, *user, presence.WithLogger(log))
	dir := presence.NewDirectory(store, config.PresenceStaleAfter)
	m := metrics.New()

	endpoint, err := media.NewPionEndpoint(media.NewAudioSource(cfg.Call.AudioSource), log, media.WithPacketObserver(m.PacketReceived))
	if err != nil {
		return err
	}

	manager := call.New(call.Config{
		Self:              self,
		ICEServers:        cfg.Call.ICEServers,
		UnansweredTimeout: cfg.Call.UnansweredTimeout,
		AutoNext:          cfg.Call.AutoNext,
	}, rooms, chat, endpoint,
		call.WithHistory(s),
		call.WithPresence(tracker),
		call.WithObserver(m),
		call.WithLogger(log),
	)

	// 3. Hub між UI та менеджером дзвінків
	h := hub.NewManagerService(manager, friends, loc, log)
	manager.OnUpdate(h.PublishUpdate)
	friends.OnEvent(h.PublishFriendEvent)

	var sweeper *reaper.Reaper
	if cfg.Reaper.Enabled {
		sweeper = reaper.New(rooms, dir, config.StaleRoomAge, log)
		if err := sweeper.Start(ctx, cfg.Reaper.Schedule); err != nil {
			return err
		}
	}

	// 4. Запуск основних Goroutines
	var wg sync.WaitGroup
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("component stopped", "component", name, "error", err)
			}
		}()
	}
	goRun("presence", tracker.Run)
	goRun("call", manager.Run)
	goRun("friends", friends.Run)
	goRun("hub", func(ctx context.Context) error { h.Run(ctx); return nil })
	goRun("metrics", func(ctx context.Context) error {
		m.PollOnline(ctx, dir, config.PresenceHeartbeat, log)
		return nil
	})

	// 5. Налаштування Gin та роутингу
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), logger.Middleware(log))
	api := handler.NewHandler(h, self, s, dir, cfg, loc, log)
	api.Metrics = m.Handler()
	api.Register(r)

	server := &http.Server{
		Addr:           cfg.HTTPAddr(),
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case runErr = <-serveErr:
		stop()
	}

	// 6. Завершення: спочатку дзвінок, потім присутність
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", "error", err)
	}
	manager.Close()
	if err := manager.Flush(shutdownCtx); err != nil {
		log.Warn("call cleanup did not finish", "error", err)
	}
	if sweeper != nil {
		sweeper.Stop(shutdownCtx)
	}
	wg.Wait()
	if err := tracker.GoOffline(context.Background()); err != nil {
		log.Warn("presence offline write failed", "error", err)
	}

	log.Info("client stopped")
	return runErr
}
