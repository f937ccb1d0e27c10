package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/slot-claims/backend/internal/api"
	"github.com/slot-claims/backend/internal/api/middleware"
	"github.com/slot-claims/backend/internal/config"
	"github.com/slot-claims/backend/internal/engine"
	"github.com/slot-claims/backend/internal/propagate"
	"github.com/slot-claims/backend/internal/storage"
	"github.com/slot-claims/backend/internal/websocket"
)

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if addrFlag != "" {
		cfg.Server.Addr = addrFlag
	}
	if dataDir != "" {
		cfg.Server.DataDir = dataDir
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)
	logger.Info("starting slot claims server", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := storage.NewDB(cfg.Server.DBPath())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ran, err := storage.RunMigrations(ctx, db, logger)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("database migrations complete", "applied", len(ran))

	ledger := storage.NewLedger(db)
	views := engine.NewMemoryViews()

	// Initialize WebSocket hub
	hub := websocket.NewHub(logger)
	go hub.Run(ctx)
	events := websocket.NewEventBroadcaster(hub)

	cache, closeCache, err := newViewCache(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	propagator := propagate.New(ledger, propagate.Config{
		BookingInterval:    cfg.Views.BookingInterval,
		ListingInterval:    cfg.Views.ListingInterval,
		StalenessThreshold: cfg.Views.StalenessThreshold,
	},
		propagate.WithSink(views),
		propagate.WithCache(cache),
		propagate.WithListener(events),
		propagate.WithLogger(logger.With("component", "propagate")),
	)
	propagator.Start()
	defer propagator.Stop()

	coordinator := engine.NewCoordinator(ledger, views, engine.Config{
		StalenessThreshold: cfg.Views.StalenessThreshold,
		CommitTimeout:      cfg.Claims.CommitTimeout,
		StrictTransitions:  cfg.Claims.StrictTransitions,
	},
		engine.WithInvalidator(propagator),
		engine.WithNotifier(events),
		engine.WithLogger(logger.With("component", "engine")),
	)

	var limiter *middleware.ClaimRateLimiter
	if cfg.Claims.RateLimit > 0 {
		limiter = middleware.NewClaimRateLimiter(cfg.Claims.RateLimit, cfg.Claims.RateBurst)
		go sweepLimiter(ctx, limiter)
	}

	router := api.NewRouter(api.Services{
		DB:          db,
		Resources:   ledger.Resources(),
		Claims:      ledger.Claims(),
		Views:       propagator,
		Watcher:     propagator,
		Coordinator: coordinator,
		Hub:         hub,
		Identity:    middleware.NewIdentity(cfg.Identity.SigningKey, cfg.Identity.Issuer),
		RateLimiter: limiter,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// newViewCache picks the shared Redis cache when configured and the
// in-process cache otherwise.
func newViewCache(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (propagate.Cache, func(), error) {
	if cfg.Addr == "" {
		return propagate.NewMemoryCache(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("using redis view cache", "addr", cfg.Addr)
	return propagate.NewRedisCache(rdb, propagate.WithRedisTTL(cfg.TTL)), func() { rdb.Close() }, nil
}

func sweepLimiter(ctx context.Context, limiter *middleware.ClaimRateLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep(10 * time.Minute)
		}
	}
}
