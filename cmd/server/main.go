package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sectorpulse/internal/admission"
	"github.com/pscheid92/sectorpulse/internal/auth"
	"github.com/pscheid92/sectorpulse/internal/broadcast"
	"github.com/pscheid92/sectorpulse/internal/broker"
	"github.com/pscheid92/sectorpulse/internal/httpserver"
	"github.com/pscheid92/sectorpulse/internal/platform/config"
	"github.com/pscheid92/sectorpulse/internal/platform/logging"
	"github.com/pscheid92/sectorpulse/internal/platform/retry"
	"github.com/pscheid92/sectorpulse/internal/platform/version"
	"github.com/pscheid92/sectorpulse/internal/router"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupRedis builds the broker client and waits for the first successful ping.
func setupRedis(ctx context.Context, cfg *config.Config, clock clockwork.Clock) *goredis.Client {
	client, err := broker.NewLazyClient(cfg.RedisURL)
	if err != nil {
		slog.Error("Invalid Redis URL", "error", err)
		os.Exit(1)
	}

	policy := retry.Policy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Clock:          clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Redis not reachable yet", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}
	classify := func(error) retry.Action { return retry.Retry }

	if err := retry.DoVoid(ctx, policy, classify, ping); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "instance_id", cfg.InstanceID, "version", version.Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := setupRedis(ctx, cfg, clock)
	defer func() { _ = redisClient.Close() }()

	bridge := broker.NewBridge(redisClient, clock, cfg.BrokerPublishTimeout)
	instances := broker.NewInstanceRegistry(redisClient, clock, cfg.InstanceID, cfg.InstanceHeartbeat, version.Version)
	registry := broadcast.NewRegistry(clock, nil)

	httpAdmission := admission.NewController("http", admission.DefaultRules(), clock, cfg.AdmissionIdleTTL)
	messageAdmission := admission.NewController("messages", admission.MessageRules(), clock, cfg.AdmissionIdleTTL, admission.WithPerRuleState())

	frames := admission.NewMessageLimiter(cfg.MessageRate, cfg.MessageBurst, clock)

	eventRouter := router.New(registry, bridge, messageAdmission, clock, router.Options{
		InstanceID:   cfg.InstanceID,
		TradingTypes: cfg.TradingTypes(),
		AITypes:      cfg.AITypes(),
	})

	srv := httpserver.NewServer(cfg, httpserver.Dependencies{
		Router:    eventRouter,
		Registry:  registry,
		Broker:    bridge,
		Instances: instances,
		Resolver:  auth.NewJWTResolver(cfg.JWTSecret, cfg.JWTIssuer, clock),
		Admission: httpAdmission,
		Messages:  messageAdmission,
		Limits:    admission.NewConnectionLimits(int64(cfg.MaxWebSocketConnections), cfg.MaxConnectionsPerIP),
		Frames:    frames,
		Clock:     clock,
		HealthChecks: []httpserver.HealthCheck{
			{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bridge.Run(gctx) })
	g.Go(func() error { return instances.Run(gctx) })
	g.Go(func() error {
		httpAdmission.Run(gctx, cfg.AdmissionSweepInterval)
		return nil
	})
	g.Go(func() error {
		messageAdmission.Run(gctx, cfg.AdmissionSweepInterval)
		return nil
	})
	g.Go(func() error {
		frames.Run(gctx, cfg.AdmissionSweepInterval)
		return nil
	})

	if err := eventRouter.Start(gctx); err != nil {
		slog.Error("Failed to start router", "error", err)
		os.Exit(1)
	}

	g.Go(func() error {
		slog.Info("Server starting", "port", cfg.Port)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		eventRouter.Stop()
		registry.Stop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
