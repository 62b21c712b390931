package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicebridge/internal/auth"
	"github.com/ent0n29/voicebridge/internal/broker"
	"github.com/ent0n29/voicebridge/internal/character"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/httpapi"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/ratelimit"
	"github.com/ent0n29/voicebridge/internal/relay"
	"github.com/ent0n29/voicebridge/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics := observability.NewMetrics(cfg.MetricsNamespace, prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	builder := character.NewBuilder(cfg.Character)
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s session.Session) {
		metrics.SessionEvent("expired")
		logger.Info("session expired",
			zap.String("session_id", s.ID),
			zap.String("transport", string(s.Transport)))
	})

	var deps []httpapi.Dependency

	validator, closeValidator, err := buildValidator(ctx, cfg, &deps)
	if err != nil {
		return err
	}
	defer closeValidator()
	if !cfg.AuthEnabled() {
		if cfg.AuthAllowAny {
			logger.Warn("AUTH_ALLOW_ANY is set: any non-empty caller token is accepted")
		} else {
			logger.Warn("no credential backend configured; all caller credentials are rejected")
		}
	}

	limiter, closeLimiter, err := buildLimiter(ctx, cfg, &deps)
	if err != nil {
		return err
	}
	defer closeLimiter()

	// Without a provider key the server still starts so /readyz can report it.
	var issuer broker.Issuer
	minter, err := broker.NewOpenAIClient(cfg.RealtimeAPIBase, cfg.ProviderAPIKey, cfg.RealtimeModel, &http.Client{Timeout: cfg.IssueTimeout})
	if err != nil {
		logger.Error("credential broker disabled", zap.Error(err))
	} else {
		opts := []broker.Option{
			broker.WithBuilder(builder),
			broker.WithTimeout(cfg.IssueTimeout),
			broker.WithLogger(logger.Named("broker")),
			broker.WithMetrics(metrics),
		}
		if limiter != nil {
			opts = append(opts, broker.WithLimiter(limiter))
		}
		b, err := broker.New(validator, minter, opts...)
		if err != nil {
			return fmt.Errorf("broker init failed: %w", err)
		}
		issuer = b
	}

	var relayHandler http.Handler
	relayOpts := relay.Options{
		APIKey:          cfg.ProviderAPIKey,
		UpstreamURL:     cfg.RealtimeWSURL,
		Model:           cfg.RealtimeModel,
		Subprotocol:     cfg.RelaySubprotocol,
		Builder:         builder,
		ConfigTimeout:   cfg.RelayConfigTimeout,
		ConnectTimeout:  cfg.RelayConnectTimeout,
		AckTimeout:      cfg.RelayAckTimeout,
		SkipAck:         !cfg.RelayAwaitAck,
		GracePeriod:     cfg.RelayGracePeriod,
		PingInterval:    cfg.RelayPingInterval,
		IdleTimeout:     cfg.RelayIdleTimeout,
		MaxMessageBytes: int64(cfg.RelayMaxMessageBytes),
		CheckOrigin:     httpapi.SameOrigin(cfg.AllowAnyOrigin),
		Sessions:        sessions,
		Logger:          logger.Named("relay"),
		Metrics:         metrics,
	}
	if cfg.RelayRequireAuth {
		relayOpts.Validator = validator
	}
	if r, err := relay.New(relayOpts); err != nil {
		logger.Error("relay disabled", zap.Error(err))
	} else {
		relayHandler = r
	}

	var operators auth.Validator
	if cfg.AuthEnabled() {
		operators = validator
	}

	server := httpapi.New(httpapi.Deps{
		Config:       cfg,
		Broker:       issuer,
		Relay:        relayHandler,
		Builder:      builder,
		Sessions:     sessions,
		Operators:    operators,
		Metrics:      metrics,
		Gatherer:     prometheus.DefaultGatherer,
		Dependencies: deps,
		Logger:       logger.Named("http"),
	})

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	sessions.StartJanitor(gctx, 5*time.Second)

	g.Go(func() error {
		logger.Info("voicebridge listening",
			zap.String("addr", cfg.BindAddr),
			zap.String("model", cfg.RealtimeModel),
			zap.Bool("broker", issuer != nil),
			zap.Bool("relay", relayHandler != nil),
			zap.Bool("auth", cfg.AuthEnabled()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// Hijacked relay sockets are not tracked by Shutdown.
		for _, s := range sessions.List() {
			_, _ = sessions.End(s.ID)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// buildValidator chains every configured caller-credential backend. With none
// configured every token is rejected, unless cfg.AuthAllowAny is set.
func buildValidator(ctx context.Context, cfg config.Config, deps *[]httpapi.Dependency) (auth.Validator, func(), error) {
	var chain auth.Chain
	closeFn := func() {}

	if cfg.AuthJWTSecret != "" {
		v, err := auth.NewJWTValidator(cfg.AuthJWTSecret, cfg.AuthJWTIssuer, cfg.AuthJWTAudience, 30*time.Second)
		if err != nil {
			return nil, closeFn, fmt.Errorf("jwt validator: %w", err)
		}
		chain = append(chain, v)
	}
	if len(cfg.AuthStaticKeys) > 0 {
		chain = append(chain, auth.NewStaticKeys(cfg.AuthStaticKeys))
	}
	if cfg.DatabaseURL != "" {
		dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		keys, err := auth.NewPostgresKeys(dbCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, closeFn, fmt.Errorf("api key store: %w", err)
		}
		chain = append(chain, keys)
		if deps != nil {
			*deps = append(*deps, httpapi.Dependency{Name: "postgres", Required: true, Ping: keys.Ping})
		}
		closeFn = func() { _ = keys.Close() }
	}

	if len(chain) == 0 {
		if cfg.AuthAllowAny {
			return auth.AllowAll, closeFn, nil
		}
		return auth.DenyAll, closeFn, nil
	}
	return chain, closeFn, nil
}

func buildLimiter(ctx context.Context, cfg config.Config, deps *[]httpapi.Dependency) (ratelimit.Limiter, func(), error) {
	closeFn := func() {}
	if cfg.IssueRatePerMinute <= 0 {
		return nil, closeFn, nil
	}
	if cfg.RedisURL != "" {
		client, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, closeFn, err
		}
		*deps = append(*deps, httpapi.Dependency{
			Name: "redis",
			Ping: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
		return ratelimit.NewRedis(client, cfg.IssueRatePerMinute, time.Minute), func() { _ = client.Close() }, nil
	}
	local := ratelimit.NewLocal(cfg.IssueRatePerMinute, cfg.IssueBurst)
	local.StartJanitor(ctx, time.Minute, 10*time.Minute)
	return local, closeFn, nil
}
