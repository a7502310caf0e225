package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/megbot-dev/megbot/internal/logger"
	tracing "github.com/megbot-dev/megbot/internal/observability"
	"github.com/megbot-dev/megbot/internal/server"
	"github.com/megbot-dev/megbot/pkg/config"
	"github.com/megbot-dev/megbot/pkg/observability"
	"github.com/megbot-dev/megbot/pkg/security"
	"github.com/megbot-dev/megbot/pkg/session"
)

const maintenanceSchedule = "@every 1m"

func newServeCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP chat server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			log, closer := logger.Init(cfg.Logging)
			defer func() {
				_ = closer.Close()
			}()

			return runServe(cmd.Context(), cfg, log)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("starting megbot", "version", Version, "addr", cfg.Addr(), "session_store", cfg.Session.Store)
	observability.Version = Version

	tp, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	store, err := session.NewStore(ctx, cfg.Session)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	sessions := session.NewManager(store, cfg.Chat.ConversationOptions())
	defer func() {
		if err := sessions.Close(); err != nil {
			log.Warn("session store close failed", "error", err)
		}
	}()

	ttl, err := cfg.Session.TTLDuration()
	if err != nil {
		return err
	}
	if ttl > 0 && cfg.Session.SweepSchedule != "" {
		sweeper, err := session.NewSweeper(store, ttl, cfg.Session.SweepSchedule)
		if err != nil {
			return fmt.Errorf("session sweeper: %w", err)
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	health := observability.NewHealthChecker()
	health.RegisterCheck(observability.SessionStoreCheck(store.Ping))
	for _, p := range a.chat.Catalog().Providers() {
		health.RegisterCheck(observability.ProviderKeyCheck(p, a.gateway.HasServerKey(p)))
	}

	if cfg.Server.Metrics {
		observability.InitMetrics()
	}

	var limiter *security.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = security.NewRateLimiterFromConfig(cfg.RateLimit)
	}

	maintenance := cron.New()
	if _, err := maintenance.AddFunc(maintenanceSchedule, func() {
		observability.UpdateSystemMetrics()
		if limiter != nil {
			if n := limiter.Cleanup(); n > 0 {
				log.Debug("dropped idle rate limiters", "count", n)
			}
		}
	}); err != nil {
		return err
	}
	maintenance.Start()
	defer func() {
		<-maintenance.Stop().Done()
	}()

	srv, err := server.New(a.chat, sessions, health, limiter, server.Options{
		CookieName:   cfg.Server.CookieName,
		CookieSecure: cfg.Server.CookieSecure,
		CookieMaxAge: ttl,
		Metrics:      cfg.Server.Metrics,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(cfg.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("megbot stopped")
	return nil
}
