package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"gozon/checkout-service/internal/audit"
	"gozon/checkout-service/internal/config"
	"gozon/checkout-service/internal/ratelimit"
	"gozon/checkout-service/internal/storage"
)

// Serve runs the service until SIGINT or SIGTERM.
func Serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close(ctx)

	return app.Run(ctx)
}

func Migrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := storage.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()

	names, err := storage.Migrations()
	if err != nil {
		return err
	}
	if err := storage.RunMigrations(ctx, store.Pool()); err != nil {
		return err
	}
	logger.Info("migrations applied", "files", names)
	return nil
}

// PruneRateLimits deletes Postgres rate-limit windows older than the longest
// configured window.
func PruneRateLimits(ctx context.Context, cfg *config.Config, logger *slog.Logger) (int64, error) {
	store, err := storage.New(ctx, cfg.Database.URL)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	window := max(cfg.RateLimit.Webhook.Window, cfg.RateLimit.Preference.Window)
	n, err := ratelimit.NewPostgresStore(store.Pool()).Prune(ctx, time.Now().Add(-window))
	if err != nil {
		return 0, err
	}
	logger.Info("rate limit windows pruned", "rows", n)
	return n, nil
}

func AuditTrail(ctx context.Context, cfg *config.Config, logger *slog.Logger, entity string, limit int) ([]audit.Entry, error) {
	store, err := storage.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	return audit.NewLogger(store.Pool(), logger).Recent(ctx, entity, limit)
}
