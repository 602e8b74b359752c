package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/pixelsett/internal/config"
	"github.com/dyluth/pixelsett/internal/printer"
	"github.com/dyluth/pixelsett/internal/repository"
	"github.com/dyluth/pixelsett/internal/resolver"
	"github.com/dyluth/pixelsett/pkg/lockstore"
	"github.com/redis/go-redis/v9"
)

// loadConfig reads --config and prints a friendly error on failure.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"configuration not loaded",
			err.Error(),
			map[string]string{"path": configPath},
			[]string{
				"Point at a config file:\n  pixelsett --config /etc/pixelsett/pixelsett.yml <command>",
				fmt.Sprintf("Required settings can also come from %s, %s and %s", config.EnvInstanceName, config.EnvRedisURL, config.EnvDatabase),
			},
		)
	}
	return cfg, nil
}

// connectStore opens the lock store for cfg and checks Redis is reachable.
func connectStore(ctx context.Context, cfg *config.Config) (*lockstore.Client, error) {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, printer.Error(
			"invalid redis_url",
			fmt.Sprintf("Could not parse %q: %v", cfg.RedisURL, err),
			[]string{"Use the form redis://[:password@]host:port[/db]"},
		)
	}

	store, err := lockstore.NewClient(redisOpts, cfg.Instance)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock store client: %w", err)
	}

	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", cfg.RedisURL),
			map[string]string{"error": err.Error()},
			[]string{"Check that Redis is running and redis_url is correct"},
		)
	}
	return store, nil
}

// openRepo opens the SQLite database for cfg, applying pending migrations.
func openRepo(cfg *config.Config) (*repository.SQLite, error) {
	repo, err := repository.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"database not opened",
			err.Error(),
			map[string]string{"path": cfg.DatabasePath},
			[]string{"Check the schema version:\n  pixelsett migrate version"},
		)
	}
	return repo, nil
}

// resolveCanvas expands a full or short canvas id, printing a friendly error on failure.
func resolveCanvas(ctx context.Context, finder resolver.CanvasFinder, id string) (string, error) {
	full, err := resolver.ResolveCanvasID(ctx, finder, id)
	if err == nil {
		return full, nil
	}

	var (
		notFound  *resolver.NotFoundError
		ambiguous *resolver.AmbiguousError
	)
	switch {
	case errors.As(err, &notFound):
		return "", printer.Error("canvas not found", err.Error(),
			[]string{"List canvases:\n  pixelsett canvases"})
	case errors.As(err, &ambiguous):
		return "", printer.Error("ambiguous canvas id", resolver.FormatAmbiguousError(ambiguous), nil)
	}
	return "", printer.Error("invalid canvas id", err.Error(), nil)
}
