package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"tierctl-backend/services/controller/internal/config"
	"tierctl-backend/services/controller/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	ctx := context.Background()

	switch cfg.Store.Driver {
	case "memory":
		logger.Info("memory store needs no migrations")
	case "pgx":
		migratePostgres(ctx, logger, cfg.Store)
	default:
		repo, err := storage.NewSQLRepository(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			logger.Error("failed to connect", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer repo.Close()
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.Error("failed to create schema", slog.String("driver", cfg.Store.Driver), slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("schema ready", slog.String("driver", cfg.Store.Driver))
	}
}

func migratePostgres(ctx context.Context, logger *slog.Logger, cfg config.StoreConfig) {
	store, err := storage.NewStore(ctx, cfg.DSN, storage.PoolOptions{MaxConns: cfg.MaxConns, PingTimeout: cfg.PingTimeout})
	if err != nil {
		logger.Error("failed to connect", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "../../migrations"
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		logger.Error("failed to list migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}
	sort.Strings(files)
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			logger.Error("failed to read migration", slog.String("file", file), slog.String("error", err.Error()))
			os.Exit(1)
		}
		if _, err := store.Pool.Exec(ctx, string(content)); err != nil {
			logger.Error("failed to apply migration", slog.String("file", file), slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("applied migration", slog.String("file", file))
	}
}
