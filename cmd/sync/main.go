package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mdvault/internal/config"
	"mdvault/internal/engine"
	"mdvault/internal/remote"
	"mdvault/internal/render"
	"mdvault/internal/store"
)

func main() {
	level := parseLogLevel(os.Getenv("VAULT_LOG_LEVEL"))
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	cfg := config.Load()
	if cfg.RemoteRoot == "" {
		slog.Error("VAULT_ROOT is required")
		os.Exit(1)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Init(ctx); err != nil {
		slog.Error("init store", "error", err)
		os.Exit(1)
	}
	if err := ensureDefaultVault(ctx, st, cfg); err != nil {
		slog.Error("ensure default vault", "error", err)
		os.Exit(1)
	}

	client := remote.NewFSClient(cfg.RemoteRoot)
	eng := engine.New(st, client, render.New(cfg.SearchTextMax), engine.Options{
		Concurrency: cfg.SyncConcurrency,
		CacheTTL:    cfg.CacheTTL,
		SyncTimeout: cfg.SyncTimeout,
		Logger:      slog.Default(),
	})

	if err := syncAll(ctx, st, eng); err != nil {
		slog.Error("sync", "error", err)
		os.Exit(1)
	}
	if cfg.SyncInterval <= 0 {
		return
	}

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return
		case <-ticker.C:
			if err := syncAll(ctx, st, eng); err != nil {
				slog.Error("sync", "error", err)
			}
		}
	}
}

// syncAll forces a pass over every configured vault. A vault that
// falls back to its stale snapshot is logged, not fatal.
func syncAll(ctx context.Context, st *store.Store, eng *engine.Engine) error {
	vaults, err := st.ListVaults(ctx)
	if err != nil {
		return err
	}
	for _, v := range vaults {
		data, err := eng.GetVaultData(ctx, v.ID, true)
		if err != nil {
			return err
		}
		if data.Stale {
			slog.Warn("serving stale snapshot", "vault", v.Slug, "error", data.SyncError)
		}
	}
	return nil
}

// ensureDefaultVault creates a vault over the configured root when the
// database has none yet, so a fresh deployment works without running
// vault-add first.
func ensureDefaultVault(ctx context.Context, st *store.Store, cfg config.Config) error {
	vaults, err := st.ListVaults(ctx)
	if err != nil || len(vaults) > 0 {
		return err
	}
	slug := cfg.DefaultSlug
	if slug == "" {
		slug = "main"
	}
	client := remote.NewFSClient(cfg.RemoteRoot)
	v, err := st.CreateVault(ctx, store.Vault{
		Slug:         slug,
		RootFolderID: client.RootFolderID(),
		IsDefault:    true,
	})
	if err != nil {
		return err
	}
	slog.Info("created vault", "slug", v.Slug, "id", v.ID)
	return nil
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
