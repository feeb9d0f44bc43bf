package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBPath          string
	RemoteRoot      string
	DefaultSlug     string
	SyncConcurrency int
	CacheTTL        time.Duration
	SyncInterval    time.Duration
	SyncTimeout     time.Duration
	SearchTextMax   int
}

func Load() Config {
	cfg := Config{
		DBPath:      envOr("VAULT_DB_PATH", "vault.sqlite"),
		RemoteRoot:  os.Getenv("VAULT_ROOT"),
		DefaultSlug: os.Getenv("VAULT_DEFAULT_SLUG"),
	}
	cfg.SyncConcurrency = parseIntOr("VAULT_SYNC_CONCURRENCY", 6)
	cfg.CacheTTL = parseDurationOr("VAULT_CACHE_TTL", 30*time.Second)
	cfg.SyncInterval = parseDurationOr("VAULT_SYNC_INTERVAL", 0)
	cfg.SyncTimeout = parseDurationOr("VAULT_SYNC_TIMEOUT", 2*time.Minute)
	cfg.SearchTextMax = parseIntOr("VAULT_SEARCH_TEXT_MAX", 8000)
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}
