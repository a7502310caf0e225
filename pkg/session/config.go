package session

import (
	"context"
	"fmt"
	"time"
)

// Config holds session configuration from YAML.
type Config struct {
	// Store specifies the storage backend type.
	// Options: "memory", "file", "redis", "sqlite", "firestore"
	// Default: "memory"
	Store string `yaml:"store"`

	// TTL is how long an idle session is kept (e.g., "336h"). Empty means forever.
	TTL string `yaml:"ttl"`

	// BaseDir is the base directory for file-based storage.
	// Default: ~/.megbot/sessions
	BaseDir string `yaml:"base_dir"`

	// SQLiteDSN is the database for the sqlite store.
	SQLiteDSN string `yaml:"sqlite_dsn"`

	// Redis configures the redis store.
	Redis RedisConfig `yaml:"redis"`

	// Firestore configures the firestore store.
	Firestore FirestoreConfig `yaml:"firestore"`

	// SweepSchedule is a cron spec for removing expired sessions
	// (default: "@every 1h"). Empty disables sweeping.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Store:         "memory",
		TTL:           "336h",
		SQLiteDSN:     "file:megbot.db?cache=shared&mode=rwc",
		SweepSchedule: "@every 1h",
	}
}

// TTLDuration parses TTL; an empty value yields 0.
func (c Config) TTLDuration() (time.Duration, error) {
	if c.TTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.TTL)
	if err != nil {
		return 0, fmt.Errorf("invalid session ttl %q: %w", c.TTL, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("session ttl must not be negative")
	}
	return d, nil
}

// NewStore builds the backend selected by cfg.Store.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	ttl, err := cfg.TTLDuration()
	if err != nil {
		return nil, err
	}

	switch cfg.Store {
	case "", "memory":
		return NewMemoryBackend(ttl), nil
	case "file":
		return NewFileBackend(cfg.BaseDir)
	case "redis":
		return NewRedisBackend(cfg.Redis, ttl)
	case "sqlite":
		return NewSQLiteBackend(cfg.SQLiteDSN, ttl)
	case "firestore":
		return NewFirestoreBackend(ctx, cfg.Firestore, ttl)
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Store)
	}
}
