package session

import (
	"context"
	"fmt"
	"time"
)

// Config holds session configuration from YAML.
type Config struct {
	// Store specifies the storage backend type.
	// Options: "memory", "file", "redis", "firestore"
	// Default: "memory"
	Store string `yaml:"store"`

	// BaseDir is the base directory for file-based storage.
	// Default: ~/.signup-agent/sessions
	BaseDir string `yaml:"base_dir"`

	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis,omitempty"`

	// Firestore configures the firestore backend.
	Firestore FirestoreConfig `yaml:"firestore,omitempty"`

	// IdleEviction drops in-memory sessions untouched for this long.
	// Default: 30m
	IdleEviction time.Duration `yaml:"idle_eviction"`

	// PersistTimeout bounds a single backend write.
	// Default: 5s
	PersistTimeout time.Duration `yaml:"persist_timeout"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Store:          "memory",
		IdleEviction:   30 * time.Minute,
		PersistTimeout: 5 * time.Second,
	}
}

// NewBackend builds the backend named by cfg.Store.
func NewBackend(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Store {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "file":
		return NewFileBackend(cfg.BaseDir)
	case "redis":
		return NewRedisBackend(cfg.Redis)
	case "firestore":
		return NewFirestoreBackend(ctx, cfg.Firestore)
	default:
		return nil, fmt.Errorf("unknown session store: %s", cfg.Store)
	}
}
