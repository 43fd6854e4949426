package storage

import (
	"log/slog"
	"time"
)

// PostgresConfig describes how the repository initialises its connection
// pool and whether it applies the embedded schema migrations.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	RunMigrations       bool
	NewID               func() string
	Logger              *slog.Logger
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:             dsn,
		MinConnections:  -1,
		ApplicationName: "files-manager",
		RunMigrations:   true,
		NewID:           newUUID,
		Logger:          slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	return cfg
}
