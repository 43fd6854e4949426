package storage

import (
	"log/slog"
	"strings"
	"time"
)

// Option customises a repository backend. Options that do not apply to a
// backend are ignored by it.
type Option interface {
	applyMemory(*MemoryRepository)
	applyPostgres(*PostgresConfig)
	applyMongo(*MongoConfig)
}

type optionAdapter struct {
	memory func(*MemoryRepository)
	pg     func(*PostgresConfig)
	mongo  func(*MongoConfig)
}

func (o optionAdapter) applyMemory(repo *MemoryRepository) {
	if o.memory != nil && repo != nil {
		o.memory(repo)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func (o optionAdapter) applyMongo(cfg *MongoConfig) {
	if o.mongo != nil && cfg != nil {
		o.mongo(cfg)
	}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

func mongoOnlyOption(mongo func(*MongoConfig)) Option {
	return optionAdapter{mongo: mongo}
}

// WithLogger sets the component logger used by every backend.
func WithLogger(logger *slog.Logger) Option {
	return optionAdapter{
		memory: func(repo *MemoryRepository) {
			if logger != nil {
				repo.logger = logger
			}
		},
		pg: func(cfg *PostgresConfig) {
			if logger != nil {
				cfg.Logger = logger
			}
		},
		mongo: func(cfg *MongoConfig) {
			if logger != nil {
				cfg.Logger = logger
			}
		},
	}
}

// WithIDGenerator overrides identifier generation for the memory and Postgres
// backends. MongoDB always assigns ObjectIDs.
func WithIDGenerator(generate func() string) Option {
	return optionAdapter{
		memory: func(repo *MemoryRepository) {
			if generate != nil {
				repo.newID = generate
			}
		},
		pg: func(cfg *PostgresConfig) {
			if generate != nil {
				cfg.NewID = generate
			}
		},
	}
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout bounds how long a query waits for a pooled
// connection, including the initial connect.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}

// WithPostgresMigrations toggles applying the embedded goose migrations when
// the repository opens.
func WithPostgresMigrations(enabled bool) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		cfg.RunMigrations = enabled
	})
}

// WithMongoDatabase selects the database holding the users and files
// collections.
func WithMongoDatabase(name string) Option {
	return mongoOnlyOption(func(cfg *MongoConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.Database = trimmed
		}
	})
}

func WithMongoTimeouts(connect, operation time.Duration) Option {
	return mongoOnlyOption(func(cfg *MongoConfig) {
		if connect > 0 {
			cfg.ConnectTimeout = connect
		}
		if operation > 0 {
			cfg.OperationTimeout = operation
		}
	})
}
