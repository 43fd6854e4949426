package storage

import (
	"context"
	"fmt"
	"strings"
)

// Driver names a metadata backend.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMongo    Driver = "mongo"
	DriverMemory   Driver = "memory"
)

// ParseDriver maps a configuration value onto a known driver.
func ParseDriver(value string) (Driver, error) {
	switch Driver(strings.ToLower(strings.TrimSpace(value))) {
	case DriverPostgres, "postgresql", "pg":
		return DriverPostgres, nil
	case DriverMongo, "mongodb":
		return DriverMongo, nil
	case DriverMemory:
		return DriverMemory, nil
	default:
		return "", fmt.Errorf("unknown storage driver %q", value)
	}
}

// Open constructs the repository selected by driver. dsn is a Postgres
// connection string or a MongoDB URI and is ignored by the memory backend.
func Open(ctx context.Context, driver Driver, dsn string, opts ...Option) (Repository, error) {
	switch driver {
	case DriverPostgres:
		return NewPostgresRepository(ctx, dsn, opts...)
	case DriverMongo:
		return NewMongoRepository(ctx, dsn, opts...)
	case DriverMemory:
		return NewMemoryRepository(opts...), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
