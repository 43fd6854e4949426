// Package config resolves runtime settings for the API server and the
// thumbnail worker. Values are layered as built-in defaults, then an optional
// YAML file, then environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"files-manager/internal/blob"
	"files-manager/internal/redisconn"
	"files-manager/internal/storage"
)

const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
	DriverLocal  = "local"
	DriverS3     = "s3"

	DefaultPort       = 5000
	DefaultFolderPath = "/tmp/files_manager"
	defaultDBHost     = "localhost"
	defaultDBName     = "files_manager"
	defaultRedisHost  = "localhost"
	defaultRedisPort  = 6379
	defaultPGPort     = 5432
	defaultMongoPort  = 27017
)

type TLSConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig selects the metadata backend. DSN wins over the discrete
// host settings when both are present.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Migrate  bool   `yaml:"migrate"`

	MaxConns          int           `yaml:"max_conns"`
	MinConns          int           `yaml:"min_conns"`
	ConnMaxLifetime   time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdle       time.Duration `yaml:"conn_max_idle"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	OperationTimeout  time.Duration `yaml:"operation_timeout"`
}

type RedisConfig struct {
	Host       string              `yaml:"host"`
	Port       int                 `yaml:"port"`
	Addrs      []string            `yaml:"addrs"`
	Username   string              `yaml:"username"`
	Password   string              `yaml:"password"`
	DB         int                 `yaml:"db"`
	MasterName string              `yaml:"masterName"`
	PoolSize   int                 `yaml:"poolSize"`
	Timeout    time.Duration       `yaml:"timeout"`
	TLS        redisconn.TLSConfig `yaml:"tls"`
}

type TokenConfig struct {
	Store string        `yaml:"store"`
	TTL   time.Duration `yaml:"ttl"`
}

type QueueConfig struct {
	Driver   string `yaml:"driver"`
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
	// ClaimIdle is how long a job may stay unacknowledged before another
	// worker takes it over.
	ClaimIdle time.Duration `yaml:"claim_idle"`
}

type BlobConfig struct {
	Driver string        `yaml:"driver"`
	Path   string        `yaml:"path"`
	S3     blob.S3Config `yaml:"s3"`
}

type WorkerConfig struct {
	Workers  int           `yaml:"workers"`
	Timeout  time.Duration `yaml:"timeout"`
	Embedded bool          `yaml:"embedded"`
}

type RateLimitConfig struct {
	GlobalRPS   float64       `yaml:"globalRPS"`
	GlobalBurst int           `yaml:"globalBurst"`
	LoginLimit  int           `yaml:"loginLimit"`
	LoginWindow time.Duration `yaml:"loginWindow"`
}

// Config is the fully resolved runtime configuration.
type Config struct {
	Addr            string          `yaml:"addr"`
	TLS             TLSConfig       `yaml:"tls"`
	Log             LogConfig       `yaml:"log"`
	Database        DatabaseConfig  `yaml:"database"`
	Redis           RedisConfig     `yaml:"redis"`
	Tokens          TokenConfig     `yaml:"tokens"`
	Queue           QueueConfig     `yaml:"queue"`
	Blob            BlobConfig      `yaml:"blob"`
	Worker          WorkerConfig    `yaml:"worker"`
	RateLimit       RateLimitConfig `yaml:"rateLimit"`
	MaxUploadBytes  int64           `yaml:"maxUploadBytes"`
	ShutdownTimeout time.Duration   `yaml:"shutdownTimeout"`
}

// Default returns the development defaults.
func Default() Config {
	return Config{
		Addr: ":" + strconv.Itoa(DefaultPort),
		Log:  LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{
			Driver:  string(storage.DriverMongo),
			Host:    defaultDBHost,
			Name:    defaultDBName,
			Migrate: true,
		},
		Redis: RedisConfig{
			Host:    defaultRedisHost,
			Port:    defaultRedisPort,
			Timeout: 2 * time.Second,
		},
		Tokens: TokenConfig{Store: DriverRedis, TTL: 24 * time.Hour},
		Queue:  QueueConfig{Driver: DriverRedis, ClaimIdle: 5 * time.Minute},
		Blob:   BlobConfig{Driver: DriverLocal, Path: DefaultFolderPath},
		Worker: WorkerConfig{Workers: 2, Timeout: 2 * time.Minute},
		RateLimit: RateLimitConfig{
			LoginLimit:  10,
			LoginWindow: time.Minute,
		},
		MaxUploadBytes:  32 << 20,
		ShutdownTimeout: 10 * time.Second,
	}
}

// StorageDriver parses the configured metadata driver.
func (c Config) StorageDriver() (storage.Driver, error) {
	return storage.ParseDriver(c.Database.Driver)
}

// DatabaseDSN returns the connection string for the selected driver,
// assembling one from the discrete settings when no DSN was given.
func (c Config) DatabaseDSN() (string, error) {
	if dsn := strings.TrimSpace(c.Database.DSN); dsn != "" {
		return dsn, nil
	}
	driver, err := c.StorageDriver()
	if err != nil {
		return "", err
	}
	host := c.Database.Host
	if host == "" {
		host = defaultDBHost
	}
	switch driver {
	case storage.DriverPostgres:
		port := c.Database.Port
		if port == 0 {
			port = defaultPGPort
		}
		u := url.URL{
			Scheme:   "postgres",
			Host:     net.JoinHostPort(host, strconv.Itoa(port)),
			Path:     "/" + c.Database.Name,
			RawQuery: "sslmode=disable",
		}
		if c.Database.User != "" {
			u.User = url.UserPassword(c.Database.User, c.Database.Password)
		}
		return u.String(), nil
	case storage.DriverMongo:
		port := c.Database.Port
		if port == 0 {
			port = defaultMongoPort
		}
		u := url.URL{Scheme: "mongodb", Host: net.JoinHostPort(host, strconv.Itoa(port))}
		if c.Database.User != "" {
			u.User = url.UserPassword(c.Database.User, c.Database.Password)
		}
		return u.String(), nil
	default:
		return "", nil
	}
}

// RedisClient maps the Redis section onto redisconn settings. Explicit
// addresses take precedence over host and port.
func (c Config) RedisClient() redisconn.Config {
	cfg := redisconn.Config{
		Addrs:        c.Redis.Addrs,
		Username:     c.Redis.Username,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		MasterName:   c.Redis.MasterName,
		PoolSize:     c.Redis.PoolSize,
		DialTimeout:  c.Redis.Timeout,
		ReadTimeout:  c.Redis.Timeout,
		WriteTimeout: c.Redis.Timeout,
		TLS:          c.Redis.TLS,
	}
	if len(c.Redis.Addrs) == 0 && c.Redis.Host != "" {
		port := c.Redis.Port
		if port == 0 {
			port = defaultRedisPort
		}
		cfg.Addr = net.JoinHostPort(c.Redis.Host, strconv.Itoa(port))
	}
	return cfg
}

// NeedsRedis reports whether any component is backed by Redis.
func (c Config) NeedsRedis() bool {
	return c.Tokens.Store == DriverRedis || c.Queue.Driver == DriverRedis
}

// Validate rejects unknown drivers and incomplete backend settings.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if _, err := c.StorageDriver(); err != nil {
		errs = append(errs, err)
	}
	if !oneOf(c.Tokens.Store, DriverRedis, DriverMemory) {
		errs = append(errs, fmt.Errorf("unknown token store %q", c.Tokens.Store))
	}
	if !oneOf(c.Queue.Driver, DriverRedis, DriverMemory) {
		errs = append(errs, fmt.Errorf("unknown queue driver %q", c.Queue.Driver))
	}
	switch c.Blob.Driver {
	case DriverLocal:
		if strings.TrimSpace(c.Blob.Path) == "" {
			errs = append(errs, errors.New("folder path is required for the local blob driver"))
		}
	case DriverS3:
		if strings.TrimSpace(c.Blob.S3.Bucket) == "" {
			errs = append(errs, errors.New("s3 bucket is required for the s3 blob driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	if c.NeedsRedis() && len(c.RedisClient().Addresses()) == 0 {
		errs = append(errs, errors.New("redis host is required"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("both tls cert and key must be provided"))
	}
	if !oneOf(strings.ToLower(c.Log.Format), "json", "text") {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.Tokens.TTL <= 0 {
		errs = append(errs, errors.New("token ttl must be positive"))
	}
	if c.Worker.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max upload bytes must be positive"))
	}
	if c.Queue.ClaimIdle > 0 && c.Queue.ClaimIdle <= c.Worker.Timeout {
		errs = append(errs, errors.New("queue claim idle must exceed the job timeout"))
	}
	if c.Database.MaxConns < 0 || c.Database.MinConns < 0 {
		errs = append(errs, errors.New("database pool sizes must not be negative"))
	} else if c.Database.MaxConns > 0 && c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, errors.New("database min conns exceeds max conns"))
	}
	return errors.Join(errs...)
}

func oneOf(value string, options ...string) bool {
	for _, option := range options {
		if value == option {
			return true
		}
	}
	return false
}
