package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LookupEnv matches os.LookupEnv.
type LookupEnv func(string) (string, bool)

type setting struct {
	flag   string
	env    string
	usage  string
	isBool bool
	apply  func(*Config, string) error
}

func stringSetting(flagName, env, usage string, field func(*Config) *string) setting {
	return setting{flag: flagName, env: env, usage: usage, apply: func(c *Config, v string) error {
		*field(c) = strings.TrimSpace(v)
		return nil
	}}
}

func intSetting(flagName, env, usage string, field func(*Config) *int) setting {
	return setting{flag: flagName, env: env, usage: usage, apply: func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}}
}

func durationSetting(flagName, env, usage string, field func(*Config) *time.Duration) setting {
	return setting{flag: flagName, env: env, usage: usage, apply: func(c *Config, v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}}
}

func boolSetting(flagName, env, usage string, field func(*Config) *bool) setting {
	return setting{flag: flagName, env: env, usage: usage, isBool: true, apply: func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}}
}

func settings() []setting {
	return []setting{
		stringSetting("addr", "FILES_MANAGER_ADDR", "HTTP listen address", func(c *Config) *string { return &c.Addr }),
		{flag: "port", env: "PORT", usage: "HTTP listen port (shorthand for -addr :PORT)", apply: func(c *Config, v string) error {
			port, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil || port <= 0 || port > 65535 {
				return fmt.Errorf("invalid port %q", v)
			}
			c.Addr = ":" + strconv.Itoa(port)
			return nil
		}},
		stringSetting("tls-cert", "FILES_MANAGER_TLS_CERT", "path to TLS certificate file", func(c *Config) *string { return &c.TLS.CertFile }),
		stringSetting("tls-key", "FILES_MANAGER_TLS_KEY", "path to TLS private key file", func(c *Config) *string { return &c.TLS.KeyFile }),
		stringSetting("log-level", "FILES_MANAGER_LOG_LEVEL", "log level (debug, info, warn, error)", func(c *Config) *string { return &c.Log.Level }),
		stringSetting("log-format", "FILES_MANAGER_LOG_FORMAT", "log format (json or text)", func(c *Config) *string { return &c.Log.Format }),

		stringSetting("storage-driver", "FILES_MANAGER_STORAGE_DRIVER", "metadata store driver (postgres, mongo or memory)", func(c *Config) *string { return &c.Database.Driver }),
		stringSetting("db-dsn", "FILES_MANAGER_DB_DSN", "metadata store connection string", func(c *Config) *string { return &c.Database.DSN }),
		stringSetting("db-host", "DB_HOST", "metadata store host", func(c *Config) *string { return &c.Database.Host }),
		intSetting("db-port", "DB_PORT", "metadata store port", func(c *Config) *int { return &c.Database.Port }),
		stringSetting("db-database", "DB_DATABASE", "metadata database name", func(c *Config) *string { return &c.Database.Name }),
		stringSetting("db-user", "DB_USER", "metadata store user", func(c *Config) *string { return &c.Database.User }),
		stringSetting("db-password", "DB_PASSWORD", "metadata store password", func(c *Config) *string { return &c.Database.Password }),
		boolSetting("db-migrate", "FILES_MANAGER_DB_MIGRATE", "apply Postgres migrations on startup", func(c *Config) *bool { return &c.Database.Migrate }),
		intSetting("db-max-conns", "FILES_MANAGER_DB_MAX_CONNS", "Postgres pool size limit (0 keeps the driver default)", func(c *Config) *int { return &c.Database.MaxConns }),
		intSetting("db-min-conns", "FILES_MANAGER_DB_MIN_CONNS", "Postgres connections kept open", func(c *Config) *int { return &c.Database.MinConns }),
		durationSetting("db-conn-max-lifetime", "FILES_MANAGER_DB_CONN_MAX_LIFETIME", "recycle Postgres connections after this age", func(c *Config) *time.Duration { return &c.Database.ConnMaxLifetime }),
		durationSetting("db-conn-max-idle", "FILES_MANAGER_DB_CONN_MAX_IDLE", "close Postgres connections idle this long", func(c *Config) *time.Duration { return &c.Database.ConnMaxIdle }),
		durationSetting("db-health-check-period", "FILES_MANAGER_DB_HEALTH_CHECK_PERIOD", "Postgres pool health check interval", func(c *Config) *time.Duration { return &c.Database.HealthCheckPeriod }),
		durationSetting("db-connect-timeout", "FILES_MANAGER_DB_CONNECT_TIMEOUT", "metadata store connect and acquire timeout", func(c *Config) *time.Duration { return &c.Database.ConnectTimeout }),
		durationSetting("db-operation-timeout", "FILES_MANAGER_DB_OPERATION_TIMEOUT", "MongoDB per-operation timeout", func(c *Config) *time.Duration { return &c.Database.OperationTimeout }),

		stringSetting("redis-host", "REDIS_HOST", "Redis host", func(c *Config) *string { return &c.Redis.Host }),
		intSetting("redis-port", "REDIS_PORT", "Redis port", func(c *Config) *int { return &c.Redis.Port }),
		stringSetting("redis-password", "REDIS_PASSWORD", "Redis password", func(c *Config) *string { return &c.Redis.Password }),
		{flag: "redis-addrs", env: "FILES_MANAGER_REDIS_ADDRS", usage: "comma separated Redis cluster addresses", apply: func(c *Config, v string) error {
			c.Redis.Addrs = splitAndTrim(v)
			return nil
		}},
		intSetting("redis-db", "FILES_MANAGER_REDIS_DB", "Redis logical database", func(c *Config) *int { return &c.Redis.DB }),
		durationSetting("redis-timeout", "FILES_MANAGER_REDIS_TIMEOUT", "timeout for Redis operations", func(c *Config) *time.Duration { return &c.Redis.Timeout }),

		stringSetting("token-store", "FILES_MANAGER_TOKEN_STORE", "token store driver (redis or memory)", func(c *Config) *string { return &c.Tokens.Store }),
		durationSetting("token-ttl", "FILES_MANAGER_TOKEN_TTL", "session token lifetime", func(c *Config) *time.Duration { return &c.Tokens.TTL }),

		stringSetting("queue-driver", "FILES_MANAGER_QUEUE_DRIVER", "thumbnail queue driver (redis or memory)", func(c *Config) *string { return &c.Queue.Driver }),
		stringSetting("queue-stream", "FILES_MANAGER_QUEUE_STREAM", "Redis stream for thumbnail jobs", func(c *Config) *string { return &c.Queue.Stream }),
		stringSetting("queue-group", "FILES_MANAGER_QUEUE_GROUP", "Redis consumer group for thumbnail workers", func(c *Config) *string { return &c.Queue.Group }),
		stringSetting("queue-consumer", "FILES_MANAGER_QUEUE_CONSUMER", "Redis consumer name for this worker", func(c *Config) *string { return &c.Queue.Consumer }),
		durationSetting("queue-claim-idle", "FILES_MANAGER_QUEUE_CLAIM_IDLE", "take over jobs left unacknowledged this long", func(c *Config) *time.Duration { return &c.Queue.ClaimIdle }),

		stringSetting("blob-driver", "FILES_MANAGER_BLOB_DRIVER", "blob store driver (local or s3)", func(c *Config) *string { return &c.Blob.Driver }),
		stringSetting("folder-path", "FOLDER_PATH", "root directory for the local blob store", func(c *Config) *string { return &c.Blob.Path }),
		stringSetting("s3-bucket", "FILES_MANAGER_S3_BUCKET", "S3 bucket", func(c *Config) *string { return &c.Blob.S3.Bucket }),
		stringSetting("s3-region", "FILES_MANAGER_S3_REGION", "S3 region", func(c *Config) *string { return &c.Blob.S3.Region }),
		stringSetting("s3-endpoint", "FILES_MANAGER_S3_ENDPOINT", "S3-compatible endpoint URL", func(c *Config) *string { return &c.Blob.S3.Endpoint }),
		stringSetting("s3-access-key", "FILES_MANAGER_S3_ACCESS_KEY", "S3 access key", func(c *Config) *string { return &c.Blob.S3.AccessKey }),
		stringSetting("s3-secret-key", "FILES_MANAGER_S3_SECRET_KEY", "S3 secret key", func(c *Config) *string { return &c.Blob.S3.SecretKey }),
		stringSetting("s3-prefix", "FILES_MANAGER_S3_PREFIX", "S3 key prefix", func(c *Config) *string { return &c.Blob.S3.Prefix }),
		boolSetting("s3-path-style", "FILES_MANAGER_S3_PATH_STYLE", "use path-style S3 addressing", func(c *Config) *bool { return &c.Blob.S3.UsePathStyle }),

		intSetting("workers", "FILES_MANAGER_WORKERS", "concurrent thumbnail jobs", func(c *Config) *int { return &c.Worker.Workers }),
		durationSetting("job-timeout", "FILES_MANAGER_JOB_TIMEOUT", "deadline for a single thumbnail job", func(c *Config) *time.Duration { return &c.Worker.Timeout }),
		boolSetting("embedded-worker", "FILES_MANAGER_EMBEDDED_WORKER", "run the thumbnail worker inside the API process", func(c *Config) *bool { return &c.Worker.Embedded }),

		{flag: "rate-global-rps", env: "FILES_MANAGER_RATE_GLOBAL_RPS", usage: "global request rate limit in requests per second", apply: func(c *Config, v string) error {
			rps, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return err
			}
			c.RateLimit.GlobalRPS = rps
			return nil
		}},
		intSetting("rate-global-burst", "FILES_MANAGER_RATE_GLOBAL_BURST", "global rate limit burst allowance", func(c *Config) *int { return &c.RateLimit.GlobalBurst }),
		intSetting("rate-login-limit", "FILES_MANAGER_RATE_LOGIN_LIMIT", "maximum /connect attempts per window for a single IP", func(c *Config) *int { return &c.RateLimit.LoginLimit }),
		durationSetting("rate-login-window", "FILES_MANAGER_RATE_LOGIN_WINDOW", "window for counting /connect attempts", func(c *Config) *time.Duration { return &c.RateLimit.LoginWindow }),

		{flag: "max-upload-bytes", env: "FILES_MANAGER_MAX_UPLOAD_BYTES", usage: "maximum request body size", apply: func(c *Config, v string) error {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return err
			}
			c.MaxUploadBytes = n
			return nil
		}},
		durationSetting("shutdown-timeout", "FILES_MANAGER_SHUTDOWN_TIMEOUT", "graceful shutdown deadline", func(c *Config) *time.Duration { return &c.ShutdownTimeout }),
	}
}

// Load resolves the configuration from args (without the program name) and
// the environment. A nil lookupEnv reads the process environment.
func Load(name string, args []string, lookupEnv LookupEnv) (Config, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to a YAML configuration file")

	table := settings()
	type flagValue struct {
		setting setting
		value   string
	}
	var set []flagValue
	for _, s := range table {
		s := s
		record := func(v string) error {
			set = append(set, flagValue{setting: s, value: v})
			return nil
		}
		if s.isBool {
			fs.BoolFunc(s.flag, s.usage, record)
		} else {
			fs.Func(s.flag, s.usage, record)
		}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	cfg := Default()

	path := strings.TrimSpace(*configPath)
	if path == "" {
		if v, ok := lookupEnv("FILES_MANAGER_CONFIG"); ok {
			path = strings.TrimSpace(v)
		}
	}
	if path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	for _, s := range table {
		raw, ok := lookupEnv(s.env)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := s.apply(&cfg, raw); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", s.env, err)
		}
	}

	for _, fv := range set {
		if err := fv.setting.apply(&cfg, fv.value); err != nil {
			return Config{}, fmt.Errorf("parse -%s: %w", fv.setting.flag, err)
		}
	}

	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	cfg.Tokens.Store = strings.ToLower(cfg.Tokens.Store)
	cfg.Queue.Driver = strings.ToLower(cfg.Queue.Driver)
	cfg.Blob.Driver = strings.ToLower(cfg.Blob.Driver)
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Usage writes the flag reference, including the environment variable that
// backs each flag.
func Usage(w io.Writer, name string) {
	fmt.Fprintf(w, "Usage of %s:\n  -config string\n    \tpath to a YAML configuration file (env FILES_MANAGER_CONFIG)\n", name)
	for _, s := range settings() {
		fmt.Fprintf(w, "  -%s\n    \t%s (env %s)\n", s.flag, s.usage, s.env)
	}
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
