package bootstrap

import (
	"net/url"
	"strings"

	"files-manager/internal/config"
)

// StartupSummary returns slog key/value pairs describing the selected
// backends with credentials redacted.
func StartupSummary(cfg config.Config) []any {
	datastore := map[string]any{"driver": cfg.Database.Driver}
	if dsn, err := cfg.DatabaseDSN(); err == nil && dsn != "" {
		datastore["dsn"] = redactDSN(dsn)
	}

	blobs := map[string]any{"driver": cfg.Blob.Driver}
	if cfg.Blob.Driver == config.DriverS3 {
		blobs["bucket"] = cfg.Blob.S3.Bucket
		if cfg.Blob.S3.Endpoint != "" {
			blobs["endpoint"] = cfg.Blob.S3.Endpoint
		}
	} else {
		blobs["path"] = cfg.Blob.Path
	}

	queue := map[string]any{"driver": cfg.Queue.Driver}
	if cfg.Queue.Driver == config.DriverRedis {
		queue["stream"] = cfg.Queue.Stream
		queue["group"] = cfg.Queue.Group
	}

	login := map[string]any{"driver": config.DriverMemory, "limit": cfg.RateLimit.LoginLimit, "window": cfg.RateLimit.LoginWindow.String()}
	if cfg.NeedsRedis() {
		login["driver"] = config.DriverRedis
	}

	args := []any{
		"addr", cfg.Addr,
		"tls", cfg.TLS.CertFile != "",
		"datastore", datastore,
		"token_store", map[string]any{"driver": cfg.Tokens.Store, "ttl": cfg.Tokens.TTL.String()},
		"blob_store", blobs,
		"thumbnail_queue", queue,
		"login_throttle", login,
		"embedded_worker", cfg.Worker.Embedded,
	}
	if cfg.NeedsRedis() {
		args = append(args, "redis", map[string]any{"addrs": cfg.RedisClient().Addresses()})
	}
	return args
}

func redactDSN(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" {
		return "*****"
	}
	return u.Redacted()
}
