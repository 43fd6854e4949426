package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// DefaultShutdownTimeout bounds draining and hooks when Config leaves it unset.
const DefaultShutdownTimeout = 10 * time.Second

var errTLSPair = errors.New("both TLS cert file and key file must be provided")

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (c TLSConfig) enabled() bool {
	return c.CertFile != ""
}

// ShutdownHook releases a dependency once the HTTP server has drained.
type ShutdownHook struct {
	Name string
	Fn   func(context.Context) error
}

type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready is closed once the listener is bound.
	Ready  chan<- struct{}
	Logger *slog.Logger
	// Hooks run in order after the server stops, sharing the shutdown
	// deadline. They also run when the server fails to start or exits early,
	// so resources opened before Run are always released.
	Hooks []ShutdownHook
}

// Run serves until ctx is cancelled or the server fails, then drains
// in-flight requests and runs the shutdown hooks.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errTLSPair
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	release := func(parent context.Context) error {
		hookCtx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		return runHooks(hookCtx, logger, cfg.Hooks)
	}

	ln, err := listen(cfg.Server, cfg.TLS)
	if err != nil {
		return errors.Join(err, release(context.Background()))
	}
	if cfg.Ready != nil {
		close(cfg.Ready)
	}
	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.enabled())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		} else {
			logger.Error("http server stopped unexpectedly", "error", err)
		}
		return errors.Join(err, release(context.Background()))
	case <-ctx.Done():
	}

	logger.Info("shutting down http server", "timeout", timeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return errors.Join(shutdown(shutdownCtx, cfg.Server, serveErr), runHooks(shutdownCtx, logger, cfg.Hooks))
}

// listen binds the server address, wrapping the listener in TLS when a
// certificate pair is configured.
func listen(server *http.Server, cfg TLSConfig) (net.Listener, error) {
	var tlsCfg *tls.Config
	if cfg.enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls key pair: %w", err)
		}
		if server.TLSConfig != nil {
			tlsCfg = server.TLSConfig.Clone()
		} else {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
		server.TLSConfig = tlsCfg
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", server.Addr, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	return ln, nil
}

func shutdown(ctx context.Context, server *http.Server, serveErr <-chan error) error {
	err := server.Shutdown(ctx)
	select {
	case serr := <-serveErr:
		if serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			err = errors.Join(err, serr)
		}
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func runHooks(ctx context.Context, logger *slog.Logger, hooks []ShutdownHook) error {
	var errs []error
	for _, hook := range hooks {
		if hook.Fn == nil {
			continue
		}
		start := time.Now()
		if err := hook.Fn(ctx); err != nil {
			logger.Error("shutdown hook failed", "hook", hook.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
			continue
		}
		logger.Debug("shutdown hook completed", "hook", hook.Name, "duration", time.Since(start))
	}
	return errors.Join(errs...)
}
