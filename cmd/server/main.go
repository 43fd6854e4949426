// Command server starts the files-manager HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"files-manager/internal/api"
	"files-manager/internal/bootstrap"
	"files-manager/internal/config"
	"files-manager/internal/observability/logging"
	"files-manager/internal/observability/metrics"
	"files-manager/internal/server"
	"files-manager/internal/serverutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.LookupEnv, nil); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			config.Usage(os.Stderr, "server")
			os.Exit(2)
		}
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookupEnv config.LookupEnv, ready chan<- struct{}) (err error) {
	cfg, err := config.Load("server", args, lookupEnv)
	if err != nil {
		return err
	}
	logger := bootstrap.NewLogger(cfg)
	recorder := metrics.New()

	res, err := bootstrap.Open(ctx, cfg, logger, recorder)
	if err != nil {
		return err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			_ = res.Close(context.Background())
		}
	}()

	tokens, err := res.TokenManager()
	if err != nil {
		return err
	}
	handler, err := api.NewHandler(api.Config{
		Tokens:         tokens,
		Repository:     res.Repository,
		Blobs:          res.Blobs,
		Queue:          res.Queue,
		Metrics:        recorder,
		Logger:         logging.WithComponent(logger, "api"),
		MaxUploadBytes: cfg.MaxUploadBytes,
		HealthChecks:   res.HealthChecks(),
	})
	if err != nil {
		return fmt.Errorf("configure api: %w", err)
	}

	srv, err := server.New(handler, server.Config{
		Addr: cfg.Addr,
		TLS:  cfg.TLS.CertFile != "",
		RateLimit: server.RateLimitConfig{
			GlobalRPS:    cfg.RateLimit.GlobalRPS,
			GlobalBurst:  cfg.RateLimit.GlobalBurst,
			LoginLimit:   cfg.RateLimit.LoginLimit,
			LoginWindow:  cfg.RateLimit.LoginWindow,
			Redis:        res.Redis,
			RedisTimeout: cfg.Redis.Timeout,
		},
		Logger:       logging.WithComponent(logger, "http"),
		AuditLogger:  logging.WithComponent(logger, "audit"),
		Metrics:      recorder,
		MaxBodyBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		return fmt.Errorf("configure server: %w", err)
	}

	var hooks []serverutil.ShutdownHook
	if cfg.Worker.Embedded {
		processor, err := res.Processor()
		if err != nil {
			return fmt.Errorf("configure thumbnail worker: %w", err)
		}
		processor.Start()
		go bootstrap.LogFailures(ctx, processor.Failures(), logging.WithComponent(logger, "thumbnail"))
		hooks = append(hooks, serverutil.ShutdownHook{Name: "thumbnail-worker", Fn: processor.Shutdown})
	} else if cfg.Queue.Driver == config.DriverMemory {
		logger.Warn("memory thumbnail queue without an embedded worker; image variants will not be generated")
	}
	hooks = append(hooks, res.Hooks()...)

	logger.Info("files manager api starting", bootstrap.StartupSummary(cfg)...)
	handedOff = true
	err = serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Ready:           ready,
		Logger:          logger,
		Hooks:           hooks,
	})
	logger.Info("server stopped")
	return err
}
