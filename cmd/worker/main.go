// Command worker consumes thumbnail jobs from the shared Redis queue and
// writes the resized variants next to each original image.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"files-manager/internal/bootstrap"
	"files-manager/internal/config"
	"files-manager/internal/observability/logging"
	"files-manager/internal/observability/metrics"
	"files-manager/internal/serverutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.LookupEnv, nil); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			config.Usage(os.Stderr, "worker")
			os.Exit(2)
		}
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookupEnv config.LookupEnv, ready chan<- struct{}) error {
	cfg, err := config.Load("worker", args, lookupEnv)
	if err != nil {
		return err
	}
	if cfg.Queue.Driver != config.DriverRedis {
		return fmt.Errorf("the standalone worker needs the redis queue driver, got %q", cfg.Queue.Driver)
	}
	logger := bootstrap.NewLogger(cfg)
	recorder := metrics.New()

	res, err := bootstrap.Open(ctx, cfg, logger, recorder)
	if err != nil {
		return err
	}
	processor, err := res.Processor()
	if err != nil {
		_ = res.Close(context.Background())
		return fmt.Errorf("configure thumbnail worker: %w", err)
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	workersDone := make(chan error, 1)
	go func() {
		workersDone <- processor.Run(workerCtx)
	}()
	go bootstrap.LogFailures(workerCtx, processor.Failures(), logging.WithComponent(logger, "thumbnail"))

	logger.Info("files manager worker starting", bootstrap.StartupSummary(cfg)...)

	hooks := append([]serverutil.ShutdownHook{{
		Name: "thumbnail-worker",
		Fn: func(ctx context.Context) error {
			cancelWorkers()
			select {
			case err := <-workersDone:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}}, res.Hooks()...)

	// The worker exposes only its own metrics and liveness.
	router := mux.NewRouter()
	router.Handle("/metrics", recorder.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	handler := logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:     logger,
		QuietPaths: []string{"/healthz", "/metrics"},
	})(router)
	err = serverutil.Run(ctx, serverutil.Config{
		Server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Ready:           ready,
		Logger:          logger,
		Hooks:           hooks,
	})
	logger.Info("worker stopped")
	return err
}
