// Command transcoder consumes the job queue and turns uploaded sources into
// HLS renditions with ffmpeg. It serves /healthz and /metrics on -addr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"vodforge/internal/config"
	"vodforge/internal/ingest"
	"vodforge/internal/jobs"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/serverutil"
	"vodforge/internal/wiring"
)

var errPoolStopped = errors.New("worker pool stopped: queue closed")

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.LookupEnv, nil); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "transcoder:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookup config.LookupFunc, ready chan<- net.Addr) error {
	cfg, err := config.Load("transcoder", args, lookup)
	if err != nil {
		return err
	}
	if err := checkShared(cfg); err != nil {
		return err
	}
	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	recorder := metrics.Default()

	deps := wiring.New(cfg, logger, recorder)
	defer deps.Close()

	blobs, err := deps.BlobStore(ctx)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	q, err := deps.Queue(ctx, cfg.Transcode.Workers)
	if err != nil {
		return err
	}
	store, err := deps.JobStore(ctx)
	if err != nil {
		return fmt.Errorf("job store: %w", err)
	}
	sink, err := deps.StatsPublisher(ctx)
	if err != nil {
		return fmt.Errorf("room stats: %w", err)
	}

	pool, reclaimer, err := deps.Workers(jobs.NewTracker(store), q, blobs, sink, cfg.Transcode.Workers)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", healthHandler(deps.Probes()))
	mux.Handle("GET /metrics", recorder.Handler())
	httpLogger := logging.WithComponent(logger, "http")
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           logging.RequestLogger(logging.RequestLoggerConfig{Logger: httpLogger})(metrics.HTTPMiddleware(recorder, mux)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serverutil.Run(gctx, serverutil.Config{
			Server:          httpServer,
			TLS:             serverutil.TLSConfig{CertFile: cfg.HTTP.TLSCertFile, KeyFile: cfg.HTTP.TLSKeyFile},
			ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
			Ready:           ready,
			Logger:          httpLogger,
		})
	})
	g.Go(func() error {
		if err := pool.Run(gctx); err != nil {
			return err
		}
		if gctx.Err() == nil {
			return errPoolStopped
		}
		return nil
	})
	g.Go(func() error { return reclaimer.Run(gctx) })

	logger.Info("transcoder starting",
		"workers", cfg.Transcode.Workers,
		"queue_driver", cfg.Queue.Driver,
		"job_store", cfg.Jobs.Driver,
		"job_timeout", cfg.Transcode.JobTimeout.String(),
	)
	return g.Wait()
}

// checkShared rejects drivers that only live inside one process.
func checkShared(cfg config.Config) error {
	if cfg.Queue.Driver == "memory" || cfg.Jobs.Driver == "memory" {
		return errors.New("the transcoder needs a shared queue and job store; run the server with -embedded-workers for a single-process setup")
	}
	return nil
}

func healthHandler(probes []ingest.Probe) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		components := ingest.RunProbes(r.Context(), probes)
		status, code := "ok", http.StatusOK
		for _, c := range components {
			if c.Status == "error" {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "components": components})
	})
}
