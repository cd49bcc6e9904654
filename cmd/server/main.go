// Command server runs the vodforge HTTP API: chunked and single-shot uploads,
// job status polling and room statistics. With -embedded-workers it also
// transcodes jobs in-process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"vodforge/internal/api"
	"vodforge/internal/config"
	"vodforge/internal/ingest"
	"vodforge/internal/jobs"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/server"
	"vodforge/internal/upload"
	"vodforge/internal/wiring"
)

// multipartSlack covers the multipart framing around a single-shot upload.
const multipartSlack = 1 << 20

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
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookup config.LookupFunc, ready chan<- net.Addr) error {
	cfg, err := config.Load("server", args, lookup)
	if err != nil {
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
	sessions, err := deps.SessionStore(ctx)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	q, err := deps.Queue(ctx, cfg.Transcode.Embedded)
	if err != nil {
		return err
	}
	store, err := deps.JobStore(ctx)
	if err != nil {
		return fmt.Errorf("job store: %w", err)
	}
	rooms, err := deps.Rooms(ctx)
	if err != nil {
		return fmt.Errorf("room stats: %w", err)
	}
	rateLimit := server.RateLimitConfig{
		GlobalRPS:    cfg.HTTP.GlobalRPS,
		GlobalBurst:  cfg.HTTP.GlobalBurst,
		UploadLimit:  cfg.HTTP.UploadLimit,
		UploadWindow: cfg.HTTP.UploadWindow,
	}
	if cfg.Redis.Enabled() && cfg.HTTP.UploadLimit > 0 {
		client, err := deps.Redis(ctx)
		if err != nil {
			return err
		}
		rateLimit.Redis = client
	}

	tracker := jobs.NewTracker(store)
	assembler := upload.NewAssembler(sessions, blobs, upload.Options{
		MaxSize:      cfg.Upload.MaxSize,
		AbandonAfter: cfg.Sessions.AbandonAfter,
		Logger:       logger,
		Metrics:      recorder,
	})
	intake, err := ingest.NewService(ingest.Config{
		Assembler: assembler,
		Tracker:   tracker,
		Queue:     q,
		Metrics:   recorder,
		Logger:    logger,
		Probes:    deps.Probes(),
	})
	if err != nil {
		return err
	}

	handler := api.NewHandler(intake, rooms.Sink, logger)
	handler.Updates = rooms.Local
	handler.ChunkSize = cfg.Upload.ChunkSize
	handler.MaxUploadBody = cfg.Upload.MaxSize + multipartSlack

	srv, err := server.New(handler, server.Config{
		Addr:            cfg.HTTP.Addr,
		TLS:             server.TLSConfig{CertFile: cfg.HTTP.TLSCertFile, KeyFile: cfg.HTTP.TLSKeyFile},
		CORS:            server.CORSConfig{AllowedOrigins: cfg.HTTP.CORSOrigins},
		RateLimit:       rateLimit,
		Logger:          logger,
		Metrics:         recorder,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	})
	if err != nil {
		return err
	}

	var workers []func(context.Context) error
	if cfg.Transcode.Embedded > 0 {
		pool, reclaimer, err := deps.Workers(tracker, q, blobs, rooms.Sink, cfg.Transcode.Embedded)
		if err != nil {
			return err
		}
		logger.Info("embedded transcode workers enabled", "slots", cfg.Transcode.Embedded)
		workers = append(workers, pool.Run, reclaimer.Run)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, ready)
	})
	g.Go(func() error {
		runSweeper(gctx, logger, assembler, cfg.Sessions.SweepInterval)
		return nil
	})
	if rooms.Run != nil {
		g.Go(func() error { return rooms.Run(gctx) })
	}
	for _, work := range workers {
		g.Go(func() error { return work(gctx) })
	}

	logger.Info("server starting",
		"addr", cfg.HTTP.Addr,
		"blob_driver", cfg.Blob.Driver,
		"session_store", cfg.Sessions.Driver,
		"queue_driver", cfg.Queue.Driver,
		"job_store", cfg.Jobs.Driver,
		"stats_driver", cfg.Stats.Driver,
	)
	err = g.Wait()
	logger.Info("server stopped", slog.Any("error", err))
	return err
}
