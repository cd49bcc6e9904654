// Package wiring turns a resolved config.Config into the concrete drivers
// shared by cmd/server and cmd/transcoder.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/redis/go-redis/v9"

	"vodforge/internal/awsx"
	"vodforge/internal/blob"
	"vodforge/internal/config"
	"vodforge/internal/ingest"
	"vodforge/internal/jobs"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/queue"
	"vodforge/internal/redisx"
	"vodforge/internal/stats"
	"vodforge/internal/transcode"
	"vodforge/internal/upload"
)

// Deps builds drivers on demand and owns the shared clients behind them.
type Deps struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu      sync.Mutex
	redis   redis.UniversalClient
	aws     *aws.Config
	probes  []ingest.Probe
	closers []func()
}

func New(cfg config.Config, logger *slog.Logger, rec *metrics.Recorder) *Deps {
	if logger == nil {
		logger = logging.Discard()
	}
	if rec == nil {
		rec = metrics.Default()
	}
	return &Deps{cfg: cfg, logger: logger, metrics: rec}
}

// Close releases everything built so far, newest first.
func (d *Deps) Close() {
	d.mu.Lock()
	closers := d.closers
	d.closers = nil
	d.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

// Probes returns the health checks of the backends built so far.
func (d *Deps) Probes() []ingest.Probe {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ingest.Probe(nil), d.probes...)
}

func (d *Deps) onClose(fn func()) {
	d.mu.Lock()
	d.closers = append(d.closers, fn)
	d.mu.Unlock()
}

func (d *Deps) addProbe(name string, check func(context.Context) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.probes {
		if p.Name == name {
			return
		}
	}
	d.probes = append(d.probes, ingest.Probe{Name: name, Check: check})
}

// Redis returns the shared client, connecting on first use.
func (d *Deps) Redis(ctx context.Context) (redis.UniversalClient, error) {
	d.mu.Lock()
	client := d.redis
	d.mu.Unlock()
	if client != nil {
		return client, nil
	}
	if !d.cfg.Redis.Enabled() {
		return nil, errors.New("redis is not configured")
	}
	client, err := redisx.NewClient(d.cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis client: %w", err)
	}
	if err := redisx.Ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	d.mu.Lock()
	d.redis = client
	d.mu.Unlock()
	d.onClose(func() { _ = client.Close() })
	d.addProbe("redis", func(ctx context.Context) error { return redisx.Ping(ctx, client) })
	return client, nil
}

// UseRedis injects an existing client, mainly for tests.
func (d *Deps) UseRedis(client redis.UniversalClient) {
	d.mu.Lock()
	d.redis = client
	d.mu.Unlock()
	d.addProbe("redis", func(ctx context.Context) error { return redisx.Ping(ctx, client) })
}

// AWS returns the shared aws.Config.
func (d *Deps) AWS(ctx context.Context) (aws.Config, error) {
	d.mu.Lock()
	cached := d.aws
	d.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}
	awsCfg, err := awsx.Load(ctx, d.cfg.AWS)
	if err != nil {
		return aws.Config{}, err
	}
	d.mu.Lock()
	d.aws = &awsCfg
	d.mu.Unlock()
	return awsCfg, nil
}

func (d *Deps) BlobStore(ctx context.Context) (blob.Store, error) {
	switch d.cfg.Blob.Driver {
	case "fs":
		return blob.NewFS(d.cfg.Blob.Root)
	case "s3":
		awsCfg, err := d.AWS(ctx)
		if err != nil {
			return nil, err
		}
		return blob.NewS3(awsCfg, blob.S3Config{
			Bucket:       d.cfg.Blob.Bucket,
			Prefix:       d.cfg.Blob.Prefix,
			UsePathStyle: d.cfg.Blob.UsePathStyle,
			SpoolDir:     filepath.Join(d.cfg.Transcode.WorkDir, "spool"),
		})
	default:
		return nil, fmt.Errorf("unsupported blob driver %q", d.cfg.Blob.Driver)
	}
}

func (d *Deps) SessionStore(ctx context.Context) (upload.SessionStore, error) {
	switch d.cfg.Sessions.Driver {
	case "memory":
		return upload.NewMemoryStore(), nil
	case "redis":
		client, err := d.Redis(ctx)
		if err != nil {
			return nil, err
		}
		return upload.NewRedisStore(client, d.cfg.Sessions.RedisPrefix), nil
	case "dynamodb":
		awsCfg, err := d.AWS(ctx)
		if err != nil {
			return nil, err
		}
		return upload.NewDynamoStore(awsCfg, d.cfg.Sessions.DynamoTable)
	default:
		return nil, fmt.Errorf("unsupported session store %q", d.cfg.Sessions.Driver)
	}
}

// Queue opens the job queue. prefetch bounds unacknowledged RabbitMQ
// deliveries and should match the number of local worker slots.
func (d *Deps) Queue(ctx context.Context, prefetch int) (queue.Queue, error) {
	logger := logging.WithComponent(d.logger, "queue")
	var (
		q   queue.Queue
		err error
	)
	switch d.cfg.Queue.Driver {
	case "memory":
		q = queue.NewMemoryQueue()
	case "redis":
		client, rerr := d.Redis(ctx)
		if rerr != nil {
			return nil, rerr
		}
		q, err = queue.NewRedisQueue(client, queue.RedisConfig{Prefix: d.cfg.Queue.RedisPrefix, Logger: logger})
	case "amqp":
		q, err = queue.DialAMQP(queue.AMQPConfig{
			URL:      d.cfg.Queue.AMQPURL,
			Queue:    d.cfg.Queue.AMQPQueue,
			Prefetch: max(prefetch, 1),
			Logger:   logger,
		})
	case "sqs":
		awsCfg, aerr := d.AWS(ctx)
		if aerr != nil {
			return nil, aerr
		}
		q, err = queue.NewSQSQueue(awsCfg, queue.SQSConfig{
			QueueURL:          d.cfg.Queue.SQSQueueURL,
			VisibilityTimeout: d.cfg.Transcode.JobTimeout + d.cfg.Transcode.ReclaimGrace,
			Logger:            logger,
		})
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", d.cfg.Queue.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s queue: %w", d.cfg.Queue.Driver, err)
	}
	d.onClose(func() { _ = q.Close() })
	return q, nil
}

func (d *Deps) JobStore(ctx context.Context) (jobs.Store, error) {
	switch d.cfg.Jobs.Driver {
	case "memory":
		return jobs.NewMemoryStore(), nil
	case "postgres":
		store, err := jobs.OpenPostgres(ctx, jobs.PostgresConfig{
			DSN:             d.cfg.Jobs.PostgresDSN,
			MaxConns:        int32(d.cfg.Jobs.MaxConns),
			MinConns:        int32(d.cfg.Jobs.MinConns),
			AcquireTimeout:  d.cfg.Jobs.AcquireTimeout,
			ApplicationName: d.cfg.Jobs.ApplicationName,
		})
		if err != nil {
			return nil, err
		}
		d.onClose(store.Close)
		d.addProbe("postgres", store.Ping)
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported job store %q", d.cfg.Jobs.Driver)
	}
}

// Rooms holds the room statistics plumbing of one process. Sink receives
// events, Local serves reads and subscriptions, and Run (nil for the memory
// driver) keeps Local in step with other processes.
type Rooms struct {
	Local *stats.Aggregator
	Sink  interface {
		stats.Sink
		Stats(room string) (stats.RoomStats, bool)
	}
	Run func(ctx context.Context) error
}

func (d *Deps) Rooms(ctx context.Context) (Rooms, error) {
	local := stats.NewAggregator(stats.WithMetrics(d.metrics))
	switch d.cfg.Stats.Driver {
	case "memory":
		return Rooms{Local: local, Sink: local}, nil
	case "redis":
		client, err := d.Redis(ctx)
		if err != nil {
			return Rooms{}, err
		}
		mirror, err := stats.NewRedisMirror(client, local, stats.RedisMirrorConfig{
			Stream: d.cfg.Stats.Stream,
			Group:  d.cfg.Stats.Group,
			Logger: logging.WithComponent(d.logger, "stats"),
		})
		if err != nil {
			return Rooms{}, err
		}
		return Rooms{Local: local, Sink: mirror, Run: mirror.Run}, nil
	default:
		return Rooms{}, fmt.Errorf("unsupported stats driver %q", d.cfg.Stats.Driver)
	}
}

// StatsPublisher is the sink for processes that only emit room events. With
// the memory stats driver there is nobody to receive them.
func (d *Deps) StatsPublisher(ctx context.Context) (stats.Sink, error) {
	switch d.cfg.Stats.Driver {
	case "memory":
		return stats.Discard{}, nil
	case "redis":
		client, err := d.Redis(ctx)
		if err != nil {
			return nil, err
		}
		publisher, err := stats.NewRedisPublisher(client, stats.RedisMirrorConfig{Stream: d.cfg.Stats.Stream})
		if err != nil {
			return nil, err
		}
		return publisher, nil
	default:
		return nil, fmt.Errorf("unsupported stats driver %q", d.cfg.Stats.Driver)
	}
}

// Workers builds a transcode pool with slots workers and the lease reclaimer
// watching it.
func (d *Deps) Workers(tracker *jobs.Tracker, q queue.Queue, blobs blob.Store, sink stats.Sink, slots int) (*transcode.Pool, *transcode.Reclaimer, error) {
	ladder := transcode.DefaultLadder()
	if d.cfg.Transcode.Ladder != "" {
		parsed, err := transcode.ParseLadder(d.cfg.Transcode.Ladder)
		if err != nil {
			return nil, nil, err
		}
		ladder = parsed
	}
	workDir := d.cfg.Transcode.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	worker, err := transcode.NewWorker(transcode.WorkerDeps{
		Tracker: tracker,
		Blobs:   blobs,
		Prober:  transcode.FFprobe{Path: d.cfg.Transcode.FFprobePath},
		Engine:  transcode.FFmpeg{Path: d.cfg.Transcode.FFmpegPath},
		Sink:    sink,
		Metrics: d.metrics,
		Logger:  d.logger,
	}, transcode.WorkerConfig{
		WorkDir:    filepath.Join(workDir, "vodforge"),
		JobTimeout: d.cfg.Transcode.JobTimeout,
		Ladder:     ladder,
	})
	if err != nil {
		return nil, nil, err
	}
	pool := transcode.NewPool(q, worker, slots, d.logger)
	reclaimer := transcode.NewReclaimer(tracker, q, transcode.ReclaimerConfig{
		Interval:   d.cfg.Transcode.ReclaimInterval,
		JobTimeout: d.cfg.Transcode.JobTimeout,
		Grace:      d.cfg.Transcode.ReclaimGrace,
	}, d.logger, d.metrics)
	return pool, reclaimer, nil
}
