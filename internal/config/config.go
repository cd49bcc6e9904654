// Package config resolves runtime settings for the vodforge commands from
// command-line flags with VODFORGE_* environment fallbacks.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"vodforge/internal/awsx"
	"vodforge/internal/redisx"
)

const envPrefix = "VODFORGE_"

type HTTPConfig struct {
	Addr            string
	TLSCertFile     string
	TLSKeyFile      string
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	// GlobalRPS caps requests per second across all clients; zero disables it.
	GlobalRPS   float64
	GlobalBurst int
	// UploadLimit caps upload starts per client IP within UploadWindow.
	UploadLimit  int
	UploadWindow time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type BlobConfig struct {
	Driver       string
	Root         string
	Bucket       string
	Prefix       string
	UsePathStyle bool
}

type SessionConfig struct {
	Driver        string
	DynamoTable   string
	RedisPrefix   string
	AbandonAfter  time.Duration
	SweepInterval time.Duration
}

type UploadConfig struct {
	ChunkSize int64
	MaxSize   int64
}

type QueueConfig struct {
	Driver      string
	RedisPrefix string
	AMQPURL     string
	AMQPQueue   string
	SQSQueueURL string
}

type JobStoreConfig struct {
	Driver          string
	PostgresDSN     string
	MaxConns        int
	MinConns        int
	AcquireTimeout  time.Duration
	ApplicationName string
}

type StatsConfig struct {
	Driver string
	Stream string
	Group  string
}

type TranscodeConfig struct {
	FFmpegPath      string
	FFprobePath     string
	WorkDir         string
	Workers         int
	JobTimeout      time.Duration
	ReclaimInterval time.Duration
	ReclaimGrace    time.Duration
	Ladder          string
	Embedded        int
}

// Config is the union of settings used by cmd/server and cmd/transcoder.
type Config struct {
	HTTP      HTTPConfig
	Log       LogConfig
	Blob      BlobConfig
	AWS       awsx.Config
	Redis     redisx.Config
	Sessions  SessionConfig
	Upload    UploadConfig
	Queue     QueueConfig
	Jobs      JobStoreConfig
	Stats     StatsConfig
	Transcode TranscodeConfig
}

const (
	DefaultChunkSize     int64 = 5 << 20
	DefaultMaxUploadSize int64 = 10 << 30
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(string) (string, bool)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load parses args (without the program name) and resolves every setting.
func Load(name string, args []string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	fset := flag.NewFlagSet(name, flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	r := &resolver{fs: fset, lookup: lookup}

	var cfg Config
	r.str(&cfg.HTTP.Addr, "addr", "HTTP_ADDR", ":8080", "HTTP listen address")
	r.str(&cfg.HTTP.TLSCertFile, "tls-cert", "TLS_CERT", "", "path to TLS certificate file")
	r.str(&cfg.HTTP.TLSKeyFile, "tls-key", "TLS_KEY", "", "path to TLS private key file")
	r.duration(&cfg.HTTP.ShutdownTimeout, "shutdown-timeout", "SHUTDOWN_TIMEOUT", 10*time.Second, "graceful shutdown timeout")
	var corsOrigins string
	r.str(&corsOrigins, "cors-origins", "CORS_ORIGINS", "", "comma separated origins allowed to call the API")
	r.float(&cfg.HTTP.GlobalRPS, "rate-limit-rps", "RATE_LIMIT_RPS", 0, "global requests per second (0 disables)")
	r.integer(&cfg.HTTP.GlobalBurst, "rate-limit-burst", "RATE_LIMIT_BURST", 0, "global burst size")
	r.integer(&cfg.HTTP.UploadLimit, "upload-rate-limit", "UPLOAD_RATE_LIMIT", 0, "upload starts per client IP per window (0 disables)")
	r.duration(&cfg.HTTP.UploadWindow, "upload-rate-window", "UPLOAD_RATE_WINDOW", time.Minute, "window for the per-IP upload limit")

	r.str(&cfg.Log.Level, "log-level", "LOG_LEVEL", "info", "log level (debug, info, warn, error)")
	r.str(&cfg.Log.Format, "log-format", "LOG_FORMAT", "json", "log format (json or text)")

	r.str(&cfg.Blob.Driver, "blob-driver", "BLOB_DRIVER", "fs", "blob store driver (fs or s3)")
	r.str(&cfg.Blob.Root, "blob-root", "BLOB_ROOT", "./data", "filesystem blob store root")
	r.str(&cfg.Blob.Bucket, "s3-bucket", "S3_BUCKET", "", "S3 bucket for the s3 blob driver")
	r.str(&cfg.Blob.Prefix, "s3-prefix", "S3_PREFIX", "", "key prefix inside the S3 bucket")
	r.boolean(&cfg.Blob.UsePathStyle, "s3-path-style", "S3_PATH_STYLE", false, "use path-style S3 addressing")

	r.str(&cfg.AWS.Region, "aws-region", "AWS_REGION", "", "AWS region")
	r.str(&cfg.AWS.Endpoint, "aws-endpoint", "AWS_ENDPOINT", "", "custom AWS endpoint (MinIO, ElasticMQ, DynamoDB Local)")
	r.str(&cfg.AWS.AccessKey, "aws-access-key", "AWS_ACCESS_KEY", "", "static AWS access key")
	r.str(&cfg.AWS.SecretKey, "aws-secret-key", "AWS_SECRET_KEY", "", "static AWS secret key")

	var redisAddrs string
	r.str(&cfg.Redis.Addr, "redis-addr", "REDIS_ADDR", "", "Redis address")
	r.str(&redisAddrs, "redis-addrs", "REDIS_ADDRS", "", "comma separated Redis cluster addresses")
	r.str(&cfg.Redis.Username, "redis-username", "REDIS_USERNAME", "", "Redis username")
	r.str(&cfg.Redis.Password, "redis-password", "REDIS_PASSWORD", "", "Redis password")
	r.str(&cfg.Redis.MasterName, "redis-sentinel-master", "REDIS_SENTINEL_MASTER", "", "Redis sentinel master name")
	r.integer(&cfg.Redis.PoolSize, "redis-pool-size", "REDIS_POOL_SIZE", 0, "maximum Redis connections")
	r.str(&cfg.Redis.TLS.CAFile, "redis-tls-ca", "REDIS_TLS_CA", "", "Redis TLS CA certificate")
	r.str(&cfg.Redis.TLS.CertFile, "redis-tls-cert", "REDIS_TLS_CERT", "", "Redis TLS client certificate")
	r.str(&cfg.Redis.TLS.KeyFile, "redis-tls-key", "REDIS_TLS_KEY", "", "Redis TLS client key")
	r.str(&cfg.Redis.TLS.ServerName, "redis-tls-server-name", "REDIS_TLS_SERVER_NAME", "", "override Redis TLS server name")
	r.boolean(&cfg.Redis.TLS.InsecureSkipVerify, "redis-tls-skip-verify", "REDIS_TLS_SKIP_VERIFY", false, "skip Redis TLS verification")

	r.str(&cfg.Sessions.Driver, "session-store", "SESSION_STORE", "memory", "upload session store (memory, redis or dynamodb)")
	r.str(&cfg.Sessions.DynamoTable, "session-dynamodb-table", "SESSION_DYNAMODB_TABLE", "vodforge_upload_sessions", "DynamoDB table for upload sessions")
	r.str(&cfg.Sessions.RedisPrefix, "session-redis-prefix", "SESSION_REDIS_PREFIX", "vodforge:upload", "Redis key prefix for upload sessions")
	r.duration(&cfg.Sessions.AbandonAfter, "upload-abandon-after", "UPLOAD_ABANDON_AFTER", 24*time.Hour, "inactivity after which an upload session is swept")
	r.duration(&cfg.Sessions.SweepInterval, "upload-sweep-interval", "UPLOAD_SWEEP_INTERVAL", 15*time.Minute, "interval between abandoned session sweeps")

	r.int64(&cfg.Upload.ChunkSize, "upload-chunk-size", "UPLOAD_CHUNK_SIZE", DefaultChunkSize, "advertised chunk size in bytes")
	r.int64(&cfg.Upload.MaxSize, "upload-max-size", "UPLOAD_MAX_SIZE", DefaultMaxUploadSize, "maximum accepted file size in bytes")

	r.str(&cfg.Queue.Driver, "queue-driver", "QUEUE_DRIVER", "memory", "job queue driver (memory, redis, amqp or sqs)")
	r.str(&cfg.Queue.RedisPrefix, "queue-redis-prefix", "QUEUE_REDIS_PREFIX", "vodforge:jobs", "Redis key prefix for the job queue")
	r.str(&cfg.Queue.AMQPURL, "amqp-url", "AMQP_URL", "", "RabbitMQ connection URL")
	r.str(&cfg.Queue.AMQPQueue, "amqp-queue", "AMQP_QUEUE", "video_processing_queue", "RabbitMQ queue name")
	r.str(&cfg.Queue.SQSQueueURL, "sqs-queue-url", "SQS_QUEUE_URL", "", "SQS queue URL")

	r.str(&cfg.Jobs.Driver, "job-store", "JOB_STORE", "", "job store driver (memory or postgres)")
	r.str(&cfg.Jobs.PostgresDSN, "postgres-dsn", "POSTGRES_DSN", "", "Postgres connection string")
	r.integer(&cfg.Jobs.MaxConns, "postgres-max-conns", "POSTGRES_MAX_CONNS", 0, "maximum connections in the Postgres pool")
	r.integer(&cfg.Jobs.MinConns, "postgres-min-conns", "POSTGRES_MIN_CONNS", 0, "minimum idle Postgres connections")
	r.duration(&cfg.Jobs.AcquireTimeout, "postgres-acquire-timeout", "POSTGRES_ACQUIRE_TIMEOUT", 5*time.Second, "timeout for Postgres operations")
	r.str(&cfg.Jobs.ApplicationName, "postgres-app-name", "POSTGRES_APP_NAME", "vodforge", "application_name reported to Postgres")

	r.str(&cfg.Stats.Driver, "stats-driver", "STATS_DRIVER", "memory", "stats mirror driver (memory or redis)")
	r.str(&cfg.Stats.Stream, "stats-redis-stream", "STATS_REDIS_STREAM", "vodforge:stats", "Redis stream for room telemetry")
	r.str(&cfg.Stats.Group, "stats-redis-group", "STATS_REDIS_GROUP", "", "Redis consumer group (defaults to a per-process group)")

	r.str(&cfg.Transcode.FFmpegPath, "ffmpeg", "FFMPEG_PATH", "ffmpeg", "ffmpeg binary")
	r.str(&cfg.Transcode.FFprobePath, "ffprobe", "FFPROBE_PATH", "ffprobe", "ffprobe binary")
	r.str(&cfg.Transcode.WorkDir, "work-dir", "WORK_DIR", os.TempDir(), "scratch directory for transcodes")
	r.integer(&cfg.Transcode.Workers, "workers", "WORKERS", 2, "transcode worker slots")
	r.duration(&cfg.Transcode.JobTimeout, "job-timeout", "JOB_TIMEOUT", 30*time.Minute, "maximum processing time per job")
	r.duration(&cfg.Transcode.ReclaimInterval, "reclaim-interval", "RECLAIM_INTERVAL", time.Minute, "interval between lease reclaim passes")
	r.duration(&cfg.Transcode.ReclaimGrace, "reclaim-grace", "RECLAIM_GRACE", 5*time.Minute, "grace added to the job timeout before a PROCESSING job is reclaimed")
	r.str(&cfg.Transcode.Ladder, "ladder", "LADDER", "", "rendition ladder override (name:WxH:kbps:profile:level,...)")
	r.integer(&cfg.Transcode.Embedded, "embedded-workers", "EMBEDDED_WORKERS", 0, "transcode workers run inside the API server")

	if err := fset.Parse(args); err != nil {
		return Config{}, err
	}
	if err := r.apply(); err != nil {
		return Config{}, err
	}
	cfg.Redis.Addrs = splitAndTrim(redisAddrs)
	cfg.HTTP.CORSOrigins = splitAndTrim(corsOrigins)
	if cfg.Jobs.Driver == "" {
		if cfg.Jobs.PostgresDSN != "" {
			cfg.Jobs.Driver = "postgres"
		} else {
			cfg.Jobs.Driver = "memory"
		}
	}
	normalizeDrivers(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func normalizeDrivers(cfg *Config) {
	for _, p := range []*string{&cfg.Blob.Driver, &cfg.Sessions.Driver, &cfg.Queue.Driver, &cfg.Jobs.Driver, &cfg.Stats.Driver, &cfg.Log.Format} {
		*p = strings.ToLower(strings.TrimSpace(*p))
	}
}

// Validate reports unknown drivers and missing driver settings.
func (c Config) Validate() error {
	var errs []error
	switch c.Blob.Driver {
	case "fs":
		if strings.TrimSpace(c.Blob.Root) == "" {
			errs = append(errs, errors.New("blob root is required for the fs driver"))
		}
	case "s3":
		if strings.TrimSpace(c.Blob.Bucket) == "" {
			errs = append(errs, errors.New("s3 bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported blob driver %q", c.Blob.Driver))
	}
	switch c.Sessions.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			errs = append(errs, errors.New("redis addr is required for the redis session store"))
		}
	case "dynamodb":
		if strings.TrimSpace(c.Sessions.DynamoTable) == "" {
			errs = append(errs, errors.New("dynamodb table is required for the dynamodb session store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported session store %q", c.Sessions.Driver))
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			errs = append(errs, errors.New("redis addr is required for the redis queue"))
		}
	case "amqp":
		if strings.TrimSpace(c.Queue.AMQPURL) == "" {
			errs = append(errs, errors.New("amqp url is required for the amqp queue"))
		}
	case "sqs":
		if strings.TrimSpace(c.Queue.SQSQueueURL) == "" {
			errs = append(errs, errors.New("sqs queue url is required for the sqs queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported queue driver %q", c.Queue.Driver))
	}
	switch c.Jobs.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Jobs.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres dsn is required for the postgres job store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported job store %q", c.Jobs.Driver))
	}
	switch c.Stats.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			errs = append(errs, errors.New("redis addr is required for the redis stats driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported stats driver %q", c.Stats.Driver))
	}
	if c.Upload.ChunkSize <= 0 {
		errs = append(errs, errors.New("upload chunk size must be positive"))
	}
	if c.HTTP.GlobalRPS < 0 || c.HTTP.UploadLimit < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.Transcode.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	return errors.Join(errs...)
}

// resolver binds flags to destinations and applies environment fallbacks for
// flags that were not set on the command line.
type resolver struct {
	fs      *flag.FlagSet
	lookup  LookupFunc
	setters []envSetter
}

type envSetter struct {
	flag  string
	env   string
	apply func(string) error
}

func (r *resolver) add(name, env string, apply func(string) error) {
	r.setters = append(r.setters, envSetter{flag: name, env: envPrefix + env, apply: apply})
}

func (r *resolver) str(dest *string, name, env, def, usage string) {
	r.fs.StringVar(dest, name, def, usage)
	r.add(name, env, func(v string) error {
		*dest = v
		return nil
	})
}

func (r *resolver) integer(dest *int, name, env string, def int, usage string) {
	r.fs.IntVar(dest, name, def, usage)
	r.add(name, env, func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dest = n
		return nil
	})
}

func (r *resolver) int64(dest *int64, name, env string, def int64, usage string) {
	r.fs.Int64Var(dest, name, def, usage)
	r.add(name, env, func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dest = n
		return nil
	})
}

func (r *resolver) duration(dest *time.Duration, name, env string, def time.Duration, usage string) {
	r.fs.DurationVar(dest, name, def, usage)
	r.add(name, env, func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dest = d
		return nil
	})
}

func (r *resolver) float(dest *float64, name, env string, def float64, usage string) {
	r.fs.Float64Var(dest, name, def, usage)
	r.add(name, env, func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dest = f
		return nil
	})
}

func (r *resolver) boolean(dest *bool, name, env string, def bool, usage string) {
	r.fs.BoolVar(dest, name, def, usage)
	r.add(name, env, func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dest = b
		return nil
	})
}

func (r *resolver) apply() error {
	explicit := make(map[string]bool)
	r.fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	var errs []error
	for _, s := range r.setters {
		if explicit[s.flag] {
			continue
		}
		value, ok := r.lookup(s.env)
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if err := s.apply(value); err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", s.env, err))
		}
	}
	return errors.Join(errs...)
}

func splitAndTrim(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
