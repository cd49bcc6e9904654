package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	"vodforge/internal/observability/logging"
)

// RedisConfig configures the reliable-list driver.
type RedisConfig struct {
	Prefix       string
	BlockTimeout time.Duration
	Logger       *slog.Logger
}

// RedisQueue keeps pending jobs in one list and claimed jobs in another.
// BLMOVE moves a job between them atomically so a crashed worker leaves its
// job visible in the processing list.
type RedisQueue struct {
	client       redis.UniversalClient
	pending      string
	processing   string
	blockTimeout time.Duration
	logger       *slog.Logger
	closed       atomic.Bool
}

// NewRedisQueue uses client, which stays owned by the caller.
func NewRedisQueue(client redis.UniversalClient, cfg RedisConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "vodforge:jobs"
	}
	block := cfg.BlockTimeout
	if block <= 0 {
		block = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// Both lists share a hash tag so BLMOVE stays in one cluster slot.
	tag := "{" + prefix + "}"
	return &RedisQueue{
		client:       client,
		pending:      tag + ":pending",
		processing:   tag + ":processing",
		blockTimeout: block,
		logger:       logging.WithComponent(logger, "queue"),
	}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	if q.closed.Load() {
		return ErrClosed
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.pending, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Claim, error) {
	for {
		if q.closed.Load() {
			return Claim{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Claim{}, err
		}
		payload, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Claim{}, ctx.Err()
			}
			q.logger.Warn("redis dequeue failed", "error", err)
			if err := sleepContext(ctx, 200*time.Millisecond); err != nil {
				return Claim{}, err
			}
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			q.logger.Error("dropping undecodable job", "error", err)
			q.client.LRem(ctx, q.processing, 1, payload)
			continue
		}
		return Claim{Job: job, Receipt: payload}, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, claim Claim) error {
	if err := q.client.LRem(ctx, q.processing, 1, claim.Receipt).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", claim.Job.ID, err)
	}
	return nil
}

// InFlight lists jobs moved to the processing list and not yet acknowledged.
func (q *RedisQueue) InFlight(ctx context.Context) ([]Claim, error) {
	payloads, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list in-flight jobs: %w", err)
	}
	claims := make([]Claim, 0, len(payloads))
	for _, payload := range payloads {
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			continue
		}
		claims = append(claims, Claim{Job: job, Receipt: payload})
	}
	return claims, nil
}

// Pending reports the number of unclaimed jobs.
func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pending).Result()
}

func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
