package stats

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	"vodforge/internal/observability/logging"
)

// RedisMirrorConfig configures a RedisMirror.
type RedisMirrorConfig struct {
	Stream string
	// Group defaults to a per-process group so every process sees every
	// event.
	Group        string
	MaxLen       int64
	BlockTimeout time.Duration
	Logger       *slog.Logger
}

// RedisPublisher appends room events to the stats stream without reading it.
// Worker-only processes publish through it so conversions reach every
// RedisMirror.
type RedisPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisPublisher uses the Stream and MaxLen settings of cfg.
func NewRedisPublisher(client redis.UniversalClient, cfg RedisMirrorConfig) (*RedisPublisher, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "vodforge:stats"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}, nil
}

// Publish validates ev and appends it to the stream, trimming it to roughly
// MaxLen entries.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	if err := validate(ev); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"payload": string(payload)},
	}).Err()
}

// RedisMirror shares room events between processes through a Redis stream.
// Publish appends to the stream; Run reads the stream back and applies each
// event to the local Aggregator, so every process converges on the same
// stats.
type RedisMirror struct {
	client       redis.UniversalClient
	publisher    *RedisPublisher
	local        *Aggregator
	stream       string
	group        string
	ephemeral    bool
	consumer     string
	blockTimeout time.Duration
	logger       *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

func NewRedisMirror(client redis.UniversalClient, local *Aggregator, cfg RedisMirrorConfig) (*RedisMirror, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if local == nil {
		return nil, errors.New("local aggregator is required")
	}
	publisher, err := NewRedisPublisher(client, cfg)
	if err != nil {
		return nil, err
	}
	group := strings.TrimSpace(cfg.Group)
	ephemeral := group == ""
	if ephemeral {
		group = "stats-" + randomID()
	}
	block := cfg.BlockTimeout
	if block <= 0 {
		block = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisMirror{
		client:       client,
		publisher:    publisher,
		local:        local,
		stream:       publisher.stream,
		group:        group,
		ephemeral:    ephemeral,
		consumer:     "consumer-" + randomID(),
		blockTimeout: block,
		logger:       logging.WithComponent(logger, "stats"),
	}, nil
}

// Publish appends ev to the stream. The consumer group is created first so
// this process reads back its own events.
func (m *RedisMirror) Publish(ctx context.Context, ev Event) error {
	if err := validate(ev); err != nil {
		return err
	}
	if err := m.ensureGroup(ctx); err != nil {
		return err
	}
	return m.publisher.Publish(ctx, ev)
}

// Stats reads from the local aggregator.
func (m *RedisMirror) Stats(room string) (RoomStats, bool) {
	return m.local.Stats(room)
}

func (m *RedisMirror) ensureGroup(ctx context.Context) error {
	if m.groupReady.Load() {
		return nil
	}
	m.groupMu.Lock()
	defer m.groupMu.Unlock()
	if m.groupReady.Load() {
		return nil
	}
	err := m.client.XGroupCreateMkStream(ctx, m.stream, m.group, "$").Err()
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "busygroup") {
		return fmt.Errorf("create stats group: %w", err)
	}
	m.groupReady.Store(true)
	return nil
}

// Run applies stream events to the local aggregator until ctx is done.
func (m *RedisMirror) Run(ctx context.Context) error {
	defer m.cleanup()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := m.ensureGroup(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Warn("stats group setup failed", "error", err)
			sleep(ctx, 200*time.Millisecond)
			continue
		}
		streams, err := m.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    m.group,
			Consumer: m.consumer,
			Streams:  []string{m.stream, ">"},
			Count:    32,
			Block:    m.blockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Warn("stats stream read failed", "error", err)
			sleep(ctx, 200*time.Millisecond)
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				m.apply(ctx, msg)
			}
		}
	}
}

func (m *RedisMirror) apply(ctx context.Context, msg redis.XMessage) {
	defer func() {
		if err := m.client.XAck(ctx, m.stream, m.group, msg.ID).Err(); err != nil {
			m.logger.Warn("stats ack failed", "id", msg.ID, "error", err)
		}
	}()
	raw, _ := msg.Values["payload"].(string)
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		m.logger.Error("stats event decode failed", "id", msg.ID, "error", err)
		return
	}
	if err := m.local.Publish(ctx, ev); err != nil {
		m.logger.Warn("stats event rejected", "id", msg.ID, "error", err)
	}
}

func (m *RedisMirror) cleanup() {
	if !m.ephemeral {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.client.XGroupDestroy(ctx, m.stream, m.group).Err(); err != nil {
		m.logger.Debug("stats group cleanup failed", "group", m.group, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func randomID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
