package transcode

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"vodforge/internal/observability/logging"
	"vodforge/internal/queue"
)

const DefaultSlots = 2

// Handler processes one dequeued job.
type Handler interface {
	Handle(ctx context.Context, job queue.Job) error
}

// Pool runs a fixed number of slots, each looping dequeue, handle, ack.
type Pool struct {
	queue   queue.Queue
	handler Handler
	slots   int
	logger  *slog.Logger
	backoff time.Duration
}

func NewPool(q queue.Queue, handler Handler, slots int, logger *slog.Logger) *Pool {
	if slots <= 0 {
		slots = DefaultSlots
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pool{
		queue:   q,
		handler: handler,
		slots:   slots,
		logger:  logging.WithComponent(logger, "transcode"),
		backoff: 500 * time.Millisecond,
	}
}

// Run blocks until ctx is done or the queue closes. Jobs already claimed
// finish before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for slot := range p.slots {
		g.Go(func() error {
			return p.loop(gctx, slot)
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, slot int) error {
	logger := p.logger.With("slot", slot)
	logger.Debug("worker slot started")
	defer logger.Debug("worker slot stopped")
	for {
		claim, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			logger.Warn("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.backoff):
			}
			continue
		}
		if err := p.handler.Handle(ctx, claim.Job); err != nil {
			// The claim stays unacknowledged so the reclaimer or the broker
			// can hand it out again.
			logger.Error("job handling failed", "job_id", claim.Job.ID, "error", err)
			continue
		}
		if err := p.queue.Ack(context.WithoutCancel(ctx), claim); err != nil {
			logger.Warn("ack failed", "job_id", claim.Job.ID, "error", err)
		}
	}
}
