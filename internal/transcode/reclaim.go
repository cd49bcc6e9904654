package transcode

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vodforge/internal/jobs"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/queue"
)

const (
	DefaultReclaimInterval = time.Minute
	DefaultReclaimGrace    = 5 * time.Minute
	leaseExpiredError      = "timeout: worker lease expired"
)

// ReclaimerConfig tunes a Reclaimer.
type ReclaimerConfig struct {
	Interval   time.Duration
	JobTimeout time.Duration
	Grace      time.Duration
}

// Reclaimer fails PROCESSING jobs whose worker stopped reporting and tidies
// claims left behind in the queue. It never moves a job backwards.
type Reclaimer struct {
	tracker   *jobs.Tracker
	queue     queue.Queue
	interval  time.Duration
	lease     time.Duration
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
	newTicker func(time.Duration) ticker
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ *time.Ticker }

func (t realTicker) C() <-chan time.Time { return t.Ticker.C }

func NewReclaimer(tracker *jobs.Tracker, q queue.Queue, cfg ReclaimerConfig, logger *slog.Logger, rec *metrics.Recorder) *Reclaimer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReclaimInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultReclaimGrace
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Reclaimer{
		tracker:   tracker,
		queue:     q,
		interval:  cfg.Interval,
		lease:     cfg.JobTimeout + cfg.Grace,
		logger:    logging.WithComponent(logger, "reclaimer"),
		metrics:   rec,
		now:       time.Now,
		newTicker: func(d time.Duration) ticker { return realTicker{time.NewTicker(d)} },
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reclaimer) Run(ctx context.Context) error {
	t := r.newTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("reclaim sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one pass and returns the number of jobs it failed.
func (r *Reclaimer) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.lease)
	stale, err := r.tracker.List(ctx, jobs.Filter{Status: jobs.StatusProcessing, UpdatedBefore: cutoff})
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, rec := range stale {
		_, err := r.tracker.Transition(ctx, rec.JobID, jobs.StatusFailed, jobs.Fields{Error: leaseExpiredError})
		if errors.Is(err, jobs.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			r.logger.Warn("reclaim failed", "job_id", rec.JobID, "error", err)
			continue
		}
		failed++
		r.logger.Warn("job lease expired", "job_id", rec.JobID, "updated_at", rec.UpdatedAt)
	}
	r.metrics.JobsReclaimed(failed)

	if lister, ok := r.queue.(queue.InFlightLister); ok {
		r.tidyClaims(ctx, lister, cutoff)
	}
	return failed, nil
}

// tidyClaims acks claims whose job is finished or unknown and puts back
// claims whose job was never started.
func (r *Reclaimer) tidyClaims(ctx context.Context, lister queue.InFlightLister, cutoff time.Time) {
	claims, err := lister.InFlight(ctx)
	if err != nil {
		r.logger.Warn("list in-flight jobs failed", "error", err)
		return
	}
	for _, claim := range claims {
		rec, err := r.tracker.Get(ctx, claim.Job.ID)
		switch {
		case errors.Is(err, jobs.ErrUnknownJob):
		case err != nil:
			r.logger.Warn("load in-flight job failed", "job_id", claim.Job.ID, "error", err)
			continue
		case rec.Status.Terminal():
		case rec.Status == jobs.StatusPending && rec.UpdatedAt.Before(cutoff):
			if err := r.queue.Enqueue(ctx, claim.Job); err != nil {
				r.logger.Warn("requeue failed", "job_id", claim.Job.ID, "error", err)
				continue
			}
			r.logger.Info("requeued unstarted job", "job_id", claim.Job.ID)
		default:
			continue
		}
		if err := r.queue.Ack(ctx, claim); err != nil {
			r.logger.Warn("ack of stale claim failed", "job_id", claim.Job.ID, "error", err)
		}
	}
}
