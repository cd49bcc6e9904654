package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTransition is returned when a status change would move a job
// backwards or skip a state.
var ErrInvalidTransition = errors.New("invalid job status transition")

const casAttempts = 3

// Tracker enforces the job status machine on top of a Store.
type Tracker struct {
	store Store
	now   func() time.Time
}

// TrackerOption customises a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func NewTracker(store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{store: store, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create records a new PENDING job.
func (t *Tracker) Create(ctx context.Context, jobID, filename, checksum string) (Record, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Record{}, errors.New("job id is required")
	}
	now := t.now().UTC()
	rec := Record{
		JobID:          jobID,
		Filename:       filename,
		Status:         StatusPending,
		SourceChecksum: checksum,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := t.store.Create(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get returns the current record or ErrUnknownJob.
func (t *Tracker) Get(ctx context.Context, jobID string) (Record, error) {
	return t.store.Get(ctx, jobID)
}

// List returns records matching filter, newest first.
func (t *Tracker) List(ctx context.Context, filter Filter) ([]Record, error) {
	return t.store.List(ctx, filter)
}

// Transition moves jobID to next and applies fields. A FAILED transition
// always carries a non-empty error.
func (t *Tracker) Transition(ctx context.Context, jobID string, next Status, fields Fields) (Record, error) {
	if !next.Valid() {
		return Record{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := t.store.Get(ctx, jobID)
		if err != nil {
			return Record{}, err
		}
		if !current.Status.CanTransitionTo(next) {
			return current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next)
		}
		updated := apply(current, next, fields, t.now().UTC())
		err = t.store.CompareAndSwap(ctx, current.Status, updated)
		if errors.Is(err, ErrStaleStatus) {
			continue
		}
		if err != nil {
			return Record{}, err
		}
		return updated, nil
	}
	return Record{}, fmt.Errorf("transition %s to %s: %w", jobID, next, ErrStaleStatus)
}

func apply(rec Record, next Status, fields Fields, now time.Time) Record {
	out := rec.clone()
	out.Status = next
	out.UpdatedAt = now
	if fields.Resolutions != nil {
		out.Resolutions = append([]string(nil), fields.Resolutions...)
	}
	if fields.OriginalDurationSeconds > 0 {
		out.OriginalDurationSeconds = fields.OriginalDurationSeconds
	}
	if fields.ProcessingDurationSeconds > 0 {
		out.ProcessingDurationSeconds = fields.ProcessingDurationSeconds
	}
	if fields.OutputSizeBytes > 0 {
		out.OutputSizeBytes = fields.OutputSizeBytes
	}
	switch next {
	case StatusCompleted:
		out.Error = ""
		out.CompletedAt = &now
	case StatusFailed:
		out.Error = strings.TrimSpace(fields.Error)
		if out.Error == "" {
			out.Error = "unknown error"
		}
	}
	return out
}
