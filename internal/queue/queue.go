// Package queue hands transcode jobs from the upload path to the worker pool.
// Delivery is at-least-once: a claimed job stays owned by its worker until
// it is acknowledged, and nothing is redelivered automatically.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Dequeue once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Job is one unit of transcode work.
type Job struct {
	ID               string    `json:"jobId"`
	SourceKey        string    `json:"sourcePath"`
	OriginalFilename string    `json:"originalFilename"`
	EnqueuedAt       time.Time `json:"enqueuedAt"`
}

// Claim is a dequeued job plus the driver-specific handle used to
// acknowledge it.
type Claim struct {
	Job     Job
	Receipt string
}

// Queue is a FIFO with blocking pop.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available, ctx is done or the queue is
	// closed.
	Dequeue(ctx context.Context) (Claim, error)
	Ack(ctx context.Context, claim Claim) error
	Close() error
}

// InFlightLister is implemented by drivers that can enumerate claimed but
// unacknowledged jobs.
type InFlightLister interface {
	InFlight(ctx context.Context) ([]Claim, error)
}

func validateJob(job Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if job.SourceKey == "" {
		return errors.New("job source is required")
	}
	return nil
}

// MemoryQueue is an unbounded in-process queue.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []Job
	inflight map[string]Job
	ready    chan struct{}
	closed   chan struct{}
	once     sync.Once
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]Job),
		ready:    make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	q.mu.Lock()
	q.items = append(q.items, job)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Claim, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items[0] = Job{}
			q.items = q.items[1:]
			q.inflight[job.ID] = job
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return Claim{Job: job, Receipt: job.ID}, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Claim{}, ctx.Err()
		case <-q.closed:
			return Claim{}, ErrClosed
		case <-q.ready:
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, claim Claim) error {
	q.mu.Lock()
	delete(q.inflight, claim.Receipt)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) InFlight(context.Context) ([]Claim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	claims := make([]Claim, 0, len(q.inflight))
	for receipt, job := range q.inflight {
		claims = append(claims, Claim{Job: job, Receipt: receipt})
	}
	return claims, nil
}

// Len reports the number of pending jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
