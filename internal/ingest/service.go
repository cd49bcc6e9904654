package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"vodforge/internal/jobs"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/queue"
	"vodforge/internal/upload"
)

// ErrEnqueue is returned when a job was recorded but could not be handed to
// the queue. The record has been marked FAILED.
var ErrEnqueue = errors.New("job could not be queued")

// DefaultListLimit bounds Videos when the caller passes no limit.
const DefaultListLimit = 100

// Config wires a Service. Metrics, Logger, NewJobID, Clock and Probes are
// optional.
type Config struct {
	Assembler *upload.Assembler
	Tracker   *jobs.Tracker
	Queue     queue.Queue
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	NewJobID  func() string
	Clock     func() time.Time
	Probes    []Probe
}

// Service accepts finished uploads and queues them for transcoding.
type Service struct {
	assembler *upload.Assembler
	tracker   *jobs.Tracker
	queue     queue.Queue
	metrics   *metrics.Recorder
	logger    *slog.Logger
	newJobID  func() string
	now       func() time.Time
	probes    []Probe
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Assembler == nil || cfg.Tracker == nil || cfg.Queue == nil {
		return nil, errors.New("assembler, tracker and queue are required")
	}
	s := &Service{
		assembler: cfg.Assembler,
		tracker:   cfg.Tracker,
		queue:     cfg.Queue,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		newJobID:  cfg.NewJobID,
		now:       cfg.Clock,
		probes:    append([]Probe(nil), cfg.Probes...),
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	s.logger = logging.WithComponent(s.logger, "ingest")
	if s.newJobID == nil {
		s.newJobID = uuid.NewString
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Assembler exposes the chunk protocol the service finalizes.
func (s *Service) Assembler() *upload.Assembler {
	return s.assembler
}

// CompleteUpload assembles session sessionID and queues the result. The
// returned record is PENDING.
func (s *Service) CompleteUpload(ctx context.Context, sessionID string, sub Submission) (jobs.Record, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return jobs.Record{}, fmt.Errorf("%w: fileId is required", upload.ErrInvalidMetadata)
	}
	jobID := s.newJobID()
	var rec jobs.Record
	ctx = logging.ContextWithUploadID(ctx, sessionID)
	assembled, err := s.assembler.FinalizeWith(ctx, sessionID, jobID, func(ctx context.Context, assembled upload.Assembled) error {
		var err error
		rec, err = s.record(ctx, assembled)
		return err
	})
	if err != nil {
		return jobs.Record{}, err
	}
	if sub.Title == "" {
		sub.Title = assembled.Title
	}
	if sub.Description == "" {
		sub.Description = assembled.Description
	}
	return s.enqueue(ctx, assembled, rec, sub)
}

// UploadSingle stores a whole file and queues it.
func (s *Service) UploadSingle(ctx context.Context, file SingleFile, sub Submission) (jobs.Record, error) {
	if file.Body == nil {
		return jobs.Record{}, fmt.Errorf("%w: video file is required", upload.ErrInvalidMetadata)
	}
	jobID := s.newJobID()
	assembled, err := s.assembler.StoreSingle(ctx, jobID, file.Filename, file.MimeType, file.Body)
	if err != nil {
		return jobs.Record{}, err
	}
	rec, err := s.record(ctx, assembled)
	if err != nil {
		s.assembler.DiscardSource(context.WithoutCancel(ctx), assembled.Key)
		return jobs.Record{}, err
	}
	return s.enqueue(ctx, assembled, rec, sub)
}

// record creates the PENDING record for an assembled source.
func (s *Service) record(ctx context.Context, assembled upload.Assembled) (jobs.Record, error) {
	ctx = logging.ContextWithJobID(ctx, assembled.JobID)
	rec, err := s.tracker.Create(ctx, assembled.JobID, assembled.Filename, assembled.Checksum)
	if err != nil {
		logging.WithContext(ctx, s.logger).Error("create job record failed", "source", assembled.Key, "error", err)
		return jobs.Record{}, fmt.Errorf("create job record: %w", err)
	}
	return rec, nil
}

func (s *Service) enqueue(ctx context.Context, assembled upload.Assembled, rec jobs.Record, sub Submission) (jobs.Record, error) {
	ctx = logging.ContextWithJobID(ctx, assembled.JobID)
	logger := logging.WithContext(ctx, s.logger)

	job := queue.Job{
		ID:               assembled.JobID,
		SourceKey:        assembled.Key,
		OriginalFilename: assembled.Filename,
		EnqueuedAt:       s.now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		logger.Error("enqueue failed", "error", err)
		s.failUnqueued(context.WithoutCancel(ctx), assembled.JobID, err, logger)
		return jobs.Record{}, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}
	s.metrics.JobEnqueued()
	logger.Info("job queued",
		"filename", assembled.Filename,
		"size", assembled.Size,
		"title", sub.Title,
		"description_length", len(sub.Description),
		"checksum", assembled.Checksum)
	return rec, nil
}

// failUnqueued walks the record through PROCESSING to FAILED, the only
// legal path to a terminal status.
func (s *Service) failUnqueued(ctx context.Context, jobID string, cause error, logger *slog.Logger) {
	if _, err := s.tracker.Transition(ctx, jobID, jobs.StatusProcessing, jobs.Fields{}); err != nil {
		logger.Error("mark unqueued job failed", "error", err)
		return
	}
	if _, err := s.tracker.Transition(ctx, jobID, jobs.StatusFailed, jobs.Fields{Error: "enqueue failed: " + cause.Error()}); err != nil {
		logger.Error("mark unqueued job failed", "error", err)
	}
}

// Status returns the record of job id.
func (s *Service) Status(ctx context.Context, id string) (jobs.Record, error) {
	return s.tracker.Get(ctx, strings.TrimSpace(id))
}

// Videos lists job records newest first, optionally narrowed to status.
func (s *Service) Videos(ctx context.Context, status jobs.Status, limit int) ([]jobs.Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.tracker.List(ctx, jobs.Filter{Status: status, Limit: limit})
}

// HealthChecks runs every probe and reports the result per component.
func (s *Service) HealthChecks(ctx context.Context) []HealthStatus {
	return RunProbes(ctx, s.probes)
}

// RunProbes evaluates each probe with a short timeout. Probes without a
// check report "disabled".
func RunProbes(ctx context.Context, probes []Probe) []HealthStatus {
	statuses := make([]HealthStatus, 0, len(probes))
	for _, probe := range probes {
		status := HealthStatus{Component: probe.Name}
		if probe.Check == nil {
			status.Status = "disabled"
			statuses = append(statuses, status)
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := probe.Check(checkCtx)
		cancel()
		if err != nil {
			status.Status = "error"
			status.Detail = err.Error()
		} else {
			status.Status = "ok"
		}
		statuses = append(statuses, status)
	}
	return statuses
}
