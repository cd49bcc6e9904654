// Package transcode turns an assembled source into an HLS rendition ladder.
// Each job moves through CLAIMED, PROBING, ENCODING and PUBLISHING before it
// is recorded as COMPLETED or FAILED.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"vodforge/internal/blob"
	"vodforge/internal/jobs"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/queue"
	"vodforge/internal/stats"
)

const (
	DefaultJobTimeout   = 30 * time.Minute
	DefaultOutputPrefix = "videos"
)

// WorkerConfig tunes a Worker.
type WorkerConfig struct {
	WorkDir      string
	JobTimeout   time.Duration
	Ladder       []Rendition
	OutputPrefix string
}

// WorkerDeps are the collaborators of a Worker. Sink, Metrics, Logger and
// Clock are optional.
type WorkerDeps struct {
	Tracker *jobs.Tracker
	Blobs   blob.Store
	Prober  Prober
	Engine  Engine
	Sink    stats.Sink
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Worker processes one job at a time on the caller's goroutine.
type Worker struct {
	tracker *jobs.Tracker
	blobs   blob.Store
	prober  Prober
	engine  Engine
	sink    stats.Sink
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
	cfg     WorkerConfig
}

func NewWorker(deps WorkerDeps, cfg WorkerConfig) (*Worker, error) {
	if deps.Tracker == nil || deps.Blobs == nil || deps.Prober == nil || deps.Engine == nil {
		return nil, errors.New("tracker, blob store, prober and engine are required")
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = DefaultLadder()
	}
	if cfg.OutputPrefix == "" {
		cfg.OutputPrefix = DefaultOutputPrefix
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	w := &Worker{
		tracker: deps.Tracker,
		blobs:   deps.Blobs,
		prober:  deps.Prober,
		engine:  deps.Engine,
		sink:    deps.Sink,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		now:     deps.Clock,
		cfg:     cfg,
	}
	if w.sink == nil {
		w.sink = stats.Discard{}
	}
	if w.logger == nil {
		w.logger = logging.Discard()
	}
	w.logger = logging.WithComponent(w.logger, "transcode")
	if w.now == nil {
		w.now = time.Now
	}
	return w, nil
}

// OutputKey is the blob prefix holding a job's renditions.
func (w *Worker) OutputKey(jobID string) string {
	return blob.Join(w.cfg.OutputPrefix, jobID)
}

type outcome struct {
	probe      ProbeResult
	tiers      []Rendition
	outputSize int64
}

// Handle runs job to a terminal status. Jobs whose record is no longer
// PENDING are skipped. The returned error reports only failures to read or
// write the job record; encode failures are recorded on the job.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	logger := w.logger.With("job_id", job.ID)
	rec, err := w.tracker.Get(ctx, job.ID)
	if errors.Is(err, jobs.ErrUnknownJob) {
		logger.Warn("dropping job without record")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", job.ID, err)
	}
	if rec.Status != jobs.StatusPending {
		logger.Info("skipping duplicate delivery", "status", rec.Status)
		return nil
	}
	if _, err := w.tracker.Transition(ctx, job.ID, jobs.StatusProcessing, jobs.Fields{}); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			logger.Info("job claimed elsewhere")
			return nil
		}
		return fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	logger.Info("job claimed", "stage", StageClaimed, "source", job.SourceKey)

	w.metrics.JobStarted()
	start := w.now()
	// Claimed jobs run to completion; only the job timeout stops them.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobTimeout)
	defer cancel()
	out, runErr := w.run(runCtx, job, start, logger)
	elapsed := w.now().Sub(start)
	recordCtx := context.WithoutCancel(ctx)

	if runErr != nil {
		var stageErr *StageError
		stage := StageClaimed
		if errors.As(runErr, &stageErr) {
			stage = stageErr.Stage
		}
		logger.Error("job failed", "stage", stage, "error", runErr, "duration", elapsed)
		w.metrics.JobFinished(string(jobs.StatusFailed), elapsed)
		_, err := w.tracker.Transition(recordCtx, job.ID, jobs.StatusFailed, jobs.Fields{
			Error:                     runErr.Error(),
			OriginalDurationSeconds:   out.probe.DurationSeconds,
			ProcessingDurationSeconds: elapsed.Seconds(),
		})
		if err != nil {
			return fmt.Errorf("record failure of %s: %w", job.ID, err)
		}
		return nil
	}

	names := Names(out.tiers)
	w.metrics.JobFinished(string(jobs.StatusCompleted), elapsed)
	if _, err := w.tracker.Transition(recordCtx, job.ID, jobs.StatusCompleted, jobs.Fields{
		Resolutions:               names,
		OriginalDurationSeconds:   out.probe.DurationSeconds,
		ProcessingDurationSeconds: elapsed.Seconds(),
		OutputSizeBytes:           out.outputSize,
	}); err != nil {
		return fmt.Errorf("record completion of %s: %w", job.ID, err)
	}
	logger.Info("job completed", "resolutions", names, "duration", elapsed, "output_bytes", out.outputSize)

	if err := w.sink.Publish(recordCtx, stats.Event{
		Type:        stats.EventConversion,
		Room:        job.ID,
		Resolutions: names,
		At:          w.now().UTC(),
	}); err != nil {
		logger.Warn("conversion event not published", "error", err)
	}
	return nil
}

func (w *Worker) run(ctx context.Context, job queue.Job, start time.Time, logger *slog.Logger) (outcome, error) {
	var out outcome
	if err := os.MkdirAll(w.cfg.WorkDir, 0o755); err != nil {
		return out, stageErr(StageClaimed, ErrEncode, err)
	}
	scratch, err := os.MkdirTemp(w.cfg.WorkDir, "job-"+job.ID+"-")
	if err != nil {
		return out, stageErr(StageClaimed, ErrEncode, err)
	}
	defer os.RemoveAll(scratch)

	logger.Info("probing source", "stage", StageProbing)
	source, cleanup, err := blob.Localize(ctx, w.blobs, job.SourceKey, scratch)
	if err != nil {
		return out, w.classify(ctx, StageProbing, ErrProbe, fmt.Errorf("source unavailable: %w", err))
	}
	defer cleanup()
	out.probe, err = w.prober.Probe(ctx, source)
	if err != nil {
		return out, w.classify(ctx, StageProbing, ErrProbe, err)
	}
	out.tiers = SelectLadder(w.cfg.Ladder, out.probe.Height)
	logger.Info("encoding", "stage", StageEncoding, "source_height", out.probe.Height, "tiers", Names(out.tiers))

	outDir := filepath.Join(scratch, "out")
	plan, err := BuildPlan(source, outDir, out.tiers)
	if err != nil {
		return out, stageErr(StageEncoding, ErrEncode, err)
	}
	if err := plan.Prepare(); err != nil {
		return out, stageErr(StageEncoding, ErrEncode, err)
	}
	if err := w.engine.Run(ctx, plan.Args, logger); err != nil {
		return out, w.classify(ctx, StageEncoding, ErrEncode, err)
	}

	logger.Info("publishing", "stage", StagePublishing)
	thumbKey := w.thumbnail(ctx, job, source, outDir, out.probe.DurationSeconds, logger)
	if err := WriteMaster(outDir, out.tiers); err != nil {
		return out, stageErr(StagePublishing, ErrPublish, err)
	}
	size, err := dirSize(outDir)
	if err != nil {
		return out, stageErr(StagePublishing, ErrPublish, err)
	}
	out.outputSize = size
	meta := Metadata{
		JobID:                     job.ID,
		Filename:                  job.OriginalFilename,
		Status:                    "Success",
		Resolutions:               out.tiers,
		OriginalDurationSeconds:   out.probe.DurationSeconds,
		ProcessingDurationSeconds: w.now().Sub(start).Seconds(),
		OutputSizeBytes:           size,
		Thumbnail:                 thumbKey,
		CompletedAt:               w.now().UTC(),
	}
	if err := WriteMetadata(outDir, meta); err != nil {
		return out, stageErr(StagePublishing, ErrPublish, err)
	}
	prefix := w.OutputKey(job.ID)
	if _, err := blob.PutDir(ctx, w.blobs, prefix, outDir, MetadataName, MasterName); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if delErr := w.blobs.DeletePrefix(cleanupCtx, prefix); delErr != nil {
			logger.Warn("partial output cleanup failed", "prefix", prefix, "error", delErr)
		}
		return out, w.classify(ctx, StagePublishing, ErrPublish, err)
	}
	return out, nil
}

// thumbnail captures the poster frame at the midpoint. Failures are logged
// and leave the job unaffected.
func (w *Worker) thumbnail(ctx context.Context, job queue.Job, source, outDir string, duration float64, logger *slog.Logger) string {
	target := filepath.Join(outDir, ThumbnailName)
	if err := w.engine.Run(ctx, ThumbnailArgs(source, target, duration*0.5), logger); err != nil {
		logger.Warn("thumbnail failed", "error", err)
		os.Remove(target)
		return ""
	}
	if _, err := os.Stat(target); err != nil {
		logger.Warn("thumbnail missing after capture", "error", err)
		return ""
	}
	return blob.Join(w.OutputKey(job.ID), ThumbnailName)
}

func (w *Worker) classify(ctx context.Context, stage Stage, kind, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return stageErr(stage, ErrTimeout, fmt.Errorf("job exceeded %s", w.cfg.JobTimeout))
	}
	return stageErr(stage, kind, err)
}
