package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vodforge"

// Recorder owns the Prometheus collectors for the HTTP surface, the upload
// protocol and the transcode pipeline. All methods are safe on a nil Recorder.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	chunks          *prometheus.CounterVec
	uploads         *prometheus.CounterVec
	bytesAssembled  prometheus.Counter
	jobsEnqueued    prometheus.Counter
	jobs            *prometheus.CounterVec
	jobDuration     prometheus.Histogram
	activeJobs      prometheus.Gauge
	jobsReclaimed   prometheus.Counter
	statsEvents     *prometheus.CounterVec
}

var defaultRecorder = New()

// Default returns the process-wide recorder.
func Default() *Recorder {
	return defaultRecorder
}

// New builds a Recorder registered against a private registry that also
// exports the Go runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, normalised path and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_chunks_total",
			Help:      "Chunk submissions by result.",
		}, []string{"result"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_sessions_total",
			Help:      "Upload session outcomes.",
		}, []string{"outcome"}),
		bytesAssembled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_assembled_bytes_total",
			Help:      "Bytes written to assembled source files.",
		}),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Transcode jobs handed to the queue.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Transcode jobs by terminal status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall-clock transcode duration.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Jobs currently held by a worker.",
		}),
		jobsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reclaimed_total",
			Help:      "PROCESSING jobs failed by the lease reclaimer.",
		}),
		statsEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_events_total",
			Help:      "Room telemetry events by type.",
		}, []string{"type"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.requestDuration,
		r.chunks,
		r.uploads,
		r.bytesAssembled,
		r.jobsEnqueued,
		r.jobs,
		r.jobDuration,
		r.activeJobs,
		r.jobsReclaimed,
		r.statsEvents,
	)
	return r
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest records one HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	method = strings.ToUpper(method)
	path = normalizePath(path)
	r.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ChunkAccepted counts a stored chunk.
func (r *Recorder) ChunkAccepted() {
	if r == nil {
		return
	}
	r.chunks.WithLabelValues("accepted").Inc()
}

// ChunkRejected counts a refused chunk.
func (r *Recorder) ChunkRejected() {
	if r == nil {
		return
	}
	r.chunks.WithLabelValues("rejected").Inc()
}

// UploadFinalized counts an assembled upload and its size.
func (r *Recorder) UploadFinalized(size int64) {
	if r == nil {
		return
	}
	r.uploads.WithLabelValues("finalized").Inc()
	if size > 0 {
		r.bytesAssembled.Add(float64(size))
	}
}

// UploadDiscarded counts a session dropped after an integrity failure.
func (r *Recorder) UploadDiscarded() {
	if r == nil {
		return
	}
	r.uploads.WithLabelValues("discarded").Inc()
}

// UploadsSwept counts sessions removed by the abandonment sweep.
func (r *Recorder) UploadsSwept(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.uploads.WithLabelValues("swept").Add(float64(n))
}

// JobEnqueued counts a job handed to the queue.
func (r *Recorder) JobEnqueued() {
	if r == nil {
		return
	}
	r.jobsEnqueued.Inc()
}

// JobStarted marks a job as held by a worker.
func (r *Recorder) JobStarted() {
	if r == nil {
		return
	}
	r.activeJobs.Inc()
}

// JobFinished releases a worker slot and records the outcome.
func (r *Recorder) JobFinished(status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.activeJobs.Dec()
	r.jobs.WithLabelValues(strings.ToLower(status)).Inc()
	r.jobDuration.Observe(duration.Seconds())
}

// JobsReclaimed counts jobs failed by the lease reclaimer.
func (r *Recorder) JobsReclaimed(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.jobsReclaimed.Add(float64(n))
}

// StatsEvent counts a room telemetry event.
func (r *Recorder) StatsEvent(kind string) {
	if r == nil {
		return
	}
	r.statsEvents.WithLabelValues(kind).Inc()
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier treats UUIDs, long hex tokens and digit-heavy segments
// as ids. Route words such as "upload-chunk" contain no digits and survive.
func looksLikeIdentifier(segment string) bool {
	digits := 0
	hex := true
	for _, r := range segment {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F') || r == '-':
		default:
			hex = false
		}
	}
	if digits >= 3 {
		return true
	}
	return hex && digits > 0 && len(segment) >= 16
}
