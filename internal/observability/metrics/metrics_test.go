package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "", want: "/"},
		{in: "/", want: "/"},
		{in: "/api/upload-chunk", want: "/api/upload-chunk"},
		{in: "/api/video-status/6f1c2a9e-0b7d-4c1e-9a51-3f2d8c7b1e40", want: "/api/video-status/:id"},
		{in: "/api/resume-upload/upload-123/", want: "/api/resume-upload/:id"},
		{in: "api/rooms/lobby/stats", want: "/api/rooms/lobby/stats"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.in); got != tc.want {
			t.Fatalf("normalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestObserveRequestCountsByLabels(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/api/video-status/abc-12345", http.StatusOK, 20*time.Millisecond)
	recorder.ObserveRequest("GET", "/api/video-status/def-67890", http.StatusOK, 30*time.Millisecond)

	got := testutil.ToFloat64(recorder.requests.WithLabelValues("GET", "/api/video-status/:id", "200"))
	if got != 2 {
		t.Fatalf("requests = %v, want 2", got)
	}
}

func TestJobLifecycleGauges(t *testing.T) {
	recorder := New()
	recorder.JobEnqueued()
	recorder.JobStarted()
	if got := testutil.ToFloat64(recorder.activeJobs); got != 1 {
		t.Fatalf("active jobs = %v, want 1", got)
	}
	recorder.JobFinished("COMPLETED", 12*time.Second)
	if got := testutil.ToFloat64(recorder.activeJobs); got != 0 {
		t.Fatalf("active jobs = %v, want 0", got)
	}
	if got := testutil.ToFloat64(recorder.jobs.WithLabelValues("completed")); got != 1 {
		t.Fatalf("completed jobs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(recorder.jobsEnqueued); got != 1 {
		t.Fatalf("enqueued = %v, want 1", got)
	}
}

func TestUploadCounters(t *testing.T) {
	recorder := New()
	recorder.ChunkAccepted()
	recorder.ChunkAccepted()
	recorder.ChunkRejected()
	recorder.UploadFinalized(1024)
	recorder.UploadsSwept(3)
	recorder.UploadsSwept(0)

	if got := testutil.ToFloat64(recorder.chunks.WithLabelValues("accepted")); got != 2 {
		t.Fatalf("accepted chunks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(recorder.uploads.WithLabelValues("swept")); got != 3 {
		t.Fatalf("swept = %v, want 3", got)
	}
	if got := testutil.ToFloat64(recorder.bytesAssembled); got != 1024 {
		t.Fatalf("assembled bytes = %v, want 1024", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var recorder *Recorder
	recorder.ObserveRequest("GET", "/", 200, time.Millisecond)
	recorder.ChunkAccepted()
	recorder.JobStarted()
	recorder.JobFinished("failed", time.Second)
	recorder.JobsReclaimed(2)
	recorder.StatsEvent("join")
	if recorder.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	recorder := New()
	recorder.JobsReclaimed(1)

	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Result().Body)

	if !strings.Contains(string(body), "vodforge_jobs_reclaimed_total 1") {
		t.Fatalf("metrics output missing reclaimed counter: %s", body)
	}
}
