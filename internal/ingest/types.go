package ingest

import (
	"context"
	"io"
)

// Submission carries the user supplied description of a video.
type Submission struct {
	// Title overrides the title given when the upload session was opened.
	Title string

	// Description overrides the session description in the same way.
	Description string
}

// SingleFile is a whole video sent in one request.
type SingleFile struct {
	Filename string
	MimeType string
	Body     io.Reader
}

// HealthStatus captures the availability of one dependency of the intake
// path (e.g. redis, postgres, queue).
type HealthStatus struct {
	// Component is the logical name of the dependency.
	Component string `json:"component"`

	// Status is "ok", "error" or "disabled".
	Status string `json:"status"`

	// Detail contains optional human-readable information, such as the
	// error returned by the check.
	Detail string `json:"detail,omitempty"`
}

// Probe checks a single dependency. A nil Check reports the component as
// disabled.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}
