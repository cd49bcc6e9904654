package jobs

import "time"

// Record is the persisted state of one job.
type Record struct {
	JobID                     string     `json:"jobId"`
	Filename                  string     `json:"filename"`
	Status                    Status     `json:"status"`
	Error                     string     `json:"error,omitempty"`
	Resolutions               []string   `json:"resolutions,omitempty"`
	OriginalDurationSeconds   float64    `json:"originalDurationSeconds,omitempty"`
	ProcessingDurationSeconds float64    `json:"processingDurationSeconds,omitempty"`
	OutputSizeBytes           int64      `json:"outputSizeBytes,omitempty"`
	SourceChecksum            string     `json:"sourceChecksum,omitempty"`
	CreatedAt                 time.Time  `json:"createdAt"`
	UpdatedAt                 time.Time  `json:"updatedAt"`
	CompletedAt               *time.Time `json:"completedAt,omitempty"`
}

func (r Record) clone() Record {
	out := r
	if r.Resolutions != nil {
		out.Resolutions = append([]string(nil), r.Resolutions...)
	}
	if r.CompletedAt != nil {
		completed := *r.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

// Fields carries the values written alongside a transition. Zero values leave
// the stored field untouched.
type Fields struct {
	Error                     string
	Resolutions               []string
	OriginalDurationSeconds   float64
	ProcessingDurationSeconds float64
	OutputSizeBytes           int64
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status        Status
	UpdatedBefore time.Time
	Limit         int
}

func (f Filter) matches(r Record) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}
