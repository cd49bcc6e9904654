// Package jobs records the lifecycle of transcode jobs. Status moves forward
// only: PENDING to PROCESSING to one of COMPLETED or FAILED.
package jobs

import (
	"fmt"
	"strings"
)

// Status is the persisted lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// APIStatus is the lowercase name polled by clients.
func (s Status) APIStatus() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "processed"
	case StatusFailed:
		return "error"
	}
	return "unknown"
}

// ParseStatus accepts either the persisted or the polled spelling.
func ParseStatus(value string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pending":
		return StatusPending, nil
	case "processing":
		return StatusProcessing, nil
	case "completed", "processed":
		return StatusCompleted, nil
	case "failed", "error":
		return StatusFailed, nil
	}
	return "", fmt.Errorf("unknown job status %q", value)
}
