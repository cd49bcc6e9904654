package transcode

import (
	"errors"
	"fmt"
)

// Error kinds recorded on failed jobs.
var (
	ErrProbe   = errors.New("probe failed")
	ErrEncode  = errors.New("encode failed")
	ErrPublish = errors.New("publish failed")
	ErrTimeout = errors.New("timeout")
)

// Stage is a step of the per-job state machine.
type Stage string

const (
	StageClaimed    Stage = "claimed"
	StageProbing    Stage = "probing"
	StageEncoding   Stage = "encoding"
	StagePublishing Stage = "publishing"
)

// StageError ties a failure to the stage it happened in.
type StageError struct {
	Stage Stage
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func stageErr(stage Stage, kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
