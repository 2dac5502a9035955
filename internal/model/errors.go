package model

import (
	"errors"
	"fmt"
)

// ErrorCode is the inspectable failure cause stored alongside the message.
type ErrorCode string

const (
	CodeStageUnreachable ErrorCode = "STAGE_UNREACHABLE"
	CodeStageFailed      ErrorCode = "STAGE_FAILED"
	CodeStageTimeout     ErrorCode = "STAGE_TIMEOUT"
	CodeArtifactNotFound ErrorCode = "ARTIFACT_NOT_FOUND"
	CodeUploadFailed     ErrorCode = "UPLOAD_FAILED"
	CodeStaleJob         ErrorCode = "STALE_JOB"
	CodeBPMRequired      ErrorCode = "BPM_REQUIRED"
	CodeInputMissing     ErrorCode = "INPUT_MISSING"
	CodeInternal         ErrorCode = "INTERNAL"
)

// JobError is a terminal job failure. Exactly one is recorded per failed job.
type JobError struct {
	Code   ErrorCode
	Stage  StageName
	Kind   ArtifactKind
	Param  string
	Signal int
	Err    error
}

func (e *JobError) Error() string {
	var msg string
	switch e.Code {
	case CodeStageUnreachable:
		msg = fmt.Sprintf("%s stage unreachable", e.Stage)
	case CodeStageFailed:
		msg = fmt.Sprintf("%s stage failed with signal %d", e.Stage, e.Signal)
	case CodeStageTimeout:
		msg = fmt.Sprintf("%s stage timed out", e.Stage)
	case CodeArtifactNotFound:
		msg = fmt.Sprintf("artifact %s not found after %s stage", e.Kind, e.Stage)
	case CodeUploadFailed:
		msg = fmt.Sprintf("upload of artifact %s failed", e.Kind)
	case CodeStaleJob:
		msg = "stale job: orchestrator restarted while the job was running"
	case CodeBPMRequired:
		msg = fmt.Sprintf("parameter %q is required", e.Param)
	case CodeInputMissing:
		msg = "input file is missing"
	default:
		msg = "internal error"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *JobError) Unwrap() error { return e.Err }

// CodeOf extracts the taxonomy code from err, defaulting to CodeInternal.
func CodeOf(err error) ErrorCode {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Code
	}
	return CodeInternal
}

func ErrStageUnreachable(stage StageName, err error) *JobError {
	return &JobError{Code: CodeStageUnreachable, Stage: stage, Err: err}
}

func ErrStageFailed(stage StageName, signal int, err error) *JobError {
	return &JobError{Code: CodeStageFailed, Stage: stage, Signal: signal, Err: err}
}

func ErrStageTimeout(stage StageName, err error) *JobError {
	return &JobError{Code: CodeStageTimeout, Stage: stage, Err: err}
}

func ErrArtifactNotFound(stage StageName, kind ArtifactKind, err error) *JobError {
	return &JobError{Code: CodeArtifactNotFound, Stage: stage, Kind: kind, Err: err}
}

func ErrUploadFailed(kind ArtifactKind, err error) *JobError {
	return &JobError{Code: CodeUploadFailed, Kind: kind, Err: err}
}

func ErrStaleJob(status JobStatus) *JobError {
	return &JobError{Code: CodeStaleJob, Err: fmt.Errorf("found in status %s at startup", status)}
}

func ErrBPMRequired(reason string) *JobError {
	return &JobError{Code: CodeBPMRequired, Param: "bpm", Err: errors.New(reason)}
}

func ErrInputMissing(path string, err error) *JobError {
	return &JobError{Code: CodeInputMissing, Err: fmt.Errorf("%s: %w", path, err)}
}
