package model

import (
	"time"

	"github.com/google/uuid"
)

// LoadMode selects between full reloads and deltas since the last success.
type LoadMode string

const (
	LoadModeFull        LoadMode = "FULL"
	LoadModeIncremental LoadMode = "INCREMENTAL"
)

// LoadStatus is the outcome of a load execution.
type LoadStatus string

const (
	LoadStatusRunning         LoadStatus = "RUNNING"
	LoadStatusSucceeded       LoadStatus = "SUCCEEDED"
	LoadStatusPendingApproval LoadStatus = "PENDING_APPROVAL"
	LoadStatusFailed          LoadStatus = "FAILED"
)

// PipelineState is a step of the loader state machine.
type PipelineState string

const (
	StateExtract              PipelineState = "EXTRACT"
	StateValidate             PipelineState = "VALIDATE"
	StateTransformToStaging   PipelineState = "TRANSFORM_TO_STAGING"
	StateLoadStaging          PipelineState = "LOAD_STAGING"
	StateDiff                 PipelineState = "DIFF"
	StateAutoApply            PipelineState = "AUTO_APPLY"
	StateProposeChangeRequest PipelineState = "PROPOSE_CHANGE_REQUEST"
	StatePublishEvents        PipelineState = "PUBLISH_EVENTS"
	StateDone                 PipelineState = "DONE"
	StateFailed               PipelineState = "FAILED"
)

// LoaderResult summarizes one load execution. It is persisted whether the
// execution succeeded or not. RecordsHeld counts current lineages missing from
// staging only because their source rows were skipped or failed; those are
// left open instead of being closed.
type LoaderResult struct {
	ExecutionID      uuid.UUID     `json:"execution_id"`
	Dataset          string        `json:"dataset"`
	Mode             LoadMode      `json:"mode"`
	Status           LoadStatus    `json:"status"`
	State            PipelineState `json:"state"`
	FailedState      PipelineState `json:"failed_state,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at"`
	Duration         time.Duration `json:"duration"`
	Since            *time.Time    `json:"since,omitempty"`
	RecordsRead      int           `json:"records_read"`
	RecordsStaged    int           `json:"records_staged"`
	RecordsAdded     int           `json:"records_added"`
	RecordsUpdated   int           `json:"records_updated"`
	RecordsDeleted   int           `json:"records_deleted"`
	RecordsUnchanged int           `json:"records_unchanged"`
	RecordsSkipped   int           `json:"records_skipped"`
	RecordsFailed    int           `json:"records_failed"`
	RecordsHeld      int           `json:"records_held"`
	EventsWritten    int           `json:"events_written"`
	ValidationErrors []FieldError  `json:"validation_errors,omitempty"`
	ChangeRequestID  *string       `json:"change_request_id,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
}

// Succeeded reports whether the execution reached DONE.
func (r *LoaderResult) Succeeded() bool {
	return r.Status == LoadStatusSucceeded || r.Status == LoadStatusPendingApproval
}

// SuccessRate is the share of read records that were neither skipped by
// validation nor failed during apply. An empty read counts as fully successful
// unless the execution failed.
func (r *LoaderResult) SuccessRate() float64 {
	if r.RecordsRead == 0 {
		if r.Status == LoadStatusFailed {
			return 0
		}

		return 1
	}

	ok := r.RecordsRead - r.RecordsSkipped - r.RecordsFailed
	if ok < 0 {
		ok = 0
	}

	return float64(ok) / float64(r.RecordsRead)
}

// Changes is the number of lineages the execution changed or proposed to change.
func (r *LoaderResult) Changes() int {
	return r.RecordsAdded + r.RecordsUpdated + r.RecordsDeleted
}
