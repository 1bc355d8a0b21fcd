package model

import (
	"encoding/json"
	"time"
)

// Status represents the processing state of a tracked posting.
type Status string

const (
	StatusDiscovered         Status = "discovered"
	StatusMatched            Status = "matched"
	StatusDocumentsGenerated Status = "documents_generated"
	StatusReadyToSend        Status = "ready_to_send"
	StatusSending            Status = "sending"
	StatusCompleted          Status = "completed"
	StatusPending            Status = "pending"
	StatusFailed             Status = "failed"
	StatusRejected           Status = "rejected"
	StatusDuplicate          Status = "duplicate"
)

// Terminal reports whether the status permits no further pipeline progress.
// Duplicate records are absorbing: they never re-enter the stage sequence.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusFailed, StatusDuplicate:
		return true
	}
	return false
}

// Decision is a stage processor's verdict for a posting.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionPending Decision = "pending"
)

// StageResult is the output of one stage processor invocation. It is never
// persisted on its own; the orchestrator folds Output into the record's
// stage_outputs keyed by stage name.
type StageResult struct {
	Decision  Decision        `json:"decision"`
	Output    json.RawMessage `json:"output,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// Error kinds recorded in ErrorInfo.
const (
	ErrorKindStageError   = "stage_error"
	ErrorKindStageTimeout = "stage_timeout"
	ErrorKindAwaitInput   = "awaiting_input"
)

// ErrorInfo describes why a record is pending or failed.
type ErrorInfo struct {
	Stage   string    `json:"stage"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// TrackingRecord is the mutable processing state for one posting. It is
// created at intake and mutated exclusively by the orchestrator (under the
// posting's advisory lock); it is never deleted, only transitioned.
type TrackingRecord struct {
	PostingID       string                     `json:"posting_id"`
	Posting         Posting                    `json:"posting"`
	Status          Status                     `json:"status"`
	GroupID         string                     `json:"group_id,omitempty"`
	CurrentStage    string                     `json:"current_stage,omitempty"`
	CompletedStages []string                   `json:"completed_stages"`
	StageOutputs    map[string]json.RawMessage `json:"stage_outputs,omitempty"`
	ErrorInfo       *ErrorInfo                 `json:"error_info,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// HasCompleted reports whether the named stage is recorded complete.
func (r *TrackingRecord) HasCompleted(stage string) bool {
	for _, s := range r.CompletedStages {
		if s == stage {
			return true
		}
	}
	return false
}

// SetOutput stores a stage's opaque output payload.
func (r *TrackingRecord) SetOutput(stage string, output json.RawMessage) {
	if len(output) == 0 {
		return
	}
	if r.StageOutputs == nil {
		r.StageOutputs = make(map[string]json.RawMessage)
	}
	r.StageOutputs[stage] = output
}
