package domain

import "time"

// OutcomeStatus represents the terminal state of a task within a run.
type OutcomeStatus string

const (
	// OutcomeExisting means the destination already held a valid artifact
	// and no network I/O was performed.
	OutcomeExisting OutcomeStatus = "existing"
	// OutcomeDownloaded means the artifact was fetched during this run.
	OutcomeDownloaded OutcomeStatus = "downloaded"
	// OutcomeFailed means the attempt budget was exhausted or the failure
	// was permanent for this run. Failed tasks stay eligible for a
	// retry-only run.
	OutcomeFailed OutcomeStatus = "failed"
)

// AttemptStatus classifies the result of one acquisition attempt.
type AttemptStatus string

const (
	AttemptSuccess   AttemptStatus = "success"
	AttemptTransient AttemptStatus = "transient"
	AttemptPermanent AttemptStatus = "permanent"
)

// AttemptResult is the outcome of a single attempt. It is folded into the
// task's TaskOutcome and discarded; only the terminal outcome is persisted.
type AttemptResult struct {
	Status  AttemptStatus
	Bytes   int64
	Elapsed time.Duration
	Err     error
}

// TaskOutcome is the durable per-identifier record kept in the ledger.
type TaskOutcome struct {
	Status      OutcomeStatus `json:"status"`
	SourceURL   string        `json:"source_url"`
	Destination string        `json:"destination"`
	Size        int64         `json:"size"`
	Attempts    int           `json:"attempts"`
	ElapsedMS   int64         `json:"elapsed_ms"`
	CompletedAt time.Time     `json:"completed_at"`
	Error       string        `json:"error,omitempty"`
}
