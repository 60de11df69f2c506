package model

import "time"

// Outcome is the reported result of a single worker attempt.
type Outcome string

const (
	OutcomeStarted      Outcome = "started"
	OutcomeCompleted    Outcome = "completed"
	OutcomeFailed       Outcome = "failed"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeKilled       Outcome = "killed"
	OutcomeCostExceeded Outcome = "cost_exceeded"
)

// ValidOutcome reports whether o is one of the recognized attempt outcomes.
func ValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeStarted, OutcomeCompleted, OutcomeFailed,
		OutcomeTimeout, OutcomeKilled, OutcomeCostExceeded:
		return true
	}
	return false
}

// TerminalFailure reports whether the outcome counts against the gap's
// retry budget.
func (o Outcome) TerminalFailure() bool {
	switch o {
	case OutcomeFailed, OutcomeTimeout, OutcomeKilled, OutcomeCostExceeded:
		return true
	}
	return false
}

// WorkerKind identifies which class of worker made an attempt.
type WorkerKind string

const (
	WorkerScrape WorkerKind = "scrape"
	WorkerCaller WorkerKind = "caller"
	WorkerHuman  WorkerKind = "human"
	// WorkerSystem marks ledger rows the pipeline itself appends, such as
	// kill-switch audit entries. No worker reports these.
	WorkerSystem WorkerKind = "system"
)

// AttemptRecord is one immutable row of the attempt ledger: worker W made
// attempt N on gap G with outcome O. Rows are inserted once and never
// updated or deleted. (gap_id, attempt_number) is unique; attempt number 0
// is reserved for system-appended rows.
type AttemptRecord struct {
	ID            string         `json:"id"`
	GapID         string         `json:"gap_id"`
	RunID         string         `json:"run_id"`
	WorkerKind    WorkerKind     `json:"worker_kind"`
	AttemptNumber int            `json:"attempt_number"`
	Outcome       Outcome        `json:"outcome"`
	DurationMS    int64          `json:"duration_ms,omitempty"`
	CostUSD       float64        `json:"cost_usd,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	TranscriptRef string         `json:"transcript_ref,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
