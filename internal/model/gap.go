package model

import "time"

// GapStatus represents the current state of a remediation gap.
type GapStatus string

const (
	GapStatusPending    GapStatus = "pending"
	GapStatusInProgress GapStatus = "in_progress"
	GapStatusResolved   GapStatus = "resolved"
	GapStatusFailed     GapStatus = "failed"
	GapStatusKilled     GapStatus = "killed"
)

// Terminal reports whether the status is a terminal state. Terminal gaps
// never re-enter pending or in_progress.
func (s GapStatus) Terminal() bool {
	switch s {
	case GapStatusResolved, GapStatusFailed, GapStatusKilled:
		return true
	}
	return false
}

// DefaultMaxAttempts is the per-gap retry budget when none is specified at
// creation time.
const DefaultMaxAttempts = 3

// Gap is a single fact the pipeline could not confidently collect, queued
// for bounded remediation by scrape, call, or human workers.
type Gap struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	CompetitorID string    `json:"competitor_id"`
	FieldKey     string    `json:"field_key"`
	Status       GapStatus `json:"status"`
	AttemptCount int       `json:"attempt_count"`
	MaxAttempts  int       `json:"max_attempts"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// GapSeed is the input shape for bulk gap creation by the upstream collector.
type GapSeed struct {
	RunID        string `json:"run_id" yaml:"run_id"`
	CompetitorID string `json:"competitor_id" yaml:"competitor_id"`
	FieldKey     string `json:"field_key" yaml:"field_key"`
	MaxAttempts  int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}
