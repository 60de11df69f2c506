package model

import "time"

// ValidationStatus is the explicit validation marker on a staged record.
// Promotion never infers validity from the absence of errors; only the
// exact "validated" marker passes the gate.
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "pending"
	ValidationValidated ValidationStatus = "validated"
	ValidationRejected  ValidationStatus = "rejected"
	ValidationPromoted  ValidationStatus = "promoted"
)

// VaultAddendum is the permanent-store-ready transformation of an accepted
// resolved payload. Its content is immutable once built and carries full
// lineage back to the originating gap, run, and attempt count; only the
// validation marker and the promotion hash change after staging.
type VaultAddendum struct {
	ID           string           `json:"id"`
	GapID        string           `json:"gap_id"`
	RunID        string           `json:"run_id"`
	CompetitorID string           `json:"competitor_id"`
	FieldKey     string           `json:"field_key"`
	AttemptCount int              `json:"attempt_count"`
	Source       Source           `json:"source"`
	Confidence   float64          `json:"confidence"`
	Observations []Observation    `json:"observations"`
	Validation   ValidationStatus `json:"validation_status"`
	Complete     bool             `json:"complete"`
	Disqualified bool             `json:"disqualified"`
	// VersionHash is set once, at promotion time, so a replayed promote call
	// can answer without re-deriving the hash.
	VersionHash string    `json:"version_hash,omitempty"`
	BuiltAt     time.Time `json:"built_at"`
}

// VaultRecord is one immutable version of a fact in the vault. For a given
// natural key exactly one record has IsLatest=true; older versions are
// retained forever.
type VaultRecord struct {
	ID          string    `json:"id"`
	NaturalKey  string    `json:"natural_key"`
	VersionHash string    `json:"version_hash"`
	Payload     []byte    `json:"payload"`
	Source      Source    `json:"source"`
	Confidence  float64   `json:"confidence"`
	IsLatest    bool      `json:"is_latest"`
	CollectedAt time.Time `json:"collected_at"`
	PromotedAt  time.Time `json:"promoted_at"`
}

// QueueStatus is the lifecycle state of a push-queue entry.
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueDone    QueueStatus = "done"
	QueueError   QueueStatus = "error"
)

// QueueEntry is a pending or completed request to materialize a staged
// addendum into a vault record. It decouples the promotion decision from the
// act of writing permanent storage; consumers must treat every entry as
// at-least-once.
type QueueEntry struct {
	ID          string      `json:"id"`
	AddendumID  string      `json:"addendum_id"`
	NaturalKey  string      `json:"natural_key"`
	VersionHash string      `json:"version_hash,omitempty"`
	Status      QueueStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"last_error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
