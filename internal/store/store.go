package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sitevault-cli/internal/model"
)

// ErrConflict is returned when an optimistic-lock update loses the race
// twice in a row. Callers are expected to retry the whole call.
var ErrConflict = eris.New("store: optimistic lock conflict")

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = eris.New("store: not found")

// GapFilter specifies criteria for listing gaps.
type GapFilter struct {
	RunID        string          `json:"run_id,omitempty"`
	CompetitorID string          `json:"competitor_id,omitempty"`
	Status       model.GapStatus `json:"status,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// AddendumFilter specifies criteria for listing staged addenda.
type AddendumFilter struct {
	RunID      string                 `json:"run_id,omitempty"`
	Validation model.ValidationStatus `json:"validation,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
}

// RunSummary aggregates gap counts for one remediation run.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Total      int       `json:"total"`
	Pending    int       `json:"pending"`
	InProgress int       `json:"in_progress"`
	Resolved   int       `json:"resolved"`
	Failed     int       `json:"failed"`
	Killed     int       `json:"killed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AttemptStats summarizes recent ledger activity for kill-switch trigger
// evaluation.
type AttemptStats struct {
	Attempts     int     `json:"attempts"`
	Failures     int     `json:"failures"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	CallsToday   int     `json:"calls_today"`
}

// Store defines the persistence interface for the remediation pipeline.
//
// The attempt ledger is append-only: there is no update or delete path for
// attempt rows, here or in any implementation. Vault records are likewise
// never deleted; versions accumulate and only the is_latest pointer moves.
type Store interface {
	// Gaps
	CreateGap(ctx context.Context, seed model.GapSeed) (*model.Gap, error)
	SeedGaps(ctx context.Context, seeds []model.GapSeed) (int64, error)
	GetGap(ctx context.Context, gapID string) (*model.Gap, error)
	ListGaps(ctx context.Context, filter GapFilter) ([]model.Gap, error)
	// UpdateGapCAS applies a status/attempt-count write guarded by the
	// attempt count the caller previously read. It returns false, without
	// error, when another writer won the race.
	UpdateGapCAS(ctx context.Context, gapID string, observedCount int, status model.GapStatus, newCount int) (bool, error)
	// KillInProgress transitions every in_progress gap (optionally scoped to
	// one run) to killed and returns the gaps it transitioned.
	KillInProgress(ctx context.Context, runID string) ([]model.Gap, error)
	RunSummaries(ctx context.Context) ([]RunSummary, error)

	// Attempt ledger
	// InsertAttempt appends one ledger row. If a row with the same
	// (gap_id, attempt_number) already exists the insert is a no-op and the
	// existing row is returned with wasDuplicate=true.
	InsertAttempt(ctx context.Context, rec *model.AttemptRecord) (*model.AttemptRecord, bool, error)
	ListAttempts(ctx context.Context, gapID string) ([]model.AttemptRecord, error)
	CollectAttemptStats(ctx context.Context, runID string, lookback time.Duration) (*AttemptStats, error)

	// Staged addenda
	CreateAddendum(ctx context.Context, a *model.VaultAddendum) error
	GetAddendum(ctx context.Context, id string) (*model.VaultAddendum, error)
	ListAddenda(ctx context.Context, filter AddendumFilter) ([]model.VaultAddendum, error)
	MarkAddendumPromoted(ctx context.Context, id, versionHash string) error
	SetAddendumDisqualified(ctx context.Context, id string, disqualified bool) error

	// Vault
	// WriteVaultVersion demotes the previous latest record for the natural
	// key and inserts rec as latest, atomically per key. It returns false
	// when the key's latest version already carries rec's hash.
	WriteVaultVersion(ctx context.Context, rec *model.VaultRecord) (bool, error)
	GetLatestVault(ctx context.Context, naturalKey string) (*model.VaultRecord, error)
	ListVaultVersions(ctx context.Context, naturalKey string) ([]model.VaultRecord, error)

	// Push queue
	EnqueuePush(ctx context.Context, entry *model.QueueEntry) error
	DequeuePending(ctx context.Context, limit int) ([]model.QueueEntry, error)
	MarkQueueDone(ctx context.Context, id string) error
	MarkQueueError(ctx context.Context, id, lastError string) error
	QueueCounts(ctx context.Context) (map[model.QueueStatus]int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
