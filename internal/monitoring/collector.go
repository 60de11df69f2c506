// Package monitoring evaluates kill-switch triggers: it watches the attempt
// ledger for budget overruns, failure-rate spikes, and call-cap breaches, and
// executes the emergency halt when a threshold is crossed.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sitevault-cli/internal/store"
)

// Snapshot holds a point-in-time view of recent remediation activity.
type Snapshot struct {
	// Ledger activity within the lookback window.
	Attempts     int     `json:"attempts"`
	Failures     int     `json:"failures"`
	FailureRate  float64 `json:"failure_rate"`
	TotalCostUSD float64 `json:"total_cost_usd"`

	// CallsToday counts AI-caller attempts since midnight UTC, regardless of
	// the lookback window.
	CallsToday int `json:"calls_today"`

	// Metadata.
	RunID         string    `json:"run_id,omitempty"`
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers attempt statistics from the store.
type Collector struct {
	store store.Store
}

func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of ledger activity over the given window,
// optionally scoped to one run.
func (c *Collector) Collect(ctx context.Context, runID string, lookbackHours int) (*Snapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}

	stats, err := c.store.CollectAttemptStats(ctx, runID, time.Duration(lookbackHours)*time.Hour)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: collect attempt stats")
	}

	snap := &Snapshot{
		Attempts:      stats.Attempts,
		Failures:      stats.Failures,
		TotalCostUSD:  stats.TotalCostUSD,
		CallsToday:    stats.CallsToday,
		RunID:         runID,
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}
	if stats.Attempts > 0 {
		snap.FailureRate = float64(stats.Failures) / float64(stats.Attempts)
	}
	return snap, nil
}
