package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sitevault-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedTestGap(t *testing.T, st *SQLiteStore) *model.Gap {
	t.Helper()
	g, err := st.CreateGap(context.Background(), model.GapSeed{
		RunID:        "run-1",
		CompetitorID: "comp-1",
		FieldKey:     "standard_rate_10x10",
	})
	require.NoError(t, err)
	return g
}

// --- Gaps ---

func TestSQLite_CreateAndGetGap(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	g := seedTestGap(t, st)
	assert.Equal(t, model.GapStatusPending, g.Status)
	assert.Equal(t, 0, g.AttemptCount)
	assert.Equal(t, model.DefaultMaxAttempts, g.MaxAttempts)

	got, err := st.GetGap(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.ID, got.ID)
	assert.Equal(t, "comp-1", got.CompetitorID)
	assert.Equal(t, "standard_rate_10x10", got.FieldKey)
}

func TestSQLite_SeedGapsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seeds := []model.GapSeed{
		{RunID: "run-1", CompetitorID: "comp-1", FieldKey: "standard_rate_10x10"},
		{RunID: "run-1", CompetitorID: "comp-1", FieldKey: "standard_rate_10x20"},
		{RunID: "run-1", CompetitorID: "comp-2", FieldKey: "standard_rate_10x10"},
	}

	n, err := st.SeedGaps(ctx, seeds)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Re-seeding the same sheet inserts nothing.
	n, err = st.SeedGaps(ctx, seeds)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// A partially-new sheet inserts only the new rows.
	seeds = append(seeds, model.GapSeed{RunID: "run-1", CompetitorID: "comp-3", FieldKey: "gate_hours"})
	n, err = st.SeedGaps(ctx, seeds)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gaps, err := st.ListGaps(ctx, GapFilter{RunID: "run-1"})
	require.NoError(t, err)
	assert.Len(t, gaps, 4)
}

func TestSQLite_ListGapsFilters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	g := seedTestGap(t, st)
	_, err := st.CreateGap(ctx, model.GapSeed{RunID: "run-2", CompetitorID: "comp-9", FieldKey: "gate_hours"})
	require.NoError(t, err)

	ok, err := st.UpdateGapCAS(ctx, g.ID, 0, model.GapStatusInProgress, 1)
	require.NoError(t, err)
	require.True(t, ok)

	byRun, err := st.ListGaps(ctx, GapFilter{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	assert.Equal(t, g.ID, byRun[0].ID)

	byStatus, err := st.ListGaps(ctx, GapFilter{Status: model.GapStatusInProgress})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, g.ID, byStatus[0].ID)

	none, err := st.ListGaps(ctx, GapFilter{RunID: "run-1", Status: model.GapStatusFailed})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_UpdateGapCAS(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	g := seedTestGap(t, st)

	ok, err := st.UpdateGapCAS(ctx, g.ID, 0, model.GapStatusInProgress, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	// The observed counter is now stale; the write must not apply.
	ok, err = st.UpdateGapCAS(ctx, g.ID, 0, model.GapStatusResolved, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetGap(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GapStatusInProgress, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestSQLite_RunSummaries(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	g := seedTestGap(t, st)
	_, err := st.CreateGap(ctx, model.GapSeed{RunID: "run-1", CompetitorID: "comp-2", FieldKey: "gate_hours"})
	require.NoError(t, err)
	_, err = st.CreateGap(ctx, model.GapSeed{RunID: "run-2", CompetitorID: "comp-3", FieldKey: "gate_hours"})
	require.NoError(t, err)

	ok, err := st.UpdateGapCAS(ctx, g.ID, 0, model.GapStatusInProgress, 1)
	require.NoError(t, err)
	require.True(t, ok)

	summaries, err := st.RunSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byRun := map[string]RunSummary{}
	for _, rs := range summaries {
		byRun[rs.RunID] = rs
	}
	assert.Equal(t, 2, byRun["run-1"].Total)
	assert.Equal(t, 1, byRun["run-1"].Pending)
	assert.Equal(t, 1, byRun["run-1"].InProgress)
	assert.Equal(t, 1, byRun["run-2"].Total)
	assert.Equal(t, 1, byRun["run-2"].Pending)
}

func TestSQLite_KillInProgress(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var inProgress []string
	for i := 0; i < 3; i++ {
		g, err := st.CreateGap(ctx, model.GapSeed{RunID: "run-1", CompetitorID: "comp-" + uuid.New().String(), FieldKey: "standard_rate_10x10"})
		require.NoError(t, err)
		ok, err := st.UpdateGapCAS(ctx, g.ID, 0, model.GapStatusInProgress, 1)
		require.NoError(t, err)
		require.True(t, ok)
		inProgress = append(inProgress, g.ID)
	}
	pending := seedTestGap(t, st)

	killed, err := st.KillInProgress(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, killed, 3)
	for _, g := range killed {
		assert.Equal(t, model.GapStatusKilled, g.Status)
		assert.Contains(t, inProgress, g.ID)
	}

	got, err := st.GetGap(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GapStatusPending, got.Status)

	// Nothing left in progress, so a second sweep is empty.
	killed, err = st.KillInProgress(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, killed)
}

// --- Attempt ledger ---

func TestSQLite_InsertAttemptIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	g := seedTestGap(t, st)

	first := &model.AttemptRecord{
		GapID:         g.ID,
		RunID:         g.RunID,
		WorkerKind:    model.WorkerCaller,
		AttemptNumber: 1,
		Outcome:       model.OutcomeFailed,
		DurationMS:    84000,
		CostUSD:       0.27,
		ErrorCode:     "no_answer",
		Metadata:      map[string]any{"phone": "+15555550100"},
	}
	stored, dup, err := st.InsertAttempt(ctx, first)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.NotEmpty(t, stored.ID)

	// Redelivery of the same (gap, attempt) pair returns the stored row and
	// ignores the replayed payload entirely.
	replay := &model.AttemptRecord{
		GapID:         g.ID,
		RunID:         g.RunID,
		WorkerKind:    model.WorkerScrape,
		AttemptNumber: 1,
		Outcome:       model.OutcomeCompleted,
	}
	existing, dup, err := st.InsertAttempt(ctx, replay)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, stored.ID, existing.ID)
	assert.Equal(t, model.WorkerCaller, existing.WorkerKind)
	assert.Equal(t, model.OutcomeFailed, existing.Outcome)
	assert.Equal(t, "no_answer", existing.ErrorCode)
	assert.Equal(t, "+15555550100", existing.Metadata["phone"])

	attempts, err := st.ListAttempts(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestSQLite_ListAttemptsOrdered(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	g := seedTestGap(t, st)

	for _, n := range []int{2, 1, 3} {
		_, _, err := st.InsertAttempt(ctx, &model.AttemptRecord{
			GapID: g.ID, RunID: g.RunID, WorkerKind: model.WorkerScrape,
			AttemptNumber: n, Outcome: model.OutcomeFailed,
		})
		require.NoError(t, err)
	}

	attempts, err := st.ListAttempts(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, rec := range attempts {
		assert.Equal(t, i+1, rec.AttemptNumber)
	}
}

func TestSQLite_CollectAttemptStats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	g := seedTestGap(t, st)

	records := []struct {
		n       int
		worker  model.WorkerKind
		outcome model.Outcome
		cost    float64
	}{
		{1, model.WorkerScrape, model.OutcomeFailed, 0.05},
		{2, model.WorkerCaller, model.OutcomeTimeout, 0.40},
		{3, model.WorkerCaller, model.OutcomeCompleted, 0.35},
	}
	for _, r := range records {
		_, _, err := st.InsertAttempt(ctx, &model.AttemptRecord{
			GapID: g.ID, RunID: g.RunID, WorkerKind: r.worker,
			AttemptNumber: r.n, Outcome: r.outcome, CostUSD: r.cost,
		})
		require.NoError(t, err)
	}

	stats, err := st.CollectAttemptStats(ctx, g.RunID, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Attempts)
	assert.Equal(t, 2, stats.Failures)
	assert.InDelta(t, 0.80, stats.TotalCostUSD, 1e-9)
	assert.Equal(t, 2, stats.CallsToday)

	// A different run sees nothing.
	stats, err = st.CollectAttemptStats(ctx, "other-run", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Attempts)
}

// --- Staged addenda ---

func newTestAddendum(g *model.Gap) *model.VaultAddendum {
	return &model.VaultAddendum{
		ID:           uuid.New().String(),
		GapID:        g.ID,
		RunID:        g.RunID,
		CompetitorID: g.CompetitorID,
		FieldKey:     g.FieldKey,
		AttemptCount: 1,
		Source:       model.SourceScrape,
		Confidence:   0.92,
		Observations: []model.Observation{
			{CompetitorID: g.CompetitorID, FieldKey: g.FieldKey, Value: 129.0, Unit: "usd_month"},
		},
		Validation: model.ValidationValidated,
		Complete:   true,
		BuiltAt:    time.Now().UTC(),
	}
}

func TestSQLite_AddendumRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	g := seedTestGap(t, st)

	a := newTestAddendum(g)
	require.NoError(t, st.CreateAddendum(ctx, a))

	got, err := st.GetAddendum(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.GapID, got.GapID)
	assert.Equal(t, model.ValidationValidated, got.Validation)
	assert.True(t, got.Complete)
	assert.False(t, got.Disqualified)
	require.Len(t, got.Observations, 1)
	assert.Equal(t, "standard_rate_10x10", got.Observations[0].FieldKey)

	require.NoError(t, st.MarkAddendumPromoted(ctx, a.ID, "hash-1"))
	got, err = st.GetAddendum(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ValidationPromoted, got.Validation)
	assert.Equal(t, "hash-1", got.VersionHash)

	require.NoError(t, st.SetAddendumDisqualified(ctx, a.ID, true))
	got, err = st.GetAddendum(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Disqualified)
}

func TestSQLite_MarkAddendumPromotedNotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.MarkAddendumPromoted(context.Background(), "missing", "hash-1")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

// --- Vault ---

func newTestVaultRecord(hash string) *model.VaultRecord {
	return &model.VaultRecord{
		NaturalKey:  "comp-1/standard_rate_10x10",
		VersionHash: hash,
		Payload:     []byte(`{"value":129}`),
		Source:      model.SourceScrape,
		Confidence:  0.92,
		CollectedAt: time.Now().UTC(),
	}
}

func TestSQLite_WriteVaultVersionSingleLatest(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	written, err := st.WriteVaultVersion(ctx, newTestVaultRecord("hash-a"))
	require.NoError(t, err)
	assert.True(t, written)

	written, err = st.WriteVaultVersion(ctx, newTestVaultRecord("hash-b"))
	require.NoError(t, err)
	assert.True(t, written)

	latest, err := st.GetLatestVault(ctx, "comp-1/standard_rate_10x10")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "hash-b", latest.VersionHash)
	assert.True(t, latest.IsLatest)

	versions, err := st.ListVaultVersions(ctx, "comp-1/standard_rate_10x10")
	require.NoError(t, err)
	require.Len(t, versions, 2)

	latestCount := 0
	for _, v := range versions {
		if v.IsLatest {
			latestCount++
		}
	}
	assert.Equal(t, 1, latestCount)
}

func TestSQLite_WriteVaultVersionSameHashNoOp(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	written, err := st.WriteVaultVersion(ctx, newTestVaultRecord("hash-a"))
	require.NoError(t, err)
	assert.True(t, written)

	written, err = st.WriteVaultVersion(ctx, newTestVaultRecord("hash-a"))
	require.NoError(t, err)
	assert.False(t, written)

	versions, err := st.ListVaultVersions(ctx, "comp-1/standard_rate_10x10")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestSQLite_WriteVaultVersionRepromotesPriorContent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	// A -> B -> A: recurring content reuses the existing version row.
	for _, hash := range []string{"hash-a", "hash-b", "hash-a"} {
		written, err := st.WriteVaultVersion(ctx, newTestVaultRecord(hash))
		require.NoError(t, err)
		assert.True(t, written)
	}

	latest, err := st.GetLatestVault(ctx, "comp-1/standard_rate_10x10")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "hash-a", latest.VersionHash)

	versions, err := st.ListVaultVersions(ctx, "comp-1/standard_rate_10x10")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestSQLite_GetLatestVaultMissing(t *testing.T) {
	st := newTestSQLiteStore(t)

	rec, err := st.GetLatestVault(context.Background(), "nobody/nothing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// --- Push queue ---

func TestSQLite_QueueLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	g := seedTestGap(t, st)

	a := newTestAddendum(g)
	require.NoError(t, st.CreateAddendum(ctx, a))

	entry := &model.QueueEntry{AddendumID: a.ID, NaturalKey: "comp-1/standard_rate_10x10"}
	require.NoError(t, st.EnqueuePush(ctx, entry))

	// Enqueueing the same addendum again is a no-op.
	require.NoError(t, st.EnqueuePush(ctx, &model.QueueEntry{AddendumID: a.ID, NaturalKey: "comp-1/standard_rate_10x10"}))

	pending, err := st.DequeuePending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].AddendumID)
	assert.Equal(t, model.QueuePending, pending[0].Status)

	require.NoError(t, st.MarkQueueError(ctx, pending[0].ID, "vault unavailable"))
	counts, err := st.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.QueueError])

	require.NoError(t, st.MarkQueueDone(ctx, pending[0].ID))
	counts, err = st.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.QueueDone])
	assert.Equal(t, 0, counts[model.QueuePending])

	pending, err = st.DequeuePending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
