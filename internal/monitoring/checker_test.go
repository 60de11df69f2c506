package monitoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/sitevault-cli/internal/config"
	"github.com/sells-group/sitevault-cli/internal/gate"
	"github.com/sells-group/sitevault-cli/internal/model"
	"github.com/sells-group/sitevault-cli/internal/remediate"
	"github.com/sells-group/sitevault-cli/internal/store"
)

func TestCollect(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := remediate.NewService(st, gate.New(0))

	g, err := st.CreateGap(ctx, model.GapSeed{RunID: "run-1", CompetitorID: "comp-1", FieldKey: "rate_10x10"})
	require.NoError(t, err)

	for n := 1; n <= 2; n++ {
		_, err := svc.RecordAttempt(ctx, remediate.AttemptInput{
			GapID: g.ID, WorkerKind: model.WorkerCaller, AttemptNumber: n,
			Outcome: model.OutcomeFailed, CostUSD: 1.25,
		})
		require.NoError(t, err)
	}

	snap, err := NewCollector(st).Collect(ctx, "run-1", 24)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.Attempts)
	assert.Equal(t, 2, snap.Failures)
	assert.InDelta(t, 1.0, snap.FailureRate, 0.001)
	assert.InDelta(t, 2.5, snap.TotalCostUSD, 0.001)
	assert.Equal(t, 2, snap.CallsToday)
	assert.Equal(t, "run-1", snap.RunID)
}

func TestCheckerFiresKillSwitch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := remediate.NewService(st, gate.New(0))

	// One gap mid-flight, with enough failed attempts behind it to trip the
	// failure-rate trigger.
	g, err := st.CreateGap(ctx, model.GapSeed{
		RunID: "run-1", CompetitorID: "comp-1", FieldKey: "rate_10x10", MaxAttempts: 100,
	})
	require.NoError(t, err)
	for n := 1; n <= 10; n++ {
		_, err := svc.RecordAttempt(ctx, remediate.AttemptInput{
			GapID: g.ID, WorkerKind: model.WorkerScrape, AttemptNumber: n, Outcome: model.OutcomeFailed,
		})
		require.NoError(t, err)
	}
	_, err = svc.RecordAttempt(ctx, remediate.AttemptInput{
		GapID: g.ID, WorkerKind: model.WorkerScrape, AttemptNumber: 11, Outcome: model.OutcomeStarted,
	})
	require.NoError(t, err)

	cfg := config.MonitoringConfig{
		LookbackWindowHours: 24,
		FailureRateLimit:    0.5,
		MinAttempts:         5,
	}
	checker := NewChecker(NewCollector(st), NewEvaluator(cfg), svc, cfg)
	checker.Check(ctx, zap.NewNop())

	got, err := st.GetGap(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GapStatusKilled, got.Status)

	// The kill left its audit row with the trigger as reason code.
	attempts, err := st.ListAttempts(ctx, g.ID)
	require.NoError(t, err)
	var audit *model.AttemptRecord
	for i := range attempts {
		if attempts[i].AttemptNumber == 0 {
			audit = &attempts[i]
		}
	}
	require.NotNil(t, audit)
	assert.Equal(t, model.OutcomeKilled, audit.Outcome)
	assert.Equal(t, string(TriggerFailureRate), audit.ErrorCode)
}

func TestCheckerNoTriggersNoKill(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := remediate.NewService(st, gate.New(0))

	g, err := st.CreateGap(ctx, model.GapSeed{RunID: "run-1", CompetitorID: "comp-1", FieldKey: "rate_10x10"})
	require.NoError(t, err)
	_, err = svc.RecordAttempt(ctx, remediate.AttemptInput{
		GapID: g.ID, WorkerKind: model.WorkerScrape, AttemptNumber: 1, Outcome: model.OutcomeStarted,
	})
	require.NoError(t, err)

	cfg := config.MonitoringConfig{LookbackWindowHours: 24, FailureRateLimit: 0.5, MinAttempts: 5}
	checker := NewChecker(NewCollector(st), NewEvaluator(cfg), svc, cfg)
	checker.Check(ctx, zap.NewNop())

	got, err := st.GetGap(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GapStatusInProgress, got.Status)
}
