package vault

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sitevault-cli/internal/model"
	"github.com/sells-group/sitevault-cli/internal/store"
)

func stageAddendum(t *testing.T, st store.Store, value float64, mutate ...func(*model.VaultAddendum)) *model.VaultAddendum {
	t.Helper()

	g := model.Gap{
		ID:           uuid.New().String(),
		RunID:        "run-1",
		CompetitorID: "comp-1",
		FieldKey:     "rate_10x10",
		AttemptCount: 1,
	}
	p := model.ResolvedPayload{
		Source: model.SourceScrape,
		Observations: []model.Observation{
			{CompetitorID: "comp-1", FieldKey: "rate_10x10", UnitSize: "10x10", Value: value, Unit: "usd_month"},
		},
	}
	a := BuildAddendum(g, p, 0.85, time.Now())
	for _, m := range mutate {
		m(a)
	}
	require.NoError(t, st.CreateAddendum(context.Background(), a))
	return a
}

func TestPromoteHappyPath(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	a := stageAddendum(t, st, 129.0)

	res, err := NewPromoter(st).Promote(ctx, a.ID)
	require.NoError(t, err)

	assert.True(t, res.Written)
	assert.False(t, res.AlreadyPromoted)
	assert.Equal(t, "comp-1/rate_10x10", res.NaturalKey)
	assert.Len(t, res.VersionHash, 64)

	latest, err := st.GetLatestVault(ctx, res.NaturalKey)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, res.VersionHash, latest.VersionHash)
	assert.True(t, latest.IsLatest)

	promoted, err := st.GetAddendum(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ValidationPromoted, promoted.Validation)
	assert.Equal(t, res.VersionHash, promoted.VersionHash)
}

func TestPromoteReplay(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	a := stageAddendum(t, st, 129.0)
	promoter := NewPromoter(st)

	first, err := promoter.Promote(ctx, a.ID)
	require.NoError(t, err)

	second, err := promoter.Promote(ctx, a.ID)
	require.NoError(t, err)

	assert.True(t, second.AlreadyPromoted)
	assert.False(t, second.Written)
	assert.Equal(t, first.VersionHash, second.VersionHash)

	versions, err := st.ListVaultVersions(ctx, first.NaturalKey)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestPromotePreconditions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*model.VaultAddendum)
		reason string
	}{
		{"not validated", func(a *model.VaultAddendum) {
			a.Validation = model.ValidationPending
		}, "validation status"},
		{"rejected", func(a *model.VaultAddendum) {
			a.Validation = model.ValidationRejected
		}, "validation status"},
		{"incomplete", func(a *model.VaultAddendum) {
			a.Complete = false
		}, "incomplete"},
		{"disqualified", func(a *model.VaultAddendum) {
			a.Disqualified = true
		}, "disqualified"},
		// Validation is checked before completeness.
		{"pending and incomplete", func(a *model.VaultAddendum) {
			a.Validation = model.ValidationPending
			a.Complete = false
		}, "validation status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemory()
			a := stageAddendum(t, st, 129.0, tt.mutate)

			res, err := NewPromoter(st).Promote(ctx, a.ID)
			assert.Nil(t, res)
			require.Error(t, err)
			assert.True(t, eris.Is(err, ErrNotPromotable))
			assert.Contains(t, err.Error(), tt.reason)

			// Nothing reaches the vault on a gate rejection.
			latest, err := st.GetLatestVault(ctx, "comp-1/rate_10x10")
			require.NoError(t, err)
			assert.Nil(t, latest)
		})
	}
}

func TestPromoteSameContentTwice(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	promoter := NewPromoter(st)

	a := stageAddendum(t, st, 129.0)
	first, err := promoter.Promote(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, first.Written)

	// A second addendum with identical content hashes to the same version,
	// so nothing new is written.
	b := stageAddendum(t, st, 129.0)
	second, err := promoter.Promote(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, second.Written)
	assert.Equal(t, first.VersionHash, second.VersionHash)

	versions, err := st.ListVaultVersions(ctx, first.NaturalKey)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestPromoteContentRecurrence(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	promoter := NewPromoter(st)

	a := stageAddendum(t, st, 129.0)
	resA, err := promoter.Promote(ctx, a.ID)
	require.NoError(t, err)

	b := stageAddendum(t, st, 139.0)
	resB, err := promoter.Promote(ctx, b.ID)
	require.NoError(t, err)
	assert.NotEqual(t, resA.VersionHash, resB.VersionHash)

	// Rate drops back to the old value. The old version becomes latest again
	// without a duplicate row.
	c := stageAddendum(t, st, 129.0)
	resC, err := promoter.Promote(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, resC.Written)
	assert.Equal(t, resA.VersionHash, resC.VersionHash)

	latest, err := st.GetLatestVault(ctx, resA.NaturalKey)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, resA.VersionHash, latest.VersionHash)

	versions, err := st.ListVaultVersions(ctx, resA.NaturalKey)
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	var latestCount int
	for _, v := range versions {
		if v.IsLatest {
			latestCount++
		}
	}
	assert.Equal(t, 1, latestCount)
}
