package vault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/sitevault-cli/internal/model"
)

func TestBuildAddendum(t *testing.T) {
	g := model.Gap{
		ID:           "gap-1",
		RunID:        "run-1",
		CompetitorID: "comp-1",
		FieldKey:     "rate_10x10",
		AttemptCount: 2,
	}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	p := model.ResolvedPayload{
		Source: model.SourceCall,
		Observations: []model.Observation{
			{CompetitorID: "comp-1", FieldKey: "rate_10x10", UnitSize: "10x10", Value: 129.0, Unit: "usd_month"},
			{CompetitorID: "comp-1", FieldKey: "rate_5x5", UnitSize: "5x5", Value: 59.0, Unit: "usd_month"},
		},
	}

	a := BuildAddendum(g, p, 0.85, now)

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "gap-1", a.GapID)
	assert.Equal(t, "run-1", a.RunID)
	assert.Equal(t, "comp-1", a.CompetitorID)
	assert.Equal(t, "rate_10x10", a.FieldKey)
	assert.Equal(t, 2, a.AttemptCount)
	assert.Equal(t, model.SourceCall, a.Source)
	assert.Equal(t, 0.85, a.Confidence)
	assert.Equal(t, model.ValidationValidated, a.Validation)
	assert.True(t, a.Complete)
	assert.False(t, a.Disqualified)
	assert.Equal(t, now, a.BuiltAt)
}

func TestBuildAddendumIncomplete(t *testing.T) {
	g := model.Gap{ID: "gap-1", CompetitorID: "comp-1", FieldKey: "rate_10x10"}

	tests := []struct {
		name string
		obs  []model.Observation
	}{
		{"no observations", nil},
		{"other field only", []model.Observation{
			{CompetitorID: "comp-1", FieldKey: "rate_5x5", Value: 59.0},
		}},
		{"matching field without value", []model.Observation{
			{CompetitorID: "comp-1", FieldKey: "rate_10x10", Value: nil, Note: "would not quote over phone"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := BuildAddendum(g, model.ResolvedPayload{Source: model.SourceHuman, Observations: tt.obs}, 0.7, time.Now())
			assert.False(t, a.Complete)
		})
	}
}
