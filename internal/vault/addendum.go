// Package vault builds permanent-store-ready addenda from accepted
// resolutions and promotes staged records into the versioned append-only
// vault.
package vault

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/sitevault-cli/internal/model"
)

// BuildAddendum transforms a gate-accepted payload plus its gap lineage into
// a staged vault addendum. The addendum is born validated and complete when
// at least one observation carries a value for the gap's own field; facts
// for other fields ride along but do not satisfy the gap.
func BuildAddendum(g model.Gap, p model.ResolvedPayload, score float64, now time.Time) *model.VaultAddendum {
	complete := false
	for _, obs := range p.Observations {
		if obs.FieldKey == g.FieldKey && obs.Value != nil {
			complete = true
			break
		}
	}

	return &model.VaultAddendum{
		ID:           uuid.New().String(),
		GapID:        g.ID,
		RunID:        g.RunID,
		CompetitorID: g.CompetitorID,
		FieldKey:     g.FieldKey,
		AttemptCount: g.AttemptCount,
		Source:       p.Source,
		Confidence:   score,
		Observations: p.Observations,
		Validation:   model.ValidationValidated,
		Complete:     complete,
		Disqualified: false,
		BuiltAt:      now.UTC(),
	}
}
