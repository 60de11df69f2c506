// Package gate validates worker-resolved payloads before they are allowed to
// affect gap state. Validation is pure: it touches neither the ledger nor the
// gap state machine.
package gate

import (
	"fmt"

	"github.com/sells-group/sitevault-cli/internal/model"
)

// DefaultConfidenceFloor is the minimum acceptable confidence score,
// boundary inclusive.
const DefaultConfidenceFloor = 0.5

// levelScores maps discrete confidence levels to numeric scores.
var levelScores = map[model.ConfidenceLevel]float64{
	model.ConfidenceLow:    0.3,
	model.ConfidenceMedium: 0.6,
	model.ConfidenceHigh:   0.85,
}

// Result is the outcome of validating a resolved payload.
type Result struct {
	Accepted bool     `json:"accepted"`
	Score    float64  `json:"score,omitempty"`
	Reasons  []string `json:"reasons,omitempty"`
}

// Gate validates resolved payloads against structural and confidence rules.
type Gate struct {
	floor float64
}

// New creates a Gate with the given confidence floor. A non-positive floor
// falls back to DefaultConfidenceFloor.
func New(floor float64) *Gate {
	if floor <= 0 {
		floor = DefaultConfidenceFloor
	}
	return &Gate{floor: floor}
}

// Validate checks a resolved payload. All structural checks run before the
// confidence check so a rejection names every problem at once.
func (g *Gate) Validate(p model.ResolvedPayload) Result {
	var reasons []string

	if len(p.Observations) == 0 {
		reasons = append(reasons, "no observations")
	}
	hasValue := false
	for i, obs := range p.Observations {
		if obs.CompetitorID == "" {
			reasons = append(reasons, fmt.Sprintf("observation %d: missing competitor_id", i))
		}
		if obs.FieldKey == "" {
			reasons = append(reasons, fmt.Sprintf("observation %d: missing field_key", i))
		}
		if obs.Value != nil {
			hasValue = true
		}
	}
	if len(p.Observations) > 0 && !hasValue {
		reasons = append(reasons, "no observation carries a concrete value")
	}
	if !model.ValidSource(p.Source) {
		reasons = append(reasons, fmt.Sprintf("unrecognized source %q", p.Source))
	}

	score, ok := g.score(p)
	if !ok {
		reasons = append(reasons, "no usable confidence indicator")
	} else if score < g.floor {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f below floor %.2f", score, g.floor))
	}

	if len(reasons) > 0 {
		return Result{Reasons: reasons}
	}
	return Result{Accepted: true, Score: score}
}

// score computes the numeric confidence: an explicit numeric score wins,
// then the discrete level mapping.
func (g *Gate) score(p model.ResolvedPayload) (float64, bool) {
	if p.Confidence != nil {
		return *p.Confidence, true
	}
	if s, ok := levelScores[p.ConfidenceLevel]; ok {
		return s, true
	}
	return 0, false
}
