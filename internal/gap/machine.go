// Package gap implements the remediation gap state machine. Transitions are
// driven exclusively by attempt ledger inserts; the pure Advance function
// computes the next gap state and the store applies it under optimistic
// concurrency control.
package gap

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/sitevault-cli/internal/model"
)

// Transition is the computed effect of applying one attempt outcome.
type Transition struct {
	Status       model.GapStatus
	AttemptCount int
	// Changed is false when the outcome has no effect on the stored gap
	// (already-terminal gap, or a started outcome on a non-pending gap).
	Changed bool
	// Exhausted is true when this transition consumed the last attempt.
	Exhausted bool
}

// Advance computes the next state for a gap given an attempt outcome. It is
// a pure function; callers persist the result with a compare-and-swap on the
// attempt count they read.
//
//   - started: pending moves to in_progress, every other state is untouched
//   - completed: moves to resolved from any non-terminal state
//   - terminal-failure class (failed/timeout/killed/cost_exceeded):
//     increments the attempt count, then fails the gap when the budget is
//     spent or returns it to pending otherwise
//
// Terminal gaps never change: a late outcome for a resolved, failed, or
// killed gap is bookkeeping only.
func Advance(g model.Gap, outcome model.Outcome) (Transition, error) {
	if !model.ValidOutcome(outcome) {
		return Transition{}, eris.Errorf("gap: unknown outcome %q", outcome)
	}

	t := Transition{Status: g.Status, AttemptCount: g.AttemptCount}

	if g.Status.Terminal() {
		return t, nil
	}

	switch outcome {
	case model.OutcomeStarted:
		if g.Status == model.GapStatusPending {
			t.Status = model.GapStatusInProgress
			t.Changed = true
		}

	case model.OutcomeCompleted:
		t.Status = model.GapStatusResolved
		t.Changed = true

	default: // terminal-failure class
		t.AttemptCount = g.AttemptCount + 1
		maxAttempts := g.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = model.DefaultMaxAttempts
		}
		if t.AttemptCount >= maxAttempts {
			t.Status = model.GapStatusFailed
			t.Exhausted = true
		} else {
			t.Status = model.GapStatusPending
		}
		t.Changed = true
	}

	return t, nil
}
