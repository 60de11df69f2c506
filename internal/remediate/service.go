// Package remediate orchestrates the remediation pipeline: ledger-driven gap
// transitions, gated resolution, addendum staging, and the kill switch.
package remediate

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sitevault-cli/internal/gap"
	"github.com/sells-group/sitevault-cli/internal/gate"
	"github.com/sells-group/sitevault-cli/internal/model"
	"github.com/sells-group/sitevault-cli/internal/store"
	"github.com/sells-group/sitevault-cli/internal/vault"
)

// ErrGapClosed is returned when a resolution arrives for a gap that already
// failed or was killed.
var ErrGapClosed = eris.New("remediate: gap is closed")

// Service wires the attempt ledger, state machine, gates, and staging
// together over one Store.
type Service struct {
	store store.Store
	gate  *gate.Gate
	log   *zap.Logger
}

func NewService(st store.Store, g *gate.Gate) *Service {
	if g == nil {
		g = gate.New(0)
	}
	return &Service{
		store: st,
		gate:  g,
		log:   zap.L().With(zap.String("component", "remediate")),
	}
}

// AttemptInput is the external shape of one worker attempt report.
type AttemptInput struct {
	GapID         string           `json:"gap_id"`
	WorkerKind    model.WorkerKind `json:"worker_kind"`
	AttemptNumber int              `json:"attempt_number"`
	Outcome       model.Outcome    `json:"outcome"`
	DurationMS    int64            `json:"duration_ms,omitempty"`
	CostUSD       float64          `json:"cost_usd,omitempty"`
	ErrorCode     string           `json:"error_code,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	TranscriptRef string           `json:"transcript_ref,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

func (in AttemptInput) validate() error {
	if in.GapID == "" {
		return eris.New("remediate: gap_id is required")
	}
	if in.AttemptNumber < 1 {
		return eris.Errorf("remediate: attempt_number must be positive, got %d", in.AttemptNumber)
	}
	if !model.ValidOutcome(in.Outcome) {
		return eris.Errorf("remediate: unknown outcome %q", in.Outcome)
	}
	switch in.WorkerKind {
	case model.WorkerScrape, model.WorkerCaller, model.WorkerHuman:
		return nil
	case model.WorkerSystem:
		// Only the pipeline itself appends system rows.
		return eris.New("remediate: worker kind system is reserved")
	default:
		return eris.Errorf("remediate: unknown worker kind %q", in.WorkerKind)
	}
}

// AttemptResult reports a recorded attempt and the gap state after it. When
// WasDuplicate is true the call was a replay and the gap was not touched.
type AttemptResult struct {
	Attempt      *model.AttemptRecord `json:"attempt"`
	WasDuplicate bool                 `json:"was_duplicate"`
	Gap          *model.Gap           `json:"gap"`
	Exhausted    bool                 `json:"exhausted,omitempty"`
}

// RecordAttempt appends one ledger row and, for a first-time insert, applies
// the resulting state transition under optimistic concurrency control. A
// replay of an already-recorded (gap, attempt number) pair returns the
// existing row and the current gap untouched.
func (s *Service) RecordAttempt(ctx context.Context, in AttemptInput) (*AttemptResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	g, err := s.store.GetGap(ctx, in.GapID)
	if err != nil {
		return nil, eris.Wrapf(err, "record attempt: load gap %s", in.GapID)
	}

	rec := &model.AttemptRecord{
		GapID:         g.ID,
		RunID:         g.RunID,
		WorkerKind:    in.WorkerKind,
		AttemptNumber: in.AttemptNumber,
		Outcome:       in.Outcome,
		DurationMS:    in.DurationMS,
		CostUSD:       in.CostUSD,
		ErrorCode:     in.ErrorCode,
		ErrorMessage:  in.ErrorMessage,
		TranscriptRef: in.TranscriptRef,
		Metadata:      in.Metadata,
	}

	inserted, wasDuplicate, err := s.store.InsertAttempt(ctx, rec)
	if err != nil {
		return nil, eris.Wrap(err, "record attempt: ledger insert")
	}
	if wasDuplicate {
		return &AttemptResult{Attempt: inserted, WasDuplicate: true, Gap: g}, nil
	}

	updated, exhausted, err := s.applyOutcome(ctx, g, in.Outcome)
	if err != nil {
		return nil, err
	}

	s.log.Info("attempt recorded",
		zap.String("gap_id", g.ID),
		zap.String("worker_kind", string(in.WorkerKind)),
		zap.Int("attempt_number", in.AttemptNumber),
		zap.String("outcome", string(in.Outcome)),
		zap.String("gap_status", string(updated.Status)))

	return &AttemptResult{Attempt: inserted, Gap: updated, Exhausted: exhausted}, nil
}

// applyOutcome runs the state machine against the gap the caller read and
// persists the transition with a compare-and-swap on the attempt count. On a
// lost race it re-reads once, recomputes, and retries; a second loss surfaces
// store.ErrConflict.
func (s *Service) applyOutcome(ctx context.Context, g *model.Gap, outcome model.Outcome) (*model.Gap, bool, error) {
	for try := 0; try < 2; try++ {
		tr, err := gap.Advance(*g, outcome)
		if err != nil {
			return nil, false, err
		}
		if !tr.Changed {
			return g, false, nil
		}

		ok, err := s.store.UpdateGapCAS(ctx, g.ID, g.AttemptCount, tr.Status, tr.AttemptCount)
		if err != nil {
			return nil, false, eris.Wrapf(err, "apply outcome: cas gap %s", g.ID)
		}
		if ok {
			g.Status = tr.Status
			g.AttemptCount = tr.AttemptCount
			return g, tr.Exhausted, nil
		}

		g, err = s.store.GetGap(ctx, g.ID)
		if err != nil {
			return nil, false, eris.Wrapf(err, "apply outcome: re-read gap after conflict")
		}
	}
	return nil, false, store.ErrConflict
}

// ResolveResult reports the effect of a resolveGap call. Exactly one of
// Resolved/Rejected/AlreadyResolved describes what happened.
type ResolveResult struct {
	Resolved        bool                 `json:"resolved"`
	AlreadyResolved bool                 `json:"already_resolved,omitempty"`
	Rejected        bool                 `json:"rejected,omitempty"`
	Reasons         []string             `json:"reasons,omitempty"`
	Score           float64              `json:"score,omitempty"`
	Addendum        *model.VaultAddendum `json:"addendum,omitempty"`
	Gap             *model.Gap           `json:"gap,omitempty"`
}

// ResolveOptions carries the optional provenance fields of a resolution.
type ResolveOptions struct {
	TranscriptRef string  `json:"transcript_ref,omitempty"`
	CostUSD       float64 `json:"cost_usd,omitempty"`
}

// ResolveGap validates a worker's resolved payload and, on acceptance,
// records a completed attempt, stages a vault addendum, and enqueues it for
// the permanent-store writer. A gate rejection leaves the gap untouched. A
// gap that already failed or was killed cannot be resolved; a gap already
// resolved replays as a no-op success.
func (s *Service) ResolveGap(ctx context.Context, gapID string, payload model.ResolvedPayload, opts ResolveOptions) (*ResolveResult, error) {
	g, err := s.store.GetGap(ctx, gapID)
	if err != nil {
		return nil, eris.Wrapf(err, "resolve: load gap %s", gapID)
	}

	switch g.Status {
	case model.GapStatusFailed, model.GapStatusKilled:
		return nil, eris.Wrapf(ErrGapClosed, "gap %s is %s", g.ID, g.Status)
	case model.GapStatusResolved:
		return &ResolveResult{AlreadyResolved: true, Gap: g}, nil
	}

	res := s.gate.Validate(payload)
	if !res.Accepted {
		s.log.Info("resolution rejected",
			zap.String("gap_id", g.ID),
			zap.Strings("reasons", res.Reasons))
		return &ResolveResult{Rejected: true, Reasons: res.Reasons, Gap: g}, nil
	}

	attemptNumber, err := s.nextAttemptNumber(ctx, g.ID)
	if err != nil {
		return nil, err
	}

	rec := &model.AttemptRecord{
		GapID:         g.ID,
		RunID:         g.RunID,
		WorkerKind:    workerForSource(payload.Source),
		AttemptNumber: attemptNumber,
		Outcome:       model.OutcomeCompleted,
		CostUSD:       opts.CostUSD,
		TranscriptRef: opts.TranscriptRef,
	}
	if _, _, err := s.store.InsertAttempt(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "resolve: ledger insert")
	}

	updated, _, err := s.applyOutcome(ctx, g, model.OutcomeCompleted)
	if err != nil {
		return nil, err
	}

	addendum := vault.BuildAddendum(*updated, payload, res.Score, time.Now())
	if err := s.store.CreateAddendum(ctx, addendum); err != nil {
		return nil, eris.Wrap(err, "resolve: stage addendum")
	}

	entry := &model.QueueEntry{
		AddendumID: addendum.ID,
		NaturalKey: vault.NaturalKey(addendum.CompetitorID, addendum.FieldKey),
	}
	if err := s.store.EnqueuePush(ctx, entry); err != nil {
		return nil, eris.Wrap(err, "resolve: enqueue push")
	}

	s.log.Info("gap resolved",
		zap.String("gap_id", g.ID),
		zap.String("addendum_id", addendum.ID),
		zap.Float64("score", res.Score),
		zap.String("source", string(payload.Source)))

	return &ResolveResult{
		Resolved: true,
		Score:    res.Score,
		Addendum: addendum,
		Gap:      updated,
	}, nil
}

func (s *Service) nextAttemptNumber(ctx context.Context, gapID string) (int, error) {
	attempts, err := s.store.ListAttempts(ctx, gapID)
	if err != nil {
		return 0, eris.Wrap(err, "resolve: list attempts")
	}
	next := 1
	for _, a := range attempts {
		if a.AttemptNumber >= next {
			next = a.AttemptNumber + 1
		}
	}
	return next, nil
}

func workerForSource(src model.Source) model.WorkerKind {
	switch src {
	case model.SourceScrape:
		return model.WorkerScrape
	case model.SourceCall:
		return model.WorkerCaller
	default:
		return model.WorkerHuman
	}
}

// KillResult reports what the kill switch halted.
type KillResult struct {
	Killed int         `json:"killed"`
	Gaps   []model.Gap `json:"gaps,omitempty"`
}

// KillSwitch transitions every in_progress gap, optionally scoped to one run,
// to killed, and appends one system ledger row per victim for audit. It
// bypasses per-gap optimistic locking: a late worker outcome for a killed gap
// lands as bookkeeping under the terminal-state rule.
func (s *Service) KillSwitch(ctx context.Context, runID, reason, triggeredBy string) (*KillResult, error) {
	if reason == "" {
		return nil, eris.New("remediate: kill reason is required")
	}

	killed, err := s.store.KillInProgress(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "kill switch: transition gaps")
	}

	for _, g := range killed {
		rec := &model.AttemptRecord{
			GapID:      g.ID,
			RunID:      g.RunID,
			WorkerKind: model.WorkerSystem,
			// Attempt number 0 is reserved for system rows and cannot
			// collide with worker attempts.
			AttemptNumber: 0,
			Outcome:       model.OutcomeKilled,
			ErrorCode:     reason,
			Metadata:      map[string]any{"triggered_by": triggeredBy},
		}
		if _, _, err := s.store.InsertAttempt(ctx, rec); err != nil {
			return nil, eris.Wrapf(err, "kill switch: ledger row for gap %s", g.ID)
		}
	}

	s.log.Warn("kill switch executed",
		zap.String("run_id", runID),
		zap.String("reason", reason),
		zap.String("triggered_by", triggeredBy),
		zap.Int("killed", len(killed)))

	return &KillResult{Killed: len(killed), Gaps: killed}, nil
}
