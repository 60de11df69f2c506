package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sitevault-cli/internal/model"
)

// MemoryStore is an in-memory Store used by tests and dry runs. It honors the
// same uniqueness and optimistic-lock semantics as the SQL drivers.
type MemoryStore struct {
	mu          sync.Mutex
	gaps        map[string]*model.Gap
	gapKeys     map[string]string // run_id|competitor_id|field_key -> gap id
	attempts    map[string]*model.AttemptRecord
	attemptKeys map[string]string // gap_id|attempt_number -> attempt id
	addenda     map[string]*model.VaultAddendum
	vault       []*model.VaultRecord
	queue       map[string]*model.QueueEntry
	queueByAdd  map[string]string // addendum_id -> queue entry id
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		gaps:        make(map[string]*model.Gap),
		gapKeys:     make(map[string]string),
		attempts:    make(map[string]*model.AttemptRecord),
		attemptKeys: make(map[string]string),
		addenda:     make(map[string]*model.VaultAddendum),
		queue:       make(map[string]*model.QueueEntry),
		queueByAdd:  make(map[string]string),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

func gapSeedKey(runID, competitorID, fieldKey string) string {
	return runID + "|" + competitorID + "|" + fieldKey
}

func attemptKey(gapID string, attemptNumber int) string {
	return gapID + "|" + strconv.Itoa(attemptNumber)
}

// -- Gaps --

func (s *MemoryStore) CreateGap(ctx context.Context, seed model.GapSeed) (*model.Gap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := gapSeedKey(seed.RunID, seed.CompetitorID, seed.FieldKey)
	if _, ok := s.gapKeys[key]; ok {
		return nil, eris.Errorf("gap already exists for %s", key)
	}

	maxAttempts := seed.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}

	now := time.Now().UTC()
	g := &model.Gap{
		ID:           uuid.New().String(),
		RunID:        seed.RunID,
		CompetitorID: seed.CompetitorID,
		FieldKey:     seed.FieldKey,
		Status:       model.GapStatusPending,
		MaxAttempts:  maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.gaps[g.ID] = g
	s.gapKeys[key] = g.ID

	cp := *g
	return &cp, nil
}

func (s *MemoryStore) SeedGaps(ctx context.Context, seeds []model.GapSeed) (int64, error) {
	var inserted int64
	for _, seed := range seeds {
		s.mu.Lock()
		_, exists := s.gapKeys[gapSeedKey(seed.RunID, seed.CompetitorID, seed.FieldKey)]
		s.mu.Unlock()
		if exists {
			continue
		}
		if _, err := s.CreateGap(ctx, seed); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) GetGap(ctx context.Context, gapID string) (*model.Gap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gaps[gapID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "gap %s", gapID)
	}
	cp := *g
	return &cp, nil
}

func (s *MemoryStore) ListGaps(ctx context.Context, filter GapFilter) ([]model.Gap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var gaps []model.Gap
	for _, g := range s.gaps {
		if filter.RunID != "" && g.RunID != filter.RunID {
			continue
		}
		if filter.CompetitorID != "" && g.CompetitorID != filter.CompetitorID {
			continue
		}
		if filter.Status != "" && g.Status != filter.Status {
			continue
		}
		gaps = append(gaps, *g)
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i].CreatedAt.After(gaps[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(gaps) {
			return nil, nil
		}
		gaps = gaps[filter.Offset:]
	}
	if filter.Limit > 0 && len(gaps) > filter.Limit {
		gaps = gaps[:filter.Limit]
	}
	return gaps, nil
}

func (s *MemoryStore) UpdateGapCAS(ctx context.Context, gapID string, observedCount int, status model.GapStatus, newCount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gaps[gapID]
	if !ok {
		return false, eris.Wrapf(ErrNotFound, "gap %s", gapID)
	}
	if g.AttemptCount != observedCount {
		return false, nil
	}
	g.Status = status
	g.AttemptCount = newCount
	g.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) KillInProgress(ctx context.Context, runID string) ([]model.Gap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var killed []model.Gap
	for _, g := range s.gaps {
		if g.Status != model.GapStatusInProgress {
			continue
		}
		if runID != "" && g.RunID != runID {
			continue
		}
		g.Status = model.GapStatusKilled
		g.UpdatedAt = now
		killed = append(killed, *g)
	}
	sort.Slice(killed, func(i, j int) bool { return killed[i].ID < killed[j].ID })
	return killed, nil
}

func (s *MemoryStore) RunSummaries(ctx context.Context) ([]RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byRun := make(map[string]*RunSummary)
	for _, g := range s.gaps {
		rs, ok := byRun[g.RunID]
		if !ok {
			rs = &RunSummary{RunID: g.RunID}
			byRun[g.RunID] = rs
		}
		rs.Total++
		switch g.Status {
		case model.GapStatusPending:
			rs.Pending++
		case model.GapStatusInProgress:
			rs.InProgress++
		case model.GapStatusResolved:
			rs.Resolved++
		case model.GapStatusFailed:
			rs.Failed++
		case model.GapStatusKilled:
			rs.Killed++
		}
		if g.UpdatedAt.After(rs.UpdatedAt) {
			rs.UpdatedAt = g.UpdatedAt
		}
	}

	out := make([]RunSummary, 0, len(byRun))
	for _, rs := range byRun {
		out = append(out, *rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// -- Attempt ledger --

func (s *MemoryStore) InsertAttempt(ctx context.Context, rec *model.AttemptRecord) (*model.AttemptRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := attemptKey(rec.GapID, rec.AttemptNumber)
	if id, ok := s.attemptKeys[key]; ok {
		cp := *s.attempts[id]
		return &cp, true, nil
	}

	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.attempts[cp.ID] = &cp
	s.attemptKeys[key] = cp.ID

	out := cp
	return &out, false, nil
}

func (s *MemoryStore) ListAttempts(ctx context.Context, gapID string) ([]model.AttemptRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var attempts []model.AttemptRecord
	for _, rec := range s.attempts {
		if rec.GapID == gapID {
			attempts = append(attempts, *rec)
		}
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].AttemptNumber < attempts[j].AttemptNumber })
	return attempts, nil
}

func (s *MemoryStore) CollectAttemptStats(ctx context.Context, runID string, lookback time.Duration) (*AttemptStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-lookback)
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)

	var stats AttemptStats
	for _, rec := range s.attempts {
		if rec.CreatedAt.Before(cutoff) {
			continue
		}
		if runID != "" && rec.RunID != runID {
			continue
		}
		stats.Attempts++
		if rec.Outcome.TerminalFailure() {
			stats.Failures++
		}
		stats.TotalCostUSD += rec.CostUSD
		if rec.WorkerKind == model.WorkerCaller && !rec.CreatedAt.Before(dayStart) {
			stats.CallsToday++
		}
	}
	return &stats, nil
}

// -- Staged addenda --

func (s *MemoryStore) CreateAddendum(ctx context.Context, a *model.VaultAddendum) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.addenda[a.ID]; ok {
		return eris.Errorf("addendum already exists: %s", a.ID)
	}
	cp := *a
	s.addenda[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAddendum(ctx context.Context, id string) (*model.VaultAddendum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.addenda[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "addendum %s", id)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAddenda(ctx context.Context, filter AddendumFilter) ([]model.VaultAddendum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var addenda []model.VaultAddendum
	for _, a := range s.addenda {
		if filter.RunID != "" && a.RunID != filter.RunID {
			continue
		}
		if filter.Validation != "" && a.Validation != filter.Validation {
			continue
		}
		addenda = append(addenda, *a)
	}
	sort.Slice(addenda, func(i, j int) bool { return addenda[i].BuiltAt.After(addenda[j].BuiltAt) })
	if filter.Limit > 0 && len(addenda) > filter.Limit {
		addenda = addenda[:filter.Limit]
	}
	return addenda, nil
}

func (s *MemoryStore) MarkAddendumPromoted(ctx context.Context, id, versionHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.addenda[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "addendum %s", id)
	}
	a.Validation = model.ValidationPromoted
	a.VersionHash = versionHash
	return nil
}

func (s *MemoryStore) SetAddendumDisqualified(ctx context.Context, id string, disqualified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.addenda[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "addendum %s", id)
	}
	a.Disqualified = disqualified
	return nil
}

// -- Vault --

func (s *MemoryStore) WriteVaultVersion(ctx context.Context, rec *model.VaultRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *model.VaultRecord
	var existing *model.VaultRecord
	for _, r := range s.vault {
		if r.NaturalKey != rec.NaturalKey {
			continue
		}
		if r.IsLatest {
			latest = r
		}
		if r.VersionHash == rec.VersionHash {
			existing = r
		}
	}

	if latest != nil && latest.VersionHash == rec.VersionHash {
		return false, nil
	}

	now := time.Now().UTC()
	if latest != nil {
		latest.IsLatest = false
	}
	if existing != nil {
		existing.IsLatest = true
		existing.PromotedAt = now
		rec.ID = existing.ID
	} else {
		cp := *rec
		if cp.ID == "" {
			cp.ID = uuid.New().String()
		}
		cp.IsLatest = true
		if cp.PromotedAt.IsZero() {
			cp.PromotedAt = now
		}
		s.vault = append(s.vault, &cp)
		rec.ID = cp.ID
	}
	rec.IsLatest = true
	return true, nil
}

func (s *MemoryStore) GetLatestVault(ctx context.Context, naturalKey string) (*model.VaultRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.vault {
		if r.NaturalKey == naturalKey && r.IsLatest {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListVaultVersions(ctx context.Context, naturalKey string) ([]model.VaultRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []model.VaultRecord
	for _, r := range s.vault {
		if r.NaturalKey == naturalKey {
			records = append(records, *r)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PromotedAt.After(records[j].PromotedAt) })
	return records, nil
}

// -- Push queue --

func (s *MemoryStore) EnqueuePush(ctx context.Context, entry *model.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queueByAdd[entry.AddendumID]; ok {
		return nil
	}

	cp := *entry
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.Status == "" {
		cp.Status = model.QueuePending
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.queue[cp.ID] = &cp
	s.queueByAdd[cp.AddendumID] = cp.ID
	return nil
}

func (s *MemoryStore) DequeuePending(ctx context.Context, limit int) ([]model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []model.QueueEntry
	for _, e := range s.queue {
		if e.Status == model.QueuePending {
			entries = append(entries, *e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return strings.Compare(entries[i].ID, entries[j].ID) < 0
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *MemoryStore) MarkQueueDone(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.queue[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "queue entry %s", id)
	}
	e.Status = model.QueueDone
	e.Attempts++
	e.LastError = ""
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkQueueError(ctx context.Context, id, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.queue[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "queue entry %s", id)
	}
	e.Status = model.QueueError
	e.Attempts++
	e.LastError = lastError
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) QueueCounts(ctx context.Context) (map[model.QueueStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[model.QueueStatus]int)
	for _, e := range s.queue {
		counts[e.Status]++
	}
	return counts, nil
}
