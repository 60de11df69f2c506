package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sitevault-cli/internal/db"
	"github.com/sells-group/sitevault-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_gap":        `SELECT id, run_id, competitor_id, field_key, status, attempt_count, max_attempts, created_at, updated_at FROM gaps WHERE id = $1`,
	"cas_gap":        `UPDATE gaps SET status = $2, attempt_count = $3, updated_at = now() WHERE id = $1 AND attempt_count = $4`,
	"insert_attempt": `INSERT INTO attempt_log (id, gap_id, run_id, worker_kind, attempt_number, outcome, duration_ms, cost_usd, error_code, error_message, transcript_ref, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) ON CONFLICT (gap_id, attempt_number) DO NOTHING`,
	"get_attempt":    `SELECT id, gap_id, run_id, worker_kind, attempt_number, outcome, duration_ms, cost_usd, error_code, error_message, transcript_ref, metadata, created_at FROM attempt_log WHERE gap_id = $1 AND attempt_number = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (e.g., bulk gap seeding).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS gaps (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id        TEXT NOT NULL,
	competitor_id TEXT NOT NULL,
	field_key     TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 3,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, competitor_id, field_key)
);

CREATE INDEX IF NOT EXISTS idx_gaps_status ON gaps(status);
CREATE INDEX IF NOT EXISTS idx_gaps_run_status ON gaps(run_id, status);

CREATE TABLE IF NOT EXISTS attempt_log (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	gap_id         TEXT NOT NULL REFERENCES gaps(id),
	run_id         TEXT NOT NULL,
	worker_kind    TEXT NOT NULL,
	attempt_number INTEGER NOT NULL,
	outcome        TEXT NOT NULL,
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_code     TEXT,
	error_message  TEXT,
	transcript_ref TEXT,
	metadata       JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (gap_id, attempt_number)
);

CREATE INDEX IF NOT EXISTS idx_attempt_log_gap ON attempt_log(gap_id);
CREATE INDEX IF NOT EXISTS idx_attempt_log_run_created ON attempt_log(run_id, created_at);
CREATE INDEX IF NOT EXISTS idx_attempt_log_created ON attempt_log(created_at);

CREATE TABLE IF NOT EXISTS staged_addenda (
	id                TEXT PRIMARY KEY,
	gap_id            TEXT NOT NULL REFERENCES gaps(id),
	run_id            TEXT NOT NULL,
	competitor_id     TEXT NOT NULL,
	field_key         TEXT NOT NULL,
	attempt_count     INTEGER NOT NULL,
	source            TEXT NOT NULL,
	confidence        DOUBLE PRECISION NOT NULL,
	observations      JSONB NOT NULL,
	validation_status TEXT NOT NULL DEFAULT 'pending',
	complete          BOOLEAN NOT NULL DEFAULT false,
	disqualified      BOOLEAN NOT NULL DEFAULT false,
	version_hash      TEXT,
	built_at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_staged_addenda_run ON staged_addenda(run_id);
CREATE INDEX IF NOT EXISTS idx_staged_addenda_validation ON staged_addenda(validation_status);

CREATE TABLE IF NOT EXISTS vault_records (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	natural_key  TEXT NOT NULL,
	version_hash TEXT NOT NULL,
	payload      JSONB NOT NULL,
	source       TEXT NOT NULL,
	confidence   DOUBLE PRECISION NOT NULL,
	is_latest    BOOLEAN NOT NULL DEFAULT true,
	collected_at TIMESTAMPTZ NOT NULL,
	promoted_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (natural_key, version_hash)
);

CREATE INDEX IF NOT EXISTS idx_vault_records_latest ON vault_records(natural_key) WHERE is_latest;
CREATE INDEX IF NOT EXISTS idx_vault_records_key_promoted ON vault_records(natural_key, promoted_at DESC);

CREATE TABLE IF NOT EXISTS push_queue (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	addendum_id  TEXT NOT NULL UNIQUE REFERENCES staged_addenda(id),
	natural_key  TEXT NOT NULL,
	version_hash TEXT,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_push_queue_status ON push_queue(status);
CREATE INDEX IF NOT EXISTS idx_push_queue_status_created ON push_queue(status, created_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// -- Gaps --

func (s *PostgresStore) CreateGap(ctx context.Context, seed model.GapSeed) (*model.Gap, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	maxAttempts := seed.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO gaps (id, run_id, competitor_id, field_key, status, attempt_count, max_attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8)`,
		id, seed.RunID, seed.CompetitorID, seed.FieldKey, string(model.GapStatusPending), maxAttempts, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert gap")
	}

	return &model.Gap{
		ID:           id,
		RunID:        seed.RunID,
		CompetitorID: seed.CompetitorID,
		FieldKey:     seed.FieldKey,
		Status:       model.GapStatusPending,
		AttemptCount: 0,
		MaxAttempts:  maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// copySeedThreshold is the sheet size past which seeding switches from a
// multi-row upsert to the COPY protocol.
const copySeedThreshold = 1000

// SeedGaps bulk-inserts pending gaps, skipping any (run, competitor, field)
// triple that already exists so re-seeding the same sheet is a no-op. Large
// sheets go through COPY into a temp table first; the upsert statement has a
// parameter-count ceiling that full exports would blow past.
func (s *PostgresStore) SeedGaps(ctx context.Context, seeds []model.GapSeed) (int64, error) {
	if len(seeds) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(seeds))
	for i, seed := range seeds {
		maxAttempts := seed.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = model.DefaultMaxAttempts
		}
		rows[i] = []any{seed.RunID, seed.CompetitorID, seed.FieldKey, maxAttempts}
	}

	if len(rows) >= copySeedThreshold {
		return s.seedGapsCopy(ctx, rows)
	}

	cfg := db.UpsertConfig{
		Table:        "gaps",
		Columns:      []string{"run_id", "competitor_id", "field_key", "max_attempts"},
		ConflictKeys: []string{"run_id", "competitor_id", "field_key"},
		DoNothing:    true,
	}

	return db.BulkUpsert(ctx, s.pool, cfg, rows)
}

func (s *PostgresStore) seedGapsCopy(ctx context.Context, rows [][]any) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin seed copy")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE gaps_seed (
			run_id        TEXT NOT NULL,
			competitor_id TEXT NOT NULL,
			field_key     TEXT NOT NULL,
			max_attempts  INTEGER NOT NULL
		) ON COMMIT DROP`,
	); err != nil {
		return 0, eris.Wrap(err, "postgres: create seed temp table")
	}

	columns := []string{"run_id", "competitor_id", "field_key", "max_attempts"}
	if _, err := db.CopyFrom(ctx, tx, "gaps_seed", columns, rows); err != nil {
		return 0, eris.Wrap(err, "postgres: copy seeds")
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO gaps (run_id, competitor_id, field_key, max_attempts)
		 SELECT run_id, competitor_id, field_key, max_attempts FROM gaps_seed
		 ON CONFLICT (run_id, competitor_id, field_key) DO NOTHING`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert from seed temp table")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit seed copy")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) GetGap(ctx context.Context, gapID string) (*model.Gap, error) {
	var g model.Gap
	err := s.pool.QueryRow(ctx,
		`SELECT id, run_id, competitor_id, field_key, status, attempt_count, max_attempts, created_at, updated_at FROM gaps WHERE id = $1`,
		gapID,
	).Scan(&g.ID, &g.RunID, &g.CompetitorID, &g.FieldKey, &g.Status, &g.AttemptCount, &g.MaxAttempts, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get gap %s", gapID)
	}
	return &g, nil
}

func (s *PostgresStore) ListGaps(ctx context.Context, filter GapFilter) ([]model.Gap, error) {
	query := `SELECT id, run_id, competitor_id, field_key, status, attempt_count, max_attempts, created_at, updated_at FROM gaps WHERE true`
	args := []any{}
	argIdx := 1

	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.CompetitorID != "" {
		query += fmt.Sprintf(` AND competitor_id = $%d`, argIdx)
		args = append(args, filter.CompetitorID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list gaps")
	}
	defer rows.Close()

	var gaps []model.Gap
	for rows.Next() {
		var g model.Gap
		if err := rows.Scan(&g.ID, &g.RunID, &g.CompetitorID, &g.FieldKey, &g.Status, &g.AttemptCount, &g.MaxAttempts, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan gap")
		}
		gaps = append(gaps, g)
	}
	return gaps, eris.Wrap(rows.Err(), "postgres: list gaps iterate")
}

func (s *PostgresStore) UpdateGapCAS(ctx context.Context, gapID string, observedCount int, status model.GapStatus, newCount int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE gaps SET status = $2, attempt_count = $3, updated_at = now() WHERE id = $1 AND attempt_count = $4`,
		gapID, string(status), newCount, observedCount,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: cas gap %s", gapID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) KillInProgress(ctx context.Context, runID string) ([]model.Gap, error) {
	query := `UPDATE gaps SET status = $1, updated_at = now() WHERE status = $2`
	args := []any{string(model.GapStatusKilled), string(model.GapStatusInProgress)}
	if runID != "" {
		query += ` AND run_id = $3`
		args = append(args, runID)
	}
	query += ` RETURNING id, run_id, competitor_id, field_key, status, attempt_count, max_attempts, created_at, updated_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: kill in-progress gaps")
	}
	defer rows.Close()

	var killed []model.Gap
	for rows.Next() {
		var g model.Gap
		if err := rows.Scan(&g.ID, &g.RunID, &g.CompetitorID, &g.FieldKey, &g.Status, &g.AttemptCount, &g.MaxAttempts, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan killed gap")
		}
		killed = append(killed, g)
	}
	return killed, eris.Wrap(rows.Err(), "postgres: kill iterate")
}

func (s *PostgresStore) RunSummaries(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'in_progress'),
			COUNT(*) FILTER (WHERE status = 'resolved'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'killed'),
			MAX(updated_at)
		 FROM gaps GROUP BY run_id ORDER BY MAX(updated_at) DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: run summaries")
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var rs RunSummary
		if err := rows.Scan(&rs.RunID, &rs.Total, &rs.Pending, &rs.InProgress, &rs.Resolved, &rs.Failed, &rs.Killed, &rs.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run summary")
		}
		out = append(out, rs)
	}
	return out, eris.Wrap(rows.Err(), "postgres: run summaries iterate")
}

// -- Attempt ledger --

func (s *PostgresStore) InsertAttempt(ctx context.Context, rec *model.AttemptRecord) (*model.AttemptRecord, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var metadataJSON []byte
	if rec.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(rec.Metadata)
		if err != nil {
			return nil, false, eris.Wrap(err, "postgres: marshal attempt metadata")
		}
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO attempt_log (id, gap_id, run_id, worker_kind, attempt_number, outcome, duration_ms, cost_usd, error_code, error_message, transcript_ref, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (gap_id, attempt_number) DO NOTHING`,
		rec.ID, rec.GapID, rec.RunID, string(rec.WorkerKind), rec.AttemptNumber, string(rec.Outcome),
		rec.DurationMS, rec.CostUSD, rec.ErrorCode, rec.ErrorMessage, rec.TranscriptRef, metadataJSON, rec.CreatedAt,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: insert attempt %s/%d", rec.GapID, rec.AttemptNumber)
	}

	if tag.RowsAffected() == 1 {
		return rec, false, nil
	}

	// Duplicate: the ledger already holds this (gap, attempt) pair.
	existing, err := s.getAttempt(ctx, rec.GapID, rec.AttemptNumber)
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

func (s *PostgresStore) getAttempt(ctx context.Context, gapID string, attemptNumber int) (*model.AttemptRecord, error) {
	var rec model.AttemptRecord
	var workerKind, outcome string
	var errorCode, errorMessage, transcriptRef *string
	var metadataJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, gap_id, run_id, worker_kind, attempt_number, outcome, duration_ms, cost_usd, error_code, error_message, transcript_ref, metadata, created_at
		 FROM attempt_log WHERE gap_id = $1 AND attempt_number = $2`,
		gapID, attemptNumber,
	).Scan(&rec.ID, &rec.GapID, &rec.RunID, &workerKind, &rec.AttemptNumber, &outcome,
		&rec.DurationMS, &rec.CostUSD, &errorCode, &errorMessage, &transcriptRef, &metadataJSON, &rec.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get attempt %s/%d", gapID, attemptNumber)
	}

	rec.WorkerKind = model.WorkerKind(workerKind)
	rec.Outcome = model.Outcome(outcome)
	if errorCode != nil {
		rec.ErrorCode = *errorCode
	}
	if errorMessage != nil {
		rec.ErrorMessage = *errorMessage
	}
	if transcriptRef != nil {
		rec.TranscriptRef = *transcriptRef
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal attempt metadata")
		}
	}
	return &rec, nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, gapID string) ([]model.AttemptRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, gap_id, run_id, worker_kind, attempt_number, outcome, duration_ms, cost_usd, error_code, error_message, transcript_ref, metadata, created_at
		 FROM attempt_log WHERE gap_id = $1 ORDER BY attempt_number ASC`,
		gapID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attempts")
	}
	defer rows.Close()

	var attempts []model.AttemptRecord
	for rows.Next() {
		var rec model.AttemptRecord
		var workerKind, outcome string
		var errorCode, errorMessage, transcriptRef *string
		var metadataJSON []byte

		if err := rows.Scan(&rec.ID, &rec.GapID, &rec.RunID, &workerKind, &rec.AttemptNumber, &outcome,
			&rec.DurationMS, &rec.CostUSD, &errorCode, &errorMessage, &transcriptRef, &metadataJSON, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		rec.WorkerKind = model.WorkerKind(workerKind)
		rec.Outcome = model.Outcome(outcome)
		if errorCode != nil {
			rec.ErrorCode = *errorCode
		}
		if errorMessage != nil {
			rec.ErrorMessage = *errorMessage
		}
		if transcriptRef != nil {
			rec.TranscriptRef = *transcriptRef
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal attempt metadata")
			}
		}
		attempts = append(attempts, rec)
	}
	return attempts, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}

func (s *PostgresStore) CollectAttemptStats(ctx context.Context, runID string, lookback time.Duration) (*AttemptStats, error) {
	cutoff := time.Now().UTC().Add(-lookback)

	query := `SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE outcome IN ('failed', 'timeout', 'cost_exceeded')),
		COALESCE(SUM(cost_usd), 0),
		COUNT(*) FILTER (WHERE worker_kind = 'caller' AND created_at >= date_trunc('day', now()))
	 FROM attempt_log WHERE created_at >= $1`
	args := []any{cutoff}
	if runID != "" {
		query += ` AND run_id = $2`
		args = append(args, runID)
	}

	var stats AttemptStats
	err := s.pool.QueryRow(ctx, query, args...).Scan(&stats.Attempts, &stats.Failures, &stats.TotalCostUSD, &stats.CallsToday)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: collect attempt stats")
	}
	return &stats, nil
}

// -- Staged addenda --

func (s *PostgresStore) CreateAddendum(ctx context.Context, a *model.VaultAddendum) error {
	obsJSON, err := json.Marshal(a.Observations)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal observations")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO staged_addenda (id, gap_id, run_id, competitor_id, field_key, attempt_count, source, confidence, observations, validation_status, complete, disqualified, built_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.GapID, a.RunID, a.CompetitorID, a.FieldKey, a.AttemptCount, string(a.Source),
		a.Confidence, obsJSON, string(a.Validation), a.Complete, a.Disqualified, a.BuiltAt,
	)
	return eris.Wrap(err, "postgres: insert addendum")
}

func (s *PostgresStore) GetAddendum(ctx context.Context, id string) (*model.VaultAddendum, error) {
	var a model.VaultAddendum
	var source, validation string
	var versionHash *string
	var obsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, gap_id, run_id, competitor_id, field_key, attempt_count, source, confidence, observations, validation_status, complete, disqualified, version_hash, built_at
		 FROM staged_addenda WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.GapID, &a.RunID, &a.CompetitorID, &a.FieldKey, &a.AttemptCount, &source,
		&a.Confidence, &obsJSON, &validation, &a.Complete, &a.Disqualified, &versionHash, &a.BuiltAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get addendum %s", id)
	}

	a.Source = model.Source(source)
	a.Validation = model.ValidationStatus(validation)
	if versionHash != nil {
		a.VersionHash = *versionHash
	}
	if err := json.Unmarshal(obsJSON, &a.Observations); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal observations")
	}
	return &a, nil
}

func (s *PostgresStore) ListAddenda(ctx context.Context, filter AddendumFilter) ([]model.VaultAddendum, error) {
	query := `SELECT id, gap_id, run_id, competitor_id, field_key, attempt_count, source, confidence, observations, validation_status, complete, disqualified, version_hash, built_at
	          FROM staged_addenda WHERE true`
	args := []any{}
	argIdx := 1

	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.Validation != "" {
		query += fmt.Sprintf(` AND validation_status = $%d`, argIdx)
		args = append(args, string(filter.Validation))
		argIdx++
	}
	query += ` ORDER BY built_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list addenda")
	}
	defer rows.Close()

	var addenda []model.VaultAddendum
	for rows.Next() {
		var a model.VaultAddendum
		var source, validation string
		var versionHash *string
		var obsJSON []byte

		if err := rows.Scan(&a.ID, &a.GapID, &a.RunID, &a.CompetitorID, &a.FieldKey, &a.AttemptCount, &source,
			&a.Confidence, &obsJSON, &validation, &a.Complete, &a.Disqualified, &versionHash, &a.BuiltAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan addendum")
		}
		a.Source = model.Source(source)
		a.Validation = model.ValidationStatus(validation)
		if versionHash != nil {
			a.VersionHash = *versionHash
		}
		if err := json.Unmarshal(obsJSON, &a.Observations); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal observations")
		}
		addenda = append(addenda, a)
	}
	return addenda, eris.Wrap(rows.Err(), "postgres: list addenda iterate")
}

func (s *PostgresStore) MarkAddendumPromoted(ctx context.Context, id, versionHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE staged_addenda SET validation_status = $1, version_hash = $2 WHERE id = $3`,
		string(model.ValidationPromoted), versionHash, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark addendum promoted %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("addendum not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) SetAddendumDisqualified(ctx context.Context, id string, disqualified bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE staged_addenda SET disqualified = $1 WHERE id = $2`,
		disqualified, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set addendum disqualified %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("addendum not found: %s", id)
	}
	return nil
}

// -- Vault --

// WriteVaultVersion demotes the previous latest record for rec's natural key
// and inserts rec as latest, atomically. A per-key advisory lock serializes
// concurrent promotions for the same key; different keys do not contend.
func (s *PostgresStore) WriteVaultVersion(ctx context.Context, rec *model.VaultRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.PromotedAt.IsZero() {
		rec.PromotedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin vault write")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.NaturalKey); err != nil {
		return false, eris.Wrap(err, "postgres: lock natural key")
	}

	// Re-promoting content the vault already has as latest is a no-op.
	var latestHash string
	err = tx.QueryRow(ctx,
		`SELECT version_hash FROM vault_records WHERE natural_key = $1 AND is_latest`,
		rec.NaturalKey,
	).Scan(&latestHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, eris.Wrap(err, "postgres: read latest vault record")
	}
	if err == nil && latestHash == rec.VersionHash {
		return false, eris.Wrap(tx.Commit(ctx), "postgres: commit vault no-op")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE vault_records SET is_latest = false WHERE natural_key = $1 AND is_latest`,
		rec.NaturalKey,
	); err != nil {
		return false, eris.Wrap(err, "postgres: demote previous latest")
	}

	// Content can recur after intermediate versions (A -> B -> A). The old
	// version row is reused as latest rather than inserted again, so history
	// rows stay immutable and the (key, hash) identity stays unique.
	tag, err := tx.Exec(ctx,
		`UPDATE vault_records SET is_latest = true, promoted_at = $3 WHERE natural_key = $1 AND version_hash = $2`,
		rec.NaturalKey, rec.VersionHash, rec.PromotedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: repromote prior version")
	}
	if tag.RowsAffected() == 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO vault_records (id, natural_key, version_hash, payload, source, confidence, is_latest, collected_at, promoted_at)
			 VALUES ($1, $2, $3, $4, $5, $6, true, $7, $8)`,
			rec.ID, rec.NaturalKey, rec.VersionHash, rec.Payload, string(rec.Source), rec.Confidence, rec.CollectedAt, rec.PromotedAt,
		); err != nil {
			return false, eris.Wrap(err, "postgres: insert vault record")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: commit vault write")
	}
	rec.IsLatest = true
	return true, nil
}

func (s *PostgresStore) GetLatestVault(ctx context.Context, naturalKey string) (*model.VaultRecord, error) {
	var rec model.VaultRecord
	var source string

	err := s.pool.QueryRow(ctx,
		`SELECT id, natural_key, version_hash, payload, source, confidence, is_latest, collected_at, promoted_at
		 FROM vault_records WHERE natural_key = $1 AND is_latest`,
		naturalKey,
	).Scan(&rec.ID, &rec.NaturalKey, &rec.VersionHash, &rec.Payload, &source, &rec.Confidence, &rec.IsLatest, &rec.CollectedAt, &rec.PromotedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get latest vault record")
	}
	rec.Source = model.Source(source)
	return &rec, nil
}

func (s *PostgresStore) ListVaultVersions(ctx context.Context, naturalKey string) ([]model.VaultRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, natural_key, version_hash, payload, source, confidence, is_latest, collected_at, promoted_at
		 FROM vault_records WHERE natural_key = $1 ORDER BY promoted_at DESC`,
		naturalKey,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list vault versions")
	}
	defer rows.Close()

	var records []model.VaultRecord
	for rows.Next() {
		var rec model.VaultRecord
		var source string
		if err := rows.Scan(&rec.ID, &rec.NaturalKey, &rec.VersionHash, &rec.Payload, &source, &rec.Confidence, &rec.IsLatest, &rec.CollectedAt, &rec.PromotedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan vault record")
		}
		rec.Source = model.Source(source)
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list vault versions iterate")
}

// -- Push queue --

func (s *PostgresStore) EnqueuePush(ctx context.Context, entry *model.QueueEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if entry.Status == "" {
		entry.Status = model.QueuePending
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO push_queue (id, addendum_id, natural_key, version_hash, status, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (addendum_id) DO NOTHING`,
		entry.ID, entry.AddendumID, entry.NaturalKey, entry.VersionHash, string(entry.Status), entry.Attempts, entry.CreatedAt, entry.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: enqueue push")
}

func (s *PostgresStore) DequeuePending(ctx context.Context, limit int) ([]model.QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, addendum_id, natural_key, version_hash, status, attempts, last_error, created_at, updated_at
		 FROM push_queue WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(model.QueuePending), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue pending")
	}
	defer rows.Close()

	var entries []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var status string
		var versionHash, lastError *string
		if err := rows.Scan(&e.ID, &e.AddendumID, &e.NaturalKey, &versionHash, &status, &e.Attempts, &lastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan queue entry")
		}
		e.Status = model.QueueStatus(status)
		if versionHash != nil {
			e.VersionHash = *versionHash
		}
		if lastError != nil {
			e.LastError = *lastError
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue iterate")
}

func (s *PostgresStore) MarkQueueDone(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE push_queue SET status = $1, attempts = attempts + 1, last_error = NULL, updated_at = now() WHERE id = $2`,
		string(model.QueueDone), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark queue done %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("queue entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) MarkQueueError(ctx context.Context, id, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE push_queue SET status = $1, attempts = attempts + 1, last_error = $2, updated_at = now() WHERE id = $3`,
		string(model.QueueError), lastError, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark queue error %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("queue entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) QueueCounts(ctx context.Context) (map[model.QueueStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM push_queue GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: queue counts")
	}
	defer rows.Close()

	counts := make(map[model.QueueStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan queue count")
		}
		counts[model.QueueStatus(status)] = count
	}
	return counts, eris.Wrap(rows.Err(), "postgres: queue counts iterate")
}
