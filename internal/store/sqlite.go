package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/sitevault-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the local
// development driver; production runs on Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS gaps (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	competitor_id TEXT NOT NULL,
	field_key     TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 3,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	UNIQUE (run_id, competitor_id, field_key)
);

CREATE INDEX IF NOT EXISTS idx_gaps_status ON gaps(status);
CREATE INDEX IF NOT EXISTS idx_gaps_run_status ON gaps(run_id, status);

CREATE TABLE IF NOT EXISTS attempt_log (
	id             TEXT PRIMARY KEY,
	gap_id         TEXT NOT NULL REFERENCES gaps(id),
	run_id         TEXT NOT NULL,
	worker_kind    TEXT NOT NULL,
	attempt_number INTEGER NOT NULL,
	outcome        TEXT NOT NULL,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	cost_usd       REAL NOT NULL DEFAULT 0,
	error_code     TEXT,
	error_message  TEXT,
	transcript_ref TEXT,
	metadata       TEXT,
	created_at     DATETIME NOT NULL,
	UNIQUE (gap_id, attempt_number)
);

CREATE INDEX IF NOT EXISTS idx_attempt_log_gap ON attempt_log(gap_id);
CREATE INDEX IF NOT EXISTS idx_attempt_log_run_created ON attempt_log(run_id, created_at);

CREATE TABLE IF NOT EXISTS staged_addenda (
	id                TEXT PRIMARY KEY,
	gap_id            TEXT NOT NULL REFERENCES gaps(id),
	run_id            TEXT NOT NULL,
	competitor_id     TEXT NOT NULL,
	field_key         TEXT NOT NULL,
	attempt_count     INTEGER NOT NULL,
	source            TEXT NOT NULL,
	confidence        REAL NOT NULL,
	observations      TEXT NOT NULL,
	validation_status TEXT NOT NULL DEFAULT 'pending',
	complete          INTEGER NOT NULL DEFAULT 0,
	disqualified      INTEGER NOT NULL DEFAULT 0,
	version_hash      TEXT,
	built_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_staged_addenda_validation ON staged_addenda(validation_status);

CREATE TABLE IF NOT EXISTS vault_records (
	id           TEXT PRIMARY KEY,
	natural_key  TEXT NOT NULL,
	version_hash TEXT NOT NULL,
	payload      TEXT NOT NULL,
	source       TEXT NOT NULL,
	confidence   REAL NOT NULL,
	is_latest    INTEGER NOT NULL DEFAULT 1,
	collected_at DATETIME NOT NULL,
	promoted_at  DATETIME NOT NULL,
	UNIQUE (natural_key, version_hash)
);

CREATE INDEX IF NOT EXISTS idx_vault_records_key ON vault_records(natural_key);

CREATE TABLE IF NOT EXISTS push_queue (
	id           TEXT PRIMARY KEY,
	addendum_id  TEXT NOT NULL UNIQUE REFERENCES staged_addenda(id),
	natural_key  TEXT NOT NULL,
	version_hash TEXT,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_push_queue_status ON push_queue(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", kind, id)
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", kind, id)
	}
	return nil
}

// -- Gaps --

func (s *SQLiteStore) CreateGap(ctx context.Context, seed model.GapSeed) (*model.Gap, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	maxAttempts := seed.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gaps (id, run_id, competitor_id, field_key, status, attempt_count, max_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		id, seed.RunID, seed.CompetitorID, seed.FieldKey, string(model.GapStatusPending), maxAttempts, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert gap")
	}

	return &model.Gap{
		ID:           id,
		RunID:        seed.RunID,
		CompetitorID: seed.CompetitorID,
		FieldKey:     seed.FieldKey,
		Status:       model.GapStatusPending,
		MaxAttempts:  maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *SQLiteStore) SeedGaps(ctx context.Context, seeds []model.GapSeed) (int64, error) {
	if len(seeds) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin seed tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var inserted int64
	for _, seed := range seeds {
		maxAttempts := seed.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = model.DefaultMaxAttempts
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO gaps (id, run_id, competitor_id, field_key, status, attempt_count, max_attempts, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?)`,
			uuid.New().String(), seed.RunID, seed.CompetitorID, seed.FieldKey, maxAttempts, now, now,
		)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: seed gap")
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit seed tx")
	}
	return inserted, nil
}

func (s *SQLiteStore) GetGap(ctx context.Context, gapID string) (*model.Gap, error) {
	var g model.Gap
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, competitor_id, field_key, status, attempt_count, max_attempts, created_at, updated_at FROM gaps WHERE id = ?`,
		gapID,
	).Scan(&g.ID, &g.RunID, &g.CompetitorID, &g.FieldKey, &g.Status, &g.AttemptCount, &g.MaxAttempts, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get gap %s", gapID)
	}
	return &g, nil
}

func (s *SQLiteStore) ListGaps(ctx context.Context, filter GapFilter) ([]model.Gap, error) {
	query := `SELECT id, run_id, competitor_id, field_key, status, attempt_count, max_attempts, created_at, updated_at FROM gaps WHERE 1=1`
	var args []any

	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.CompetitorID != "" {
		query += ` AND competitor_id = ?`
		args = append(args, filter.CompetitorID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list gaps")
	}
	defer rows.Close()

	var gaps []model.Gap
	for rows.Next() {
		var g model.Gap
		if err := rows.Scan(&g.ID, &g.RunID, &g.CompetitorID, &g.FieldKey, &g.Status, &g.AttemptCount, &g.MaxAttempts, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan gap")
		}
		gaps = append(gaps, g)
	}
	return gaps, eris.Wrap(rows.Err(), "sqlite: list gaps iterate")
}

func (s *SQLiteStore) UpdateGapCAS(ctx context.Context, gapID string, observedCount int, status model.GapStatus, newCount int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gaps SET status = ?, attempt_count = ?, updated_at = ? WHERE id = ? AND attempt_count = ?`,
		string(status), newCount, time.Now().UTC(), gapID, observedCount,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: cas gap %s", gapID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: cas rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) KillInProgress(ctx context.Context, runID string) ([]model.Gap, error) {
	// RETURNING is available in modern SQLite, but reading the victims first
	// inside a transaction keeps the two drivers' behavior identical.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin kill tx")
	}
	defer tx.Rollback() //nolint:errcheck

	query := `SELECT id, run_id, competitor_id, field_key, status, attempt_count, max_attempts, created_at, updated_at FROM gaps WHERE status = ?`
	args := []any{string(model.GapStatusInProgress)}
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select in-progress gaps")
	}

	var killed []model.Gap
	for rows.Next() {
		var g model.Gap
		if err := rows.Scan(&g.ID, &g.RunID, &g.CompetitorID, &g.FieldKey, &g.Status, &g.AttemptCount, &g.MaxAttempts, &g.CreatedAt, &g.UpdatedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan in-progress gap")
		}
		killed = append(killed, g)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, eris.Wrap(err, "sqlite: iterate in-progress gaps")
	}
	rows.Close()

	now := time.Now().UTC()
	for i := range killed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE gaps SET status = ?, updated_at = ? WHERE id = ?`,
			string(model.GapStatusKilled), now, killed[i].ID,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: kill gap %s", killed[i].ID)
		}
		killed[i].Status = model.GapStatusKilled
		killed[i].UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit kill tx")
	}
	return killed, nil
}

func (s *SQLiteStore) RunSummaries(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id,
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'resolved' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'killed' THEN 1 ELSE 0 END), 0),
			MAX(updated_at)
		 FROM gaps GROUP BY run_id ORDER BY MAX(updated_at) DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: run summaries")
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var rs RunSummary
		if err := rows.Scan(&rs.RunID, &rs.Total, &rs.Pending, &rs.InProgress, &rs.Resolved, &rs.Failed, &rs.Killed, &rs.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run summary")
		}
		out = append(out, rs)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: run summaries iterate")
}

// -- Attempt ledger --

func (s *SQLiteStore) InsertAttempt(ctx context.Context, rec *model.AttemptRecord) (*model.AttemptRecord, bool, error) {
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
			return nil, false, eris.Wrap(err, "sqlite: marshal attempt metadata")
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO attempt_log (id, gap_id, run_id, worker_kind, attempt_number, outcome, duration_ms, cost_usd, error_code, error_message, transcript_ref, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.GapID, rec.RunID, string(rec.WorkerKind), rec.AttemptNumber, string(rec.Outcome),
		rec.DurationMS, rec.CostUSD, rec.ErrorCode, rec.ErrorMessage, rec.TranscriptRef, nullableString(metadataJSON), rec.CreatedAt,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: insert attempt %s/%d", rec.GapID, rec.AttemptNumber)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: insert attempt rows affected")
	}
	if n == 1 {
		return rec, false, nil
	}

	existing, err := s.getAttempt(ctx, rec.GapID, rec.AttemptNumber)
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (s *SQLiteStore) getAttempt(ctx context.Context, gapID string, attemptNumber int) (*model.AttemptRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, gap_id, run_id, worker_kind, attempt_number, outcome, duration_ms, cost_usd, error_code, error_message, transcript_ref, metadata, created_at
		 FROM attempt_log WHERE gap_id = ? AND attempt_number = ?`,
		gapID, attemptNumber,
	)
	rec, err := scanAttempt(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get attempt %s/%d", gapID, attemptNumber)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*model.AttemptRecord, error) {
	var rec model.AttemptRecord
	var workerKind, outcome string
	var errorCode, errorMessage, transcriptRef, metadataJSON sql.NullString

	err := row.Scan(&rec.ID, &rec.GapID, &rec.RunID, &workerKind, &rec.AttemptNumber, &outcome,
		&rec.DurationMS, &rec.CostUSD, &errorCode, &errorMessage, &transcriptRef, &metadataJSON, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}

	rec.WorkerKind = model.WorkerKind(workerKind)
	rec.Outcome = model.Outcome(outcome)
	rec.ErrorCode = errorCode.String
	rec.ErrorMessage = errorMessage.String
	rec.TranscriptRef = transcriptRef.String
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, gapID string) ([]model.AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, gap_id, run_id, worker_kind, attempt_number, outcome, duration_ms, cost_usd, error_code, error_message, transcript_ref, metadata, created_at
		 FROM attempt_log WHERE gap_id = ? ORDER BY attempt_number ASC`,
		gapID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attempts")
	}
	defer rows.Close()

	var attempts []model.AttemptRecord
	for rows.Next() {
		rec, err := scanAttempt(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		attempts = append(attempts, *rec)
	}
	return attempts, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

func (s *SQLiteStore) CollectAttemptStats(ctx context.Context, runID string, lookback time.Duration) (*AttemptStats, error) {
	cutoff := time.Now().UTC().Add(-lookback)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN outcome IN ('failed', 'timeout', 'cost_exceeded') THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(cost_usd), 0),
		COALESCE(SUM(CASE WHEN worker_kind = 'caller' AND date(created_at) = date('now') THEN 1 ELSE 0 END), 0)
	 FROM attempt_log WHERE created_at >= ?`
	args := []any{cutoff}
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}

	var stats AttemptStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&stats.Attempts, &stats.Failures, &stats.TotalCostUSD, &stats.CallsToday)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: collect attempt stats")
	}
	return &stats, nil
}

// -- Staged addenda --

func (s *SQLiteStore) CreateAddendum(ctx context.Context, a *model.VaultAddendum) error {
	obsJSON, err := json.Marshal(a.Observations)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal observations")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO staged_addenda (id, gap_id, run_id, competitor_id, field_key, attempt_count, source, confidence, observations, validation_status, complete, disqualified, built_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.GapID, a.RunID, a.CompetitorID, a.FieldKey, a.AttemptCount, string(a.Source),
		a.Confidence, string(obsJSON), string(a.Validation), a.Complete, a.Disqualified, a.BuiltAt,
	)
	return eris.Wrap(err, "sqlite: insert addendum")
}

func (s *SQLiteStore) GetAddendum(ctx context.Context, id string) (*model.VaultAddendum, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, gap_id, run_id, competitor_id, field_key, attempt_count, source, confidence, observations, validation_status, complete, disqualified, version_hash, built_at
		 FROM staged_addenda WHERE id = ?`,
		id,
	)
	a, err := scanAddendum(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get addendum %s", id)
	}
	return a, nil
}

func scanAddendum(row rowScanner) (*model.VaultAddendum, error) {
	var a model.VaultAddendum
	var source, validation, obsJSON string
	var versionHash sql.NullString

	err := row.Scan(&a.ID, &a.GapID, &a.RunID, &a.CompetitorID, &a.FieldKey, &a.AttemptCount, &source,
		&a.Confidence, &obsJSON, &validation, &a.Complete, &a.Disqualified, &versionHash, &a.BuiltAt)
	if err != nil {
		return nil, err
	}

	a.Source = model.Source(source)
	a.Validation = model.ValidationStatus(validation)
	a.VersionHash = versionHash.String
	if err := json.Unmarshal([]byte(obsJSON), &a.Observations); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) ListAddenda(ctx context.Context, filter AddendumFilter) ([]model.VaultAddendum, error) {
	query := `SELECT id, gap_id, run_id, competitor_id, field_key, attempt_count, source, confidence, observations, validation_status, complete, disqualified, version_hash, built_at
	          FROM staged_addenda WHERE 1=1`
	var args []any

	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.Validation != "" {
		query += ` AND validation_status = ?`
		args = append(args, string(filter.Validation))
	}
	query += ` ORDER BY built_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list addenda")
	}
	defer rows.Close()

	var addenda []model.VaultAddendum
	for rows.Next() {
		a, err := scanAddendum(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan addendum")
		}
		addenda = append(addenda, *a)
	}
	return addenda, eris.Wrap(rows.Err(), "sqlite: list addenda iterate")
}

func (s *SQLiteStore) MarkAddendumPromoted(ctx context.Context, id, versionHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE staged_addenda SET validation_status = ?, version_hash = ? WHERE id = ?`,
		string(model.ValidationPromoted), versionHash, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark addendum promoted %s", id)
	}
	return checkRowsAffected(res, "addendum", id)
}

func (s *SQLiteStore) SetAddendumDisqualified(ctx context.Context, id string, disqualified bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE staged_addenda SET disqualified = ? WHERE id = ?`,
		disqualified, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set addendum disqualified %s", id)
	}
	return checkRowsAffected(res, "addendum", id)
}

// -- Vault --

func (s *SQLiteStore) WriteVaultVersion(ctx context.Context, rec *model.VaultRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.PromotedAt.IsZero() {
		rec.PromotedAt = time.Now().UTC()
	}

	// SQLite serializes writers, so the transaction alone is the per-key
	// critical section.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin vault write")
	}
	defer tx.Rollback() //nolint:errcheck

	var latestHash string
	err = tx.QueryRowContext(ctx,
		`SELECT version_hash FROM vault_records WHERE natural_key = ? AND is_latest = 1`,
		rec.NaturalKey,
	).Scan(&latestHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, eris.Wrap(err, "sqlite: read latest vault record")
	}
	if err == nil && latestHash == rec.VersionHash {
		return false, eris.Wrap(tx.Commit(), "sqlite: commit vault no-op")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE vault_records SET is_latest = 0 WHERE natural_key = ? AND is_latest = 1`,
		rec.NaturalKey,
	); err != nil {
		return false, eris.Wrap(err, "sqlite: demote previous latest")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE vault_records SET is_latest = 1, promoted_at = ? WHERE natural_key = ? AND version_hash = ?`,
		rec.PromotedAt, rec.NaturalKey, rec.VersionHash,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: repromote prior version")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: repromote rows affected")
	}
	if n == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vault_records (id, natural_key, version_hash, payload, source, confidence, is_latest, collected_at, promoted_at)
			 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			rec.ID, rec.NaturalKey, rec.VersionHash, string(rec.Payload), string(rec.Source), rec.Confidence, rec.CollectedAt, rec.PromotedAt,
		); err != nil {
			return false, eris.Wrap(err, "sqlite: insert vault record")
		}
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit vault write")
	}
	rec.IsLatest = true
	return true, nil
}

func (s *SQLiteStore) GetLatestVault(ctx context.Context, naturalKey string) (*model.VaultRecord, error) {
	var rec model.VaultRecord
	var source, payload string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, natural_key, version_hash, payload, source, confidence, is_latest, collected_at, promoted_at
		 FROM vault_records WHERE natural_key = ? AND is_latest = 1`,
		naturalKey,
	).Scan(&rec.ID, &rec.NaturalKey, &rec.VersionHash, &payload, &source, &rec.Confidence, &rec.IsLatest, &rec.CollectedAt, &rec.PromotedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get latest vault record")
	}
	rec.Source = model.Source(source)
	rec.Payload = []byte(payload)
	return &rec, nil
}

func (s *SQLiteStore) ListVaultVersions(ctx context.Context, naturalKey string) ([]model.VaultRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, natural_key, version_hash, payload, source, confidence, is_latest, collected_at, promoted_at
		 FROM vault_records WHERE natural_key = ? ORDER BY promoted_at DESC`,
		naturalKey,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list vault versions")
	}
	defer rows.Close()

	var records []model.VaultRecord
	for rows.Next() {
		var rec model.VaultRecord
		var source, payload string
		if err := rows.Scan(&rec.ID, &rec.NaturalKey, &rec.VersionHash, &payload, &source, &rec.Confidence, &rec.IsLatest, &rec.CollectedAt, &rec.PromotedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan vault record")
		}
		rec.Source = model.Source(source)
		rec.Payload = []byte(payload)
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list vault versions iterate")
}

// -- Push queue --

func (s *SQLiteStore) EnqueuePush(ctx context.Context, entry *model.QueueEntry) error {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO push_queue (id, addendum_id, natural_key, version_hash, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AddendumID, entry.NaturalKey, entry.VersionHash, string(entry.Status), entry.Attempts, entry.CreatedAt, entry.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: enqueue push")
}

func (s *SQLiteStore) DequeuePending(ctx context.Context, limit int) ([]model.QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, addendum_id, natural_key, version_hash, status, attempts, last_error, created_at, updated_at
		 FROM push_queue WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(model.QueuePending), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue pending")
	}
	defer rows.Close()

	var entries []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var status string
		var versionHash, lastError sql.NullString
		if err := rows.Scan(&e.ID, &e.AddendumID, &e.NaturalKey, &versionHash, &status, &e.Attempts, &lastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan queue entry")
		}
		e.Status = model.QueueStatus(status)
		e.VersionHash = versionHash.String
		e.LastError = lastError.String
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue iterate")
}

func (s *SQLiteStore) MarkQueueDone(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE push_queue SET status = ?, attempts = attempts + 1, last_error = NULL, updated_at = ? WHERE id = ?`,
		string(model.QueueDone), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark queue done %s", id)
	}
	return checkRowsAffected(res, "queue entry", id)
}

func (s *SQLiteStore) MarkQueueError(ctx context.Context, id, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE push_queue SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		string(model.QueueError), lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark queue error %s", id)
	}
	return checkRowsAffected(res, "queue entry", id)
}

func (s *SQLiteStore) QueueCounts(ctx context.Context) (map[model.QueueStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM push_queue GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: queue counts")
	}
	defer rows.Close()

	counts := make(map[model.QueueStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan queue count")
		}
		counts[model.QueueStatus(status)] = count
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: queue counts iterate")
}
