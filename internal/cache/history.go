package cache

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/evalgate/engine/pkg/types"
)

// RunRecord is one persisted evaluation run. Only the verdict fields the
// differencer needs are stored; evidence is not persisted.
type RunRecord struct {
	RunID       string
	ChallengeID string
	Mode        string
	Set         types.TraceSet
	Summary     types.RunSummary
	Verdicts    []types.TraceVerdict
	CreatedAt   time.Time
}

// HistoryStore is a SQLite-backed store of past runs, owned by callers of the
// engine rather than the engine itself.
type HistoryStore struct {
	db *sql.DB
}

// OpenHistory opens (or creates) a history database at path.
func OpenHistory(path string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	h, err := NewHistoryStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

// NewHistoryStore creates the runs and run_verdicts tables if they don't
// exist, then returns a HistoryStore backed by db.
func NewHistoryStore(db *sql.DB) (*HistoryStore, error) {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id         TEXT    NOT NULL UNIQUE,
			challenge_id   TEXT    NOT NULL,
			mode           TEXT    NOT NULL,
			trace_set      TEXT    NOT NULL,
			total          INTEGER NOT NULL,
			failed         INTEGER NOT NULL,
			pass_rate      REAL    NOT NULL,
			critical_count INTEGER NOT NULL,
			ship           INTEGER NOT NULL,
			created_at     INTEGER NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("create runs table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_runs_challenge_set_ts
		ON runs (challenge_id, trace_set, created_at)
	`); err != nil {
		return nil, fmt.Errorf("create runs index: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS run_verdicts (
			run_id   TEXT    NOT NULL,
			position INTEGER NOT NULL,
			trace_id TEXT    NOT NULL,
			status   TEXT    NOT NULL,
			severity TEXT    NOT NULL,
			cluster  TEXT    NOT NULL,
			PRIMARY KEY (run_id, position)
		)
	`); err != nil {
		return nil, fmt.Errorf("create run_verdicts table: %w", err)
	}

	return &HistoryStore{db: db}, nil
}

// Close releases the underlying database.
func (h *HistoryStore) Close() error { return h.db.Close() }

// RecordRun stores rec and its verdicts in one transaction.
func (h *HistoryStore) RecordRun(ctx context.Context, rec *RunRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record run: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ship := 0
	if rec.Summary.Ship {
		ship = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, challenge_id, mode, trace_set, total, failed, pass_rate, critical_count, ship, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.ChallengeID, rec.Mode, string(rec.Set),
		rec.Summary.Total, rec.Summary.Failed, rec.Summary.PassRate, rec.Summary.CriticalCount, ship,
		created.UnixNano(),
	); err != nil {
		return fmt.Errorf("record run: insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_verdicts (run_id, position, trace_id, status, severity, cluster) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("record run: prepare verdicts: %w", err)
	}
	defer stmt.Close()
	for i := range rec.Verdicts {
		v := &rec.Verdicts[i]
		if _, err := stmt.ExecContext(ctx, rec.RunID, i, v.TraceID, v.Status, string(v.Severity), v.Cluster); err != nil {
			return fmt.Errorf("record run: insert verdict %s: %w", v.TraceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record run: commit: %w", err)
	}
	return nil
}

// LatestRun returns the most recent run for challengeID and set, with its
// verdicts in their original order. It returns nil, nil when none exists.
func (h *HistoryStore) LatestRun(ctx context.Context, challengeID string, set types.TraceSet) (*RunRecord, error) {
	row := h.db.QueryRowContext(ctx,
		`SELECT run_id, mode, total, failed, pass_rate, critical_count, ship, created_at
		 FROM runs
		 WHERE challenge_id = ? AND trace_set = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		challengeID, string(set),
	)
	rec := &RunRecord{ChallengeID: challengeID, Set: set}
	var ship int
	var created int64
	err := row.Scan(&rec.RunID, &rec.Mode, &rec.Summary.Total, &rec.Summary.Failed,
		&rec.Summary.PassRate, &rec.Summary.CriticalCount, &ship, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	rec.Summary.Ship = ship == 1
	rec.CreatedAt = time.Unix(0, created)

	rows, err := h.db.QueryContext(ctx,
		`SELECT trace_id, status, severity, cluster FROM run_verdicts WHERE run_id = ? ORDER BY position`,
		rec.RunID,
	)
	if err != nil {
		return nil, fmt.Errorf("latest run verdicts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v types.TraceVerdict
		var sev string
		if err := rows.Scan(&v.TraceID, &v.Status, &sev, &v.Cluster); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		v.Severity = types.Severity(sev)
		v.Evidence = []types.Evidence{}
		rec.Verdicts = append(rec.Verdicts, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("latest run verdict rows: %w", err)
	}
	return rec, nil
}

// QueryWindow returns the pass rates of the last windowSize runs for
// challengeID and set, most recent first.
func (h *HistoryStore) QueryWindow(ctx context.Context, challengeID string, set types.TraceSet, windowSize int) ([]float64, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT pass_rate FROM runs
		 WHERE challenge_id = ? AND trace_set = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		challengeID, string(set), windowSize,
	)
	if err != nil {
		return nil, fmt.Errorf("query window: %w", err)
	}
	defer rows.Close()

	var rates []float64
	for rows.Next() {
		var r float64
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan pass rate: %w", err)
		}
		rates = append(rates, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query window rows: %w", err)
	}
	return rates, nil
}

// Stats computes the mean and population standard deviation of the pass
// rates recorded for challengeID and set. Returns zero values when no runs exist.
func (h *HistoryStore) Stats(ctx context.Context, challengeID string, set types.TraceSet) (mean float64, stddev float64, count int, err error) {
	rates, err := h.QueryWindow(ctx, challengeID, set, -1)
	if err != nil {
		return 0, 0, 0, err
	}
	if len(rates) == 0 {
		return 0, 0, 0, nil
	}
	for _, r := range rates {
		mean += r
	}
	mean /= float64(len(rates))

	// SQLite lacks STDDEV_POP.
	var sumSqDiff float64
	for _, r := range rates {
		d := r - mean
		sumSqDiff += d * d
	}
	return mean, math.Sqrt(sumSqDiff / float64(len(rates))), len(rates), nil
}
