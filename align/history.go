package align

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	partial     INTEGER NOT NULL DEFAULT 0,
	total       INTEGER NOT NULL,
	accepted    INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	mean_error  REAL
);
CREATE TABLE IF NOT EXISTS attempts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	mesh_id     TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	seq         INTEGER NOT NULL,
	method      TEXT NOT NULL,
	error       REAL,
	tier        TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	final       INTEGER NOT NULL DEFAULT 0,
	state       TEXT NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_mesh ON attempts(mesh_id);
`

// HistoryEntry is one stored attempt.
type HistoryEntry struct {
	RunID      string     `json:"runId"`
	MeshID     string     `json:"meshId"`
	Category   string     `json:"category,omitempty"`
	Seq        int        `json:"seq"`
	Method     Method     `json:"method"`
	Error      *float64   `json:"error"`
	Tier       Tier       `json:"tier"`
	Reason     ReasonCode `json:"reason,omitempty"`
	Final      bool       `json:"final"`
	State      State      `json:"state"`
	RecordedAt time.Time  `json:"recordedAt"`
}

// RunSummary is one stored batch run.
type RunSummary struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
	Partial    bool      `json:"partial"`
	Total      int       `json:"total"`
	Accepted   int       `json:"accepted"`
	Failed     int       `json:"failed"`
	MeanError  *float64  `json:"meanError"`
}

// History stores attempts of past runs in SQLite.
type History struct {
	db *sql.DB
}

// OpenHistory opens or creates the database at path.
func OpenHistory(path string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &History{db: db}, nil
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

// RecordRun stores a batch run and every attempt of its outcomes in one
// transaction.
func (h *History) RecordRun(ctx context.Context, res BatchResult) error {
	r := res.Report
	if r.RunID == "" {
		return fmt.Errorf("record run: report has no run id")
	}
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var mean sql.NullFloat64
	if r.Overall.Count > 0 {
		mean = sql.NullFloat64{Float64: r.Overall.Mean, Valid: true}
	}
	var finished sql.NullString
	if !r.FinishedAt.IsZero() {
		finished = sql.NullString{String: r.FinishedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs(id, started_at, finished_at, partial, total, accepted, failed, mean_error)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.StartedAt.UTC().Format(time.RFC3339Nano), finished, r.Partial, r.Total, r.Accepted, r.Failed, mean)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO attempts(run_id, mesh_id, category, seq, method, error, tier, reason, final, state, recorded_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare attempt insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, o := range res.Outcomes {
		fi := finalIndex(o)
		for i, a := range o.Attempts {
			var errVal sql.NullFloat64
			if a.Available {
				errVal = sql.NullFloat64{Float64: a.Error, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, r.RunID, o.MeshID, o.Category, i, string(a.Method), errVal,
				string(a.Tier), string(a.Reason), i == fi, string(o.State), now); err != nil {
				return fmt.Errorf("insert attempt %s/%d: %w", o.MeshID, i, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// finalIndex returns the index of the attempt chosen as final.
func finalIndex(o Outcome) int {
	if o.Final == nil {
		return -1
	}
	for i := len(o.Attempts) - 1; i >= 0; i-- {
		a := o.Attempts[i]
		if a.Method == o.Final.Method && a.Available == o.Final.Available && a.Error == o.Final.Error {
			return i
		}
	}
	return -1
}

// MeshHistory returns every stored attempt for meshID, oldest first.
func (h *History) MeshHistory(ctx context.Context, meshID string) ([]HistoryEntry, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT run_id, mesh_id, category, seq, method, error, tier, reason, final, state, recorded_at
		 FROM attempts WHERE mesh_id = ? ORDER BY id`, meshID)
	if err != nil {
		return nil, fmt.Errorf("query mesh history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			e        HistoryEntry
			method   string
			errVal   sql.NullFloat64
			tier     string
			reason   string
			state    string
			recorded string
		)
		if err := rows.Scan(&e.RunID, &e.MeshID, &e.Category, &e.Seq, &method, &errVal, &tier, &reason, &e.Final, &state, &recorded); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		e.Method, e.Tier, e.Reason, e.State = Method(method), Tier(tier), ReasonCode(reason), State(state)
		if errVal.Valid {
			v := errVal.Float64
			e.Error = &v
		}
		e.RecordedAt, _ = time.Parse(time.RFC3339Nano, recorded)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Runs returns the most recent runs, newest first. limit <= 0 returns all.
func (h *History) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	q := `SELECT id, started_at, finished_at, partial, total, accepted, failed, mean_error
	      FROM runs ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := h.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunSummary
	for rows.Next() {
		var (
			r        RunSummary
			started  string
			finished sql.NullString
			mean     sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.Partial, &r.Total, &r.Accepted, &r.Failed, &mean); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished.Valid {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
		}
		if mean.Valid {
			v := mean.Float64
			r.MeanError = &v
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// BestMethods returns, per mesh, the method of the lowest stored error below
// maxError. The result can seed Overrides for later runs.
func (h *History) BestMethods(ctx context.Context, maxError float64) (Overrides, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT mesh_id, method FROM attempts
		 WHERE error IS NOT NULL AND error < ?
		 ORDER BY mesh_id, error, id`, maxError)
	if err != nil {
		return nil, fmt.Errorf("query best methods: %w", err)
	}
	defer func() { _ = rows.Close() }()

	best := make(Overrides)
	for rows.Next() {
		var meshID, method string
		if err := rows.Scan(&meshID, &method); err != nil {
			return nil, fmt.Errorf("scan best method: %w", err)
		}
		if _, seen := best[meshID]; seen {
			continue
		}
		if m := Method(method); m.Valid() {
			best[meshID] = m
		}
	}
	return best, rows.Err()
}
