// Package checkpoint records committed batches so an interrupted run can be
// resumed without repeating work.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	state       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS batches (
	fingerprint  TEXT NOT NULL,
	batch_id     TEXT NOT NULL,
	phase        TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	committed_at TEXT NOT NULL,
	PRIMARY KEY (fingerprint, batch_id)
);`

// Run is one recorded run.
type Run struct {
	ID          string
	Fingerprint string
	StartedAt   time.Time
	FinishedAt  time.Time
	State       string
}

// Ledger is a SQLite-backed record of runs and committed batches, keyed by
// input fingerprint.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the ledger at path.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("checkpoint: path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("checkpoint: create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite: %w", err)
	}
	// Workers record commits concurrently; one connection serializes them.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: create tables: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Close releases the database.
func (l *Ledger) Close() error { return l.db.Close() }

// StartRun records a new run. Unless resume is set, batches recorded for
// the same fingerprint by earlier runs are forgotten first.
func (l *Ledger) StartRun(ctx context.Context, runID, fingerprint string, resume bool) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: begin: %w", err)
	}
	defer tx.Rollback()
	if !resume {
		if _, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE fingerprint = ?`, fingerprint); err != nil {
			return fmt.Errorf("checkpoint: reset: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, fingerprint, started_at, state) VALUES (?, ?, ?, ?)`,
		runID, fingerprint, l.stamp(), "Init"); err != nil {
		return fmt.Errorf("checkpoint: insert run: %w", err)
	}
	return tx.Commit()
}

// FinishRun stores the final state of a run.
func (l *Ledger) FinishRun(ctx context.Context, runID, state string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, state = ? WHERE run_id = ?`, l.stamp(), state, runID)
	if err != nil {
		return fmt.Errorf("checkpoint: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("checkpoint: unknown run %q", runID)
	}
	return nil
}

// MarkCommitted records a committed batch. Recording it twice is harmless.
func (l *Ledger) MarkCommitted(ctx context.Context, runID, fingerprint, batchID, phase string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO batches (fingerprint, batch_id, phase, run_id, committed_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (fingerprint, batch_id) DO NOTHING`,
		fingerprint, batchID, phase, runID, l.stamp())
	if err != nil {
		return fmt.Errorf("checkpoint: mark %s: %w", batchID, err)
	}
	return nil
}

// Committed returns the ids of batches already committed for fingerprint.
func (l *Ledger) Committed(ctx context.Context, fingerprint string) (map[string]bool, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT batch_id FROM batches WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: select batches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("checkpoint: scan: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// LastRun returns the most recent run for fingerprint, or nil.
func (l *Ledger) LastRun(ctx context.Context, fingerprint string) (*Run, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT run_id, fingerprint, started_at, COALESCE(finished_at, ''), state FROM runs
		 WHERE fingerprint = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`, fingerprint)
	var (
		r                 Run
		started, finished string
	)
	if err := row.Scan(&r.ID, &r.Fingerprint, &started, &finished, &r.State); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: last run: %w", err)
	}
	r.StartedAt, _ = time.Parse(stampLayout, started)
	if finished != "" {
		r.FinishedAt, _ = time.Parse(stampLayout, finished)
	}
	return &r, nil
}

// stampLayout is fixed width so stamps sort as text.
const stampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (l *Ledger) stamp() string { return l.now().UTC().Format(stampLayout) }

// Fingerprint hashes everything that determines batch boundaries: the
// input streams and the settings that cut them into batches.
func Fingerprint(inputs []io.Reader, settings ...string) (string, error) {
	h := sha256.New()
	for i, r := range inputs {
		if r == nil {
			continue
		}
		fmt.Fprintf(h, "input:%d\n", i)
		if _, err := io.Copy(h, r); err != nil {
			return "", fmt.Errorf("checkpoint: fingerprint: %w", err)
		}
	}
	for _, s := range settings {
		fmt.Fprintf(h, "setting:%s\n", s)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FingerprintFiles is Fingerprint over files. Empty paths are skipped.
func FingerprintFiles(paths []string, settings ...string) (string, error) {
	var readers []io.Reader
	for _, p := range paths {
		if p == "" {
			readers = append(readers, nil)
			continue
		}
		f, err := os.Open(p)
		if err != nil {
			return "", fmt.Errorf("checkpoint: fingerprint: %w", err)
		}
		defer f.Close()
		readers = append(readers, f)
	}
	return Fingerprint(readers, settings...)
}
