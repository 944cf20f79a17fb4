// Package sqlitestore persists run metadata, sample records, and analysis
// summaries in SQLite (spec §6 persisted-state layout). Write transactions
// are serialized per run; WAL mode allows concurrent reads while the
// recorder is appending.
package sqlitestore

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run statuses (spec §3 lifecycle).
const (
	StatusRecording = "recording"
	StatusAnalyzing = "analyzing"
	StatusComplete  = "complete"
	StatusError     = "error"
)

// ErrRunNotFound is returned when a run_id doesn't exist.
var ErrRunNotFound = errors.New("sqlitestore: run not found")

// DB wraps the SQLite connection pool.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the history database at path, applies the
// connection PRAGMAs, and runs all pending migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db := &DB{conn}
	if err := db.applyPragmas(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply PRAGMAs: %w", err)
	}
	if err := db.migrateUp(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// applyPragmas applies the SQLite settings needed for a single-writer,
// many-reader workload: WAL allows reads during the recorder's appends, and
// busy_timeout avoids immediate "database is locked" errors.
func (db *DB) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (db *DB) migrateUp() error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub-filesystem for embedded migrations: %w", err)
	}
	sourceDriver, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("failed to create iofs source driver: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	// The migrate instance must not be closed here: the sqlite driver's
	// Close() would close the shared sql.DB pool.
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// RunRow is one row of the runs table.
type RunRow struct {
	RunID            string  `json:"run_id"`
	Status           string  `json:"status"`
	MetadataJSON     string  `json:"metadata_json"`
	AnalysisJSON     *string `json:"analysis_json,omitempty"`
	ErrorMessage     *string `json:"error_message,omitempty"`
	AnalysisAttempts int     `json:"analysis_attempts"`
	StartTimeUTC     string  `json:"start_time_utc"`
	EndTimeUTC       *string `json:"end_time_utc,omitempty"`
	SampleCount      int     `json:"sample_count"`
}

func utcString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// CreateRun inserts a new run in recording state.
func (db *DB) CreateRun(runID, metadataJSON string, start time.Time) error {
	_, err := db.Exec(
		`INSERT INTO runs (run_id, status, metadata_json, start_time_utc) VALUES (?, ?, ?, ?)`,
		runID, StatusRecording, metadataJSON, utcString(start),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: create run: %w", err)
	}
	return nil
}

// AppendSamples writes a batch of sample rows for a run in one transaction,
// assigning sequence numbers startSeq, startSeq+1, ...
func (db *DB) AppendSamples(runID string, startSeq int, sampleJSON []string) error {
	if len(sampleJSON) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("sqlitestore: begin append: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO samples (run_id, seq, sample_json) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlitestore: prepare append: %w", err)
	}
	for i, body := range sampleJSON {
		if _, err := stmt.Exec(runID, startSeq+i, body); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("sqlitestore: insert sample: %w", err)
		}
	}
	stmt.Close()
	return tx.Commit()
}

// SetStatus updates a run's lifecycle status.
func (db *DB) SetStatus(runID, status string) error {
	res, err := db.Exec(`UPDATE runs SET status = ? WHERE run_id = ?`, status, runID)
	if err != nil {
		return fmt.Errorf("sqlitestore: set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// EndRun stamps the run's end time and moves it to the analyzing state.
func (db *DB) EndRun(runID string, end time.Time) error {
	res, err := db.Exec(
		`UPDATE runs SET status = ?, end_time_utc = ? WHERE run_id = ?`,
		StatusAnalyzing, utcString(end), runID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// SaveAnalysis stores the completed analysis document and marks the run
// complete.
func (db *DB) SaveAnalysis(runID, analysisJSON string) error {
	res, err := db.Exec(
		`UPDATE runs SET status = ?, analysis_json = ?, error_message = NULL WHERE run_id = ?`,
		StatusComplete, analysisJSON, runID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: save analysis: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// FailRun marks a run as errored with a message (spec §7 WorkerFailure).
func (db *DB) FailRun(runID, message string) error {
	res, err := db.Exec(
		`UPDATE runs SET status = ?, error_message = ? WHERE run_id = ?`,
		StatusError, message, runID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: fail run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// IncrementAnalysisAttempts bumps the per-run retry counter and returns the
// new value.
func (db *DB) IncrementAnalysisAttempts(runID string) (int, error) {
	_, err := db.Exec(`UPDATE runs SET analysis_attempts = analysis_attempts + 1 WHERE run_id = ?`, runID)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: increment attempts: %w", err)
	}
	var attempts int
	err = db.QueryRow(`SELECT analysis_attempts FROM runs WHERE run_id = ?`, runID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrRunNotFound
	}
	return attempts, err
}

// GetRun fetches one run row, including its sample count.
func (db *DB) GetRun(runID string) (RunRow, error) {
	row := db.QueryRow(`
		SELECT r.run_id, r.status, r.metadata_json, r.analysis_json, r.error_message,
		       r.analysis_attempts, r.start_time_utc, r.end_time_utc,
		       (SELECT COUNT(*) FROM samples s WHERE s.run_id = r.run_id)
		FROM runs r WHERE r.run_id = ?`, runID)
	var out RunRow
	err := row.Scan(&out.RunID, &out.Status, &out.MetadataJSON, &out.AnalysisJSON,
		&out.ErrorMessage, &out.AnalysisAttempts, &out.StartTimeUTC, &out.EndTimeUTC, &out.SampleCount)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRow{}, ErrRunNotFound
	}
	return out, err
}

// ListRuns returns every run, newest first, without the (potentially large)
// analysis document bodies.
func (db *DB) ListRuns() ([]RunRow, error) {
	rows, err := db.Query(`
		SELECT r.run_id, r.status, r.metadata_json, r.error_message,
		       r.analysis_attempts, r.start_time_utc, r.end_time_utc,
		       (SELECT COUNT(*) FROM samples s WHERE s.run_id = r.run_id)
		FROM runs r ORDER BY r.start_time_utc DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRow
	for rows.Next() {
		var r RunRow
		if err := rows.Scan(&r.RunID, &r.Status, &r.MetadataJSON, &r.ErrorMessage,
			&r.AnalysisAttempts, &r.StartTimeUTC, &r.EndTimeUTC, &r.SampleCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRun removes a run's metadata, samples, and analysis in one
// transaction (spec §3: atomic delete).
func (db *DB) DeleteRun(runID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("sqlitestore: begin delete: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM samples WHERE run_id = ?`, runID); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlitestore: delete samples: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlitestore: delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return ErrRunNotFound
	}
	return tx.Commit()
}

// SamplesForRun streams every sample row for a run in seq order, skipping
// rows whose JSON no longer parses (spec §7 CorruptRecord: skipped with a
// counter increment).
func (db *DB) SamplesForRun(runID string) (samples []json.RawMessage, corrupt int, err error) {
	rows, err := db.Query(`SELECT sample_json FROM samples WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, corrupt, err
		}
		if !json.Valid([]byte(body)) {
			corrupt++
			continue
		}
		samples = append(samples, json.RawMessage(body))
	}
	return samples, corrupt, rows.Err()
}

// ExportNDJSON streams a run as newline-delimited JSON: one metadata object,
// then one object per sample (spec §6 export contract). Corrupt sample rows
// are skipped.
func (db *DB) ExportNDJSON(w io.Writer, runID string) error {
	run, err := db.GetRun(runID)
	if err != nil {
		return err
	}
	meta := map[string]any{
		"record_type":    "run_metadata",
		"run_id":         run.RunID,
		"status":         run.Status,
		"start_time_utc": run.StartTimeUTC,
		"end_time_utc":   run.EndTimeUTC,
	}
	var metaBody map[string]any
	if err := json.Unmarshal([]byte(run.MetadataJSON), &metaBody); err == nil {
		for k, v := range metaBody {
			if _, exists := meta[k]; !exists {
				meta[k] = v
			}
		}
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(meta); err != nil {
		return err
	}
	rows, err := db.Query(`SELECT sample_json FROM samples WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return err
		}
		if !json.Valid([]byte(body)) {
			continue
		}
		if _, err := io.WriteString(w, body); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return rows.Err()
}

// RecoveredRun describes a run whose state was repaired at startup.
type RecoveredRun struct {
	RunID    string
	Requeued bool
}

// RecoverInterrupted repairs runs left in a non-terminal state by a crash:
// a run still "recording" is closed as error, and a run stuck in
// "analyzing" is re-queued for analysis unless it has already burned
// maxAttempts tries, in which case it is errored permanently.
func (db *DB) RecoverInterrupted(maxAttempts int, now time.Time) ([]RecoveredRun, error) {
	rows, err := db.Query(`SELECT run_id, status, analysis_attempts FROM runs WHERE status IN (?, ?)`,
		StatusRecording, StatusAnalyzing)
	if err != nil {
		return nil, err
	}
	type stale struct {
		id       string
		status   string
		attempts int
	}
	var found []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.status, &s.attempts); err != nil {
			rows.Close()
			return nil, err
		}
		found = append(found, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []RecoveredRun
	for _, s := range found {
		switch {
		case s.status == StatusRecording:
			_, err := db.Exec(
				`UPDATE runs SET status = ?, error_message = ?, end_time_utc = COALESCE(end_time_utc, ?) WHERE run_id = ?`,
				StatusError, "recording interrupted by restart", utcString(now), s.id,
			)
			if err != nil {
				return out, err
			}
			out = append(out, RecoveredRun{RunID: s.id})
		case s.attempts >= maxAttempts:
			_, err := db.Exec(
				`UPDATE runs SET status = ?, error_message = ? WHERE run_id = ?`,
				StatusError, "analysis failed after maximum retries", s.id,
			)
			if err != nil {
				return out, err
			}
			out = append(out, RecoveredRun{RunID: s.id})
		default:
			if _, err := db.Exec(`UPDATE runs SET analysis_attempts = analysis_attempts + 1 WHERE run_id = ?`, s.id); err != nil {
				return out, err
			}
			out = append(out, RecoveredRun{RunID: s.id, Requeued: true})
		}
	}
	return out, nil
}
