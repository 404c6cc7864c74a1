// Package store provides the durable SQLite queue of offline civic-issue reports.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DB is the SQLite-backed offline report queue.
type DB struct {
	path string
	conn *sql.DB
}

// Draft is the caller-supplied part of a report. The store assigns
// everything else (id, submission id, timestamp, sync state).
type Draft struct {
	Category    string
	Description string
	Latitude    *float64
	Longitude   *float64
	Image       []byte
}

// Report is a queued civic-issue report.
type Report struct {
	ID            int64
	SubmissionID  string
	Category      string
	Description   string
	Latitude      *float64
	Longitude     *float64
	Image         []byte
	CreatedAt     string
	Synced        bool
	Attempts      int
	NextAttemptAt string // RFC3339; empty means due immediately
	LastError     string
	DeadLetter    bool
}

// createReportsTableSQL defines the schema for the report queue.
// AUTOINCREMENT guarantees ids are monotonic and never reused after delete.
const createReportsTableSQL = `
CREATE TABLE IF NOT EXISTS reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    submission_id TEXT NOT NULL,
    category TEXT NOT NULL,
    description TEXT NOT NULL,
    latitude REAL,
    longitude REAL,
    image BLOB,
    created_at TEXT NOT NULL,
    synced INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    next_attempt_at TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    dead_letter INTEGER NOT NULL DEFAULT 0
);
`

const createSyncedIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_reports_synced ON reports(synced, dead_letter);
`

// Open creates or opens the report queue database at the given path and
// initializes the schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer, so we limit to one connection
	// to prevent "database is locked" errors when triggers overlap.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if _, err := conn.Exec(createReportsTableSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create reports table: %w", err)
	}
	if _, err := conn.Exec(createSyncedIndexSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create reports index: %w", err)
	}

	return &DB{path: path, conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// SaveReport inserts a new pending report and returns its assigned id.
// The store sets created_at to the current time, assigns a fresh
// submission id, and creates the record with synced=0.
func (db *DB) SaveReport(draft Draft) (int64, error) {
	createdAt := time.Now().UTC().Format(time.RFC3339)
	submissionID := uuid.NewString()

	query := `
		INSERT INTO reports (submission_id, category, description, latitude, longitude, image, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := db.conn.Exec(query,
		submissionID,
		draft.Category,
		draft.Description,
		nullFloat(draft.Latitude),
		nullFloat(draft.Longitude),
		draft.Image,
		createdAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save report: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}

	return id, nil
}

const reportColumns = `id, submission_id, category, description, latitude, longitude, image,
       created_at, synced, attempts, next_attempt_at, last_error, dead_letter`

// PendingReports retrieves all reports that have not been synced or
// dead-lettered.
func (db *DB) PendingReports() ([]Report, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM reports
		WHERE synced = 0 AND dead_letter = 0
		ORDER BY id ASC
	`, reportColumns)

	return db.queryReports(query)
}

// DueReports retrieves pending reports whose retry delay has elapsed as
// of the given time. Reports that have never been attempted are always due.
func (db *DB) DueReports(now time.Time) ([]Report, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM reports
		WHERE synced = 0 AND dead_letter = 0
		  AND (next_attempt_at = '' OR next_attempt_at <= ?)
		ORDER BY id ASC
	`, reportColumns)

	return db.queryReports(query, now.UTC().Format(time.RFC3339))
}

// DeadLetterReports retrieves all dead-lettered reports.
func (db *DB) DeadLetterReports() ([]Report, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM reports
		WHERE dead_letter = 1
		ORDER BY id ASC
	`, reportColumns)

	return db.queryReports(query)
}

// GetReport retrieves a single report by id. Returns nil if not found.
func (db *DB) GetReport(id int64) (*Report, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM reports
		WHERE id = ?
	`, reportColumns)

	row := db.conn.QueryRow(query, id)
	return scanReportFrom(row)
}

// MarkSynced marks the report with the given id as synced. Calling it
// for a missing id is a no-op.
func (db *DB) MarkSynced(id int64) error {
	_, err := db.conn.Exec("UPDATE reports SET synced = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to mark report %d synced: %w", id, err)
	}
	return nil
}

// DeleteReport removes the report with the given id. Calling it for a
// missing id is a no-op.
func (db *DB) DeleteReport(id int64) error {
	_, err := db.conn.Exec("DELETE FROM reports WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete report %d: %w", id, err)
	}
	return nil
}

// RecordFailure updates the retry bookkeeping for a report after a
// failed upload attempt.
func (db *DB) RecordFailure(id int64, attempts int, nextAttemptAt time.Time, lastError string) error {
	query := `
		UPDATE reports
		SET attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?
	`

	_, err := db.conn.Exec(query, attempts, nextAttemptAt.UTC().Format(time.RFC3339), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to record failure for report %d: %w", id, err)
	}
	return nil
}

// MarkDeadLetter flags a report as dead-lettered so it is excluded from
// future sweeps until explicitly re-queued.
func (db *DB) MarkDeadLetter(id int64, lastError string) error {
	query := `
		UPDATE reports
		SET dead_letter = 1, last_error = ?
		WHERE id = ?
	`

	_, err := db.conn.Exec(query, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to dead-letter report %d: %w", id, err)
	}
	return nil
}

// RequeueDeadLetter clears the dead-letter flag and retry bookkeeping so
// the report becomes eligible for the next sweep.
func (db *DB) RequeueDeadLetter(id int64) error {
	query := `
		UPDATE reports
		SET dead_letter = 0, attempts = 0, next_attempt_at = '', last_error = ''
		WHERE id = ? AND dead_letter = 1
	`

	result, err := db.conn.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to requeue report %d: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no dead-lettered report with id %d", id)
	}

	return nil
}

// PurgeSynced removes reports that were marked synced but not deleted,
// which can happen if the process dies between the two steps. Returns
// the number of rows removed.
func (db *DB) PurgeSynced() (int64, error) {
	result, err := db.conn.Exec("DELETE FROM reports WHERE synced = 1")
	if err != nil {
		return 0, fmt.Errorf("failed to purge synced reports: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func (db *DB) queryReports(query string, args ...interface{}) ([]Report, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	reports := []Report{}
	for rows.Next() {
		report, err := scanReportFrom(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *report)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating report rows: %w", err)
	}

	return reports, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReportFrom(s scanner) (*Report, error) {
	var r Report
	var latitude, longitude sql.NullFloat64
	var nextAttemptAt, lastError sql.NullString
	var synced, deadLetter int

	err := s.Scan(
		&r.ID,
		&r.SubmissionID,
		&r.Category,
		&r.Description,
		&latitude,
		&longitude,
		&r.Image,
		&r.CreatedAt,
		&synced,
		&r.Attempts,
		&nextAttemptAt,
		&lastError,
		&deadLetter,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan report: %w", err)
	}

	if latitude.Valid {
		v := latitude.Float64
		r.Latitude = &v
	}
	if longitude.Valid {
		v := longitude.Float64
		r.Longitude = &v
	}
	r.NextAttemptAt = nextAttemptAt.String
	r.LastError = lastError.String
	r.Synced = synced == 1
	r.DeadLetter = deadLetter == 1

	return &r, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
