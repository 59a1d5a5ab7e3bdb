package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/ultrasonic.position/internal/position"
)

// ErrNoRuns is returned by LatestRun on an empty database.
var ErrNoRuns = errors.New("no locator runs recorded")

// DB is the position log.
type DB struct {
	*sql.DB
}

// pragmas are applied by the driver to every pooled connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(1)",
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(path)
	for _, p := range pragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// NewDB opens the database at path and brings its schema up to date.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	db := &DB{sqlDB}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Run is one execution of the locator against a capture source.
type Run struct {
	RunID       string          `json:"run_id"`
	StartedAtNs int64           `json:"started_at_ns"`
	Source      string          `json:"source"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// PositionRecord is one logged estimate.
type PositionRecord struct {
	ID           int64   `json:"id"`
	RunID        string  `json:"run_id"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Error        float64 `json:"error"`
	RecordedAtNs int64   `json:"recorded_at_ns"`
}

// RecordedAt returns the record time.
func (p PositionRecord) RecordedAt() time.Time {
	return time.Unix(0, p.RecordedAtNs)
}

// StartRun registers a new run. config is stored as JSON and may be nil.
func (db *DB) StartRun(source string, config any) (*Run, error) {
	run := &Run{
		RunID:       uuid.New().String(),
		StartedAtNs: time.Now().UnixNano(),
		Source:      source,
	}
	var configJSON sql.NullString
	if config != nil {
		b, err := json.Marshal(config)
		if err != nil {
			return nil, fmt.Errorf("marshal run config: %w", err)
		}
		run.Config = b
		configJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := db.Exec(
		`INSERT INTO locator_runs (run_id, started_at_ns, source, config_json) VALUES (?, ?, ?, ?)`,
		run.RunID, run.StartedAtNs, run.Source, configJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// Runs returns every run, newest first.
func (db *DB) Runs() ([]Run, error) {
	rows, err := db.Query(`SELECT run_id, started_at_ns, source, config_json FROM locator_runs
		ORDER BY started_at_ns DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run        Run
			configJSON sql.NullString
		)
		if err := rows.Scan(&run.RunID, &run.StartedAtNs, &run.Source, &configJSON); err != nil {
			return nil, err
		}
		if configJSON.Valid {
			run.Config = json.RawMessage(configJSON.String)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recently started run.
func (db *DB) LatestRun() (*Run, error) {
	runs, err := db.Runs()
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNoRuns
	}
	return &runs[0], nil
}

// RecordPosition logs an estimate published during runID.
func (db *DB) RecordPosition(runID string, est position.Estimate, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO positions (run_id, x_ft, y_ft, fit_error, recorded_at_ns) VALUES (?, ?, ?, ?, ?)`,
		runID, est.X, est.Y, est.Error, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// RecentPositions returns up to limit estimates across all runs, newest
// first.
func (db *DB) RecentPositions(limit int) ([]PositionRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	return db.queryPositions(`SELECT position_id, run_id, x_ft, y_ft, fit_error, recorded_at_ns
		FROM positions ORDER BY recorded_at_ns DESC, position_id DESC LIMIT ?`, limit)
}

// RunPositions returns the estimates of one run in the order they were
// recorded.
func (db *DB) RunPositions(runID string) ([]PositionRecord, error) {
	return db.queryPositions(`SELECT position_id, run_id, x_ft, y_ft, fit_error, recorded_at_ns
		FROM positions WHERE run_id = ? ORDER BY recorded_at_ns, position_id`, runID)
}

func (db *DB) queryPositions(query string, args ...any) ([]PositionRecord, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []PositionRecord
	for rows.Next() {
		var p PositionRecord
		if err := rows.Scan(&p.ID, &p.RunID, &p.X, &p.Y, &p.Error, &p.RecordedAtNs); err != nil {
			return nil, err
		}
		records = append(records, p)
	}
	return records, rows.Err()
}
