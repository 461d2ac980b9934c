// Package store is the local persistence for the client: the session
// identity reused across restarts, and observed stage durations that
// refresh the shipped benchmark table with real history.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"tether/model"
)

type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at the given path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	d := &DB{db: db}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stage_durations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stage TEXT NOT NULL,
		seconds REAL NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_stage_durations_stage ON stage_durations(stage);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

func (d *DB) Close() error { return d.db.Close() }

// LoadSession returns the persisted identity, or empty values when
// none exists yet.
func (d *DB) LoadSession() (string, time.Time, error) {
	var id string
	var createdAt time.Time
	err := d.db.QueryRow(`SELECT id, created_at FROM session LIMIT 1`).Scan(&id, &createdAt)
	if err == sql.ErrNoRows {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("store: load session: %w", err)
	}
	return id, createdAt, nil
}

// SaveSession replaces the persisted identity. There is only ever one
// row: a new session supersedes the old one completely.
func (d *DB) SaveSession(id string, createdAt time.Time) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM session`); err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO session (id, created_at) VALUES (?, ?)`, id, createdAt); err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	return tx.Commit()
}

// RecordStageDuration appends one completed-stage observation.
func (d *DB) RecordStageDuration(stage model.StageID, seconds float64) error {
	_, err := d.db.Exec(`INSERT INTO stage_durations (stage, seconds) VALUES (?, ?)`, string(stage), seconds)
	if err != nil {
		return fmt.Errorf("store: record stage duration: %w", err)
	}
	return nil
}

// StageAverages returns the mean observed duration per stage over the
// most recent observations, for folding into the benchmark table.
func (d *DB) StageAverages(limitPerStage int) (map[model.StageID]float64, error) {
	if limitPerStage <= 0 {
		limitPerStage = 20
	}
	rows, err := d.db.Query(`
		SELECT stage, AVG(seconds) FROM (
			SELECT stage, seconds,
				ROW_NUMBER() OVER (PARTITION BY stage ORDER BY recorded_at DESC) AS rn
			FROM stage_durations
		) WHERE rn <= ?
		GROUP BY stage`, limitPerStage)
	if err != nil {
		return nil, fmt.Errorf("store: stage averages: %w", err)
	}
	defer rows.Close()

	out := make(map[model.StageID]float64)
	for rows.Next() {
		var stage string
		var avg float64
		if err := rows.Scan(&stage, &avg); err != nil {
			return nil, fmt.Errorf("store: stage averages: %w", err)
		}
		out[model.StageID(stage)] = avg
	}
	return out, rows.Err()
}
