package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// SchemaVersion is bumped on every incompatible schema change. A database
// carrying another version is dropped and recreated.
const SchemaVersion = 1

const (
	createTablesSQL = `
	CREATE TABLE IF NOT EXISTS schema_versions (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS runs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at  INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		samples     INTEGER NOT NULL CHECK (samples > 0),
		interval_ms INTEGER NOT NULL CHECK (interval_ms > 0),
		channel     INTEGER NOT NULL CHECK (channel IN (0, 1, 2)),
		unit        TEXT    NOT NULL,
		outcome     TEXT    NOT NULL,
		error       TEXT    NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS readings (
		run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		idx    INTEGER NOT NULL,
		value  REAL    NOT NULL,
		PRIMARY KEY (run_id, idx)
	);`

	dropTablesSQL = `
	DROP TABLE IF EXISTS readings;
	DROP TABLE IF EXISTS runs;
	DROP TABLE IF EXISTS schema_versions;`

	insertRunSQL = `
	INSERT INTO runs (started_at, finished_at, samples, interval_ms, channel, unit, outcome, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	insertReadingSQL = `INSERT INTO readings (run_id, idx, value) VALUES (?, ?, ?)`

	selectRunsSQL = `
	SELECT r.id, r.started_at, r.finished_at, r.samples, r.interval_ms, r.channel,
	       r.unit, r.outcome, r.error, COUNT(d.idx)
	FROM runs r LEFT JOIN readings d ON d.run_id = r.id
	GROUP BY r.id
	ORDER BY r.id DESC
	LIMIT ?`

	selectRunSQL = `
	SELECT id, started_at, finished_at, samples, interval_ms, channel, unit, outcome, error, 0
	FROM runs WHERE id = ?`

	selectReadingsSQL = `SELECT idx, value FROM readings WHERE run_id = ? ORDER BY idx`
)

// schemaVersion returns the recorded version, or 0 for an empty database.
func schemaVersion(db *sql.DB) (int, error) {
	var exists bool
	err := db.QueryRow(`
		SELECT EXISTS (
			SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'schema_versions'
		)`).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check schema table: %w", err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`SELECT version FROM schema_versions ORDER BY version DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// migrate brings db to SchemaVersion. Run history from an older layout is
// discarded.
func migrate(db *sql.DB, log zerolog.Logger) error {
	version, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if version == SchemaVersion {
		log.Debug().Int("version", version).Msg("schema is current")
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if version != 0 {
		log.Warn().Int("found", version).Int("want", SchemaVersion).Msg("schema mismatch, recreating run history")
		if _, err := tx.Exec(dropTablesSQL); err != nil {
			return fmt.Errorf("drop tables: %w", err)
		}
	}
	if _, err := tx.Exec(createTablesSQL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_versions (version, applied_at) VALUES (?, datetime('now'))`, SchemaVersion); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info().Int("version", SchemaVersion).Msg("schema initialized")
	return nil
}
