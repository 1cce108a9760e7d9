// Package store keeps the history of finished runs in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/pmsdash/internal/acquisition"
	"github.com/shaunagostinho/pmsdash/internal/logger"
	"github.com/shaunagostinho/pmsdash/internal/protocol"
)

var (
	ErrNotFound   = errors.New("store: run not found")
	ErrUnfinished = errors.New("store: run has not finished")
)

// Config selects the database file.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	// Keep bounds the number of runs returned by List when no limit is given.
	Keep int `yaml:"keep" json:"keep"`
}

// Run is a persisted run. Count is the number of stored readings; Readings
// is only filled by Load.
type Run struct {
	ID int64 `json:"id"`
	acquisition.RunInfo
	Count    int                   `json:"count"`
	Readings []acquisition.Reading `json:"readings,omitempty"`
}

// Store is the run history database.
type Store struct {
	db   *sql.DB
	keep int
	log  zerolog.Logger
}

// Open opens or creates the database at cfg.Path and brings its schema up to
// date.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal=WAL&_fk=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// A single connection serializes writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)

	log := logger.For("store")
	if err := migrate(db, log); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}

	keep := cfg.Keep
	if keep <= 0 {
		keep = 100
	}
	log.Info().Str("path", cfg.Path).Int("schema_version", SchemaVersion).Msg("run history opened")
	return &Store{db: db, keep: keep, log: log}, nil
}

// Save persists a finished run and its readings in one transaction and
// returns the new run ID.
func (s *Store) Save(ctx context.Context, run acquisition.RunInfo, readings []acquisition.Reading) (int64, error) {
	if !run.Finished() {
		return 0, ErrUnfinished
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, insertRunSQL,
		run.StartedAt.UnixNano(),
		run.FinishedAt.UnixNano(),
		run.Config.Samples,
		run.Config.IntervalMs,
		int(run.Config.Channel),
		run.Unit,
		run.Outcome.String(),
		run.Error,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: run id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, insertReadingSQL)
	if err != nil {
		return 0, fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()
	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx, id, r.Index, r.Value); err != nil {
			return 0, fmt.Errorf("store: insert reading %d: %w", r.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	s.log.Info().Int64("id", id).Stringer("outcome", run.Outcome).Int("readings", len(readings)).Msg("run saved")
	return id, nil
}

// List returns up to limit runs, newest first, without their readings.
// A non-positive limit uses the configured Keep.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = s.keep
	}
	rows, err := s.db.QueryContext(ctx, selectRunsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Load returns one run with all its readings.
func (s *Store) Load(ctx context.Context, id int64) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, selectRunSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return Run{}, err
	}

	rows, err := s.db.QueryContext(ctx, selectReadingsSQL, id)
	if err != nil {
		return Run{}, fmt.Errorf("store: load readings: %w", err)
	}
	defer rows.Close()

	r.Readings = []acquisition.Reading{}
	for rows.Next() {
		var rd acquisition.Reading
		if err := rows.Scan(&rd.Index, &rd.Value); err != nil {
			return Run{}, fmt.Errorf("store: scan reading: %w", err)
		}
		rd.Elapsed = float64(rd.Index) * float64(r.Config.IntervalMs) / 1000
		rd.Unit = r.Unit
		r.Readings = append(r.Readings, rd)
	}
	if err := rows.Err(); err != nil {
		return Run{}, err
	}
	r.Count = len(r.Readings)
	return r, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn().Err(err).Msg("wal checkpoint failed")
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r                 Run
		started, finished int64
		channel           int
		outcome           string
	)
	err := sc.Scan(&r.ID, &started, &finished, &r.Config.Samples, &r.Config.IntervalMs,
		&channel, &r.Unit, &outcome, &r.Error, &r.Count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("store: scan run: %w", err)
	}
	r.Config.Channel = protocol.Channel(channel)
	r.StartedAt = time.Unix(0, started)
	r.FinishedAt = time.Unix(0, finished)
	r.Outcome = acquisition.ParseOutcome(outcome)
	return r, nil
}
