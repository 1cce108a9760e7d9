package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/pmsdash/internal/acquisition"
	"github.com/shaunagostinho/pmsdash/internal/protocol"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db", "runs.db")
	s, err := Open(Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func finishedRun(outcome acquisition.Outcome) (acquisition.RunInfo, []acquisition.Reading) {
	cfg := acquisition.Config{Samples: 3, IntervalMs: 500, Channel: protocol.UltraSound}
	start := time.Date(2019, 6, 14, 10, 30, 0, 0, time.UTC)
	run := acquisition.RunInfo{
		Config:     cfg,
		Unit:       cfg.Unit(),
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Outcome:    outcome,
	}
	readings := []acquisition.Reading{
		{Index: 0, Elapsed: 0, Value: 120.5, Unit: cfg.Unit()},
		{Index: 2, Elapsed: 1, Value: 118, Unit: cfg.Unit()},
	}
	return run, readings
}

func TestSaveAndLoad(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	run, readings := finishedRun(acquisition.OutcomeCompleted)

	id, err := s.Save(ctx, run, readings)
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, run.Config, got.Config)
	assert.Equal(t, "millimeters(mm)", got.Unit)
	assert.Equal(t, acquisition.OutcomeCompleted, got.Outcome)
	assert.True(t, run.StartedAt.Equal(got.StartedAt))
	assert.True(t, run.FinishedAt.Equal(got.FinishedAt))
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, readings, got.Readings)
}

func TestSaveRejectsUnfinished(t *testing.T) {
	s, _ := openTemp(t)
	run, readings := finishedRun(acquisition.OutcomeNone)
	_, err := s.Save(context.Background(), run, readings)
	assert.ErrorIs(t, err, ErrUnfinished)
}

func TestListNewestFirst(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	runs, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)

	for _, o := range []acquisition.Outcome{acquisition.OutcomeCompleted, acquisition.OutcomeStopped, acquisition.OutcomeAborted} {
		run, readings := finishedRun(o)
		if o == acquisition.OutcomeAborted {
			run.Error = "too many failures"
			readings = nil
		}
		_, err := s.Save(ctx, run, readings)
		require.NoError(t, err)
	}

	runs, err = s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, acquisition.OutcomeAborted, runs[0].Outcome)
	assert.Equal(t, "too many failures", runs[0].Error)
	assert.Equal(t, 0, runs[0].Count)
	assert.Equal(t, acquisition.OutcomeStopped, runs[1].Outcome)
	assert.Equal(t, 2, runs[1].Count)
	assert.Nil(t, runs[1].Readings)
}

func TestLoadMissing(t *testing.T) {
	s, _ := openTemp(t)
	_, err := s.Load(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReopenKeepsHistory(t *testing.T) {
	s, path := openTemp(t)
	run, readings := finishedRun(acquisition.OutcomeCompleted)
	id, err := s.Save(context.Background(), run, readings)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, got.Readings, 2)
}

func TestSchemaMismatchRecreates(t *testing.T) {
	s, path := openTemp(t)
	run, readings := finishedRun(acquisition.OutcomeCompleted)
	_, err := s.Save(context.Background(), run, readings)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE schema_versions SET version = ?`, SchemaVersion+10)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s2, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer s2.Close()
	runs, err := s2.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
