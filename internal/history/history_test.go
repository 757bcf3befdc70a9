package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/buildfarm/internal/constants"
	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/run"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T, keep int) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"), keep)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func snapshot(id, key string, offset time.Duration) run.Snapshot {
	return run.Snapshot{
		ID:         id,
		Key:        key,
		Status:     constants.RunStatusFailure,
		StartedAt:  t0.Add(offset),
		FinishedAt: t0.Add(offset + time.Minute),
		Results: []run.Result{
			{
				Job:        "test-3.9-cu113",
				Group:      "tests",
				Status:     constants.JobStatusFailure,
				Link:       "https://console/jobs/1",
				Artifacts:  []string{"s3://ci/run/junit.xml"},
				Message:    "exit code 1",
				StartedAt:  t0.Add(offset),
				FinishedAt: t0.Add(offset + 30*time.Second),
			},
			{Job: "lint", Group: "lint", Status: constants.JobStatusSuccess},
		},
	}
}

func TestSaveAndGet(t *testing.T) {
	s := openStore(t, 5)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, snapshot("run-1", "main", 0), "/out/summary.json"))

	rec, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "main", rec.Key)
	assert.Equal(t, constants.RunStatusFailure, rec.Status)
	assert.Equal(t, "/out/summary.json", rec.Summary)
	assert.True(t, rec.StartedAt.Equal(t0))
	require.Len(t, rec.Results, 2)
	assert.Equal(t, "test-3.9-cu113", rec.Results[0].Job, "completion order is kept")
	assert.Equal(t, []string{"s3://ci/run/junit.xml"}, rec.Results[0].Artifacts)
	assert.Equal(t, "exit code 1", rec.Results[0].Message)
	assert.Nil(t, rec.Results[1].Artifacts)
	assert.True(t, rec.Results[1].StartedAt.IsZero())
}

func TestSave_ReplacesSameRun(t *testing.T) {
	s := openStore(t, 5)
	ctx := context.Background()

	snap := snapshot("run-1", "main", 0)
	snap.Status = constants.RunStatusRunning
	snap.Results = snap.Results[:1]
	require.NoError(t, s.Save(ctx, snap, ""))

	require.NoError(t, s.Save(ctx, snapshot("run-1", "main", 0), ""))
	rec, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, constants.RunStatusFailure, rec.Status)
	assert.Len(t, rec.Results, 2)
}

func TestGet_NotFound(t *testing.T) {
	s := openStore(t, 5)
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, bferrors.ErrRunNotFound)
}

func TestRetentionPerKey(t *testing.T) {
	s := openStore(t, 3)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, s.Save(ctx, snapshot(fmt.Sprintf("main-%d", i), "main", time.Duration(i)*time.Hour), ""))
	}
	require.NoError(t, s.Save(ctx, snapshot("pr-0", "pr-42", 0), ""))

	main, err := s.List(ctx, "main", 0)
	require.NoError(t, err)
	require.Len(t, main, 3)
	assert.Equal(t, "main-4", main[0].ID, "newest first")
	assert.Equal(t, "main-2", main[2].ID)

	_, err = s.Get(ctx, "main-0")
	require.ErrorIs(t, err, bferrors.ErrRunNotFound)

	all, err := s.List(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pr, err := s.List(ctx, "pr-42", 0)
	require.NoError(t, err)
	assert.Len(t, pr, 1, "other keys are not pruned")

	var orphans int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM results WHERE run_id NOT IN (SELECT id FROM runs)`).Scan(&orphans))
	assert.Zero(t, orphans)
}

func TestOpen_DefaultKeep(t *testing.T) {
	s := openStore(t, 0)
	assert.Equal(t, constants.DefaultBuildHistory, s.keep)
}
