package git

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/testutil"
)

func TestRunCommand_Success(t *testing.T) {
	dir := testutil.NewGitRepo(t)

	output, err := RunCommand(context.Background(), dir, "rev-parse", "--git-dir")

	require.NoError(t, err)
	assert.Equal(t, ".git", output)
}

func TestRunCommand_WithStderr(t *testing.T) {
	dir := testutil.NewGitRepo(t)

	_, err := RunCommand(context.Background(), dir, "show", "nonexistent-commit-hash")

	require.ErrorIs(t, err, bferrors.ErrGitOperation)
	assert.Contains(t, err.Error(), "git show failed")
}

func TestRunCommand_ContextCanceled(t *testing.T) {
	dir := testutil.NewGitRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RunCommand(ctx, dir, "status")

	require.ErrorIs(t, err, context.Canceled)
}

func TestRunCommand_ContextTimeout(t *testing.T) {
	dir := testutil.NewGitRepo(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(5 * time.Millisecond)

	_, err := RunCommand(ctx, dir, "status")

	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunCommand_NonGitDirectory(t *testing.T) {
	_, err := RunCommand(context.Background(), t.TempDir(), "status")

	require.ErrorIs(t, err, bferrors.ErrGitOperation)
	assert.Contains(t, err.Error(), "git status failed")
}
