package changes

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/git"
	"github.com/mrz1836/buildfarm/internal/testutil"
)

// fakeRepo is an in-memory git.Repository.
type fakeRepo struct {
	commits   map[string]string
	changed   []string
	diffCalls atomic.Int32
}

func (f *fakeRepo) ResolveCommit(_ context.Context, ref string) (string, error) {
	sha, ok := f.commits[ref]
	if !ok {
		return "", bferrors.ErrRefResolution
	}
	return sha, nil
}

func (f *fakeRepo) ChangedFiles(_ context.Context, _, _ string) ([]string, error) {
	f.diffCalls.Add(1)
	return append([]string(nil), f.changed...), nil
}

var _ git.Repository = (*fakeRepo)(nil)

func newFakeRepo(changed ...string) *fakeRepo {
	return &fakeRepo{
		commits: map[string]string{"abc": "abc111", "def": "def222"},
		changed: changed,
	}
}

func TestMatchPrefix(t *testing.T) {
	tests := []struct {
		path   string
		prefix string
		want   bool
	}{
		{"docker/pytorch/Dockerfile", "docker/pytorch/", true},
		{"docker/pytorch2/Dockerfile", "docker/pytorch/", false},
		{"docker/pytorch2/Dockerfile", "docker/pytorch", false},
		{"docker/pytorch/Dockerfile", "docker/pytorch", true},
		{"docker/pytorch", "docker/pytorch", true},
		{"docker", "docker/pytorch/", false},
		{"anything", "", true},
		{"README.md", "README.md", true},
		{"README.md.bak", "README.md", false},
	}

	for _, tt := range tests {
		t.Run(tt.path+"|"+tt.prefix, func(t *testing.T) {
			assert.Equal(t, tt.want, matchPrefix(tt.path, tt.prefix))
		})
	}
}

func TestDetector_Changed_SegmentBoundary(t *testing.T) {
	d := NewDetector(newFakeRepo("docker/pytorch2/Dockerfile", "composer/trainer.py"), zerolog.Nop())

	changed, err := d.Changed(context.Background(), "abc", "def", "docker/pytorch/")
	require.NoError(t, err)
	assert.False(t, changed, "docker/pytorch2/ must not match docker/pytorch/")

	changed, err = d.Changed(context.Background(), "abc", "def", "composer/")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestDetector_Changed_ExactPrefix(t *testing.T) {
	d := NewDetector(newFakeRepo("docker/pytorch/Dockerfile"), zerolog.Nop())

	changed, err := d.Changed(context.Background(), "abc", "def", "docker/pytorch/")

	require.NoError(t, err)
	assert.True(t, changed)
}

func TestDetector_UnknownRef(t *testing.T) {
	d := NewDetector(newFakeRepo("x"), zerolog.Nop())

	_, err := d.Changed(context.Background(), "abc", "nope", "x")
	require.ErrorIs(t, err, bferrors.ErrRefResolution)
	assert.Contains(t, err.Error(), "resolve head")

	_, err = d.Changed(context.Background(), "nope", "def", "x")
	require.ErrorIs(t, err, bferrors.ErrRefResolution)
	assert.Contains(t, err.Error(), "resolve base")
}

func TestDetector_Idempotent(t *testing.T) {
	repo := newFakeRepo("docker/pytorch/Dockerfile", "docs/index.md")
	d := NewDetector(repo, zerolog.Nop())
	ctx := context.Background()

	first, err := d.Changed(ctx, "abc", "def", "docker/pytorch/")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			again, err := d.Changed(ctx, "abc", "def", "docker/pytorch/")
			assert.NoError(t, err)
			assert.Equal(t, first, again)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, repo.diffCalls.Load(), int32(21))
	cs, err := d.Detect(ctx, "abc", "def")
	require.NoError(t, err)
	assert.Equal(t, []string{"docker/pytorch/Dockerfile", "docs/index.md"}, cs.Paths)
}

func TestDetector_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDetector(newFakeRepo(), zerolog.Nop()).Detect(ctx, "abc", "def")

	require.ErrorIs(t, err, context.Canceled)
}

func TestChangeSet_Matching(t *testing.T) {
	cs := &ChangeSet{Paths: []string{"a/x", "a/y", "b/z"}}

	assert.Equal(t, []string{"a/x", "a/y"}, cs.Matching("a/"))
	assert.Empty(t, cs.Matching("c/"))
}

func TestDetector_RealRepository(t *testing.T) {
	dir := testutil.NewGitRepo(t)
	base := testutil.Commit(t, dir, map[string]string{
		"docker/pytorch/Dockerfile":  "FROM python:3.9",
		"docker/pytorch2/Dockerfile": "FROM python:3.10",
	}, "base")
	head := testutil.Commit(t, dir, map[string]string{
		"docker/pytorch2/Dockerfile": "FROM python:3.11",
	}, "head")

	d := NewDetector(git.NewCLIRepository(dir), zerolog.Nop())
	ctx := context.Background()

	changed, err := d.Changed(ctx, base, head, "docker/pytorch/")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = d.Changed(ctx, base, "HEAD", "docker/pytorch2/")
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = d.Changed(ctx, "no-such-branch", head, "docker/")
	require.ErrorIs(t, err, bferrors.ErrRefResolution)
}

func TestDetector_NonASCIIPath(t *testing.T) {
	dir := testutil.NewGitRepo(t)
	base := testutil.Commit(t, dir, map[string]string{"README.md": "hi"}, "base")
	head := testutil.Commit(t, dir, map[string]string{"docker/pytorch/café.txt": "x"}, "head")

	d := NewDetector(git.NewCLIRepository(dir), zerolog.Nop())

	changed, err := d.Changed(context.Background(), base, head, "docker/pytorch/")
	require.NoError(t, err)
	assert.True(t, changed)

	cs, err := d.Detect(context.Background(), base, head)
	require.NoError(t, err)
	assert.Equal(t, []string{"docker/pytorch/café.txt"}, cs.Paths)
}
