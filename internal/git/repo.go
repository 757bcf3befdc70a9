package git

import (
	"context"
	"errors"
	"fmt"
	"strings"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
)

// Repository answers change queries against a local clone.
type Repository interface {
	// ResolveCommit resolves a ref (branch, tag, SHA, HEAD~1) to a full commit SHA.
	// Returns ErrRefResolution if the ref does not name an existing commit.
	ResolveCommit(ctx context.Context, ref string) (string, error)

	// ChangedFiles returns the paths that differ between two commits.
	ChangedFiles(ctx context.Context, base, head string) ([]string, error)
}

// CLIRepository implements Repository by shelling out to the git CLI.
type CLIRepository struct {
	workDir string
}

// Compile-time interface check.
var _ Repository = (*CLIRepository)(nil)

// NewCLIRepository creates a Repository rooted at workDir.
func NewCLIRepository(workDir string) *CLIRepository {
	return &CLIRepository{workDir: workDir}
}

// ResolveCommit implements Repository.
func (r *CLIRepository) ResolveCommit(ctx context.Context, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", fmt.Errorf("empty ref: %w", bferrors.ErrRefResolution)
	}
	if strings.HasPrefix(ref, "-") {
		return "", fmt.Errorf("ref %q: %w", ref, bferrors.ErrRefResolution)
	}

	sha, err := RunCommand(ctx, r.workDir, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, bferrors.ErrGitOperation) {
			return "", fmt.Errorf("ref %q: %w", ref, bferrors.ErrRefResolution)
		}
		return "", err
	}
	return sha, nil
}

// ChangedFiles implements Repository. Renames are reported as the new path.
// Paths are read NUL-separated so git never quotes them.
func (r *CLIRepository) ChangedFiles(ctx context.Context, base, head string) ([]string, error) {
	out, err := runRaw(ctx, r.workDir, "diff", "--name-only", "-z", "--no-renames", base, head, "--")
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", base, head, err)
	}
	return parseNameOnly(out), nil
}

// parseNameOnly splits `git diff --name-only -z` output into paths. Paths are
// kept byte for byte.
func parseNameOnly(out string) []string {
	if out == "" {
		return nil
	}
	fields := strings.Split(out, "\x00")
	paths := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			paths = append(paths, f)
		}
	}
	return paths
}
