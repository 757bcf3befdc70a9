// Package git provides the read-only git queries buildfarm needs: resolving refs
// to commits and listing the paths changed between two commits.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
)

// RunCommand executes a git command in the specified directory and returns its output.
// All errors are wrapped with ErrGitOperation and include stderr for debugging.
func RunCommand(ctx context.Context, workDir string, args ...string) (string, error) {
	out, err := runRaw(ctx, workDir, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// runRaw is RunCommand without trimming the output.
func runRaw(ctx context.Context, workDir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...) //#nosec G204 -- args are constructed internally
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if stderr.Len() > 0 {
			return "", fmt.Errorf("git %s failed: %s: %w", args[0], strings.TrimSpace(stderr.String()), bferrors.ErrGitOperation)
		}
		return "", fmt.Errorf("git %s failed: %w", args[0], bferrors.ErrGitOperation)
	}

	return stdout.String(), nil
}
