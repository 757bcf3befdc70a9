package local

import (
	"context"
	"errors"
	"io"
	"os/exec"
)

// CommandRunner executes a shell command. Tests inject fakes.
type CommandRunner interface {
	// Run executes command with sh -c in workDir, appending env to the
	// process environment and streaming combined output to out.
	Run(ctx context.Context, workDir, command string, env []string, out io.Writer) (exitCode int, err error)
}

// ShellRunner implements CommandRunner using os/exec.
//
// Commands come from the pipeline definition, which is trusted the same way a
// Makefile is. sh -c is used so commands can use pipes and redirects.
type ShellRunner struct {
	// Environ supplies the base environment. Nil uses os.Environ.
	Environ func() []string
}

// Run implements CommandRunner.
func (r *ShellRunner) Run(ctx context.Context, workDir, command string, env []string, out io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command) //#nosec G204 -- command comes from the pipeline definition
	cmd.Dir = workDir
	cmd.Stdout = out
	cmd.Stderr = out
	if r.Environ != nil {
		cmd.Env = append(r.Environ(), env...)
	} else {
		cmd.Env = append(cmd.Environ(), env...)
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), err
	}
	return 1, err
}

var _ CommandRunner = (*ShellRunner)(nil)
