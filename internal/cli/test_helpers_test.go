package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// isolate points the buildfarm home at a temp dir and moves into a fresh
// working directory so project config and artifacts stay inside the test.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("BUILDFARM_HOME", t.TempDir())
	t.Setenv("NO_COLOR", "1")
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	cmd := newRootCmd(&GlobalFlags{}, BuildInfo{Version: "test"})
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	t.Cleanup(CloseLogFile)
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const matrixPipeline = `name: smoke
matrix:
  dimensions:
    - name: PYTHON_VERSION
      values: ["3.10", "3.11"]
    - name: CUDA
      values: [cpu, cu121]
  build:
    repository: registry.example.com/smoke
groups:
  - name: test
    kind: test
    per_entry: true
    command: make test
`
