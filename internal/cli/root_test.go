package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/buildfarm/internal/errors"
)

func TestRootCmd_Help(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd(&GlobalFlags{}, BuildInfo{Version: "test"})
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	assert.Contains(t, output, "buildfarm")
	assert.Contains(t, output, "--output")
	assert.Contains(t, output, "--verbose")
	assert.Contains(t, output, "--quiet")
	for _, sub := range []string{"run", "plan", "matrix", "changed", "serve", "history", "init", "config"} {
		assert.Contains(t, output, sub)
	}
}

func TestRootCmd_Version(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		info           BuildInfo
		expectContains []string
	}{
		{
			name:           "full version info",
			info:           BuildInfo{Version: "1.0.0", Commit: "abc1234", Date: "2026-01-01"},
			expectContains: []string{"1.0.0", "abc1234", "2026-01-01"},
		},
		{
			name:           "default dev version",
			info:           BuildInfo{},
			expectContains: []string{"dev", "none", "unknown"},
		},
		{
			name:           "partial version info",
			info:           BuildInfo{Version: "2.0.0-beta"},
			expectContains: []string{"2.0.0-beta", "none", "unknown"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cmd := newRootCmd(&GlobalFlags{}, tc.info)
			buf := new(bytes.Buffer)
			cmd.SetOut(buf)
			cmd.SetArgs([]string{"--version"})

			require.NoError(t, cmd.Execute())
			for _, s := range tc.expectContains {
				assert.Contains(t, buf.String(), s)
			}
		})
	}
}

func TestRootCmd_InvalidOutputFormat(t *testing.T) {
	isolate(t)

	_, _, err := execute(t, "config", "path", "--output", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitInvalidInput, ExitCodeForError(err))
}

func TestRootCmd_VerboseAndQuietExclusive(t *testing.T) {
	isolate(t)

	_, _, err := execute(t, "config", "path", "-v", "-q")
	require.Error(t, err)
	assert.Equal(t, ExitInvalidInput, ExitCodeForError(err))
}

func TestRootCmd_OutputFromEnv(t *testing.T) {
	isolate(t)
	t.Setenv("BUILDFARM_OUTPUT", "json")

	stdout, _, err := execute(t, "config", "path")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"global"`)
	assert.Contains(t, stdout, `"log"`)
}

func TestPrintHint(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	var buf bytes.Buffer
	printHint(&buf, &GlobalFlags{Output: OutputText}, errors.Wrap(errors.ErrEmptyDimension, "PYTHON_VERSION"))
	assert.Contains(t, buf.String(), "hint: Add at least one value")

	buf.Reset()
	printHint(&buf, &GlobalFlags{Output: OutputText, Quiet: true}, errors.ErrEmptyDimension)
	assert.Empty(t, buf.String())

	buf.Reset()
	printHint(&buf, &GlobalFlags{Output: OutputText}, nil)
	assert.Empty(t, buf.String())
}
