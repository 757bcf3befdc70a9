package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/buildfarm/internal/constants"
	bferrors "github.com/mrz1836/buildfarm/internal/errors"
)

func TestNewOutput(t *testing.T) {
	var buf bytes.Buffer
	assert.IsType(t, &JSONOutput{}, NewOutput(&buf, FormatJSON))
	assert.IsType(t, &TTYOutput{}, NewOutput(&buf, FormatText))
	assert.IsType(t, &TTYOutput{}, NewOutput(&buf, ""))
}

func TestTTYOutput_Messages(t *testing.T) {
	var buf bytes.Buffer
	out := NewTTYOutput(&buf)

	out.Success("run finished")
	out.Warning("group skipped")
	out.Info("3 jobs planned")
	out.Error(bferrors.ErrRunNotFound)

	got := buf.String()
	assert.Contains(t, got, "✓ run finished")
	assert.Contains(t, got, "⚠ group skipped")
	assert.Contains(t, got, "3 jobs planned")
	assert.Contains(t, got, "✗ run not found")
}

func TestTTYOutput_MarkdownWithoutColor(t *testing.T) {
	t.Setenv("NO_COLOR", "")
	var buf bytes.Buffer
	out := NewTTYOutput(&buf)

	require.NoError(t, out.Markdown("# Run\n\n- a\n"))
	assert.Equal(t, "# Run\n\n- a\n", buf.String())
}

func TestJSONOutput_Messages(t *testing.T) {
	var buf bytes.Buffer
	out := NewJSONOutput(&buf)

	out.Success("ok")
	out.Warning("careful")
	out.Info("fyi")
	out.Error(fmt.Errorf("submit: %w", bferrors.ErrBackendCommunication))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	var msg jsonMessage
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &msg))
	assert.Equal(t, jsonMessage{Type: "success", Message: "ok"}, msg)

	var e jsonError
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &e))
	assert.Equal(t, "error", e.Type)
	assert.Equal(t, "submit: backend communication failed", e.Message)
	assert.Equal(t, "backend communication failed", e.Details)
}

func TestJSONOutput_TableAndMarkdown(t *testing.T) {
	var buf bytes.Buffer
	out := NewJSONOutput(&buf)

	table := NewTable(Column{Name: "job"}, Column{Name: "status"})
	table.AddRow("lint", "SUCCESS")
	out.Table(table)
	require.NoError(t, out.Markdown("# ignored"))

	var rows []map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	assert.Equal(t, []map[string]string{{"job": "lint", "status": "SUCCESS"}}, rows)
}

func TestStatusIcons(t *testing.T) {
	assert.Equal(t, "✓", JobStatusIcon(constants.JobStatusSuccess))
	assert.Equal(t, "✗", JobStatusIcon(constants.JobStatusFailure))
	assert.Equal(t, "⊘", JobStatusIcon(constants.JobStatusAborted))
	assert.Equal(t, "?", JobStatusIcon("BOGUS"))
	assert.Equal(t, "⊘", RunStatusIcon(constants.RunStatusCanceled))
	assert.Equal(t, ColorError, RunStatusColor(constants.RunStatusFailure))
	assert.Equal(t, ColorWarning, JobStatusColor(constants.JobStatusAborted))
}

func TestStatusLabels(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	CheckNoColor()
	assert.Equal(t, "✓ SUCCESS", JobStatusLabel(constants.JobStatusSuccess))
	assert.Equal(t, "✗ FAILURE", RunStatusLabel(constants.RunStatusFailure))
}

func TestHasColorSupport(t *testing.T) {
	t.Setenv("TERM", "xterm-256color")
	t.Setenv("NO_COLOR", "")
	assert.False(t, HasColorSupport())
}

func TestHasColorSupport_DumbTerminal(t *testing.T) {
	t.Setenv("TERM", "dumb")
	assert.False(t, HasColorSupport())
}
