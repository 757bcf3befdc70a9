package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatrixCmd_JSON(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "smoke.yaml", matrixPipeline)

	stdout, _, err := execute(t, "matrix", "-f", path, "-o", "json")
	require.NoError(t, err)

	var entries []struct {
		Tag      string `json:"tag"`
		ImageTag string `json:"image_tag"`
		Image    string `json:"image"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &entries))
	require.Len(t, entries, 4)

	tags := make([]string, 0, len(entries))
	byImageTag := make(map[string]string, len(entries))
	for _, e := range entries {
		tags = append(tags, e.ImageTag)
		byImageTag[e.ImageTag] = e.Tag
		assert.Equal(t, "registry.example.com/smoke:"+e.ImageTag, e.Image)
	}
	assert.ElementsMatch(t, []string{"3.10-cpu", "3.10-cu121", "3.11-cpu", "3.11-cu121"}, tags)
	assert.Equal(t, "PYTHON_VERSION=3.10,CUDA=cpu", byImageTag["3.10-cpu"])
}

func TestMatrixCmd_Text(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "smoke.yaml", matrixPipeline)

	stdout, _, err := execute(t, "matrix", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "IMAGE TAG")
	assert.Contains(t, stdout, "3.11-cu121")
	assert.Contains(t, stdout, "4 entries from PYTHON_VERSION(2) × CUDA(2)")
}

func TestMatrixCmd_InvalidDefinition(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "bad.yaml", `name: bad
matrix:
  dimensions:
    - name: PYTHON_VERSION
      values: []
`)

	_, _, err := execute(t, "matrix", "-f", path)
	require.Error(t, err)
	assert.Equal(t, ExitInvalidInput, ExitCodeForError(err))
}

func TestPlanCmd_JSON(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "smoke.yaml", matrixPipeline)

	stdout, _, err := execute(t, "plan", "-f", path, "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, stdout, "test-3.10-cpu")
	assert.Contains(t, stdout, "test-3.11-cu121")
}
