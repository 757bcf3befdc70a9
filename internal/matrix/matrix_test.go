package matrix

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
)

func pytorchSpec() *Spec {
	return &Spec{
		Dimensions: []Dimension{
			{Name: "PYTHON_VERSION", Values: []string{"3.7", "3.8", "3.9"}},
			{Name: "CUDA", Values: []string{"cpu", "cu113"}},
		},
		Build: BuildContext{Dockerfile: "Dockerfile", ContextDir: "docker/pytorch", Repository: "mosaicml/pytorch"},
	}
}

func TestExpand_PythonCUDA(t *testing.T) {
	entries, err := Expand(pytorchSpec())
	require.NoError(t, err)
	require.Len(t, entries, 6)

	tags := make([]string, len(entries))
	for i, e := range entries {
		tags[i] = e.Tag
	}
	assert.Equal(t, []string{
		"PYTHON_VERSION=3.7,CUDA=cpu",
		"PYTHON_VERSION=3.7,CUDA=cu113",
		"PYTHON_VERSION=3.8,CUDA=cpu",
		"PYTHON_VERSION=3.8,CUDA=cu113",
		"PYTHON_VERSION=3.9,CUDA=cpu",
		"PYTHON_VERSION=3.9,CUDA=cu113",
	}, tags)

	var found *Entry
	for i := range entries {
		if entries[i].Tag == "PYTHON_VERSION=3.9,CUDA=cu113" {
			found = &entries[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "3.9-cu113", found.ImageTag)
	assert.Equal(t, "mosaicml/pytorch:3.9-cu113", found.Image)

	v, ok := found.Get("CUDA")
	assert.True(t, ok)
	assert.Equal(t, "cu113", v)
	assert.Equal(t, map[string]string{"PYTHON_VERSION": "3.9", "CUDA": "cu113"}, found.Env())
}

func TestExpand_CardinalityAndDistinctTags(t *testing.T) {
	tests := []struct {
		name string
		dims []Dimension
	}{
		{"single", []Dimension{{Name: "A", Values: []string{"1"}}}},
		{"two by three", []Dimension{
			{Name: "A", Values: []string{"1", "2"}},
			{Name: "B", Values: []string{"x", "y", "z"}},
		}},
		{"three axes", []Dimension{
			{Name: "A", Values: []string{"1", "2"}},
			{Name: "B", Values: []string{"x", "y"}},
			{Name: "C", Values: []string{"p", "q", "r", "s"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := &Spec{Dimensions: tt.dims}
			want := 1
			for _, d := range tt.dims {
				want *= len(d.Values)
			}

			entries, err := Expand(spec)
			require.NoError(t, err)
			assert.Len(t, entries, want)
			assert.Equal(t, want, spec.Size())

			seen := make(map[string]bool)
			seenImage := make(map[string]bool)
			for _, e := range entries {
				assert.False(t, seen[e.Tag], "duplicate tag %s", e.Tag)
				assert.False(t, seenImage[e.ImageTag], "duplicate image tag %s", e.ImageTag)
				seen[e.Tag] = true
				seenImage[e.ImageTag] = true
				assert.Len(t, e.Values, len(tt.dims))
				assert.Empty(t, e.Image)
			}
		})
	}
}

func TestExpand_NoDimensions(t *testing.T) {
	entries, err := Expand(&Spec{Build: BuildContext{Repository: "registry.example.com/ml/base"}})

	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].Tag)
	assert.Equal(t, LatestTag, entries[0].ImageTag)
	assert.Equal(t, "registry.example.com/ml/base:latest", entries[0].Image)
}

func TestExpand_Errors(t *testing.T) {
	tests := []struct {
		name    string
		spec    *Spec
		wantErr error
	}{
		{"nil spec", nil, bferrors.ErrConfiguration},
		{"empty dimension", &Spec{Dimensions: []Dimension{
			{Name: "PYTHON_VERSION", Values: []string{"3.9"}},
			{Name: "CUDA"},
		}}, bferrors.ErrEmptyDimension},
		{"unnamed dimension", &Spec{Dimensions: []Dimension{{Values: []string{"a"}}}}, bferrors.ErrConfiguration},
		{"reserved characters", &Spec{Dimensions: []Dimension{{Name: "A=B", Values: []string{"a"}}}}, bferrors.ErrConfiguration},
		{"duplicate dimension", &Spec{Dimensions: []Dimension{
			{Name: "A", Values: []string{"1"}},
			{Name: "A", Values: []string{"2"}},
		}}, bferrors.ErrConfiguration},
		{"duplicate value", &Spec{Dimensions: []Dimension{{Name: "A", Values: []string{"1", "1"}}}}, bferrors.ErrDuplicateTag},
		{"empty value", &Spec{Dimensions: []Dimension{{Name: "A", Values: []string{""}}}}, bferrors.ErrConfiguration},
		{"invalid repository", &Spec{
			Dimensions: []Dimension{{Name: "A", Values: []string{"1"}}},
			Build:      BuildContext{Repository: "Bad Repo!"},
		}, bferrors.ErrInvalidImageRef},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := Expand(tt.spec)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, entries)
		})
	}
}

func TestExpand_ImageTagCollision(t *testing.T) {
	entries, err := Expand(&Spec{
		Dimensions: []Dimension{
			{Name: "OS", Values: []string{"Ubuntu", "ubuntu", "debian"}},
		},
		Build: BuildContext{Repository: "mosaicml/base"},
	})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	upper, lower := entries[0], entries[1]
	assert.Regexp(t, `^ubuntu-[0-9a-f]{8}$`, upper.ImageTag)
	assert.Regexp(t, `^ubuntu-[0-9a-f]{8}$`, lower.ImageTag)
	assert.NotEqual(t, upper.ImageTag, lower.ImageTag)
	assert.Equal(t, "mosaicml/base:"+upper.ImageTag, upper.Image)
	assert.Equal(t, "debian", entries[2].ImageTag, "tags without a collision are unchanged")

	again, err := Expand(&Spec{Dimensions: []Dimension{{Name: "OS", Values: []string{"ubuntu", "Ubuntu"}}}})
	require.NoError(t, err)
	assert.Equal(t, lower.ImageTag, again[0].ImageTag, "suffix depends only on the entry")
	assert.Equal(t, upper.ImageTag, again[1].ImageTag)
}

func TestDisambiguate_KeepsTagLength(t *testing.T) {
	tag := disambiguate(strings.Repeat("a", 128), "A=x")
	assert.Len(t, tag, 128)
	assert.Regexp(t, `-[0-9a-f]{8}$`, tag)
}

func TestImageTag(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   string
	}{
		{"none", nil, "latest"},
		{"lower-cased", []string{"3.9", "CU113"}, "3.9-cu113"},
		{"invalid characters", []string{"torch 1.13+cu117"}, "torch_1.13_cu117"},
		{"leading separators trimmed", []string{".hidden"}, "hidden"},
		{"only separators", []string{"-"}, "latest"},
		{"truncated", []string{strings.Repeat("a", 200)}, strings.Repeat("a", 128)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ImageTag(tt.values))
		})
	}
}

func TestParse(t *testing.T) {
	data := []byte(`
dimensions:
  - name: PYTHON_VERSION
    values: ["3.7", "3.8", "3.9"]
  - name: CUDA
    values: [cpu, cu113]
build:
  dockerfile: Dockerfile
  context: docker/pytorch
  push: true
  repository: mosaicml/pytorch
`)

	spec, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, pytorchSpec().Dimensions, spec.Dimensions)
	assert.True(t, spec.Build.Push)
	assert.Equal(t, "docker/pytorch", spec.Build.ContextDir)

	entries, err := Expand(spec)
	require.NoError(t, err)
	assert.Len(t, entries, 6)
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("dimension: []\n"))
	require.ErrorIs(t, err, bferrors.ErrConfiguration)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matrix.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dimensions:\n  - name: A\n    values: [x]\n"), 0o600))

	spec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, spec.Size())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
