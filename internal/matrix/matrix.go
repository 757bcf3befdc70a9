// Package matrix expands named dimensions into the concrete build and test
// configurations of a pipeline run.
package matrix

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
)

// LatestTag is the image tag used when the matrix has no dimensions.
const LatestTag = "latest"

// maxTagLength is the longest tag an OCI registry accepts.
const maxTagLength = 128

// hashLength is the number of hex digits appended to colliding image tags.
const hashLength = 8

// Dimension is a named axis of the matrix. Values keep declaration order.
type Dimension struct {
	Name   string   `yaml:"name" json:"name"`
	Values []string `yaml:"values" json:"values"`
}

// BuildContext describes how the image for an entry is built.
type BuildContext struct {
	Dockerfile string `yaml:"dockerfile" json:"dockerfile,omitempty"`
	ContextDir string `yaml:"context" json:"context,omitempty"`
	Push       bool   `yaml:"push" json:"push"`
	Repository string `yaml:"repository" json:"repository,omitempty"`
}

// Spec is the declarative matrix of a pipeline.
type Spec struct {
	Dimensions []Dimension  `yaml:"dimensions" json:"dimensions"`
	Build      BuildContext `yaml:"build" json:"build"`
}

// Value is one dimension's chosen value within an entry.
type Value struct {
	Dimension string `json:"dimension"`
	Value     string `json:"value"`
}

// Entry is one point of the matrix.
type Entry struct {
	// Values holds one value per dimension in dimension order.
	Values []Value `json:"values"`
	// Tag identifies the entry within a run, e.g. "PYTHON_VERSION=3.9,CUDA=cu113".
	Tag string `json:"tag"`
	// ImageTag is the container tag derived from the values, e.g. "3.9-cu113".
	ImageTag string `json:"image_tag"`
	// Image is the full target reference. Empty when the spec has no repository.
	Image string `json:"image,omitempty"`
	// Build is the build context shared by all entries.
	Build BuildContext `json:"build"`
}

// Get returns the value chosen for dimension and whether it is present.
func (e Entry) Get(dimension string) (string, bool) {
	for _, v := range e.Values {
		if v.Dimension == dimension {
			return v.Value, true
		}
	}
	return "", false
}

// Env returns the entry's values keyed by dimension name.
func (e Entry) Env() map[string]string {
	env := make(map[string]string, len(e.Values))
	for _, v := range e.Values {
		env[v.Dimension] = v.Value
	}
	return env
}

// Validate checks dimension names and values without expanding.
func (s *Spec) Validate() error {
	seen := make(map[string]struct{}, len(s.Dimensions))
	for i, d := range s.Dimensions {
		if strings.TrimSpace(d.Name) == "" {
			return bferrors.Wrapf(bferrors.ErrConfiguration, "dimension %d has no name", i)
		}
		if strings.ContainsAny(d.Name, "=,") {
			return bferrors.Wrapf(bferrors.ErrConfiguration, "dimension %q: name must not contain '=' or ','", d.Name)
		}
		if _, dup := seen[d.Name]; dup {
			return bferrors.Wrapf(bferrors.ErrConfiguration, "dimension %q declared twice", d.Name)
		}
		seen[d.Name] = struct{}{}

		if len(d.Values) == 0 {
			return bferrors.Wrapf(bferrors.ErrEmptyDimension, "dimension %q", d.Name)
		}
		values := make(map[string]struct{}, len(d.Values))
		for _, v := range d.Values {
			if v == "" {
				return bferrors.Wrapf(bferrors.ErrConfiguration, "dimension %q has an empty value", d.Name)
			}
			if _, dup := values[v]; dup {
				return bferrors.Wrapf(bferrors.ErrDuplicateTag, "dimension %q repeats value %q", d.Name, v)
			}
			values[v] = struct{}{}
		}
	}
	return nil
}

// Size returns the number of entries Expand would produce.
func (s *Spec) Size() int {
	n := 1
	for _, d := range s.Dimensions {
		n *= len(d.Values)
	}
	return n
}

// Expand returns the Cartesian product of the spec's dimensions. The first
// dimension varies slowest. A spec without dimensions yields exactly one entry
// with an empty tag and the "latest" image tag. Entries whose values sanitize
// to the same image tag each get a short hash of their tag appended.
func Expand(spec *Spec) ([]Entry, error) {
	if spec == nil {
		return nil, bferrors.Wrap(bferrors.ErrConfiguration, "matrix spec is nil")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, spec.Size())
	tags := make(map[string]struct{}, spec.Size())
	imageTags := make(map[string]int, spec.Size())

	idx := make([]int, len(spec.Dimensions))
	for {
		values := make([]Value, len(spec.Dimensions))
		for i, d := range spec.Dimensions {
			values[i] = Value{Dimension: d.Name, Value: d.Values[idx[i]]}
		}

		entry := newEntry(values, spec.Build)
		if _, dup := tags[entry.Tag]; dup {
			return nil, bferrors.Wrapf(bferrors.ErrDuplicateTag, "tag %q", entry.Tag)
		}
		tags[entry.Tag] = struct{}{}
		imageTags[entry.ImageTag]++
		entries = append(entries, entry)

		if !advance(idx, spec.Dimensions) {
			break
		}
	}

	final := make(map[string]string, len(entries))
	for i := range entries {
		e := &entries[i]
		if imageTags[e.ImageTag] > 1 {
			e.ImageTag = disambiguate(e.ImageTag, e.Tag)
		}
		if prev, dup := final[e.ImageTag]; dup {
			return nil, bferrors.Wrapf(bferrors.ErrDuplicateTag,
				"entries %q and %q both produce image tag %q", prev, e.Tag, e.ImageTag)
		}
		final[e.ImageTag] = e.Tag

		image, err := imageRef(e.Build, e.ImageTag)
		if err != nil {
			return nil, err
		}
		e.Image = image
	}

	return entries, nil
}

// disambiguate appends the first hashLength hex digits of the SHA-256 of tag
// to imageTag, truncating imageTag so the result stays a valid tag.
func disambiguate(imageTag, tag string) string {
	sum := sha256.Sum256([]byte(tag))
	suffix := "-" + hex.EncodeToString(sum[:])[:hashLength]
	if len(imageTag)+len(suffix) > maxTagLength {
		imageTag = imageTag[:maxTagLength-len(suffix)]
	}
	return imageTag + suffix
}

// advance increments the odometer with the last dimension varying fastest.
// Returns false once every combination has been produced.
func advance(idx []int, dims []Dimension) bool {
	for i := len(idx) - 1; i >= 0; i-- {
		idx[i]++
		if idx[i] < len(dims[i].Values) {
			return true
		}
		idx[i] = 0
	}
	return false
}

func newEntry(values []Value, build BuildContext) Entry {
	parts := make([]string, len(values))
	raw := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.Dimension + "=" + v.Value
		raw[i] = v.Value
	}

	return Entry{
		Values:   values,
		Tag:      strings.Join(parts, ","),
		ImageTag: ImageTag(raw),
		Build:    build,
	}
}

// imageRef returns the full reference of imageTag in build's repository, or
// "" when there is no repository.
func imageRef(build BuildContext, imageTag string) (string, error) {
	if build.Repository == "" {
		return "", nil
	}
	ref, err := name.NewTag(build.Repository+":"+imageTag, name.WithDefaultRegistry(""))
	if err != nil {
		return "", fmt.Errorf("%w: %s:%s: %w", bferrors.ErrInvalidImageRef, build.Repository, imageTag, err)
	}
	return ref.Repository.Name() + ":" + ref.TagStr(), nil
}

// ImageTag derives a container tag from entry values: lower-cased, joined by
// "-" and restricted to the OCI tag alphabet [a-z0-9_.-]. A tag cannot start
// with '.' or '-' and is truncated to 128 characters.
func ImageTag(values []string) string {
	if len(values) == 0 {
		return LatestTag
	}

	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte('-')
		}
		for _, r := range strings.ToLower(v) {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
				b.WriteRune(r)
			default:
				b.WriteByte('_')
			}
		}
	}

	tag := strings.TrimLeft(b.String(), ".-")
	if tag == "" {
		return LatestTag
	}
	if len(tag) > maxTagLength {
		tag = tag[:maxTagLength]
	}
	return tag
}
