// Package pipeline turns a declarative pipeline definition into job groups
// and runs them: change detection, matrix expansion, the conditional image
// build, the test and lint groups, and the aggregation that always follows.
package pipeline

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/job"
	"github.com/mrz1836/buildfarm/internal/matrix"
)

// Group kinds.
const (
	KindTest = "test"
	KindLint = "lint"
)

// ImageBuildGroup is the group name of the image build stage.
const ImageBuildGroup = "image-build"

// Definition is a pipeline file.
type Definition struct {
	// Name is the pipeline key. Runs with the same key supersede each other.
	Name string `yaml:"name"`
	// GitRepo is passed to every job as the git_repo parameter.
	GitRepo string `yaml:"git_repo"`

	Matrix     matrix.Spec `yaml:"matrix"`
	ImageBuild *ImageBuild `yaml:"image_build"`
	Groups     []GroupDef  `yaml:"groups"`
}

// ImageBuild declares one image build job per matrix entry. It runs only when
// a path under one of its trigger prefixes changed.
type ImageBuild struct {
	Template string `yaml:"template"`
	// Image is the builder image. Backends fall back to their own default.
	Image string `yaml:"image"`
	// Command runs the build. It defaults to DefaultImageBuildCommand.
	Command   string        `yaml:"command"`
	Trigger   []string      `yaml:"trigger"`
	Resources job.Resources `yaml:"resources"`
	Patterns  job.Patterns  `yaml:"patterns"`
}

// DefaultImageBuildCommand builds the entry's image with docker from the
// BUILDFARM_ build parameters and pushes it when push is "true".
const DefaultImageBuildCommand = `docker build -f "$BUILDFARM_DOCKERFILE" -t "$BUILDFARM_TARGET_IMAGE" "$BUILDFARM_CONTEXT_DIR"` +
	` && if [ "$BUILDFARM_PUSH" = true ]; then docker push "$BUILDFARM_TARGET_IMAGE"; fi`

// BuildCommand returns the configured build command or the default.
func (ib *ImageBuild) BuildCommand() string {
	if ib.Command != "" {
		return ib.Command
	}
	return DefaultImageBuildCommand
}

// GroupDef declares a group of jobs.
type GroupDef struct {
	Name string `yaml:"name"`
	// Kind is "test" or "lint". Test groups are skipped on merge runs when
	// the merge policy asks for it.
	Kind     string `yaml:"kind"`
	Template string `yaml:"template"`
	// FailFast defaults to true.
	FailFast *bool `yaml:"fail_fast"`
	// PerEntry runs one job per matrix entry in the entry's image.
	PerEntry bool `yaml:"per_entry"`
	// Image overrides the matrix image.
	Image   string            `yaml:"image"`
	Command string            `yaml:"command"`
	Env     map[string]string `yaml:"env"`
	// Trigger limits the group to runs that changed a path under one of
	// these prefixes. Empty means always.
	Trigger   []string      `yaml:"trigger"`
	Resources job.Resources `yaml:"resources"`
	Patterns  job.Patterns  `yaml:"patterns"`
}

// IsFailFast reports whether a failed job fails the group.
func (g GroupDef) IsFailFast() bool {
	return g.FailFast == nil || *g.FailFast
}

// TemplateID returns the template, defaulting to the one named after the kind.
func (g GroupDef) TemplateID() string {
	if g.Template != "" {
		return g.Template
	}
	return g.Kind
}

// Parse decodes a YAML pipeline definition. Unknown fields are rejected.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("%w: parse pipeline: %w", bferrors.ErrConfiguration, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Load reads and parses the pipeline definition at path.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path is chosen by the user
	if err != nil {
		return nil, fmt.Errorf("%w: read pipeline %s: %w", bferrors.ErrConfiguration, path, err)
	}
	return Parse(data)
}

// Validate checks the definition without expanding the matrix.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return bferrors.Wrap(bferrors.ErrConfiguration, "pipeline has no name")
	}
	if err := d.Matrix.Validate(); err != nil {
		return err
	}
	if d.ImageBuild != nil && d.Matrix.Build.Repository == "" {
		return bferrors.Wrap(bferrors.ErrConfiguration, "image_build requires matrix.build.repository")
	}

	seen := map[string]struct{}{ImageBuildGroup: {}}
	for _, g := range d.Groups {
		if g.Name == "" {
			return bferrors.Wrap(bferrors.ErrConfiguration, "group has no name")
		}
		if _, dup := seen[g.Name]; dup {
			return bferrors.Wrapf(bferrors.ErrConfiguration, "group %q declared twice", g.Name)
		}
		seen[g.Name] = struct{}{}

		switch g.Kind {
		case KindTest, KindLint:
		default:
			return bferrors.Wrapf(bferrors.ErrConfiguration, "group %q: kind %q is not test or lint", g.Name, g.Kind)
		}
		if err := job.ValidateName(g.Name); err != nil {
			return err
		}
	}
	return nil
}
