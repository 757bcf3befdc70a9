// Package job defines the unit of work submitted to an execution backend.
package job

import (
	"fmt"
	"path"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/mrz1836/buildfarm/internal/constants"
	bferrors "github.com/mrz1836/buildfarm/internal/errors"
)

// Resources are the per-job limits requested from the backend.
type Resources struct {
	CPU              string        `yaml:"cpu" json:"cpu" mapstructure:"cpu"`
	Memory           string        `yaml:"memory" json:"memory" mapstructure:"memory"`
	EphemeralStorage string        `yaml:"ephemeral_storage" json:"ephemeral_storage" mapstructure:"ephemeral_storage"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

// DefaultResources returns the limits applied when a job does not set its own.
func DefaultResources() Resources {
	return Resources{
		CPU:              constants.DefaultCPU,
		Memory:           constants.DefaultMemory,
		EphemeralStorage: constants.DefaultEphemeralStorage,
		Timeout:          constants.DefaultJobTimeout,
	}
}

// Merge fills empty fields of r from defaults.
func (r Resources) Merge(defaults Resources) Resources {
	if r.CPU == "" {
		r.CPU = defaults.CPU
	}
	if r.Memory == "" {
		r.Memory = defaults.Memory
	}
	if r.EphemeralStorage == "" {
		r.EphemeralStorage = defaults.EphemeralStorage
	}
	if r.Timeout == 0 {
		r.Timeout = defaults.Timeout
	}
	return r
}

// Validate checks that every quantity parses and the timeout is positive.
func (r Resources) Validate() error {
	for _, q := range []struct{ name, value string }{
		{"cpu", r.CPU},
		{"memory", r.Memory},
		{"ephemeral_storage", r.EphemeralStorage},
	} {
		if q.value == "" {
			continue
		}
		if _, err := resource.ParseQuantity(q.value); err != nil {
			return fmt.Errorf("%w: %s %q: %w", bferrors.ErrConfiguration, q.name, q.value, err)
		}
	}
	if r.Timeout < 0 {
		return bferrors.Wrapf(bferrors.ErrConfiguration, "timeout %s is negative", r.Timeout)
	}
	return nil
}

// Patterns select the files a job produces. Patterns are slash-separated globs
// relative to the job's output root.
type Patterns struct {
	Artifacts []string `yaml:"artifacts" json:"artifacts,omitempty"`
	JUnit     []string `yaml:"junit" json:"junit,omitempty"`
	Coverage  []string `yaml:"coverage" json:"coverage,omitempty"`
}

// All returns every pattern in declaration order.
func (p Patterns) All() []string {
	out := make([]string, 0, len(p.Artifacts)+len(p.JUnit)+len(p.Coverage))
	out = append(out, p.Artifacts...)
	out = append(out, p.JUnit...)
	return append(out, p.Coverage...)
}

func (p Patterns) validate() error {
	for _, pat := range p.All() {
		if _, err := path.Match(pat, ""); err != nil {
			return fmt.Errorf("%w: pattern %q: %w", bferrors.ErrConfiguration, pat, err)
		}
		if strings.HasPrefix(pat, "/") || strings.HasPrefix(pat, "../") || pat == ".." {
			return bferrors.Wrapf(bferrors.ErrPathTraversal, "pattern %q", pat)
		}
	}
	return nil
}

// Job is one parameterized unit of work. Name identifies the job within a run.
// A Job is immutable once constructed; use the methods that return copies.
type Job struct {
	Name      string    `json:"name"`
	Template  string    `json:"template"`
	Params    Params    `json:"params"`
	Resources Resources `json:"resources"`
	Patterns  Patterns  `json:"patterns"`
}

// New constructs a Job and checks that params carry every key the template
// requires. A missing key returns ErrMissingParameter.
func New(name string, tmpl Template, params Params, res Resources, patterns Patterns) (Job, error) {
	j := Job{
		Name:      name,
		Template:  tmpl.ID,
		Params:    params,
		Resources: res,
		Patterns:  patterns,
	}
	if err := j.validate(tmpl); err != nil {
		return Job{}, err
	}
	return j, nil
}

func (j Job) validate(tmpl Template) error {
	if err := ValidateName(j.Name); err != nil {
		return err
	}
	if tmpl.ID == "" {
		return bferrors.Wrapf(bferrors.ErrConfiguration, "job %q has no template", j.Name)
	}

	values := j.Params.Map()
	var missing []string
	for _, key := range tmpl.Required {
		if values[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return bferrors.Wrapf(bferrors.ErrMissingParameter,
			"job %q template %q: %s", j.Name, tmpl.ID, strings.Join(missing, ", "))
	}

	if err := j.Resources.Validate(); err != nil {
		return bferrors.Wrapf(err, "job %q", j.Name)
	}
	if err := j.Patterns.validate(); err != nil {
		return bferrors.Wrapf(err, "job %q", j.Name)
	}
	return nil
}

// reservedNames are the files aggregation writes at the root of a run's
// output directory. A job directory must not shadow them.
var reservedNames = []string{ //nolint:gochecknoglobals // read-only table
	constants.MergedJUnitFileName,
	constants.MergedCoverageFileName,
	constants.SummaryFileName,
	constants.OutputLockFileName,
}

// ValidateName checks that name can be used as a path segment and a backend
// object name.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return bferrors.Wrap(bferrors.ErrConfiguration, "job name is empty")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return bferrors.Wrapf(bferrors.ErrConfiguration, "job name %q is not a valid path segment", name)
	}
	for _, r := range reservedNames {
		// Case-insensitive filesystems would still collide.
		if strings.EqualFold(name, r) {
			return bferrors.Wrapf(bferrors.ErrConfiguration, "job name %q is reserved for run reports", name)
		}
	}
	return nil
}
