package pipeline

import (
	"context"
	"strconv"

	"github.com/mrz1836/buildfarm/internal/changes"
	"github.com/mrz1836/buildfarm/internal/dispatch"
	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/job"
	"github.com/mrz1836/buildfarm/internal/matrix"
)

// Farm holds the settings passed through to every job unchanged.
type Farm struct {
	Cloud         string
	Pool          string
	CredentialsID string
	BuildHistory  int
}

// Options select what a run builds.
type Options struct {
	// Base and Head are the commits compared for change detection. An empty
	// Base skips detection and every trigger counts as changed.
	Base string
	Head string
	// Key overrides the definition's pipeline key.
	Key string
	// Merge marks a run for a merge commit rather than a pull request.
	Merge bool
	// SkipTestsOnMerge skips test groups on merge runs.
	SkipTestsOnMerge bool

	Farm      Farm
	Resources job.Resources
}

// SkippedGroup is a group that was planned out of the run.
type SkippedGroup struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Plan is the set of job groups a run will dispatch.
type Plan struct {
	Key     string             `json:"key"`
	Changes *changes.ChangeSet `json:"changes,omitempty"`
	Entries []matrix.Entry     `json:"entries"`
	// ImageBuild is nil when no trigger path changed.
	ImageBuild *dispatch.Group  `json:"image_build,omitempty"`
	Groups     []dispatch.Group `json:"groups"`
	Skipped    []SkippedGroup   `json:"skipped,omitempty"`
}

// Jobs returns every planned job.
func (p *Plan) Jobs() []job.Job {
	var out []job.Job
	if p.ImageBuild != nil {
		out = append(out, p.ImageBuild.Jobs...)
	}
	for _, g := range p.Groups {
		out = append(out, g.Jobs...)
	}
	return out
}

// Planner builds plans.
type Planner struct {
	detector *changes.Detector
	catalog  *job.Catalog
}

// NewPlanner creates a Planner. detector may be nil when runs never set a
// base commit.
func NewPlanner(detector *changes.Detector, catalog *job.Catalog) *Planner {
	if catalog == nil {
		catalog = job.DefaultCatalog()
	}
	return &Planner{detector: detector, catalog: catalog}
}

// Plan detects changes, expands the matrix and builds every job. All
// validation happens here, before anything is submitted.
func (p *Planner) Plan(ctx context.Context, def *Definition, opts Options) (*Plan, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	plan := &Plan{Key: def.Name}
	if opts.Key != "" {
		plan.Key = opts.Key
	}

	head := opts.Head
	if head == "" {
		head = "HEAD"
	}
	if opts.Base != "" {
		if p.detector == nil {
			return nil, bferrors.Wrap(bferrors.ErrConfiguration, "base commit given but no repository configured")
		}
		cs, err := p.detector.Detect(ctx, opts.Base, head)
		if err != nil {
			return nil, err
		}
		plan.Changes = cs
		head = cs.Head
	}

	entries, err := matrix.Expand(&def.Matrix)
	if err != nil {
		return nil, err
	}
	plan.Entries = entries

	base := job.Params{
		GitRepo:       def.GitRepo,
		GitCommit:     head,
		Cloud:         opts.Farm.Cloud,
		Pool:          opts.Farm.Pool,
		CredentialsID: opts.Farm.CredentialsID,
	}
	if opts.Farm.BuildHistory > 0 {
		base.BuildHistory = strconv.Itoa(opts.Farm.BuildHistory)
	}
	defaults := opts.Resources.Merge(job.DefaultResources())

	if ib := def.ImageBuild; ib != nil {
		if changedUnder(plan.Changes, ib.Trigger) {
			g, err := p.imageBuildGroup(ib, entries, base, defaults)
			if err != nil {
				return nil, err
			}
			plan.ImageBuild = &g
		} else {
			plan.Skipped = append(plan.Skipped, SkippedGroup{Name: ImageBuildGroup, Reason: "no changes under trigger paths"})
		}
	}

	for _, gd := range def.Groups {
		switch {
		case gd.Kind == KindTest && opts.Merge && opts.SkipTestsOnMerge:
			plan.Skipped = append(plan.Skipped, SkippedGroup{Name: gd.Name, Reason: "tests skipped on merge runs"})
			continue
		case !changedUnder(plan.Changes, gd.Trigger):
			plan.Skipped = append(plan.Skipped, SkippedGroup{Name: gd.Name, Reason: "no changes under trigger paths"})
			continue
		}
		g, err := p.group(gd, entries, base, defaults)
		if err != nil {
			return nil, err
		}
		plan.Groups = append(plan.Groups, g)
	}
	return plan, nil
}

func (p *Planner) imageBuildGroup(ib *ImageBuild, entries []matrix.Entry, base job.Params, defaults job.Resources) (dispatch.Group, error) {
	templateID := ib.Template
	if templateID == "" {
		templateID = job.TemplateImageBuild
	}
	tmpl, err := p.catalog.Lookup(templateID)
	if err != nil {
		return dispatch.Group{}, err
	}

	g := dispatch.Group{Name: ImageBuildGroup, FailFast: true}
	for _, e := range entries {
		params := base
		params.Image = ib.Image
		params.Command = ib.BuildCommand()
		params.MatrixTag = e.Tag
		params.Dockerfile = e.Build.Dockerfile
		params.ContextDir = e.Build.ContextDir
		params.TargetImage = e.Image
		params.Push = strconv.FormatBool(e.Build.Push)
		params = params.WithEnv(e.Env())

		j, err := job.New(jobName(ImageBuildGroup, e, true), tmpl, params, ib.Resources.Merge(defaults), ib.Patterns)
		if err != nil {
			return dispatch.Group{}, err
		}
		g.Jobs = append(g.Jobs, j)
	}
	return g, nil
}

func (p *Planner) group(gd GroupDef, entries []matrix.Entry, base job.Params, defaults job.Resources) (dispatch.Group, error) {
	tmpl, err := p.catalog.Lookup(gd.TemplateID())
	if err != nil {
		return dispatch.Group{}, bferrors.Wrapf(err, "group %q", gd.Name)
	}

	g := dispatch.Group{Name: gd.Name, FailFast: gd.IsFailFast()}
	targets := entries
	if !gd.PerEntry {
		targets = entries[:1]
	}
	for _, e := range targets {
		params := base
		params.Command = gd.Command
		params.Image = gd.Image
		if params.Image == "" {
			params.Image = e.Image
		}
		env := map[string]string{}
		if gd.PerEntry {
			params.MatrixTag = e.Tag
			for k, v := range e.Env() {
				env[k] = v
			}
		}
		for k, v := range gd.Env {
			env[k] = v
		}
		params = params.WithEnv(env)

		j, err := job.New(jobName(gd.Name, e, gd.PerEntry), tmpl, params, gd.Resources.Merge(defaults), gd.Patterns)
		if err != nil {
			return dispatch.Group{}, err
		}
		g.Jobs = append(g.Jobs, j)
	}
	return g, nil
}

// jobName is "<group>-<image tag>" for per-entry jobs and the group name
// otherwise. An empty matrix yields the group name as well.
func jobName(group string, e matrix.Entry, perEntry bool) string {
	if !perEntry || e.Tag == "" {
		return group
	}
	return group + "-" + e.ImageTag
}

// changedUnder reports whether cs touches any of prefixes. A nil change set
// means detection was skipped and everything counts as changed.
func changedUnder(cs *changes.ChangeSet, prefixes []string) bool {
	if cs == nil || len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if cs.Touches(p) {
			return true
		}
	}
	return false
}
