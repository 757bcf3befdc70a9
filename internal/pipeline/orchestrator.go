package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrz1836/buildfarm/internal/aggregate"
	"github.com/mrz1836/buildfarm/internal/backend"
	"github.com/mrz1836/buildfarm/internal/clock"
	"github.com/mrz1836/buildfarm/internal/constants"
	"github.com/mrz1836/buildfarm/internal/dispatch"
	"github.com/mrz1836/buildfarm/internal/job"
	"github.com/mrz1836/buildfarm/internal/run"
	"github.com/mrz1836/buildfarm/internal/store"
)

// Recorder persists finished runs.
type Recorder interface {
	Save(ctx context.Context, snap run.Snapshot, summaryPath string) error
}

// Artifacts configures aggregation for every run.
type Artifacts struct {
	// OutputDir is the root under which each run gets its own directory.
	OutputDir string
	// Source reads job artifacts.
	Source store.Store
	// Publisher, if set, receives the merged reports under PublishPrefix.
	Publisher     store.Store
	PublishPrefix string
	LockTimeout   time.Duration
}

// Report is the outcome of a run.
type Report struct {
	Run      run.Snapshot             `json:"run"`
	Plan     *Plan                    `json:"plan,omitempty"`
	Outcomes []*dispatch.GroupOutcome `json:"outcomes,omitempty"`
	Skipped  []SkippedGroup           `json:"skipped,omitempty"`
	Summary  *aggregate.Summary       `json:"summary,omitempty"`
}

// Orchestrator runs pipelines against a backend.
type Orchestrator struct {
	planner   *Planner
	backend   backend.Backend
	dispatch  dispatch.Config
	artifacts Artifacts
	registry  *run.Registry
	history   Recorder
	clock     clock.Clock
	logger    zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRegistry makes runs for the same key supersede each other.
func WithRegistry(r *run.Registry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

// WithHistory records finished runs.
func WithHistory(h Recorder) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(planner *Planner, b backend.Backend, cfg dispatch.Config, artifacts Artifacts, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		planner:   planner,
		backend:   b,
		dispatch:  cfg,
		artifacts: artifacts,
		clock:     clock.RealClock{},
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewRun creates the run Execute will record into, so callers can learn its
// ID before it finishes.
func (o *Orchestrator) NewRun(def *Definition, opts Options) *run.PipelineRun {
	key := def.Name
	if opts.Key != "" {
		key = opts.Key
	}
	return run.New(key, o.clock)
}

// Run plans and executes def in a new run.
func (o *Orchestrator) Run(ctx context.Context, def *Definition, opts Options) (*Report, error) {
	return o.Execute(ctx, o.NewRun(def, opts), def, opts)
}

// Execute plans def and runs it, recording into r. The image build group runs
// first; when it fails the remaining groups are skipped. The other groups run
// concurrently. Aggregation always runs, even when planning fails or ctx is
// canceled. The returned report is never nil.
func (o *Orchestrator) Execute(ctx context.Context, r *run.PipelineRun, def *Definition, opts Options) (*Report, error) {
	ctx, release := o.register(ctx, r)
	defer release()
	return o.execute(ctx, r, def, opts)
}

// Outcome is what a background run produced.
type Outcome struct {
	Report *Report
	Err    error
}

// Start registers a new run and executes it in the background. The run is
// visible in the registry when Start returns. The channel receives the
// outcome once and is then closed.
func (o *Orchestrator) Start(ctx context.Context, def *Definition, opts Options) (*run.PipelineRun, <-chan Outcome) {
	r := o.NewRun(def, opts)
	ctx, release := o.register(ctx, r)
	done := make(chan Outcome, 1)
	go func() {
		defer close(done)
		defer release()
		report, err := o.execute(ctx, r, def, opts)
		done <- Outcome{Report: report, Err: err}
	}()
	return r, done
}

func (o *Orchestrator) register(ctx context.Context, r *run.PipelineRun) (context.Context, func()) {
	if o.registry == nil {
		return ctx, func() {}
	}
	return o.registry.Start(ctx, r)
}

func (o *Orchestrator) execute(ctx context.Context, r *run.PipelineRun, def *Definition, opts Options) (*Report, error) {
	log := o.logger.With().Str("run_id", r.ID).Str("pipeline", r.Key).Logger()
	report := &Report{}

	plan, err := o.planner.Plan(ctx, def, opts)
	if err != nil {
		log.Error().Err(err).Msg("planning failed")
		r.Finish(constants.RunStatusFailure)
		return o.complete(ctx, r, report, nil, err, log)
	}
	report.Plan = plan
	report.Skipped = append(report.Skipped, plan.Skipped...)

	d := dispatch.New(o.backend, r, o.dispatch, dispatch.WithLogger(log), dispatch.WithClock(o.clock))
	var errs []error
	failed := false

	groups := plan.Groups
	if plan.ImageBuild != nil {
		outcome, err := d.RunGroup(ctx, *plan.ImageBuild)
		if outcome != nil {
			report.Outcomes = append(report.Outcomes, outcome)
			failed = outcome.Failed
		}
		if err != nil {
			errs = append(errs, err)
		}
		if failed || err != nil {
			for _, g := range groups {
				report.Skipped = append(report.Skipped, SkippedGroup{Name: g.Name, Reason: "image build failed"})
			}
			groups = nil
		}
	}

	if len(groups) > 0 {
		outcomes, err := d.RunGroups(ctx, groups)
		for _, oc := range outcomes {
			if oc == nil {
				continue
			}
			report.Outcomes = append(report.Outcomes, oc)
			failed = failed || oc.Failed
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	d.Wait()

	runErr := errors.Join(errs...)
	switch {
	case ctx.Err() != nil:
		r.Finish(constants.RunStatusCanceled)
	case failed || runErr != nil:
		r.Finish(constants.RunStatusFailure)
	default:
		r.Finish(constants.RunStatusSuccess)
	}
	log.Info().
		Str("status", string(r.Status())).
		Int("jobs", r.Len()).
		Dur("elapsed", clock.Elapsed(o.clock, r.StartedAt)).
		Msg("run finished")

	return o.complete(ctx, r, report, plan.Jobs(), runErr, log)
}

// complete aggregates artifacts and records history. It ignores cancellation
// of ctx so a canceled run still yields its artifacts.
func (o *Orchestrator) complete(ctx context.Context, r *run.PipelineRun, report *Report, roster []job.Job, runErr error, log zerolog.Logger) (*Report, error) {
	ctx = context.WithoutCancel(ctx)
	errs := []error{runErr}

	summaryPath := ""
	if o.artifacts.OutputDir != "" && o.artifacts.Source != nil {
		opts := []aggregate.Option{aggregate.WithLogger(log), aggregate.WithClock(o.clock)}
		if o.artifacts.Publisher != nil {
			opts = append(opts, aggregate.WithPublisher(o.artifacts.Publisher))
		}
		agg := aggregate.New(o.artifacts.Source, aggregate.Config{
			RunID:         r.ID,
			OutputDir:     filepath.Join(o.artifacts.OutputDir, r.ID),
			PublishPrefix: o.artifacts.PublishPrefix,
			LockTimeout:   o.artifacts.LockTimeout,
		}, opts...)
		summary, err := agg.Aggregate(ctx, r.Results(), roster)
		if err != nil {
			log.Error().Err(err).Msg("aggregation failed")
			errs = append(errs, err)
		} else {
			report.Summary = summary
			summaryPath = filepath.Join(summary.OutputDir, constants.SummaryFileName)
		}
	}

	report.Run = r.Snapshot()
	if o.history != nil {
		if err := o.history.Save(ctx, report.Run, summaryPath); err != nil {
			log.Warn().Err(err).Msg("failed to record run history")
		}
	}
	return report, errors.Join(errs...)
}
