package dispatch

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mrz1836/buildfarm/internal/constants"
	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/job"
	"github.com/mrz1836/buildfarm/internal/run"
)

// Group is a set of jobs that succeed or fail together.
type Group struct {
	Name string
	Jobs []job.Job
	// FailFast marks the group failed when any job fails. Groups without it
	// are advisory: failures are recorded but do not fail the group. Sibling
	// jobs are never canceled either way.
	FailFast bool
}

// GroupOutcome summarizes a finished group.
type GroupOutcome struct {
	Name     string              `json:"name"`
	FailFast bool                `json:"fail_fast"`
	State    constants.GroupState `json:"state"`
	// Failed is true when a fail-fast group had a job end FAILURE or ABORTED.
	Failed bool `json:"failed"`
	// AnyFailed is true when any job ended FAILURE or ABORTED.
	AnyFailed bool `json:"any_failed"`
	// Results are the group's job results in completion order.
	Results []run.Result `json:"results"`
}

// FailedJobs returns the names of jobs that ended FAILURE or ABORTED.
func (o *GroupOutcome) FailedJobs() []string {
	var out []string
	for _, r := range o.Results {
		if r.Status.IsFailed() {
			out = append(out, r.Job)
		}
	}
	return out
}

// groupState is the per-group state machine:
//
//	running → any_succeeded | any_failed → done
//
// any_failed is sticky; a later success does not leave it.
type groupState struct {
	mu        sync.Mutex
	state     constants.GroupState
	anyFailed bool
}

func newGroupState() *groupState {
	return &groupState{state: constants.GroupStateRunning}
}

func (g *groupState) observe(status constants.JobStatus) constants.GroupState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == constants.GroupStateDone {
		return g.state
	}
	switch {
	case status.IsFailed():
		g.anyFailed = true
		g.state = constants.GroupStateAnyFailed
	case g.state == constants.GroupStateRunning:
		g.state = constants.GroupStateAnySucceeded
	}
	return g.state
}

func (g *groupState) finish() (constants.GroupState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = constants.GroupStateDone
	return g.state, g.anyFailed
}

// RunAll runs jobs as one group and waits for all of them.
func (d *Dispatcher) RunAll(ctx context.Context, jobs []job.Job, failFast bool) (*GroupOutcome, error) {
	return d.RunGroup(ctx, Group{Name: "default", Jobs: jobs, FailFast: failFast})
}

// RunGroup submits every job of g and waits until all have terminated.
// Malformed jobs are rejected with ErrConfiguration before anything is
// submitted. The outcome is returned even when the error is non-nil, unless
// the group was rejected up front.
func (d *Dispatcher) RunGroup(ctx context.Context, g Group) (*GroupOutcome, error) {
	if err := validateGroups([]Group{g}); err != nil {
		return nil, err
	}
	return d.runGroup(ctx, g)
}

func (d *Dispatcher) runGroup(ctx context.Context, g Group) (*GroupOutcome, error) {
	log := d.logger.With().Str("group", g.Name).Bool("fail_fast", g.FailFast).Logger()
	log.Info().Int("jobs", len(g.Jobs)).Msg("starting job group")

	handles := make([]*Handle, 0, len(g.Jobs))
	for _, j := range g.Jobs {
		h, err := d.submit(ctx, g.Name, j)
		if err != nil {
			// Jobs already submitted still finish and land in the run.
			return d.collect(g, handles), err
		}
		handles = append(handles, h)
	}

	outcome := d.collect(g, handles)
	var errs []error
	for _, h := range handles {
		if h.err != nil {
			errs = append(errs, h.err)
		}
	}

	event := log.Info()
	if outcome.Failed {
		event = log.Warn()
	}
	event.
		Str("state", outcome.State.String()).
		Bool("failed", outcome.Failed).
		Strs("failed_jobs", outcome.FailedJobs()).
		Msg("job group finished")

	return outcome, errors.Join(errs...)
}

// collect waits for every handle and builds the outcome in completion order.
// It keeps waiting after cancellation since canceled jobs still terminate.
func (d *Dispatcher) collect(g Group, handles []*Handle) *GroupOutcome {
	state := newGroupState()
	outcome := &GroupOutcome{Name: g.Name, FailFast: g.FailFast, State: constants.GroupStateRunning}

	completed := make(chan *Handle, len(handles))
	for _, h := range handles {
		go func() {
			<-h.done
			completed <- h
		}()
	}
	for range handles {
		h := <-completed
		outcome.State = state.observe(h.result.Status)
		outcome.Results = append(outcome.Results, h.result)
	}

	outcome.State, outcome.AnyFailed = state.finish()
	outcome.Failed = g.FailFast && outcome.AnyFailed
	return outcome
}

// RunGroups runs sibling groups concurrently and waits for all of them.
// Every group's jobs are validated before any job is submitted. Outcomes are
// returned in the order of groups.
func (d *Dispatcher) RunGroups(ctx context.Context, groups []Group) ([]*GroupOutcome, error) {
	if err := validateGroups(groups); err != nil {
		return nil, err
	}

	outcomes := make([]*GroupOutcome, len(groups))
	errs := make([]error, len(groups))

	// Groups return nil to errgroup so one group's error never cancels its
	// siblings; errors are joined after every group finished.
	var eg errgroup.Group
	for i, g := range groups {
		eg.Go(func() error {
			outcomes[i], errs[i] = d.runGroup(ctx, g)
			return nil
		})
	}
	_ = eg.Wait()

	return outcomes, errors.Join(errs...)
}

// validateGroups checks names and job identity across groups.
func validateGroups(groups []Group) error {
	seenGroups := make(map[string]struct{}, len(groups))
	seenJobs := make(map[string]string)
	for _, g := range groups {
		if g.Name == "" {
			return bferrors.Wrap(bferrors.ErrConfiguration, "job group has no name")
		}
		if _, dup := seenGroups[g.Name]; dup {
			return bferrors.Wrapf(bferrors.ErrConfiguration, "job group %q declared twice", g.Name)
		}
		seenGroups[g.Name] = struct{}{}

		for _, j := range g.Jobs {
			if err := job.ValidateName(j.Name); err != nil {
				return bferrors.Wrapf(err, "group %q", g.Name)
			}
			if j.Template == "" {
				return bferrors.Wrapf(bferrors.ErrConfiguration, "group %q: job %q has no template", g.Name, j.Name)
			}
			if other, dup := seenJobs[j.Name]; dup {
				return bferrors.Wrapf(bferrors.ErrConfiguration,
					"job %q appears in groups %q and %q", j.Name, other, g.Name)
			}
			seenJobs[j.Name] = g.Name
		}
	}
	return nil
}
