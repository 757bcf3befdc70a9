package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/buildfarm/internal/backend"
	"github.com/mrz1836/buildfarm/internal/backend/backendtest"
	"github.com/mrz1836/buildfarm/internal/constants"
	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/job"
	"github.com/mrz1836/buildfarm/internal/retry"
	"github.com/mrz1836/buildfarm/internal/run"
	"github.com/mrz1836/buildfarm/internal/testutil"
)

func testConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: time.Millisecond,
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

func testJob(name string) job.Job {
	return job.Job{
		Name:     name,
		Template: job.TemplateTest,
		Params:   job.Params{Image: "img", Command: "make test"},
	}
}

func newDispatcher(b backend.Backend) (*Dispatcher, *run.PipelineRun) {
	r := run.New("main", nil)
	return New(b, r, testConfig()), r
}

func statuses(results []run.Result) map[string]constants.JobStatus {
	out := make(map[string]constants.JobStatus, len(results))
	for _, r := range results {
		out[r.Job] = r.Status
	}
	return out
}

func TestRunAll_OneFailureInFailFastGroup(t *testing.T) {
	fake := backendtest.New(map[string]backendtest.Outcome{
		"test-2": {Status: constants.JobStatusFailure, Polls: 2},
	})
	d, r := newDispatcher(fake)

	outcome, err := d.RunAll(context.Background(), []job.Job{testJob("test-1"), testJob("test-2"), testJob("test-3")}, true)
	d.Wait()

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"test-1", "test-2", "test-3"}, fake.Submitted())
	assert.Equal(t, map[string]constants.JobStatus{
		"test-1": constants.JobStatusSuccess,
		"test-2": constants.JobStatusFailure,
		"test-3": constants.JobStatusSuccess,
	}, statuses(r.Results()))
	assert.True(t, outcome.Failed)
	assert.True(t, outcome.AnyFailed)
	assert.Equal(t, constants.GroupStateDone, outcome.State)
	assert.Equal(t, []string{"test-2"}, outcome.FailedJobs())
	assert.Len(t, outcome.Results, 3)
	assert.Empty(t, fake.Aborted(), "siblings of a failed job must not be canceled")
}

func TestRunAll_AdvisoryGroupDoesNotFail(t *testing.T) {
	fake := backendtest.New(map[string]backendtest.Outcome{
		"lint": {Status: constants.JobStatusFailure},
	})
	d, r := newDispatcher(fake)

	outcome, err := d.RunAll(context.Background(), []job.Job{testJob("lint"), testJob("docs")}, false)

	require.NoError(t, err)
	assert.False(t, outcome.Failed)
	assert.True(t, outcome.AnyFailed)
	assert.Equal(t, 2, r.Len())
}

func TestRunGroups_NoDroppedResults(t *testing.T) {
	outcomes := map[string]backendtest.Outcome{}
	var groups []Group
	total := 0
	for g := range 3 {
		var jobs []job.Job
		for i := range 15 {
			name := fmt.Sprintf("g%d-job%d", g, i)
			switch i % 3 {
			case 1:
				outcomes[name] = backendtest.Outcome{Status: constants.JobStatusFailure, Polls: i % 4}
			case 2:
				outcomes[name] = backendtest.Outcome{Status: constants.JobStatusAborted, Polls: 1}
			}
			jobs = append(jobs, testJob(name))
			total++
		}
		groups = append(groups, Group{Name: fmt.Sprintf("group-%d", g), Jobs: jobs, FailFast: g == 0})
	}
	fake := backendtest.New(outcomes)
	d, r := newDispatcher(fake)

	got, err := d.RunGroups(context.Background(), groups)

	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, total, r.Len())
	assert.Len(t, r.ByJob(), total)
	for i, o := range got {
		assert.Equal(t, groups[i].Name, o.Name)
		assert.Len(t, o.Results, 15)
		assert.Equal(t, i == 0, o.Failed)
		for _, res := range o.Results {
			assert.Equal(t, o.Name, res.Group)
			assert.True(t, res.Status.IsTerminal())
		}
	}
}

func TestRunGroups_ValidationIsFatalBeforeSubmission(t *testing.T) {
	tests := []struct {
		name   string
		groups []Group
	}{
		{"missing template", []Group{{Name: "test", Jobs: []job.Job{testJob("a"), {Name: "b"}}}}},
		{"duplicate job across groups", []Group{
			{Name: "test", Jobs: []job.Job{testJob("a")}},
			{Name: "lint", Jobs: []job.Job{testJob("a")}},
		}},
		{"duplicate group", []Group{{Name: "x"}, {Name: "x"}}},
		{"unnamed group", []Group{{Jobs: []job.Job{testJob("a")}}}},
		{"bad job name", []Group{{Name: "x", Jobs: []job.Job{testJob("a/b")}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := backendtest.New(nil)
			d, r := newDispatcher(fake)

			outcomes, err := d.RunGroups(context.Background(), tt.groups)

			require.ErrorIs(t, err, bferrors.ErrConfiguration)
			assert.True(t, bferrors.IsFatal(err))
			assert.Nil(t, outcomes)
			assert.Empty(t, fake.Submitted())
			assert.Zero(t, r.Len())
		})
	}
}

func TestSubmit_DuplicateName(t *testing.T) {
	d, _ := newDispatcher(backendtest.New(nil))

	_, err := d.Submit(context.Background(), testJob("a"))
	require.NoError(t, err)
	_, err = d.Submit(context.Background(), testJob("a"))
	require.ErrorIs(t, err, bferrors.ErrConfiguration)
	d.Wait()
}

func TestSubmit_Await(t *testing.T) {
	fake := backendtest.New(map[string]backendtest.Outcome{
		"unit": {Polls: 1, Artifacts: []string{"s3://b/r/unit/"}},
	})
	d, r := newDispatcher(fake)

	h, err := d.Submit(context.Background(), testJob("unit"))
	require.NoError(t, err)
	assert.Equal(t, "unit", h.Job().Name)

	res, err := h.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusSuccess, res.Status)
	assert.Equal(t, []string{"s3://b/r/unit/"}, res.Artifacts)
	assert.NotEmpty(t, res.Link)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
	assert.Equal(t, 1, r.Len())
}

func TestAwait_ContextEnds(t *testing.T) {
	fake := backendtest.New(map[string]backendtest.Outcome{"slow": {Never: true}})
	d, _ := newDispatcher(fake)
	runCtx, cancelRun := context.WithCancel(context.Background())

	h, err := d.Submit(runCtx, testJob("slow"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.Await(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	cancelRun()
	d.Wait()
}

func TestBackendErrors(t *testing.T) {
	t.Run("transient submit errors are retried", func(t *testing.T) {
		fake := backendtest.New(map[string]backendtest.Outcome{
			"flaky": {SubmitErr: testutil.ErrMockNetwork, SubmitFailures: 2},
		})
		d, _ := newDispatcher(fake)

		outcome, err := d.RunAll(context.Background(), []job.Job{testJob("flaky")}, true)

		require.NoError(t, err)
		assert.Equal(t, 3, fake.Attempts("flaky"))
		assert.False(t, outcome.Failed)
	})

	t.Run("exhausted submit escalates after all jobs terminate", func(t *testing.T) {
		fake := backendtest.New(map[string]backendtest.Outcome{
			"down": {SubmitErr: testutil.ErrMockBackendDown},
		})
		d, r := newDispatcher(fake)

		outcome, err := d.RunAll(context.Background(), []job.Job{testJob("down"), testJob("fine")}, true)

		require.ErrorIs(t, err, bferrors.ErrBackendCommunication)
		require.ErrorIs(t, err, testutil.ErrMockBackendDown)
		assert.Equal(t, 3, fake.Attempts("down"))
		require.NotNil(t, outcome)
		assert.True(t, outcome.Failed)

		byJob := r.ByJob()
		assert.Equal(t, constants.JobStatusFailure, byJob["down"].Status)
		assert.Contains(t, byJob["down"].Error, "submit failed after 3 attempts")
		assert.Equal(t, constants.JobStatusSuccess, byJob["fine"].Status)
	})

	t.Run("permanent rejection is not retried", func(t *testing.T) {
		fake := backendtest.New(map[string]backendtest.Outcome{
			"bad": {SubmitErr: bferrors.Wrap(bferrors.ErrConfiguration, "invalid manifest")},
		})
		d, r := newDispatcher(fake)

		_, err := d.RunAll(context.Background(), []job.Job{testJob("bad")}, true)

		require.ErrorIs(t, err, bferrors.ErrConfiguration)
		assert.NotErrorIs(t, err, bferrors.ErrBackendCommunication)
		assert.Equal(t, 1, fake.Attempts("bad"))
		assert.Equal(t, constants.JobStatusFailure, r.ByJob()["bad"].Status)
	})

	t.Run("exhausted polling records failure", func(t *testing.T) {
		fake := backendtest.New(map[string]backendtest.Outcome{
			"lost": {PollErr: testutil.ErrMockNetwork},
		})
		d, r := newDispatcher(fake)

		h, err := d.Submit(context.Background(), testJob("lost"))
		require.NoError(t, err)
		res, err := h.Await(context.Background())
		d.Wait()

		require.ErrorIs(t, err, bferrors.ErrBackendCommunication)
		assert.Equal(t, constants.JobStatusFailure, res.Status)
		assert.Equal(t, 1, r.Len())
	})
}

func TestTimeoutAbortsJob(t *testing.T) {
	fake := backendtest.New(map[string]backendtest.Outcome{"hang": {Never: true}})
	d, r := newDispatcher(fake)
	j := testJob("hang")
	j.Resources.Timeout = 20 * time.Millisecond

	outcome, err := d.RunAll(context.Background(), []job.Job{j, testJob("ok")}, true)
	d.Wait()

	require.NoError(t, err)
	assert.True(t, outcome.Failed)
	res := r.ByJob()["hang"]
	assert.Equal(t, constants.JobStatusAborted, res.Status)
	assert.Contains(t, res.Message, "timeout")
	assert.Equal(t, []string{"hang"}, fake.Aborted())
}

func TestCancellationAbortsOutstandingJobs(t *testing.T) {
	fake := backendtest.New(map[string]backendtest.Outcome{
		"a": {Never: true},
		"b": {Never: true},
	})
	d, r := newDispatcher(fake)
	ctx, cancel := context.WithCancelCause(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	var outcome *GroupOutcome
	var runErr error
	go func() {
		defer wg.Done()
		outcome, runErr = d.RunAll(ctx, []job.Job{testJob("a"), testJob("b")}, true)
	}()

	require.Eventually(t, func() bool { return len(fake.Submitted()) == 2 }, 5*time.Second, time.Millisecond)
	cancel(bferrors.ErrRunSuperseded)
	wg.Wait()
	d.Wait()

	require.NoError(t, runErr)
	assert.True(t, outcome.Failed)
	assert.ElementsMatch(t, []string{"a", "b"}, fake.Aborted())
	for _, res := range r.Results() {
		assert.Equal(t, constants.JobStatusAborted, res.Status)
		assert.Contains(t, res.Error, "superseded")
	}
}

// countingBackend tracks how many jobs are between submission and a terminal poll.
type countingBackend struct {
	*backendtest.Fake

	mu     sync.Mutex
	active int
	peak   int
	done   map[string]bool
}

func (c *countingBackend) Submit(ctx context.Context, req backend.Request) (string, error) {
	id, err := c.Fake.Submit(ctx, req)
	if err == nil {
		c.mu.Lock()
		c.active++
		c.peak = max(c.peak, c.active)
		c.mu.Unlock()
	}
	return id, err
}

func (c *countingBackend) Poll(ctx context.Context, id string) (backend.Report, error) {
	report, err := c.Fake.Poll(ctx, id)
	if err == nil && report.Status.IsTerminal() {
		c.mu.Lock()
		if !c.done[id] {
			c.done[id] = true
			c.active--
		}
		c.mu.Unlock()
	}
	return report, err
}

func TestWorkerPoolIsBounded(t *testing.T) {
	outcomes := map[string]backendtest.Outcome{}
	var jobs []job.Job
	for i := range 12 {
		name := fmt.Sprintf("job-%d", i)
		outcomes[name] = backendtest.Outcome{Polls: 3}
		jobs = append(jobs, testJob(name))
	}
	cb := &countingBackend{Fake: backendtest.New(outcomes), done: map[string]bool{}}
	cfg := testConfig()
	cfg.Workers = 2
	r := run.New("main", nil)
	d := New(cb, r, cfg)

	_, err := d.RunAll(context.Background(), jobs, false)

	require.NoError(t, err)
	assert.Equal(t, 12, r.Len())
	assert.LessOrEqual(t, cb.peak, 2)
	assert.Positive(t, cb.peak)
}

func TestGroupState(t *testing.T) {
	g := newGroupState()
	assert.Equal(t, constants.GroupStateAnySucceeded, g.observe(constants.JobStatusSuccess))
	assert.Equal(t, constants.GroupStateAnyFailed, g.observe(constants.JobStatusAborted))
	assert.Equal(t, constants.GroupStateAnyFailed, g.observe(constants.JobStatusSuccess))

	state, anyFailed := g.finish()
	assert.Equal(t, constants.GroupStateDone, state)
	assert.True(t, anyFailed)
	assert.Equal(t, constants.GroupStateDone, g.observe(constants.JobStatusFailure))

	empty := newGroupState()
	state, anyFailed = empty.finish()
	assert.Equal(t, constants.GroupStateDone, state)
	assert.False(t, anyFailed)
}

func TestRunAll_EmptyGroup(t *testing.T) {
	d, _ := newDispatcher(backendtest.New(nil))

	outcome, err := d.RunAll(context.Background(), nil, true)

	require.NoError(t, err)
	assert.Equal(t, constants.GroupStateDone, outcome.State)
	assert.False(t, outcome.Failed)
}
