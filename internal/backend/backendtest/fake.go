// Package backendtest provides an in-memory Backend for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/mrz1836/buildfarm/internal/backend"
	"github.com/mrz1836/buildfarm/internal/constants"
)

// Outcome scripts how a job named in Fake.Outcomes behaves.
type Outcome struct {
	// Status is the terminal status reported once the job finishes.
	Status constants.JobStatus
	// Polls is the number of RUNNING reports before the terminal one.
	Polls int
	// Artifacts are reported with the terminal status.
	Artifacts []string
	// Never keeps the job RUNNING forever.
	Never bool
	// SubmitErr is returned by Submit for this job.
	SubmitErr error
	// SubmitFailures makes the first N submissions fail with SubmitErr.
	SubmitFailures int
	// PollErr is returned by every Poll for this job.
	PollErr error
}

// Fake is a scriptable Backend. Jobs without an Outcome succeed on first poll.
type Fake struct {
	Outcomes map[string]Outcome

	mu        sync.Mutex
	jobs      map[string]*fakeJob
	submitted []string
	aborted   []string
	attempts  map[string]int
	seq       int
}

type fakeJob struct {
	name    string
	outcome Outcome
	polls   int
	aborted bool
}

// New creates a Fake with the given outcomes keyed by job name.
func New(outcomes map[string]Outcome) *Fake {
	if outcomes == nil {
		outcomes = map[string]Outcome{}
	}
	return &Fake{
		Outcomes: outcomes,
		jobs:     make(map[string]*fakeJob),
		attempts: make(map[string]int),
	}
}

// Name implements backend.Backend.
func (f *Fake) Name() string { return "fake" }

// Submit implements backend.Backend.
func (f *Fake) Submit(ctx context.Context, req backend.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.Job.Name
	outcome := f.Outcomes[name]
	f.attempts[name]++
	if outcome.SubmitErr != nil && (outcome.SubmitFailures == 0 || f.attempts[name] <= outcome.SubmitFailures) {
		return "", outcome.SubmitErr
	}

	f.seq++
	id := fmt.Sprintf("fake-%d-%s", f.seq, name)
	f.jobs[id] = &fakeJob{name: name, outcome: outcome}
	f.submitted = append(f.submitted, name)
	return id, nil
}

// Poll implements backend.Backend.
func (f *Fake) Poll(ctx context.Context, id string) (backend.Report, error) {
	if err := ctx.Err(); err != nil {
		return backend.Report{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	j, ok := f.jobs[id]
	if !ok {
		return backend.Report{}, fmt.Errorf("unknown job %s", id) //nolint:err113 // test fake
	}
	if j.outcome.PollErr != nil {
		return backend.Report{}, j.outcome.PollErr
	}

	link := "fake://" + id
	if j.aborted {
		return backend.Report{Status: constants.JobStatusAborted, Link: link}, nil
	}
	if j.outcome.Never || j.polls < j.outcome.Polls {
		j.polls++
		return backend.Report{Status: constants.JobStatusRunning, Link: link}, nil
	}

	status := j.outcome.Status
	if status == "" {
		status = constants.JobStatusSuccess
	}
	return backend.Report{Status: status, Link: link, Artifacts: j.outcome.Artifacts}, nil
}

// Abort implements backend.Backend.
func (f *Fake) Abort(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if j, ok := f.jobs[id]; ok {
		j.aborted = true
		f.aborted = append(f.aborted, j.name)
	}
	return nil
}

// Submitted returns the names of successfully submitted jobs in order.
func (f *Fake) Submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

// Aborted returns the names of aborted jobs in order.
func (f *Fake) Aborted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.aborted...)
}

// Attempts returns how many times Submit was called for name.
func (f *Fake) Attempts(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[name]
}

var _ backend.Backend = (*Fake)(nil)
