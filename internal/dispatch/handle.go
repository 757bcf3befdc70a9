package dispatch

import (
	"context"

	"github.com/mrz1836/buildfarm/internal/job"
	"github.com/mrz1836/buildfarm/internal/run"
)

// Handle tracks one submitted job.
type Handle struct {
	job   job.Job
	group string
	done  chan struct{}

	result run.Result
	err    error
}

func newHandle(j job.Job, group string) *Handle {
	return &Handle{job: j, group: group, done: make(chan struct{})}
}

// Job returns the submitted job.
func (h *Handle) Job() job.Job {
	return h.job
}

// Done is closed once the job has terminated.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Await blocks until the job terminates or ctx ends. The error is non-nil
// only when the backend could not be reached or rejected the job; a job that
// ran and failed returns its result with a nil error.
func (h *Handle) Await(ctx context.Context) (run.Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return run.Result{}, ctx.Err()
	}
}

func (h *Handle) complete(res run.Result, err error) {
	h.result = res
	h.err = err
	close(h.done)
}
