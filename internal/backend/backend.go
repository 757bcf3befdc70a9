// Package backend defines the contract between the dispatcher and a remote
// execution backend.
//
// A backend accepts a parameterized job, reports its lifecycle and can be asked
// to abort it. Errors returned from backend calls are communication failures
// and are retried by the dispatcher unless they wrap ErrConfiguration, which
// marks a request the backend will never accept.
package backend

import (
	"context"

	"github.com/mrz1836/buildfarm/internal/constants"
	"github.com/mrz1836/buildfarm/internal/job"
)

// Request is a job submission.
type Request struct {
	// RunID scopes the job to its pipeline run.
	RunID string
	// Job is the validated job to execute.
	Job job.Job
}

// Report is a point-in-time view of a submitted job.
type Report struct {
	// Status is the job's current lifecycle status.
	Status constants.JobStatus
	// Link points at the job in the backend's UI or log location.
	Link string
	// Artifacts are store locators for files the job produced. A locator
	// ending in "/" names a prefix. Only populated for terminal statuses.
	Artifacts []string
	// Message carries the backend's reason for a failure, if any.
	Message string
}

// Backend executes jobs.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// Submit starts the job and returns the backend's identifier for it.
	// It must not wait for the job to finish.
	Submit(ctx context.Context, req Request) (string, error)

	// Poll returns the job's current status.
	Poll(ctx context.Context, id string) (Report, error)

	// Abort asks the backend to stop the job. It does not wait for the job
	// to stop, and aborting a finished or unknown job is not an error.
	Abort(ctx context.Context, id string) error
}
