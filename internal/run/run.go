// Package run records the results of one pipeline run.
package run

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrz1836/buildfarm/internal/clock"
	"github.com/mrz1836/buildfarm/internal/constants"
)

// Result is the terminal outcome of one submitted job. Results are values and
// never change after they are appended.
type Result struct {
	// Job is the job's name, unique within the run.
	Job string `json:"job"`
	// Group names the job group the job belongs to.
	Group string `json:"group,omitempty"`
	// Status is the terminal status.
	Status constants.JobStatus `json:"status"`
	// Link points at the job in the backend.
	Link string `json:"link,omitempty"`
	// Artifacts are store locators reported by the backend.
	Artifacts []string `json:"artifacts,omitempty"`
	// Error describes why the job could not be tracked, if it could not.
	Error string `json:"error,omitempty"`
	// Message carries the backend's failure reason.
	Message string `json:"message,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns how long the job took.
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// PipelineRun collects job results in completion order. It is safe for
// concurrent use; the result list is append-only.
type PipelineRun struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	StartedAt time.Time `json:"started_at"`

	mu         sync.Mutex
	results    []Result
	status     constants.RunStatus
	finishedAt time.Time
	clock      clock.Clock
}

// New starts a run for the pipeline identified by key.
func New(key string, clk clock.Clock) *PipelineRun {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &PipelineRun{
		ID:        uuid.NewString(),
		Key:       key,
		StartedAt: clk.Now(),
		status:    constants.RunStatusRunning,
		clock:     clk,
	}
}

// Append records a result.
func (r *PipelineRun) Append(res Result) {
	res.Artifacts = append([]string(nil), res.Artifacts...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

// Results returns a snapshot of the results in completion order.
func (r *PipelineRun) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, len(r.results))
	copy(out, r.results)
	return out
}

// Len returns the number of recorded results.
func (r *PipelineRun) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

// ByJob returns the results keyed by job name.
func (r *PipelineRun) ByJob() map[string]Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Result, len(r.results))
	for _, res := range r.results {
		out[res.Job] = res
	}
	return out
}

// Finish sets the final status. Only the first call has an effect.
func (r *PipelineRun) Finish(status constants.RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != constants.RunStatusRunning {
		return
	}
	r.status = status
	r.finishedAt = r.clock.Now()
}

// Status returns the run status.
func (r *PipelineRun) Status() constants.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// FinishedAt returns when Finish was called, or the zero time.
func (r *PipelineRun) FinishedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedAt
}

// Now returns the run clock's current time.
func (r *PipelineRun) Now() time.Time {
	return r.clock.Now()
}

// Snapshot is a serializable copy of a run.
type Snapshot struct {
	ID         string              `json:"id"`
	Key        string              `json:"key"`
	Status     constants.RunStatus `json:"status"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at,omitzero"`
	Results    []Result            `json:"results"`
}

// Snapshot returns a copy of the run's current state.
func (r *PipelineRun) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := make([]Result, len(r.results))
	copy(results, r.results)
	return Snapshot{
		ID:         r.ID,
		Key:        r.Key,
		Status:     r.status,
		StartedAt:  r.StartedAt,
		FinishedAt: r.finishedAt,
		Results:    results,
	}
}
