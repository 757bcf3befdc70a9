package constants

// JobStatus is the lifecycle status of a backend job.
// Status values use upper case to match the backend wire format.
//
//	Pending → Running → Success | Failure | Aborted
type JobStatus string

// Job status constants.
const (
	// JobStatusPending indicates the backend accepted the job but has not started it.
	JobStatusPending JobStatus = "PENDING"

	// JobStatusRunning indicates the job is executing.
	JobStatusRunning JobStatus = "RUNNING"

	// JobStatusSuccess indicates the job finished successfully.
	JobStatusSuccess JobStatus = "SUCCESS"

	// JobStatusFailure indicates the job ran and reported failure, or could not be
	// tracked because the backend stayed unreachable.
	JobStatusFailure JobStatus = "FAILURE"

	// JobStatusAborted indicates the job was canceled or timed out.
	JobStatusAborted JobStatus = "ABORTED"
)

// String returns the string representation of the status.
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions can happen.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailure, JobStatusAborted:
		return true
	case JobStatusPending, JobStatusRunning:
		return false
	}
	return false
}

// IsFailed reports whether the terminal status counts against a fail-fast group.
func (s JobStatus) IsFailed() bool {
	return s == JobStatusFailure || s == JobStatusAborted
}

// GroupState is the state of a job group.
//
//	Running → AnySucceeded | AnyFailed → Done
type GroupState string

// Group state constants.
const (
	GroupStateRunning      GroupState = "running"
	GroupStateAnySucceeded GroupState = "any_succeeded"
	GroupStateAnyFailed    GroupState = "any_failed"
	GroupStateDone         GroupState = "done"
)

// String returns the string representation of the state.
func (s GroupState) String() string {
	return string(s)
}

// RunStatus is the final status of a pipeline run.
type RunStatus string

// Run status constants.
const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusSuccess  RunStatus = "SUCCESS"
	RunStatusFailure  RunStatus = "FAILURE"
	RunStatusCanceled RunStatus = "CANCELED"
)

// String returns the string representation of the status.
func (s RunStatus) String() string {
	return string(s)
}
