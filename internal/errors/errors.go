// Package errors provides centralized error handling for buildfarm.
//
// This package defines sentinel errors used for programmatic error categorization
// throughout the application. All error types can be checked using errors.Is().
//
// IMPORTANT: This package MUST NOT import any other internal packages.
// Only standard library imports are allowed.
package errors

import "errors"

// Pipeline error taxonomy.
// Configuration and ref-resolution errors abort a run before any job is submitted.
// Backend communication errors are retried and escalate once retries are exhausted.
// Job failures are recorded and only fail the enclosing group.
var (
	// ErrConfiguration indicates a malformed matrix, job or pipeline definition.
	// Always fatal, always raised before submission.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrBackendCommunication indicates a submission, polling or abort call to the
	// execution backend failed. This is distinct from a job reporting FAILURE.
	ErrBackendCommunication = errors.New("backend communication failed")

	// ErrJobFailed indicates a job ran and reported a failing terminal status.
	ErrJobFailed = errors.New("job failed")

	// ErrGroupFailed indicates a fail-fast group had at least one failed job.
	ErrGroupFailed = errors.New("job group failed")

	// ErrRefResolution indicates a git ref could not be resolved to a commit.
	ErrRefResolution = errors.New("ref resolution failed")

	// ErrEmptyDimension indicates a matrix dimension has no values.
	ErrEmptyDimension = errors.New("matrix dimension has no values")

	// ErrDuplicateTag indicates two matrix entries would produce the same tag.
	ErrDuplicateTag = errors.New("duplicate matrix tag")

	// ErrMissingParameter indicates a job lacks a parameter its backend template requires.
	ErrMissingParameter = errors.New("required job parameter missing")

	// ErrInvalidImageRef indicates a matrix entry produced an invalid image reference.
	ErrInvalidImageRef = errors.New("invalid image reference")

	// ErrJobTimeout indicates a job exceeded its timeout and was aborted.
	ErrJobTimeout = errors.New("job timeout exceeded")

	// ErrRunSuperseded indicates a run was canceled because a newer run started
	// for the same pipeline key.
	ErrRunSuperseded = errors.New("run superseded by newer run")

	// ErrRunNotFound indicates the requested pipeline run does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrUnknownBackend indicates the configured backend kind is not supported.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrUnsupportedLocator indicates an artifact locator has no registered store.
	ErrUnsupportedLocator = errors.New("unsupported artifact locator")

	// ErrArtifactNotFound indicates the requested artifact does not exist in the store.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrInvalidReport indicates a test-result or coverage document could not be parsed.
	ErrInvalidReport = errors.New("invalid report document")

	// ErrGitOperation indicates that a git command failed during execution.
	ErrGitOperation = errors.New("git operation failed")

	// ErrConfigNil indicates that a nil config was passed to validation.
	ErrConfigNil = errors.New("config is nil")

	// ErrConfigInvalidBackend indicates an invalid backend configuration value.
	ErrConfigInvalidBackend = errors.New("invalid backend configuration")

	// ErrConfigInvalidResources indicates an invalid resource-limit configuration value.
	ErrConfigInvalidResources = errors.New("invalid resources configuration")

	// ErrConfigInvalidDispatch indicates an invalid dispatch configuration value.
	ErrConfigInvalidDispatch = errors.New("invalid dispatch configuration")

	// ErrConfigInvalidArtifacts indicates an invalid artifacts configuration value.
	ErrConfigInvalidArtifacts = errors.New("invalid artifacts configuration")

	// ErrConfigInvalidHistory indicates an invalid history configuration value.
	ErrConfigInvalidHistory = errors.New("invalid history configuration")

	// ErrInvalidOutputFormat indicates an invalid output format was specified.
	ErrInvalidOutputFormat = errors.New("invalid output format")

	// ErrEmptyValue indicates that a required value was empty.
	ErrEmptyValue = errors.New("value cannot be empty")

	// ErrPathTraversal indicates an attempt to escape a directory with a relative path.
	ErrPathTraversal = errors.New("path traversal detected")

	// ErrLockTimeout indicates a file lock could not be acquired within the timeout period.
	ErrLockTimeout = errors.New("lock acquisition timeout")

	// ErrCommandFailed indicates that a command execution failed.
	ErrCommandFailed = errors.New("command failed")

	// ErrCommandNotConfigured indicates that a mock command was not configured in tests.
	ErrCommandNotConfigured = errors.New("command not configured")

	// ErrMaxRetriesExceeded indicates the maximum retry attempts have been reached.
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")

	// ErrPipelineFailed indicates the run finished with at least one failed required group.
	ErrPipelineFailed = errors.New("pipeline failed")
)

// ExitCode2Error wraps an error to indicate exit code 2 should be used.
type ExitCode2Error struct {
	Err error
}

// NewExitCode2Error wraps an error to indicate exit code 2.
func NewExitCode2Error(err error) *ExitCode2Error {
	return &ExitCode2Error{Err: err}
}

// Error implements the error interface.
func (e *ExitCode2Error) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ExitCode2Error) Unwrap() error {
	return e.Err
}

// IsExitCode2Error checks if an error should result in exit code 2.
func IsExitCode2Error(err error) bool {
	var e *ExitCode2Error
	return errors.As(err, &e)
}

// IsFatal reports whether err must abort a run before or during submission.
// Job failures and group failures are not fatal; everything else that carries
// a configuration, ref or exhausted-backend classification is.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrRefResolution) ||
		errors.Is(err, ErrEmptyDimension) ||
		errors.Is(err, ErrDuplicateTag) ||
		errors.Is(err, ErrMissingParameter) ||
		errors.Is(err, ErrInvalidImageRef) ||
		errors.Is(err, ErrBackendCommunication)
}
