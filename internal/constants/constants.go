// Package constants provides centralized constant values used throughout buildfarm.
// This package is the single source of truth for all shared constants and MUST NOT
// import any other internal packages.
package constants

import "time"

// Directory names and paths used by buildfarm for organizing data.
const (
	// Home is the hidden directory name where buildfarm stores its data.
	// This directory is created in the user's home directory.
	Home = ".buildfarm"

	// ArtifactsDir is the default directory name for aggregated run artifacts.
	ArtifactsDir = "artifacts"

	// LogsDir is the directory name where log files are stored.
	LogsDir = "logs"

	// HistoryDBFileName is the sqlite database holding run history.
	HistoryDBFileName = "history.db"

	// OutputLockFileName guards an artifact output directory against concurrent runs.
	OutputLockFileName = ".buildfarm.lock"
)

// Timeout and polling configuration.
const (
	// DefaultJobTimeout is the default maximum duration of a single backend job.
	DefaultJobTimeout = 2 * time.Hour

	// DefaultPollInterval is how often the dispatcher polls the backend for job status.
	DefaultPollInterval = 10 * time.Second

	// DefaultLockTimeout bounds how long a run waits for the artifact output lock.
	DefaultLockTimeout = 5 * time.Second
)

// Retry configuration defaults for backend communication.
const (
	// MaxRetryAttempts is the maximum number of attempts for a backend call.
	MaxRetryAttempts = 4

	// InitialBackoff is the delay before the first retry.
	InitialBackoff = 1 * time.Second

	// MaxBackoff caps the exponential backoff delay.
	MaxBackoff = 30 * time.Second

	// BackoffMultiplier is applied to the delay after each failed attempt.
	BackoffMultiplier = 2.0
)

// Dispatcher defaults.
const (
	// DefaultWorkers is the default size of the dispatcher's worker pool.
	DefaultWorkers = 8

	// DefaultBuildHistory is the default number of runs retained per pipeline key.
	DefaultBuildHistory = 20
)

// Default resource limits applied to jobs that do not declare their own.
const (
	DefaultCPU              = "2"
	DefaultMemory           = "4Gi"
	DefaultEphemeralStorage = "10Gi"
)

// Report file names written by the aggregator.
const (
	// MergedJUnitFileName is the merged test-result report.
	MergedJUnitFileName = "junit.xml"

	// MergedCoverageFileName is the merged coverage report.
	MergedCoverageFileName = "coverage.xml"

	// SummaryFileName is the JSON summary of an aggregated run.
	SummaryFileName = "summary.json"
)
