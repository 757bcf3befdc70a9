// Package local runs jobs as shell commands on the current host.
//
// Each job gets its own working directory under <root>/<run id>/<job name>.
// The job's parameters are exported as environment variables and
// BUILDFARM_OUTPUT_DIR points at the working directory; everything the
// command leaves there is reported as the job's artifacts.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mrz1836/buildfarm/internal/backend"
	"github.com/mrz1836/buildfarm/internal/constants"
	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/job"
)

// LogFileName is the file holding a job's combined output.
const LogFileName = "output.log"

// Backend is a backend.Backend running jobs on the local host.
type Backend struct {
	root   string
	runner CommandRunner
	logger zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*localJob
	wg   sync.WaitGroup
}

type localJob struct {
	dir    string
	cancel context.CancelFunc

	mu       sync.Mutex
	status   constants.JobStatus
	exitCode int
	aborted  bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithRunner replaces the shell runner.
func WithRunner(r CommandRunner) Option {
	return func(b *Backend) { b.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates a local backend writing job directories under root.
func New(root string, opts ...Option) *Backend {
	b := &Backend{
		root:   root,
		runner: &ShellRunner{},
		logger: zerolog.Nop(),
		jobs:   make(map[string]*localJob),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "local" }

// Submit implements backend.Backend. The command starts in the background.
func (b *Backend) Submit(ctx context.Context, req backend.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Job.Params.Command == "" {
		return "", bferrors.Wrapf(bferrors.ErrMissingParameter, "job %q: %s", req.Job.Name, job.KeyCommand)
	}
	if err := job.ValidateName(req.Job.Name); err != nil {
		return "", err
	}
	if req.RunID == "" || filepath.Base(req.RunID) != req.RunID {
		return "", bferrors.Wrapf(bferrors.ErrConfiguration, "run id %q", req.RunID)
	}

	id := req.RunID + "/" + req.Job.Name
	dir := filepath.Join(b.root, req.RunID, req.Job.Name)

	b.mu.Lock()
	if _, exists := b.jobs[id]; exists {
		b.mu.Unlock()
		return id, nil
	}
	b.mu.Unlock()

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	logFile, err := os.Create(filepath.Join(dir, LogFileName)) //#nosec G304 -- path built from validated names
	if err != nil {
		return "", fmt.Errorf("create job log: %w", err)
	}

	// The job outlives the submitting request; Abort cancels it.
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lj := &localJob{dir: dir, cancel: cancel, status: constants.JobStatusRunning}

	b.mu.Lock()
	b.jobs[id] = lj
	b.mu.Unlock()

	env := append(req.Job.Params.Environment(),
		"BUILDFARM_RUN_ID="+req.RunID,
		"BUILDFARM_JOB_NAME="+req.Job.Name,
		"BUILDFARM_OUTPUT_DIR="+dir,
	)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		defer func() { _ = logFile.Close() }()

		code, runErr := b.runner.Run(jobCtx, dir, req.Job.Params.Command, env, logFile)

		lj.mu.Lock()
		lj.exitCode = code
		switch {
		case lj.aborted:
			lj.status = constants.JobStatusAborted
		case runErr != nil:
			lj.status = constants.JobStatusFailure
		default:
			lj.status = constants.JobStatusSuccess
		}
		aborted := lj.aborted
		b.logger.Debug().
			Str("job", id).
			Int("exit_code", code).
			Str("status", lj.status.String()).
			Msg("local job finished")
		lj.mu.Unlock()

		// Nobody polls an aborted job again.
		if aborted {
			b.forget(id, lj)
		}
	}()

	return id, nil
}

// Poll implements backend.Backend. A job is forgotten once Poll has
// reported its terminal status.
func (b *Backend) Poll(ctx context.Context, id string) (backend.Report, error) {
	if err := ctx.Err(); err != nil {
		return backend.Report{}, err
	}
	b.mu.Lock()
	lj, ok := b.jobs[id]
	b.mu.Unlock()
	if !ok {
		return backend.Report{}, bferrors.Wrapf(bferrors.ErrConfiguration, "unknown local job %q", id)
	}

	lj.mu.Lock()
	report := backend.Report{
		Status: lj.status,
		Link:   "file://" + filepath.ToSlash(filepath.Join(lj.dir, LogFileName)),
	}
	if lj.status.IsTerminal() {
		report.Artifacts = []string{"file://" + filepath.ToSlash(lj.dir) + "/"}
		if lj.status == constants.JobStatusFailure {
			report.Message = fmt.Sprintf("exit code %d", lj.exitCode)
		}
	}
	lj.mu.Unlock()

	if report.Status.IsTerminal() {
		b.forget(id, lj)
	}
	return report, nil
}

// Abort implements backend.Backend.
func (b *Backend) Abort(_ context.Context, id string) error {
	b.mu.Lock()
	lj, ok := b.jobs[id]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	lj.mu.Lock()
	finished := lj.status.IsTerminal()
	if !finished {
		lj.aborted = true
	}
	lj.mu.Unlock()
	lj.cancel()
	if finished {
		b.forget(id, lj)
	}
	return nil
}

// Tracked reports how many jobs the backend still holds.
func (b *Backend) Tracked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}

// forget drops id unless it has been resubmitted since lj was looked up.
func (b *Backend) forget(id string, lj *localJob) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.jobs[id] == lj {
		delete(b.jobs, id)
	}
}

// Wait blocks until every started job has exited.
func (b *Backend) Wait() {
	b.wg.Wait()
}

var _ backend.Backend = (*Backend)(nil)
