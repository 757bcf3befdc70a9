// Package dispatch submits jobs to an execution backend and tracks them to a
// terminal status.
//
// Jobs run on a bounded worker pool. Every submitted job produces exactly one
// result in the PipelineRun, whatever happens to it. Job failures never stop
// the dispatcher; they only affect the outcome of the job's group. Backend
// communication errors are retried with exponential backoff, and once retries
// are exhausted the job is recorded as FAILURE and the error is returned after
// every job of the call has terminated.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/mrz1836/buildfarm/internal/backend"
	"github.com/mrz1836/buildfarm/internal/clock"
	"github.com/mrz1836/buildfarm/internal/constants"
	"github.com/mrz1836/buildfarm/internal/ctxutil"
	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/job"
	"github.com/mrz1836/buildfarm/internal/logging"
	"github.com/mrz1836/buildfarm/internal/retry"
	"github.com/mrz1836/buildfarm/internal/run"
)

// abortTimeout bounds a best-effort abort request.
const abortTimeout = 30 * time.Second

// Config configures a Dispatcher.
type Config struct {
	// Workers bounds the number of jobs tracked concurrently.
	Workers int
	// PollInterval is the delay between status polls of a job.
	PollInterval time.Duration
	// Retry governs backend calls.
	Retry retry.Config
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      constants.DefaultWorkers,
		PollInterval: constants.DefaultPollInterval,
		Retry:        retry.DefaultConfig(),
	}
}

// Dispatcher submits jobs for one pipeline run.
type Dispatcher struct {
	backend backend.Backend
	run     *run.PipelineRun
	cfg     Config
	sem     *semaphore.Weighted
	clock   clock.Clock
	logger  zerolog.Logger

	mu    sync.Mutex
	names map[string]struct{}

	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock sets the clock used for result timestamps.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// New creates a Dispatcher appending results to r.
func New(b backend.Backend, r *run.PipelineRun, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = constants.DefaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = constants.DefaultPollInterval
	}
	d := &Dispatcher{
		backend: b,
		run:     r,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		clock:   clock.RealClock{},
		logger:  zerolog.Nop(),
		names:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With().
		Str("run_id", r.ID).
		Str("backend", b.Name()).
		Logger()
	return d
}

// Run returns the run results are recorded in.
func (d *Dispatcher) Run() *run.PipelineRun {
	return d.run
}

// Submit validates j and starts tracking it in the background. It returns
// immediately. A malformed job or a job name already used in this run returns
// ErrConfiguration and nothing is submitted.
func (d *Dispatcher) Submit(ctx context.Context, j job.Job) (*Handle, error) {
	return d.submit(ctx, "", j)
}

func (d *Dispatcher) submit(ctx context.Context, group string, j job.Job) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := job.ValidateName(j.Name); err != nil {
		return nil, err
	}
	if j.Template == "" {
		return nil, bferrors.Wrapf(bferrors.ErrConfiguration, "job %q has no template", j.Name)
	}

	d.mu.Lock()
	if _, dup := d.names[j.Name]; dup {
		d.mu.Unlock()
		return nil, bferrors.Wrapf(bferrors.ErrConfiguration, "job %q submitted twice in run", j.Name)
	}
	d.names[j.Name] = struct{}{}
	d.mu.Unlock()

	h := newHandle(j, group)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.track(ctx, h)
	}()
	return h, nil
}

// Wait blocks until every submitted job has terminated and every abort
// request has been sent.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// track drives one job to a terminal status and records its result.
func (d *Dispatcher) track(ctx context.Context, h *Handle) {
	res := run.Result{Job: h.job.Name, Group: h.group, StartedAt: d.clock.Now()}
	log := d.logger.With().Str("job", h.job.Name).Str("group", h.group).Logger()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		res.Status = constants.JobStatusAborted
		res.Error = ctxutil.Cause(ctx).Error()
		d.finish(h, res, nil, log)
		return
	}
	defer d.sem.Release(1)

	req := backend.Request{RunID: d.run.ID, Job: h.job}
	id, attempts, err := retry.Do(ctx, d.cfg.Retry, log, retryable(ctx),
		func(ctx context.Context) (string, error) {
			return d.backend.Submit(ctx, req)
		})
	if err != nil {
		res.Status = constants.JobStatusFailure
		if ctx.Err() != nil {
			res.Status = constants.JobStatusAborted
			res.Error = ctxutil.Cause(ctx).Error()
			d.finish(h, res, nil, log)
			return
		}
		escalated := escalate(h.job.Name, "submit", attempts, err)
		res.Error = escalated.Error()
		d.finish(h, res, escalated, log)
		return
	}

	log.Info().
		Str("backend_id", id).
		Str("template", h.job.Template).
		Interface("params", logging.SafeParams(h.job.Params.Map())).
		Msg("job submitted")

	report, err := d.poll(ctx, h, id, log)
	res.Link = report.Link
	res.Message = report.Message
	res.Artifacts = report.Artifacts
	res.Status = report.Status
	if err != nil {
		res.Error = err.Error()
	}
	var escalated error
	if err != nil && !errors.Is(err, bferrors.ErrJobTimeout) && ctx.Err() == nil {
		escalated = err
	}
	d.finish(h, res, escalated, log)
}

// poll waits for the backend job to reach a terminal status, aborting it on
// timeout or cancellation. The returned report always carries a terminal
// status.
func (d *Dispatcher) poll(ctx context.Context, h *Handle, id string, log zerolog.Logger) (backend.Report, error) {
	var timeout <-chan time.Time
	if t := h.job.Resources.Timeout; t > 0 {
		timer := time.NewTimer(t)
		defer timer.Stop()
		timeout = timer.C
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	last := backend.Report{Status: constants.JobStatusPending}
	for {
		select {
		case <-ctx.Done():
			d.abort(ctx, id, log)
			last.Status = constants.JobStatusAborted
			return last, ctxutil.Cause(ctx)

		case <-timeout:
			d.abort(ctx, id, log)
			last.Status = constants.JobStatusAborted
			last.Message = fmt.Sprintf("timeout of %s exceeded", h.job.Resources.Timeout)
			return last, bferrors.Wrapf(bferrors.ErrJobTimeout, "job %q", h.job.Name)

		case <-ticker.C:
			report, attempts, err := retry.Do(ctx, d.cfg.Retry, log, retryable(ctx),
				func(ctx context.Context) (backend.Report, error) {
					return d.backend.Poll(ctx, id)
				})
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				d.abort(ctx, id, log)
				last.Status = constants.JobStatusFailure
				return last, escalate(h.job.Name, "poll", attempts, err)
			}
			if report.Link == "" {
				report.Link = last.Link
			}
			last = report
			if report.Status.IsTerminal() {
				return report, nil
			}
		}
	}
}

// abort asks the backend to stop id without waiting for the outcome.
func (d *Dispatcher) abort(ctx context.Context, id string, log zerolog.Logger) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
		defer cancel()
		if err := d.backend.Abort(actx, id); err != nil {
			log.Warn().Err(err).Str("backend_id", id).Msg("abort request failed")
		}
	}()
}

func (d *Dispatcher) finish(h *Handle, res run.Result, err error, log zerolog.Logger) {
	res.FinishedAt = d.clock.Now()
	d.run.Append(res)

	event := log.Info()
	if res.Status.IsFailed() {
		event = log.Warn()
	}
	event.
		Str("status", res.Status.String()).
		Str("link", res.Link).
		Dur("duration", res.Duration()).
		Int("artifacts", len(res.Artifacts)).
		Msg("job finished")

	h.complete(res, err)
}

// permanent reports whether err will not go away by retrying.
func permanent(err error) bool {
	return errors.Is(err, bferrors.ErrConfiguration) ||
		errors.Is(err, bferrors.ErrMissingParameter) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func retryable(ctx context.Context) func(error) bool {
	return func(err error) bool {
		return ctx.Err() == nil && !permanent(err)
	}
}

// escalate classifies a backend call that failed for good.
func escalate(name, op string, attempts int, err error) error {
	if permanent(err) {
		return fmt.Errorf("job %q: %s rejected: %w", name, op, err)
	}
	return fmt.Errorf("%w: job %q: %s failed after %d attempts: %w",
		bferrors.ErrBackendCommunication, name, op, attempts, err)
}
