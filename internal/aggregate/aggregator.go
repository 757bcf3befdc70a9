// Package aggregate collects the artifacts of a pipeline run into one output
// directory and merges their test and coverage reports.
//
// Aggregation runs whether or not the run succeeded. Each job's files land in
// <output>/<job name>/ so files from different jobs never collide. Sources
// that are missing or unreadable are skipped and listed in the summary.
package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrz1836/buildfarm/internal/clock"
	"github.com/mrz1836/buildfarm/internal/constants"
	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/flock"
	"github.com/mrz1836/buildfarm/internal/job"
	"github.com/mrz1836/buildfarm/internal/run"
	"github.com/mrz1836/buildfarm/internal/store"
)

// Config configures an Aggregator.
type Config struct {
	// RunID names the run in reports and the publish prefix.
	RunID string
	// OutputDir receives the collected files.
	OutputDir string
	// PublishPrefix, when Publisher is set, is the key prefix merged reports
	// are published under as <prefix>/<run id>/.
	PublishPrefix string
	// LockTimeout bounds the wait for the output directory lock.
	LockTimeout time.Duration
}

// Aggregator collects artifacts from a store.
type Aggregator struct {
	cfg       Config
	source    store.Store
	publisher store.Store
	clock     clock.Clock
	logger    zerolog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithPublisher publishes the merged reports to s.
func WithPublisher(s store.Store) Option {
	return func(a *Aggregator) { a.publisher = s }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// New creates an Aggregator reading artifacts from source.
func New(source store.Store, cfg Config, opts ...Option) *Aggregator {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = constants.DefaultLockTimeout
	}
	a := &Aggregator{
		cfg:    cfg,
		source: source,
		clock:  clock.RealClock{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate collects the artifacts of results. The roster supplies each
// job's file patterns and is joined to results by job name. It returns an
// error only when the output directory itself cannot be written.
func (a *Aggregator) Aggregate(ctx context.Context, results []run.Result, roster []job.Job) (*Summary, error) {
	if err := os.MkdirAll(a.cfg.OutputDir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	lock, err := flock.Acquire(ctx, filepath.Join(a.cfg.OutputDir, constants.OutputLockFileName), a.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	jobs := make(map[string]job.Job, len(roster))
	for _, j := range roster {
		jobs[j.Name] = j
	}

	ordered := make([]run.Result, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, k int) bool { return ordered[i].Job < ordered[k].Job })

	summary := &Summary{
		RunID:     a.cfg.RunID,
		OutputDir: a.cfg.OutputDir,
		CreatedAt: a.clock.Now(),
	}
	junit := NewJUnitMerger(a.cfg.RunID)
	coverage := NewCoverageMerger()

	for _, res := range ordered {
		j, known := jobs[res.Job]
		js := a.collectJob(ctx, res, j, known, junit, coverage, summary)
		summary.Jobs = append(summary.Jobs, js)
	}

	summary.Tests = junit.Totals()
	junitPath := filepath.Join(a.cfg.OutputDir, constants.MergedJUnitFileName)
	if err := writeReport(junitPath, junit); err != nil {
		return nil, err
	}
	summary.JUnitReport = junitPath

	if coverage.Empty() {
		summary.skip("", "", "no coverage reports found")
	} else {
		totals := coverage.Totals()
		summary.Coverage = &totals
		coveragePath := filepath.Join(a.cfg.OutputDir, constants.MergedCoverageFileName)
		if err := writeReport(coveragePath, coverage); err != nil {
			return nil, err
		}
		summary.CoverageReport = coveragePath
	}

	if a.publisher != nil {
		a.publish(ctx, summary, summary.JUnitReport, summary.CoverageReport)
	}

	summaryPath := filepath.Join(a.cfg.OutputDir, constants.SummaryFileName)
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}
	if err := store.WriteFileAtomic(summaryPath, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	if a.publisher != nil {
		a.publish(ctx, nil, summaryPath)
	}

	a.logger.Info().
		Str("output_dir", a.cfg.OutputDir).
		Int("jobs", len(summary.Jobs)).
		Int("files", summary.FileCount()).
		Int("tests", summary.Tests.Tests).
		Int("test_failures", summary.Tests.Failures+summary.Tests.Errors).
		Int("skipped_sources", len(summary.Skipped)).
		Msg("aggregated run artifacts")

	return summary, nil
}

func (a *Aggregator) collectJob(
	ctx context.Context,
	res run.Result,
	j job.Job,
	known bool,
	junit *JUnitMerger,
	coverage *CoverageMerger,
	summary *Summary,
) JobSummary {
	js := JobSummary{
		Name:   res.Job,
		Group:  res.Group,
		Status: res.Status,
		Link:   res.Link,
	}
	if !known {
		a.logger.Warn().Str("job", res.Job).Msg("job not in roster, copying all artifacts")
	}
	if len(res.Artifacts) == 0 {
		summary.skip(res.Job, "", "job reported no artifacts")
		return js
	}

	jobDir := filepath.Join(a.cfg.OutputDir, res.Job)
	for _, root := range res.Artifacts {
		objects, err := store.Expand(ctx, a.source, root)
		if err != nil {
			summary.skip(res.Job, root, err.Error())
			continue
		}
		for _, obj := range objects {
			rel, err := store.CleanKey(store.Rel(root, obj))
			if err != nil {
				summary.skip(res.Job, obj, err.Error())
				continue
			}
			kind := classify(rel, j.Patterns, known)
			if kind == kindIgnored {
				continue
			}

			data, err := a.read(ctx, obj)
			if err != nil {
				summary.skip(res.Job, obj, err.Error())
				continue
			}
			dst := filepath.Join(jobDir, filepath.FromSlash(rel))
			if err := store.WriteFileAtomic(dst, bytes.NewReader(data)); err != nil {
				summary.skip(res.Job, obj, err.Error())
				continue
			}
			js.Files = append(js.Files, path.Join(res.Job, rel))

			switch kind {
			case kindJUnit:
				doc, err := ParseJUnit(bytes.NewReader(data))
				if err != nil {
					summary.skip(res.Job, obj, err.Error())
					continue
				}
				junit.Add(res.Job, doc)
				js.JUnitReports++
			case kindCoverage:
				doc, err := ParseCobertura(bytes.NewReader(data))
				if err != nil {
					summary.skip(res.Job, obj, err.Error())
					continue
				}
				coverage.Add(doc)
				js.CoverageReports++
			case kindArtifact, kindIgnored:
			}
		}
	}
	return js
}

func (a *Aggregator) read(ctx context.Context, locator string) ([]byte, error) {
	rc, err := a.source.Open(ctx, locator)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// publish uploads files under <prefix>/<run id>/. Failures are logged and
// recorded in s when it is non-nil; they never fail the aggregation.
func (a *Aggregator) publish(ctx context.Context, s *Summary, files ...string) {
	for _, f := range files {
		if f == "" {
			continue
		}
		key := path.Join(a.cfg.PublishPrefix, a.cfg.RunID, filepath.Base(f))
		loc, err := a.putFile(ctx, key, f)
		if err != nil {
			a.logger.Warn().Err(err).Str("key", key).Msg("publish failed")
			if s != nil {
				s.skip("", key, "publish: "+err.Error())
			}
			continue
		}
		if s != nil {
			s.Published = append(s.Published, loc)
		}
	}
}

func (a *Aggregator) putFile(ctx context.Context, key, file string) (string, error) {
	f, err := os.Open(file) //#nosec G304 -- file written by this package
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	return a.publisher.Put(ctx, key, f)
}

func writeReport(dst string, w io.WriterTo) error {
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(dst), err)
	}
	return store.WriteFileAtomic(dst, &buf)
}

type fileKind int

const (
	kindIgnored fileKind = iota
	kindArtifact
	kindJUnit
	kindCoverage
)

// classify decides what a job file is. A job without any pattern keeps every
// file as a plain artifact, and so does a job missing from the roster.
func classify(rel string, p job.Patterns, known bool) fileKind {
	if !known {
		return kindArtifact
	}
	switch {
	case matchAny(p.JUnit, rel):
		return kindJUnit
	case matchAny(p.Coverage, rel):
		return kindCoverage
	case matchAny(p.Artifacts, rel):
		return kindArtifact
	case len(p.All()) == 0:
		return kindArtifact
	}
	return kindIgnored
}

// matchAny matches rel against slash-separated glob patterns. Patterns
// without a slash also match the file's base name at any depth.
func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
		if !strings.Contains(p, "/") {
			if ok, _ := path.Match(p, path.Base(rel)); ok {
				return true
			}
		}
	}
	return false
}

// IsLockTimeout reports whether err came from another run holding the
// output directory.
func IsLockTimeout(err error) bool {
	return errors.Is(err, bferrors.ErrLockTimeout)
}
