// Package changes determines which path prefixes changed between two commits.
// Pipelines use it to decide whether conditional stages, such as rebuilding a
// container image when its Dockerfile directory changed, need to run.
package changes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mrz1836/buildfarm/internal/ctxutil"
	"github.com/mrz1836/buildfarm/internal/git"
)

// ChangeSet is the set of paths that differ between two resolved commits.
// It is read-only once computed.
type ChangeSet struct {
	Base  string   `json:"base"`
	Head  string   `json:"head"`
	Paths []string `json:"paths"`
}

// Touches reports whether any changed path lies under prefix.
//
// Matching respects path-segment boundaries: a prefix ending in "/" matches
// paths that start with it, and a prefix without a trailing slash matches the
// path itself or paths under it. "docker/pytorch/" never matches
// "docker/pytorch2/Dockerfile", and neither does "docker/pytorch".
// An empty prefix matches any change.
func (c *ChangeSet) Touches(prefix string) bool {
	for _, p := range c.Paths {
		if matchPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Matching returns the changed paths under prefix, sorted.
func (c *ChangeSet) Matching(prefix string) []string {
	var out []string
	for _, p := range c.Paths {
		if matchPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}

func matchPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(path, prefix)
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Detector answers change queries. Results are memoized by resolved commit pair,
// so repeated queries for the same (base, head, prefix) are stable for the
// lifetime of the Detector.
type Detector struct {
	repo   git.Repository
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[[2]string]*ChangeSet
}

// NewDetector creates a Detector over repo.
func NewDetector(repo git.Repository, logger zerolog.Logger) *Detector {
	return &Detector{
		repo:   repo,
		logger: logger.With().Str("component", "changes").Logger(),
		cache:  make(map[[2]string]*ChangeSet),
	}
}

// Detect resolves both refs and returns the ChangeSet between them.
// Returns ErrRefResolution if either ref does not name an existing commit.
func (d *Detector) Detect(ctx context.Context, base, head string) (*ChangeSet, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	baseSHA, err := d.repo.ResolveCommit(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("resolve base: %w", err)
	}
	headSHA, err := d.repo.ResolveCommit(ctx, head)
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	key := [2]string{baseSHA, headSHA}
	d.mu.Lock()
	cs, ok := d.cache[key]
	d.mu.Unlock()
	if ok {
		return cs, nil
	}

	paths, err := d.repo.ChangedFiles(ctx, baseSHA, headSHA)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	cs = &ChangeSet{Base: baseSHA, Head: headSHA, Paths: paths}

	d.mu.Lock()
	if existing, ok := d.cache[key]; ok {
		cs = existing
	} else {
		d.cache[key] = cs
	}
	d.mu.Unlock()

	d.logger.Debug().
		Str("base", baseSHA).
		Str("head", headSHA).
		Int("changed_paths", len(paths)).
		Msg("computed change set")

	return cs, nil
}

// Changed reports whether any path under prefix changed between base and head.
func (d *Detector) Changed(ctx context.Context, base, head, prefix string) (bool, error) {
	cs, err := d.Detect(ctx, base, head)
	if err != nil {
		return false, err
	}
	return cs.Touches(prefix), nil
}
