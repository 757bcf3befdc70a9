package run

import (
	"context"
	"sort"
	"sync"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
)

// Registry tracks active runs. Starting a run for a pipeline key cancels the
// run previously active for that key.
type Registry struct {
	mu     sync.Mutex
	active map[string]*entry
	byID   map[string]*PipelineRun
}

type entry struct {
	run    *PipelineRun
	cancel context.CancelCauseFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]*entry),
		byID:   make(map[string]*PipelineRun),
	}
}

// Start registers r as the active run for its key and returns a context
// derived from parent that is canceled with ErrRunSuperseded when a newer run
// for the same key starts. The returned release func must be called when the
// run ends.
func (g *Registry) Start(parent context.Context, r *PipelineRun) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)

	g.mu.Lock()
	if prev, ok := g.active[r.Key]; ok {
		prev.cancel(bferrors.ErrRunSuperseded)
	}
	e := &entry{run: r, cancel: cancel}
	g.active[r.Key] = e
	g.byID[r.ID] = r
	g.mu.Unlock()

	release := func() {
		g.mu.Lock()
		if cur, ok := g.active[r.Key]; ok && cur == e {
			delete(g.active, r.Key)
		}
		g.mu.Unlock()
		cancel(nil)
	}
	return ctx, release
}

// Get returns a run by ID. Finished runs remain available until Forget.
func (g *Registry) Get(id string) (*PipelineRun, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.byID[id]
	if !ok {
		return nil, bferrors.Wrapf(bferrors.ErrRunNotFound, "%s", id)
	}
	return r, nil
}

// Active returns the keys with a running pipeline, sorted.
func (g *Registry) Active() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.active))
	for k := range g.active {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Forget drops a finished run from the registry.
func (g *Registry) Forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.byID, id)
}
