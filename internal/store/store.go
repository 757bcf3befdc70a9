// Package store reads job artifacts from, and publishes reports to, artifact
// storage addressed by locators such as "file:///var/ci/run/job/" or
// "s3://ci-artifacts/runs/<run>/<job>/junit.xml".
package store

import (
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
)

// Store is artifact storage for one locator scheme.
type Store interface {
	// List returns the locators of every object under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Open returns the content at locator. Returns ErrArtifactNotFound if
	// nothing is stored there.
	Open(ctx context.Context, locator string) (io.ReadCloser, error)

	// Put stores r under key, relative to the store's publish root, and
	// returns the new object's locator.
	Put(ctx context.Context, key string, r io.Reader) (string, error)
}

// Scheme returns the scheme of locator ("file", "s3"), or "" if it has none.
func Scheme(locator string) string {
	scheme, _, ok := strings.Cut(locator, "://")
	if !ok {
		return ""
	}
	return scheme
}

// IsPrefix reports whether locator names a prefix rather than an object.
func IsPrefix(locator string) bool {
	return strings.HasSuffix(locator, "/")
}

// Rel returns the slash-separated path of object relative to root. When root
// names an object rather than a prefix, the object's base name is returned.
func Rel(root, object string) string {
	if IsPrefix(root) && strings.HasPrefix(object, root) {
		return strings.TrimPrefix(object, root)
	}
	return path.Base(object)
}

// Expand lists prefix locators and passes object locators through.
func Expand(ctx context.Context, s Store, locator string) ([]string, error) {
	if !IsPrefix(locator) {
		return []string{locator}, nil
	}
	return s.List(ctx, locator)
}

// Mux routes locators to stores by scheme. Put goes to the publish store.
type Mux struct {
	mu        sync.RWMutex
	stores    map[string]Store
	publisher Store
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{stores: make(map[string]Store)}
}

// Register routes scheme to s.
func (m *Mux) Register(scheme string, s Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores[scheme] = s
}

// SetPublisher sets the store receiving Put calls.
func (m *Mux) SetPublisher(s Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = s
}

// Schemes returns the registered schemes, sorted.
func (m *Mux) Schemes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.stores))
	for s := range m.stores {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *Mux) route(locator string) (Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[Scheme(locator)]
	if !ok {
		return nil, bferrors.Wrapf(bferrors.ErrUnsupportedLocator, "%q", locator)
	}
	return s, nil
}

// List implements Store.
func (m *Mux) List(ctx context.Context, prefix string) ([]string, error) {
	s, err := m.route(prefix)
	if err != nil {
		return nil, err
	}
	return s.List(ctx, prefix)
}

// Open implements Store.
func (m *Mux) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	s, err := m.route(locator)
	if err != nil {
		return nil, err
	}
	return s.Open(ctx, locator)
}

// Put implements Store.
func (m *Mux) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	m.mu.RLock()
	p := m.publisher
	m.mu.RUnlock()
	if p == nil {
		return "", bferrors.Wrap(bferrors.ErrConfigInvalidArtifacts, "no publish store configured")
	}
	return p.Put(ctx, key, r)
}

// CleanKey validates a slash-separated key and strips leading slashes.
// Keys may not escape their root.
func CleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" {
		return "", bferrors.Wrap(bferrors.ErrEmptyValue, "store key")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", bferrors.Wrapf(bferrors.ErrPathTraversal, "store key %q", key)
		}
	}
	return cleaned, nil
}

var _ Store = (*Mux)(nil)
