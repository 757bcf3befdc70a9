package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/buildfarm/internal/backend/backendtest"
	"github.com/mrz1836/buildfarm/internal/constants"
	"github.com/mrz1836/buildfarm/internal/dispatch"
	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/history"
	"github.com/mrz1836/buildfarm/internal/pipeline"
	"github.com/mrz1836/buildfarm/internal/retry"
	"github.com/mrz1836/buildfarm/internal/run"
)

const definition = `
name: pytorch
matrix:
  dimensions:
    - name: PYTHON_VERSION
      values: ["3.9", "3.10"]
  build:
    repository: mosaicml/pytorch
groups:
  - name: test
    kind: test
    per_entry: true
    command: make test
`

func loader(name string) (*pipeline.Definition, error) {
	if name != "pytorch" {
		return nil, bferrors.Wrapf(bferrors.ErrConfiguration, "unknown pipeline %q", name)
	}
	return pipeline.Parse([]byte(definition))
}

type fakeHistory struct {
	mu      sync.Mutex
	records map[string]history.Record
}

func (f *fakeHistory) Save(_ context.Context, snap run.Snapshot, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[snap.ID] = history.Record{
		ID: snap.ID, Key: snap.Key, Status: snap.Status,
		StartedAt: snap.StartedAt, FinishedAt: snap.FinishedAt,
		Summary: summary, Results: snap.Results,
	}
	return nil
}

func (f *fakeHistory) Get(_ context.Context, id string) (*history.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, bferrors.Wrapf(bferrors.ErrRunNotFound, "run %q", id)
	}
	return &rec, nil
}

func (f *fakeHistory) List(_ context.Context, key string, limit int) ([]history.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []history.Record
	for _, r := range f.records {
		if key == "" || r.Key == key {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestServer(t *testing.T, fake *backendtest.Fake, hist History) (*Server, *run.Registry) {
	t.Helper()
	reg := run.NewRegistry()
	opts := []pipeline.Option{pipeline.WithRegistry(reg)}
	if rec, ok := hist.(pipeline.Recorder); ok {
		opts = append(opts, pipeline.WithHistory(rec))
	}
	orch := pipeline.NewOrchestrator(pipeline.NewPlanner(nil, nil), fake, dispatch.Config{
		Workers:      2,
		PollInterval: time.Millisecond,
		Retry:        retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
	}, pipeline.Artifacts{}, opts...)
	s := New(orch, reg, hist, loader, Config{}, zerolog.Nop())
	t.Cleanup(s.Close)
	return s, reg
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateRun_AndPoll(t *testing.T) {
	s, reg := newTestServer(t, backendtest.New(nil), nil)

	rec := do(t, s.Handler(), http.MethodPost, "/api/runs", `{"pipeline":"pytorch","key":"pr-9"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var accepted RunAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, "pr-9", accepted.Key)
	assert.Equal(t, "/api/runs/"+accepted.ID, rec.Header().Get("Location"))

	require.Eventually(t, func() bool {
		r, err := reg.Get(accepted.ID)
		return err == nil && r.Status() == constants.RunStatusSuccess
	}, 5*time.Second, 5*time.Millisecond)

	rec = do(t, s.Handler(), http.MethodGet, "/api/runs/"+accepted.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap run.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, constants.RunStatusSuccess, snap.Status)
	assert.Len(t, snap.Results, 2)
}

func TestCreateRun_SupersedesPriorRun(t *testing.T) {
	fake := backendtest.New(map[string]backendtest.Outcome{
		"test-3.9":  {Never: true},
		"test-3.10": {Never: true},
	})
	s, reg := newTestServer(t, fake, nil)

	first := do(t, s.Handler(), http.MethodPost, "/api/runs", `{"pipeline":"pytorch"}`)
	require.Equal(t, http.StatusAccepted, first.Code)
	var a RunAccepted
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.Eventually(t, func() bool { return len(fake.Submitted()) == 2 }, 5*time.Second, time.Millisecond)

	second := do(t, s.Handler(), http.MethodPost, "/api/runs", `{"pipeline":"pytorch"}`)
	require.Equal(t, http.StatusAccepted, second.Code)

	require.Eventually(t, func() bool {
		r, err := reg.Get(a.ID)
		return err == nil && r.Status() == constants.RunStatusCanceled
	}, 5*time.Second, 5*time.Millisecond)
}

func TestCreateRun_BadRequests(t *testing.T) {
	s, _ := newTestServer(t, backendtest.New(nil), nil)

	tests := []struct {
		body string
		code int
	}{
		{`not json`, http.StatusBadRequest},
		{`{}`, http.StatusBadRequest},
		{`{"pipeline":"nope"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodPost, "/api/runs", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestGetRun_FallsBackToHistory(t *testing.T) {
	hist := &fakeHistory{records: map[string]history.Record{
		"old": {ID: "old", Key: "main", Status: constants.RunStatusFailure},
	}}
	s, _ := newTestServer(t, backendtest.New(nil), hist)

	rec := do(t, s.Handler(), http.MethodGet, "/api/runs/old", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got history.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, constants.RunStatusFailure, got.Status)

	rec = do(t, s.Handler(), http.MethodGet, "/api/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns(t *testing.T) {
	hist := &fakeHistory{records: map[string]history.Record{}}
	for i := range 3 {
		id := fmt.Sprintf("r%d", i)
		hist.records[id] = history.Record{ID: id, Key: "main"}
	}
	s, _ := newTestServer(t, backendtest.New(nil), hist)

	rec := do(t, s.Handler(), http.MethodGet, "/api/runs?key=main&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []history.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	assert.Len(t, recs, 2)

	rec = do(t, s.Handler(), http.MethodGet, "/api/runs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s2, _ := newTestServer(t, backendtest.New(nil), nil)
	rec = do(t, s2.Handler(), http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestCreateRun_FinishedRunMovesToHistory(t *testing.T) {
	hist := &fakeHistory{records: map[string]history.Record{}}
	s, reg := newTestServer(t, backendtest.New(nil), hist)

	rec := do(t, s.Handler(), http.MethodPost, "/api/runs", `{"pipeline":"pytorch"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted RunAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))

	require.Eventually(t, func() bool {
		_, err := reg.Get(accepted.ID)
		return errors.Is(err, bferrors.ErrRunNotFound)
	}, 5*time.Second, 5*time.Millisecond, "finished run stays in the registry")

	rec = do(t, s.Handler(), http.MethodGet, "/api/runs/"+accepted.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got history.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, constants.RunStatusSuccess, got.Status)
	assert.Len(t, got.Results, 2)
}

func TestCreateRun_RefusedAfterClose(t *testing.T) {
	fake := backendtest.New(nil)
	s, _ := newTestServer(t, fake, nil)
	s.Close()

	rec := do(t, s.Handler(), http.MethodPost, "/api/runs", `{"pipeline":"pytorch"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, fake.Submitted())
}

func TestCreateRun_ConcurrentWithClose(t *testing.T) {
	s, _ := newTestServer(t, backendtest.New(nil), nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := do(t, s.Handler(), http.MethodPost, "/api/runs", `{"pipeline":"pytorch"}`)
			assert.Contains(t, []int{http.StatusAccepted, http.StatusServiceUnavailable}, rec.Code)
		}()
	}
	s.Close()
	wg.Wait()
}

func TestHealthz(t *testing.T) {
	fake := backendtest.New(map[string]backendtest.Outcome{
		"test-3.9": {Never: true},
	})
	s, _ := newTestServer(t, fake, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","active":[]}`, rec.Body.String())

	rec = do(t, s.Handler(), http.MethodPost, "/api/runs", `{"pipeline":"pytorch","key":"pr-3"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return len(fake.Submitted()) == 2 }, 5*time.Second, time.Millisecond)

	rec = do(t, s.Handler(), http.MethodGet, "/healthz", "")
	var h Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, []string{"pr-3"}, h.Active)
}
