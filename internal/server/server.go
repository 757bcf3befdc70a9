// Package server exposes an HTTP API for triggering pipeline runs and
// inspecting their progress.
package server

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/history"
	"github.com/mrz1836/buildfarm/internal/pipeline"
	"github.com/mrz1836/buildfarm/internal/run"
)

// APIRoot prefixes every route.
const APIRoot = "/api"

const historyLookupTimeout = 5 * time.Second

// Runner starts pipeline runs in the background.
type Runner interface {
	Start(ctx context.Context, def *pipeline.Definition, opts pipeline.Options) (*run.PipelineRun, <-chan pipeline.Outcome)
}

// History looks up finished runs.
type History interface {
	Get(ctx context.Context, id string) (*history.Record, error)
	List(ctx context.Context, key string, limit int) ([]history.Record, error)
}

// DefinitionLoader resolves a pipeline name to its definition.
type DefinitionLoader func(name string) (*pipeline.Definition, error)

// Config configures a Server.
type Config struct {
	// Defaults are applied to every triggered run before request fields.
	Defaults pipeline.Options
}

// Server is the trigger API.
type Server struct {
	echo     *echo.Echo
	runner   Runner
	registry *run.Registry
	history  History
	load     DefinitionLoader
	cfg      Config
	logger   zerolog.Logger

	// base outlives requests; runs are canceled when it is.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// RunRequest is the body of POST /api/runs.
type RunRequest struct {
	Pipeline string `json:"pipeline"`
	Base     string `json:"base,omitempty"`
	Head     string `json:"head,omitempty"`
	Key      string `json:"key,omitempty"`
	Merge    bool   `json:"merge,omitempty"`
}

// RunAccepted is the response to a triggered run.
type RunAccepted struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// New creates a Server. history may be nil.
func New(runner Runner, registry *run.Registry, hist History, load DefinitionLoader, cfg Config, logger zerolog.Logger) *Server {
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		runner:   runner,
		registry: registry,
		history:  hist,
		load:     load,
		cfg:      cfg,
		logger:   logger,
		base:     base,
		cancel:   cancel,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(s.requestLogger)

	api := e.Group(APIRoot)
	api.POST("/runs", s.createRun)
	api.GET("/runs", s.listRuns)
	api.GET("/runs/:id", s.getRun)
	e.GET("/healthz", s.healthz)

	s.echo = e
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe serves on addr until ctx is done, then shuts down within
// timeout and waits for triggered runs to finish their cleanup.
func (s *Server) ListenAndServe(ctx context.Context, addr string, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("trigger API listening")
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.echo.Shutdown(sctx)
	s.Close()
	return err
}

// Close cancels in-flight runs and waits for them to finish. Runs triggered
// after Close are refused.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// track registers a run goroutine with Close. It fails once Close has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) createRun(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request body must be JSON").SetInternal(err)
	}
	if req.Pipeline == "" {
		return echo.NewHTTPError(http.StatusBadRequest, `"pipeline" is required`)
	}

	def, err := s.load(req.Pipeline)
	if err != nil {
		return err
	}

	opts := s.cfg.Defaults
	opts.Base = req.Base
	opts.Head = req.Head
	opts.Key = req.Key
	opts.Merge = req.Merge

	if !s.track() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}
	r, done := s.runner.Start(s.base, def, opts)
	go func() {
		defer s.wg.Done()
		out := <-done
		log := s.logger.With().Str("run_id", r.ID).Str("pipeline", r.Key).Logger()
		if out.Err != nil {
			log.Warn().Err(out.Err).Msg("triggered run ended with error")
		} else {
			log.Info().Str("status", string(out.Report.Run.Status)).Msg("triggered run finished")
		}
		s.release(r.ID)
	}()

	c.Response().Header().Set(echo.HeaderLocation, APIRoot+"/runs/"+r.ID)
	return c.JSON(http.StatusAccepted, RunAccepted{ID: r.ID, Key: r.Key})
}

// release drops a finished run from the registry once history can answer
// for it. Without history the registry stays the only record.
func (s *Server) release(id string) {
	if s.registry == nil || s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyLookupTimeout)
	defer cancel()
	if _, err := s.history.Get(ctx, id); err != nil {
		s.logger.Debug().Err(err).Str("run_id", id).Msg("run kept in registry")
		return
	}
	s.registry.Forget(id)
}

// Health is the body of GET /healthz.
type Health struct {
	Status string `json:"status"`
	// Active lists the pipeline keys with a run in progress.
	Active []string `json:"active"`
}

func (s *Server) healthz(c echo.Context) error {
	h := Health{Status: "ok", Active: []string{}}
	if s.registry != nil {
		h.Active = s.registry.Active()
	}
	return c.JSON(http.StatusOK, h)
}

func (s *Server) getRun(c echo.Context) error {
	id := c.Param("id")
	if s.registry != nil {
		if r, err := s.registry.Get(id); err == nil {
			return c.JSON(http.StatusOK, r.Snapshot())
		}
	}
	if s.history == nil {
		return bferrors.Wrapf(bferrors.ErrRunNotFound, "run %q", id)
	}
	rec, err := s.history.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) listRuns(c echo.Context) error {
	if s.history == nil {
		return c.JSON(http.StatusOK, []history.Record{})
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, `"limit" must be a non-negative integer`)
		}
		limit = n
	}
	recs, err := s.history.List(c.Request().Context(), c.QueryParam("key"), limit)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []history.Record{}
	}
	return c.JSON(http.StatusOK, recs)
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Message string `json:"message"`
}

// handleError maps domain errors to status codes.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	case errors.Is(err, bferrors.ErrRunNotFound), errors.Is(err, fs.ErrNotExist):
		code = http.StatusNotFound
	case errors.Is(err, bferrors.ErrBackendCommunication):
		code = http.StatusBadGateway
	case bferrors.IsFatal(err):
		code = http.StatusUnprocessableEntity
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	_ = c.JSON(code, ErrorResponse{Message: msg})
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Debug().
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Int("status", c.Response().Status).
			Dur("latency", time.Since(start)).
			Msg("request")
		return nil
	}
}
