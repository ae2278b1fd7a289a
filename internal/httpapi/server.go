// Package httpapi exposes the demo endpoints, each of which runs its work
// on a shared [yieldloop.Loop], so that the effect of blocking versus
// yielding computations is observable from any other endpoint.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-yieldloop"
	"github.com/joeycumines/go-yieldloop/internal/primes"
	"github.com/joeycumines/logiface"
)

// StatusClientClosedRequest is reported when the request was cancelled
// before the computation finished.
const StatusClientClosedRequest = 499

// RequestIDHeader carries the request ID. An incoming value is kept,
// otherwise one is generated.
const RequestIDHeader = "X-Request-Id"

const (
	defaultBatchSize = 100
	maxIterations    = 10_000_000
	maxRequestIDLen  = 128
)

type requestIDKey struct{}

// Config configures a [Server].
type Config struct {
	// Loop runs every computation. Required.
	Loop *yieldloop.Loop
	// Monitor, if set, is reported by the metrics endpoint.
	Monitor *yieldloop.LagMonitor
	// Logger defaults to the loop's logger.
	Logger *logiface.Logger[logiface.Event]
	// Scale is the prime candidate multiplier, defaults to
	// [primes.DefaultScale].
	Scale float64
	// Seed, if set, seeds every prime search, making responses repeatable.
	Seed func() uint64
}

// Server is the demo HTTP handler.
type Server struct {
	loop    *yieldloop.Loop
	monitor *yieldloop.LagMonitor
	logger  *logiface.Logger[logiface.Event]
	seed    func() uint64
	mux     *http.ServeMux
	scale   float64
}

var _ http.Handler = (*Server)(nil)

// New builds the server and its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Loop == nil {
		return nil, errors.New("httpapi: loop is required")
	}

	s := &Server{
		loop:    cfg.Loop,
		monitor: cfg.Monitor,
		logger:  cfg.Logger,
		seed:    cfg.Seed,
		scale:   cfg.Scale,
		mux:     http.NewServeMux(),
	}
	if s.logger == nil {
		s.logger = cfg.Loop.Logger()
	}
	if s.seed == nil {
		s.seed = rand.Uint64
	}
	if s.scale <= 0 {
		s.scale = primes.DefaultScale
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /sleep/{duration}", s.handleSleep)
	s.mux.HandleFunc("GET /primes/{variant}/{iterations}", s.handlePrimes)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(RequestIDHeader)
	if id == "" || len(id) > maxRequestIDLen {
		id = uuid.Must(uuid.NewV7()).String()
	}
	w.Header().Set(RequestIDHeader, id)
	s.mux.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

// handleHealthz round-trips a no-op task through the loop, so it is slow
// exactly when the loop is starved.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.loop.State() == yieldloop.StateAwake {
		s.writeFailure(w, r, yieldloop.ErrLoopNotRunning)
		return
	}
	start := time.Now()
	ran := make(chan struct{})
	if err := s.loop.Submit(func() { close(ran) }); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	select {
	case <-ran:
	case <-r.Context().Done():
		s.writeFailure(w, r, r.Context().Err())
		return
	}
	writeJSON(w, http.StatusOK, newObject().
		str("status", "ok").
		millis("loopDelayMs", time.Since(start)))
}

// handleSleep waits on a loop timer, which does not block the loop.
func (s *Server) handleSleep(w http.ResponseWriter, r *http.Request) {
	d, err := parseSleep(r.PathValue("duration"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	woke := make(chan struct{})
	id, err := s.loop.ScheduleTimer(d, func() { close(woke) })
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	select {
	case <-woke:
	case <-r.Context().Done():
		_ = s.loop.CancelTimer(id)
		s.writeFailure(w, r, r.Context().Err())
		return
	}

	writeJSON(w, http.StatusOK, newObject().
		str("duration slept in background", fmt.Sprintf("%dms", d.Milliseconds())).
		millis("durationMs", d))
}

// parseSleep accepts plain integers as milliseconds, or a Go duration.
func parseSleep(v string) (time.Duration, error) {
	var d time.Duration
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms > math.MaxInt64/int64(time.Millisecond) {
			return 0, fmt.Errorf("invalid duration %q: too large", v)
		}
		d = time.Duration(ms) * time.Millisecond
	} else if d, err = time.ParseDuration(v); err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", v)
	}
	return d, nil
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	body := newObject()

	if s.monitor != nil {
		lag := s.monitor.Stats()
		body.open("lag").
			int("ticks", lag.Ticks).
			int("alerts", lag.Alerts).
			millis("lastMs", lag.Last).
			millis("meanMs", lag.Mean).
			millis("maxMs", lag.Max).
			millis("p50Ms", lag.P50).
			millis("p90Ms", lag.P90).
			millis("p99Ms", lag.P99).
			close()
	}

	m := s.loop.Metrics()
	body.open("loop").
		str("state", s.loop.State().String()).
		int("ticks", int64(m.Ticks)).
		int("tasksRun", int64(m.TasksRun)).
		int("panics", int64(m.Panics)).
		int("overloads", int64(m.Overloads))
	appendSummary(body, "queueWait", m.QueueWait)
	appendSummary(body, "taskDuration", m.TaskDuration)
	body.close()

	writeJSON(w, http.StatusOK, body)
}

func appendSummary(o *object, key string, s yieldloop.DurationSummary) {
	o.open(key).
		int("count", s.Count).
		millis("meanMs", s.Mean).
		millis("maxMs", s.Max).
		millis("p50Ms", s.P50).
		millis("p90Ms", s.P90).
		millis("p99Ms", s.P99).
		close()
}

// writeFailure maps computation and loop errors to a status code.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status      int
		rangeErr    *yieldloop.RangeError
		cancelErr   *yieldloop.CancelledError
		wantWarning = true
	)
	switch {
	case errors.As(err, &rangeErr):
		status = http.StatusBadRequest
		wantWarning = false
	case errors.As(err, &cancelErr),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		status = StatusClientClosedRequest
		wantWarning = false
	case errors.Is(err, yieldloop.ErrLoopTerminated),
		errors.Is(err, yieldloop.ErrLoopNotRunning):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	if wantWarning {
		s.logger.Warning().
			Str(`request_id`, requestID(r)).
			Str(`path`, r.URL.Path).
			Int(`status`, status).
			Err(err).
			Log(`request failed`)
	} else {
		s.logger.Debug().
			Str(`request_id`, requestID(r)).
			Str(`path`, r.URL.Path).
			Int(`status`, status).
			Err(err).
			Log(`request aborted`)
	}

	writeError(w, status, err.Error())
}
