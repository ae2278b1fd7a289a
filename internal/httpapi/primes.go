package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/joeycumines/go-yieldloop"
	"github.com/joeycumines/go-yieldloop/internal/primes"
)

// Variant names accepted by the primes endpoint.
const (
	VariantBlocking = "blocking"
	VariantOneTurn  = "oneturn"
	VariantYielding = "yielding"
	VariantBatched  = "batched"
	VariantTimer    = "timer"
	VariantFilter   = "filter"
)

// primesResult is what every variant reports.
type primesResult struct {
	found  int
	yields int
	cpu    time.Duration
	hasCPU bool
}

type primesFunc func(ctx context.Context, search *primes.Search, n int, r *http.Request) (primesResult, error)

func (s *Server) variants() map[string]primesFunc {
	return map[string]primesFunc{
		VariantBlocking: s.primesBlocking,
		VariantOneTurn:  s.primesOneTurn,
		VariantYielding: s.primesIterate(yieldloop.WithBatchSize(1)),
		VariantBatched:  s.primesBatched,
		VariantTimer:    s.primesIterate(yieldloop.WithYieldMode(yieldloop.YieldTimer)),
		VariantFilter:   s.primesFilter,
	}
}

func (s *Server) handlePrimes(w http.ResponseWriter, r *http.Request) {
	variant := r.PathValue("variant")
	fn, ok := s.variants()[variant]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown variant %q", variant))
		return
	}

	n, err := strconv.Atoi(r.PathValue("iterations"))
	if err != nil || n < 0 || n > maxIterations {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("iterations must be an integer in [0, %d]", maxIterations))
		return
	}

	search := primes.NewSearchScale(s.seed(), s.scale)
	start := time.Now()
	result, err := fn(r.Context(), search, n, r)
	elapsed := time.Since(start)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	s.logger.Info().
		Str(`request_id`, requestID(r)).
		Str(`variant`, variant).
		Int(`iterations`, n).
		Int(`found`, result.found).
		Int(`yields`, result.yields).
		Dur(`duration`, elapsed).
		Log(`primes computed`)

	body := newObject().
		str("message", fmt.Sprintf("found %d prime numbers in %d milliseconds", result.found, elapsed.Milliseconds())).
		str("variant", variant).
		int("iterations", int64(n)).
		int("found", int64(result.found)).
		millis("durationMs", elapsed).
		int("yields", int64(result.yields))
	if result.hasCPU {
		body.millis("cpuMs", result.cpu)
	}
	writeJSON(w, http.StatusOK, body)
}

// primesBlocking runs the whole search as one loop task.
func (s *Server) primesBlocking(ctx context.Context, search *primes.Search, n int, _ *http.Request) (primesResult, error) {
	var found []float64
	done := make(chan struct{})
	if err := s.loop.Submit(func() {
		defer close(done)
		found = search.Find(n)
	}); err != nil {
		return primesResult{}, err
	}
	select {
	case <-done:
		return primesResult{found: len(found)}, nil
	case <-ctx.Done():
		return primesResult{}, ctx.Err()
	}
}

// primesOneTurn returns a deferred result, but never yields.
func (s *Server) primesOneTurn(ctx context.Context, search *primes.Search, n int, _ *http.Request) (primesResult, error) {
	return awaitSteps(ctx, yieldloop.RunInOneTurn(ctx, s.loop, n, search.Step))
}

func (s *Server) primesIterate(opts ...yieldloop.IterateOption) primesFunc {
	return func(ctx context.Context, search *primes.Search, n int, _ *http.Request) (primesResult, error) {
		return awaitSteps(ctx, yieldloop.Iterate(ctx, s.loop, n, search.Step, opts...))
	}
}

func (s *Server) primesBatched(ctx context.Context, search *primes.Search, n int, r *http.Request) (primesResult, error) {
	batch := defaultBatchSize
	if v := r.URL.Query().Get("batch"); v != "" {
		var err error
		if batch, err = strconv.Atoi(v); err != nil {
			return primesResult{}, &yieldloop.RangeError{Message: fmt.Sprintf("invalid batch %q", v), Cause: err}
		}
	}
	return s.primesIterate(yieldloop.WithBatchSize(batch))(ctx, search, n, r)
}

// primesFilter builds the index range, then filters it, both yielding.
func (s *Server) primesFilter(ctx context.Context, search *primes.Search, n int, _ *http.Request) (primesResult, error) {
	indexes := yieldloop.Range(ctx, s.loop, 0, n)
	values, err := indexes.Wait(ctx)
	if err != nil {
		return primesResult{}, err
	}

	filtered := yieldloop.Filter(ctx, s.loop, values, func(i int, _ int) (bool, error) {
		step, err := search.Step(i)
		return step.Prime, err
	})
	found, err := filtered.Wait(ctx)
	if err != nil {
		return primesResult{}, err
	}

	a, b := indexes.Stats(), filtered.Stats()
	return primesResult{
		found:  len(found),
		yields: a.Yields + b.Yields,
		cpu:    a.CPU + b.CPU,
		hasCPU: true,
	}, nil
}

func awaitSteps(ctx context.Context, it *yieldloop.Iteration[primes.Step]) (primesResult, error) {
	steps, err := it.Wait(ctx)
	if err != nil {
		return primesResult{}, err
	}
	stats := it.Stats()
	return primesResult{
		found:  primes.Count(steps),
		yields: stats.Yields,
		cpu:    stats.CPU,
		hasCPU: true,
	}, nil
}
