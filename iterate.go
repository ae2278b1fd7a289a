package yieldloop

import (
	"context"
	"sync/atomic"
	"time"
)

// WorkFunc computes the result of step index. It runs on the loop goroutine.
type WorkFunc[T any] func(index int) (T, error)

// IterationStats describes the progress of an [Iteration].
type IterationStats struct {
	// Steps is the number of work calls that have completed.
	Steps int
	// Yields is the number of times control was handed back to the loop.
	Yields int
	// Wall is the time from the call that started the iteration until it
	// settled, or until now if it is still running.
	Wall time.Duration
	// CPU is the loop thread CPU time spent inside work calls. Zero on
	// platforms without per-thread accounting.
	CPU time.Duration
}

// Iteration is a bounded computation running on a [Loop], one batch per
// turn. Its state is only mutated on the loop goroutine, the accessors are
// safe for concurrent use.
type Iteration[T any] struct {
	ctx      context.Context
	loop     *Loop
	work     WorkFunc[T]
	promise  *Promise[[]T]
	finalize func([]T) []T
	options  *iterateOptions
	started  time.Time
	results  []T // loop goroutine only
	total    int
	next     int // loop goroutine only
	oneTurn  bool

	yields    atomic.Int64
	completed atomic.Int64
	cpu       atomic.Int64
	wall      atomic.Int64 // set once settled
}

// Iterate computes work(0) ... work(totalSteps-1) on loop, handing control
// back to the loop after every batch (see [WithBatchSize]), so that timers
// and other tasks run in between. The results are in index order.
//
// A run of n steps with batch size b yields exactly ceil(n/b) times, the
// last batch included. ctx is checked before the first batch and after
// every yield: once it is done no further work calls are made, and the
// iteration fails with a [*CancelledError].
//
// Other failures: a [*RangeError] for invalid arguments, a
// [*ComputationError] if work returns an error or panics, and
// [ErrLoopTerminated] if the loop stops first. Partial results are never
// exposed.
func Iterate[T any](ctx context.Context, loop *Loop, totalSteps int, work WorkFunc[T], opts ...IterateOption) *Iteration[T] {
	it := newIteration(ctx, loop, totalSteps, work, opts)
	it.start()
	return it
}

// RunInOneTurn has the same signature and result as [Iterate], but runs every
// step inside a single loop task, never yielding. The caller still receives
// a deferred result, yet the loop is blocked for the whole computation.
func RunInOneTurn[T any](ctx context.Context, loop *Loop, totalSteps int, work WorkFunc[T]) *Iteration[T] {
	it := newIteration(ctx, loop, totalSteps, work, []IterateOption{
		WithBatchSize(max(totalSteps, 1)),
	})
	it.oneTurn = true
	it.start()
	return it
}

// Map applies fn to each item on loop, as per [Iterate].
func Map[T, R any](ctx context.Context, loop *Loop, items []T, fn func(item T, index int) (R, error), opts ...IterateOption) *Iteration[R] {
	var work WorkFunc[R]
	if fn != nil {
		work = func(i int) (R, error) { return fn(items[i], i) }
	}
	return Iterate(ctx, loop, len(items), work, opts...)
}

// Filter returns the items for which pred is true, preserving order, as per
// [Iterate].
func Filter[T any](ctx context.Context, loop *Loop, items []T, pred func(item T, index int) (bool, error), opts ...IterateOption) *Iteration[T] {
	var work WorkFunc[T]
	keep := make([]bool, len(items))
	if pred != nil {
		work = func(i int) (T, error) {
			ok, err := pred(items[i], i)
			keep[i] = ok
			return items[i], err
		}
	}
	it := newIteration(ctx, loop, len(items), work, opts)
	it.finalize = func(results []T) []T {
		out := results[:0]
		for i, v := range results {
			if keep[i] {
				out = append(out, v)
			}
		}
		return out
	}
	it.start()
	return it
}

// Range produces the integers in [from, to), as per [Iterate].
func Range(ctx context.Context, loop *Loop, from, to int, opts ...IterateOption) *Iteration[int] {
	if to < from {
		it := newIteration[int](ctx, loop, 0, nil, opts)
		it.fail(&RangeError{Message: "yieldloop: range end is before start"})
		return it
	}
	return Iterate(ctx, loop, to-from, func(i int) (int, error) { return from + i, nil }, opts...)
}

func newIteration[T any](ctx context.Context, loop *Loop, totalSteps int, work WorkFunc[T], opts []IterateOption) *Iteration[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	it := &Iteration[T]{
		ctx:     ctx,
		loop:    loop,
		work:    work,
		total:   totalSteps,
		promise: newPromise[[]T](),
		started: time.Now(),
	}
	options, err := resolveIterateOptions(opts)
	if err != nil {
		it.fail(err)
		return it
	}
	it.options = options
	return it
}

func (it *Iteration[T]) start() {
	if it.promise.State() != Pending {
		return
	}

	switch {
	case it.total < 0:
		it.fail(&RangeError{Message: "yieldloop: total steps must not be negative"})
		return
	case it.loop == nil:
		it.fail(&RangeError{Message: "yieldloop: loop must not be nil"})
		return
	case it.total == 0:
		it.finish()
		return
	case it.work == nil:
		it.fail(&RangeError{Message: "yieldloop: work must not be nil"})
		return
	}

	it.results = make([]T, it.total)

	if err := it.schedule(); err != nil {
		it.fail(err)
	}
}

// resume is the continuation: one cancellation check, then one batch, then
// a yield.
func (it *Iteration[T]) resume() {
	yields := int(it.yields.Load())
	if yields > 0 && it.options.onYield != nil {
		it.options.onYield(yields, it.next)
	}

	if err := it.ctx.Err(); err != nil {
		it.fail(&CancelledError{Yield: yields, Completed: it.next, Cause: err})
		return
	}

	if it.next == it.total {
		it.finish()
		return
	}

	end := min(it.next+it.options.batchSize, it.total)
	cpuBefore, cpuOK := threadCPUTime()
	err := it.runBatch(end)
	if cpuOK {
		if cpuAfter, ok := threadCPUTime(); ok {
			it.cpu.Add(int64(cpuAfter - cpuBefore))
		}
	}
	it.completed.Store(int64(it.next))
	if err != nil {
		it.fail(err)
		return
	}

	if it.oneTurn {
		it.finish()
		return
	}

	it.yields.Add(1)
	if err := it.schedule(); err != nil {
		it.fail(err)
	}
}

func (it *Iteration[T]) runBatch(end int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ComputationError{Index: it.next, Cause: PanicError{Value: r}}
		}
	}()
	for ; it.next < end; it.next++ {
		v, werr := it.work(it.next)
		if werr != nil {
			return &ComputationError{Index: it.next, Cause: werr}
		}
		it.results[it.next] = v
	}
	return nil
}

// schedule hands the continuation to the loop, for the next turn.
func (it *Iteration[T]) schedule() error {
	if it.options.yieldMode == YieldTimer {
		_, err := it.loop.scheduleTimer(0, it.resume, it.fail)
		return err
	}
	return it.loop.submitExternal(task{fn: it.resume, abort: it.fail})
}

func (it *Iteration[T]) finish() {
	results := it.results
	if results == nil {
		results = []T{}
	}
	if it.finalize != nil {
		results = it.finalize(results)
	}
	it.results = nil
	it.wall.Store(int64(time.Since(it.started)))
	it.promise.resolve(results)
}

func (it *Iteration[T]) fail(err error) {
	it.results = nil
	it.wall.Store(int64(time.Since(it.started)))
	if it.promise.reject(err) && it.loop != nil {
		it.loop.logger.Debug().
			Err(err).
			Int(`completed`, int(it.completed.Load())).
			Int(`yields`, int(it.yields.Load())).
			Log(`iteration failed`)
	}
}

// Wait blocks until the iteration settles or ctx is done, returning the
// results in index order. A done ctx does not cancel the iteration itself.
func (it *Iteration[T]) Wait(ctx context.Context) ([]T, error) {
	return it.promise.Await(ctx)
}

// Done returns a channel that is closed once the iteration settles.
func (it *Iteration[T]) Done() <-chan struct{} {
	return it.promise.Done()
}

// Promise returns the promise settled with the iteration's outcome.
func (it *Iteration[T]) Promise() *Promise[[]T] {
	return it.promise
}

// Yields returns the number of yields performed so far.
func (it *Iteration[T]) Yields() int {
	return int(it.yields.Load())
}

// Stats returns a snapshot of the iteration's progress.
func (it *Iteration[T]) Stats() IterationStats {
	// wall is stored before the promise settles
	wall := time.Since(it.started)
	if it.promise.State() != Pending {
		wall = time.Duration(it.wall.Load())
	}
	return IterationStats{
		Steps:  int(it.completed.Load()),
		Yields: int(it.yields.Load()),
		Wall:   wall,
		CPU:    time.Duration(it.cpu.Load()),
	}
}
