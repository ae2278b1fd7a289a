package yieldloop

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// task is a queued unit of work. Abort, if set, is called instead of fn when
// the task is dropped by [Loop.Close], so continuations can settle.
type task struct {
	queued time.Time
	fn     func()
	abort  func(error)
}

// Loop is a single goroutine cooperative scheduler.
//
// Every task, timer callback and iteration batch runs on the loop goroutine,
// one at a time, so code running on the loop needs no further
// synchronization. A task that does not return blocks everything else: that
// is the property [Iterate] and [LagMonitor] exist to manage.
//
// Each tick runs, in order: the timers that were due when the tick started,
// the internal queue, then the external queue (only tasks present when the
// tick started, bounded by the tick budget). The loop then sleeps until the
// next timer is due or new work arrives.
type Loop struct {
	// OnOverload, if set, is called on the loop goroutine with
	// [ErrLoopOverloaded] whenever the external queue still holds tasks after
	// the tick budget was spent. It must be set before Run.
	OnOverload func(error)

	logger     *logiface.Logger[logiface.Event]
	metrics    *loopMetrics
	state      *FastState
	wakeCh     chan struct{}
	loopDone   chan struct{}
	timerIndex map[TimerID]*timer

	external    []task
	internal    []task
	externalBuf []task // loop goroutine only
	internalBuf []task // loop goroutine only
	timers      timerHeap
	dueTimers   []*timer // loop goroutine only

	id         uint64
	tickBudget int
	timerSeq   uint64

	externalMu sync.Mutex
	internalMu sync.Mutex
	timerMu    sync.Mutex
	stopOnce   sync.Once

	inflight        atomic.Int64
	loopGoroutineID atomic.Uint64
	ticks           atomic.Uint64
	tasksRun        atomic.Uint64
	panics          atomic.Uint64
	overloads       atomic.Uint64
	closing         atomic.Bool
}

var loopIDCounter atomic.Uint64

// New creates a loop in the [StateAwake] state. Tasks may be submitted before
// [Loop.Run] is called, they run once it starts.
func New(opts ...LoopOption) (*Loop, error) {
	options, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	loop := &Loop{
		id:         loopIDCounter.Add(1),
		logger:     options.logger,
		state:      NewFastState(),
		tickBudget: options.tickBudget,
		timerIndex: make(map[TimerID]*timer),
		wakeCh:     make(chan struct{}, 1),
		loopDone:   make(chan struct{}),
	}
	if options.metricsEnabled {
		loop.metrics = newLoopMetrics()
	}

	return loop, nil
}

// Run runs the loop on the calling goroutine, which is locked to its OS
// thread, and blocks until the loop terminates via Shutdown, Close or ctx
// cancellation. The latter returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		switch l.state.Load() {
		case StateTerminating, StateTerminated:
			return ErrLoopTerminated
		default:
			return ErrLoopAlreadyRunning
		}
	}

	defer close(l.loopDone)

	return l.run(ctx)
}

// Shutdown gracefully stops the loop: queued tasks still run, after which
// any further submission fails with [ErrLoopTerminated]. Pending timers are
// discarded. Shutdown blocks until the loop has terminated or ctx is done.
func (l *Loop) Shutdown(ctx context.Context) error {
	result := ErrLoopTerminated
	l.stopOnce.Do(func() {
		result = l.shutdownImpl(ctx)
	})
	return result
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	for {
		current := l.state.Load()
		if current == StateTerminated || current == StateTerminating {
			return ErrLoopTerminated
		}

		if l.state.TryTransition(current, StateTerminating) {
			if current == StateAwake {
				// never ran, drain on the caller's goroutine
				l.shutdown()
				close(l.loopDone)
				return nil
			}
			l.wake()
			break
		}
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the loop without running queued tasks. Iterations still
// in flight fail with [ErrLoopTerminated]. It does not wait for Run to
// return.
func (l *Loop) Close() error {
	for {
		current := l.state.Load()
		if current == StateTerminated {
			return ErrLoopTerminated
		}

		l.closing.Store(true)
		if l.state.TryTransition(current, StateTerminating) {
			if current == StateAwake {
				l.shutdown()
				close(l.loopDone)
				return nil
			}
			l.wake()
			return nil
		}
	}
}

// Done returns a channel closed once the loop has terminated: after Run has
// returned, or after Shutdown or Close if the loop was never run.
func (l *Loop) Done() <-chan struct{} {
	return l.loopDone
}

// State returns the current state of the loop.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Logger returns the logger configured via [WithLogger], which may be nil.
func (l *Loop) Logger() *logiface.Logger[logiface.Event] {
	return l.logger
}

// Submit queues fn to run on the loop goroutine, in a later tick than the
// one currently executing. Safe for concurrent use.
func (l *Loop) Submit(fn func()) error {
	return l.submitExternal(task{fn: fn})
}

// SubmitInternal queues fn on the priority queue, which is drained before
// the external queue on every tick.
func (l *Loop) SubmitInternal(fn func()) error {
	return l.push(&l.internalMu, &l.internal, task{fn: fn})
}

func (l *Loop) submitExternal(t task) error {
	return l.push(&l.externalMu, &l.external, t)
}

func (l *Loop) push(mu *sync.Mutex, queue *[]task, t task) error {
	if t.fn == nil {
		return &RangeError{Message: "yieldloop: task must not be nil"}
	}

	// tracked so that shutdown can wait out racing submissions
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}

	if l.metrics != nil {
		t.queued = time.Now()
	}

	mu.Lock()
	*queue = append(*queue, t)
	mu.Unlock()

	l.wake()
	return nil
}

// wake interrupts poll, without blocking.
func (l *Loop) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.wake()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	l.logger.Debug().
		Uint64(`loop_id`, l.id).
		Log(`loop started`)

	for {
		select {
		case <-ctx.Done():
			for {
				current := l.state.Load()
				if current == StateTerminating || current == StateTerminated {
					break
				}
				if l.state.TryTransition(current, StateTerminating) {
					break
				}
			}
			l.shutdown()
			return ctx.Err()
		default:
		}

		if state := l.state.Load(); state == StateTerminating || state == StateTerminated {
			l.shutdown()
			return nil
		}

		l.tick()
	}
}

// shutdown moves the loop to StateTerminated, then drains (or drops, when
// closing) everything that was queued.
func (l *Loop) shutdown() {
	// reject new work first, anything racing the store is caught below
	l.state.Store(StateTerminated)

	drop := l.closing.Load()
	var dropped int

	emptyChecks := 0
	const requiredEmptyChecks = 3
	for emptyChecks < requiredEmptyChecks {
		spinCount := 0
		for l.inflight.Load() > 0 {
			spinCount++
			if spinCount > 1000 {
				time.Sleep(100 * time.Microsecond)
			} else {
				runtime.Gosched()
			}
		}

		drained := false
		for _, tasks := range [...][]task{
			takeAll(&l.internalMu, &l.internal),
			takeAll(&l.externalMu, &l.external),
		} {
			for _, t := range tasks {
				drained = true
				if !drop {
					l.runTask(t)
					continue
				}
				dropped++
				if t.abort != nil {
					abort := t.abort
					l.safeExecute(func() { abort(ErrLoopTerminated) })
				}
			}
		}

		if drained || l.inflight.Load() > 0 {
			emptyChecks = 0
		} else {
			emptyChecks++
			runtime.Gosched()
		}
	}

	l.abortTimers(ErrLoopTerminated)

	l.logger.Debug().
		Uint64(`loop_id`, l.id).
		Bool(`closed`, drop).
		Int(`dropped`, dropped).
		Log(`loop terminated`)
}

func takeAll(mu *sync.Mutex, queue *[]task) []task {
	mu.Lock()
	defer mu.Unlock()
	tasks := *queue
	*queue = nil
	return tasks
}

// tick is a single iteration of the loop.
func (l *Loop) tick() {
	l.ticks.Add(1)

	l.runTimers()

	l.processInternal()

	l.processExternal()

	l.poll()
}

func (l *Loop) processInternal() {
	l.internalMu.Lock()
	tasks := l.internal
	l.internal = l.internalBuf[:0]
	l.internalMu.Unlock()

	for _, t := range tasks {
		l.runTask(t)
	}

	clear(tasks)
	l.internalBuf = tasks[:0]
}

// processExternal runs up to tickBudget tasks, from those queued when it was
// called. Tasks submitted while it runs are left for the next tick.
func (l *Loop) processExternal() {
	l.externalMu.Lock()
	n := min(len(l.external), l.tickBudget)
	batch := append(l.externalBuf[:0], l.external[:n]...)
	remaining := copy(l.external, l.external[n:])
	clear(l.external[remaining:])
	l.external = l.external[:remaining]
	l.externalMu.Unlock()

	for _, t := range batch {
		l.runTask(t)
	}

	clear(batch)
	l.externalBuf = batch[:0]

	if remaining > 0 {
		l.overloads.Add(1)
		l.logger.Warning().
			Int(`remaining`, remaining).
			Int(`budget`, l.tickBudget).
			Log(`external queue exceeded tick budget`)
		if l.OnOverload != nil {
			l.safeExecute(func() { l.OnOverload(ErrLoopOverloaded) })
		}
	}
}

// poll sleeps until the next timer is due or wake is called. It returns
// immediately if work is already pending or shutdown has begun.
func (l *Loop) poll() {
	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}
	defer l.state.TryTransition(StateSleeping, StateRunning)

	if l.hasPendingTasks() {
		return
	}

	delay, ok := l.nextTimerDelay()
	if ok && delay == 0 {
		return
	}

	var timerC <-chan time.Time
	if ok {
		t := time.NewTimer(delay)
		defer t.Stop()
		timerC = t.C
	}

	select {
	case <-l.wakeCh:
	case <-timerC:
	}
}

func (l *Loop) hasPendingTasks() bool {
	l.internalMu.Lock()
	n := len(l.internal)
	l.internalMu.Unlock()
	if n > 0 {
		return true
	}
	l.externalMu.Lock()
	n = len(l.external)
	l.externalMu.Unlock()
	return n > 0
}

func (l *Loop) runTask(t task) {
	l.tasksRun.Add(1)
	if l.metrics == nil {
		l.safeExecute(t.fn)
		return
	}
	start := time.Now()
	l.safeExecute(t.fn)
	l.metrics.record(start.Sub(t.queued), time.Since(start))
}

// safeExecute runs fn, recovering and logging any panic.
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.Err().
				Any(`panic`, r).
				Uint64(`loop_id`, l.id).
				Log(`task panicked`)
		}
	}()

	fn()
}

// isLoopThread reports whether the caller is the loop goroutine.
func (l *Loop) isLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID parses the current goroutine's ID from its stack header.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
