package yieldloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_SubmitRunsInOrder(t *testing.T) {
	loop := startLoop(t)

	var order []int
	for i := range 100 {
		require.NoError(t, loop.Submit(func() { order = append(order, i) }))
	}
	onLoop(t, loop, func() {})

	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

// A task submitted from a running task must run after everything that was
// already queued, in a later tick.
func TestLoop_SubmitFromTaskRunsNextTick(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	var (
		order []string
		ticks []uint64
	)
	record := func(name string) {
		order = append(order, name)
		ticks = append(ticks, loop.ticks.Load())
	}
	done := make(chan struct{})
	require.NoError(t, loop.Submit(func() {
		record("a")
		assert.NoError(t, loop.Submit(func() {
			record("c")
			close(done)
		}))
	}))
	require.NoError(t, loop.Submit(func() { record("b") }))

	runLoop(t, loop)
	<-done

	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, ticks[0], ticks[1])
	assert.Greater(t, ticks[2], ticks[1])
}

func TestLoop_InternalBeforeExternal(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	var order []string
	require.NoError(t, loop.Submit(func() { order = append(order, "external") }))
	require.NoError(t, loop.SubmitInternal(func() { order = append(order, "internal") }))

	runLoop(t, loop)
	onLoop(t, loop, func() {})

	assert.Equal(t, []string{"internal", "external"}, order)
}

func TestLoop_RunTwice(t *testing.T) {
	loop := startLoop(t)
	onLoop(t, loop, func() {})

	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopAlreadyRunning)
	select {
	case <-loop.Done():
		t.Fatal("done closed by a refused run")
	default:
	}
}

// Shutdown straight after Run was called must stop the running loop, which
// then returns nil from Run (checked on cleanup), not ErrLoopTerminated.
func TestLoop_ShutdownRightAfterStart(t *testing.T) {
	for range 20 {
		loop := startLoop(t)
		assert.True(t, loop.State().Active())
	}
}

func TestLoop_RunReentrant(t *testing.T) {
	loop := startLoop(t)

	var err error
	onLoop(t, loop, func() { err = loop.Run(context.Background()) })

	assert.ErrorIs(t, err, ErrReentrantRun)
}

func TestLoop_RunAfterTermination(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	require.NoError(t, loop.Shutdown(context.Background()))

	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopTerminated)
	assert.Equal(t, StateTerminated, loop.State())
}

func TestLoop_DoneWithoutRun(t *testing.T) {
	for name, stop := range map[string]func(*Loop) error{
		"shutdown": func(l *Loop) error { return l.Shutdown(context.Background()) },
		"close":    (*Loop).Close,
	} {
		t.Run(name, func(t *testing.T) {
			loop, err := New()
			require.NoError(t, err)
			require.NoError(t, stop(loop))

			select {
			case <-loop.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("done not closed")
			}
			assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopTerminated)
		})
	}
}

func TestLoop_ContextCancellation(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	onLoop(t, loop, func() {})
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, StateTerminated, loop.State())
	assert.ErrorIs(t, loop.Submit(func() {}), ErrLoopTerminated)
}

func TestLoop_ShutdownDrainsQueue(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	started, release := make(chan struct{}), make(chan struct{})
	var ran atomic.Int32
	require.NoError(t, loop.Submit(func() {
		close(started)
		<-release
	}))
	for range 10 {
		require.NoError(t, loop.Submit(func() { ran.Add(1) }))
	}

	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(context.Background()) }()
	<-started

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- loop.Shutdown(context.Background()) }()

	require.Eventually(t, func() bool { return loop.State() == StateTerminating }, 5*time.Second, time.Millisecond)
	close(release)

	require.NoError(t, <-shutdownDone)
	require.NoError(t, <-runDone)
	assert.Equal(t, int32(10), ran.Load())
	assert.ErrorIs(t, loop.Submit(func() {}), ErrLoopTerminated)
	assert.ErrorIs(t, loop.Shutdown(context.Background()), ErrLoopTerminated)
}

func TestLoop_ShutdownBeforeRunDrains(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	var ran bool
	require.NoError(t, loop.Submit(func() { ran = true }))
	require.NoError(t, loop.Shutdown(context.Background()))

	assert.True(t, ran)
	assert.Equal(t, StateTerminated, loop.State())
}

func TestLoop_CloseDropsQueue(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	var (
		ran     bool
		aborted error
	)
	require.NoError(t, loop.Submit(func() { ran = true }))
	require.NoError(t, loop.submitExternal(task{
		fn:    func() { ran = true },
		abort: func(err error) { aborted = err },
	}))

	require.NoError(t, loop.Close())

	assert.False(t, ran)
	assert.ErrorIs(t, aborted, ErrLoopTerminated)
	assert.ErrorIs(t, loop.Close(), ErrLoopTerminated)
}

func TestLoop_CloseWhileRunning(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(context.Background()) }()

	var ran atomic.Bool
	onLoop(t, loop, func() {
		assert.NoError(t, loop.Close())
		// queued behind a closing loop, never runs
		_ = loop.Submit(func() { ran.Store(true) })
	})

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.False(t, ran.Load())
	<-loop.Done()
}

func TestLoop_PanicRecovered(t *testing.T) {
	logger, logs := newCaptureLogger(logiface.LevelDebug)
	loop := startLoop(t, WithLogger(logger))

	require.NoError(t, loop.Submit(func() { panic("boom") }))

	var ran bool
	onLoop(t, loop, func() { ran = true })

	assert.True(t, ran)
	assert.Equal(t, uint64(1), loop.Metrics().Panics)
	event, ok := logs.find("task panicked")
	require.True(t, ok)
	assert.Equal(t, logiface.LevelError, event.level)
	assert.Equal(t, "boom", event.fields["panic"])
}

func TestLoop_TickBudgetOverload(t *testing.T) {
	loop, err := New(WithTickBudget(3))
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		overloads []error
		ran       int
	)
	loop.OnOverload = func(err error) {
		mu.Lock()
		defer mu.Unlock()
		overloads = append(overloads, err)
	}
	for range 7 {
		require.NoError(t, loop.Submit(func() { ran++ }))
	}

	runLoop(t, loop)
	onLoop(t, loop, func() {})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 7, ran)
	// 7 tasks, 3 per tick: two ticks left a backlog
	require.Len(t, overloads, 2)
	assert.ErrorIs(t, overloads[0], ErrLoopOverloaded)
	assert.Equal(t, uint64(2), loop.Metrics().Overloads)
}

func TestLoop_SubmitNil(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	var rangeErr *RangeError
	assert.ErrorAs(t, loop.Submit(nil), &rangeErr)
	assert.ErrorAs(t, loop.SubmitInternal(nil), &rangeErr)
}

func TestLoop_ConcurrentSubmit(t *testing.T) {
	loop := startLoop(t)

	const (
		producers = 8
		perWorker = 500
	)
	var (
		count atomic.Int64
		wg    sync.WaitGroup
	)
	wg.Add(producers)
	for range producers {
		go func() {
			defer wg.Done()
			for range perWorker {
				if err := loop.Submit(func() { count.Add(1) }); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	onLoop(t, loop, func() {})

	assert.Equal(t, int64(producers*perWorker), count.Load())
}

func TestLoop_Metrics(t *testing.T) {
	loop := startLoop(t, WithMetrics(true))

	onLoop(t, loop, func() { time.Sleep(5 * time.Millisecond) })

	m := loop.Metrics()
	assert.GreaterOrEqual(t, m.TasksRun, uint64(1))
	assert.GreaterOrEqual(t, m.Ticks, uint64(1))
	assert.GreaterOrEqual(t, m.TaskDuration.Max, 5*time.Millisecond)
	assert.GreaterOrEqual(t, m.QueueWait.Count, int64(1))
}

func TestLoop_MetricsDisabled(t *testing.T) {
	loop := startLoop(t)

	onLoop(t, loop, func() {})

	m := loop.Metrics()
	assert.GreaterOrEqual(t, m.TasksRun, uint64(1))
	assert.Zero(t, m.TaskDuration)
	assert.Zero(t, m.QueueWait)
}

func TestLoop_ShutdownContextExpires(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	started, release := make(chan struct{}), make(chan struct{})
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(context.Background()) }()
	require.NoError(t, loop.Submit(func() {
		close(started)
		<-release
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = loop.Shutdown(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	close(release)
	require.NoError(t, <-runDone)
	assert.Equal(t, StateTerminated, loop.State())
}

func TestLoopState_String(t *testing.T) {
	for state, want := range map[LoopState]string{
		StateAwake:       "Awake",
		StateRunning:     "Running",
		StateSleeping:    "Sleeping",
		StateTerminating: "Terminating",
		StateTerminated:  "Terminated",
		LoopState(99):    "Unknown",
	} {
		assert.Equal(t, want, state.String())
	}
}

func TestFastState_TryTransition(t *testing.T) {
	s := NewFastState()
	assert.Equal(t, StateAwake, s.Load())
	assert.False(t, s.Load().Active())

	assert.True(t, s.TryTransition(StateAwake, StateRunning))
	assert.False(t, s.TryTransition(StateAwake, StateRunning))
	assert.True(t, s.Load().Active())
	assert.True(t, s.TryTransition(StateRunning, StateSleeping))
	assert.True(t, s.Load().Active())

	s.Store(StateTerminated)
	assert.False(t, s.Load().Active())
	assert.Equal(t, StateTerminated, s.Load())
}
