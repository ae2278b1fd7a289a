package yieldloop

import (
	"container/heap"
	"sync/atomic"
	"time"
)

// TimerID identifies a timer scheduled via [Loop.ScheduleTimer].
type TimerID uint64

// timer is a scheduled callback. Firing and cancellation race to claim it.
type timer struct {
	when    time.Time
	fn      func()
	abort   func(error)
	id      TimerID
	seq     uint64
	claimed atomic.Bool
}

// timerHeap is a min-heap of timers, earliest first, FIFO for equal deadlines.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*timer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// ScheduleTimer runs fn on the loop goroutine once delay has elapsed.
// Timers with equal deadlines fire in the order they were scheduled.
// A timer never fires in the same tick it was scheduled from.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (TimerID, error) {
	return l.scheduleTimer(delay, fn, nil)
}

// scheduleTimer is ScheduleTimer with an optional abort callback, invoked
// instead of fn if the loop terminates first.
func (l *Loop) scheduleTimer(delay time.Duration, fn func(), abort func(error)) (TimerID, error) {
	if fn == nil {
		return 0, &RangeError{Message: "yieldloop: timer callback must not be nil"}
	}
	if delay < 0 {
		delay = 0
	}

	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.state.Load() == StateTerminated {
		return 0, ErrLoopTerminated
	}

	l.timerMu.Lock()
	l.timerSeq++
	t := &timer{
		id:    TimerID(l.timerSeq),
		seq:   l.timerSeq,
		when:  time.Now().Add(delay),
		fn:    fn,
		abort: abort,
	}
	heap.Push(&l.timers, t)
	l.timerIndex[t.id] = t
	l.timerMu.Unlock()

	l.wake()
	return t.id, nil
}

// CancelTimer prevents a pending timer from firing. It returns
// [ErrTimerNotFound] if the timer already fired, was already cancelled, or
// never existed.
func (l *Loop) CancelTimer(id TimerID) error {
	l.timerMu.Lock()
	t, ok := l.timerIndex[id]
	if ok {
		delete(l.timerIndex, id)
	}
	l.timerMu.Unlock()

	if !ok || !t.claimed.CompareAndSwap(false, true) {
		return ErrTimerNotFound
	}
	// the heap entry is discarded lazily by runTimers
	return nil
}

// runTimers executes every timer that was due when the tick started.
func (l *Loop) runTimers() {
	now := time.Now()

	l.timerMu.Lock()
	due := l.dueTimers[:0]
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(*timer)
		delete(l.timerIndex, t.id)
		due = append(due, t)
	}
	l.timerMu.Unlock()

	for _, t := range due {
		if t.claimed.CompareAndSwap(false, true) {
			l.safeExecute(t.fn)
		}
	}

	clear(due)
	l.dueTimers = due[:0]
}

// nextTimerDelay returns how long until the earliest live timer is due, or
// false if there are none.
func (l *Loop) nextTimerDelay() (time.Duration, bool) {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	for len(l.timers) > 0 {
		t := l.timers[0]
		if t.claimed.Load() {
			heap.Pop(&l.timers)
			continue
		}
		d := time.Until(t.when)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// abortTimers claims every pending timer, notifying those with an abort
// callback. Called once the loop is terminated.
func (l *Loop) abortTimers(err error) {
	l.timerMu.Lock()
	pending := l.timers
	l.timers = nil
	clear(l.timerIndex)
	l.timerMu.Unlock()

	for _, t := range pending {
		if t.claimed.CompareAndSwap(false, true) && t.abort != nil {
			abort := t.abort
			l.safeExecute(func() { abort(err) })
		}
	}
}
