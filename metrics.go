package yieldloop

import (
	"sync"
	"time"
)

// Metrics is a snapshot of loop statistics, see [Loop.Metrics].
//
// The counters are always maintained. QueueWait (time between submission
// and execution start) and TaskDuration (time spent executing) are only
// populated when the loop was created with WithMetrics(true).
//
// Example:
//
//	loop, _ := New(WithMetrics(true))
//	go loop.Run(ctx)
//	stats := loop.Metrics()
//	fmt.Printf("P99 wait: %v, longest task: %v\n",
//		stats.QueueWait.P99, stats.TaskDuration.Max)
type Metrics struct {
	QueueWait    DurationSummary
	TaskDuration DurationSummary
	Ticks        uint64
	TasksRun     uint64
	Panics       uint64
	Overloads    uint64
}

// loopMetrics collects per-task latency. Written by the loop goroutine, read
// from anywhere.
type loopMetrics struct {
	queueWait    *durationStats
	taskDuration *durationStats
	mu           sync.Mutex
}

func newLoopMetrics() *loopMetrics {
	return &loopMetrics{
		queueWait:    newDurationStats(),
		taskDuration: newDurationStats(),
	}
}

func (m *loopMetrics) record(wait, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueWait.observe(max(wait, 0))
	m.taskDuration.observe(duration)
}

// Metrics returns a snapshot of the loop's statistics. Safe for concurrent use.
func (l *Loop) Metrics() Metrics {
	snapshot := Metrics{
		Ticks:     l.ticks.Load(),
		TasksRun:  l.tasksRun.Load(),
		Panics:    l.panics.Load(),
		Overloads: l.overloads.Load(),
	}
	if m := l.metrics; m != nil {
		m.mu.Lock()
		snapshot.QueueWait = m.queueWait.summary()
		snapshot.TaskDuration = m.taskDuration.summary()
		m.mu.Unlock()
	}
	return snapshot
}
