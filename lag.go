package yieldloop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// LagAlert reports a monitor wake-up that was at least the alert threshold
// late, meaning the loop was blocked for roughly Lag.
type LagAlert struct {
	Expected  time.Time
	Actual    time.Time
	Lag       time.Duration
	Threshold time.Duration
}

// LagStats summarizes the lag observed by a [LagMonitor].
type LagStats struct {
	Ticks  int64
	Alerts int64
	Last   time.Duration
	Mean   time.Duration
	Max    time.Duration
	P50    time.Duration
	P90    time.Duration
	P99    time.Duration
}

const (
	monitorIdle int32 = iota
	monitorStarted
	monitorStopped
)

// lagAlertCategory is the catrate category for alert log lines.
type lagAlertCategory struct{}

// LagMonitor detects loop starvation. It runs a self-rescheduling timer on
// the loop and measures how late each wake-up is: a loop that is not
// yielding cannot run the timer on time.
type LagMonitor struct {
	loop     *Loop
	logger   *logiface.Logger[logiface.Event]
	limiter  *catrate.Limiter
	handlers []func(LagAlert)
	subs     map[*lagSubscriber]struct{}
	stats    *durationStats
	expected time.Time // loop goroutine only, after Start

	interval        time.Duration
	threshold       time.Duration
	scheduledAnchor bool

	timerID atomic.Uint64
	state   atomic.Int32
	alerts  atomic.Int64
	last    atomic.Int64

	statsMu sync.Mutex
	subsMu  sync.Mutex
}

type lagSubscriber struct {
	ch   chan LagAlert
	once sync.Once
}

func (s *lagSubscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewLagMonitor creates a monitor for loop. It does nothing until
// [LagMonitor.Start] is called.
func NewLagMonitor(loop *Loop, opts ...LagOption) (*LagMonitor, error) {
	if loop == nil {
		return nil, &RangeError{Message: "yieldloop: loop must not be nil"}
	}
	options, err := resolveLagOptions(opts)
	if err != nil {
		return nil, err
	}

	m := &LagMonitor{
		loop:            loop,
		logger:          loop.Logger(),
		handlers:        options.handlers,
		subs:            make(map[*lagSubscriber]struct{}),
		stats:           newDurationStats(),
		interval:        options.interval,
		threshold:       options.threshold,
		scheduledAnchor: options.scheduledAnchor,
	}
	if len(options.logRates) != 0 {
		m.limiter = catrate.NewLimiter(options.logRates)
	}

	return m, nil
}

// Start schedules the first wake-up, one interval from now. It may be
// called from any goroutine, including the loop's.
func (m *LagMonitor) Start() error {
	if !m.state.CompareAndSwap(monitorIdle, monitorStarted) {
		if m.state.Load() == monitorStopped {
			return ErrMonitorStopped
		}
		return ErrMonitorStarted
	}

	m.expected = time.Now().Add(m.interval)
	id, err := m.loop.ScheduleTimer(m.interval, m.tick)
	if err != nil {
		m.state.Store(monitorStopped)
		m.closeSubscribers()
		return err
	}
	m.timerID.Store(uint64(id))

	m.logger.Debug().
		Dur(`interval`, m.interval).
		Dur(`threshold`, m.threshold).
		Log(`lag monitor started`)

	return nil
}

// Stop cancels the pending wake-up and closes all subscriptions. It is
// idempotent, and a stopped monitor cannot be restarted.
func (m *LagMonitor) Stop() error {
	prev := m.state.Swap(monitorStopped)
	if prev == monitorStopped {
		return nil
	}
	if prev == monitorStarted {
		// may lose to a concurrent tick, which re-checks the state
		_ = m.loop.CancelTimer(TimerID(m.timerID.Load()))
		m.logger.Debug().Log(`lag monitor stopped`)
	}
	m.closeSubscribers()
	return nil
}

// Subscribe returns a channel receiving every alert raised from now on.
// Alerts are dropped rather than delivered late if the channel is full. The
// channel is closed by the returned cancel func, or by Stop.
func (m *LagMonitor) Subscribe(buffer int) (<-chan LagAlert, func()) {
	sub := &lagSubscriber{ch: make(chan LagAlert, max(buffer, 0))}

	m.subsMu.Lock()
	if m.state.Load() == monitorStopped {
		m.subsMu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	m.subs[sub] = struct{}{}
	m.subsMu.Unlock()

	return sub.ch, func() {
		m.subsMu.Lock()
		delete(m.subs, sub)
		m.subsMu.Unlock()
		sub.close()
	}
}

// Stats returns a snapshot of the observed lag. Safe for concurrent use.
func (m *LagMonitor) Stats() LagStats {
	m.statsMu.Lock()
	summary := m.stats.summary()
	m.statsMu.Unlock()
	return LagStats{
		Ticks:  summary.Count,
		Alerts: m.alerts.Load(),
		Last:   time.Duration(m.last.Load()),
		Mean:   summary.Mean,
		Max:    summary.Max,
		P50:    summary.P50,
		P90:    summary.P90,
		P99:    summary.P99,
	}
}

func (m *LagMonitor) tick() {
	if m.state.Load() != monitorStarted {
		return
	}

	now := time.Now()
	lag := max(now.Sub(m.expected), 0)

	m.statsMu.Lock()
	m.stats.observe(lag)
	m.statsMu.Unlock()
	m.last.Store(int64(lag))

	if lag >= m.threshold {
		m.alert(LagAlert{
			Expected:  m.expected,
			Actual:    now,
			Lag:       lag,
			Threshold: m.threshold,
		})
	}

	if m.scheduledAnchor {
		m.expected = m.expected.Add(m.interval)
	} else {
		m.expected = now.Add(m.interval)
	}

	id, err := m.loop.ScheduleTimer(time.Until(m.expected), m.tick)
	if err != nil {
		m.logger.Debug().
			Err(err).
			Log(`lag monitor halted`)
		if m.state.CompareAndSwap(monitorStarted, monitorStopped) {
			m.closeSubscribers()
		}
		return
	}
	m.timerID.Store(uint64(id))

	if m.state.Load() != monitorStarted {
		_ = m.loop.CancelTimer(id)
	}
}

func (m *LagMonitor) alert(a LagAlert) {
	m.alerts.Add(1)

	if _, ok := m.limiter.Allow(lagAlertCategory{}); ok {
		m.logger.Warning().
			Dur(`lag`, a.Lag).
			Dur(`threshold`, a.Threshold).
			Time(`expected`, a.Expected).
			Logf(`event loop was blocked for %dms`, a.Lag.Milliseconds())
	}

	for _, fn := range m.handlers {
		m.loop.safeExecute(func() { fn(a) })
	}

	m.subsMu.Lock()
	for sub := range m.subs {
		select {
		case sub.ch <- a:
		default:
		}
	}
	m.subsMu.Unlock()
}

func (m *LagMonitor) closeSubscribers() {
	m.subsMu.Lock()
	subs := m.subs
	m.subs = make(map[*lagSubscriber]struct{})
	m.subsMu.Unlock()
	for sub := range subs {
		sub.close()
	}
}
