// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package yieldloop

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// defaultTickBudget is the maximum number of external tasks run per tick.
const defaultTickBudget = 1024

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger         *logiface.Logger[logiface.Event]
	tickBudget     int
	metricsEnabled bool
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger attaches a structured logger, used for task panics, overload
// warnings, lag alerts and lifecycle events. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics enables per-task latency collection, see [Loop.Metrics].
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithTickBudget sets the maximum number of external tasks run per tick.
// Tasks beyond the budget wait for the next tick, after timers.
func WithTickBudget(budget int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if budget < 1 {
			return &RangeError{Message: "yieldloop: tick budget must be positive"}
		}
		opts.tickBudget = budget
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		tickBudget: defaultTickBudget,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// --- Iterate Options ---

// YieldMode selects how [Iterate] hands control back to the loop.
type YieldMode int

const (
	// YieldImmediate re-submits the continuation to the external queue, so
	// it runs on the next tick. This is the default.
	YieldImmediate YieldMode = iota

	// YieldTimer schedules the continuation as a zero-delay timer.
	YieldTimer
)

// String returns a human-readable representation of the mode.
func (m YieldMode) String() string {
	switch m {
	case YieldImmediate:
		return "immediate"
	case YieldTimer:
		return "timer"
	default:
		return "unknown"
	}
}

type iterateOptions struct {
	onYield   func(yield, completed int)
	batchSize int
	yieldMode YieldMode
}

// IterateOption configures [Iterate] and the helpers built on it.
type IterateOption interface {
	applyIterate(*iterateOptions) error
}

type iterateOptionImpl struct {
	applyIterateFunc func(*iterateOptions) error
}

func (i *iterateOptionImpl) applyIterate(opts *iterateOptions) error {
	return i.applyIterateFunc(opts)
}

// WithBatchSize sets how many steps run between yields. Defaults to 1.
func WithBatchSize(size int) IterateOption {
	return &iterateOptionImpl{func(opts *iterateOptions) error {
		if size < 1 {
			return &RangeError{Message: "yieldloop: batch size must be positive"}
		}
		opts.batchSize = size
		return nil
	}}
}

// WithYieldMode selects the yield mechanism. Defaults to [YieldImmediate].
func WithYieldMode(mode YieldMode) IterateOption {
	return &iterateOptionImpl{func(opts *iterateOptions) error {
		if mode != YieldImmediate && mode != YieldTimer {
			return &RangeError{Message: "yieldloop: unknown yield mode"}
		}
		opts.yieldMode = mode
		return nil
	}}
}

// WithYieldHook registers a callback, invoked on the loop goroutine each
// time the iteration resumes from a yield, before cancellation is checked.
// The arguments are the yield number (starting at 1) and the number of steps
// completed so far.
func WithYieldHook(fn func(yield, completed int)) IterateOption {
	return &iterateOptionImpl{func(opts *iterateOptions) error {
		opts.onYield = fn
		return nil
	}}
}

func resolveIterateOptions(opts []IterateOption) (*iterateOptions, error) {
	cfg := &iterateOptions{
		batchSize: 1,
		yieldMode: YieldImmediate,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyIterate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// --- LagMonitor Options ---

const (
	defaultLagInterval  = time.Millisecond
	defaultLagThreshold = 100 * time.Millisecond
)

// defaultAlertLogRates throttles the alert log line, a stalled loop
// otherwise logs on every tick until it recovers.
var defaultAlertLogRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

type lagOptions struct {
	logRates        map[time.Duration]int
	handlers        []func(LagAlert)
	interval        time.Duration
	threshold       time.Duration
	scheduledAnchor bool
}

// LagOption configures a [LagMonitor].
type LagOption interface {
	applyLag(*lagOptions) error
}

type lagOptionImpl struct {
	applyLagFunc func(*lagOptions) error
}

func (o *lagOptionImpl) applyLag(opts *lagOptions) error {
	return o.applyLagFunc(opts)
}

// WithInterval sets the delay between monitor wake-ups. Defaults to 1ms.
func WithInterval(interval time.Duration) LagOption {
	return &lagOptionImpl{func(opts *lagOptions) error {
		if interval <= 0 {
			return &RangeError{Message: "yieldloop: lag interval must be positive"}
		}
		opts.interval = interval
		return nil
	}}
}

// WithAlertThreshold sets the minimum lag that raises a [LagAlert].
// Defaults to 100ms.
func WithAlertThreshold(threshold time.Duration) LagOption {
	return &lagOptionImpl{func(opts *lagOptions) error {
		if threshold <= 0 {
			return &RangeError{Message: "yieldloop: alert threshold must be positive"}
		}
		opts.threshold = threshold
		return nil
	}}
}

// WithAlertHandler registers a callback, run on the loop goroutine for every
// alert. May be given more than once.
func WithAlertHandler(fn func(LagAlert)) LagOption {
	return &lagOptionImpl{func(opts *lagOptions) error {
		if fn != nil {
			opts.handlers = append(opts.handlers, fn)
		}
		return nil
	}}
}

// WithScheduledAnchor, if true, computes each expected wake-up from the
// previous expected instant instead of the actual wake time. Lag then
// accumulates across ticks: after a stall, the following ticks fire back to
// back until the monitor has caught up.
func WithScheduledAnchor(enabled bool) LagOption {
	return &lagOptionImpl{func(opts *lagOptions) error {
		opts.scheduledAnchor = enabled
		return nil
	}}
}

// WithAlertLogRates sets the sliding windows limiting how often alerts are
// logged, as per [catrate.NewLimiter]. Alerts are always delivered to
// handlers and subscribers. A nil or empty map logs every alert.
func WithAlertLogRates(rates map[time.Duration]int) LagOption {
	return &lagOptionImpl{func(opts *lagOptions) error {
		if len(rates) != 0 {
			if err := validateRates(rates); err != nil {
				return err
			}
		}
		opts.logRates = rates
		return nil
	}}
}

func resolveLagOptions(opts []LagOption) (*lagOptions, error) {
	cfg := &lagOptions{
		interval:  defaultLagInterval,
		threshold: defaultLagThreshold,
		logRates:  defaultAlertLogRates,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLag(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// validateRates converts the panic raised by catrate for invalid rates into
// an error.
func validateRates(rates map[time.Duration]int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RangeError{Message: fmt.Sprintf("yieldloop: invalid alert log rates: %v", r)}
		}
	}()
	_ = catrate.NewLimiter(rates)
	return nil
}
