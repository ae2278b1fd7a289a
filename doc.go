// Package yieldloop provides a single goroutine, cooperative task scheduler,
// plus two tools for keeping it responsive: an iteration primitive that
// yields between batches of CPU-bound work, and a monitor that measures how
// late the scheduler wakes up.
//
// # Architecture
//
// A [Loop] owns one goroutine, locked to an OS thread, which runs every
// queued task to completion before picking the next one. Nothing preempts a
// running task, so a task that runs for 150ms delays every timer, request
// and health check queued behind it by 150ms.
//
// [Iterate] splits a bounded computation into batches. After each batch the
// continuation is re-submitted to the loop, so timers and other tasks get a
// turn before the next batch starts. [Map], [Filter] and [Range] are thin
// wrappers. [RunInOneTurn] returns the same deferred handle but runs every
// step inside a single task; it exists to demonstrate that an asynchronous
// looking API does not imply yielding.
//
// A [LagMonitor] schedules itself on the loop at a short fixed interval and
// compares each wake-up against the instant it expected to wake. Lag at or
// above the alert threshold produces a [LagAlert].
//
// # Execution Model
//
// Task ordering within each tick:
//  1. Expired timer callbacks (earliest deadline first)
//  2. Internal queue tasks ([Loop.SubmitInternal])
//  3. External queue tasks ([Loop.Submit]) present when the tick started
//
// Tasks submitted while a tick is running are picked up by the next tick,
// which is what makes [Loop.Submit] usable as a yield.
//
// # Usage
//
//	loop, err := yieldloop.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go loop.Run(context.Background())
//	defer loop.Shutdown(context.Background())
//
//	squares, err := yieldloop.Iterate(ctx, loop, 1000, func(i int) (int, error) {
//	    return i * i, nil
//	}, yieldloop.WithBatchSize(10)).Wait(ctx)
//
// # Error Types
//
//   - [ComputationError]: a work unit failed, carries the index
//   - [CancelledError]: cancellation observed at a yield point
//   - [RangeError]: invalid step count or batch size
//   - [PanicError]: wraps a recovered panic from a work unit
package yieldloop
