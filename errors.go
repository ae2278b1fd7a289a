package yieldloop

import (
	"errors"
	"fmt"
)

var (
	// ErrLoopAlreadyRunning is returned when Run is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("yieldloop: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a terminated loop.
	ErrLoopTerminated = errors.New("yieldloop: loop has been terminated")

	// ErrLoopNotRunning reports that the loop has not been started.
	ErrLoopNotRunning = errors.New("yieldloop: loop is not running")

	// ErrLoopOverloaded is passed to [Loop.OnOverload] when the external
	// queue still holds tasks after the tick budget was spent.
	ErrLoopOverloaded = errors.New("yieldloop: loop is overloaded")

	// ErrReentrantRun is returned when Run is called from within the loop itself.
	ErrReentrantRun = errors.New("yieldloop: cannot call Run from within the loop")

	// ErrTimerNotFound is returned by [Loop.CancelTimer] for unknown,
	// already fired, or already cancelled timers.
	ErrTimerNotFound = errors.New("yieldloop: timer not found")

	// ErrMonitorStarted is returned by [LagMonitor.Start] if it was already started.
	ErrMonitorStarted = errors.New("yieldloop: lag monitor already started")

	// ErrMonitorStopped is returned by [LagMonitor.Start] after [LagMonitor.Stop].
	ErrMonitorStopped = errors.New("yieldloop: lag monitor stopped")
)

// ComputationError indicates that a work unit failed, either by returning
// an error or by panicking, in which case Cause is a [PanicError].
type ComputationError struct {
	Cause error
	Index int
}

// Error implements the error interface.
func (e *ComputationError) Error() string {
	return fmt.Sprintf("yieldloop: work unit %d failed: %v", e.Index, e.Cause)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *ComputationError) Unwrap() error {
	return e.Cause
}

// CancelledError indicates that cancellation was observed at a yield point.
// Yield is the number of yields that had completed when it was observed (0
// means before the first batch), and Completed the number of steps that had
// already run. Their results are discarded.
type CancelledError struct {
	Cause     error
	Yield     int
	Completed int
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	return fmt.Sprintf("yieldloop: cancelled at yield %d after %d steps: %v", e.Yield, e.Completed, e.Cause)
}

// Unwrap returns the cancellation cause, typically [context.Canceled] or
// [context.DeadlineExceeded].
func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// RangeError represents an argument outside its valid range.
type RangeError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *RangeError) Error() string {
	if e.Message == "" {
		return "yieldloop: range error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *RangeError) Unwrap() error {
	return e.Cause
}

// PanicError wraps a recovered panic value.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("yieldloop: panic: %v", e.Value)
}

// Unwrap returns the panic value if it is an error, otherwise nil.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
