package yieldloop

import (
	"context"
	"sync"
)

// PromiseState represents the lifecycle state of a [Promise].
// A promise starts in [Pending] and moves, once, to [Resolved] or [Rejected].
type PromiseState int

const (
	// Pending indicates the operation is still in progress.
	Pending PromiseState = iota

	// Resolved indicates the operation completed successfully with a value.
	Resolved

	// Rejected indicates the operation failed with an error.
	Rejected
)

// String returns a human-readable representation of the state.
func (s PromiseState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is the settled value of a [Promise].
type Outcome[T any] struct {
	Value T
	Err   error
}

// Promise is a read-only view of a value that will be available once the
// producing operation settles. Safe for concurrent use.
type Promise[T any] struct {
	done        chan struct{}
	outcome     Outcome[T]
	subscribers []chan Outcome[T]
	state       PromiseState
	mu          sync.Mutex
}

func newPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// State returns the current [PromiseState].
func (p *Promise[T]) State() PromiseState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Result returns the outcome if settled. While pending it returns the zero
// value and a nil error, use [Promise.State] or [Promise.Done] to tell.
func (p *Promise[T]) Result() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome.Value, p.outcome.Err
}

// Done returns a channel that is closed once the promise settles.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Await blocks until the promise settles or ctx is done.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// ToChannel returns a channel that receives the outcome once settled. The
// channel is buffered (capacity 1) and closed after sending.
func (p *Promise[T]) ToChannel() <-chan Outcome[T] {
	ch := make(chan Outcome[T], 1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Pending {
		ch <- p.outcome
		close(ch)
		return ch
	}

	p.subscribers = append(p.subscribers, ch)
	return ch
}

func (p *Promise[T]) resolve(value T) bool {
	return p.settle(Resolved, Outcome[T]{Value: value})
}

func (p *Promise[T]) reject(err error) bool {
	return p.settle(Rejected, Outcome[T]{Err: err})
}

func (p *Promise[T]) settle(state PromiseState, outcome Outcome[T]) bool {
	p.mu.Lock()
	if p.state != Pending {
		p.mu.Unlock()
		return false
	}
	p.state = state
	p.outcome = outcome
	subscribers := p.subscribers
	p.subscribers = nil
	close(p.done)
	p.mu.Unlock()

	for _, ch := range subscribers {
		ch <- outcome
		close(ch)
	}
	return true
}
