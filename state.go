package yieldloop

import (
	"sync/atomic"
)

// LoopState is the lifecycle position of a [Loop]. States only move
// forward, except that Running and Sleeping alternate:
//
//	Awake → Running ⇄ Sleeping → Terminating → Terminated
//	Awake → Terminating → Terminated             (before Run, drained by the caller)
type LoopState uint64

const (
	StateAwake LoopState = iota
	StateRunning
	StateSleeping
	StateTerminating
	StateTerminated
)

var loopStateNames = [...]string{
	StateAwake:       "Awake",
	StateRunning:     "Running",
	StateSleeping:    "Sleeping",
	StateTerminating: "Terminating",
	StateTerminated:  "Terminated",
}

func (s LoopState) String() string {
	if s < LoopState(len(loopStateNames)) {
		return loopStateNames[s]
	}
	return "Unknown"
}

// Active reports whether Run is executing ticks, Running or Sleeping.
func (s LoopState) Active() bool {
	return s == StateRunning || s == StateSleeping
}

// FastState holds a [LoopState], changed by compare-and-swap so that the
// loop goroutine and Shutdown callers never race on a transition.
type FastState struct { // betteralign:ignore
	_ [64]byte //nolint:unused
	v atomic.Uint64
	_ [56]byte //nolint:unused
}

// NewFastState returns a FastState in StateAwake.
func NewFastState() *FastState {
	return new(FastState)
}

func (s *FastState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store sets the state unconditionally. Only Terminated may be stored, every
// other state is entered via TryTransition.
func (s *FastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition moves from to to, reporting false if the state was not from.
func (s *FastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}
