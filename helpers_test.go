package yieldloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/require"
)

// capturedEvent is a logiface event that records everything added to it.
type capturedEvent struct {
	logiface.UnimplementedEvent
	fields map[string]any
	msg    string
	level  logiface.Level
}

func (e *capturedEvent) Level() logiface.Level { return e.level }

func (e *capturedEvent) AddField(key string, val any) { e.fields[key] = val }

func (e *capturedEvent) AddMessage(msg string) bool {
	e.msg = msg
	return true
}

func (e *capturedEvent) AddError(err error) bool {
	e.fields["err"] = err
	return true
}

// logCapture collects log events, safe for concurrent use.
type logCapture struct {
	events []capturedEvent
	mu     sync.Mutex
}

func newCaptureLogger(level logiface.Level) (*logiface.Logger[logiface.Event], *logCapture) {
	c := &logCapture{}
	logger := logiface.New[*capturedEvent](
		logiface.WithEventFactory[*capturedEvent](logiface.NewEventFactoryFunc(func(level logiface.Level) *capturedEvent {
			return &capturedEvent{level: level, fields: make(map[string]any)}
		})),
		logiface.WithWriter[*capturedEvent](logiface.NewWriterFunc(func(event *capturedEvent) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.events = append(c.events, *event)
			return nil
		})),
		logiface.WithLevel[*capturedEvent](level),
	)
	return logger.Logger(), c
}

// messages returns the messages logged at level.
func (c *logCapture) messages(level logiface.Level) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.events {
		if e.level == level {
			out = append(out, e.msg)
		}
	}
	return out
}

func (c *logCapture) find(msg string) (capturedEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.msg == msg {
			return e, true
		}
	}
	return capturedEvent{}, false
}

// startLoop runs a new loop in the background, shutting it down on cleanup.
func startLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()
	loop, err := New(opts...)
	require.NoError(t, err)
	runLoop(t, loop)
	return loop
}

// runLoop runs loop in the background, shutting it down on cleanup.
func runLoop(t *testing.T, loop *Loop) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	waitActive(t, loop)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := loop.Shutdown(ctx); err != nil && !errors.Is(err, ErrLoopTerminated) {
			t.Errorf("shutdown: %v", err)
		}
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("loop did not stop")
		}
	})
}

// waitActive blocks until loop's Run has taken over, so that a later
// Shutdown stops the running loop rather than draining it in place.
func waitActive(t *testing.T, loop *Loop) {
	t.Helper()
	require.Eventually(t, func() bool {
		return loop.State().Active()
	}, 5*time.Second, time.Millisecond, "loop did not start")
}

// onLoop runs fn on the loop and waits for it.
func onLoop(t *testing.T, loop *Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, loop.Submit(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for loop")
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
