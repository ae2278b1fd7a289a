package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/joeycumines/go-yieldloop"
	"github.com/joeycumines/go-yieldloop/internal/primes"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSeed  = 1234
	testScale = 1000
)

func newTestServer(t *testing.T) (*Server, *yieldloop.Loop) {
	t.Helper()
	loop, err := yieldloop.New(yieldloop.WithMetrics(true))
	require.NoError(t, err)
	monitor, err := yieldloop.NewLagMonitor(loop)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		return loop.State().Active()
	}, 5*time.Second, time.Millisecond, "loop did not start")
	require.NoError(t, monitor.Start())
	t.Cleanup(func() {
		_ = monitor.Stop()
		_ = loop.Shutdown(context.Background())
		<-done
	})

	srv, err := New(Config{
		Loop:    loop,
		Monitor: monitor,
		Scale:   testScale,
		Seed:    func() uint64 { return testSeed },
	})
	require.NoError(t, err)
	return srv, loop
}

func get(t *testing.T, h http.Handler, target string) (int, map[string]any) {
	t.Helper()
	return getCtx(t, h, context.Background(), target)
}

func getCtx(t *testing.T, h http.Handler, ctx context.Context, target string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	return rec.Code, body
}

func TestNew_RequiresLoop(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	code, body := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.IsType(t, float64(0), body["loopDelayMs"])
}

func TestHealthz_LoopNotRunning(t *testing.T) {
	loop, err := yieldloop.New()
	require.NoError(t, err)
	defer loop.Close()
	srv, err := New(Config{Loop: loop})
	require.NoError(t, err)

	code, body := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, yieldloop.ErrLoopNotRunning.Error(), body["error"])
}

func TestSleep(t *testing.T) {
	srv, _ := newTestServer(t)

	start := time.Now()
	code, body := get(t, srv, "/sleep/20")
	assert.Equal(t, http.StatusOK, code)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, "20ms", body["duration slept in background"])
	assert.Equal(t, 20.0, body["durationMs"])

	code, body = get(t, srv, "/sleep/15ms")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "15ms", body["duration slept in background"])

	for _, v := range []string{"abc", "-5", "-1s"} {
		code, body = get(t, srv, "/sleep/"+v)
		assert.Equal(t, http.StatusBadRequest, code, v)
		assert.Contains(t, body["error"], "invalid duration")
	}
}

func TestSleep_Cancelled(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	code, _ := getCtx(t, srv, ctx, "/sleep/10s")
	assert.Equal(t, StatusClientClosedRequest, code)
}

func TestPrimes_Variants(t *testing.T) {
	const n = 200
	want := len(primes.NewSearchScale(testSeed, testScale).Find(n))

	for _, tc := range []struct {
		target string
		yields float64
	}{
		{target: "/primes/blocking/200", yields: 0},
		{target: "/primes/oneturn/200", yields: 0},
		{target: "/primes/yielding/200", yields: 200},
		{target: "/primes/batched/200", yields: 2},
		{target: "/primes/batched/200?batch=50", yields: 4},
		{target: "/primes/timer/200", yields: 200},
		{target: "/primes/filter/200", yields: 400},
	} {
		t.Run(tc.target, func(t *testing.T) {
			srv, _ := newTestServer(t)
			code, body := get(t, srv, tc.target)
			require.Equal(t, http.StatusOK, code, body)
			assert.Equal(t, float64(want), body["found"])
			assert.Equal(t, float64(n), body["iterations"])
			assert.Equal(t, tc.yields, body["yields"])
			assert.Regexp(t, fmt.Sprintf(`^found %d prime numbers in \d+ milliseconds$`, want), body["message"])
		})
	}
}

func TestPrimes_ZeroIterations(t *testing.T) {
	srv, _ := newTestServer(t)
	code, body := get(t, srv, "/primes/yielding/0")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.0, body["found"])
	assert.Equal(t, 0.0, body["yields"])
}

func TestPrimes_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	for target, want := range map[string]int{
		"/primes/quantum/10":           http.StatusNotFound,
		"/primes/yielding/ten":         http.StatusBadRequest,
		"/primes/yielding/-1":          http.StatusBadRequest,
		"/primes/yielding/99999999999": http.StatusBadRequest,
		"/primes/batched/10?batch=0":   http.StatusBadRequest,
		"/primes/batched/10?batch=x":   http.StatusBadRequest,
	} {
		code, body := get(t, srv, target)
		assert.Equal(t, want, code, target)
		assert.NotEmpty(t, body["error"], target)
	}
}

func TestPrimes_ClientGone(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code, _ := getCtx(t, srv, ctx, "/primes/yielding/1000")
	assert.Equal(t, StatusClientClosedRequest, code)
}

func TestPrimes_LoopTerminated(t *testing.T) {
	srv, loop := newTestServer(t)
	require.NoError(t, loop.Shutdown(context.Background()))
	for _, v := range []string{"blocking", "yielding", "filter"} {
		code, _ := get(t, srv, "/primes/"+v+"/10")
		assert.Equal(t, http.StatusServiceUnavailable, code, v)
	}
}

func TestMetrics(t *testing.T) {
	srv, _ := newTestServer(t)
	code, _ := get(t, srv, "/primes/yielding/50")
	require.Equal(t, http.StatusOK, code)

	code, body := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, code)

	loopStats, ok := body["loop"].(map[string]any)
	require.True(t, ok, body)
	assert.Contains(t, []any{"Running", "Sleeping"}, loopStats["state"])
	assert.GreaterOrEqual(t, loopStats["tasksRun"], 50.0)
	wait, ok := loopStats["queueWait"].(map[string]any)
	require.True(t, ok)
	assert.Greater(t, wait["count"], 0.0)

	lag, ok := body["lag"].(map[string]any)
	require.True(t, ok, body)
	assert.Contains(t, lag, "p99Ms")
}

func TestErrorBodies(t *testing.T) {
	srv, _ := newTestServer(t)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for name, target := range map[string]string{
		"unknown_variant": "/primes/quantum/10",
		"bad_iterations":  "/primes/yielding/ten",
		"bad_batch":       "/primes/batched/10?batch=0",
		"bad_sleep":       "/sleep/abc",
		"negative_sleep":  "/sleep/-5",
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
			g.Assert(t, name, rec.Body.Bytes())
		})
	}

	loop, err := yieldloop.New()
	require.NoError(t, err)
	idle, err := New(Config{Loop: loop})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	idle.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	g.Assert(t, "loop_not_running", rec.Body.Bytes())

	require.NoError(t, loop.Close())
	rec = httptest.NewRecorder()
	idle.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/primes/blocking/10", nil))
	g.Assert(t, "terminated_loop", rec.Body.Bytes())
}

func TestRequestID(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	id, err := uuid.Parse(rec.Header().Get(RequestIDHeader))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "client-supplied")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, "client-supplied", rec.Header().Get(RequestIDHeader))
}

func TestParseSleep(t *testing.T) {
	for v, want := range map[string]time.Duration{
		"0":     0,
		"250":   250 * time.Millisecond,
		"1.5s":  1500 * time.Millisecond,
		"100ms": 100 * time.Millisecond,
	} {
		d, err := parseSleep(v)
		require.NoError(t, err, v)
		assert.Equal(t, want, d, v)
	}

	d, err := parseSleep("9223372036854")
	require.NoError(t, err)
	assert.Equal(t, 9223372036854*time.Millisecond, d)

	// would wrap around when converted to a duration
	for _, v := range []string{"9223372036855", "18446744073710", "9223372036854775807"} {
		_, err := parseSleep(v)
		assert.EqualError(t, err, fmt.Sprintf("invalid duration %q: too large", v), v)
	}
}

func TestObject(t *testing.T) {
	o := newObject().
		str("a", `q"uote`).
		int("n", -3).
		open("inner").
		millis("ms", 1500*time.Microsecond).
		close().
		float("f", 0.25)
	assert.JSONEq(t, `{"a":"q\"uote","n":-3,"inner":{"ms":1.5},"f":0.25}`, string(o.bytes()))
	assert.Equal(t, `{"x":{}}`, string(newObject().open("x").bytes()))
}
