package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysPass(context.Context) error { return nil }

func alwaysFail(msg string) Probe {
	return func(context.Context) error {
		return errors.New(msg)
	}
}

// sweepN drives n synchronous sweeps over the registered probes.
func sweepN(s *Service, n int) {
	probes := s.snapshot()
	for range n {
		s.sweep(context.Background(), probes)
	}
}

func getStatus(t *testing.T, handle http.HandlerFunc) (int, statusBody) {
	t.Helper()
	w := httptest.NewRecorder()
	handle(w, httptest.NewRequest(http.MethodGet, "/", nil))

	var body statusBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	return w.Code, body
}

func TestLiveEndpointPassing(t *testing.T) {
	s := New()
	s.AddLive("loop", time.Second, alwaysPass)
	s.AddLive("heap", time.Second, alwaysPass)
	sweepN(s, 1)

	code, body := getStatus(t, s.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pass", body.Status)
	assert.Empty(t, body.Failures)
}

func TestLiveEndpointNoProbes(t *testing.T) {
	code, body := getStatus(t, New().LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pass", body.Status)
}

func TestProbeTripsAfterThreeFailures(t *testing.T) {
	s := New()
	s.AddLive("loop", time.Second, alwaysFail("wedged"))

	sweepN(s, failuresToTrip-1)
	code, _ := getStatus(t, s.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code, "below the failure streak the probe still passes")

	sweepN(s, 1)
	code, body := getStatus(t, s.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "fail", body.Status)
	assert.Equal(t, "wedged", body.Failures["loop"])
}

func TestProbeRecoversAfterOnePass(t *testing.T) {
	broken := true
	s := New()
	s.AddLive("flaky", time.Second, func(context.Context) error {
		if broken {
			return errors.New("down")
		}
		return nil
	})

	sweepN(s, failuresToTrip)
	code, _ := getStatus(t, s.LiveEndpoint)
	require.Equal(t, http.StatusServiceUnavailable, code)

	broken = false
	sweepN(s, passesToRecover)
	code, body := getStatus(t, s.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, body.Failures)
}

func TestFailureStreakResetsOnPass(t *testing.T) {
	// fail, fail, pass, fail, fail: never three in a row.
	outcomes := []error{errors.New("a"), errors.New("b"), nil, errors.New("c"), errors.New("d")}
	i := 0
	s := New()
	s.AddLive("blippy", time.Second, func(context.Context) error {
		err := outcomes[i]
		i++
		return err
	})

	sweepN(s, len(outcomes))
	code, _ := getStatus(t, s.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code, "interleaved passes must keep the probe up")
}

func TestReadyEndpointGatedOnSetReady(t *testing.T) {
	s := New()
	s.AddReady("store", time.Second, alwaysPass)
	sweepN(s, 1)

	code, body := getStatus(t, s.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body.Failures, "startup")

	s.SetReady(true)
	code, body = getStatus(t, s.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pass", body.Status)

	// Draining flips it back without touching probe state.
	s.SetReady(false)
	code, _ = getStatus(t, s.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestReadyEndpointListsOnlyFailingProbes(t *testing.T) {
	s := New()
	s.AddReady("store", time.Second, alwaysPass)
	s.AddReady("upstream", time.Second, alwaysFail("connection refused"))
	s.SetReady(true)
	sweepN(s, failuresToTrip)

	code, body := getStatus(t, s.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "connection refused", body.Failures["upstream"])
	assert.NotContains(t, body.Failures, "store")
}

func TestLivenessAndReadinessAreSeparate(t *testing.T) {
	s := New()
	s.AddLive("loop", time.Second, alwaysPass)
	s.AddReady("upstream", time.Second, alwaysFail("timeout"))
	s.SetReady(true)
	sweepN(s, failuresToTrip)

	code, _ := getStatus(t, s.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code, "a readiness failure must not poison liveness")

	code, _ = getStatus(t, s.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestIsReady(t *testing.T) {
	s := New()
	s.AddReady("store", time.Second, alwaysFail("no route"))

	assert.False(t, s.IsReady(), "not ready before SetReady")

	s.SetReady(true)
	assert.True(t, s.IsReady(), "probe has not tripped yet")

	sweepN(s, failuresToTrip)
	assert.False(t, s.IsReady(), "tripped readiness probe")
}

func TestProbeTimeoutApplies(t *testing.T) {
	s := New()
	s.AddReady("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.SetReady(true)

	done := make(chan struct{})
	go func() {
		sweepN(s, failuresToTrip)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not respect the probe timeout")
	}
	assert.False(t, s.IsReady())
}

func TestStartStop(t *testing.T) {
	s := New()
	s.AddLive("loop", time.Second, alwaysPass)

	s.Start(context.Background(), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	code, _ := getStatus(t, s.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)

	s.Stop()
	s.Stop() // idempotent
}

func TestConcurrentReads(t *testing.T) {
	s := New()
	s.AddLive("loop", time.Second, alwaysFail("err"))
	s.AddReady("store", time.Second, alwaysPass)
	s.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, time.Millisecond)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				s.IsReady()
				w := httptest.NewRecorder()
				s.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
				w = httptest.NewRecorder()
				s.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()
	s.Stop()
}

func TestMaxGoroutines(t *testing.T) {
	assert.NoError(t, MaxGoroutines(1_000_000)(context.Background()))

	err := MaxGoroutines(0)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit 0")
}

func TestMaxGCPause(t *testing.T) {
	assert.NoError(t, MaxGCPause(time.Hour)(context.Background()))
}
