// Package health serves Kubernetes-style liveness and readiness endpoints.
//
// All probes run from a single background loop. Each sweep evaluates every
// registered probe once and publishes an immutable report, which the HTTP
// handlers read through an atomic pointer without locking. A probe must fail
// three sweeps in a row before it flips its endpoint to 503, and a single
// passing sweep brings it back, so one slow dependency check never flaps the
// service out of rotation.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Probe reports on one component. A nil return means healthy.
type Probe func(ctx context.Context) error

// Streak lengths a probe must reach before its published state changes.
const (
	failuresToTrip  = 3
	passesToRecover = 1
)

// probe pairs a Probe with its streak state. After Start only the sweep
// loop touches the mutable fields.
type probe struct {
	name    string
	live    bool
	timeout time.Duration
	fn      Probe

	streak  int // >0 consecutive passes, <0 consecutive failures
	down    bool
	lastErr error
}

// observe folds one outcome into the streak state.
func (p *probe) observe(err error) {
	if err != nil {
		if p.streak > 0 {
			p.streak = 0
		}
		p.streak--
		p.lastErr = err
		if -p.streak >= failuresToTrip {
			p.down = true
		}
		return
	}
	if p.streak < 0 {
		p.streak = 0
	}
	p.streak++
	if p.streak >= passesToRecover {
		p.down = false
		p.lastErr = nil
	}
}

// report is the outcome of one sweep. Reports are never mutated after
// publication.
type report struct {
	live  map[string]string
	ready map[string]string
}

// Service evaluates registered probes and answers /livez and /readyz.
type Service struct {
	ready atomic.Bool
	state atomic.Pointer[report]

	mu     sync.Mutex
	probes []*probe
	stop   context.CancelFunc
}

// New returns a Service with no probes. It reports not ready until
// SetReady(true); probes count as passing until sweeps say otherwise.
func New() *Service {
	s := &Service{}
	s.state.Store(&report{})
	return s
}

// AddLive registers a liveness probe. Liveness failures mean the process
// itself is wedged and should be restarted.
func (s *Service) AddLive(name string, timeout time.Duration, fn Probe) {
	s.add(name, timeout, fn, true)
}

// AddReady registers a readiness probe. Readiness failures mean a
// dependency is unavailable and traffic should go elsewhere until it
// recovers.
func (s *Service) AddReady(name string, timeout time.Duration, fn Probe) {
	s.add(name, timeout, fn, false)
}

func (s *Service) add(name string, timeout time.Duration, fn Probe, live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes = append(s.probes, &probe{
		name:    name,
		live:    live,
		timeout: timeout,
		fn:      fn,
	})
}

// Start launches the sweep loop. Register every probe first; probes added
// after Start are not picked up.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.stop = cancel
	s.mu.Unlock()

	go s.loop(ctx, s.snapshot(), interval)
}

// Stop ends the sweep loop. Safe to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}

func (s *Service) snapshot() []*probe {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*probe, len(s.probes))
	copy(out, s.probes)
	return out
}

func (s *Service) loop(ctx context.Context, probes []*probe, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweep(ctx, probes)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx, probes)
		}
	}
}

// sweep runs every probe once, in registration order, and publishes a
// fresh report. The interval paces whole sweeps, not individual probes.
func (s *Service) sweep(ctx context.Context, probes []*probe) {
	rep := &report{
		live:  make(map[string]string),
		ready: make(map[string]string),
	}
	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, p.timeout)
		p.observe(p.fn(pctx))
		cancel()

		if !p.down {
			continue
		}
		msg := "probe failing"
		if p.lastErr != nil {
			msg = p.lastErr.Error()
		}
		if p.live {
			rep.live[p.name] = msg
		} else {
			rep.ready[p.name] = msg
		}
	}
	s.state.Store(rep)
}

// SetReady flips the manual readiness gate: true once startup finishes,
// false when shutdown begins so load balancers drain the instance first.
func (s *Service) SetReady(v bool) {
	s.ready.Store(v)
}

// IsReady reports whether /readyz would answer 200 right now.
func (s *Service) IsReady() bool {
	return s.ready.Load() && len(s.state.Load().ready) == 0
}

// LiveEndpoint answers liveness probes: 200 while every liveness probe is
// passing, 503 listing the failing ones otherwise.
func (s *Service) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeProbeStatus(w, s.state.Load().live)
}

// ReadyEndpoint answers readiness probes: 200 only once the service has
// been marked ready and every readiness probe is passing.
func (s *Service) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := s.state.Load().ready
	if !s.ready.Load() {
		merged := map[string]string{"startup": "server is not accepting traffic"}
		for name, msg := range failures {
			merged[name] = msg
		}
		failures = merged
	}
	writeProbeStatus(w, failures)
}

type statusBody struct {
	Status   string            `json:"status"`
	Failures map[string]string `json:"failures,omitempty"`
}

func writeProbeStatus(w http.ResponseWriter, failures map[string]string) {
	w.Header().Set("Content-Type", "application/json")

	body := statusBody{Status: "pass"}
	code := http.StatusOK
	if len(failures) > 0 {
		body = statusBody{Status: "fail", Failures: failures}
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
