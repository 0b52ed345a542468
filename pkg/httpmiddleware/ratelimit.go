package httpmiddleware

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the per-client sliding window limiter.
type RateLimitConfig struct {
	// Max is the number of requests allowed per window.
	Max int
	// Window is the sliding window length.
	Window time.Duration
	// KeyFunc groups requests for limiting. Defaults to the client IP.
	KeyFunc func(*http.Request) string
}

// visitor counts hits across the current and previous wall-clock frames.
// Frames are Window-sized and globally aligned, so rotation is plain
// index arithmetic.
type visitor struct {
	frame int64
	curr  int
	prev  int
}

// roll advances the visitor to frame, shifting or clearing the counters.
func (v *visitor) roll(frame int64) {
	switch {
	case frame == v.frame:
	case frame == v.frame+1:
		v.prev, v.curr = v.curr, 0
		v.frame = frame
	default:
		v.prev, v.curr = 0, 0
		v.frame = frame
	}
}

type throttle struct {
	max    int
	window time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
}

// verdict is the outcome of counting one request against the limit.
type verdict struct {
	ok        bool
	remaining int
	reset     time.Time
}

// take counts one request for key at time now and decides whether it may
// proceed. The estimate weights the previous frame by how much of it the
// trailing window still covers, the usual sliding window approximation.
func (t *throttle) take(key string, now time.Time) verdict {
	span := int64(t.window)
	frame := now.UnixNano() / span

	t.mu.Lock()
	defer t.mu.Unlock()

	v := t.visitors[key]
	if v == nil {
		v = &visitor{frame: frame}
		t.visitors[key] = v
	}
	v.roll(frame)

	into := float64(now.UnixNano()-frame*span) / float64(span)
	used := float64(v.prev)*(1-into) + float64(v.curr)
	reset := time.Unix(0, (frame+1)*span)

	if used >= float64(t.max) {
		return verdict{reset: reset}
	}
	v.curr++

	left := int(float64(t.max) - used - 1)
	if left < 0 {
		left = 0
	}
	return verdict{ok: true, remaining: left, reset: reset}
}

// evict drops visitors idle for two full frames; their weight in any
// current estimate is zero.
func (t *throttle) evict(now time.Time) {
	frame := now.UnixNano() / int64(t.window)

	t.mu.Lock()
	defer t.mu.Unlock()
	for key, v := range t.visitors {
		if v.frame < frame-1 {
			delete(t.visitors, key)
		}
	}
}

func (t *throttle) janitor(ctx context.Context) {
	ticker := time.NewTicker(t.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.evict(now)
		}
	}
}

// RateLimit returns a middleware enforcing a sliding window request limit
// per client. Every response carries X-RateLimit-Limit, -Remaining and
// -Reset; a rejected request gets 429 with Retry-After and a JSON body.
// The eviction goroutine stops when ctx is cancelled.
func RateLimit(ctx context.Context, cfg RateLimitConfig) Middleware {
	key := cfg.KeyFunc
	if key == nil {
		key = clientAddr
	}
	t := &throttle{
		max:      cfg.Max,
		window:   cfg.Window,
		visitors: make(map[string]*visitor),
	}
	go t.janitor(ctx)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			vd := t.take(key(r), time.Now())

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(t.max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(vd.remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(vd.reset.Unix(), 10))

			if vd.ok {
				next.ServeHTTP(w, r)
				return
			}

			wait := int(math.Ceil(time.Until(vd.reset).Seconds()))
			if wait < 0 {
				wait = 0
			}
			h.Set("Retry-After", strconv.Itoa(wait))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":      "too many requests",
				"retryAfter": wait,
			})
		})
	}
}

// clientAddr picks the limiter key for a request: the first hop in
// X-Forwarded-For, then X-Real-IP, then the socket peer.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
