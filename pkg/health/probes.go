package health

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/go-faster/errors"
)

// MaxGoroutines probes for goroutine leaks. It fails while the process
// runs more than limit goroutines.
func MaxGoroutines(limit int) Probe {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > limit {
			return errors.Errorf("%d goroutines running, limit %d", n, limit)
		}
		return nil
	}
}

// MaxGCPause probes stop-the-world pause times, a proxy for heap
// pressure. It fails when any collection finished within the trailing
// minute paused longer than limit.
func MaxGCPause(limit time.Duration) Probe {
	return func(context.Context) error {
		var st debug.GCStats
		debug.ReadGCStats(&st)

		// Pause and PauseEnd are ordered most recent first.
		cutoff := time.Now().Add(-time.Minute)
		for i, end := range st.PauseEnd {
			if end.Before(cutoff) {
				break
			}
			if st.Pause[i] > limit {
				return errors.Errorf("gc pause %s over limit %s", st.Pause[i], limit)
			}
		}
		return nil
	}
}
