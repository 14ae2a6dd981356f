package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate-limits repeated log lines per key (e.g. per source name).
//
// A misbehaving source that fails every second would otherwise flood the log
// with identical warnings. Zero value is unusable; use NewThrottle.
type Throttle struct {
	mu    sync.Mutex
	every time.Duration
	burst int
	lims  map[string]*rate.Limiter
}

// NewThrottle allows burst lines per key, then one line every interval.
func NewThrottle(every time.Duration, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: every, burst: burst, lims: map[string]*rate.Limiter{}}
}

// Allow reports whether a line for key may be written now.
// A nil Throttle or a non-positive interval always allows.
func (t *Throttle) Allow(key string) bool {
	if t == nil || t.every <= 0 {
		return true
	}
	t.mu.Lock()
	lim := t.lims[key]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(t.every), t.burst)
		t.lims[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}

// Forget drops the limiter state for key.
func (t *Throttle) Forget(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.lims, key)
	t.mu.Unlock()
}
