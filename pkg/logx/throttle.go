package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle gates repeated log lines per key.
//
// Each key gets its own token bucket refilled once per interval, so a
// misconfigured job that fails every minute logs its first few failures and
// then at most one line per interval.
type Throttle struct {
	mu    sync.Mutex
	every time.Duration
	burst int
	keys  map[string]*rate.Limiter
}

// NewThrottle returns a Throttle allowing burst lines immediately and then one
// line per every for each key.
func NewThrottle(every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: every, burst: burst, keys: map[string]*rate.Limiter{}}
}

// Allow reports whether a line for key may be emitted now.
// A nil Throttle always allows.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	lim := t.keys[key]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(t.every), t.burst)
		t.keys[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}

// Forget drops state for key (e.g. when a job is deleted).
func (t *Throttle) Forget(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.keys, key)
	t.mu.Unlock()
}
