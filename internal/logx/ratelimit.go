package logx

import (
	"sync"

	"golang.org/x/time/rate"
)

// WarnLimiter rate-limits a single recurring warning site so a stale or
// misbehaving peer cannot flood the log — spec.md §7 calls out exactly two
// high-volume sites ("no stream for id" and "malformed packet discarded")
// that benefit from this.
type WarnLimiter struct {
	mu  sync.Mutex
	lim *rate.Limiter

	dropped int
}

// NewWarnLimiter returns a limiter allowing on average ratePerSecond calls
// per second, with a burst of burst.
func NewWarnLimiter(ratePerSecond float64, burst int) *WarnLimiter {
	return &WarnLimiter{lim: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Warnf logs format/args at warning level if the limiter's budget allows it;
// otherwise it silently counts the drop. The next successful call appends
// how many were suppressed since the last one actually logged.
func (w *WarnLimiter) Warnf(format string, args ...interface{}) {
	w.mu.Lock()
	allowed := w.lim.Allow()
	if !allowed {
		w.dropped++
		w.mu.Unlock()
		return
	}
	dropped := w.dropped
	w.dropped = 0
	w.mu.Unlock()

	if dropped > 0 {
		LogWarning(format+" (suppressed %d similar)", append(args, dropped)...)
		return
	}
	LogWarning(format, args...)
}
