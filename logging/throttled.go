package logging

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttled rate-limits warnings emitted on hot paths (per-slot failures).
// Suppressed messages are counted and reported with the next one that passes.
type Throttled struct {
	log        *Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewThrottled allows at most burst messages, refilled once per interval.
func NewThrottled(log *Logger, interval time.Duration, burst int) *Throttled {
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{
		log:     log,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
}

// Warnf logs the warning if the limiter allows it.
func (t *Throttled) Warnf(format string, args ...any) {
	if t == nil || t.log == nil {
		return
	}
	if !t.limiter.Allow() {
		t.suppressed.Add(1)
		return
	}
	if n := t.suppressed.Swap(0); n > 0 {
		t.log.With("suppressed", n).Warnf(format, args...)
		return
	}
	t.log.Warnf(format, args...)
}

// Suppressed returns the number of messages dropped since the last emitted one.
func (t *Throttled) Suppressed() int64 {
	return t.suppressed.Load()
}
