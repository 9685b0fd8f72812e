package blockio

import (
	"time"

	"golang.org/x/time/rate"
)

// Throttle is the "leak bucket" IOPS gate (spec §4.2): once the per-interval
// budget is exhausted, the caller is told to push the descriptor back to the
// available ring and arm a timer for when the bucket will next admit a
// request.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle creates a throttle admitting iopsLimit requests per second, in
// bursts of up to iopsLimit. A zero or negative limit disables throttling.
func NewThrottle(iopsLimit int) *Throttle {
	if iopsLimit <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(iopsLimit), iopsLimit)}
}

// Admit reports whether one request may be submitted now. If not, retryAfter
// is how long the caller should arm a timer-fd for before re-running the
// queue handler; at most one queued element is admitted per tick even when
// several become eligible simultaneously, mirroring the bucket's per-tick
// single-release semantics.
func (t *Throttle) Admit() (ok bool, retryAfter time.Duration) {
	r := t.limiter.Reserve()
	if !r.OK() {
		return false, 0
	}
	delay := r.Delay()
	if delay <= 0 {
		return true, 0
	}
	r.Cancel()
	return false, delay
}
