package fetch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Throttle caps a transfer at a byte rate. The bucket holds a tenth of a
// second worth of bytes, so any one-second window carries at most
// limit + limit/10 bytes. It is safe for concurrent use and can be
// retuned while a transfer is running.
type Throttle struct {
	mu      sync.RWMutex
	limit   int64
	limiter *rate.Limiter
}

// NewThrottle creates a throttle, limit <= 0 meaning unlimited
func NewThrottle(limit int64) *Throttle {
	t := &Throttle{limiter: rate.NewLimiter(rate.Inf, 1)}
	t.SetLimit(limit)
	return t
}

// Limit returns the current cap in bytes per second, 0 when unlimited
func (t *Throttle) Limit() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limit
}

// SetLimit changes the cap
func (t *Throttle) SetLimit(limit int64) {
	if limit < 0 {
		limit = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.limit = limit
	if limit == 0 {
		t.limiter.SetLimit(rate.Inf)
		return
	}
	t.limiter.SetBurst(burstFor(limit))
	t.limiter.SetLimit(rate.Limit(limit))
}

// WaitN blocks until n bytes may pass
func (t *Throttle) WaitN(ctx context.Context, n int) error {
	for n > 0 {
		t.mu.RLock()
		unlimited := t.limit == 0
		burst := t.limiter.Burst()
		t.mu.RUnlock()

		if unlimited {
			return ctx.Err()
		}

		step := n
		if step > burst {
			step = burst
		}
		if err := t.limiter.WaitN(ctx, step); err != nil {
			if ctx.Err() == nil && step > t.limiter.Burst() {
				// burst shrank under us
				continue
			}
			return err
		}
		n -= step
	}
	return nil
}

func burstFor(limit int64) int {
	burst := limit / 10
	if burst < 1 {
		burst = 1
	}
	return int(burst)
}
