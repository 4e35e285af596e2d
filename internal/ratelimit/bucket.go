package ratelimit

import "time"

// Bucket is a token bucket whose costs may be fractional, so callers can
// price different kinds of work against one budget. A Bucket belongs to a
// single goroutine.
type Bucket struct {
	clock  Clock
	burst  float64
	rate   float64 // tokens per second
	tokens float64
	last   time.Time
}

// NewBucket returns a full bucket holding burst tokens and refilling at
// perSecond. A nil clock means wall time.
func NewBucket(clock Clock, burst, perSecond float64) *Bucket {
	if clock == nil {
		clock = RealClock{}
	}
	burst = max(burst, 0)
	return &Bucket{
		clock:  clock,
		burst:  burst,
		rate:   max(perSecond, 0),
		tokens: burst,
		last:   clock.Now(),
	}
}

// Take spends cost tokens and reports whether they were available. A failed
// Take spends nothing.
func (b *Bucket) Take(cost float64) bool {
	if cost <= 0 {
		return true
	}
	b.refill()
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// Available is the current balance, for logging.
func (b *Bucket) Available() float64 {
	b.refill()
	return b.tokens
}

func (b *Bucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last)
	b.last = now
	// A clock that steps backwards resets the reference point without credit.
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.burst, b.tokens+elapsed.Seconds()*b.rate)
}
