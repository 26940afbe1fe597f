package backoff

import (
	"math"
	"time"
)

// Policy computes exponential retry delays: Base * 2^(attempt-1), capped at Max.
// A zero Max means no ceiling; growth then saturates at the largest time.Duration.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the delay to wait before the given retry attempt (1-based).
// Attempts below 1 are treated as the first attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	limit := p.Max
	if limit <= 0 {
		limit = time.Duration(math.MaxInt64)
	}

	delay := p.Base
	for i := 1; i < attempt; i++ {
		if delay > limit/2 {
			return limit
		}
		delay *= 2
	}

	if delay > limit {
		return limit
	}
	return delay
}
