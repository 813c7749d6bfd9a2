package discovery

import "time"

const DefaultBackoffBase = time.Second

// Backoff computes the wait before the next automatic discovery attempt.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns a 1s base doubling up to DefaultMaxBackoff.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Max: DefaultMaxBackoff}
}

// Next returns the interval after the given number of consecutive failures:
// min(Base * 2^(failures-1), Max). Zero or negative failures yield Base.
func (b Backoff) Next(failures int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	limit := b.Max
	if limit < base {
		limit = base
	}
	if failures <= 1 {
		return base
	}

	interval := base
	for i := 1; i < failures; i++ {
		if interval > limit/2 {
			return limit
		}
		interval *= 2
	}
	return min(interval, limit)
}

// Reset returns the interval used after a successful discovery.
func (b Backoff) Reset() time.Duration {
	if b.Base <= 0 {
		return DefaultBackoffBase
	}
	return b.Base
}
