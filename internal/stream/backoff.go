package stream

import "time"

// Backoff yields exponentially growing delays from Base up to Max.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	current time.Duration
}

// Next returns the delay before the next attempt: Base first, then doubling.
func (b *Backoff) Next() time.Duration {
	switch {
	case b.current == 0:
		b.current = b.Base
	case b.current < b.Max:
		b.current *= 2
	}
	if b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}

// Reset returns the schedule to Base.
func (b *Backoff) Reset() {
	b.current = 0
}
