package hubclient

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// TieredBackOff is the automatic reconnect schedule: the first 3 attempts
// wait 2s, the next 2 wait 5s, every later attempt waits 10s. It never stops.
type TieredBackOff struct {
	attempt int
}

// NewTieredBackOff returns a policy starting at the first tier.
func NewTieredBackOff() backoff.BackOff {
	return &TieredBackOff{}
}

// NextBackOff implements backoff.BackOff.
func (b *TieredBackOff) NextBackOff() time.Duration {
	n := b.attempt
	b.attempt++
	switch {
	case n < 3:
		return 2 * time.Second
	case n < 5:
		return 5 * time.Second
	default:
		return 10 * time.Second
	}
}

// Reset implements backoff.BackOff.
func (b *TieredBackOff) Reset() {
	b.attempt = 0
}

var _ backoff.BackOff = (*TieredBackOff)(nil)
