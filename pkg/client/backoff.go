package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newReconnectBackoff builds the reconnect delay schedule: the delay
// doubles from initial up to the max cap and never gives up. The
// randomization factor is zeroed so the schedule is exact; clients of a
// local socket gain nothing from jitter.
func newReconnectBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
