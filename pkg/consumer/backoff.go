package consumer

import (
	"math/rand"
	"time"
)

// backoff returns the delay before connect attempt n (1-based): exponential
// growth from base, capped at 64x, with up to a quarter of jitter so a fleet
// of consumers does not reconnect in lockstep.
func backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 6 {
		shift = 6
	}
	d := base << uint(shift)
	jitter := time.Duration(rand.Int63n(int64(d/4) + 1))
	return d + jitter
}
