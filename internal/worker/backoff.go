package worker

import "time"

// expJitter computes an exponential backoff with full jitter: the delay
// grows as base << (attempt-1) up to max, then a random fraction of it is
// taken so retrying items do not stampede the analyzer in lockstep.
// attempt >= 1, rnd() in [0,1).
func expJitter(attempt int, base, max time.Duration, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		d = max
	}
	return time.Duration(float64(d) * rnd())
}
