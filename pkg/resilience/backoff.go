package resilience

import "time"

// Backoff returns min(base * 2^failures, max). failures <= 0 yields base.
func Backoff(base, max time.Duration, failures int) time.Duration {
	if base <= 0 {
		return 0
	}
	if max < base {
		max = base
	}
	if failures <= 0 {
		return base
	}
	delay := base
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	return delay
}
