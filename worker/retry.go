package worker

import "time"

// RetryStrategy decides how long an abandoned work item stays invisible
// before the queue offers it again.
type RetryStrategy interface {
	// SleepDuration returns the redelivery delay after the given failed
	// attempt. Attempts count from zero.
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy makes abandoned items immediately claimable again.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(int, error) time.Duration { return 0 }

// ExponentialBackoffStrategy grows the redelivery delay by Factor per
// attempt, starting at Base and capped at Max. Zero or negative fields fall
// back to 500ms doubling up to 30s.
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	base := e.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	factor := e.Factor
	if factor < 1 {
		factor = 2
	}
	limit := e.Max
	if limit <= 0 {
		limit = 30 * time.Second
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * factor)
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}
