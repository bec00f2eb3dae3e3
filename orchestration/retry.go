package orchestration

import (
	"errors"
	"math"
	"time"
)

// RetryPolicy drives durable activity retries. Delays run through durable
// timers, so retries survive worker crashes like any other wake-up.
type RetryPolicy struct {
	// MaxAttempts caps total attempts, the first one included.
	MaxAttempts int
	// InitialInterval is the delay before the second attempt.
	InitialInterval time.Duration
	// BackoffCoefficient multiplies the delay per attempt. 1 keeps it flat.
	BackoffCoefficient float64
	// MaxInterval caps the per-attempt delay. Zero means uncapped.
	MaxInterval time.Duration
}

// NoDelay retries immediately up to maxAttempts.
func NoDelay(maxAttempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:        maxAttempts,
		InitialInterval:    0,
		BackoffCoefficient: 1,
	}
}

// ExponentialBackoff doubles the delay per attempt starting at initial.
func ExponentialBackoff(maxAttempts int, initial time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:        maxAttempts,
		InitialInterval:    initial,
		BackoffCoefficient: 2,
	}
}

// Validate rejects policies the engine cannot run with.
func (p *RetryPolicy) Validate() error {
	if p == nil {
		return nil
	}
	if p.MaxAttempts < 1 {
		return errors.New("retry policy requires at least one attempt")
	}
	if p.InitialInterval < 0 {
		return errors.New("retry policy initial interval must not be negative")
	}
	if p.BackoffCoefficient < 1 {
		return errors.New("retry policy backoff coefficient must be at least 1")
	}
	if p.MaxInterval < 0 {
		return errors.New("retry policy max interval must not be negative")
	}
	return nil
}

func (p *RetryPolicy) nextDelay(attempt int) time.Duration {
	delay := time.Duration(float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt)))
	if p.MaxInterval > 0 && delay > p.MaxInterval {
		delay = p.MaxInterval
	}
	return delay
}

// scheduleWithRetries wraps a schedule function so a failed Await re-runs it
// after a durable timer delay, up to the policy's attempt cap. Cancellation
// is never retried.
func (ctx *Context) scheduleWithRetries(schedule func() Task, policy RetryPolicy, attempt int) Task {
	return &taskWrapper{
		delegate: schedule(),
		onAwaitResult: func(v any, err error) error {
			if err == nil || errors.Is(err, ErrTaskCanceled) {
				return err
			}
			if attempt+1 >= policy.MaxAttempts {
				return err
			}
			if delay := policy.nextDelay(attempt); delay > 0 {
				if timerErr := ctx.createTimerInternal(delay).Await(nil); timerErr != nil {
					return errors.Join(timerErr, err)
				}
			}
			return ctx.scheduleWithRetries(schedule, policy, attempt+1).Await(v)
		},
	}
}
