package worker

import "time"

// ProcessOutcome classifies how one work item delivery ended.
type ProcessOutcome string

const (
	OutcomeCompleted ProcessOutcome = "completed"
	OutcomeAbandoned ProcessOutcome = "abandoned"
	OutcomeDropped   ProcessOutcome = "dropped"
)

// Metrics captures observability events for worker runtime behavior.
type Metrics interface {
	// RecordDispatchLag observes the time between enqueue and claim.
	RecordDispatchLag(kind string, lag time.Duration)
	// RecordProcessOutcome counts processed items by kind and outcome.
	RecordProcessOutcome(kind string, outcome ProcessOutcome)
	// RecordRetryAttempt observes the attempt count of an abandoned item.
	RecordRetryAttempt(kind string, attempt int)
}

type noopMetrics struct{}

func (noopMetrics) RecordDispatchLag(string, time.Duration)     {}
func (noopMetrics) RecordProcessOutcome(string, ProcessOutcome) {}
func (noopMetrics) RecordRetryAttempt(string, int)              {}
