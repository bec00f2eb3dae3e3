package cron

import (
	"time"

	durable "github.com/goliatone/go-durable"
)

// Option defines the functional option type for Scheduler.
type Option func(*Scheduler)

// WithLocation sets the timezone location for the scheduler.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithLogger sets a custom logger for the scheduler.
func WithLogger(logger durable.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithErrorHandler sets a custom error handler for failed jobs.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		if handler != nil {
			s.errorHandler = handler
		}
	}
}

// WithSeconds enables the six-field cron syntax with a seconds column.
func WithSeconds() Option {
	return func(s *Scheduler) {
		s.withSeconds = true
	}
}
