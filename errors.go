package durable

import (
	stderrors "errors"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeReplayMismatch     = "DUR_REPLAY_MISMATCH"
	ErrCodeAppendConflict     = "DUR_APPEND_CONFLICT"
	ErrCodeVersionConflict    = "DUR_VERSION_CONFLICT"
	ErrCodeInstanceNotFound   = "DUR_INSTANCE_NOT_FOUND"
	ErrCodeInstanceExists     = "DUR_INSTANCE_EXISTS"
	ErrCodeTaskFailed         = "DUR_TASK_FAILED"
	ErrCodeInstanceTerminated = "DUR_INSTANCE_TERMINATED"
	ErrCodeNotRegistered      = "DUR_NOT_REGISTERED"
)

var (
	// ErrReplayMismatch is fatal: replay reached a different awaitable than
	// the event log records. The instance is failed, never retried.
	ErrReplayMismatch = apperrors.New("replay mismatch", apperrors.CategoryHandler).
				WithTextCode(ErrCodeReplayMismatch)

	// ErrAppendConflict is internal to the event store; the worker re-reads
	// the latest sequence number and retries the append.
	ErrAppendConflict = apperrors.New("concurrent append conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeAppendConflict)

	// ErrVersionConflict indicates an optimistic compare-and-set failure on
	// entity state.
	ErrVersionConflict = apperrors.New("entity version conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeVersionConflict)

	ErrInstanceNotFound = apperrors.New("orchestration instance not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInstanceNotFound)

	ErrInstanceExists = apperrors.New("orchestration instance already exists", apperrors.CategoryConflict).
				WithTextCode(ErrCodeInstanceExists)

	ErrInstanceTerminated = apperrors.New("orchestration instance terminated", apperrors.CategoryConflict).
				WithTextCode(ErrCodeInstanceTerminated)

	ErrNotRegistered = apperrors.New("function not registered", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeNotRegistered)
)

// ErrorCode extracts the taxonomy text code from err, or "".
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsReplayMismatch reports whether err carries the fatal replay code.
func IsReplayMismatch(err error) bool {
	return ErrorCode(err) == ErrCodeReplayMismatch
}

// IsAppendConflict reports whether err is a retryable store append conflict.
func IsAppendConflict(err error) bool {
	return ErrorCode(err) == ErrCodeAppendConflict
}

// IsVersionConflict reports whether err is an entity CAS failure.
func IsVersionConflict(err error) bool {
	return ErrorCode(err) == ErrCodeVersionConflict
}

// WrapError attaches a message and category to a source error.
func WrapError(base *apperrors.Error, message string, source error) *apperrors.Error {
	if base == nil {
		base = apperrors.New("internal error", apperrors.CategoryHandler)
	}
	err := base.Clone()
	if message != "" {
		err.Message = message
	}
	if source != nil {
		err.Source = source
	}
	return err
}
