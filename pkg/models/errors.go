package models

import "errors"

// Core error taxonomy. The API layer maps these onto HTTP statuses; the
// matcher uses them to decide between retry and dead-letter. Wrap with
// fmt.Errorf("%w: ...") and classify with errors.Is.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrInvalid   = errors.New("invalid")
	ErrRetryable = errors.New("retryable")
	ErrFatal     = errors.New("fatal") // core invariant violated
)
