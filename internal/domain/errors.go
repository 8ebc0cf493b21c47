package domain

import "errors"

// Error taxonomy per spec.md §7: validation errors never retry,
// provider-transient errors retry with backoff, provider-fatal and storage
// errors fail the job, cancellation short-circuits everything else.
var (
	ErrValidation        = errors.New("validation error")
	ErrProviderTransient = errors.New("provider transient error")
	ErrProviderFatal     = errors.New("provider fatal error")
	ErrStorage           = errors.New("storage error")
	ErrCanceled          = errors.New("job canceled")
	ErrNotFound          = errors.New("not found")
	ErrCheckpointPending = errors.New("checkpoint already pending")
)
