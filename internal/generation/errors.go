package generation

import "errors"

// Common errors returned by generation invokers.
var (
	// ErrGenerationFailed is returned when artifact generation fails for
	// any general reason.
	ErrGenerationFailed = errors.New("failed to generate artifact")

	// ErrInvalidResponse is returned when a model response cannot be
	// parsed or is malformed.
	ErrInvalidResponse = errors.New("invalid response from model")

	// ErrContentBlocked is returned when the model blocks the content due
	// to safety filters.
	ErrContentBlocked = errors.New("content blocked by model safety filters")

	// ErrCanceled is returned when the invocation was cancelled
	// cooperatively. The scheduler discards, rather than records, these.
	ErrCanceled = errors.New("generation cancelled")

	// ErrInvalidConfig is returned when the invoker configuration is invalid.
	ErrInvalidConfig = errors.New("invalid invoker configuration")

	// ErrTransientFailure is returned when a retryable failure persists
	// past the maximum retry attempts.
	ErrTransientFailure = errors.New("transient failure in generation")
)
