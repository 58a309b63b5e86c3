package job

import "errors"

// Error kinds recorded on failed jobs. These are the stable vocabulary
// clients can branch on.
const (
	KindProviderError      = "provider_error"
	KindInvalidPayload     = "invalid_payload"
	KindInvalidCredentials = "invalid_credentials"
	KindTimeout            = "timeout"
	KindMaxRetriesExceeded = "max_retries_exceeded"
)

var (
	// ErrNotFound is returned when a job does not exist or its record
	// has passed the expiry horizon.
	ErrNotFound = errors.New("job not found")

	// ErrConflict is returned when creating a job whose ID already
	// exists. The submission layer retries with a fresh identifier.
	ErrConflict = errors.New("job already exists")

	// ErrInvalidTransition is returned when a status transition is
	// rejected because the job is already terminal. Workers treat this
	// as "someone else finished it" and skip execution.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError marks a malformed submission. Surfaced as HTTP 400
// and never enqueued.
type ValidationError struct {
	Reason string
}

func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// ConfigurationError marks a request that needs system-managed
// credentials when none are configured. Surfaced as HTTP 500.
type ConfigurationError struct {
	Reason string
}

func NewConfigurationError(reason string) *ConfigurationError {
	return &ConfigurationError{Reason: reason}
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// TransientError wraps failures worth retrying through queue
// redelivery: upstream rate limits, timeouts, network faults.
type TransientError struct {
	Err error
}

func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

func (e *TransientError) Error() string {
	return "transient error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError wraps deterministic failures that redelivery cannot
// fix: rejected input, invalid credentials, unsupported operations.
// Kind becomes the error kind on the failed job record.
type PermanentError struct {
	Kind string
	Err  error
}

func NewPermanentError(kind string, err error) error {
	return &PermanentError{Kind: kind, Err: err}
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err should be retried via redelivery.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
