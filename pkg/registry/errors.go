package registry

import (
	"errors"
	"fmt"
)

// Common errors returned by the registry client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrNotFound is returned when the registry reports no such handle.
	ErrNotFound = errors.New("handle not found")
)

// ErrorClass classifies registry failures for retry decisions and
// observability.
type ErrorClass string

const (
	// ErrorClassCredential marks an unusable certificate or key. Fatal,
	// never retried.
	ErrorClassCredential ErrorClass = "credential"

	// ErrorClassConfig marks malformed pagination parameters caught
	// locally before any network call. Fatal, never retried.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassAuth marks a rejected session. Recoverable via one
	// re-authentication per failed request.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassNotFound marks a missing handle. Terminal for single
	// lookups, not an error during enumeration.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassTransient marks 5xx responses and network timeouts.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassParse marks an unexpected shape in a response body.
	// Retried like transient errors but logged distinctly, since it may
	// reflect a momentary server anomaly.
	ErrorClassParse ErrorClass = "parse"
)

// RegistryError carries the classification and HTTP context of a failed
// registry operation.
type RegistryError struct {
	Op         string
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *RegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registry %s: %s error (status %d): %s: %v",
			e.Op, e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("registry %s: %s error (status %d): %s",
		e.Op, e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RegistryError) Unwrap() error {
	return e.Err
}

// ClassOf extracts the error class from an error chain. Unclassified
// errors report as transient so the caller errs on the side of retrying.
func ClassOf(err error) ErrorClass {
	var re *RegistryError
	if errors.As(err, &re) {
		return re.Class
	}
	if errors.Is(err, ErrNotFound) {
		return ErrorClassNotFound
	}
	if err != nil {
		return ErrorClassTransient
	}
	return ""
}

// shouldRetry determines if an error class warrants a retry.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassTransient:
		return true
	case ErrorClassParse:
		// May be a momentary server anomaly.
		return true
	case ErrorClassAuth:
		// Auth is retried once after re-authentication, handled by the
		// caller rather than blind backoff.
		return false
	default:
		// credential, config, not_found: retrying cannot help.
		return false
	}
}

// IsRetryable reports whether an error may succeed on re-attempt.
func IsRetryable(err error) bool {
	return shouldRetry(ClassOf(err))
}
