package harvest

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRecorded is returned by dedup stores when a key already exists.
	ErrAlreadyRecorded = errors.New("dedup key already recorded")
	// ErrSkip lets a stage mark itself skipped without failing the item.
	ErrSkip = errors.New("stage skipped")
)

// ConfigError reports invalid configuration detected before the run starts.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigError from a formatted message.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// LockHeldError means another instance already owns the lock marker.
type LockHeldError struct {
	Path   string
	Holder string
}

func (e *LockHeldError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("lock %s is already held", e.Path)
	}
	return fmt.Sprintf("lock %s is already held by pid %s", e.Path, e.Holder)
}

// FetchKind classifies a fetch failure.
type FetchKind string

// Fetch failure kinds.
const (
	FetchTimeout          FetchKind = "timeout"
	FetchConnectionFailed FetchKind = "connection_failed"
	FetchHTTPStatus       FetchKind = "http_status"
	FetchExhaustedRetries FetchKind = "exhausted_retries"
	FetchDisallowed       FetchKind = "disallowed"
)

// FetchError is returned by the politeness controller.
type FetchError struct {
	Kind       FetchKind
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case FetchHTTPStatus:
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	case FetchExhaustedRetries:
		return fmt.Sprintf("fetch %s: exhausted %d attempts: %v", e.URL, e.Attempts, e.Err)
	default:
		if e.Err == nil {
			return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
		}
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case FetchTimeout, FetchConnectionFailed:
		return true
	case FetchHTTPStatus:
		return e.StatusCode >= 500
	default:
		return false
	}
}

// StageError is returned by a processing stage. Fatal errors stop the item.
type StageError struct {
	Stage string
	Fatal bool
	Err   error
}

func (e *StageError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("stage %s (%s): %v", e.Stage, kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Transient wraps err as a non-fatal stage failure.
func Transient(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// Fatal wraps err as a stage failure that ends the item's processing.
func Fatal(stage string, err error) error {
	return &StageError{Stage: stage, Fatal: true, Err: err}
}

// ServiceErrorKind classifies an external-service failure.
type ServiceErrorKind string

// External service failure kinds.
const (
	ServiceTimeout           ServiceErrorKind = "timeout"
	ServiceRateLimited       ServiceErrorKind = "rate_limited"
	ServiceUnavailable       ServiceErrorKind = "service_unavailable"
	ServiceMalformedResponse ServiceErrorKind = "malformed_response"
)

// ExternalServiceError is returned to stages by the coordinator and adapters.
type ExternalServiceError struct {
	Service string
	Kind    ServiceErrorKind
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("service %s: %s: %v", e.Service, e.Kind, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// IsServiceKind reports whether err is an ExternalServiceError of kind.
func IsServiceKind(err error, kind ServiceErrorKind) bool {
	var svcErr *ExternalServiceError
	return errors.As(err, &svcErr) && svcErr.Kind == kind
}
