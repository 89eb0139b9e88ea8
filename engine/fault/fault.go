// Package fault classifies failures, schedules retries, drives circuit
// breakers, and maintains the dead-letter queue for operations whose retries
// were exhausted.
package fault

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrorType is the classified kind of a failure. Classification is
// deterministic: the same error in the same context always yields the same
// type.
type ErrorType string

const (
	ErrorNetwork            ErrorType = "network"
	ErrorTimeout            ErrorType = "timeout"
	ErrorAuthentication     ErrorType = "authentication"
	ErrorAuthorization      ErrorType = "authorization"
	ErrorValidation         ErrorType = "validation"
	ErrorRateLimit          ErrorType = "rate_limit"
	ErrorResourceExhausted  ErrorType = "resource_exhausted"
	ErrorServiceUnavailable ErrorType = "service_unavailable"
	ErrorInternalServer     ErrorType = "internal_server"
	ErrorBadRequest         ErrorType = "bad_request"
	ErrorNotFound           ErrorType = "not_found"
	ErrorConflict           ErrorType = "conflict"
	ErrorUnknown            ErrorType = "unknown"
)

// Severity ranks an error for reporting and alerting.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for threshold comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above the given threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.rank() >= threshold.rank()
}

// SeverityFor derives the severity of an error type.
func SeverityFor(t ErrorType) Severity {
	switch t {
	case ErrorInternalServer, ErrorResourceExhausted:
		return SeverityCritical
	case ErrorServiceUnavailable, ErrorAuthentication, ErrorAuthorization:
		return SeverityHigh
	case ErrorNetwork, ErrorTimeout, ErrorRateLimit:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ErrorContext locates a failure within the system.
type ErrorContext struct {
	WorkflowID  string `json:"workflow_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
	Component   string `json:"component,omitempty"`
	Operation   string `json:"operation,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// RetryInfo records the retry schedule that was applied to an error.
type RetryInfo struct {
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	Delays     []time.Duration `json:"delays"`
	NextRetry  *time.Time      `json:"next_retry,omitempty"`
}

// AutomationError is the classified form of a failure. Created once; the
// only mutation thereafter is resolution.
type AutomationError struct {
	ID        string       `json:"id"`
	Type      ErrorType    `json:"type"`
	Severity  Severity     `json:"severity"`
	Message   string       `json:"message"`
	Context   ErrorContext `json:"context"`
	RetryInfo *RetryInfo   `json:"retry_info,omitempty"`
	Resolved  bool         `json:"resolved"`
	Tags      []string     `json:"tags,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	cause     error
}

// Error implements the error interface with the classified type prefix.
func (e *AutomationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the original error for errors.Is/As chains.
func (e *AutomationError) Unwrap() error { return e.cause }

func newAutomationError(t ErrorType, msg string, ectx ErrorContext, cause error) *AutomationError {
	return &AutomationError{
		ID:        "err_" + uuid.NewString(),
		Type:      t,
		Severity:  SeverityFor(t),
		Message:   msg,
		Context:   ectx,
		CreatedAt: time.Now(),
		cause:     cause,
	}
}

// Sentinel errors returned by this package.
var (
	// ErrCircuitOpen is returned when a circuit breaker short-circuits a
	// call. Callers classify it as service_unavailable and must not retry.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrMaxRetriesExceeded indicates the retry budget is spent and the
	// failure has been moved to the dead-letter queue.
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// ErrNotRetryable indicates the error type is gated out by the policy's
	// retryable/non-retryable lists.
	ErrNotRetryable = errors.New("error is not retryable")

	// ErrDeadLetterNotFound is returned when requeueing an unknown item.
	ErrDeadLetterNotFound = errors.New("dead letter item not found")

	// ErrInvalidRetryPolicy indicates a misconfigured retry policy.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
)

// HTTPError carries an HTTP status for deterministic classification.
type HTTPError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}
