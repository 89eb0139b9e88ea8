package fault

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Classify converts an arbitrary error into an AutomationError. HTTP status
// codes map directly; otherwise the error chain and message select a type
// from the taxonomy, falling back to unknown. Already-classified errors pass
// through with their context filled in where empty.
func Classify(err error, ectx ErrorContext) *AutomationError {
	if err == nil {
		return nil
	}

	var ae *AutomationError
	if errors.As(err, &ae) {
		merged := *ae
		if merged.Context.Component == "" {
			merged.Context.Component = ectx.Component
		}
		if merged.Context.Operation == "" {
			merged.Context.Operation = ectx.Operation
		}
		if merged.Context.WorkflowID == "" {
			merged.Context.WorkflowID = ectx.WorkflowID
		}
		if merged.Context.ExecutionID == "" {
			merged.Context.ExecutionID = ectx.ExecutionID
		}
		if merged.Context.NodeID == "" {
			merged.Context.NodeID = ectx.NodeID
		}
		return &merged
	}

	return newAutomationError(typeOf(err), err.Error(), ectx, err)
}

// typeOf applies the deterministic classification rules.
func typeOf(err error) ErrorType {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return typeOfStatus(httpErr.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	if errors.Is(err, ErrCircuitOpen) {
		return ErrorServiceUnavailable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTimeout
		}
		return ErrorNetwork
	}

	return typeOfMessage(err.Error())
}

// typeOfStatus maps an HTTP status code onto the taxonomy.
func typeOfStatus(code int) ErrorType {
	switch code {
	case 400:
		return ErrorBadRequest
	case 401:
		return ErrorAuthentication
	case 403:
		return ErrorAuthorization
	case 404:
		return ErrorNotFound
	case 409:
		return ErrorConflict
	case 429:
		return ErrorRateLimit
	case 503:
		return ErrorServiceUnavailable
	}
	if code >= 500 {
		return ErrorInternalServer
	}
	if code >= 400 {
		return ErrorBadRequest
	}
	return ErrorUnknown
}

// typeOfMessage applies name/message heuristics, checked in a fixed order so
// classification stays deterministic for messages matching several rules.
func typeOfMessage(msg string) ErrorType {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "timeout"), strings.Contains(m, "timed out"), strings.Contains(m, "deadline exceeded"):
		return ErrorTimeout
	case strings.Contains(m, "connection refused"), strings.Contains(m, "no such host"),
		strings.Contains(m, "connection reset"), strings.Contains(m, "network"),
		strings.Contains(m, "broken pipe"):
		return ErrorNetwork
	case strings.Contains(m, "unauthorized"), strings.Contains(m, "authentication"),
		strings.Contains(m, "invalid credentials"), strings.Contains(m, "invalid token"):
		return ErrorAuthentication
	case strings.Contains(m, "forbidden"), strings.Contains(m, "permission denied"),
		strings.Contains(m, "access denied"):
		return ErrorAuthorization
	case strings.Contains(m, "rate limit"), strings.Contains(m, "too many requests"):
		return ErrorRateLimit
	case strings.Contains(m, "resource exhausted"), strings.Contains(m, "out of memory"),
		strings.Contains(m, "quota exceeded"):
		return ErrorResourceExhausted
	case strings.Contains(m, "service unavailable"), strings.Contains(m, "unavailable"):
		return ErrorServiceUnavailable
	case strings.Contains(m, "not found"), strings.Contains(m, "no such"):
		return ErrorNotFound
	case strings.Contains(m, "conflict"), strings.Contains(m, "already exists"),
		strings.Contains(m, "duplicate"):
		return ErrorConflict
	case strings.Contains(m, "validation"), strings.Contains(m, "invalid"),
		strings.Contains(m, "malformed"), strings.Contains(m, "required field"):
		return ErrorValidation
	default:
		return ErrorUnknown
	}
}
