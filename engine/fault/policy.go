package fault

import (
	"math"
	"math/rand"
	"time"
)

// Backoff selects how retry delays grow between attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
	BackoffJittered    Backoff = "jittered"
)

// RetryPolicy defines automatic retry behavior for transient failures.
//
// The same policy shape is used by the action executor, the workflow engine
// (error_handling = retry), and the error handler for generic operations.
type RetryPolicy struct {
	// Enabled gates the whole policy. A disabled policy never retries.
	Enabled bool `json:"enabled"`

	// MaxRetries is the number of re-attempts after the initial try.
	// Zero means no retries.
	MaxRetries int `json:"max_retries"`

	// Backoff selects the delay growth curve.
	Backoff Backoff `json:"backoff"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `json:"initial_delay"`

	// MaxDelay caps delay growth. Zero means no cap.
	MaxDelay time.Duration `json:"max_delay"`

	// Multiplier is the exponential growth factor. Defaults to 2.
	Multiplier float64 `json:"multiplier"`

	// Jitter is the random fraction (0..1) added on top of the computed
	// delay. Only the jittered curve applies a default (0.1) when unset.
	Jitter float64 `json:"jitter"`

	// RetryableErrors lists the error types eligible for retry. Empty means
	// the default retryable set.
	RetryableErrors []ErrorType `json:"retryable_errors,omitempty"`

	// NonRetryableErrors always win over RetryableErrors.
	NonRetryableErrors []ErrorType `json:"non_retryable_errors,omitempty"`
}

// DefaultRetryable is the retryable set applied when a policy lists none.
var DefaultRetryable = []ErrorType{
	ErrorNetwork,
	ErrorTimeout,
	ErrorRateLimit,
	ErrorServiceUnavailable,
	ErrorInternalServer,
}

// DefaultRetryPolicy returns the engine-wide default: 3 retries, exponential
// from 1s capped at 60s, multiplier 2, 10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:      true,
		MaxRetries:   3,
		Backoff:      BackoffExponential,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}
}

// Validate checks the policy configuration.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return ErrInvalidRetryPolicy
	}
	if p.MaxDelay > 0 && p.InitialDelay > 0 && p.MaxDelay < p.InitialDelay {
		return ErrInvalidRetryPolicy
	}
	switch p.Backoff {
	case "", BackoffFixed, BackoffLinear, BackoffExponential, BackoffJittered:
		return nil
	default:
		return ErrInvalidRetryPolicy
	}
}

// Retryable reports whether the classified error is eligible under this
// policy. Non-retryable listings always win.
func (p RetryPolicy) Retryable(t ErrorType) bool {
	if !p.Enabled || p.MaxRetries <= 0 {
		return false
	}
	for _, nt := range p.NonRetryableErrors {
		if nt == t {
			return false
		}
	}
	allowed := p.RetryableErrors
	if len(allowed) == 0 {
		allowed = DefaultRetryable
	}
	for _, rt := range allowed {
		if rt == t {
			return true
		}
	}
	return false
}

// Delay computes the wait before the given retry. attempt is 1-based: the
// first retry is attempt 1.
//
// Curves with initial=1s, multiplier=2, max=10s:
//
//	fixed:       1s, 1s, 1s, ...
//	linear:      1s, 2s, 3s, ...
//	exponential: 1s, 2s, 4s, 8s, 10s, 10s, ...
//
// The jittered curve is exponential plus a random fraction of the computed
// delay, which spreads synchronized retries apart.
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}

	var d time.Duration
	switch p.Backoff {
	case BackoffFixed:
		d = p.InitialDelay
	case BackoffLinear:
		d = time.Duration(float64(p.InitialDelay) * float64(attempt))
	default: // exponential and jittered
		d = time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	jitter := p.Jitter
	if p.Backoff == BackoffJittered && jitter <= 0 {
		jitter = 0.1
	}
	if jitter > 0 && d > 0 {
		span := int64(float64(d) * jitter)
		if span > 0 {
			if rng != nil {
				d += time.Duration(rng.Int63n(span))
			} else {
				d += time.Duration(rand.Int63n(span)) // #nosec G404 -- jitter for retry timing, not security
			}
		}
	}
	return d
}
