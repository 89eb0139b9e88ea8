package fault

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config aggregates the handler's tunables.
type Config struct {
	RetryPolicy RetryPolicy    `json:"retry_policy"`
	Breaker     BreakerConfig  `json:"circuit_breaker"`
	DeadLetter  DLQConfig      `json:"dead_letter"`
	Reporting   ReporterConfig `json:"reporting"`

	// MaxTrackedErrors bounds the in-memory error registry.
	MaxTrackedErrors int `json:"max_tracked_errors"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RetryPolicy:      DefaultRetryPolicy(),
		Breaker:          DefaultBreakerConfig(),
		DeadLetter:       DefaultDLQConfig(),
		Reporting:        DefaultReporterConfig(),
		MaxTrackedErrors: 1000,
	}
}

// Handler is the error-handling front door: it classifies failures, runs
// operations behind circuit breakers with retry, parks exhausted failures in
// the dead-letter queue, and reports what it sees.
type Handler struct {
	policy   RetryPolicy
	Breakers *BreakerRegistry
	DLQ      *DeadLetterQueue
	Reporter *Reporter

	mu     sync.Mutex
	errors []*AutomationError
	counts map[ErrorType]int
	max    int

	rng    *rand.Rand
	logger zerolog.Logger
}

// NewHandler wires a handler from config.
func NewHandler(cfg Config, logger zerolog.Logger) *Handler {
	if cfg.MaxTrackedErrors <= 0 {
		cfg.MaxTrackedErrors = DefaultConfig().MaxTrackedErrors
	}
	policy := cfg.RetryPolicy
	if policy.InitialDelay == 0 && policy.MaxRetries == 0 && !policy.Enabled {
		policy = DefaultRetryPolicy()
	}
	return &Handler{
		policy:   policy,
		Breakers: NewBreakerRegistry(cfg.Breaker, logger),
		DLQ:      NewDeadLetterQueue(cfg.DeadLetter, logger),
		Reporter: NewReporter(cfg.Reporting, logger),
		counts:   make(map[ErrorType]int),
		max:      cfg.MaxTrackedErrors,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- retry jitter, not security
		logger:   logger.With().Str("component", "error_handler").Logger(),
	}
}

// Policy returns the handler's default retry policy.
func (h *Handler) Policy() RetryPolicy { return h.policy }

// Handle classifies, tracks, and reports a failure. It is the path for
// errors handled elsewhere that still need visibility.
func (h *Handler) Handle(err error, ectx ErrorContext) *AutomationError {
	ae := Classify(err, ectx)
	if ae == nil {
		return nil
	}
	h.track(ae)
	h.Reporter.Report(ae)
	return ae
}

// Execute runs op behind the component's circuit breaker with the handler's
// retry policy. Open-circuit fast-fails classify as service_unavailable and
// are not retried. When retries are exhausted the failure is dead-lettered
// and the returned error wraps ErrMaxRetriesExceeded.
func (h *Handler) Execute(ctx context.Context, component, operation string, op func(context.Context) error) error {
	return h.ExecuteWithPolicy(ctx, component, operation, h.policy, op)
}

// ExecuteWithPolicy is Execute with a caller-supplied retry policy.
func (h *Handler) ExecuteWithPolicy(ctx context.Context, component, operation string, policy RetryPolicy, op func(context.Context) error) error {
	ectx := ErrorContext{Component: component, Operation: operation}
	info := &RetryInfo{MaxRetries: policy.MaxRetries}

	for attempt := 0; ; attempt++ {
		err := h.Breakers.Execute(component, func() error { return op(ctx) })
		if err == nil {
			return nil
		}

		ae := Classify(err, ectx)
		ae.RetryInfo = info
		info.Attempts = attempt + 1
		h.track(ae)

		if ae.Type == ErrorServiceUnavailable && err == ErrCircuitOpen {
			// Fast-fail: the breaker is protecting a failing dependency.
			h.Reporter.Report(ae)
			return ae
		}

		if !policy.Retryable(ae.Type) {
			h.Reporter.Report(ae)
			h.DLQ.Enqueue(ae, func(c context.Context) error { return op(c) })
			return fmt.Errorf("%w: %s", ErrNotRetryable, ae.Error())
		}

		if attempt >= policy.MaxRetries {
			h.Reporter.Report(ae)
			h.DLQ.Enqueue(ae, func(c context.Context) error { return op(c) })
			return fmt.Errorf("%w after %d attempts: %s", ErrMaxRetriesExceeded, info.Attempts, ae.Error())
		}

		delay := policy.Delay(attempt+1, h.rng)
		info.Delays = append(info.Delays, delay)
		next := time.Now().Add(delay)
		info.NextRetry = &next

		h.logger.Debug().
			Str("operation", operation).
			Str("error_type", string(ae.Type)).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("retrying after failure")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Resolve marks a tracked error resolved.
func (h *Handler) Resolve(errorID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ae := range h.errors {
		if ae.ID == errorID {
			ae.Resolved = true
			return true
		}
	}
	return false
}

// Errors snapshots the tracked errors, newest last.
func (h *Handler) Errors() []*AutomationError {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*AutomationError, len(h.errors))
	copy(out, h.errors)
	return out
}

// Counts returns per-type error counts since start.
func (h *Handler) Counts() map[ErrorType]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[ErrorType]int, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}

func (h *Handler) track(ae *AutomationError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[ae.Type]++
	h.errors = append(h.errors, ae)
	if len(h.errors) > h.max {
		h.errors = h.errors[len(h.errors)-h.max:]
	}
}
