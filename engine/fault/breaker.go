package fault

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the per-component circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold uint32 `json:"failure_threshold"`

	// ResetTimeout is how long an open breaker waits before admitting
	// half-open probes.
	ResetTimeout time.Duration `json:"reset_timeout"`

	// MonitoringWindow is the cyclic period over which closed-state counts
	// are cleared.
	MonitoringWindow time.Duration `json:"monitoring_window"`

	// HalfOpenMaxCalls is the number of probe calls admitted in half-open;
	// that many successes close the breaker, any failure reopens it.
	HalfOpenMaxCalls uint32 `json:"half_open_max_calls"`
}

// DefaultBreakerConfig mirrors the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MonitoringWindow: time.Minute,
		HalfOpenMaxCalls: 3,
	}
}

// BreakerState is the reported state name, decoupled from gobreaker's own
// state type so API payloads stay stable.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerInfo is a point-in-time snapshot of one breaker.
type BreakerInfo struct {
	Component            string       `json:"component"`
	State                BreakerState `json:"state"`
	Requests             uint32       `json:"requests"`
	TotalFailures        uint32       `json:"total_failures"`
	TotalSuccesses       uint32       `json:"total_successes"`
	ConsecutiveFailures  uint32       `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32       `json:"consecutive_successes"`
	NextRetryTime        *time.Time   `json:"next_retry_time,omitempty"`
}

// BreakerRegistry lazily creates one circuit breaker per component key.
// Breakers are long-lived: they survive across executions and are never
// removed while the process runs.
type BreakerRegistry struct {
	mu       sync.RWMutex
	cfg      BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	openedAt map[string]time.Time
	logger   zerolog.Logger
}

// NewBreakerRegistry builds a registry with the given defaults.
func NewBreakerRegistry(cfg BreakerConfig, logger zerolog.Logger) *BreakerRegistry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = DefaultBreakerConfig().HalfOpenMaxCalls
	}
	return &BreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		openedAt: make(map[string]time.Time),
		logger:   logger.With().Str("component", "breaker").Logger(),
	}
}

// Execute runs fn behind the component's breaker. While the breaker is open
// the call short-circuits with ErrCircuitOpen without invoking fn.
func (r *BreakerRegistry) Execute(component string, fn func() error) error {
	cb := r.breaker(component)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns the reported state of the component's breaker. Components
// never seen before report closed.
func (r *BreakerRegistry) State(component string) BreakerState {
	r.mu.RLock()
	cb, ok := r.breakers[component]
	r.mu.RUnlock()
	if !ok {
		return BreakerClosed
	}
	return stateName(cb.State())
}

// Info snapshots one breaker.
func (r *BreakerRegistry) Info(component string) BreakerInfo {
	cb := r.breaker(component)
	counts := cb.Counts()
	info := BreakerInfo{
		Component:            component,
		State:                stateName(cb.State()),
		Requests:             counts.Requests,
		TotalFailures:        counts.TotalFailures,
		TotalSuccesses:       counts.TotalSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
	if info.State == BreakerOpen {
		r.mu.RLock()
		opened, ok := r.openedAt[component]
		r.mu.RUnlock()
		if ok {
			next := opened.Add(r.cfg.ResetTimeout)
			info.NextRetryTime = &next
		}
	}
	return info
}

// All snapshots every known breaker.
func (r *BreakerRegistry) All() []BreakerInfo {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	infos := make([]BreakerInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, r.Info(name))
	}
	return infos
}

func (r *BreakerRegistry) breaker(component string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[component]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[component]; ok {
		return cb
	}

	threshold := r.cfg.FailureThreshold
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        component,
		MaxRequests: r.cfg.HalfOpenMaxCalls,
		Interval:    r.cfg.MonitoringWindow,
		Timeout:     r.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.mu.Lock()
			if to == gobreaker.StateOpen {
				r.openedAt[name] = time.Now()
			} else {
				delete(r.openedAt, name)
			}
			r.mu.Unlock()
			r.logger.Warn().
				Str("breaker", name).
				Str("from", string(stateName(from))).
				Str("to", string(stateName(to))).
				Msg("circuit breaker state change")
		},
	})
	r.breakers[component] = cb
	return cb
}

func stateName(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}
