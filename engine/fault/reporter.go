package fault

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReporterConfig tunes error reporting.
type ReporterConfig struct {
	// SeverityThreshold drops reports below this severity.
	SeverityThreshold Severity `json:"severity_threshold"`

	// RateLimit caps reports per key inside Window; extra reports in the
	// window are dropped, not queued.
	RateLimit int           `json:"rate_limit"`
	Window    time.Duration `json:"window"`
}

// DefaultReporterConfig returns the documented defaults.
func DefaultReporterConfig() ReporterConfig {
	return ReporterConfig{
		SeverityThreshold: SeverityLow,
		RateLimit:         10,
		Window:            time.Minute,
	}
}

// ReportHook receives every admitted report. Hooks must not block.
type ReportHook func(*AutomationError)

// Reporter logs classified errors and fans them out to hooks, applying the
// severity threshold and a per-key fixed window rate limit. The key is
// component plus error type, so one noisy component cannot silence others.
type Reporter struct {
	cfg    ReporterConfig
	logger zerolog.Logger

	mu      sync.Mutex
	windows map[string]*reportWindow
	hooks   []ReportHook
	dropped int64
	now     func() time.Time
}

type reportWindow struct {
	start time.Time
	count int
}

// NewReporter builds a reporter writing through the given logger.
func NewReporter(cfg ReporterConfig, logger zerolog.Logger) *Reporter {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultReporterConfig().RateLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultReporterConfig().Window
	}
	if cfg.SeverityThreshold == "" {
		cfg.SeverityThreshold = SeverityLow
	}
	return &Reporter{
		cfg:     cfg,
		logger:  logger.With().Str("component", "error_reporter").Logger(),
		windows: make(map[string]*reportWindow),
		now:     time.Now,
	}
}

// AddHook registers an observer for admitted reports.
func (r *Reporter) AddHook(h ReportHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// Dropped returns how many reports were discarded by the rate limit.
func (r *Reporter) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Report emits one classified error, subject to threshold and rate limit.
// Returns true when the report was admitted.
func (r *Reporter) Report(ae *AutomationError) bool {
	if ae == nil {
		return false
	}
	if !ae.Severity.AtLeast(r.cfg.SeverityThreshold) {
		return false
	}

	key := ae.Context.Component + "/" + string(ae.Type)

	r.mu.Lock()
	w, ok := r.windows[key]
	nowTime := r.now()
	if !ok || nowTime.Sub(w.start) >= r.cfg.Window {
		w = &reportWindow{start: nowTime}
		r.windows[key] = w
	}
	if w.count >= r.cfg.RateLimit {
		r.dropped++
		r.mu.Unlock()
		return false
	}
	w.count++
	hooks := make([]ReportHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	evt := r.logger.Warn()
	if ae.Severity == SeverityCritical {
		evt = r.logger.Error()
	}
	evt.Str("error_id", ae.ID).
		Str("type", string(ae.Type)).
		Str("severity", string(ae.Severity)).
		Str("workflow_id", ae.Context.WorkflowID).
		Str("execution_id", ae.Context.ExecutionID).
		Str("operation", ae.Context.Operation).
		Msg(ae.Message)

	for _, h := range hooks {
		h(ae)
	}
	return true
}
