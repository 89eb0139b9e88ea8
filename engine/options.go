package engine

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/steeldragon666/omniflow/engine/action"
	"github.com/steeldragon666/omniflow/engine/condition"
	"github.com/steeldragon666/omniflow/engine/emit"
	"github.com/steeldragon666/omniflow/engine/fault"
	"github.com/steeldragon666/omniflow/engine/state"
)

// Config holds the scalar engine knobs. Dependencies (state manager, action
// executor, providers) are supplied through options.
type Config struct {
	// MaxConcurrent bounds simultaneously running executions. Further
	// executions wait in pending until a slot frees. Default 10.
	MaxConcurrent int `json:"max_concurrent_executions"`

	// DefaultTimeout applies to a node when neither the node nor the
	// workflow settings specify one. Default 30s.
	DefaultTimeout time.Duration `json:"default_timeout"`

	// MaxTracked bounds retained execution records; the oldest terminal
	// records are evicted first. Default 1000.
	MaxTracked int `json:"max_tracked"`

	// MaxChainDepth caps sub-workflow nesting. Default 8.
	MaxChainDepth int `json:"max_chain_depth"`

	// ErrorHandling applies when a workflow's settings leave it empty.
	// Default stop.
	ErrorHandling ErrorHandling `json:"error_handling"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  10,
		DefaultTimeout: 30 * time.Second,
		MaxTracked:     1000,
		MaxChainDepth:  8,
		ErrorHandling:  ErrorHandlingStop,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.MaxTracked <= 0 {
		c.MaxTracked = def.MaxTracked
	}
	if c.MaxChainDepth <= 0 {
		c.MaxChainDepth = def.MaxChainDepth
	}
	if c.ErrorHandling == "" {
		c.ErrorHandling = def.ErrorHandling
	}
}

// Option configures an Engine at construction.
type Option func(*Engine) error

// WithConfig replaces the scalar configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) error {
		cfg.applyDefaults()
		e.cfg = cfg
		return nil
	}
}

// WithLogger sets the logger. The engine tags it with its component name.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger.With().Str("component", "workflow_engine").Logger()
		return nil
	}
}

// WithEmitter sets the execution event emitter. Pass an emit.MultiEmitter
// to fan out to several observers.
func WithEmitter(em emit.Emitter) Option {
	return func(e *Engine) error {
		if em == nil {
			return fmt.Errorf("engine: nil emitter")
		}
		e.emitter = em
		return nil
	}
}

// WithStateManager supplies the state manager. The caller keeps ownership:
// its Run loop is started by whoever constructed it.
func WithStateManager(m *state.Manager) Option {
	return func(e *Engine) error {
		if m == nil {
			return fmt.Errorf("engine: nil state manager")
		}
		e.states = m
		e.ownsStates = false
		return nil
	}
}

// WithActionExecutor supplies the action executor. The caller keeps
// ownership and must start it.
func WithActionExecutor(x *action.Executor) Option {
	return func(e *Engine) error {
		if x == nil {
			return fmt.Errorf("engine: nil action executor")
		}
		e.actions = x
		e.ownsActions = false
		return nil
	}
}

// WithConditionEvaluator supplies a shared condition evaluator, letting
// registered functions and predicates apply engine-wide.
func WithConditionEvaluator(ev *condition.Evaluator) Option {
	return func(e *Engine) error {
		if ev == nil {
			return fmt.Errorf("engine: nil condition evaluator")
		}
		e.conditions = ev
		return nil
	}
}

// WithFaultHandler supplies the error handler used to classify, report, and
// retry node failures.
func WithFaultHandler(h *fault.Handler) Option {
	return func(e *Engine) error {
		if h == nil {
			return fmt.Errorf("engine: nil fault handler")
		}
		e.faults = h
		return nil
	}
}

// WithHTTPClient sets the client used by http-action nodes and webhook
// notifications.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) error {
		if c == nil {
			return fmt.Errorf("engine: nil http client")
		}
		e.providers.HTTP = c
		return nil
	}
}

// WithEmailProvider sets the provider behind email-action nodes.
func WithEmailProvider(p EmailProvider) Option {
	return func(e *Engine) error {
		e.providers.Email = p
		return nil
	}
}

// WithDatabaseProvider sets the provider behind database-action nodes.
func WithDatabaseProvider(p DatabaseProvider) Option {
	return func(e *Engine) error {
		e.providers.Database = p
		return nil
	}
}

// WithSocialProvider sets the provider behind social-action nodes.
func WithSocialProvider(p SocialProvider) Option {
	return func(e *Engine) error {
		e.providers.Social = p
		return nil
	}
}

// WithStorageProvider sets the provider behind file-action nodes.
func WithStorageProvider(p StorageProvider) Option {
	return func(e *Engine) error {
		e.providers.Storage = p
		return nil
	}
}

// WithNotificationProvider sets the provider behind notification-action
// nodes.
func WithNotificationProvider(p NotificationProvider) Option {
	return func(e *Engine) error {
		e.providers.Notification = p
		return nil
	}
}

// WithSecrets seeds the secret map injected into every execution context.
func WithSecrets(secrets map[string]string) Option {
	return func(e *Engine) error {
		e.secrets = make(map[string]string, len(secrets))
		for k, v := range secrets {
			e.secrets[k] = v
		}
		return nil
	}
}

// WithClock overrides the time source. Tests use it to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		if now == nil {
			return fmt.Errorf("engine: nil clock")
		}
		e.now = now
		return nil
	}
}
