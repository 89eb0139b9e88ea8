// Package config loads the process configuration for composition roots.
//
// Values resolve in fixed precedence: the documented defaults, then an
// optional YAML file, then OMNIFLOW_* environment variables. Keys nest
// with dots and map to environment names with underscores, so
// state.cleanup.max_age is overridden by OMNIFLOW_STATE_CLEANUP_MAX_AGE.
//
// The services themselves never read this package; each keeps its own
// Config struct and options so the library is usable without viper. The
// conversion methods (EngineConfig, FaultConfig, ...) hand a loaded Config
// to the service constructors.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/steeldragon666/omniflow/engine"
	"github.com/steeldragon666/omniflow/engine/fault"
	"github.com/steeldragon666/omniflow/engine/monitor"
	"github.com/steeldragon666/omniflow/engine/state"
	"github.com/steeldragon666/omniflow/engine/state/store"
	"github.com/steeldragon666/omniflow/engine/webhook"
)

// ErrInvalidConfig is returned for unrecognized enum values. Callers test
// with errors.Is.
var ErrInvalidConfig = errors.New("invalid configuration")

// Persistence strategies.
const (
	StrategyMemory     = "memory"
	StrategyExternalKV = "external_kv"
	StrategyDatabase   = "database"
	StrategyFile       = "file"
)

// Database drivers for the database strategy.
const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Config is the full recognized option set.
type Config struct {
	HTTP    HTTP    `mapstructure:"http"`
	Engine  Engine  `mapstructure:"engine"`
	State   State   `mapstructure:"state"`
	Webhook Webhook `mapstructure:"webhook"`
	Fault   Fault   `mapstructure:"fault"`
	Monitor Monitor `mapstructure:"monitor"`
	Log     Log     `mapstructure:"log"`
}

// HTTP configures the management API listener.
type HTTP struct {
	// Addr is the listen address. Default ":8080".
	Addr string `mapstructure:"addr"`
}

// Engine holds the engine knobs plus the process-wide default retry
// policy the fault handler applies when a workflow configures none.
type Engine struct {
	// MaxConcurrentExecutions bounds simultaneously running executions.
	// Default 20.
	MaxConcurrentExecutions int `mapstructure:"max_concurrent_executions"`

	// DefaultTimeout applies to nodes that specify none. Default 30s.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`

	// MaxTracked bounds retained execution records. Default 1000.
	MaxTracked int `mapstructure:"max_tracked"`

	// MaxChainDepth caps sub-workflow nesting. Default 8.
	MaxChainDepth int `mapstructure:"max_chain_depth"`

	// ErrorHandling is stop, continue, or retry. Default stop.
	ErrorHandling string `mapstructure:"error_handling"`

	DefaultRetryPolicy RetryPolicy `mapstructure:"default_retry_policy"`
}

// RetryPolicy mirrors fault.RetryPolicy.
type RetryPolicy struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Backoff      string        `mapstructure:"backoff"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       float64       `mapstructure:"jitter"`
}

// State configures persistence, cleanup, and snapshots.
type State struct {
	Persistence Persistence `mapstructure:"persistence"`
	Cleanup     Cleanup     `mapstructure:"cleanup"`
	Snapshot    Snapshot    `mapstructure:"snapshot"`
}

// Persistence selects the state store backend. Only the fields of the
// chosen strategy are read.
type Persistence struct {
	// Strategy is memory, external_kv, database, or file.
	Strategy string `mapstructure:"strategy"`

	// Dir is the file strategy root directory.
	Dir string `mapstructure:"dir"`

	// Driver and DSN configure the database strategy. Driver is sqlite,
	// mysql, or postgres.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`

	// Redis connection for the external_kv strategy. A zero TTL keeps
	// records until cleanup deletes them.
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Cleanup bounds how long terminal states are retained.
type Cleanup struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxAge     time.Duration `mapstructure:"max_age"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// Snapshot controls automatic snapshots and retention.
type Snapshot struct {
	Interval             time.Duration `mapstructure:"interval"`
	MaxSnapshots         int           `mapstructure:"max_snapshots"`
	CompressionThreshold int           `mapstructure:"compression_threshold"`
}

// Webhook configures the ingress service.
type Webhook struct {
	// HistoryCap is the payload history size. Default 10000.
	HistoryCap int `mapstructure:"history_cap"`

	// MaxBodyBytes caps request bodies. Default 1 MiB.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`

	// RateLimit applies to endpoints that configure none. Zero
	// MaxRequests leaves such endpoints unlimited.
	RateLimit RateLimit `mapstructure:"rate_limit"`
}

// RateLimit mirrors webhook.RateLimit.
type RateLimit struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// Fault configures circuit breakers, the dead-letter queue, and error
// reporting. The retry policy lives in the engine block.
type Fault struct {
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	DeadLetter     DeadLetter     `mapstructure:"dead_letter"`
	Reporting      Reporting      `mapstructure:"reporting"`

	// MaxTrackedErrors bounds the in-memory error registry. Default 1000.
	MaxTrackedErrors int `mapstructure:"max_tracked_errors"`
}

// CircuitBreaker mirrors fault.BreakerConfig.
type CircuitBreaker struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	MonitoringWindow time.Duration `mapstructure:"monitoring_window"`
	HalfOpenMaxCalls uint32        `mapstructure:"half_open_max_calls"`
}

// DeadLetter mirrors fault.DLQConfig.
type DeadLetter struct {
	Retention            time.Duration `mapstructure:"retention"`
	BatchSize            int           `mapstructure:"batch_size"`
	ProcessingInterval   time.Duration `mapstructure:"processing_interval"`
	ReprocessingStrategy string        `mapstructure:"reprocessing_strategy"`
	MaxItems             int           `mapstructure:"max_items"`
}

// Reporting mirrors fault.ReporterConfig.
type Reporting struct {
	SeverityThreshold string        `mapstructure:"severity_threshold"`
	RateLimit         int           `mapstructure:"rate_limit"`
	Window            time.Duration `mapstructure:"window"`
}

// Monitor configures collection cadences, retention, and the notification
// channels registered at startup.
type Monitor struct {
	CollectionInterval time.Duration `mapstructure:"collection_interval"`
	AlertInterval      time.Duration `mapstructure:"alert_interval"`
	Retention          time.Duration `mapstructure:"retention"`
	TraceCap           int           `mapstructure:"trace_cap"`
	Channels           []Channel     `mapstructure:"channels"`
}

// Channel describes one notification channel. Type is email, slack,
// webhook, or sms; Config carries the channel-specific settings (URLs,
// recipients).
type Channel struct {
	Name       string            `mapstructure:"name"`
	Type       string            `mapstructure:"type"`
	Severities []string          `mapstructure:"severities"`
	Config     map[string]string `mapstructure:"config"`
}

// Log configures process logging.
type Log struct {
	// Level is a zerolog level name. Default info.
	Level string `mapstructure:"level"`

	// Pretty switches to the human console writer.
	Pretty bool `mapstructure:"pretty"`
}

// Default returns the documented defaults. The engine block defaults to 20
// concurrent executions; the other blocks match their service defaults.
func Default() Config {
	return Config{
		HTTP: HTTP{Addr: ":8080"},
		Engine: Engine{
			MaxConcurrentExecutions: 20,
			DefaultTimeout:          30 * time.Second,
			MaxTracked:              1000,
			MaxChainDepth:           8,
			ErrorHandling:           string(engine.ErrorHandlingStop),
			DefaultRetryPolicy: RetryPolicy{
				Enabled:      true,
				MaxRetries:   3,
				Backoff:      string(fault.BackoffExponential),
				InitialDelay: time.Second,
				MaxDelay:     60 * time.Second,
				Multiplier:   2,
				Jitter:       0.1,
			},
		},
		State: State{
			Persistence: Persistence{
				Strategy: StrategyMemory,
				Dir:      "omniflow-state",
				Driver:   DriverSQLite,
				DSN:      "omniflow.db",
				Addr:     "localhost:6379",
			},
			Cleanup: Cleanup{
				Enabled:    true,
				Interval:   5 * time.Minute,
				MaxAge:     24 * time.Hour,
				MaxEntries: 1000,
			},
			Snapshot: Snapshot{
				MaxSnapshots:         10,
				CompressionThreshold: 32 * 1024,
			},
		},
		Webhook: Webhook{
			HistoryCap:   10000,
			MaxBodyBytes: 1 << 20,
		},
		Fault: Fault{
			CircuitBreaker: CircuitBreaker{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
				MonitoringWindow: time.Minute,
				HalfOpenMaxCalls: 3,
			},
			DeadLetter: DeadLetter{
				Retention:            24 * time.Hour,
				BatchSize:            10,
				ProcessingInterval:   time.Minute,
				ReprocessingStrategy: string(fault.StrategyManual),
				MaxItems:             1000,
			},
			Reporting: Reporting{
				SeverityThreshold: string(fault.SeverityLow),
				RateLimit:         10,
				Window:            time.Minute,
			},
			MaxTrackedErrors: 1000,
		},
		Monitor: Monitor{
			CollectionInterval: 30 * time.Second,
			AlertInterval:      60 * time.Second,
			Retention:          24 * time.Hour,
			TraceCap:           1000,
		},
		Log: Log{Level: "info"},
	}
}

// Load resolves the configuration. A non-empty path names the YAML file
// and must exist; an empty path searches for omniflow.yaml in the working
// directory and /etc/omniflow, and finding none is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	// AutomaticEnv only surfaces keys viper already knows, so every
	// recognized option has a default registered above.
	v.SetEnvPrefix("omniflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("omniflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/omniflow")
		if err := v.ReadInConfig(); err != nil {
			var missing viper.ConfigFileNotFoundError
			if !errors.As(err, &missing) {
				return Config{}, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("http.addr", def.HTTP.Addr)

	v.SetDefault("engine.max_concurrent_executions", def.Engine.MaxConcurrentExecutions)
	v.SetDefault("engine.default_timeout", def.Engine.DefaultTimeout)
	v.SetDefault("engine.max_tracked", def.Engine.MaxTracked)
	v.SetDefault("engine.max_chain_depth", def.Engine.MaxChainDepth)
	v.SetDefault("engine.error_handling", def.Engine.ErrorHandling)
	v.SetDefault("engine.default_retry_policy.enabled", def.Engine.DefaultRetryPolicy.Enabled)
	v.SetDefault("engine.default_retry_policy.max_retries", def.Engine.DefaultRetryPolicy.MaxRetries)
	v.SetDefault("engine.default_retry_policy.backoff", def.Engine.DefaultRetryPolicy.Backoff)
	v.SetDefault("engine.default_retry_policy.initial_delay", def.Engine.DefaultRetryPolicy.InitialDelay)
	v.SetDefault("engine.default_retry_policy.max_delay", def.Engine.DefaultRetryPolicy.MaxDelay)
	v.SetDefault("engine.default_retry_policy.multiplier", def.Engine.DefaultRetryPolicy.Multiplier)
	v.SetDefault("engine.default_retry_policy.jitter", def.Engine.DefaultRetryPolicy.Jitter)

	v.SetDefault("state.persistence.strategy", def.State.Persistence.Strategy)
	v.SetDefault("state.persistence.dir", def.State.Persistence.Dir)
	v.SetDefault("state.persistence.driver", def.State.Persistence.Driver)
	v.SetDefault("state.persistence.dsn", def.State.Persistence.DSN)
	v.SetDefault("state.persistence.addr", def.State.Persistence.Addr)
	v.SetDefault("state.persistence.password", def.State.Persistence.Password)
	v.SetDefault("state.persistence.db", def.State.Persistence.DB)
	v.SetDefault("state.persistence.ttl", def.State.Persistence.TTL)
	v.SetDefault("state.cleanup.enabled", def.State.Cleanup.Enabled)
	v.SetDefault("state.cleanup.interval", def.State.Cleanup.Interval)
	v.SetDefault("state.cleanup.max_age", def.State.Cleanup.MaxAge)
	v.SetDefault("state.cleanup.max_entries", def.State.Cleanup.MaxEntries)
	v.SetDefault("state.snapshot.interval", def.State.Snapshot.Interval)
	v.SetDefault("state.snapshot.max_snapshots", def.State.Snapshot.MaxSnapshots)
	v.SetDefault("state.snapshot.compression_threshold", def.State.Snapshot.CompressionThreshold)

	v.SetDefault("webhook.history_cap", def.Webhook.HistoryCap)
	v.SetDefault("webhook.max_body_bytes", def.Webhook.MaxBodyBytes)
	v.SetDefault("webhook.rate_limit.max_requests", def.Webhook.RateLimit.MaxRequests)
	v.SetDefault("webhook.rate_limit.window", def.Webhook.RateLimit.Window)

	v.SetDefault("fault.circuit_breaker.failure_threshold", def.Fault.CircuitBreaker.FailureThreshold)
	v.SetDefault("fault.circuit_breaker.reset_timeout", def.Fault.CircuitBreaker.ResetTimeout)
	v.SetDefault("fault.circuit_breaker.monitoring_window", def.Fault.CircuitBreaker.MonitoringWindow)
	v.SetDefault("fault.circuit_breaker.half_open_max_calls", def.Fault.CircuitBreaker.HalfOpenMaxCalls)
	v.SetDefault("fault.dead_letter.retention", def.Fault.DeadLetter.Retention)
	v.SetDefault("fault.dead_letter.batch_size", def.Fault.DeadLetter.BatchSize)
	v.SetDefault("fault.dead_letter.processing_interval", def.Fault.DeadLetter.ProcessingInterval)
	v.SetDefault("fault.dead_letter.reprocessing_strategy", def.Fault.DeadLetter.ReprocessingStrategy)
	v.SetDefault("fault.dead_letter.max_items", def.Fault.DeadLetter.MaxItems)
	v.SetDefault("fault.reporting.severity_threshold", def.Fault.Reporting.SeverityThreshold)
	v.SetDefault("fault.reporting.rate_limit", def.Fault.Reporting.RateLimit)
	v.SetDefault("fault.reporting.window", def.Fault.Reporting.Window)
	v.SetDefault("fault.max_tracked_errors", def.Fault.MaxTrackedErrors)

	v.SetDefault("monitor.collection_interval", def.Monitor.CollectionInterval)
	v.SetDefault("monitor.alert_interval", def.Monitor.AlertInterval)
	v.SetDefault("monitor.retention", def.Monitor.Retention)
	v.SetDefault("monitor.trace_cap", def.Monitor.TraceCap)

	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.pretty", def.Log.Pretty)
}

// Validate rejects unrecognized enum values. Out-of-range numerics are not
// errors here; the service constructors fall back to their own defaults.
func (c Config) Validate() error {
	switch engine.ErrorHandling(c.Engine.ErrorHandling) {
	case engine.ErrorHandlingStop, engine.ErrorHandlingContinue, engine.ErrorHandlingRetry:
	default:
		return fmt.Errorf("%w: engine.error_handling %q", ErrInvalidConfig, c.Engine.ErrorHandling)
	}

	switch fault.Backoff(c.Engine.DefaultRetryPolicy.Backoff) {
	case fault.BackoffFixed, fault.BackoffLinear, fault.BackoffExponential, fault.BackoffJittered:
	default:
		return fmt.Errorf("%w: engine.default_retry_policy.backoff %q", ErrInvalidConfig, c.Engine.DefaultRetryPolicy.Backoff)
	}

	switch c.State.Persistence.Strategy {
	case StrategyMemory, StrategyExternalKV, StrategyDatabase, StrategyFile:
	default:
		return fmt.Errorf("%w: state.persistence.strategy %q", ErrInvalidConfig, c.State.Persistence.Strategy)
	}

	switch c.State.Persistence.Driver {
	case DriverSQLite, DriverMySQL, DriverPostgres:
	default:
		return fmt.Errorf("%w: state.persistence.driver %q", ErrInvalidConfig, c.State.Persistence.Driver)
	}

	switch fault.ReprocessingStrategy(c.Fault.DeadLetter.ReprocessingStrategy) {
	case fault.StrategyRetry, fault.StrategyDiscard, fault.StrategyManual:
	default:
		return fmt.Errorf("%w: fault.dead_letter.reprocessing_strategy %q", ErrInvalidConfig, c.Fault.DeadLetter.ReprocessingStrategy)
	}

	switch fault.Severity(c.Fault.Reporting.SeverityThreshold) {
	case fault.SeverityLow, fault.SeverityMedium, fault.SeverityHigh, fault.SeverityCritical:
	default:
		return fmt.Errorf("%w: fault.reporting.severity_threshold %q", ErrInvalidConfig, c.Fault.Reporting.SeverityThreshold)
	}

	for _, ch := range c.Monitor.Channels {
		switch monitor.ChannelType(ch.Type) {
		case monitor.ChannelEmail, monitor.ChannelSlack, monitor.ChannelWebhook, monitor.ChannelSMS:
		default:
			return fmt.Errorf("%w: monitor channel %q type %q", ErrInvalidConfig, ch.Name, ch.Type)
		}
		for _, s := range ch.Severities {
			switch fault.Severity(s) {
			case fault.SeverityLow, fault.SeverityMedium, fault.SeverityHigh, fault.SeverityCritical:
			default:
				return fmt.Errorf("%w: monitor channel %q severity %q", ErrInvalidConfig, ch.Name, s)
			}
		}
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.Log.Level)
	}
	return nil
}

// EngineConfig maps the engine block onto the engine's Config.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		MaxConcurrent:  c.Engine.MaxConcurrentExecutions,
		DefaultTimeout: c.Engine.DefaultTimeout,
		MaxTracked:     c.Engine.MaxTracked,
		MaxChainDepth:  c.Engine.MaxChainDepth,
		ErrorHandling:  engine.ErrorHandling(c.Engine.ErrorHandling),
	}
}

// StateConfig maps the state block onto the manager's Config.
func (c Config) StateConfig() state.Config {
	return state.Config{
		Strategy: c.State.Persistence.Strategy,
		Cleanup: state.CleanupConfig{
			Enabled:    c.State.Cleanup.Enabled,
			Interval:   c.State.Cleanup.Interval,
			MaxAge:     c.State.Cleanup.MaxAge,
			MaxEntries: c.State.Cleanup.MaxEntries,
		},
		Snapshot: state.SnapshotConfig{
			Interval:             c.State.Snapshot.Interval,
			MaxSnapshots:         c.State.Snapshot.MaxSnapshots,
			CompressionThreshold: c.State.Snapshot.CompressionThreshold,
		},
	}
}

// FaultConfig maps the fault block onto the handler's Config. The retry
// policy comes from the engine block.
func (c Config) FaultConfig() fault.Config {
	return fault.Config{
		RetryPolicy: fault.RetryPolicy{
			Enabled:      c.Engine.DefaultRetryPolicy.Enabled,
			MaxRetries:   c.Engine.DefaultRetryPolicy.MaxRetries,
			Backoff:      fault.Backoff(c.Engine.DefaultRetryPolicy.Backoff),
			InitialDelay: c.Engine.DefaultRetryPolicy.InitialDelay,
			MaxDelay:     c.Engine.DefaultRetryPolicy.MaxDelay,
			Multiplier:   c.Engine.DefaultRetryPolicy.Multiplier,
			Jitter:       c.Engine.DefaultRetryPolicy.Jitter,
		},
		Breaker: fault.BreakerConfig{
			FailureThreshold: c.Fault.CircuitBreaker.FailureThreshold,
			ResetTimeout:     c.Fault.CircuitBreaker.ResetTimeout,
			MonitoringWindow: c.Fault.CircuitBreaker.MonitoringWindow,
			HalfOpenMaxCalls: c.Fault.CircuitBreaker.HalfOpenMaxCalls,
		},
		DeadLetter: fault.DLQConfig{
			Retention:            c.Fault.DeadLetter.Retention,
			BatchSize:            c.Fault.DeadLetter.BatchSize,
			ProcessingInterval:   c.Fault.DeadLetter.ProcessingInterval,
			ReprocessingStrategy: fault.ReprocessingStrategy(c.Fault.DeadLetter.ReprocessingStrategy),
			MaxItems:             c.Fault.DeadLetter.MaxItems,
		},
		Reporting: fault.ReporterConfig{
			SeverityThreshold: fault.Severity(c.Fault.Reporting.SeverityThreshold),
			RateLimit:         c.Fault.Reporting.RateLimit,
			Window:            c.Fault.Reporting.Window,
		},
		MaxTrackedErrors: c.Fault.MaxTrackedErrors,
	}
}

// WebhookConfig maps the webhook block onto the ingress Config.
func (c Config) WebhookConfig() webhook.Config {
	cfg := webhook.Config{
		HistoryCap:   c.Webhook.HistoryCap,
		MaxBodyBytes: c.Webhook.MaxBodyBytes,
	}
	if c.Webhook.RateLimit.MaxRequests > 0 {
		cfg.DefaultRateLimit = &webhook.RateLimit{
			MaxRequests: c.Webhook.RateLimit.MaxRequests,
			Window:      c.Webhook.RateLimit.Window,
		}
	}
	return cfg
}

// MonitorConfig maps the monitor block onto the service Config. Channel
// descriptors are converted separately; see Channels.
func (c Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		CollectionInterval: c.Monitor.CollectionInterval,
		AlertInterval:      c.Monitor.AlertInterval,
		Retention:          c.Monitor.Retention,
		TraceCap:           c.Monitor.TraceCap,
	}
}

// Channels converts the configured channel descriptors for
// monitor.Service.AddChannel.
func (c Config) Channels() []monitor.Channel {
	out := make([]monitor.Channel, 0, len(c.Monitor.Channels))
	for _, ch := range c.Monitor.Channels {
		var sev []fault.Severity
		for _, s := range ch.Severities {
			sev = append(sev, fault.Severity(s))
		}
		out = append(out, monitor.Channel{
			Name:       ch.Name,
			Type:       monitor.ChannelType(ch.Type),
			Severities: sev,
			Config:     ch.Config,
		})
	}
	return out
}

// OpenStore builds the state store the strategy selects. The caller owns
// the returned store and closes it on shutdown.
func (p Persistence) OpenStore() (store.Store, error) {
	switch p.Strategy {
	case StrategyMemory, "":
		return store.NewMemoryStore(), nil
	case StrategyFile:
		return store.NewFileStore(p.Dir)
	case StrategyExternalKV:
		return store.NewRedisStore(p.Addr, p.Password, p.DB, p.TTL)
	case StrategyDatabase:
		switch p.Driver {
		case DriverSQLite, "":
			return store.NewSQLiteStore(p.DSN)
		case DriverMySQL:
			return store.NewMySQLStore(p.DSN)
		case DriverPostgres:
			return store.NewPostgresStore(p.DSN)
		default:
			return nil, fmt.Errorf("%w: state.persistence.driver %q", ErrInvalidConfig, p.Driver)
		}
	default:
		return nil, fmt.Errorf("%w: state.persistence.strategy %q", ErrInvalidConfig, p.Strategy)
	}
}
