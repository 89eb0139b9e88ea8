// Package webhook implements the inbound HTTP entry point for triggers:
// registered endpoints resolved by path, a fixed-window rate limit, four
// authentication schemes, request filters, a bounded payload history, and
// trigger bindings that project request data into workflow input.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/steeldragon666/omniflow/engine/condition"
	"github.com/steeldragon666/omniflow/engine/fault"
	"github.com/steeldragon666/omniflow/engine/value"
)

var (
	// ErrEndpointNotFound is returned for unknown endpoint ids.
	ErrEndpointNotFound = errors.New("webhook endpoint not found")
	// ErrInvalidEndpoint is returned when an endpoint fails validation.
	ErrInvalidEndpoint = errors.New("invalid webhook endpoint")
	// ErrDuplicatePath is returned when a path is already registered.
	ErrDuplicatePath = errors.New("webhook path already registered")
	// ErrBindingNotFound is returned for unknown binding ids.
	ErrBindingNotFound = errors.New("webhook binding not found")
	// ErrInvalidBinding is returned when a binding fails validation.
	ErrInvalidBinding = errors.New("invalid webhook binding")
	// ErrPayloadNotFound is returned for unknown payload ids.
	ErrPayloadNotFound = errors.New("webhook payload not found")
)

// AuthType selects the authentication scheme an endpoint enforces.
type AuthType string

const (
	AuthBearer    AuthType = "bearer"
	AuthBasic     AuthType = "basic"
	AuthAPIKey    AuthType = "apikey"
	AuthSignature AuthType = "signature"
)

// AuthConfig describes the credential check for an endpoint. Exactly the
// fields the chosen type needs are set; the rest stay empty.
type AuthConfig struct {
	Type AuthType `json:"type"`

	// Token is the expected bearer token.
	Token string `json:"token,omitempty"`

	// Username and Password are the expected basic credentials.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// Header carries the api key (default X-API-Key) or the signature
	// (default X-Signature).
	Header string `json:"header,omitempty"`

	// Key is the expected api key value.
	Key string `json:"key,omitempty"`

	// Algorithm selects the signature HMAC: sha1, sha256, or sha512.
	Algorithm string `json:"algorithm,omitempty"`
}

func (a *AuthConfig) validate() error {
	switch a.Type {
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("%w: bearer auth needs a token", ErrInvalidEndpoint)
		}
	case AuthBasic:
		if a.Username == "" || a.Password == "" {
			return fmt.Errorf("%w: basic auth needs username and password", ErrInvalidEndpoint)
		}
	case AuthAPIKey:
		if a.Key == "" {
			return fmt.Errorf("%w: apikey auth needs a key", ErrInvalidEndpoint)
		}
	case AuthSignature:
		switch a.Algorithm {
		case "", "sha1", "sha256", "sha512":
		default:
			return fmt.Errorf("%w: unsupported signature algorithm %q", ErrInvalidEndpoint, a.Algorithm)
		}
	default:
		return fmt.Errorf("%w: unknown auth type %q", ErrInvalidEndpoint, a.Type)
	}
	return nil
}

// RateLimit is a fixed-window request cap. The counter resets when the
// window elapses; requests beyond MaxRequests inside one window get 429.
type RateLimit struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

// Endpoint is one registered inbound URL. The path is unique across the
// service and relative to the ingress mount.
type Endpoint struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Method string `json:"method"`
	Name   string `json:"name,omitempty"`
	Active bool   `json:"active"`

	// Secret signs the body for signature auth.
	Secret string `json:"secret,omitempty"`

	// Filters gate processing: every filter must pass or the request is
	// acknowledged as filtered out without invoking any trigger. Fields
	// address the request as body.*, headers.*, query.*, method, path.
	Filters []condition.Condition `json:"filters,omitempty"`

	RateLimit *RateLimit  `json:"rate_limit,omitempty"`
	Auth      *AuthConfig `json:"auth,omitempty"`

	// Retry re-dispatches failed trigger launches in the background after
	// the response has gone out. Nil disables retries.
	Retry *fault.RetryPolicy `json:"retry,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// fixed-window counter state, owned by the service
	windowStart time.Time
	windowCount int
	seq         uint64
}

func (e *Endpoint) clone() *Endpoint {
	cp := *e
	cp.Filters = append([]condition.Condition(nil), e.Filters...)
	if e.RateLimit != nil {
		rl := *e.RateLimit
		cp.RateLimit = &rl
	}
	if e.Auth != nil {
		a := *e.Auth
		cp.Auth = &a
	}
	if e.Retry != nil {
		r := *e.Retry
		cp.Retry = &r
	}
	return &cp
}

func (e *Endpoint) validate() error {
	if e.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidEndpoint)
	}
	if e.RateLimit != nil && (e.RateLimit.MaxRequests <= 0 || e.RateLimit.Window <= 0) {
		return fmt.Errorf("%w: rate limit needs positive max_requests and window", ErrInvalidEndpoint)
	}
	if e.Auth != nil {
		if err := e.Auth.validate(); err != nil {
			return err
		}
		if e.Auth.Type == AuthSignature && e.Secret == "" {
			return fmt.Errorf("%w: signature auth needs an endpoint secret", ErrInvalidEndpoint)
		}
	}
	if e.Retry != nil {
		if err := e.Retry.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
		}
	}
	return nil
}

// normalizePath strips surrounding slashes so "github", "/github", and
// "github/" register the same endpoint.
func normalizePath(p string) string {
	return strings.Trim(strings.TrimSpace(p), "/")
}

// Transform names the closed set of per-mapping value conversions.
const (
	TransformUppercase = "uppercase"
	TransformLowercase = "lowercase"
	TransformTrim      = "trim"
	TransformJSONParse = "json_parse"
	TransformNumber    = "number"
	TransformDate      = "date"
)

var knownTransforms = map[string]bool{
	TransformUppercase: true,
	TransformLowercase: true,
	TransformTrim:      true,
	TransformJSONParse: true,
	TransformNumber:    true,
	TransformDate:      true,
}

// Mapping projects one request field into the workflow input. Source paths
// address body.*, headers.*, and query.*; a missing source or failed
// transform falls back to DefaultValue.
type Mapping struct {
	Source       string      `json:"source"`
	Target       string      `json:"target"`
	Transform    string      `json:"transform,omitempty"`
	DefaultValue value.Value `json:"default_value,omitempty"`
}

func (m Mapping) validate() error {
	if m.Source == "" || m.Target == "" {
		return fmt.Errorf("%w: mapping needs source and target", ErrInvalidBinding)
	}
	if m.Transform != "" && !knownTransforms[m.Transform] {
		return fmt.Errorf("%w: unknown transform %q", ErrInvalidBinding, m.Transform)
	}
	return nil
}

// BindingCondition is a condition with a required flag: required conditions
// gate the dispatch, optional ones are evaluated for the dispatch record
// only.
type BindingCondition struct {
	condition.Condition
	Required bool `json:"required"`
}

// ResponseConfig customizes the HTTP response when this binding's dispatch
// succeeds and is the first to respond.
type ResponseConfig struct {
	Status  int               `json:"status,omitempty"`
	Body    value.Value       `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Binding connects an endpoint to a registered trigger. Each matching
// request evaluates the binding's conditions, projects the request through
// its mappings, and fires the trigger with the result.
type Binding struct {
	ID         string             `json:"id"`
	EndpointID string             `json:"endpoint_id"`
	TriggerID  string             `json:"trigger_id"`
	Active     bool               `json:"active"`
	Conditions []BindingCondition `json:"conditions,omitempty"`
	Mappings   []Mapping          `json:"mappings,omitempty"`
	Response   *ResponseConfig    `json:"response,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`

	seq uint64
}

func (b *Binding) clone() *Binding {
	cp := *b
	cp.Conditions = append([]BindingCondition(nil), b.Conditions...)
	cp.Mappings = append([]Mapping(nil), b.Mappings...)
	if b.Response != nil {
		r := *b.Response
		if b.Response.Headers != nil {
			r.Headers = make(map[string]string, len(b.Response.Headers))
			for k, v := range b.Response.Headers {
				r.Headers[k] = v
			}
		}
		cp.Response = &r
	}
	return &cp
}

func (b *Binding) validate() error {
	if b.EndpointID == "" || b.TriggerID == "" {
		return fmt.Errorf("%w: endpoint_id and trigger_id are required", ErrInvalidBinding)
	}
	for _, m := range b.Mappings {
		if err := m.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch records the outcome of firing one binding for one payload.
type Dispatch struct {
	BindingID   string `json:"binding_id"`
	TriggerID   string `json:"trigger_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Skipped     bool   `json:"skipped,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Payload is one received request, retained in a bounded history.
type Payload struct {
	ID         string            `json:"id"`
	EndpointID string            `json:"endpoint_id"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       value.Value       `json:"body,omitempty"`
	Query      map[string]string `json:"query,omitempty"`
	SourceIP   string            `json:"source_ip,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
	Processed  bool              `json:"processed"`
	Dispatches []Dispatch        `json:"dispatches,omitempty"`
}

func (p *Payload) clone() *Payload {
	cp := *p
	cp.Headers = cloneStringMap(p.Headers)
	cp.Query = cloneStringMap(p.Query)
	cp.Body = p.Body.Clone()
	cp.Dispatches = append([]Dispatch(nil), p.Dispatches...)
	return &cp
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Firer fires a registered trigger with assembled input. The trigger
// service satisfies it; firing through it keeps per-trigger statistics
// accurate for webhook-driven launches.
type Firer interface {
	Fire(ctx context.Context, triggerID string, input map[string]value.Value) (string, error)
}

// Config bounds the service.
type Config struct {
	// HistoryCap is the payload history size. Default 10000.
	HistoryCap int `json:"history_cap"`

	// MaxBodyBytes caps request bodies. Default 1 MiB.
	MaxBodyBytes int64 `json:"max_body_bytes"`

	// DefaultRateLimit applies to endpoints that configure none. Nil means
	// unlimited for such endpoints.
	DefaultRateLimit *RateLimit `json:"default_rate_limit,omitempty"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HistoryCap:   10000,
		MaxBodyBytes: 1 << 20,
	}
}

// Stats is a point-in-time summary of webhook activity.
type Stats struct {
	Endpoints   int `json:"endpoints"`
	Bindings    int `json:"bindings"`
	Received    int `json:"received"`
	Filtered    int `json:"filtered"`
	RateLimited int `json:"rate_limited"`
	AuthFailed  int `json:"auth_failed"`
	Dispatched  int `json:"dispatched"`
}

// Service owns webhook endpoints, their trigger bindings, and the payload
// history, and serves the ingress pipeline.
type Service struct {
	firer  Firer
	cfg    Config
	eval   *condition.Evaluator
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	disabled  bool
	endpoints map[string]*Endpoint
	byPath    map[string]string
	bindings  map[string]*Binding
	payloads  []*Payload
	byPayload map[string]*Payload
	seq       uint64
	stats     Stats

	wg sync.WaitGroup
}

// New wires a webhook service. A nil evaluator gets the standard one; a nil
// firer leaves endpoint CRUD functional but fails dispatches, which suits
// ingress-only deployments.
func New(firer Firer, evaluator *condition.Evaluator, cfg Config, logger zerolog.Logger) *Service {
	if evaluator == nil {
		evaluator = condition.New()
	}
	def := DefaultConfig()
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = def.HistoryCap
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	return &Service{
		firer:     firer,
		cfg:       cfg,
		eval:      evaluator,
		logger:    logger.With().Str("component", "webhook_service").Logger(),
		now:       time.Now,
		endpoints: make(map[string]*Endpoint),
		byPath:    make(map[string]string),
		bindings:  make(map[string]*Binding),
		byPayload: make(map[string]*Payload),
	}
}

// Register validates and stores an endpoint. Paths are unique; method
// defaults to POST and the endpoint starts active.
func (s *Service) Register(e Endpoint) (*Endpoint, error) {
	e.Path = normalizePath(e.Path)
	if e.Method == "" {
		e.Method = "POST"
	}
	e.Method = strings.ToUpper(e.Method)
	if err := e.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byPath[e.Path]; taken {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePath, e.Path)
	}
	now := s.now()
	s.seq++
	stored := e.clone()
	stored.ID = "wh_" + uuid.NewString()
	stored.Active = true
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.seq = s.seq
	s.endpoints[stored.ID] = stored
	s.byPath[stored.Path] = stored.ID

	s.logger.Info().
		Str("endpoint_id", stored.ID).
		Str("path", stored.Path).
		Str("method", stored.Method).
		Msg("webhook endpoint registered")
	return stored.clone(), nil
}

// Update replaces an endpoint's configuration, preserving its id and
// creation time. Changing the path re-checks uniqueness.
func (s *Service) Update(id string, upd Endpoint) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}

	next := cur.clone()
	if p := normalizePath(upd.Path); p != "" {
		next.Path = p
	}
	if upd.Method != "" {
		next.Method = strings.ToUpper(upd.Method)
	}
	if upd.Name != "" {
		next.Name = upd.Name
	}
	if upd.Secret != "" {
		next.Secret = upd.Secret
	}
	next.Filters = append([]condition.Condition(nil), upd.Filters...)
	next.RateLimit = upd.RateLimit
	next.Auth = upd.Auth
	next.Retry = upd.Retry
	if err := next.validate(); err != nil {
		return nil, err
	}
	if next.Path != cur.Path {
		if _, taken := s.byPath[next.Path]; taken {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePath, next.Path)
		}
		delete(s.byPath, cur.Path)
		s.byPath[next.Path] = id
	}
	next.UpdatedAt = s.now()
	next.seq = cur.seq
	next.windowStart = cur.windowStart
	next.windowCount = cur.windowCount
	s.endpoints[id] = next
	return next.clone(), nil
}

// Delete removes an endpoint and its bindings.
func (s *Service) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	delete(s.endpoints, id)
	delete(s.byPath, e.Path)
	for bid, b := range s.bindings {
		if b.EndpointID == id {
			delete(s.bindings, bid)
		}
	}
	s.logger.Info().Str("endpoint_id", id).Msg("webhook endpoint deleted")
	return nil
}

// SetDisabled flips the service-wide ingress kill switch. While disabled,
// every inbound request answers 403 regardless of endpoint state.
func (s *Service) SetDisabled(disabled bool) {
	s.mu.Lock()
	s.disabled = disabled
	s.mu.Unlock()
	s.logger.Info().Bool("disabled", disabled).Msg("webhook ingress switch changed")
}

// SetActive pauses or resumes an endpoint. Inactive endpoints answer 503.
func (s *Service) SetActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	e.Active = active
	e.UpdatedAt = s.now()
	return nil
}

// Get returns a copy of one endpoint.
func (s *Service) Get(id string) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	return e.clone(), nil
}

// List returns copies of all endpoints in registration order.
func (s *Service) List() []*Endpoint {
	s.mu.Lock()
	out := make([]*Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		out = append(out, e.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Bind validates and stores a trigger binding for an endpoint.
func (s *Service) Bind(b Binding) (*Binding, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[b.EndpointID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, b.EndpointID)
	}
	s.seq++
	stored := b.clone()
	stored.ID = "whb_" + uuid.NewString()
	stored.Active = true
	stored.CreatedAt = s.now()
	stored.seq = s.seq
	s.bindings[stored.ID] = stored
	return stored.clone(), nil
}

// Unbind removes a binding.
func (s *Service) Unbind(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bindings[id]; !ok {
		return fmt.Errorf("%w: %s", ErrBindingNotFound, id)
	}
	delete(s.bindings, id)
	return nil
}

// SetBindingActive pauses or resumes a binding.
func (s *Service) SetBindingActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBindingNotFound, id)
	}
	b.Active = active
	return nil
}

// Bindings returns copies of the endpoint's bindings in creation order. An
// empty endpoint id returns every binding.
func (s *Service) Bindings(endpointID string) []*Binding {
	s.mu.Lock()
	out := make([]*Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		if endpointID != "" && b.EndpointID != endpointID {
			continue
		}
		out = append(out, b.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// GetPayload returns a copy of one retained payload.
func (s *Service) GetPayload(id string) (*Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byPayload[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPayloadNotFound, id)
	}
	return p.clone(), nil
}

// Payloads returns retained payloads newest first. An empty endpoint id
// matches all; limit <= 0 means everything retained.
func (s *Service) Payloads(endpointID string, limit int) []*Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Payload, 0, len(s.payloads))
	for i := len(s.payloads) - 1; i >= 0; i-- {
		p := s.payloads[i]
		if endpointID != "" && p.EndpointID != endpointID {
			continue
		}
		out = append(out, p.clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ServiceStats summarizes activity.
func (s *Service) ServiceStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Endpoints = len(s.endpoints)
	st.Bindings = len(s.bindings)
	return st
}

// Wait blocks until background retry dispatches have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// retain appends a payload to the bounded history, evicting oldest first.
func (s *Service) retainLocked(p *Payload) {
	s.payloads = append(s.payloads, p)
	s.byPayload[p.ID] = p
	if len(s.payloads) > s.cfg.HistoryCap {
		evicted := s.payloads[0]
		s.payloads = s.payloads[1:]
		delete(s.byPayload, evicted.ID)
	}
}
