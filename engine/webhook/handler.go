package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/steeldragon666/omniflow/engine/value"
)

// Handler returns the ingress router. Mount it under the webhook base path;
// the remaining path resolves the endpoint.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.HandleFunc("/*", s.handle)
	return r
}

const (
	headerSignatureDefault = "X-Signature"
	headerAPIKeyDefault    = "X-API-Key"
)

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	path := normalizePath(chi.URLParam(r, "*"))
	if path == "" {
		path = normalizePath(r.URL.Path)
	}

	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		writeJSON(w, http.StatusForbidden, map[string]interface{}{"error": "webhook ingress is disabled"})
		return
	}
	id, ok := s.byPath[path]
	if !ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "unknown webhook path"})
		return
	}
	ep := s.endpoints[id]
	if !ep.Active {
		s.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "webhook endpoint is inactive"})
		return
	}
	if r.Method != ep.Method {
		s.mu.Unlock()
		w.Header().Set("Allow", ep.Method)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	if !s.allowLocked(ep) {
		s.stats.RateLimited++
		s.mu.Unlock()
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"error": "rate limit exceeded"})
		return
	}
	// Snapshot what the rest of the pipeline needs; the lock is not held
	// across body reads or dispatches.
	epc := ep.clone()
	s.stats.Received++
	s.mu.Unlock()

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "unreadable body"})
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]interface{}{"error": "body too large"})
		return
	}

	if epc.Auth != nil {
		if err := s.authenticate(epc, r, body); err != nil {
			s.mu.Lock()
			s.stats.AuthFailed++
			s.mu.Unlock()
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": err.Error()})
			return
		}
	}

	bodyVal, err := decodeBody(r.Header.Get("Content-Type"), body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid request body: " + err.Error()})
		return
	}

	payload := &Payload{
		ID:         "pay_" + uuid.NewString(),
		EndpointID: epc.ID,
		Method:     r.Method,
		Path:       path,
		Headers:    flattenHeaders(r.Header),
		Body:       bodyVal,
		Query:      flattenQuery(r.URL.Query()),
		SourceIP:   clientIP(r),
		ReceivedAt: s.now(),
	}
	vars := requestVars(payload)

	for _, f := range epc.Filters {
		res := s.eval.Evaluate(f, vars)
		if !res.Success || !res.Result {
			s.mu.Lock()
			s.stats.Filtered++
			s.mu.Unlock()
			writeJSON(w, http.StatusOK, map[string]interface{}{"received": true, "filtered": true})
			return
		}
	}

	s.mu.Lock()
	s.retainLocked(payload)
	s.mu.Unlock()

	dispatches := s.process(r.Context(), epc, payload, vars)
	s.respond(w, epc, dispatches)
}

// allowLocked applies the endpoint's fixed-window rate limit, falling back
// to the service default. Callers hold s.mu.
func (s *Service) allowLocked(ep *Endpoint) bool {
	rl := ep.RateLimit
	if rl == nil {
		rl = s.cfg.DefaultRateLimit
	}
	if rl == nil {
		return true
	}
	now := s.now()
	if ep.windowStart.IsZero() || now.Sub(ep.windowStart) >= rl.Window {
		ep.windowStart = now
		ep.windowCount = 0
	}
	if ep.windowCount >= rl.MaxRequests {
		return false
	}
	ep.windowCount++
	return true
}

func (s *Service) authenticate(ep *Endpoint, r *http.Request, body []byte) error {
	a := ep.Auth
	switch a.Type {
	case AuthBearer:
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == r.Header.Get("Authorization") || !constantEqual(got, a.Token) {
			return fmt.Errorf("invalid bearer token")
		}
	case AuthBasic:
		user, pass, ok := r.BasicAuth()
		if !ok || !constantEqual(user, a.Username) || !constantEqual(pass, a.Password) {
			return fmt.Errorf("invalid basic credentials")
		}
	case AuthAPIKey:
		header := a.Header
		if header == "" {
			header = headerAPIKeyDefault
		}
		if !constantEqual(r.Header.Get(header), a.Key) {
			return fmt.Errorf("invalid api key")
		}
	case AuthSignature:
		header := a.Header
		if header == "" {
			header = headerSignatureDefault
		}
		got := r.Header.Get(header)
		if got == "" {
			return fmt.Errorf("missing signature")
		}
		algo := a.Algorithm
		if algo == "" {
			algo = "sha256"
		}
		want, err := Sign(algo, ep.Secret, body)
		if err != nil {
			return err
		}
		if !constantEqual(got, want) {
			return fmt.Errorf("signature mismatch")
		}
	}
	return nil
}

// Sign computes the signature header value for a body:
// "<algorithm>=<base64(HMAC(secret, body))>".
func Sign(algorithm, secret string, body []byte) (string, error) {
	var newHash func() hash.Hash
	switch algorithm {
	case "sha1":
		newHash = sha1.New
	case "sha256":
		newHash = sha256.New
	case "sha512":
		newHash = sha512.New
	default:
		return "", fmt.Errorf("unsupported signature algorithm %q", algorithm)
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(body)
	return algorithm + "=" + base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func constantEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// decodeBody parses the request body. Declared JSON must parse; other
// content types pass through as a string value. An empty body is null.
func decodeBody(contentType string, body []byte) (value.Value, error) {
	if len(body) == 0 {
		return value.Null(), nil
	}
	mediaType := contentType
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	if mediaType == "" || mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
		var v value.Value
		if err := json.Unmarshal(body, &v); err != nil {
			return value.Null(), err
		}
		return v, nil
	}
	return value.String(string(body)), nil
}

// flattenHeaders lowercases names and keeps the first value, giving mapping
// sources a stable address (headers.x-github-event).
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, vals := range h {
		if len(vals) == 0 {
			continue
		}
		out[strings.ToLower(name)] = vals[0]
	}
	return out
}

func flattenQuery(q map[string][]string) map[string]string {
	out := make(map[string]string, len(q))
	for name, vals := range q {
		if len(vals) == 0 {
			continue
		}
		out[name] = vals[0]
	}
	return out
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestVars builds the variable map filters, binding conditions, and
// mappings resolve against.
func requestVars(p *Payload) map[string]value.Value {
	headers := make(map[string]value.Value, len(p.Headers))
	for k, v := range p.Headers {
		headers[k] = value.String(v)
	}
	query := make(map[string]value.Value, len(p.Query))
	for k, v := range p.Query {
		query[k] = value.String(v)
	}
	return map[string]value.Value{
		"body":    p.Body,
		"headers": value.Map(headers),
		"query":   value.Map(query),
		"method":  value.String(p.Method),
		"path":    value.String(p.Path),
	}
}

// process fires every active binding of the endpoint and records the
// outcomes on the payload.
func (s *Service) process(ctx context.Context, ep *Endpoint, payload *Payload, vars map[string]value.Value) []Dispatch {
	s.mu.Lock()
	bindings := make([]*Binding, 0, 2)
	for _, b := range s.bindings {
		if b.Active && b.EndpointID == ep.ID {
			bindings = append(bindings, b.clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].seq < bindings[j].seq })

	dispatches := make([]Dispatch, 0, len(bindings))
	for _, b := range bindings {
		dispatches = append(dispatches, s.dispatch(ctx, ep, b, payload, vars))
	}

	s.mu.Lock()
	if stored, ok := s.byPayload[payload.ID]; ok {
		stored.Processed = true
		stored.Dispatches = append([]Dispatch(nil), dispatches...)
	}
	for _, d := range dispatches {
		if d.ExecutionID != "" {
			s.stats.Dispatched++
		}
	}
	s.mu.Unlock()
	return dispatches
}

// dispatch evaluates one binding and fires its trigger. Required conditions
// gate the firing; a skipped dispatch is not a failure.
func (s *Service) dispatch(ctx context.Context, ep *Endpoint, b *Binding, payload *Payload, vars map[string]value.Value) Dispatch {
	d := Dispatch{BindingID: b.ID, TriggerID: b.TriggerID}
	for _, bc := range b.Conditions {
		if !bc.Required {
			continue
		}
		res := s.eval.Evaluate(bc.Condition, vars)
		if !res.Success || !res.Result {
			d.Skipped = true
			return d
		}
	}

	input := s.mapInput(b, payload, vars)
	if s.firer == nil {
		d.Error = "no trigger firer wired"
		return d
	}
	execID, err := s.firer.Fire(ctx, b.TriggerID, input)
	if err != nil {
		d.Error = err.Error()
		s.logger.Warn().
			Err(err).
			Str("endpoint_id", ep.ID).
			Str("trigger_id", b.TriggerID).
			Msg("webhook dispatch failed")
		if ep.Retry != nil && ep.Retry.Enabled {
			s.retryDispatch(ep, b, payload.ID, input)
		}
		return d
	}
	d.ExecutionID = execID
	return d
}

// mapInput projects the request through the binding's mappings. Without
// mappings the whole request map becomes the input. Webhook metadata rides
// along under reserved keys.
func (s *Service) mapInput(b *Binding, payload *Payload, vars map[string]value.Value) map[string]value.Value {
	var input map[string]value.Value
	if len(b.Mappings) == 0 {
		input = value.CloneMap(vars)
	} else {
		input = make(map[string]value.Value, len(b.Mappings)+2)
		for _, m := range b.Mappings {
			v, ok := value.Lookup(vars, m.Source)
			if ok {
				if t, err := applyTransform(m.Transform, v); err == nil {
					input[m.Target] = t
					continue
				}
			}
			input[m.Target] = m.DefaultValue.Clone()
		}
	}
	input["_webhook_endpoint"] = value.String(payload.EndpointID)
	input["_webhook_payload"] = value.String(payload.ID)
	return input
}

// applyTransform converts a mapped value. A transform that cannot apply to
// the value's type fails, sending the mapping to its default.
func applyTransform(name string, v value.Value) (value.Value, error) {
	if name == "" {
		return v, nil
	}
	switch name {
	case TransformUppercase, TransformLowercase, TransformTrim:
		str, ok := v.AsString()
		if !ok {
			return value.Null(), fmt.Errorf("transform %s needs a string", name)
		}
		switch name {
		case TransformUppercase:
			return value.String(strings.ToUpper(str)), nil
		case TransformLowercase:
			return value.String(strings.ToLower(str)), nil
		default:
			return value.String(strings.TrimSpace(str)), nil
		}
	case TransformJSONParse:
		str, ok := v.AsString()
		if !ok {
			return value.Null(), fmt.Errorf("transform json_parse needs a string")
		}
		var parsed value.Value
		if err := json.Unmarshal([]byte(str), &parsed); err != nil {
			return value.Null(), err
		}
		return parsed, nil
	case TransformNumber:
		if n, ok := v.AsNumber(); ok {
			return value.Number(n), nil
		}
		if str, ok := v.AsString(); ok {
			n, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
			if err != nil {
				return value.Null(), err
			}
			return value.Number(n), nil
		}
		if b, ok := v.AsBool(); ok {
			if b {
				return value.Number(1), nil
			}
			return value.Number(0), nil
		}
		return value.Null(), fmt.Errorf("transform number cannot convert %s", v.Kind())
	case TransformDate:
		return transformDate(v)
	default:
		return value.Null(), fmt.Errorf("unknown transform %q", name)
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// transformDate normalizes a date-like value to an RFC 3339 UTC string.
// Numbers are epoch seconds.
func transformDate(v value.Value) (value.Value, error) {
	if n, ok := v.AsNumber(); ok {
		return value.String(time.Unix(int64(n), 0).UTC().Format(time.RFC3339)), nil
	}
	str, ok := v.AsString()
	if !ok {
		return value.Null(), fmt.Errorf("transform date needs a string or epoch number")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, str); err == nil {
			return value.String(t.UTC().Format(time.RFC3339)), nil
		}
	}
	return value.Null(), fmt.Errorf("unrecognized date %q", str)
}

// retryDispatch re-fires a failed binding in the background per the
// endpoint's retry policy. The HTTP response has already reported the
// failure; retries are best-effort redelivery.
func (s *Service) retryDispatch(ep *Endpoint, b *Binding, payloadID string, input map[string]value.Value) {
	policy := *ep.Retry
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
			time.Sleep(policy.Delay(attempt, nil))
			execID, err := s.firer.Fire(context.Background(), b.TriggerID, input)
			if err == nil {
				s.mu.Lock()
				if stored, ok := s.byPayload[payloadID]; ok {
					for i := range stored.Dispatches {
						if stored.Dispatches[i].BindingID == b.ID {
							stored.Dispatches[i].ExecutionID = execID
							stored.Dispatches[i].Error = ""
						}
					}
				}
				s.stats.Dispatched++
				s.mu.Unlock()
				s.logger.Info().
					Str("trigger_id", b.TriggerID).
					Int("attempt", attempt).
					Str("execution_id", execID).
					Msg("webhook dispatch retry succeeded")
				return
			}
			s.logger.Warn().
				Err(err).
				Str("trigger_id", b.TriggerID).
				Int("attempt", attempt).
				Msg("webhook dispatch retry failed")
		}
	}()
}

// respond picks the status per the dispatch outcomes: the first successful
// binding's configured response when everything invoked succeeded, 207 on a
// mix, 500 when every invoked binding failed, and a plain acknowledgement
// when nothing was invoked.
func (s *Service) respond(w http.ResponseWriter, ep *Endpoint, dispatches []Dispatch) {
	invoked := 0
	failed := 0
	var firstOK *Dispatch
	for i := range dispatches {
		d := &dispatches[i]
		if d.Skipped {
			continue
		}
		invoked++
		if d.Error != "" {
			failed++
		} else if firstOK == nil {
			firstOK = d
		}
	}

	switch {
	case invoked == 0:
		writeJSON(w, http.StatusOK, map[string]interface{}{"received": true, "dispatched": 0})
	case failed == 0:
		s.respondConfigured(w, ep, firstOK, dispatches)
	case failed == invoked:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":      "all trigger dispatches failed",
			"dispatches": dispatches,
		})
	default:
		writeJSON(w, http.StatusMultiStatus, map[string]interface{}{
			"dispatched": invoked - failed,
			"failed":     failed,
			"dispatches": dispatches,
		})
	}
}

func (s *Service) respondConfigured(w http.ResponseWriter, ep *Endpoint, first *Dispatch, dispatches []Dispatch) {
	var rc *ResponseConfig
	s.mu.Lock()
	if b, ok := s.bindings[first.BindingID]; ok && b.Response != nil {
		cp := b.clone()
		rc = cp.Response
	}
	s.mu.Unlock()

	if rc == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":       "success",
			"execution_id": first.ExecutionID,
			"dispatched":   len(dispatches),
		})
		return
	}
	for k, v := range rc.Headers {
		w.Header().Set(k, v)
	}
	status := rc.Status
	if status == 0 {
		status = http.StatusOK
	}
	if rc.Body.IsNull() {
		writeJSON(w, status, map[string]interface{}{
			"status":       "success",
			"execution_id": first.ExecutionID,
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rc.Body)
}

// Reprocess replays a retained payload through the endpoint's current
// bindings and returns the new dispatch records.
func (s *Service) Reprocess(ctx context.Context, payloadID string) ([]Dispatch, error) {
	s.mu.Lock()
	stored, ok := s.byPayload[payloadID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPayloadNotFound, payloadID)
	}
	payload := stored.clone()
	ep, ok := s.endpoints[payload.EndpointID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, payload.EndpointID)
	}
	epc := ep.clone()
	s.mu.Unlock()

	vars := requestVars(payload)
	return s.process(ctx, epc, payload, vars), nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
