package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/steeldragon666/omniflow/engine/action"
	"github.com/steeldragon666/omniflow/engine/value"
)

// maxHTTPResponseBytes caps how much of an http-action response body is
// read into the execution context.
const maxHTTPResponseBytes = 4 << 20

// registerBuiltinActions registers the side-effect actions on the executor
// and installs node handlers that dispatch through it. Every provider call
// runs behind the component's circuit breaker, so a failing integration
// fast-fails instead of piling up workers.
func registerBuiltinActions(e *Engine) {
	builtin := []action.Definition{
		{ID: "http", Name: "HTTP request", Type: "http", Handler: e.httpAction},
		{ID: "email", Name: "Send email", Type: "email", Handler: e.emailAction},
		{ID: "database", Name: "Database operation", Type: "database", Handler: e.databaseAction},
		{ID: "social", Name: "Social post", Type: "social", Handler: e.socialAction},
		{ID: "file", Name: "File storage", Type: "file", Handler: e.fileAction},
		{ID: "notification", Name: "Notification", Type: "notification", Handler: e.notificationAction},
	}
	for _, def := range builtin {
		if err := e.actions.RegisterAction(def); err != nil {
			e.logger.Error().Err(err).Str("action", def.ID).Msg("builtin action registration failed")
		}
	}

	kinds := map[string]string{
		"http-action":         "http",
		"email-action":        "email",
		"database-action":     "database",
		"social-action":       "social",
		"file-action":         "file",
		"notification-action": "notification",
	}
	for nodeType, actionID := range kinds {
		e.handlers[nodeType] = actionNodeHandler(e, actionID)
	}
}

// actionNodeHandler adapts an action definition to a node handler: the
// resolved node config becomes the action input, the node waits for the
// action to reach a terminal status, and the action output becomes the node
// output. When the node's time budget expires first, the queued work is
// cancelled best-effort.
func actionNodeHandler(e *Engine, actionID string) Handler {
	return HandlerFunc(func(ctx context.Context, nc *NodeContext) (value.Value, error) {
		input := make(map[string]value.Value, len(nc.Node.Config))
		for key := range nc.Node.Config {
			v, _ := nc.Config(key)
			input[key] = v
		}

		sub, err := e.actions.Submit(action.Request{
			ActionID:    actionID,
			Input:       input,
			Priority:    int(nc.ConfigNumber("priority", 0)),
			ExecutionID: nc.ExecutionID,
			NodeID:      nc.Node.ID,
		})
		if err != nil {
			return value.Value{}, err
		}

		res, err := e.actions.Await(ctx, sub.ID)
		if err != nil {
			_ = e.actions.Cancel(sub.ID)
			return value.Value{}, err
		}
		switch res.Status {
		case action.StatusCompleted:
			return res.Output, nil
		case action.StatusCancelled:
			return value.Value{}, fmt.Errorf("action %s cancelled", actionID)
		case action.StatusTimeout:
			return value.Value{}, fmt.Errorf("action %s timed out: %s", actionID, res.Error)
		default:
			return value.Value{}, fmt.Errorf("action %s failed: %s", actionID, res.Error)
		}
	})
}

func (e *Engine) httpAction(ctx context.Context, input map[string]value.Value) (value.Value, error) {
	url := inputString(input, "url", "")
	if url == "" {
		return value.Value{}, fmt.Errorf("http action: url is required")
	}
	method := strings.ToUpper(inputString(input, "method", http.MethodGet))
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodHead, http.MethodOptions:
	default:
		return value.Value{}, fmt.Errorf("http action: unsupported method %q", method)
	}

	var reqBody io.Reader
	contentType := ""
	if raw, ok := input["body"]; ok && !raw.IsNull() {
		if s, isStr := raw.AsString(); isStr {
			reqBody = strings.NewReader(s)
		} else {
			data, err := json.Marshal(raw)
			if err != nil {
				return value.Value{}, fmt.Errorf("http action: encode body: %w", err)
			}
			reqBody = bytes.NewReader(data)
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return value.Value{}, fmt.Errorf("http action: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := input["headers"]; ok {
		if m, isMap := headers.AsMap(); isMap {
			for k, v := range m {
				if s, isStr := v.AsString(); isStr {
					req.Header.Set(k, s)
				}
			}
		}
	}

	var out value.Value
	err = e.faults.Breakers.Execute("http_action", func() error {
		resp, err := e.providers.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		headers := make(map[string]value.Value, len(resp.Header))
		for k := range resp.Header {
			headers[k] = value.String(resp.Header.Get(k))
		}
		out = value.Map(map[string]value.Value{
			"status":  value.Number(float64(resp.StatusCode)),
			"headers": value.Map(headers),
			"body":    parseHTTPBody(data),
		})
		if resp.StatusCode >= 400 {
			return fmt.Errorf("http %s %s returned status %d", method, url, resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return value.Value{}, err
	}
	return out, nil
}

// parseHTTPBody decodes JSON responses into structured values and keeps
// everything else as a string.
func parseHTTPBody(data []byte) value.Value {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return value.Null()
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		var raw interface{}
		if err := json.Unmarshal(trimmed, &raw); err == nil {
			return value.From(raw)
		}
	}
	return value.String(string(data))
}

func (e *Engine) emailAction(ctx context.Context, input map[string]value.Value) (value.Value, error) {
	to := inputStringList(input, "to")
	if len(to) == 0 {
		return value.Value{}, fmt.Errorf("email action: to is required")
	}
	msg := EmailMessage{
		To:      to,
		Cc:      inputStringList(input, "cc"),
		Subject: inputString(input, "subject", ""),
		Body:    inputString(input, "body", ""),
		HTML:    inputBool(input, "html", false),
	}

	var id string
	err := e.faults.Breakers.Execute("email_action", func() error {
		var err error
		id, err = e.providers.Email.Send(ctx, msg)
		return err
	})
	if err != nil {
		return value.Value{}, err
	}
	return value.Map(map[string]value.Value{
		"message_id":   value.String(id),
		"delivered_at": value.String(e.now().UTC().Format(time.RFC3339)),
	}), nil
}

func (e *Engine) databaseAction(ctx context.Context, input map[string]value.Value) (value.Value, error) {
	op := DatabaseOp{
		Operation: strings.ToLower(inputString(input, "operation", "select")),
		Table:     inputString(input, "table", ""),
		Limit:     int(inputNumber(input, "limit", 0)),
	}
	if op.Table == "" {
		return value.Value{}, fmt.Errorf("database action: table is required")
	}
	if m, ok := input["values"].AsMap(); ok {
		op.Values = m
	} else if m, ok := input["data"].AsMap(); ok {
		op.Values = m
	}
	if m, ok := input["where"].AsMap(); ok {
		op.Where = m
	}

	var res DatabaseResult
	err := e.faults.Breakers.Execute("database_action", func() error {
		var err error
		res, err = e.providers.Database.Query(ctx, op)
		return err
	})
	if err != nil {
		return value.Value{}, err
	}

	affected := res.Affected
	out := map[string]value.Value{}
	if op.Operation == "select" {
		affected = len(res.Rows)
		rows := make([]value.Value, len(res.Rows))
		for i, row := range res.Rows {
			rows[i] = value.Map(row)
		}
		out["data"] = value.List(rows...)
	}
	out["rows_affected"] = value.Number(float64(affected))
	return value.Map(out), nil
}

func (e *Engine) socialAction(ctx context.Context, input map[string]value.Value) (value.Value, error) {
	platform := inputString(input, "platform", "")
	if platform == "" {
		return value.Value{}, fmt.Errorf("social action: platform is required")
	}
	message := inputString(input, "message", inputString(input, "content", ""))
	if message == "" {
		return value.Value{}, fmt.Errorf("social action: message is required")
	}
	options, _ := input["options"].AsMap()

	var post SocialPost
	err := e.faults.Breakers.Execute("social_action", func() error {
		var err error
		post, err = e.providers.Social.Post(ctx, platform, message, options)
		return err
	})
	if err != nil {
		return value.Value{}, err
	}
	return value.Map(map[string]value.Value{
		"post_id":      value.String(post.ID),
		"url":          value.String(post.URL),
		"published_at": value.String(e.now().UTC().Format(time.RFC3339)),
	}), nil
}

func (e *Engine) fileAction(ctx context.Context, input map[string]value.Value) (value.Value, error) {
	op := strings.ToLower(inputString(input, "operation", "read"))
	path := inputString(input, "path", "")
	if path == "" {
		return value.Value{}, fmt.Errorf("file action: path is required")
	}

	out := map[string]value.Value{
		"operation": value.String(op),
		"path":      value.String(path),
	}
	size := 0
	err := e.faults.Breakers.Execute("file_action", func() error {
		switch op {
		case "read":
			data, err := e.providers.Storage.Read(ctx, path)
			if err != nil {
				return err
			}
			size = len(data)
			out["content"] = value.String(string(data))
			return nil
		case "write":
			var content string
			if raw, ok := input["content"]; ok && !raw.IsNull() {
				if s, isStr := raw.AsString(); isStr {
					content = s
				} else {
					data, err := json.Marshal(raw)
					if err != nil {
						return fmt.Errorf("encode content: %w", err)
					}
					content = string(data)
				}
			}
			size = len(content)
			return e.providers.Storage.Write(ctx, path, []byte(content))
		case "copy":
			dst := inputString(input, "destination", "")
			if dst == "" {
				return fmt.Errorf("destination is required for copy")
			}
			out["destination"] = value.String(dst)
			return e.providers.Storage.Copy(ctx, path, dst)
		case "delete":
			return e.providers.Storage.Delete(ctx, path)
		default:
			return fmt.Errorf("unsupported operation %q", op)
		}
	})
	if err != nil {
		return value.Value{}, fmt.Errorf("file action: %w", err)
	}
	out["size"] = value.Number(float64(size))
	return value.Map(out), nil
}

func (e *Engine) notificationAction(ctx context.Context, input map[string]value.Value) (value.Value, error) {
	channels := inputStringList(input, "channels")
	if len(channels) == 0 {
		channels = []string{inputString(input, "channel", "default")}
	}
	title := inputString(input, "title", "")
	message := inputString(input, "message", "")
	meta, _ := input["meta"].AsMap()

	err := e.faults.Breakers.Execute("notification_action", func() error {
		for _, ch := range channels {
			if err := e.providers.Notification.Notify(ctx, ch, title, message, meta); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return value.Value{}, err
	}
	return value.Map(map[string]value.Value{
		"sent": value.Bool(true),
	}), nil
}

func inputString(input map[string]value.Value, key, def string) string {
	if v, ok := input[key]; ok {
		if s, ok := v.AsString(); ok {
			return s
		}
	}
	return def
}

func inputNumber(input map[string]value.Value, key string, def float64) float64 {
	if v, ok := input[key]; ok {
		if n, ok := v.AsNumber(); ok {
			return n
		}
	}
	return def
}

func inputBool(input map[string]value.Value, key string, def bool) bool {
	if v, ok := input[key]; ok {
		if b, ok := v.AsBool(); ok {
			return b
		}
	}
	return def
}

// inputStringList accepts either a single string or a list of strings.
func inputStringList(input map[string]value.Value, key string) []string {
	v, ok := input[key]
	if !ok {
		return nil
	}
	if s, ok := v.AsString(); ok && s != "" {
		return []string{s}
	}
	items, ok := v.AsList()
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.AsString(); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
