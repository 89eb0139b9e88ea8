package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/steeldragon666/omniflow/engine/value"
)

// EmailProvider delivers email for email-action nodes.
type EmailProvider interface {
	Send(ctx context.Context, msg EmailMessage) (messageID string, err error)
}

// EmailMessage is the payload handed to an EmailProvider.
type EmailMessage struct {
	To      []string
	Cc      []string
	Subject string
	Body    string
	HTML    bool
}

// DatabaseProvider executes database-action operations.
type DatabaseProvider interface {
	Query(ctx context.Context, op DatabaseOp) (DatabaseResult, error)
}

// DatabaseOp is one database-action request.
type DatabaseOp struct {
	Operation string // select, insert, update, delete
	Table     string
	Values    map[string]value.Value
	Where     map[string]value.Value
	Limit     int
}

// DatabaseResult is the provider's answer.
type DatabaseResult struct {
	Rows     []map[string]value.Value
	Affected int
}

// SocialProvider posts to social platforms for social-action nodes.
type SocialProvider interface {
	Post(ctx context.Context, platform, message string, options map[string]value.Value) (SocialPost, error)
}

// SocialPost identifies a published post.
type SocialPost struct {
	ID  string
	URL string
}

// StorageProvider backs file-action nodes.
type StorageProvider interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, path string) error
}

// NotificationProvider delivers notification-action messages to a named
// channel (chat room, pager rotation, device group).
type NotificationProvider interface {
	Notify(ctx context.Context, channel, title, message string, meta map[string]value.Value) error
}

// providerSet bundles every injected integration.
type providerSet struct {
	HTTP         *http.Client
	Email        EmailProvider
	Database     DatabaseProvider
	Social       SocialProvider
	Storage      StorageProvider
	Notification NotificationProvider
}

// logEmailProvider is the default: it logs the send and fabricates an id.
type logEmailProvider struct {
	logger zerolog.Logger
}

func (p logEmailProvider) Send(_ context.Context, msg EmailMessage) (string, error) {
	id := "msg_" + uuid.NewString()
	p.logger.Info().
		Strs("to", msg.To).
		Str("subject", msg.Subject).
		Str("message_id", id).
		Msg("email sent")
	return id, nil
}

// logSocialProvider is the default social provider.
type logSocialProvider struct {
	logger zerolog.Logger
}

func (p logSocialProvider) Post(_ context.Context, platform, message string, _ map[string]value.Value) (SocialPost, error) {
	post := SocialPost{ID: "post_" + uuid.NewString()}
	post.URL = fmt.Sprintf("https://%s.example.com/posts/%s", platform, post.ID)
	p.logger.Info().
		Str("platform", platform).
		Str("post_id", post.ID).
		Int("length", len(message)).
		Msg("social post published")
	return post, nil
}

// logNotificationProvider is the default notification provider.
type logNotificationProvider struct {
	logger zerolog.Logger
}

func (p logNotificationProvider) Notify(_ context.Context, channel, title, message string, _ map[string]value.Value) error {
	p.logger.Info().
		Str("channel", channel).
		Str("title", title).
		Str("message", message).
		Msg("notification delivered")
	return nil
}

// memoryDatabase is the default database provider: per-table row slices in
// memory. It gives database-action nodes real select/insert/update/delete
// semantics without an external system.
type memoryDatabase struct {
	mu     sync.Mutex
	tables map[string][]map[string]value.Value
}

func newMemoryDatabase() *memoryDatabase {
	return &memoryDatabase{tables: make(map[string][]map[string]value.Value)}
}

func (db *memoryDatabase) Query(_ context.Context, op DatabaseOp) (DatabaseResult, error) {
	if op.Table == "" {
		return DatabaseResult{}, fmt.Errorf("database: table is required")
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	switch op.Operation {
	case "insert":
		row := value.CloneMap(op.Values)
		db.tables[op.Table] = append(db.tables[op.Table], row)
		return DatabaseResult{Affected: 1}, nil

	case "select":
		var rows []map[string]value.Value
		for _, row := range db.tables[op.Table] {
			if matchRow(row, op.Where) {
				rows = append(rows, value.CloneMap(row))
				if op.Limit > 0 && len(rows) >= op.Limit {
					break
				}
			}
		}
		return DatabaseResult{Rows: rows}, nil

	case "update":
		affected := 0
		for _, row := range db.tables[op.Table] {
			if matchRow(row, op.Where) {
				for k, v := range op.Values {
					row[k] = v.Clone()
				}
				affected++
			}
		}
		return DatabaseResult{Affected: affected}, nil

	case "delete":
		kept := db.tables[op.Table][:0]
		affected := 0
		for _, row := range db.tables[op.Table] {
			if matchRow(row, op.Where) {
				affected++
				continue
			}
			kept = append(kept, row)
		}
		db.tables[op.Table] = kept
		return DatabaseResult{Affected: affected}, nil

	default:
		return DatabaseResult{}, fmt.Errorf("database: unsupported operation %q", op.Operation)
	}
}

func matchRow(row, where map[string]value.Value) bool {
	for k, want := range where {
		got, ok := row[k]
		if !ok || !got.Equal(want) {
			return false
		}
	}
	return true
}

// memoryStorage is the default storage provider: a path-keyed byte map.
type memoryStorage struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{files: make(map[string][]byte)}
}

func (s *memoryStorage) Read(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("storage: %s not found", path)
	}
	return append([]byte(nil), data...), nil
}

func (s *memoryStorage) Write(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	s.files[path] = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

func (s *memoryStorage) Copy(ctx context.Context, src, dst string) error {
	data, err := s.Read(ctx, src)
	if err != nil {
		return err
	}
	return s.Write(ctx, dst, data)
}

func (s *memoryStorage) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[path]; !ok {
		return fmt.Errorf("storage: %s not found", path)
	}
	delete(s.files, path)
	return nil
}
