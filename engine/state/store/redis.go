package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces state keys inside a shared Redis instance.
const redisKeyPrefix = "omniflow:state:"

// RedisStore persists records in Redis as JSON values under a key prefix.
// It is the `external_kv` strategy: durable enough for restart recovery when
// Redis persistence (AOF/RDB) is enabled, and shareable across processes.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis at addr (e.g. "localhost:6379"). A
// non-zero ttl expires records that are never updated again, which acts as a
// backstop for the manager's cleanup pass.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

// Save writes the record as JSON. Redis acknowledges after the write is
// applied to the dataset, so the record is visible to other readers before
// return.
func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", rec.ID, err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+rec.ID, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save state %s: %w", rec.ID, err)
	}
	return nil
}

// Load retrieves one record.
func (s *RedisStore) Load(ctx context.Context, id string) (Record, error) {
	payload, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load state %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("decode state %s: %w", id, err)
	}
	return rec, nil
}

// Delete removes one record.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("delete state %s: %w", id, err)
	}
	return nil
}

// List scans the key prefix and filters client-side. Fine for the recovery
// and cleanup paths, which run rarely; not intended for hot queries.
func (s *RedisStore) List(ctx context.Context, f Filter) ([]Record, error) {
	var out []Record
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		payload, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("list states: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode state %s: %w", iter.Val(), err)
		}
		if f.Matches(rec) {
			out = append(out, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan states: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
