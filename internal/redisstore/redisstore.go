// Package redisstore persists memory namespaces in Redis: one hash per
// namespace holding the encoded entries, a sibling hash holding write
// timestamps, and a set listing known namespaces.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/syntonia/internal/config"
	"github.com/mtzanidakis/syntonia/internal/memory"
	"github.com/redis/go-redis/v9"
)

// saveScript upserts entries unless the stored timestamp is newer.
// Timestamps are zero-padded so string comparison orders them.
var saveScript = redis.NewScript(`
for i = 2, #ARGV, 3 do
	local cur = redis.call('HGET', KEYS[2], ARGV[i])
	if (not cur) or cur <= ARGV[i+1] then
		redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+2])
		redis.call('HSET', KEYS[2], ARGV[i], ARGV[i+1])
	end
end
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

type Store struct {
	rdb    *redis.Client
	prefix string
}

type record struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

func New(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "syntonia"
	}
	return &Store{rdb: rdb, prefix: prefix}, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) dataKey(namespace string) string {
	return s.prefix + ":ns:" + namespace
}

func (s *Store) tsKey(namespace string) string {
	return s.prefix + ":ts:" + namespace
}

func (s *Store) indexKey() string {
	return s.prefix + ":namespaces"
}

func stamp(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	return names, nil
}

func (s *Store) Load(ctx context.Context, namespace string) ([]memory.Entry, error) {
	fields, err := s.rdb.HGetAll(ctx, s.dataKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("load namespace: %w", err)
	}
	entries := make([]memory.Entry, 0, len(fields))
	for key, raw := range fields {
		var r record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		e := memory.Entry{
			Namespace: namespace,
			Key:       key,
			Value:     r.Value,
			UpdatedAt: time.Unix(0, r.UpdatedAt),
		}
		if r.ExpiresAt != 0 {
			e.ExpiresAt = time.Unix(0, r.ExpiresAt)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) Save(ctx context.Context, namespace string, entries []memory.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	args := make([]any, 0, 1+3*len(entries))
	args = append(args, namespace)
	for _, e := range entries {
		r := record{Value: e.Value, UpdatedAt: e.UpdatedAt.UnixNano()}
		if !e.ExpiresAt.IsZero() {
			r.ExpiresAt = e.ExpiresAt.UnixNano()
		}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Key, err)
		}
		args = append(args, e.Key, stamp(e.UpdatedAt), string(data))
	}
	keys := []string{s.dataKey(namespace), s.tsKey(namespace), s.indexKey()}
	if err := saveScript.Run(ctx, s.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("save namespace: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, namespace string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.dataKey(namespace), keys...)
		pipe.HDel(ctx, s.tsKey(namespace), keys...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	return nil
}
