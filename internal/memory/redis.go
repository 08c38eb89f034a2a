package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix    = "voicegw"
	defaultRedisTTL       = 24 * time.Hour
	defaultRedisMaxLength = 200
)

// RedisStore keeps recent turns in a capped Redis list per tenant and scope.
// Newest turns are at the head of the list.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	maxLength int64
}

type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix. Default is "voicegw".
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRedisTTL sets how long an idle scope's turns are kept. Zero disables
// expiry.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

func WithRedisMaxLength(n int) RedisOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxLength = int64(n)
		}
	}
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		prefix:    defaultRedisPrefix,
		ttl:       defaultRedisTTL,
		maxLength: defaultRedisMaxLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStoreFromURL parses a redis:// URL and checks connectivity.
func NewRedisStoreFromURL(ctx context.Context, redisURL string, opts ...RedisOption) (*RedisStore, error) {
	o, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisStore(client, opts...), nil
}

func (s *RedisStore) key(tenantID, contextScope string) string {
	return fmt.Sprintf("%s:turns:%s:%s", s.prefix, tenantID, contextScope)
}

func (s *RedisStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if err := normalize(&record, uuid.NewString); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	key := s.key(record.TenantID, record.ContextScope)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, s.maxLength-1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *RedisStore) RecentTurns(ctx context.Context, tenantID, contextScope string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	raw, err := s.client.LRange(ctx, s.key(tenantID, contextScope), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	items := make([]TurnRecord, 0, len(raw))
	for _, entry := range raw {
		var r TurnRecord
		if err := json.Unmarshal([]byte(entry), &r); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		items = append(items, r)
	}
	reverse(items)
	return items, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
