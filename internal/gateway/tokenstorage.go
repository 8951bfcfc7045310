package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const tokenStoragePrefix = "gateway:client:"

// RedisTokenStorage keeps one browser's session in Redis.
type RedisTokenStorage struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisTokenStorage stores the session of browser session id under its
// own key. ttl should match the refresh token lifetime.
func NewRedisTokenStorage(client *redis.Client, id string, ttl time.Duration) *RedisTokenStorage {
	return &RedisTokenStorage{client: client, key: tokenStoragePrefix + id, ttl: ttl}
}

// Load returns the stored session or nil.
func (s *RedisTokenStorage) Load(ctx context.Context) (*Session, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("gateway: load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("gateway: decode session: %w", err)
	}
	return &sess, nil
}

// Save replaces the stored session.
func (s *RedisTokenStorage) Save(ctx context.Context, session *Session) error {
	if session == nil {
		return s.Clear(ctx)
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("gateway: encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("gateway: save session: %w", err)
	}
	return nil
}

// Clear removes the stored session.
func (s *RedisTokenStorage) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("gateway: clear session: %w", err)
	}
	return nil
}
