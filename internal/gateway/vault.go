package gateway

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// vault keeps single-use opaque tokens in Redis. A token resolves to its
// JSON payload until it expires or is taken.
type vault struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func newVault(client *redis.Client, prefix string, ttl time.Duration) vault {
	return vault{client: client, prefix: prefix, ttl: ttl}
}

func (v vault) key(token string) string {
	return v.prefix + token
}

func (v vault) put(ctx context.Context, payload any) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("gateway: marshal token payload: %w", err)
	}
	if err := v.client.Set(ctx, v.key(token), data, v.ttl).Err(); err != nil {
		return "", fmt.Errorf("gateway: store token: %w", err)
	}
	return token, nil
}

// take resolves and invalidates token in one step.
func (v vault) take(ctx context.Context, token string, dest any) error {
	if token == "" {
		return ErrInvalidGrant
	}
	data, err := v.client.GetDel(ctx, v.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrInvalidGrant
		}
		return fmt.Errorf("gateway: load token: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("gateway: decode token payload: %w", err)
	}
	return nil
}

func (v vault) drop(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := v.client.Del(ctx, v.key(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("gateway: random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
