package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

const (
	redisDefaultPrefix = "chat-cli:session"
	redisPingTimeout   = 5 * time.Second
)

// RedisBackend stores tokens in Redis, one key per field:
// <prefix>:<profile>:access_token, :refresh_token, :token_type and :expiry.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds the connection settings of a RedisBackend.
type RedisConfig struct {
	URL     string
	Profile string
	Prefix  string
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisBackendWithClient(client, cfg.Profile, cfg.Prefix), nil
}

// NewRedisBackendWithClient wraps an existing client.
func NewRedisBackendWithClient(client *redis.Client, profile, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = redisDefaultPrefix
	}
	return &RedisBackend{
		client: client,
		prefix: prefix + ":" + profile,
	}
}

func (r *RedisBackend) key(field string) string {
	return r.prefix + ":" + field
}

func (r *RedisBackend) keys() []string {
	return []string{
		r.key("access_token"),
		r.key("refresh_token"),
		r.key("token_type"),
		r.key("expiry"),
	}
}

func (r *RedisBackend) Load(ctx context.Context) (*oauth2.Token, error) {
	vals, err := r.client.MGet(ctx, r.keys()...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens from redis: %w", err)
	}

	field := func(i int) string {
		if s, ok := vals[i].(string); ok {
			return s
		}
		return ""
	}

	token := &oauth2.Token{
		AccessToken:  field(0),
		RefreshToken: field(1),
		TokenType:    field(2),
	}
	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, nil
	}
	if exp := field(3); exp != "" {
		expiry, err := time.Parse(time.RFC3339, exp)
		if err != nil {
			return nil, fmt.Errorf("invalid stored expiry %q: %w", exp, err)
		}
		token.Expiry = expiry
	}
	return token, nil
}

func (r *RedisBackend) Save(ctx context.Context, token *oauth2.Token) error {
	if token == nil {
		return r.Clear(ctx)
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.keys()...)
		pipe.Set(ctx, r.key("access_token"), token.AccessToken, 0)
		pipe.Set(ctx, r.key("refresh_token"), token.RefreshToken, 0)
		if token.TokenType != "" {
			pipe.Set(ctx, r.key("token_type"), token.TokenType, 0)
		}
		if !token.Expiry.IsZero() {
			pipe.Set(ctx, r.key("expiry"), token.Expiry.UTC().Format(time.RFC3339), 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save tokens to redis: %w", err)
	}
	return nil
}

func (r *RedisBackend) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.keys()...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to clear tokens in redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
