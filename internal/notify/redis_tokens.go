package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTokens keeps device tokens in one Redis set per user.
type RedisTokens struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisTokens(client redis.UniversalClient) *RedisTokens {
	return &RedisTokens{client: client, prefix: "device_tokens:"}
}

func (r *RedisTokens) key(userID string) string { return r.prefix + userID }

func (r *RedisTokens) DeviceTokens(ctx context.Context, userID string) ([]string, error) {
	tokens, err := r.client.SMembers(ctx, r.key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", r.key(userID), err)
	}
	return tokens, nil
}

func (r *RedisTokens) Register(ctx context.Context, userID, token string) error {
	return r.client.SAdd(ctx, r.key(userID), token).Err()
}

func (r *RedisTokens) Unregister(ctx context.Context, userID, token string) error {
	return r.client.SRem(ctx, r.key(userID), token).Err()
}
