package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/instagram-connect/internal/repository"
)

const noncePrefix = "instagram:nonce:"

// RedisNonceStore implements NonceStore backed by Redis.
type RedisNonceStore struct {
	client redis.UniversalClient
}

var _ repository.NonceStore = (*RedisNonceStore)(nil)

// NewRedisNonceStore constructs a Redis-backed nonce store.
func NewRedisNonceStore(client redis.UniversalClient) *RedisNonceStore {
	return &RedisNonceStore{client: client}
}

// SaveNonce binds nonce to siteID for ttl.
func (s *RedisNonceStore) SaveNonce(ctx context.Context, nonce string, siteID int64, ttl time.Duration) error {
	if err := s.client.Set(ctx, noncePrefix+nonce, strconv.FormatInt(siteID, 10), ttl).Err(); err != nil {
		return fmt.Errorf("persist nonce: %w", err)
	}
	return nil
}

// ConsumeNonce loads and deletes the nonce in one round trip.
func (s *RedisNonceStore) ConsumeNonce(ctx context.Context, nonce string) (int64, bool, error) {
	value, err := s.client.GetDel(ctx, noncePrefix+nonce).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("load nonce: %w", err)
	}
	siteID, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("decode nonce: %w", err)
	}
	return siteID, true, nil
}
