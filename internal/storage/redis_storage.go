package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic retries when a watched key changes.
const maxTxRetries = 5

// RedisStorage implements Storage on Redis sets plus a hash mapping each
// value to the set holding it. An empty Redis set does not exist, so Remove
// deletes the key implicitly.
type RedisStorage struct {
	client redis.UniversalClient
	base   string
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage constructs a Redis-backed storage for base.
func NewRedisStorage(client redis.UniversalClient, base string) *RedisStorage {
	return &RedisStorage{client: client, base: base}
}

func (s *RedisStorage) Key(name string) string {
	return KeyFor(s.base, name)
}

func (s *RedisStorage) owners() string {
	return ownersKey(s.base)
}

func (s *RedisStorage) Get(ctx context.Context, name string) ([]string, error) {
	values, err := s.client.SMembers(ctx, s.Key(name)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	sort.Strings(values)
	return values, nil
}

func (s *RedisStorage) Add(ctx context.Context, name, value string) error {
	if err := s.claim(ctx, s.Key(name), value); err != nil {
		return fmt.Errorf("add to %s: %w", name, err)
	}
	return nil
}

// Move takes value from "from", and from whichever set currently holds it,
// into "to" within one MULTI/EXEC.
func (s *RedisStorage) Move(ctx context.Context, from, to, value string) error {
	if err := s.claim(ctx, s.Key(to), value, s.Key(from)); err != nil {
		return fmt.Errorf("move %s to %s: %w", from, to, err)
	}
	return nil
}

func (s *RedisStorage) Remove(ctx context.Context, name, value string) error {
	key := s.Key(name)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.HGet(ctx, s.owners(), value).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, key, value)
			if owner == key {
				pipe.HDel(ctx, s.owners(), value)
			}
			return nil
		})
		return err
	}, s.owners())
	if err != nil {
		return fmt.Errorf("remove from %s: %w", name, err)
	}
	return nil
}

func (s *RedisStorage) Delete(ctx context.Context, name string) error {
	key := s.Key(name)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		values, err := tx.SMembers(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		owned := make([]string, 0, len(values))
		if len(values) > 0 {
			current, err := tx.HMGet(ctx, s.owners(), values...).Result()
			if err != nil {
				return err
			}
			for i, owner := range current {
				if owner == key {
					owned = append(owned, values[i])
				}
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(owned) > 0 {
				pipe.HDel(ctx, s.owners(), owned...)
			}
			return nil
		})
		return err
	}, key, s.owners())
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// claim files value under key and drops it from its previous owner and from
// any extra keys.
func (s *RedisStorage) claim(ctx context.Context, key, value string, extra ...string) error {
	return s.watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.HGet(ctx, s.owners(), value).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if owner != "" && owner != key {
				pipe.SRem(ctx, owner, value)
			}
			for _, other := range extra {
				if other != key && other != owner {
					pipe.SRem(ctx, other, value)
				}
			}
			pipe.SAdd(ctx, key, value)
			pipe.HSet(ctx, s.owners(), value, key)
			return nil
		})
		return err
	}, s.owners())
}

func (s *RedisStorage) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for range maxTxRetries {
		if err = s.client.Watch(ctx, fn, keys...); !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}
