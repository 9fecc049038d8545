package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
	redisclient "github.com/zatekoja/aivisibility/internal/infrastructure/clients/redis"
)

const scanBatchSize = 500

// RedisAdapter implements the CacheProvider interface using Redis
type RedisAdapter struct {
	client *redisclient.Client
}

// NewRedisAdapter creates a new Redis cache adapter
func NewRedisAdapter(client *redisclient.Client) providers.CacheProvider {
	return &RedisAdapter{
		client: client,
	}
}

// Get retrieves a value from cache
func (a *RedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := a.client.Client().Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, providers.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}
	return result, nil
}

// Set stores a value in cache with expiration
func (a *RedisAdapter) Set(ctx context.Context, key string, value []byte, expirationSeconds int) error {
	expiration := time.Duration(expirationSeconds) * time.Second
	if err := a.client.Client().Set(ctx, key, value, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set in cache: %w", err)
	}
	return nil
}

// Delete removes a value from cache
func (a *RedisAdapter) Delete(ctx context.Context, key string) error {
	if err := a.client.Client().Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete from cache: %w", err)
	}
	return nil
}

// Exists checks if a key exists in cache
func (a *RedisAdapter) Exists(ctx context.Context, key string) (bool, error) {
	result, err := a.client.Client().Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check existence in cache: %w", err)
	}
	return result > 0, nil
}

// DeletePattern removes every key matching pattern, walking the keyspace with SCAN
func (a *RedisAdapter) DeletePattern(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	err := a.scan(ctx, pattern, func(keys []string) error {
		n, err := a.client.Client().Del(ctx, keys...).Result()
		if err != nil {
			return err
		}
		deleted += int(n)
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("failed to delete pattern %s: %w", pattern, err)
	}
	return deleted, nil
}

// CountPattern counts keys matching pattern
func (a *RedisAdapter) CountPattern(ctx context.Context, pattern string) (int, error) {
	count := 0
	err := a.scan(ctx, pattern, func(keys []string) error {
		count += len(keys)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count pattern %s: %w", pattern, err)
	}
	return count, nil
}

// MemoryUsage returns used_memory_human from INFO memory
func (a *RedisAdapter) MemoryUsage(ctx context.Context) (string, error) {
	info, err := a.client.Client().Info(ctx, "memory").Result()
	if err != nil {
		return "", fmt.Errorf("failed to read memory info: %w", err)
	}

	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		if value, ok := strings.CutPrefix(scanner.Text(), "used_memory_human:"); ok {
			return strings.TrimSpace(value), nil
		}
	}
	return "", fmt.Errorf("used_memory_human not reported")
}

func (a *RedisAdapter) scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := a.client.Client().Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
