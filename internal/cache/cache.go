// Package cache provides a small Redis-backed JSON cache. When no Redis
// address is configured every operation is a no-op, so callers never need
// to branch on whether caching is enabled.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"
)

// ErrMiss is returned by GetJSON when the key is absent or caching is disabled.
var ErrMiss = errors.New("cache miss")

// Cache wraps a redigo pool. The zero value (or New("")) is a disabled cache.
type Cache struct {
	pool *redis.Pool
}

// New builds a cache against the given Redis address ("host:port").
// An empty address yields a disabled cache.
func New(addr string) *Cache {
	if addr == "" {
		return &Cache{}
	}
	pool := &redis.Pool{
		MaxIdle:     8,
		MaxActive:   32,
		IdleTimeout: 4 * time.Minute,
		Wait:        true,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr,
				redis.DialConnectTimeout(2*time.Second),
				redis.DialReadTimeout(2*time.Second),
				redis.DialWriteTimeout(2*time.Second))
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	return &Cache{pool: pool}
}

// Enabled reports whether a Redis backend is configured.
func (c *Cache) Enabled() bool { return c != nil && c.pool != nil }

// Close releases the underlying pool.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.pool.Close()
}

// Ping checks connectivity to the backend.
func (c *Cache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return errors.New("cache disabled")
	}
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("PING")
	return err
}

// GetJSON fetches key and unmarshals it into dest. Returns ErrMiss on
// absence; a corrupted entry is deleted and reported as a miss.
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) error {
	if !c.Enabled() {
		return ErrMiss
	}
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("cache get %s: %w", key, err)
	}
	defer conn.Close()

	raw, err := redis.Bytes(conn.Do("GET", key))
	if errors.Is(err, redis.ErrNil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("dropping corrupted cache entry")
		_, _ = conn.Do("DEL", key)
		return ErrMiss
	}
	return nil
}

// SetJSON stores value under key with the given TTL. A non-positive TTL
// stores without expiry.
func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	defer conn.Close()

	if ttl > 0 {
		_, err = conn.Do("SET", key, raw, "EX", int(ttl.Seconds()))
	} else {
		_, err = conn.Do("SET", key, raw)
	}
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes the given keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if !c.Enabled() || len(keys) == 0 {
		return nil
	}
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	_, err = conn.Do("DEL", args...)
	return err
}

// DeleteByPrefix removes all keys under prefix using cursor-based SCAN, so
// it is safe against large keyspaces.
func (c *Cache) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if !c.Enabled() {
		return 0, nil
	}
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	deleted := 0
	cursor := 0
	for {
		values, err := redis.Values(conn.Do("SCAN", cursor, "MATCH", prefix+"*", "COUNT", 200))
		if err != nil {
			return deleted, err
		}
		var keys []string
		if _, err := redis.Scan(values, &cursor, &keys); err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			args := make([]any, len(keys))
			for i, k := range keys {
				args[i] = k
			}
			if _, err := conn.Do("DEL", args...); err != nil {
				return deleted, err
			}
			deleted += len(keys)
		}
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Key joins parts into a namespaced cache key. Empty parts are skipped.
func Key(parts ...string) string {
	kept := make([]string, 0, len(parts)+1)
	kept = append(kept, "prsnl")
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ":")
}
