// Package callcache implements the suite-scope callSingle cache from
// spec.md §4.3: results keyed by resource path, computed at most once
// per process (a value or failure, once held in memory, does not expire;
// the TTL applies to the backing store), optionally shared across runner
// processes.
//
// Grounded on the teacher's internal/infrastructure/cache/{interface,redis}.go:
// same Cache interface shape (Get/Set/Exists/Delete), same CacheError
// taxonomy with error codes, same marshal-to-JSON-before-store
// convention, same "nil config falls back to sane defaults" constructor
// pattern. Re-keyed from a Redis-only implementation to two concrete
// backends: an in-memory github.com/hashicorp/golang-lru/v2 cache for
// the common single-process case, and the teacher's original
// github.com/redis/go-redis/v9-backed cache for suites that share a
// callSingle cache across multiple runner processes.
package callcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Cache is the callSingle store contract; Get reports a CacheError with
// code NOT_FOUND on miss.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Error is the callcache error taxonomy, mirroring the teacher's
// CacheError{Message,Code,Cause}.
type Error struct {
	Message string
	Code    string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(message, code string) *Error { return &Error{Message: message, Code: code} }

// ErrNotFound is returned by Get on a cache miss.
var ErrNotFound = newError("key not found", "NOT_FOUND")

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Code == "NOT_FOUND"
}

// ---- in-memory LRU backend ----

// LRUCache is the default single-process callSingle store: bounded size,
// per-entry TTL honored lazily on Get (expired entries are evicted on
// first access, matching the teacher's "check TTL in Get" convention for
// its local fallback path).
type LRUCache struct {
	store  *lru.Cache[string, lruEntry]
	logger *slog.Logger
}

type lruEntry struct {
	data    []byte
	expires time.Time
}

// NewLRUCache builds a bounded in-memory cache holding up to maxEntries
// keys. A non-positive maxEntries defaults to 1000, matching
// runnerconfig's default.
func NewLRUCache(maxEntries int, logger *slog.Logger) (*LRUCache, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	store, err := lru.New[string, lruEntry](maxEntries)
	if err != nil {
		return nil, newError("failed to create lru cache", "CONFIG_ERROR").withCause(err)
	}
	return &LRUCache{store: store, logger: logger}, nil
}

func (e *Error) withCause(err error) *Error {
	e.Cause = err
	return e
}

func (c *LRUCache) Get(_ context.Context, key string, dest interface{}) error {
	entry, ok := c.store.Get(key)
	if !ok {
		return ErrNotFound
	}
	if !entry.expires.IsZero() && time.Now().After(entry.expires) {
		c.store.Remove(key)
		return ErrNotFound
	}
	if err := json.Unmarshal(entry.data, dest); err != nil {
		return newError("failed to unmarshal cache value", "UNMARSHAL_ERROR").withCause(err)
	}
	return nil
}

func (c *LRUCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return newError("failed to marshal cache value", "MARSHAL_ERROR").withCause(err)
	}
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	c.store.Add(key, lruEntry{data: data, expires: expires})
	c.logger.Debug("callcache: stored entry", "key", key, "ttl", ttl)
	return nil
}

func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.store.Remove(key)
	return nil
}

func (c *LRUCache) Exists(ctx context.Context, key string) (bool, error) {
	var discard json.RawMessage
	err := c.Get(ctx, key, &discard)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// ---- Redis-backed distributed backend ----

// RedisCache shares a callSingle cache across runner processes, for
// suites whose callonce/callSingle setup is expensive enough to be worth
// amortizing across CI shards.
type RedisCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisCache dials addr (e.g. "localhost:6379" or a miniredis address
// in tests) and verifies connectivity with Ping.
func NewRedisCache(addr string, logger *slog.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, newError("failed to connect to redis", "CONNECTION_ERROR").withCause(err)
	}
	logger.Info("callcache: connected to redis", "addr", addr)
	return &RedisCache{client: client, logger: logger}, nil
}

func (rc *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := rc.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrNotFound
		}
		return newError("failed to get value from cache", "GET_ERROR").withCause(err)
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return newError("failed to unmarshal cache value", "UNMARSHAL_ERROR").withCause(err)
	}
	return nil
}

func (rc *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return newError("failed to marshal cache value", "MARSHAL_ERROR").withCause(err)
	}
	if err := rc.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return newError("failed to set value in cache", "SET_ERROR").withCause(err)
	}
	return nil
}

func (rc *RedisCache) Delete(ctx context.Context, key string) error {
	if err := rc.client.Del(ctx, key).Err(); err != nil {
		return newError("failed to delete cache value", "DELETE_ERROR").withCause(err)
	}
	return nil
}

func (rc *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := rc.client.Exists(ctx, key).Result()
	if err != nil {
		return false, newError("failed to check cache key", "EXISTS_ERROR").withCause(err)
	}
	return n > 0, nil
}
