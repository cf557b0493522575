// Package rediscache implements the token cache on Redis.
//
// Cached token records are encrypted with the session secret before
// they reach Redis, so a compromised cache never exposes token secrets
// or identity data.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lsst-sqre/gafaelfawr/pkg/crypto"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DataTTL caps how long a cached token record may be served without a
// round trip to SQL.
const DataTTL = 5 * time.Minute

// Key prefixes in the cache keyspace.
const (
	tokenPrefix    = "token"
	internalPrefix = "internal"
	notebookPrefix = "notebook"
	lockPrefix     = "lock"
)

// Cache implements storage.TokenCache on a Redis backend.
type Cache struct {
	client    redis.UniversalClient
	encryptor *crypto.Encryptor
}

var _ storage.TokenCache = (*Cache)(nil)

// New connects to Redis at the given URL and verifies the connection.
// Cached values are encrypted with the session secret key.
func New(ctx context.Context, redisURL string, key []byte) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	opts.DialTimeout = DefaultDialTimeout
	opts.ReadTimeout = DefaultReadTimeout
	opts.WriteTimeout = DefaultWriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, key)
}

// NewWithClient creates a Cache with a pre-configured client. This is
// useful for testing with miniredis.
func NewWithClient(client redis.UniversalClient, key []byte) (*Cache, error) {
	encryptor, err := crypto.NewEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("creating cache encryptor: %w", err)
	}
	return &Cache{client: client, encryptor: encryptor}, nil
}

// Close closes the underlying Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Get returns the cached data for a token key, or storage.ErrNotFound.
func (c *Cache) Get(ctx context.Context, key string) (*token.Data, error) {
	value, err := c.client.Get(ctx, redisKey(tokenPrefix, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting cached token: %w", err)
	}

	payload, err := c.encryptor.Open(value, 0)
	if err != nil {
		// An undecryptable entry is useless; drop it and report a miss.
		_ = c.client.Del(ctx, redisKey(tokenPrefix, key)).Err()
		return nil, storage.ErrNotFound
	}

	var data token.Data
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("unmarshalling cached token: %w", err)
	}
	return &data, nil
}

// Store writes token data with TTL = min(remaining lifetime, DataTTL).
// Already-expired tokens are not stored.
func (c *Cache) Store(ctx context.Context, data *token.Data) error {
	ttl := DataTTL
	if data.Expires != nil {
		remaining := time.Until(*data.Expires)
		if remaining <= 0 {
			return nil
		}
		if remaining < ttl {
			ttl = remaining
		}
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshalling token data: %w", err)
	}
	sealed, err := c.encryptor.Seal(payload)
	if err != nil {
		return fmt.Errorf("sealing token data: %w", err)
	}

	if err := c.client.Set(ctx, redisKey(tokenPrefix, data.Token.Key), sealed, ttl).Err(); err != nil {
		return fmt.Errorf("storing cached token: %w", err)
	}
	return nil
}

// Delete evicts a token's cache entry.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, redisKey(tokenPrefix, key)).Err(); err != nil {
		return fmt.Errorf("deleting cached token: %w", err)
	}
	return nil
}

// GetInternal returns a cached internal token for a mint fingerprint.
func (c *Cache) GetInternal(ctx context.Context, parentKey, fingerprint string) (string, error) {
	return c.getWire(ctx, redisKey(internalPrefix, parentKey, fingerprint))
}

// StoreInternal records the wire form of an internal token under its
// parent key and fingerprint.
func (c *Cache) StoreInternal(ctx context.Context, parentKey, fingerprint, wire string, ttl time.Duration) error {
	return c.storeWire(ctx, redisKey(internalPrefix, parentKey, fingerprint), wire, ttl)
}

// GetNotebook returns a cached notebook token for a parent key.
func (c *Cache) GetNotebook(ctx context.Context, parentKey string) (string, error) {
	return c.getWire(ctx, redisKey(notebookPrefix, parentKey))
}

// StoreNotebook records the wire form of a notebook token under its
// parent's key.
func (c *Cache) StoreNotebook(ctx context.Context, parentKey, wire string, ttl time.Duration) error {
	return c.storeWire(ctx, redisKey(notebookPrefix, parentKey), wire, ttl)
}

// DeleteChild drops the mint dedup entries referring to parentKey.
func (c *Cache) DeleteChild(ctx context.Context, parentKey string) error {
	keys := []string{redisKey(notebookPrefix, parentKey)}

	iter := c.client.Scan(ctx, 0, redisKey(internalPrefix, parentKey, "*"), 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning child entries: %w", err)
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting child entries: %w", err)
	}
	return nil
}

// Lock attempts to take a short-lived mint lock via SETNX.
func (c *Cache) Lock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	acquired, err := c.client.SetNX(ctx, redisKey(lockPrefix, name), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lock: %w", err)
	}
	return acquired, nil
}

// Unlock releases a mint lock.
func (c *Cache) Unlock(ctx context.Context, name string) error {
	if err := c.client.Del(ctx, redisKey(lockPrefix, name)).Err(); err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

// Keys lists the token keys currently cached, for audit scans.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	prefix := tokenPrefix + ":"
	var keys []string

	iter := c.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning token keys: %w", err)
	}

	return keys, nil
}

func (c *Cache) getWire(ctx context.Context, key string) (string, error) {
	wire, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting cached child token: %w", err)
	}
	return wire, nil
}

func (c *Cache) storeWire(ctx context.Context, key, wire string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, key, wire, ttl).Err(); err != nil {
		return fmt.Errorf("storing cached child token: %w", err)
	}
	return nil
}

// redisKey builds a cache key from the prefix and id parts.
func redisKey(parts ...string) string {
	key := parts[0]
	for _, part := range parts[1:] {
		key += ":" + part
	}
	return key
}
