package cache

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/semcache/pkg/types"
)

// RedisStore is a Redis-backed exact tier for deployments where several
// cache instances share one population. Entries are stored as JSON under a
// namespace prefix; expiry rides on Redis TTLs.
type RedisStore struct {
	client    goredis.UniversalClient
	namespace string
}

// RedisConfig holds connection settings for the Redis exact tier.
type RedisConfig struct {
	// Addrs holds one address for single-node or several for cluster.
	Addrs []string `yaml:"addrs"`

	// MasterName switches the client to sentinel mode when set.
	MasterName string `yaml:"master_name"`

	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Namespace    string        `yaml:"namespace"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addrs:        []string{"localhost:6379"},
		Namespace:    "semcache",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if len(cfg.Addrs) == 0 {
		cfg.Addrs = []string{"localhost:6379"}
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "semcache"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client:    client,
		namespace: cfg.Namespace,
	}, nil
}

func (s *RedisStore) key(fingerprint string) string {
	return s.namespace + ":entry:" + fingerprint
}

func (s *RedisStore) pattern() string {
	return s.namespace + ":entry:*"
}

// Get retrieves an entry by fingerprint.
func (s *RedisStore) Get(ctx context.Context, fingerprint string) (*types.Entry, bool, error) {
	val, err := s.client.Get(ctx, s.key(fingerprint)).Bytes()
	if err != nil {
		if stderrors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var entry types.Entry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &entry, true, nil
}

// Put stores an entry with its remaining TTL. Entries already past their
// expiry are deleted instead.
func (s *RedisStore) Put(ctx context.Context, entry *types.Entry) error {
	ttl := time.Until(entry.ExpiresAt())
	if entry.TTLSeconds > 0 && ttl <= 0 {
		return s.Delete(ctx, entry.Fingerprint)
	}
	if entry.TTLSeconds <= 0 {
		ttl = 0 // no expiry
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := s.client.Set(ctx, s.key(entry.Fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes entries by fingerprint.
func (s *RedisStore) Delete(ctx context.Context, fingerprints ...string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	keys := make([]string, len(fingerprints))
	for i, fp := range fingerprints {
		keys[i] = s.key(fp)
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear removes every entry in the namespace.
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.pattern(), 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(batch) > 0 {
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	return nil
}

// Len counts entries in the namespace.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	count := 0
	iter := s.client.Scan(ctx, 0, s.pattern(), 500).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	return count, nil
}

// Snapshot fetches all entries in the namespace.
func (s *RedisStore) Snapshot(ctx context.Context) ([]*types.Entry, error) {
	keys := make([]string, 0, 512)
	iter := s.client.Scan(ctx, 0, s.pattern(), 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}

	out := make([]*types.Entry, 0, len(keys))
	for start := 0; start < len(keys); start += 256 {
		end := start + 256
		if end > len(keys) {
			end = len(keys)
		}
		vals, err := s.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis mget: %w", err)
		}
		for _, val := range vals {
			raw, ok := val.(string)
			if !ok {
				continue // expired between scan and fetch
			}
			var entry types.Entry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				continue
			}
			out = append(out, &entry)
		}
	}
	return out, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
