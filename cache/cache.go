// Package cache provides read-through caching of training status and model
// info with Redis and in-memory backends behind one interface.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/edulab-ai/model-service/logger"
	"github.com/edulab-ai/model-service/nn"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Key prefixes group related entries for bulk invalidation.
const (
	PrefixTrainingStatus = "training_status"
	PrefixModelInfo      = "model_info"
	PrefixPrediction     = "prediction"
)

// Backend is a TTL key-value store for serialized values.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// RedisBackend stores entries in Redis.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an existing Redis client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return data, err
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisBackend) DeleteByPrefix(ctx context.Context, prefix string) error {
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return r.Delete(ctx, keys...)
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// MemoryBackend is a process-local TTL map, the fallback when Redis is not
// configured.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memoryEntry)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return nil, ErrCacheMiss
	}
	return entry.value, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[key] = memoryEntry{value: value, expires: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) DeleteByPrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	for k := range m.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
	return nil
}

// Manager serializes values as JSON over a backend and owns key construction.
// It implements training.StatusCache for invalidation.
type Manager struct {
	backend Backend
	ttl     time.Duration
}

// NewManager creates a cache manager with the default entry TTL.
func NewManager(backend Backend, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Manager{backend: backend, ttl: ttl}
}

// Key builds a deterministic cache key from a prefix and parts: the parts are
// sorted, joined, and hashed so argument order never produces distinct keys.
func (m *Manager) Key(prefix string, parts ...string) string {
	sorted := make([]string, len(parts))
	copy(sorted, parts)
	sort.Strings(sorted)
	var joined string
	for _, p := range sorted {
		joined += p + "|"
	}
	sum := md5.Sum([]byte(joined))
	return prefix + ":" + hex.EncodeToString(sum[:])
}

// Get unmarshals a cached value into out. Returns ErrCacheMiss when absent.
func (m *Manager) Get(ctx context.Context, key string, out interface{}) error {
	data, err := m.backend.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Set marshals and stores a value under the manager TTL. Failures are logged
// and swallowed; the cache is best-effort.
func (m *Manager) Set(ctx context.Context, key string, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		logger.Warnf("cache marshal %s: %v", key, err)
		return
	}
	if err := m.backend.Set(ctx, key, data, m.ttl); err != nil {
		logger.Warnf("cache set %s: %v", key, err)
	}
}

// InvalidateTrainingStatus drops the cached status entries of one owner.
func (m *Manager) InvalidateTrainingStatus(ownerID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := m.Key(PrefixTrainingStatus, fmt.Sprintf("%d", ownerID))
	if err := m.backend.Delete(ctx, key); err != nil {
		logger.Warnf("invalidate training status for owner %d: %v", ownerID, err)
	}
}

// InvalidateModelInfo drops cached model info and predictions of one owner
// and family.
func (m *Manager) InvalidateModelInfo(ownerID int64, family nn.Family) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := m.Key(PrefixModelInfo, fmt.Sprintf("%d", ownerID), string(family))
	if err := m.backend.Delete(ctx, key); err != nil {
		logger.Warnf("invalidate model info for %s_%d: %v", family, ownerID, err)
	}
	if err := m.backend.DeleteByPrefix(ctx, PrefixPrediction); err != nil {
		logger.Warnf("invalidate predictions: %v", err)
	}
}
