// Package idem caches responses by client-supplied idempotency key so a
// retried request replays the original response instead of re-executing the
// ingest pipeline. A key reused with a different body is a conflict.
package idem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrConflict is returned when a key is reused with a different body.
var ErrConflict = errors.New("idempotency_conflict")

// Entry is a cached response.
type Entry struct {
	BodyHash    string `json:"body_hash"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Store persists entries with a TTL.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
}

// BodyHash returns the stable hash of a request body used for conflict
// detection.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Check looks up key. It returns the cached entry when the stored hash
// matches bodyHash, ErrConflict when it does not, and (nil, nil) on a miss.
func Check(ctx context.Context, store Store, key, bodyHash string) (*Entry, error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	if entry.BodyHash != bodyHash {
		return nil, ErrConflict
	}
	return entry, nil
}

// MemoryStore is the in-process Store with lazy TTL expiry.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	me, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if s.now().After(me.expiresAt) {
		delete(s.entries, key)
		return nil, nil
	}
	clone := me.entry
	return &clone, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{entry: entry, expiresAt: s.now().Add(ttl)}
	return nil
}

// RedisStore is the shared Store so replays are recognized across gateway
// instances.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a store on the given client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.client.Get(ctx, "idem:"+key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, "idem:"+key, string(encoded), ttl).Err()
}
