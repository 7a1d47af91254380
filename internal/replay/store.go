package replay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// MemoryStore keeps rings in process memory with a per-device lock, so
// concurrent requests for the same device serialize on the check-and-push.
type MemoryStore struct {
	rings sync.Map // pseudoID -> *memoryRing
}

type memoryRing struct {
	mu   sync.Mutex
	ring Ring
}

// NewMemoryStore returns an empty in-process ring store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, pseudoID string, fn func(r *Ring) error) error {
	entry, _ := s.rings.LoadOrStore(pseudoID, &memoryRing{})
	mr := entry.(*memoryRing)
	mr.mu.Lock()
	defer mr.mu.Unlock()
	return fn(&mr.ring)
}

// RedisStore keeps rings in a shared Redis so replay detection holds across
// gateway instances. Rings expire after the TTL so idle devices age out.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore returns a ring store on the given client. A non-positive ttl
// defaults to 24h.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

// maxTxRetries bounds optimistic-lock retries when concurrent updates race on
// the same device key.
const maxTxRetries = 16

// Update implements Store. The check-and-push runs under WATCH: a concurrent
// write to the same key between the read and the transactional SET aborts the
// transaction and the cycle retries, so two requests carrying the same seq
// cannot both pass.
func (s *RedisStore) Update(ctx context.Context, pseudoID string, fn func(r *Ring) error) error {
	key := "replay:" + pseudoID

	txn := func(tx *redis.Tx) error {
		var ring Ring
		raw, err := tx.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return wrapStore(err)
		}
		if err == nil {
			if err := json.Unmarshal([]byte(raw), &ring); err != nil {
				ring = Ring{}
			}
		}

		if err := fn(&ring); err != nil {
			return err
		}

		encoded, err := json.Marshal(ring)
		if err != nil {
			return wrapStore(err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, string(encoded), s.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return wrapStore(redis.TxFailedErr)
}
