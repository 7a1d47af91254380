package pseudo

import (
	"context"
	"sync"
	"time"
)

// MappingRecord is one row of the raw-to-pseudonym mapping.
type MappingRecord struct {
	DeviceIDRaw      string
	DidPseudo        string
	KeyVersion       string
	CollisionCounter int
	CreatedAt        time.Time
	LastSeen         time.Time
}

// MappingStore persists the mapping. Upsert is idempotent for a re-seen raw
// ID: it refreshes last_seen and the key version and returns the existing
// row. A did_pseudo collision with a different raw ID triggers deterministic
// suffix retries, bounded by maxCollisionAttempts.
type MappingStore interface {
	Upsert(ctx context.Context, deviceIDRaw, basePseudo, keyVersion string) (*MappingRecord, error)
	Lookup(ctx context.Context, didPseudo string) (*MappingRecord, error)
}

// MemoryStore is the in-process MappingStore used in tests and single-node
// development setups.
type MemoryStore struct {
	mu       sync.Mutex
	byRaw    map[string]*MappingRecord
	byPseudo map[string]string
	now      func() time.Time
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRaw:    make(map[string]*MappingRecord),
		byPseudo: make(map[string]string),
		now:      time.Now,
	}
}

// Upsert implements MappingStore.
func (s *MemoryStore) Upsert(_ context.Context, deviceIDRaw, basePseudo, keyVersion string) (*MappingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.byRaw[deviceIDRaw]; ok {
		rec.LastSeen = s.now()
		rec.KeyVersion = keyVersion
		clone := *rec
		return &clone, nil
	}

	for counter := 0; counter < maxCollisionAttempts; counter++ {
		candidate := basePseudo + CollisionSuffix(counter)
		if _, taken := s.byPseudo[candidate]; taken {
			continue
		}
		now := s.now()
		rec := &MappingRecord{
			DeviceIDRaw:      deviceIDRaw,
			DidPseudo:        candidate,
			KeyVersion:       keyVersion,
			CollisionCounter: counter,
			CreatedAt:        now,
			LastSeen:         now,
		}
		s.byRaw[deviceIDRaw] = rec
		s.byPseudo[candidate] = deviceIDRaw
		clone := *rec
		return &clone, nil
	}
	return nil, ErrCollisionRetriesExceeded
}

// Lookup implements MappingStore.
func (s *MemoryStore) Lookup(_ context.Context, didPseudo string) (*MappingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.byPseudo[didPseudo]
	if !ok {
		return nil, nil
	}
	clone := *s.byRaw[raw]
	return &clone, nil
}
