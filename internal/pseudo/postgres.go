package pseudo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const mappingSchema = `
CREATE TABLE IF NOT EXISTS mapping (
    device_id_raw     TEXT PRIMARY KEY,
    did_pseudo        TEXT NOT NULL UNIQUE,
    key_version       TEXT NOT NULL,
    collision_counter INT  NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen         TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore is the production MappingStore backed by the mapping table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore ensures the mapping table exists and returns the store.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, mappingSchema); err != nil {
		return nil, fmt.Errorf("ensure mapping table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Upsert implements MappingStore. A conflict on device_id_raw refreshes the
// existing row; a conflict on did_pseudo (a different raw ID owns the token)
// retries with the next deterministic suffix.
func (s *PostgresStore) Upsert(ctx context.Context, deviceIDRaw, basePseudo, keyVersion string) (*MappingRecord, error) {
	for counter := 0; counter < maxCollisionAttempts; counter++ {
		candidate := basePseudo + CollisionSuffix(counter)
		rec, err := s.insert(ctx, deviceIDRaw, candidate, keyVersion, counter)
		if err == nil {
			return rec, nil
		}
		if isPseudoConflict(err) {
			continue
		}
		return nil, err
	}
	return nil, ErrCollisionRetriesExceeded
}

func (s *PostgresStore) insert(ctx context.Context, deviceIDRaw, didPseudo, keyVersion string, counter int) (*MappingRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO mapping (device_id_raw, did_pseudo, key_version, collision_counter)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id_raw) DO UPDATE
		SET last_seen = now(), key_version = EXCLUDED.key_version
		RETURNING device_id_raw, did_pseudo, key_version, collision_counter, created_at, last_seen`,
		deviceIDRaw, didPseudo, keyVersion, counter)

	var rec MappingRecord
	if err := row.Scan(&rec.DeviceIDRaw, &rec.DidPseudo, &rec.KeyVersion,
		&rec.CollisionCounter, &rec.CreatedAt, &rec.LastSeen); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Lookup implements MappingStore.
func (s *PostgresStore) Lookup(ctx context.Context, didPseudo string) (*MappingRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id_raw, did_pseudo, key_version, collision_counter, created_at, last_seen
		FROM mapping WHERE did_pseudo = $1`, didPseudo)

	var rec MappingRecord
	err := row.Scan(&rec.DeviceIDRaw, &rec.DidPseudo, &rec.KeyVersion,
		&rec.CollisionCounter, &rec.CreatedAt, &rec.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// isPseudoConflict reports whether err is a unique violation on did_pseudo,
// i.e. a hash collision with a different raw ID.
func isPseudoConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && pqErr.Constraint == "mapping_did_pseudo_key"
	}
	return false
}
