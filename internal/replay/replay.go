// Package replay rejects duplicate sequence numbers per device. Each device
// keeps a bounded ring of recently accepted sequence numbers: an old,
// rotated-out number can be resubmitted, which is a bounded-memory trade-off
// rather than strict global duplicate detection.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RingSize is the number of accepted sequence numbers remembered per device.
const RingSize = 5

// ErrSeqReplay is returned when a sequence number is already in the ring.
var ErrSeqReplay = errors.New("seq_replay_detected")

// ErrInvalidTimestamp is returned when the payload timestamp cannot be parsed.
var ErrInvalidTimestamp = errors.New("invalid_timestamp")

// ErrTimestampOutOfWindow is returned when the payload timestamp is outside
// the configured skew window around now.
var ErrTimestampOutOfWindow = errors.New("timestamp_out_of_window")

// Ring is the per-device replay state.
type Ring struct {
	// Seqs holds the most recently accepted sequence numbers, newest first.
	Seqs []int64 `json:"seqs"`
	// LastTimestamp is the timestamp of the last accepted request.
	LastTimestamp string `json:"last_timestamp"`
}

// Store loads and mutates per-device rings. Update must apply fn atomically
// per key: the in-process store holds a per-key lock across the callback, the
// shared store relies on its own consistency model (see deployment notes).
type Store interface {
	Update(ctx context.Context, pseudoID string, fn func(r *Ring) error) error
}

// Guard performs the freshness assertion for the ingest path.
type Guard struct {
	store Store
	skew  time.Duration
	now   func() time.Time
}

// NewGuard returns a Guard with the given skew tolerance.
func NewGuard(store Store, skew time.Duration) *Guard {
	return &Guard{store: store, skew: skew, now: time.Now}
}

// AssertFresh parses the timestamp, enforces the skew window, then checks and
// updates the device ring. On acceptance the sequence number is pushed onto
// the ring front and the ring is trimmed to RingSize entries.
func (g *Guard) AssertFresh(ctx context.Context, pseudoID string, seq int64, timestampISO string) error {
	ts, err := time.Parse(time.RFC3339, timestampISO)
	if err != nil {
		return ErrInvalidTimestamp
	}

	drift := g.now().Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > g.skew {
		return ErrTimestampOutOfWindow
	}

	return g.store.Update(ctx, pseudoID, func(r *Ring) error {
		for _, seen := range r.Seqs {
			if seen == seq {
				return ErrSeqReplay
			}
		}
		r.Seqs = append([]int64{seq}, r.Seqs...)
		if len(r.Seqs) > RingSize {
			r.Seqs = r.Seqs[:RingSize]
		}
		r.LastTimestamp = timestampISO
		return nil
	})
}

// SetNow overrides the clock, for tests.
func (g *Guard) SetNow(now func() time.Time) {
	g.now = now
}

func wrapStore(err error) error {
	return fmt.Errorf("replay store: %w", err)
}
