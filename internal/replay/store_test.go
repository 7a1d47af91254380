package replay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func testRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, time.Hour), mr
}

func TestRedisStoreRejectsDuplicate(t *testing.T) {
	store, _ := testRedisStore(t)
	g := NewGuard(store, 5*time.Minute)
	g.SetNow(func() time.Time { return testNow })
	ctx := context.Background()
	ts := testNow.Format(time.RFC3339)

	if err := g.AssertFresh(ctx, "dev", 7, ts); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := g.AssertFresh(ctx, "dev", 7, ts); !errors.Is(err, ErrSeqReplay) {
		t.Errorf("duplicate seq error = %v, want ErrSeqReplay", err)
	}
	// Other devices are unaffected.
	if err := g.AssertFresh(ctx, "other", 7, ts); err != nil {
		t.Errorf("other device: %v", err)
	}
}

func TestRedisStoreConcurrentDuplicateAcceptedOnce(t *testing.T) {
	store, _ := testRedisStore(t)
	g := NewGuard(store, 5*time.Minute)
	g.SetNow(func() time.Time { return testNow })
	ts := testNow.Format(time.RFC3339)

	const workers = 8
	var accepted, replayed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.AssertFresh(context.Background(), "dev", 7, ts)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrSeqReplay):
				replayed.Add(1)
			default:
				t.Errorf("AssertFresh: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != 1 || replayed.Load() != workers-1 {
		t.Errorf("accepted = %d, replayed = %d, want exactly one accept out of %d",
			accepted.Load(), replayed.Load(), workers)
	}
}

func TestRedisStoreResetsCorruptRing(t *testing.T) {
	store, mr := testRedisStore(t)
	if err := mr.Set("replay:dev", "not-json"); err != nil {
		t.Fatalf("seed corrupt value: %v", err)
	}

	err := store.Update(context.Background(), "dev", func(r *Ring) error {
		if len(r.Seqs) != 0 {
			t.Errorf("ring = %v, want empty after corrupt value", r.Seqs)
		}
		r.Seqs = []int64{1}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := mr.TTL("replay:dev"); got != time.Hour {
		t.Errorf("TTL = %v, want 1h", got)
	}
}

func TestRedisStorePropagatesCallbackError(t *testing.T) {
	store, _ := testRedisStore(t)
	boom := errors.New("boom")
	err := store.Update(context.Background(), "dev", func(r *Ring) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update error = %v, want boom", err)
	}
}
