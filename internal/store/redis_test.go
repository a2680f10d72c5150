package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestClient(t *testing.T) (*RedisClient, *miniredis.Miniredis, *atomic.Int64) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })

	var nowMs atomic.Int64
	nowMs.Store(5_000_000)
	c, err := NewRedisClient(fmt.Sprintf("redis://%s/0", mr.Addr()), WithClock(func() time.Time {
		return time.UnixMilli(nowMs.Load())
	}))
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr, &nowMs
}

func TestPutGetRoundtrip(t *testing.T) {
	c, _, nowMs := newTestClient(t)
	ctx := context.Background()

	ts, err := c.Put(ctx, "k1", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ts.UnixMilli() != nowMs.Load() {
		t.Fatalf("Put ack time = %d, want %d", ts.UnixMilli(), nowMs.Load())
	}

	raw, _, err := c.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(raw) != `{"a":1}` {
		t.Fatalf("Get = %q", raw)
	}

	missing, _, err := c.Get(ctx, "k-missing")
	if err != nil {
		t.Fatalf("Get missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("missing key should read nil, got %q", missing)
	}
}

func TestUpdateReadsCurrentValueAndServerTime(t *testing.T) {
	c, _, nowMs := newTestClient(t)
	ctx := context.Background()

	if _, err := c.Put(ctx, "k2", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	nowMs.Store(5_001_000)

	next, ts, err := c.Update(ctx, "k2", func(old []byte, now time.Time) ([]byte, error) {
		if string(old) != "v1" {
			t.Fatalf("Update saw old = %q", old)
		}
		if now.UnixMilli() != 5_001_000 {
			t.Fatalf("Update saw now = %d", now.UnixMilli())
		}
		return []byte("v2"), nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if string(next) != "v2" || ts.UnixMilli() != 5_001_000 {
		t.Fatalf("Update returned %q at %d", next, ts.UnixMilli())
	}
}

func TestUpdatePropagatesMutatorError(t *testing.T) {
	c, _, _ := newTestClient(t)
	sentinel := errors.New("nope")
	_, _, err := c.Update(context.Background(), "k3", func(old []byte, _ time.Time) ([]byte, error) {
		if old != nil {
			t.Fatalf("expected nil old for fresh key, got %q", old)
		}
		return nil, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected mutator error, got %v", err)
	}
	raw, _, err := c.Get(context.Background(), "k3")
	if err != nil || raw != nil {
		t.Fatalf("aborted update wrote a value: %q err=%v", raw, err)
	}
}

func TestSubscribeSeesPutAndDelete(t *testing.T) {
	c, _, nowMs := newTestClient(t)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, "k4")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	nowMs.Store(5_002_000)
	if _, err := c.Put(ctx, "k4", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Delete(ctx, "k4"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	select {
	case snap := <-sub.C:
		if string(snap.Value) != "hello" {
			t.Fatalf("first snapshot = %q", snap.Value)
		}
		if snap.ServerTime.UnixMilli() != 5_002_000 {
			t.Fatalf("snapshot server time = %d", snap.ServerTime.UnixMilli())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no write snapshot")
	}
	select {
	case snap := <-sub.C:
		if snap.Value != nil {
			t.Fatalf("delete snapshot carried a value: %q", snap.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no delete snapshot")
	}
}

func TestSubscribeCancelIdempotent(t *testing.T) {
	c, _, _ := newTestClient(t)
	sub, err := c.Subscribe(context.Background(), "k5")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub.Cancel()
	sub.Cancel()
}

func TestPutLeaseExpires(t *testing.T) {
	c, mr, _ := newTestClient(t)
	ctx := context.Background()

	if _, err := c.PutLease(ctx, "k6", []byte("alive"), 10*time.Second); err != nil {
		t.Fatalf("PutLease: %v", err)
	}
	raw, _, err := c.Get(ctx, "k6")
	if err != nil || string(raw) != "alive" {
		t.Fatalf("Get = %q err=%v", raw, err)
	}

	mr.FastForward(11 * time.Second)
	raw, _, err = c.Get(ctx, "k6")
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if raw != nil {
		t.Fatalf("lease should have lapsed, got %q", raw)
	}
}
