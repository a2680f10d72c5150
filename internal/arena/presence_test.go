package arena

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pawnhub/arena-server/internal/store"
)

func TestPresenceLeaseExpires(t *testing.T) {
	var nowMs atomic.Int64
	nowMs.Store(1_000_000)
	client := store.NewMemoryClient(func() time.Time { return time.UnixMilli(nowMs.Load()) })
	p := NewPresence(client)
	ctx := context.Background()

	if _, err := p.Set(ctx, "u-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	present, _, err := p.Present(ctx, "u-1")
	if err != nil || !present {
		t.Fatalf("expected present, got %v err=%v", present, err)
	}

	// a refresh extends the lease
	nowMs.Add(PresenceTTL.Milliseconds() - 1_000)
	if _, err := p.Set(ctx, "u-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	nowMs.Add(PresenceTTL.Milliseconds() - 1_000)
	present, _, err = p.Present(ctx, "u-1")
	if err != nil || !present {
		t.Fatalf("lease should survive within refreshed TTL, got %v err=%v", present, err)
	}

	// no refresh: the lease lapses on its own
	nowMs.Add(2_000)
	present, _, err = p.Present(ctx, "u-1")
	if err != nil || present {
		t.Fatalf("expected lapsed lease, got %v err=%v", present, err)
	}
}

func TestPresenceClear(t *testing.T) {
	client := store.NewMemoryClient(nil)
	p := NewPresence(client)
	ctx := context.Background()

	if _, err := p.Set(ctx, "u-2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := p.Clear(ctx, "u-2"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	present, _, err := p.Present(ctx, "u-2")
	if err != nil || present {
		t.Fatalf("expected cleared, got %v err=%v", present, err)
	}
	if _, err := p.Set(ctx, "u-never"); err != nil {
		t.Fatalf("Set: %v", err)
	}
}
