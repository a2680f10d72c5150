package match

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/pawnhub/arena-server/internal/clock"
	"github.com/pawnhub/arena-server/internal/rules"
	"github.com/pawnhub/arena-server/internal/store"
)

func newTestStore(t *testing.T) (*Store, *atomic.Int64) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })

	var nowMs atomic.Int64
	nowMs.Store(1_000_000)
	url := fmt.Sprintf("redis://%s/0", mr.Addr())
	c, err := store.NewRedisClient(url, store.WithClock(func() time.Time {
		return time.UnixMilli(nowMs.Load())
	}))
	if err != nil {
		t.Fatalf("store.NewRedisClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return NewStore(c), &nowMs
}

func storeTestMatch() *Match {
	return &Match{
		ID:       "m-1",
		WhiteID:  "u-white",
		BlackID:  "u-black",
		MovesUCI: []string{},
		MovesSAN: []string{},
		Turn:     rules.White,
		WhiteMs:  clock.InitialAllotmentMs,
		BlackMs:  clock.InitialAllotmentMs,
		Status:   StatusActive,
	}
}

func TestCreateStampsServerTimeAndPointers(t *testing.T) {
	s, nowMs := newTestStore(t)
	ctx := context.Background()
	nowMs.Store(2_000_000)

	m := storeTestMatch()
	if _, err := s.Create(ctx, m); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.CreatedMs != 2_000_000 || m.LastWriteMs != 2_000_000 {
		t.Fatalf("server stamps not applied: created=%d lastWrite=%d", m.CreatedMs, m.LastWriteMs)
	}

	for _, uid := range []string{"u-white", "u-black"} {
		id, _, err := s.Pointer(ctx, uid)
		if err != nil {
			t.Fatalf("Pointer(%s): %v", uid, err)
		}
		if id != "m-1" {
			t.Fatalf("pointer for %s = %q, want m-1", uid, id)
		}
	}

	if _, err := s.Create(ctx, storeTestMatch()); err == nil {
		t.Fatalf("duplicate Create should fail")
	}
}

func TestLoadNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, _, err := s.Load(context.Background(), "m-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateActiveStampsLastWrite(t *testing.T) {
	s, nowMs := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, storeTestMatch()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	nowMs.Store(1_005_000)
	updated, _, err := s.UpdateActive(ctx, "m-1", func(m *Match) error {
		_, _, aerr := ApplyMove(m, "u-white", "e2e4", 0)
		return aerr
	})
	if err != nil {
		t.Fatalf("UpdateActive: %v", err)
	}
	if updated.LastWriteMs != 1_005_000 {
		t.Fatalf("LastWriteMs = %d, want 1005000", updated.LastWriteMs)
	}
	if len(updated.MovesUCI) != 1 {
		t.Fatalf("move not persisted: %v", updated.MovesUCI)
	}
}

func TestUpdateActiveTerminalGuard(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, storeTestMatch()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, _, err := s.UpdateActive(ctx, "m-1", func(m *Match) error {
		m.Status = StatusResigned
		m.Winner = m.BlackID
		return nil
	}); err != nil {
		t.Fatalf("terminal transition: %v", err)
	}

	// a redundant terminal write must be a no-op, not a failure mode
	got, _, err := s.UpdateActive(ctx, "m-1", func(m *Match) error {
		m.Status = StatusTimeout
		m.Winner = m.WhiteID
		return nil
	})
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if got == nil || got.Status != StatusResigned || got.Winner != got.BlackID {
		t.Fatalf("terminal result rewritten: %+v", got)
	}
}

func TestClearPointers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	m := storeTestMatch()
	if _, err := s.Create(ctx, m); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.ClearPointers(ctx, m); err != nil {
		t.Fatalf("ClearPointers: %v", err)
	}
	id, _, err := s.Pointer(ctx, "u-white")
	if err != nil {
		t.Fatalf("Pointer: %v", err)
	}
	if id != "" {
		t.Fatalf("pointer not cleared: %q", id)
	}
}

func TestSubscribeDeliversWrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, storeTestMatch()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub, err := s.Subscribe(ctx, "m-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	if _, _, err := s.UpdateActive(ctx, "m-1", func(m *Match) error {
		_, _, aerr := ApplyMove(m, "u-white", "e2e4", 0)
		return aerr
	}); err != nil {
		t.Fatalf("UpdateActive: %v", err)
	}

	select {
	case snap := <-sub.C:
		m, err := Decode(snap.Value)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if len(m.MovesUCI) != 1 || m.MovesUCI[0] != "e2e4" {
			t.Fatalf("snapshot moves = %v", m.MovesUCI)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no snapshot delivered")
	}
}
