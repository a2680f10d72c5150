package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pawnhub/arena-server/internal/store"
)

var (
	ErrNotFound = errors.New("match not found")
	// ErrTerminal reports that a mutation was dropped because the match had
	// already reached a terminal status. Redundant terminal writes are
	// expected under concurrent observers and are not a failure.
	ErrTerminal = errors.New("match already terminal")
)

func Key(id string) string            { return "arena:match:" + id }
func PointerKey(userID string) string { return "arena:user:" + userID + ":match" }

// Store persists matches and per-user current-match pointers in the shared
// real-time store.
type Store struct {
	c store.Client
}

func NewStore(c store.Client) *Store { return &Store{c: c} }

// Create writes a fresh match record and both participants' current-match
// pointers. The server timestamp of the write seeds LastWriteMs and CreatedMs.
func (s *Store) Create(ctx context.Context, m *Match) (time.Time, error) {
	_, ts, err := s.c.Update(ctx, Key(m.ID), func(old []byte, now time.Time) ([]byte, error) {
		if old != nil {
			return nil, fmt.Errorf("match %s already exists", m.ID)
		}
		m.CreatedMs = now.UnixMilli()
		m.LastWriteMs = now.UnixMilli()
		return json.Marshal(m)
	})
	if err != nil {
		return time.Time{}, err
	}
	for _, uid := range []string{m.WhiteID, m.BlackID} {
		if uid == "" || uid == m.BotID {
			continue
		}
		if _, err := s.c.Put(ctx, PointerKey(uid), []byte(fmt.Sprintf("%q", m.ID))); err != nil {
			return ts, err
		}
	}
	return ts, nil
}

// Load returns the match, or ErrNotFound. The returned server time is an ack
// suitable for skew observation.
func (s *Store) Load(ctx context.Context, id string) (*Match, time.Time, error) {
	raw, ts, err := s.c.Get(ctx, Key(id))
	if err != nil {
		return nil, time.Time{}, err
	}
	if raw == nil {
		return nil, ts, ErrNotFound
	}
	var m Match
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode match %s: %w", id, err)
	}
	return &m, ts, nil
}

// UpdateActive applies mutate under read-verify-write. The mutation is
// dropped with ErrTerminal when the current record is no longer ACTIVE, which
// makes duplicate terminal transitions no-ops. LastWriteMs is stamped with
// the store server time of the successful write.
func (s *Store) UpdateActive(ctx context.Context, id string, mutate func(*Match) error) (*Match, time.Time, error) {
	var out *Match
	_, ts, err := s.c.Update(ctx, Key(id), func(old []byte, now time.Time) ([]byte, error) {
		if old == nil {
			return nil, ErrNotFound
		}
		var cur Match
		if err := json.Unmarshal(old, &cur); err != nil {
			return nil, fmt.Errorf("decode match %s: %w", id, err)
		}
		if cur.Status.Terminal() {
			out = &cur
			return nil, ErrTerminal
		}
		if err := mutate(&cur); err != nil {
			return nil, err
		}
		cur.LastWriteMs = now.UnixMilli()
		out = &cur
		return json.Marshal(&cur)
	})
	if err != nil {
		if errors.Is(err, ErrTerminal) {
			return out, time.Time{}, ErrTerminal
		}
		return nil, time.Time{}, err
	}
	return out, ts, nil
}

// Subscribe streams authoritative snapshots of one match.
func (s *Store) Subscribe(ctx context.Context, id string) (*store.Subscription, error) {
	return s.c.Subscribe(ctx, Key(id))
}

// Pointer reads a user's current-match ID, "" when none.
func (s *Store) Pointer(ctx context.Context, userID string) (string, time.Time, error) {
	raw, ts, err := s.c.Get(ctx, PointerKey(userID))
	if err != nil || raw == nil {
		return "", ts, err
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", time.Time{}, err
	}
	return id, ts, nil
}

// ClearPointers dereferences the match for both players once the terminal
// settle delay has passed. The record itself stays for its TTL; only the
// pointers go away.
func (s *Store) ClearPointers(ctx context.Context, m *Match) error {
	for _, uid := range []string{m.WhiteID, m.BlackID} {
		if uid == "" || uid == m.BotID {
			continue
		}
		if err := s.c.Delete(ctx, PointerKey(uid)); err != nil {
			return err
		}
	}
	return nil
}

// Decode parses a raw snapshot payload into a Match.
func Decode(raw []byte) (*Match, error) {
	if raw == nil {
		return nil, ErrNotFound
	}
	var m Match
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode match snapshot: %w", err)
	}
	return &m, nil
}
