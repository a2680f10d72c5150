package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pawnhub/arena-server/internal/store"
)

var (
	ErrInvalidArgs    = errors.New("invalid arguments")
	ErrSelfChallenge  = errors.New("cannot challenge yourself")
	ErrAlreadyPending = errors.New("target already has a pending challenge")
	ErrNotFound       = errors.New("no pending challenge")
	// ErrNotYours guards consume/decline against a record that was replaced
	// between read and write.
	ErrNotYours = errors.New("challenge belongs to another challenger")
)

// Challenge is a directed match proposal, stored under the target's key. It
// lives until accepted (consumed into a match) or declined (deleted); the
// store's record TTL is the backstop for abandoned proposals.
type Challenge struct {
	ID             string `json:"id"`
	ChallengerID   string `json:"challenger_id"`
	ChallengerName string `json:"challenger_name,omitempty"`
	TargetID       string `json:"target_id"`
	CreatedMs      int64  `json:"created_ms"`
}

func Key(targetID string) string { return "arena:challenge:" + targetID }

type Store struct {
	c store.Client
}

func NewStore(c store.Client) *Store { return &Store{c: c} }

// Create writes a pending challenge for the target. A target holds at most
// one pending challenge at a time.
func (s *Store) Create(ctx context.Context, challengerID, challengerName, targetID string) (*Challenge, time.Time, error) {
	if challengerID == "" || targetID == "" {
		return nil, time.Time{}, ErrInvalidArgs
	}
	if challengerID == targetID {
		return nil, time.Time{}, ErrSelfChallenge
	}
	var ch *Challenge
	_, ts, err := s.c.Update(ctx, Key(targetID), func(old []byte, now time.Time) ([]byte, error) {
		if old != nil {
			return nil, ErrAlreadyPending
		}
		ch = &Challenge{
			ID:             "ch-" + uuid.NewString(),
			ChallengerID:   challengerID,
			ChallengerName: challengerName,
			TargetID:       targetID,
			CreatedMs:      now.UnixMilli(),
		}
		return json.Marshal(ch)
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return ch, ts, nil
}

// Get returns the target's pending challenge, or ErrNotFound.
func (s *Store) Get(ctx context.Context, targetID string) (*Challenge, time.Time, error) {
	raw, ts, err := s.c.Get(ctx, Key(targetID))
	if err != nil {
		return nil, time.Time{}, err
	}
	if raw == nil {
		return nil, ts, ErrNotFound
	}
	var ch Challenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode challenge: %w", err)
	}
	return &ch, ts, nil
}

// Consume removes the pending challenge after verifying it is still the one
// being acted on. This is the read-verify step of the accept handshake; the
// match creation that follows it is a separate write.
func (s *Store) Consume(ctx context.Context, targetID, expectChallengerID string) (*Challenge, error) {
	ch, _, err := s.Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if expectChallengerID != "" && ch.ChallengerID != expectChallengerID {
		return nil, ErrNotYours
	}
	if err := s.c.Delete(ctx, Key(targetID)); err != nil {
		return nil, err
	}
	return ch, nil
}

// Decline deletes the challenge without creating anything.
func (s *Store) Decline(ctx context.Context, targetID string) error {
	return s.c.Delete(ctx, Key(targetID))
}

// Subscribe watches the target's challenge slot. An outgoing challenger uses
// this to see its proposal disappear (consumed or declined).
func (s *Store) Subscribe(ctx context.Context, targetID string) (*store.Subscription, error) {
	return s.c.Subscribe(ctx, Key(targetID))
}
