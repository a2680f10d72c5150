package arena

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pawnhub/arena-server/internal/store"
)

// PresenceTTL is the lease length for a presence record. The gateway
// refreshes the lease while the connection is up; the store retracts it by
// itself when the refreshes stop.
const PresenceTTL = 30 * time.Second

func presenceKey(userID string) string { return "arena:presence:" + userID }

type presenceRecord struct {
	UserID  string `json:"user_id"`
	SinceMs int64  `json:"since_ms"`
}

// Presence tracks who is currently in the arena. It is a lease, not a
// registry: liveness is the key still existing.
type Presence struct {
	c store.Client
}

func NewPresence(c store.Client) *Presence { return &Presence{c: c} }

// Set writes or refreshes the user's lease.
func (p *Presence) Set(ctx context.Context, userID string) (time.Time, error) {
	now, err := p.c.ServerNow(ctx)
	if err != nil {
		return time.Time{}, err
	}
	raw, _ := json.Marshal(presenceRecord{UserID: userID, SinceMs: now.UnixMilli()})
	return p.c.PutLease(ctx, presenceKey(userID), raw, PresenceTTL)
}

// Clear retracts the lease explicitly, for a clean disconnect.
func (p *Presence) Clear(ctx context.Context, userID string) error {
	return p.c.Delete(ctx, presenceKey(userID))
}

// Present reports whether the user's lease is live.
func (p *Presence) Present(ctx context.Context, userID string) (bool, time.Time, error) {
	raw, ts, err := p.c.Get(ctx, presenceKey(userID))
	if err != nil {
		return false, time.Time{}, err
	}
	return raw != nil, ts, nil
}

// Subscribe watches explicit presence writes and retractions. Lease expiry
// does not publish; callers must also poll on their resync tick.
func (p *Presence) Subscribe(ctx context.Context, userID string) (*store.Subscription, error) {
	return p.c.Subscribe(ctx, presenceKey(userID))
}
