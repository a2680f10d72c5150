package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnchanged is returned by an Update mutator to abort without writing.
	ErrUnchanged = errors.New("unchanged")
	// ErrConflict reports that a read-verify-write lost its verification race
	// after all retries.
	ErrConflict = errors.New("concurrent update conflict")
)

// Snapshot is one observed state of a key. Value is nil when the key is gone.
// ServerTime is the store server's clock at the write, never the observer's.
type Snapshot struct {
	Key        string
	Value      []byte
	ServerTime time.Time
}

// Subscription streams snapshots for a single key until cancelled. Cancel is
// idempotent; the channel closes after cancellation.
type Subscription struct {
	C      <-chan Snapshot
	cancel func()
}

func (s *Subscription) Cancel() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

// Client is the injected real-time store handle. Implementations must assign
// timestamps from the store server's clock on every acknowledged operation so
// callers can feed a skew estimator.
type Client interface {
	// Get returns the value at key, or a nil value when the key is absent.
	Get(ctx context.Context, key string) ([]byte, time.Time, error)
	// Put overwrites key and notifies subscribers.
	Put(ctx context.Context, key string, value []byte) (time.Time, error)
	// Update performs a read-verify-write: fn receives the current value
	// (nil when absent) together with the server time that will stamp the
	// write, and returns the replacement. Returning ErrUnchanged aborts
	// without a write. A verification race is retried; persistent conflict
	// surfaces as ErrConflict.
	Update(ctx context.Context, key string, fn func(old []byte, now time.Time) ([]byte, error)) ([]byte, time.Time, error)
	// Delete removes key and notifies subscribers with a nil-value snapshot.
	Delete(ctx context.Context, key string) error
	// PutLease writes a value that the store retracts by itself after ttl,
	// unless refreshed. Used for presence.
	PutLease(ctx context.Context, key string, value []byte, ttl time.Duration) (time.Time, error)
	// Subscribe registers a change listener for key.
	Subscribe(ctx context.Context, key string) (*Subscription, error)
	// ServerNow reads the store server's clock.
	ServerNow(ctx context.Context) (time.Time, error)
	Close() error
}
