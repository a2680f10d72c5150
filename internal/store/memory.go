package store

import (
	"context"
	"sync"
	"time"
)

// MemoryClient is an in-process Client used by tests and by components that
// want a store double with deterministic server time. It serializes updates
// with a single mutex, which makes read-verify-write trivially race-free.
type MemoryClient struct {
	mu      sync.Mutex
	data    map[string]memEntry
	subs    map[string]map[int]chan Snapshot
	nextSub int
	clock   func() time.Time
}

type memEntry struct {
	value    []byte
	expireAt time.Time
}

func NewMemoryClient(clock func() time.Time) *MemoryClient {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryClient{
		data:  make(map[string]memEntry),
		subs:  make(map[string]map[int]chan Snapshot),
		clock: clock,
	}
}

func (c *MemoryClient) Close() error { return nil }

func (c *MemoryClient) ServerNow(context.Context) (time.Time, error) { return c.clock(), nil }

func (c *MemoryClient) Get(_ context.Context, key string) ([]byte, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	e, ok := c.data[key]
	if !ok || c.expired(e, now) {
		delete(c.data, key)
		return nil, now, nil
	}
	return append([]byte(nil), e.value...), now, nil
}

func (c *MemoryClient) Put(_ context.Context, key string, value []byte) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	c.data[key] = memEntry{value: append([]byte(nil), value...)}
	c.publishLocked(key, value, now)
	return now, nil
}

func (c *MemoryClient) PutLease(_ context.Context, key string, value []byte, ttl time.Duration) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	c.data[key] = memEntry{value: append([]byte(nil), value...), expireAt: now.Add(ttl)}
	c.publishLocked(key, value, now)
	return now, nil
}

func (c *MemoryClient) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	delete(c.data, key)
	c.publishLocked(key, nil, now)
	return nil
}

func (c *MemoryClient) Update(_ context.Context, key string, fn func(old []byte, now time.Time) ([]byte, error)) ([]byte, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	var old []byte
	if e, ok := c.data[key]; ok && !c.expired(e, now) {
		old = append([]byte(nil), e.value...)
	}
	next, err := fn(old, now)
	if err != nil {
		return nil, time.Time{}, err
	}
	c.data[key] = memEntry{value: append([]byte(nil), next...)}
	c.publishLocked(key, next, now)
	return next, now, nil
}

func (c *MemoryClient) Subscribe(_ context.Context, key string) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Snapshot, 32)
	if c.subs[key] == nil {
		c.subs[key] = make(map[int]chan Snapshot)
	}
	c.subs[key][id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			if m := c.subs[key]; m != nil {
				delete(m, id)
			}
			c.mu.Unlock()
			close(ch)
		})
	}
	return &Subscription{C: ch, cancel: cancel}, nil
}

func (c *MemoryClient) publishLocked(key string, value []byte, ts time.Time) {
	for _, ch := range c.subs[key] {
		snap := Snapshot{Key: key, Value: append([]byte(nil), value...), ServerTime: ts}
		if value == nil {
			snap.Value = nil
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (c *MemoryClient) expired(e memEntry, now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}
