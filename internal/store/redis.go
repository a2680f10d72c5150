package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL     = 24 * time.Hour
	updateAttempts = 3
	eventPrefix    = "arena:evt:"
)

// event is the pub/sub envelope carrying a write alongside its server time.
type event struct {
	TsMs  int64           `json:"ts_ms"`
	Value json.RawMessage `json:"value"`
}

// RedisClient implements Client on a Redis instance. Write/verify discipline
// uses WATCH transactions; change notification uses pub/sub on a per-key
// channel; server timestamps come from the Redis TIME command.
type RedisClient struct {
	rdb   *redis.Client
	ttl   time.Duration
	clock func() time.Time
}

type RedisOption func(*RedisClient)

// WithTTL overrides the default record TTL.
func WithTTL(ttl time.Duration) RedisOption {
	return func(c *RedisClient) { c.ttl = ttl }
}

// WithClock substitutes the server-time source. Tests use it to drive the
// store clock deterministically instead of the TIME command.
func WithClock(now func() time.Time) RedisOption {
	return func(c *RedisClient) { c.clock = now }
}

func NewRedisClient(redisURL string, opts ...RedisOption) (*RedisClient, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for arena store")
	}
	ropts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	c := &RedisClient{rdb: rdb, ttl: defaultTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *RedisClient) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func (c *RedisClient) ServerNow(ctx context.Context) (time.Time, error) {
	if c.clock != nil {
		return c.clock(), nil
	}
	return c.rdb.Time(ctx).Result()
}

func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, time.Time, error) {
	now, err := c.ServerNow(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, now, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return raw, now, nil
}

func (c *RedisClient) Put(ctx context.Context, key string, value []byte) (time.Time, error) {
	now, err := c.ServerNow(ctx)
	if err != nil {
		return time.Time{}, err
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, key, value, c.ttl)
	pipe.Publish(ctx, eventPrefix+key, encodeEvent(now, value))
	if _, err := pipe.Exec(ctx); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func (c *RedisClient) PutLease(ctx context.Context, key string, value []byte, ttl time.Duration) (time.Time, error) {
	now, err := c.ServerNow(ctx)
	if err != nil {
		return time.Time{}, err
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, key, value, ttl)
	pipe.Publish(ctx, eventPrefix+key, encodeEvent(now, value))
	if _, err := pipe.Exec(ctx); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func (c *RedisClient) Delete(ctx context.Context, key string) error {
	now, err := c.ServerNow(ctx)
	if err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.Publish(ctx, eventPrefix+key, encodeEvent(now, nil))
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisClient) Update(ctx context.Context, key string, fn func(old []byte, now time.Time) ([]byte, error)) ([]byte, time.Time, error) {
	var (
		out []byte
		ts  time.Time
	)
	for attempt := 0; attempt < updateAttempts; attempt++ {
		err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
			old, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				old = nil
			} else if err != nil {
				return err
			}
			now, err := c.ServerNow(ctx)
			if err != nil {
				return err
			}
			next, err := fn(old, now)
			if err != nil {
				return err
			}
			pipe := tx.TxPipeline()
			pipe.Set(ctx, key, next, c.ttl)
			pipe.Publish(ctx, eventPrefix+key, encodeEvent(now, next))
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			out, ts = next, now
			return nil
		}, key)
		if err == nil {
			return out, ts, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, time.Time{}, err
	}
	return nil, time.Time{}, ErrConflict
}

func (c *RedisClient) Subscribe(ctx context.Context, key string) (*Subscription, error) {
	ps := c.rdb.Subscribe(ctx, eventPrefix+key)
	// wait for subscription confirmation so no write published after this
	// call is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	out := make(chan Snapshot, 8)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := ps.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				snap := Snapshot{Key: key, Value: ev.Value, ServerTime: time.UnixMilli(ev.TsMs)}
				select {
				case out <- snap:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return &Subscription{C: out, cancel: cancel}, nil
}

func encodeEvent(ts time.Time, value []byte) []byte {
	raw, _ := json.Marshal(event{TsMs: ts.UnixMilli(), Value: value})
	return raw
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
