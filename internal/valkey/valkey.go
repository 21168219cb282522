// Package valkey implements the Valkey-backed working-memory cache: the
// TTL-with-warning-key pattern that lets a keyspace-notification subscriber
// persist a value just before its main key expires, plus the hash and
// rate-limit counter helpers used elsewhere in the core.
package valkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultWarningOffset is how much earlier the warning key expires relative
// to the main key, giving the subscriber time to persist before the main
// key itself is gone.
const DefaultWarningOffset = 10 * time.Second

// retryDelay is the single delay used before the one permitted retry on a
// transient Valkey error.
const retryDelay = 100 * time.Millisecond

// Handler persists the value behind mainKey before it expires. It receives
// the key prefix it was registered under and the identifier suffix (the
// main key with the prefix stripped), and must be idempotent: the
// subscriber may invoke it more than once for the same expiry under
// at-least-once keyspace-notification delivery.
type Handler func(ctx context.Context, mainKey, identifier string) error

type registeredHandler struct {
	prefix      string
	fn          Handler
	description string
}

// Client wraps a *redis.Client with the TTL+warning-key pattern and a
// background keyspace-notification subscriber. Construct one per process;
// the subscriber owns a single dedicated connection.
type Client struct {
	rdb *redis.Client
	log *slog.Logger

	mu       sync.Mutex
	handlers []registeredHandler

	cancel context.CancelFunc
	done   chan struct{}
}

// New wraps an existing *redis.Client. A nil logger falls back to
// slog.Default().
func New(rdb *redis.Client, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{rdb: rdb, log: log}
}

// WarningKey returns the companion key used to signal mainKey's impending
// expiry.
func WarningKey(mainKey string) string {
	return mainKey + ":warning"
}

// SetTTLWithWarning sets mainKey (to value) with ttl, and a companion
// warning key with ttl-warningOffset (clamped to at least 1s). The warning
// key carries no payload beyond its own existence; its expiry, not its
// value, is the signal.
func (c *Client) SetTTLWithWarning(ctx context.Context, mainKey string, value any, ttl, warningOffset time.Duration) error {
	if warningOffset <= 0 {
		warningOffset = DefaultWarningOffset
	}
	warningTTL := ttl - warningOffset
	if warningTTL < time.Second {
		warningTTL = time.Second
	}

	if err := c.rdb.Set(ctx, mainKey, value, ttl).Err(); err != nil {
		return fmt.Errorf("valkey: set %s: %w", mainKey, err)
	}
	if err := c.rdb.Set(ctx, WarningKey(mainKey), "1", warningTTL).Err(); err != nil {
		return fmt.Errorf("valkey: set warning key for %s: %w", mainKey, err)
	}
	return nil
}

// RegisterTTLHandler registers fn to run whenever a warning key under
// prefix expires. fn must be idempotent. description is surfaced only in
// diagnostics/logging.
func (c *Client) RegisterTTLHandler(prefix string, fn Handler, description string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registeredHandler{prefix: prefix, fn: fn, description: description})
}

// StartSubscriber launches the background goroutine that listens for
// keyspace expiry notifications on warning keys and dispatches to the
// matching registered handler before the main key itself expires. The
// server must have `notify-keyspace-events Ex` (or equivalent) enabled.
// Shutdown stops it.
func (c *Client) StartSubscriber(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	pubsub := c.rdb.PSubscribe(subCtx, "__keyevent@*__:expired")
	ch := pubsub.Channel()

	go func() {
		defer close(c.done)
		defer pubsub.Close()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.handleExpiry(subCtx, msg.Payload)
			}
		}
	}()
}

func (c *Client) handleExpiry(ctx context.Context, expiredKey string) {
	_ = c.DispatchExpiry(ctx, expiredKey)
}

// DispatchExpiry runs the registered handlers for one expired warning key,
// exactly as the subscriber goroutine would on a keyspace notification.
// Exposed so callers without keyspace notifications enabled (tests, manual
// flushes) can drive persistence directly. A non-warning key is a no-op.
// Handler errors are logged and joined into the returned error; one
// handler's failure does not stop the others.
func (c *Client) DispatchExpiry(ctx context.Context, expiredKey string) error {
	const suffix = ":warning"
	if len(expiredKey) <= len(suffix) || expiredKey[len(expiredKey)-len(suffix):] != suffix {
		return nil
	}
	mainKey := expiredKey[:len(expiredKey)-len(suffix)]

	c.mu.Lock()
	handlers := append([]registeredHandler(nil), c.handlers...)
	c.mu.Unlock()

	var errs []error
	for _, h := range handlers {
		if len(mainKey) < len(h.prefix) || mainKey[:len(h.prefix)] != h.prefix {
			continue
		}
		identifier := mainKey[len(h.prefix):]
		if err := h.fn(ctx, mainKey, identifier); err != nil {
			c.log.Error("ttl warning handler failed", "prefix", h.prefix, "description", h.description, "main_key", mainKey, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops the subscriber goroutine and waits for it to exit.
func (c *Client) Shutdown() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// HSetWithRetry sets hash fields, retrying once after retryDelay on a
// transient error. Callers in working-memory paths should treat a
// still-failing call as fail-open (log and continue); auth-critical
// callers must treat it as fail-closed (propagate the error).
func (c *Client) HSetWithRetry(ctx context.Context, key string, values map[string]any) error {
	return withOneRetry(ctx, func() error {
		return c.rdb.HSet(ctx, key, values).Err()
	})
}

// HGetWithRetry reads a single hash field with one retry on transient
// error.
func (c *Client) HGetWithRetry(ctx context.Context, key, field string) (string, error) {
	var out string
	err := withOneRetry(ctx, func() error {
		v, err := c.rdb.HGet(ctx, key, field).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// HGetAllWithRetry reads an entire hash with one retry on transient error.
func (c *Client) HGetAllWithRetry(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := withOneRetry(ctx, func() error {
		v, err := c.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// HDelWithRetry deletes hash fields with one retry on transient error.
func (c *Client) HDelWithRetry(ctx context.Context, key string, fields ...string) error {
	return withOneRetry(ctx, func() error {
		return c.rdb.HDel(ctx, key, fields...).Err()
	})
}

func withOneRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	select {
	case <-time.After(retryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return fn()
}

// IncrementWithExpiry increments key and sets its expiry to seconds only on
// the very first increment (when the counter did not previously exist).
// This is essential rate-limiter correctness: subsequent increments inside
// the same window must not push the expiry back out.
func (c *Client) IncrementWithExpiry(ctx context.Context, key string, seconds time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("valkey: incr %s: %w", key, err)
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, key, seconds).Err(); err != nil {
			return n, fmt.Errorf("valkey: expire %s: %w", key, err)
		}
	}
	return n, nil
}
