// Package runlock serializes executions of the same agent.
//
// Memory is a per-process keyed lock. Redis holds the lock in a shared
// server so replicas exclude each other; the lock carries a random token
// and a TTL that a watchdog keeps extending while the holder runs. Release
// only deletes a key that still holds its token.
package runlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBusy is returned when the lock is held and the caller chose not to wait.
var ErrBusy = errors.New("runlock: lock is held")

// Locker acquires exclusive per-key locks.
type Locker interface {
	// Acquire takes the lock for key. With wait false it returns ErrBusy
	// immediately when the lock is held; with wait true it blocks until the
	// lock is free or ctx ends. The returned func releases the lock.
	Acquire(ctx context.Context, key string, wait bool) (release func(), err error)
}

// Memory is an in-process Locker.
type Memory struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewMemory creates an in-process Locker.
func NewMemory() *Memory {
	return &Memory{locks: make(map[string]chan struct{})}
}

// Acquire implements Locker.
func (m *Memory) Acquire(ctx context.Context, key string, wait bool) (func(), error) {
	for {
		m.mu.Lock()
		held, ok := m.locks[key]
		if !ok {
			done := make(chan struct{})
			m.locks[key] = done
			m.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					m.mu.Lock()
					delete(m.locks, key)
					m.mu.Unlock()
					close(done)
				})
			}, nil
		}
		m.mu.Unlock()

		if !wait {
			return nil, ErrBusy
		}
		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// releaseScript deletes the key only if it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the TTL only if the key still holds the caller's token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker shared by every replica using the same server.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	refresh time.Duration
	poll    time.Duration
	owns    bool
	logger  *slog.Logger
}

// NewRedis wraps a client. ttl bounds how long a crashed holder keeps the
// lock; a live holder extends it every ttl/3.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		refresh: ttl / 3,
		poll:    250 * time.Millisecond,
		logger:  logger,
	}
}

// NewRedisFromURL dials Redis from a redis:// URL. Close closes the client.
func NewRedisFromURL(rawURL, prefix string, ttl time.Duration, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("runlock: parse redis url: %w", err)
	}
	r := NewRedis(redis.NewClient(opts), prefix, ttl, logger)
	r.owns = true
	return r, nil
}

// Acquire implements Locker. Waiting polls until the key is free.
func (r *Redis) Acquire(ctx context.Context, key string, wait bool) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	full := r.prefix + key

	for {
		ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("runlock: acquire %s: %w", key, err)
		}
		if ok {
			stop := make(chan struct{})
			done := make(chan struct{})
			go r.watchdog(full, token, stop, done)

			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					<-done
					// Release must run even when the run's context was cancelled.
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := releaseScript.Run(ctx, r.client, []string{full}, token).Err(); err != nil {
						r.logger.Warn("runlock: release failed, lock expires with its ttl", "key", full, "error", err)
					}
				})
			}, nil
		}
		if !wait {
			return nil, ErrBusy
		}

		t := time.NewTimer(r.poll)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
}

// watchdog extends the lock until stop closes. It gives up once the key no
// longer holds token, since the lock then belongs to someone else.
func (r *Redis) watchdog(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(r.refresh)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.refresh)
		n, err := extendScript.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int64()
		cancel()
		switch {
		case err != nil:
			r.logger.Warn("runlock: extend failed", "key", key, "error", err)
		case n == 0:
			r.logger.Error("runlock: lock lost while held", "key", key)
			return
		}
	}
}

// Close closes the client when the Locker created it.
func (r *Redis) Close() error {
	if r.owns {
		return r.client.Close()
	}
	return nil
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("runlock: token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
