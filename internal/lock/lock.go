// Package lock provides the per-user single-writer lock used by the
// reconciliation orchestrator: an in-process keyed mutex for a single
// instance, or a Redis RedLock when several instances share the store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"roundup-engine-go/internal/models"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrEmptyLockKey    = errors.New("lock key cannot be empty")
)

// Locker runs fn while holding the lock named key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// New returns a Redis locker when cfg.RedisAddr is set, otherwise a local one.
// The returned close function releases the Redis client.
func New(ctx context.Context, cfg models.LockConfig) (Locker, func(), error) {
	if cfg.RedisAddr == "" {
		zap.L().Info("Using in-process user locks")
		return NewLocalLocker(), func() {}, nil
	}

	locker, err := NewRedisLocker(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return locker, locker.Close, nil
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

// LocalLocker is a keyed mutex whose waits honour context cancellation.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*localEntry)}
}

func (l *LocalLocker) acquire(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *LocalLocker) release(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyLockKey
	}

	e := l.acquire(key)
	defer l.release(key, e)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrLockNotAcquired, key, ctx.Err())
	}
	defer func() { <-e.sem }()

	return fn(ctx)
}

// RedisLocker holds locks with the RedLock algorithm over a single Redis.
type RedisLocker struct {
	client     *redis.Client
	rs         *redsync.Redsync
	expiry     time.Duration
	tries      int
	retryDelay time.Duration
}

func NewRedisLocker(ctx context.Context, cfg models.LockConfig) (*RedisLocker, error) {
	if cfg.Expiry <= 0 {
		return nil, fmt.Errorf("lock expiry must be positive, got %v", cfg.Expiry)
	}
	if cfg.Tries < 1 {
		return nil, fmt.Errorf("lock tries must be at least 1, got %d", cfg.Tries)
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to reach redis at %s: %w", cfg.RedisAddr, err)
	}

	zap.L().Info("Using Redis user locks", zap.String("addr", cfg.RedisAddr))
	return &RedisLocker{
		client:     client,
		rs:         redsync.New(goredis.NewPool(client)),
		expiry:     cfg.Expiry,
		tries:      cfg.Tries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyLockKey
	}

	mutex := l.rs.NewMutex("roundup:lock:"+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(l.tries),
		redsync.WithRetryDelay(l.retryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLockNotAcquired, key, err)
	}

	defer func() {
		// Unlock with a fresh context so a cancelled caller still releases.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(unlockCtx); !ok || err != nil {
			zap.L().Warn("Failed to release lock", zap.String("key", key), zap.Bool("unlock_ok", ok), zap.Error(err))
		}
	}()

	return fn(ctx)
}

func (l *RedisLocker) Close() {
	if err := l.client.Close(); err != nil {
		zap.L().Warn("Failed to close redis client", zap.Error(err))
	}
}
