package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLock provides distributed locking via Redis using SET NX with TTL.
// It uses a random ownership value and Lua scripts for atomic release/extend
// to prevent accidental release of locks held by other processes.
type RedisLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// NewRedisLock creates a new distributed lock backed by Redis.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	// Generate random value for ownership verification
	b := make([]byte, 16)
	rand.Read(b)
	return &RedisLock{
		client: client,
		key:    fmt.Sprintf("lock:%s", key),
		value:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire tries to acquire the lock. Returns true if successful.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	result, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	return result, nil
}

// Release releases the lock only if we still own it (using Lua script for atomicity).
func (l *RedisLock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Result()
	return err
}

// Extend extends the lock TTL (for long-running operations).
// Returns false if the lock is no longer owned.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RenewingLock is a RedisLock that, once acquired, keeps itself alive from a
// background goroutine until Release is called. Used for the promoter mutex:
// short TTL so a crashed holder frees the campaign quickly, periodic renewal
// so a live holder is never preempted mid-batch.
type RenewingLock struct {
	lock     *RedisLock
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRenewingLock creates a renewing lock. ttl should be a small multiple of
// interval (e.g. ttl=5s, interval=2s).
func NewRenewingLock(client *redis.Client, key string, ttl, interval time.Duration) *RenewingLock {
	return &RenewingLock{
		lock:     NewRedisLock(client, key, ttl),
		interval: interval,
	}
}

// Acquire tries to acquire the lock and, on success, starts the renewal loop.
func (r *RenewingLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := r.lock.Acquire(ctx)
	if err != nil || !ok {
		return ok, err
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				owned, err := r.lock.Extend(renewCtx, r.lock.ttl)
				if err != nil || !owned {
					// Lost ownership; stop renewing. The holder finds out
					// on Release (or when its script effects stop landing).
					return
				}
			}
		}
	}()

	return true, nil
}

// Release stops the renewal loop and releases the lock.
func (r *RenewingLock) Release(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return r.lock.Release(ctx)
}
