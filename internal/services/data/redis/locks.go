package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockNotAcquired means another holder already owns the lock. Sweep
// loops treat it as "skip this round", not a failure.
var ErrLockNotAcquired = errors.New("lock already held")

// Lock is one held distributed lock. Release and Extend verify ownership
// with a compare-and-delete script so an expired holder cannot clobber a
// successor's lock.
type Lock struct {
	client *redis.Client
	logger *zap.Logger
	key    string
	value  string
	ttl    time.Duration
}

// LockManager hands out distributed locks. The ledger serializes charges
// per tenant with it, the scheduler serializes admission per session, and
// the worker sweeps take one lock per sweep so only one replica runs them.
type LockManager struct {
	client *redis.Client
	logger *zap.Logger
}

func NewLockManager(client *redis.Client, logger *zap.Logger) *LockManager {
	return &LockManager{
		client: client,
		logger: logger,
	}
}

// Acquire attempts to take the lock once. A held lock returns an error
// without waiting.
func (lm *LockManager) Acquire(ctx context.Context, lockKey string, ttl time.Duration) (*Lock, error) {
	value, err := generateLockValue()
	if err != nil {
		return nil, fmt.Errorf("generate lock value: %w", err)
	}

	key := fmt.Sprintf("spendgate:lock:%s", lockKey)

	success, err := lm.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !success {
		return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, lockKey)
	}

	lock := &Lock{
		client: lm.client,
		logger: lm.logger,
		key:    key,
		value:  value,
		ttl:    ttl,
	}

	lm.logger.Debug("Lock acquired",
		zap.String("lock_key", lockKey),
		zap.Duration("ttl", ttl))

	return lock, nil
}

// AcquireWithRetry polls for the lock until it succeeds or attempts run out.
func (lm *LockManager) AcquireWithRetry(ctx context.Context, lockKey string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (*Lock, error) {
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		lock, err := lm.Acquire(ctx, lockKey, ttl)
		if err == nil {
			return lock, nil
		}

		lastErr = err

		if i < maxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	return nil, fmt.Errorf("acquire lock after %d retries: %w", maxRetries, lastErr)
}

// Release deletes the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`

	result, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}

	if result.(int64) == 0 {
		l.logger.Warn("Lock was not owned by this instance",
			zap.String("key", l.key))
		return fmt.Errorf("lock not owned by this instance")
	}

	l.logger.Debug("Lock released", zap.String("key", l.key))
	return nil
}

// Extend pushes the expiry out for long-running holders, the task runner
// mainly. Fails if the lock expired or changed hands.
func (l *Lock) Extend(ctx context.Context, additionalTTL time.Duration) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("expire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`

	newTTLSeconds := int64((l.ttl + additionalTTL).Seconds())
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.value, newTTLSeconds).Result()
	if err != nil {
		return fmt.Errorf("extend lock: %w", err)
	}

	if result.(int64) == 0 {
		return fmt.Errorf("lock not owned by this instance or expired")
	}

	l.ttl += additionalTTL
	return nil
}

// WithLock runs fn while holding the lock, releasing it afterwards.
func (lm *LockManager) WithLock(ctx context.Context, lockKey string, ttl time.Duration, fn func() error) error {
	lock, err := lm.Acquire(ctx, lockKey, ttl)
	if err != nil {
		return fmt.Errorf("acquire lock for operation: %w", err)
	}

	defer func() {
		if releaseErr := lock.Release(context.Background()); releaseErr != nil {
			lm.logger.Error("Failed to release lock",
				zap.String("lock_key", lockKey),
				zap.Error(releaseErr))
		}
	}()

	return fn()
}

// WithLockRetry is WithLock with a polling acquire.
func (lm *LockManager) WithLockRetry(ctx context.Context, lockKey string, ttl time.Duration, maxRetries int, retryDelay time.Duration, fn func() error) error {
	lock, err := lm.AcquireWithRetry(ctx, lockKey, ttl, maxRetries, retryDelay)
	if err != nil {
		return fmt.Errorf("acquire lock for operation: %w", err)
	}

	defer func() {
		if releaseErr := lock.Release(context.Background()); releaseErr != nil {
			lm.logger.Error("Failed to release lock",
				zap.String("lock_key", lockKey),
				zap.Error(releaseErr))
		}
	}()

	return fn()
}

// IsHeld reports whether anyone currently holds the lock.
func (lm *LockManager) IsHeld(ctx context.Context, lockKey string) (bool, error) {
	key := fmt.Sprintf("spendgate:lock:%s", lockKey)
	exists, err := lm.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check lock existence: %w", err)
	}
	return exists > 0, nil
}

// ForceRelease removes a lock regardless of owner. The task reaper uses it
// to clear session locks left behind by a crashed runner.
func (lm *LockManager) ForceRelease(ctx context.Context, lockKey string) error {
	key := fmt.Sprintf("spendgate:lock:%s", lockKey)
	if err := lm.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("force release lock: %w", err)
	}

	lm.logger.Warn("Lock forcefully released", zap.String("lock_key", lockKey))
	return nil
}

func generateLockValue() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
