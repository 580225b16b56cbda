package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// ReceiptLease grants one holder at a time exclusive use of a receipt.
// Tokens identify the holder; Refresh and Release are no-ops for a token
// that no longer owns the lease.
type ReceiptLease interface {
	Acquire(ctx context.Context, receiptID int64, ttl time.Duration) (token string, ok bool, err error)
	Refresh(ctx context.Context, receiptID int64, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, receiptID int64, token string) error
	Held(ctx context.Context, receiptID int64) (bool, error)
}

const leaseReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const leaseExtendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// RedisLease implements ReceiptLease with SET NX PX and token-checked scripts.
type RedisLease struct {
	client  *goredis.Client
	prefix  string
	release *goredis.Script
	extend  *goredis.Script
}

func NewRedisLease(client *goredis.Client, prefix string) *RedisLease {
	if prefix == "" {
		prefix = "receipts"
	}
	return &RedisLease{
		client:  client,
		prefix:  prefix,
		release: goredis.NewScript(leaseReleaseScript),
		extend:  goredis.NewScript(leaseExtendScript),
	}
}

func (l *RedisLease) key(receiptID int64) string {
	return fmt.Sprintf("%s:lease:%d", l.prefix, receiptID)
}

func (l *RedisLease) Acquire(ctx context.Context, receiptID int64, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, errors.New("lease ttl must be positive")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(receiptID), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLease) Refresh(ctx context.Context, receiptID int64, token string, ttl time.Duration) (bool, error) {
	if token == "" {
		return false, nil
	}
	n, err := l.extend.Run(ctx, l.client, []string{l.key(receiptID)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLease) Release(ctx context.Context, receiptID int64, token string) error {
	if token == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{l.key(receiptID)}, token).Err()
}

func (l *RedisLease) Held(ctx context.Context, receiptID int64) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(receiptID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MemoryLease is the single-process ReceiptLease.
type MemoryLease struct {
	mu     sync.Mutex
	leases map[int64]memoryLeaseEntry
	now    func() time.Time
}

type memoryLeaseEntry struct {
	token   string
	expires time.Time
}

func NewMemoryLease() *MemoryLease {
	return &MemoryLease{leases: make(map[int64]memoryLeaseEntry), now: time.Now}
}

// current returns the live entry for receiptID, dropping an expired one.
func (l *MemoryLease) current(receiptID int64) (memoryLeaseEntry, bool) {
	e, ok := l.leases[receiptID]
	if ok && !l.now().Before(e.expires) {
		delete(l.leases, receiptID)
		return memoryLeaseEntry{}, false
	}
	return e, ok
}

func (l *MemoryLease) Acquire(_ context.Context, receiptID int64, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, errors.New("lease ttl must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.current(receiptID); held {
		return "", false, nil
	}
	token := uuid.NewString()
	l.leases[receiptID] = memoryLeaseEntry{token: token, expires: l.now().Add(ttl)}
	return token, true, nil
}

func (l *MemoryLease) Refresh(_ context.Context, receiptID int64, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, held := l.current(receiptID)
	if !held || e.token != token {
		return false, nil
	}
	e.expires = l.now().Add(ttl)
	l.leases[receiptID] = e
	return true, nil
}

func (l *MemoryLease) Release(_ context.Context, receiptID int64, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, held := l.current(receiptID); held && e.token == token {
		delete(l.leases, receiptID)
	}
	return nil
}

func (l *MemoryLease) Held(_ context.Context, receiptID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.current(receiptID)
	return held, nil
}
