package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/idempotency"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultClaimTTL bounds how long an applied-key claim is remembered. It must
// outlive any redelivery window of the payment gateway.
const DefaultClaimTTL = 30 * 24 * time.Hour

// KeyStore records applied side effects with SET NX.
type KeyStore struct {
	rdb    goredis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewKeyStore(rdb goredis.UniversalClient, ttl time.Duration) *KeyStore {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &KeyStore{rdb: rdb, ttl: ttl, prefix: "idem:"}
}

func (s *KeyStore) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.prefix+key, "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim %q: %w", key, err)
	}
	return ok, nil
}

func (s *KeyStore) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis: release %q: %w", key, err)
	}
	return nil
}

// releaseScript deletes the lock only while it still carries the caller's token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the lock's expiry only while it still carries the caller's token.
var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker hands out leases shared by every replica pointed at the same Redis.
type Locker struct {
	rdb    goredis.UniversalClient
	prefix string
}

func NewLocker(rdb goredis.UniversalClient) *Locker {
	return &Locker{rdb: rdb, prefix: "lock:"}
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (idempotency.Lease, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire %q: %w", key, err)
	}
	if !ok {
		return nil, idempotency.ErrLocked
	}
	return &lease{rdb: l.rdb, key: l.prefix + key, token: token}, nil
}

type lease struct {
	rdb   goredis.UniversalClient
	key   string
	token string
}

func (ls *lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, ls.rdb, []string{ls.key}, ls.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis: extend lock %q: %w", ls.key, err)
	}
	if n == 0 {
		return idempotency.ErrLeaseLost
	}
	return nil
}

func (ls *lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, ls.rdb, []string{ls.key}, ls.token).Err(); err != nil {
		return fmt.Errorf("redis: release lock %q: %w", ls.key, err)
	}
	return nil
}
