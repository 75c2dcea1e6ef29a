package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/idempotency"
)

// KeyStore keeps claimed keys for the life of the process.
type KeyStore struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]struct{})}
}

func (s *KeyStore) Claim(ctx context.Context, key string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key]; ok {
		return false, nil
	}
	s.keys[key] = struct{}{}
	return true, nil
}

func (s *KeyStore) Release(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, key)
	return nil
}

// Locker grants non-blocking, expiring leases within one process.
type Locker struct {
	mu     sync.Mutex
	leases map[string]*lease
	now    func() time.Time
}

func NewLocker() *Locker {
	return &Locker{leases: make(map[string]*lease), now: time.Now}
}

type lease struct {
	owner   *Locker
	key     string
	expires time.Time
	once    sync.Once
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (idempotency.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.leases[key]; ok && now.Before(held.expires) {
		return nil, idempotency.ErrLocked
	}
	ls := &lease{owner: l, key: key, expires: now.Add(ttl)}
	l.leases[key] = ls
	return ls, nil
}

func (ls *lease) Extend(ctx context.Context, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ls.owner.mu.Lock()
	defer ls.owner.mu.Unlock()

	if cur, ok := ls.owner.leases[ls.key]; !ok || cur != ls {
		return idempotency.ErrLeaseLost
	}
	ls.expires = ls.owner.now().Add(ttl)
	return nil
}

func (ls *lease) Release(ctx context.Context) error {
	_ = ctx
	ls.once.Do(func() {
		ls.owner.mu.Lock()
		defer ls.owner.mu.Unlock()
		// an expired lease may already belong to someone else
		if cur, ok := ls.owner.leases[ls.key]; ok && cur == ls {
			delete(ls.owner.leases, ls.key)
		}
	})
	return nil
}
