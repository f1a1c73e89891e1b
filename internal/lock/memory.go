package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/flowgrid/pkg/api"
)

// MemoryManager is a single authoritative lock service living in one
// process. Other processes reach it through lockrpc.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]*api.Lock
	now   func() time.Time
}

var _ Manager = (*MemoryManager)(nil)

// MemoryOption configures a MemoryManager.
type MemoryOption func(*MemoryManager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryManager) { m.now = now }
}

func NewMemoryManager(opts ...MemoryOption) *MemoryManager {
	m := &MemoryManager{
		locks: make(map[string]*api.Lock),
		now:   time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *MemoryManager) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (uint64, error) {
	if err := checkTTL(ttl); err != nil {
		return 0, err
	}
	if holder == "" {
		return 0, fmt.Errorf("acquire %s: empty holder", key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	l, ok := m.locks[key]
	if !ok {
		l = &api.Lock{ResourceKey: key}
		m.locks[key] = l
	}
	if l.Live(now) {
		if l.Owner != holder {
			return 0, alreadyHeld(key, l.Owner)
		}
		l.ExpiresAt = now.Add(ttl)
		return l.FencingToken, nil
	}

	l.Owner = holder
	l.ExpiresAt = now.Add(ttl)
	l.FencingToken++
	return l.FencingToken, nil
}

func (m *MemoryManager) Release(ctx context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok || !l.Live(m.now()) || l.Owner != holder {
		return notHolder(key, holder)
	}
	l.Owner = ""
	l.ExpiresAt = time.Time{}
	return nil
}

func (m *MemoryManager) Renew(ctx context.Context, key, holder string, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	l, ok := m.locks[key]
	if !ok || !l.Live(now) || l.Owner != holder {
		return notHolder(key, holder)
	}
	l.ExpiresAt = now.Add(ttl)
	return nil
}

func (m *MemoryManager) Validate(ctx context.Context, key string, token uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrLockNotFound, key)
	}
	if token != l.FencingToken {
		return staleToken(key, token, l.FencingToken)
	}
	if !l.Live(m.now()) {
		return fmt.Errorf("%w: %s token %d", api.ErrLeaseExpired, key, token)
	}
	return nil
}

func (m *MemoryManager) Get(ctx context.Context, key string) (*api.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrLockNotFound, key)
	}
	cp := *l
	return &cp, nil
}
