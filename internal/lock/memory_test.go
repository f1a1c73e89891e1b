package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/flowgrid/internal/testutil"
	"github.com/petrijr/flowgrid/pkg/api"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// runManagerContract exercises the behaviour every Manager must share.
// advance moves the manager's notion of time forward.
func runManagerContract(t *testing.T, newManager func(t *testing.T) (Manager, func(time.Duration))) {
	ctx := context.Background()

	t.Run("AcquireConflictsWithLiveHolder", func(t *testing.T) {
		m, _ := newManager(t)
		token, err := m.Acquire(ctx, "L", "h1", time.Minute)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if token == 0 {
			t.Fatalf("expected a positive fencing token")
		}
		if _, err := m.Acquire(ctx, "L", "h2", time.Minute); !errors.Is(err, api.ErrAlreadyHeld) {
			t.Fatalf("expected ErrAlreadyHeld, got %v", err)
		}
	})

	t.Run("ReacquireByHolderRenewsWithSameToken", func(t *testing.T) {
		m, _ := newManager(t)
		first, err := m.Acquire(ctx, "L", "h1", time.Minute)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		second, err := m.Acquire(ctx, "L", "h1", time.Minute)
		if err != nil {
			t.Fatalf("re-Acquire: %v", err)
		}
		if first != second {
			t.Fatalf("renewal changed token %d -> %d", first, second)
		}
	})

	t.Run("ReleaseRequiresLiveHolder", func(t *testing.T) {
		m, _ := newManager(t)
		if _, err := m.Acquire(ctx, "L", "h1", time.Minute); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if err := m.Release(ctx, "L", "h2"); !errors.Is(err, api.ErrNotHolder) {
			t.Fatalf("expected ErrNotHolder, got %v", err)
		}
		if err := m.Release(ctx, "L", "h1"); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if err := m.Release(ctx, "L", "h1"); !errors.Is(err, api.ErrNotHolder) {
			t.Fatalf("double release: expected ErrNotHolder, got %v", err)
		}
		if err := m.Release(ctx, "never", "h1"); !errors.Is(err, api.ErrNotHolder) {
			t.Fatalf("unknown key: expected ErrNotHolder, got %v", err)
		}
	})

	t.Run("NewGrantIncrementsToken", func(t *testing.T) {
		m, _ := newManager(t)
		t1, err := m.Acquire(ctx, "L", "h1", time.Minute)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if err := m.Release(ctx, "L", "h1"); err != nil {
			t.Fatalf("Release: %v", err)
		}
		t2, err := m.Acquire(ctx, "L", "h2", time.Minute)
		if err != nil {
			t.Fatalf("Acquire after release: %v", err)
		}
		if t2 <= t1 {
			t.Fatalf("token did not increase: %d -> %d", t1, t2)
		}
		if err := m.Validate(ctx, "L", t1); !errors.Is(err, api.ErrStaleToken) {
			t.Fatalf("expected ErrStaleToken for old token, got %v", err)
		}
		if err := m.Validate(ctx, "L", t2); err != nil {
			t.Fatalf("Validate current token: %v", err)
		}
	})

	t.Run("ExpiredLeaseFreesKey", func(t *testing.T) {
		m, advance := newManager(t)
		t1, err := m.Acquire(ctx, "L", "h1", 200*time.Millisecond)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		advance(400 * time.Millisecond)

		if err := m.Validate(ctx, "L", t1); !errors.Is(err, api.ErrLeaseExpired) {
			t.Fatalf("expected ErrLeaseExpired, got %v", err)
		}
		if err := m.Renew(ctx, "L", "h1", time.Minute); !errors.Is(err, api.ErrNotHolder) {
			t.Fatalf("renew after expiry: expected ErrNotHolder, got %v", err)
		}
		t2, err := m.Acquire(ctx, "L", "h2", time.Minute)
		if err != nil {
			t.Fatalf("Acquire after expiry: %v", err)
		}
		if t2 != t1+1 {
			t.Fatalf("token = %d, want %d", t2, t1+1)
		}
	})

	t.Run("RenewExtendsLease", func(t *testing.T) {
		m, advance := newManager(t)
		if _, err := m.Acquire(ctx, "L", "h1", 300*time.Millisecond); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		advance(200 * time.Millisecond)
		if err := m.Renew(ctx, "L", "h1", time.Minute); err != nil {
			t.Fatalf("Renew: %v", err)
		}
		advance(200 * time.Millisecond)
		if _, err := m.Acquire(ctx, "L", "h2", time.Minute); !errors.Is(err, api.ErrAlreadyHeld) {
			t.Fatalf("expected lock to still be held after renew, got %v", err)
		}
		if err := m.Renew(ctx, "L", "h2", time.Minute); !errors.Is(err, api.ErrNotHolder) {
			t.Fatalf("renew by non-holder: expected ErrNotHolder, got %v", err)
		}
	})

	t.Run("ValidateUnknownKey", func(t *testing.T) {
		m, _ := newManager(t)
		if err := m.Validate(ctx, "nothing", 1); !errors.Is(err, api.ErrLockNotFound) {
			t.Fatalf("expected ErrLockNotFound, got %v", err)
		}
		if _, err := m.Get(ctx, "nothing"); !errors.Is(err, api.ErrLockNotFound) {
			t.Fatalf("expected ErrLockNotFound from Get, got %v", err)
		}
	})

	t.Run("RejectsNonPositiveTTL", func(t *testing.T) {
		m, _ := newManager(t)
		if _, err := m.Acquire(ctx, "L", "h1", 0); !errors.Is(err, ErrInvalidTTL) {
			t.Fatalf("expected ErrInvalidTTL, got %v", err)
		}
	})

	t.Run("ConcurrentAcquirersHaveOneWinner", func(t *testing.T) {
		m, _ := newManager(t)
		const contenders = 16

		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		start := make(chan struct{})
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, err := m.Acquire(ctx, "hot", string(rune('a'+i)), time.Minute)
				switch {
				case err == nil:
					winners.Add(1)
				case !errors.Is(err, api.ErrAlreadyHeld):
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		close(start)
		wg.Wait()
		if got := winners.Load(); got != 1 {
			t.Fatalf("winners = %d, want exactly 1", got)
		}
	})
}

func TestMemoryManager(t *testing.T) {
	runManagerContract(t, func(t *testing.T) (Manager, func(time.Duration)) {
		clock := testutil.NewClock(epoch)
		return NewMemoryManager(WithClock(clock.Now)), clock.Advance
	})
}

// Lock L is held by H1 with token 7; the lease lapses; H2 acquires token 8;
// a late write from H1 presenting 7 is rejected.
func TestMemoryManager_StaleHolderIsFencedOff(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(epoch)
	m := NewMemoryManager(WithClock(clock.Now))

	for i := 0; i < 6; i++ {
		if _, err := m.Acquire(ctx, "L", "warmup", time.Second); err != nil {
			t.Fatalf("warmup Acquire: %v", err)
		}
		if err := m.Release(ctx, "L", "warmup"); err != nil {
			t.Fatalf("warmup Release: %v", err)
		}
	}

	h1, err := m.Acquire(ctx, "L", "H1", 5*time.Second)
	if err != nil {
		t.Fatalf("H1 Acquire: %v", err)
	}
	if h1 != 7 {
		t.Fatalf("H1 token = %d, want 7", h1)
	}

	clock.Advance(6 * time.Second)

	h2, err := m.Acquire(ctx, "L", "H2", 5*time.Second)
	if err != nil {
		t.Fatalf("H2 Acquire: %v", err)
	}
	if h2 != 8 {
		t.Fatalf("H2 token = %d, want 8", h2)
	}

	if err := m.Validate(ctx, "L", h1); !errors.Is(err, api.ErrStaleToken) {
		t.Fatalf("late write with token 7: expected ErrStaleToken, got %v", err)
	}
	if err := m.Release(ctx, "L", "H1"); !errors.Is(err, api.ErrNotHolder) {
		t.Fatalf("stale holder release: expected ErrNotHolder, got %v", err)
	}
	if err := m.Validate(ctx, "L", h2); err != nil {
		t.Fatalf("current holder Validate: %v", err)
	}
}

// At no instant do two holders both hold a live lock, even when the lease is
// repeatedly lapsing while many acquirers race.
func TestMemoryManager_AtMostOneLiveHolder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()
	const (
		workers = 8
		rounds  = 200
	)

	var (
		inside atomic.Int32
		wg     sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			holder := string(rune('A' + w))
			for i := 0; i < rounds; i++ {
				token, err := m.Acquire(ctx, "crit", holder, time.Second)
				if err != nil {
					continue
				}
				if n := inside.Add(1); n != 1 {
					t.Errorf("%d holders inside the critical section", n)
				}
				if err := m.Validate(ctx, "crit", token); err != nil {
					t.Errorf("Validate inside critical section: %v", err)
				}
				inside.Add(-1)
				if err := m.Release(ctx, "crit", holder); err != nil {
					t.Errorf("Release: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()
}

func TestMemoryManager_GetReportsLastGrant(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(epoch)
	m := NewMemoryManager(WithClock(clock.Now))

	token, err := m.Acquire(ctx, "L", "h1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l, err := m.Get(ctx, "L")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if l.Owner != "h1" || l.FencingToken != token || !l.ExpiresAt.Equal(epoch.Add(time.Minute)) {
		t.Fatalf("unexpected lock: %+v", l)
	}
	if !l.Live(clock.Now()) {
		t.Fatalf("expected lock to be live")
	}
}
