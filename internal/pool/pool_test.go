package pool

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neboloop/cdp-relay/internal/telemetry"
)

// newTestPool builds a Pool without probing for a real Chrome binary, so
// capacity/eviction bookkeeping can be exercised without spawning a process.
func newTestPool(t *testing.T, maxInstances int) *Pool {
	t.Helper()
	p := &Pool{
		cfg: Config{
			MaxInstances:          maxInstances,
			InstanceTimeout:       time.Minute,
			InactiveCheckInterval: time.Hour,
		},
		log:       zap.NewNop(),
		exe:       &BrowserExecutable{Kind: BrowserChrome, Path: "/nonexistent/chrome"},
		metrics:   telemetry.New(prometheus.NewRegistry()),
		byKey:     make(map[string]*Instance),
		anonymous: make(map[*Instance]struct{}),
		nextPort:  9300,
		stopCh:    make(chan struct{}),
	}
	return p
}

func fakeInstance(userKey string) *Instance {
	return &Instance{
		UserKey:      userKey,
		lastActivity: time.Now(),
		running:      &runningChrome{},
	}
}

func TestAcquireReturnsAtCapacityWhenFull(t *testing.T) {
	p := newTestPool(t, 1)
	p.byKey["u1"] = fakeInstance("u1")

	_, err := p.Acquire(context.Background(), "", LaunchOptions{})
	require.ErrorIs(t, err, ErrAtCapacity)
}

func TestAcquireReturnsExistingKeyedInstance(t *testing.T) {
	p := newTestPool(t, 1)
	existing := fakeInstance("u1")
	p.byKey["u1"] = existing

	inst, err := p.Acquire(context.Background(), "u1", LaunchOptions{})
	require.NoError(t, err)
	require.Same(t, existing, inst)
}

func TestEvictRemovesKeyedInstance(t *testing.T) {
	p := newTestPool(t, 10)
	inst := fakeInstance("u1")
	p.byKey["u1"] = inst

	p.evict(inst)

	require.Empty(t, p.byKey)
	require.Equal(t, 0, p.LiveInstances())
}

func TestEvictIgnoresStaleIdentity(t *testing.T) {
	p := newTestPool(t, 10)
	stale := fakeInstance("u1")
	current := fakeInstance("u1")
	p.byKey["u1"] = current

	p.evict(stale)

	require.Same(t, current, p.byKey["u1"], "evicting a superseded instance must not remove the live one")
}

func TestSweepEvictsIdleInstance(t *testing.T) {
	p := newTestPool(t, 10)
	idle := fakeInstance("u1")
	idle.lastActivity = time.Now().Add(-2 * time.Minute)
	p.byKey["u1"] = idle

	p.sweep()

	require.Empty(t, p.byKey)
}

func TestSweepEvictsIdleAnonymousInstance(t *testing.T) {
	p := newTestPool(t, 10)
	idle := fakeInstance("")
	idle.lastActivity = time.Now().Add(-2 * time.Minute)
	p.anonymous[idle] = struct{}{}

	p.sweep()

	require.Empty(t, p.anonymous, "an idle anonymous (unkeyed) instance must be reclaimed too, else it pins capacity forever")
}

func TestTouchRefreshesIdleClock(t *testing.T) {
	p := newTestPool(t, 10)
	inst := fakeInstance("u1")
	inst.lastActivity = time.Now().Add(-time.Hour)
	p.byKey["u1"] = inst

	p.Touch("u1")

	require.Less(t, inst.idleFor(), time.Second)
}
