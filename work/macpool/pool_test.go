package macpool

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stalker-proxy/work/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func portalWith(id string, perMAC int, macs ...string) types.Portal {
	p := types.Portal{ID: id, Name: id, Enabled: true, StreamsPerMAC: perMAC}
	for _, m := range macs {
		p.MACs = append(p.MACs, types.MACEntry{MAC: m})
	}
	return p
}

func newTestPool(t *testing.T, portals ...types.Portal) (*Pool, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	p := New()
	p.now = clock.Now
	p.Sync(portals, true)
	return p, clock
}

func TestAcquirePrefersLeastLoaded(t *testing.T) {
	p, clock := newTestPool(t, portalWith("p1", 2, "A", "B"))

	l1, err := p.Acquire("p1")
	require.NoError(t, err)
	assert.Equal(t, "A", l1.MAC)

	clock.Advance(time.Second)
	l2, err := p.Acquire("p1")
	require.NoError(t, err)
	assert.Equal(t, "B", l2.MAC)

	clock.Advance(time.Second)
	l3, err := p.Acquire("p1")
	require.NoError(t, err)
	assert.Equal(t, "A", l3.MAC, "least recently used among equally loaded")

	l4, err := p.Acquire("p1")
	require.NoError(t, err)
	assert.Equal(t, "B", l4.MAC)

	_, err = p.Acquire("p1")
	assert.ErrorIs(t, err, ErrNoCapacity)
	assert.Equal(t, 4, p.Active("p1"))
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	p, _ := newTestPool(t, portalWith("p1", 2, "A"))

	l1, err := p.Acquire("p1")
	require.NoError(t, err)
	l2, err := p.Acquire("p1")
	require.NoError(t, err)

	l1.Release()
	l1.Release()
	assert.True(t, l1.Released())
	assert.Equal(t, 1, p.Active("p1"), "double release must not free another session's slot")

	l2.Release()
	p.Release("p1", "A")
	assert.Equal(t, 0, p.Active("p1"))
}

func TestExcludeSkipsMACs(t *testing.T) {
	p, _ := newTestPool(t, portalWith("p1", 1, "A", "B"))

	l, err := p.Acquire("p1", "A")
	require.NoError(t, err)
	assert.Equal(t, "B", l.MAC)

	_, err = p.Acquire("p1", "A")
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestCooldownAndDemotion(t *testing.T) {
	p, clock := newTestPool(t, portalWith("p1", 0, "A", "B"))

	p.MarkFailed("p1", "A", 30*time.Second)
	assert.Equal(t, []string{"B"}, p.ListCandidates("p1"))

	l, err := p.Acquire("p1")
	require.NoError(t, err)
	assert.Equal(t, "B", l.MAC)
	l.Release()

	clock.Advance(31 * time.Second)
	assert.Equal(t, []string{"B", "A"}, p.ListCandidates("p1"), "expired MAC reappears deprioritised")

	p.MarkHealthy("p1", "A")
	cands := p.ListCandidates("p1")
	assert.ElementsMatch(t, []string{"A", "B"}, cands)
	assert.Equal(t, "A", cands[0], "A was never used, B was")
}

func TestUnlimitedStreamsPerMAC(t *testing.T) {
	p, _ := newTestPool(t, portalWith("p1", 0, "A"))

	for i := 0; i < 50; i++ {
		_, err := p.Acquire("p1")
		require.NoError(t, err)
	}
	assert.Equal(t, 50, p.Active("p1"))
}

func TestTryAllMACsDisabled(t *testing.T) {
	p, _ := newTestPool(t)
	p.Sync([]types.Portal{portalWith("p1", 1, "A", "B")}, false)

	assert.Equal(t, []string{"A"}, p.ListCandidates("p1"))

	l, err := p.Acquire("p1")
	require.NoError(t, err)
	assert.Equal(t, "A", l.MAC)

	_, err = p.Acquire("p1")
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestUnknownPortal(t *testing.T) {
	p, _ := newTestPool(t)
	_, err := p.Acquire("nope")
	assert.ErrorIs(t, err, ErrNoCapacity)
	assert.Nil(t, p.ListCandidates("nope"))
}

func TestSyncPreservesCountersAndDrainsRemoved(t *testing.T) {
	p, _ := newTestPool(t, portalWith("p1", 1, "A", "B"))

	la, err := p.Acquire("p1")
	require.NoError(t, err)
	require.Equal(t, "A", la.MAC)

	p.Sync([]types.Portal{portalWith("p1", 1, "B", "A")}, true)
	assert.Equal(t, 1, p.Active("p1"))
	assert.Equal(t, []string{"B"}, p.ListCandidates("p1"))

	p.Sync([]types.Portal{portalWith("p1", 1, "B")}, true)
	assert.Equal(t, 1, p.Active("p1"), "removed MAC still counted until released")
	la.Release()
	assert.Equal(t, 0, p.Active("p1"))

	lb, err := p.Acquire("p1")
	require.NoError(t, err)
	p.Sync(nil, true)
	_, err = p.Acquire("p1")
	assert.ErrorIs(t, err, ErrNoCapacity)
	assert.Equal(t, 1, p.Active("p1"))
	lb.Release()
	assert.Empty(t, p.Snapshot())
}

func TestSnapshot(t *testing.T) {
	p, _ := newTestPool(t, portalWith("p2", 1, "X"), portalWith("p1", 3, "A", "B"))

	_, err := p.Acquire("p1")
	require.NoError(t, err)
	p.MarkFailed("p1", "B", time.Minute)

	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "p1", snap[0].PortalID)
	assert.Equal(t, 3, snap[0].StreamsPerMAC)
	assert.Equal(t, 1, snap[0].MACs[0].Active)
	assert.True(t, snap[0].MACs[1].Demoted)
	assert.False(t, snap[0].MACs[1].CoolingUntil.IsZero())
}

func TestConcurrentAcquireNeverOversubscribes(t *testing.T) {
	defer goleak.VerifyNone(t)

	const perMAC = 2
	macs := []string{"A", "B", "C"}
	p := New()
	p.Sync([]types.Portal{portalWith("p1", perMAC, macs...)}, true)

	holders := map[string]*atomic.Int32{}
	for _, m := range macs {
		holders[m] = &atomic.Int32{}
	}

	var (
		wg       sync.WaitGroup
		violated atomic.Bool
	)
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				l, err := p.Acquire("p1")
				if err != nil {
					continue
				}
				if holders[l.MAC].Add(1) > perMAC {
					violated.Store(true)
				}
				if rng.Intn(4) == 0 {
					p.MarkFailed("p1", l.MAC, time.Microsecond)
				}
				holders[l.MAC].Add(-1)
				l.Release()
				if rng.Intn(2) == 0 {
					l.Release()
				}
			}
		}(int64(g))
	}
	wg.Wait()

	assert.False(t, violated.Load())
	assert.Equal(t, 0, p.Active("p1"))
}
