package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3mdistal/ralph-sub004/pkg/config"
)

func testConfig() config.GovernorConfig {
	return config.GovernorConfig{
		ImportantCapacity:  4,
		ImportantRefill:    1,
		BestEffortCapacity: 2,
		BestEffortRefill:   0.5,
		PressureThreshold:  500,
	}
}

func newTestGovernor(t *testing.T, opts ...Option) (*Governor, *time.Time) {
	t.Helper()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	g := New(testConfig(), opts...)
	g.now = func() time.Time { return now }
	g.lastLowestGrant = now
	return g, &now
}

func TestCriticalNeverRefused(t *testing.T) {
	g, _ := newTestGovernor(t, WithCooldownObserver(func() time.Time {
		return time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	}))
	for i := 0; i < 100; i++ {
		assert.True(t, g.Acquire(LaneCritical, CostWrite).OK)
	}
}

func TestBucketEmptyDefers(t *testing.T) {
	g, now := newTestGovernor(t)

	// Capacity 4, writes cost 2: two writes drain the important lane.
	assert.True(t, g.Acquire(LaneImportant, CostWrite).OK)
	assert.True(t, g.Acquire(LaneImportant, CostWrite).OK)

	d := g.Acquire(LaneImportant, CostRead)
	require.False(t, d.OK)
	assert.Equal(t, ReasonEmpty, d.Reason)
	assert.True(t, d.Until.After(*now), "defer carries a retry instant")

	// Refill 1 token/s: a read fits after the deferred instant.
	*now = d.Until.Add(time.Millisecond)
	assert.True(t, g.Acquire(LaneImportant, CostRead).OK)
}

func TestDeferredReservationDoesNotConsumeTokens(t *testing.T) {
	g, _ := newTestGovernor(t)

	assert.True(t, g.Acquire(LaneBestEffort, CostWrite).OK) // drains capacity 2
	for i := 0; i < 5; i++ {
		assert.False(t, g.Acquire(LaneBestEffort, CostWrite).OK)
	}
	// Repeated defers must not push the retry horizon out further.
	first := g.Acquire(LaneBestEffort, CostRead)
	second := g.Acquire(LaneBestEffort, CostRead)
	assert.Equal(t, first.Until, second.Until)
}

func TestGlobalCooldownDefersNonCritical(t *testing.T) {
	resume := time.Date(2026, 5, 1, 12, 5, 0, 0, time.UTC)
	g, _ := newTestGovernor(t, WithCooldownObserver(func() time.Time { return resume }))

	for _, lane := range []Lane{LaneImportant, LaneBestEffort} {
		d := g.Acquire(lane, CostRead)
		require.False(t, d.OK, lane)
		assert.Equal(t, ReasonCooldown, d.Reason)
		assert.Equal(t, resume, d.Until)
	}
	assert.True(t, g.Acquire(LaneCritical, CostRead).OK)
}

func TestPressureModeShedsBestEffortOnly(t *testing.T) {
	g, _ := newTestGovernor(t, WithQuotaObserver(func() int { return 100 }))

	d := g.Acquire(LaneBestEffort, CostRead)
	require.False(t, d.OK)
	assert.Equal(t, ReasonPressure, d.Reason)

	assert.True(t, g.Acquire(LaneImportant, CostRead).OK, "pressure spares the important lane")
}

func TestUnknownQuotaIsNotPressure(t *testing.T) {
	g, _ := newTestGovernor(t, WithQuotaObserver(func() int { return -1 }))
	assert.True(t, g.Acquire(LaneBestEffort, CostRead).OK)
}

func TestSnapshotCounters(t *testing.T) {
	g, _ := newTestGovernor(t, WithQuotaObserver(func() int { return 4200 }))

	g.Acquire(LaneCritical, CostRead)
	g.Acquire(LaneImportant, CostWrite)
	g.Acquire(LaneBestEffort, CostWrite)
	g.Acquire(LaneBestEffort, CostWrite) // deferred: bucket drained

	s := g.Snapshot()
	assert.Equal(t, uint64(1), s.Granted[LaneCritical])
	assert.Equal(t, uint64(1), s.Granted[LaneImportant])
	assert.Equal(t, uint64(1), s.Granted[LaneBestEffort])
	assert.Equal(t, uint64(1), s.Deferred[LaneBestEffort])
	assert.Equal(t, 4200, s.RemainingQuota)
	assert.False(t, s.Starving)
}

func TestStarvationFlagsAfterDrought(t *testing.T) {
	g, now := newTestGovernor(t, WithQuotaObserver(func() int { return 100 }))

	g.Acquire(LaneBestEffort, CostRead) // pressure defer, no drought yet
	assert.False(t, g.Snapshot().Starving)

	*now = now.Add(6 * time.Minute)
	g.Acquire(LaneBestEffort, CostRead)
	assert.True(t, g.Snapshot().Starving)
}
