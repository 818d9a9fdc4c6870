package warmpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AstrBotDevs/shipyard-neo/pkg/manager"
	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

func availableCount(t *testing.T, mgr *manager.Manager) int {
	t.Helper()
	stats, err := mgr.WarmPoolStats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	return stats[0].Available
}

func TestSchedulerFillsDeficit(t *testing.T) {
	mgr, clk, cfg := newTestManager(t)
	ctx := context.Background()

	q := NewQueue(mgr, 8, 2, DropNewest, 0)
	q.Start(ctx)
	defer q.Close()
	sched := NewScheduler(mgr, q, cfg, clk)

	sched.RunOnce(ctx)
	require.Eventually(t, func() bool {
		return availableCount(t, mgr) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// A second cycle sees the pool full and creates nothing.
	sched.RunOnce(ctx)
	warm, err := mgr.Store().ListWarmSandboxes()
	require.NoError(t, err)
	assert.Len(t, warm, 2)
}

func TestSchedulerRotatesAndRefills(t *testing.T) {
	mgr, clk, cfg := newTestManager(t)
	ctx := context.Background()

	q := NewQueue(mgr, 8, 2, DropNewest, 0)
	q.Start(ctx)
	defer q.Close()
	sched := NewScheduler(mgr, q, cfg, clk)

	sched.RunOnce(ctx)
	require.Eventually(t, func() bool {
		return availableCount(t, mgr) == 2
	}, 5*time.Second, 10*time.Millisecond)

	first, err := mgr.Store().ListWarmSandboxes()
	require.NoError(t, err)
	oldIDs := map[string]bool{}
	for _, sb := range first {
		oldIDs[sb.ID] = true
	}

	// Past the rotation TTL the whole pool is retired, deleted and rebuilt.
	clk.Advance(2 * time.Hour)
	sched.RunOnce(ctx)
	require.Eventually(t, func() bool {
		return availableCount(t, mgr) == 2
	}, 5*time.Second, 10*time.Millisecond)

	replaced, err := mgr.Store().ListWarmSandboxes()
	require.NoError(t, err)
	require.Len(t, replaced, 2)
	for _, sb := range replaced {
		assert.False(t, oldIDs[sb.ID], "rotated sandboxes must not survive")
	}

	// The retired rows are tombstoned, not just unlisted.
	for id := range oldIDs {
		row, err := mgr.Store().GetSandbox(id)
		require.NoError(t, err)
		assert.NotNil(t, row.DeletedAt)
	}
}

func TestSchedulerSweepsRetiring(t *testing.T) {
	mgr, clk, cfg := newTestManager(t)
	ctx := context.Background()

	q := NewQueue(mgr, 8, 2, DropNewest, 0)
	q.Start(ctx)
	defer q.Close()
	sched := NewScheduler(mgr, q, cfg, clk)

	sched.RunOnce(ctx)
	require.Eventually(t, func() bool {
		return availableCount(t, mgr) == 2
	}, 5*time.Second, 10*time.Millisecond)

	warm, err := mgr.Store().ListWarmSandboxes()
	require.NoError(t, err)
	victim := warm[0]
	victim.WarmState = types.WarmStateRetiring
	require.NoError(t, mgr.Store().UpdateSandbox(victim))

	sched.RunOnce(ctx)
	row, err := mgr.Store().GetSandbox(victim.ID)
	require.NoError(t, err)
	assert.NotNil(t, row.DeletedAt)
}

func TestSchedulerCleanup(t *testing.T) {
	mgr, clk, cfg := newTestManager(t)
	ctx := context.Background()

	q := NewQueue(mgr, 8, 2, DropNewest, 0)
	q.Start(ctx)
	defer q.Close()
	sched := NewScheduler(mgr, q, cfg, clk)

	sched.RunOnce(ctx)
	require.Eventually(t, func() bool {
		return availableCount(t, mgr) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// A claimed sandbox belongs to a user now and must survive shutdown.
	view, fromWarm, err := mgr.Create(ctx, manager.CreateRequest{
		Owner:     "alice",
		ProfileID: "python-default",
	})
	require.NoError(t, err)
	require.True(t, fromWarm)

	sched.Cleanup(ctx)

	warm, err := mgr.Store().ListWarmSandboxes()
	require.NoError(t, err)
	assert.Empty(t, warm)

	kept, err := mgr.Store().GetSandbox(view.Sandbox.ID)
	require.NoError(t, err)
	assert.Nil(t, kept.DeletedAt)
}
