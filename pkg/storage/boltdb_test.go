package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

func newStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sandbox(id, owner string) *types.Sandbox {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	return &types.Sandbox{
		ID:           id,
		Owner:        owner,
		ProfileID:    "python-default",
		WorkspaceID:  "ws-" + id,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

func TestSandboxCRUD(t *testing.T) {
	s := newStore(t)

	sb := sandbox("sb-1", "alice")
	require.NoError(t, s.CreateSandbox(sb))

	// Duplicate id is a conflict.
	assert.True(t, errdefs.IsConflict(s.CreateSandbox(sb)))

	got, err := s.GetSandbox("sb-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)

	got.ProfileID = "other"
	require.NoError(t, s.UpdateSandbox(got))
	got, err = s.GetSandbox("sb-1")
	require.NoError(t, err)
	assert.Equal(t, "other", got.ProfileID)

	_, err = s.GetSandbox("sb-missing")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestGetSandboxReturnsTombstones(t *testing.T) {
	s := newStore(t)
	sb := sandbox("sb-1", "alice")
	now := time.Now().UTC()
	sb.DeletedAt = &now
	require.NoError(t, s.CreateSandbox(sb))

	got, err := s.GetSandbox("sb-1")
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)
}

func TestListSandboxBatch(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.CreateSandbox(sandbox(fmt.Sprintf("sb-%d", i), "alice")))
	}
	// Deleted and warm rows are invisible to listing.
	deleted := sandbox("sb-6", "alice")
	deleted.DeletedAt = &now
	require.NoError(t, s.CreateSandbox(deleted))
	warm := sandbox("sb-7", "alice")
	warm.IsWarmPool = true
	require.NoError(t, s.CreateSandbox(warm))
	require.NoError(t, s.CreateSandbox(sandbox("sb-8", "bob")))

	rows, err := s.ListSandboxBatch("alice", "", 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "sb-1", rows[0].ID)

	rows, err = s.ListSandboxBatch("alice", rows[2].ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "sb-4", rows[0].ID)
	assert.Equal(t, "sb-5", rows[1].ID)
}

func TestListExpiredSandboxes(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	expired := sandbox("sb-1", "alice")
	expired.ExpiresAt = &past
	live := sandbox("sb-2", "alice")
	live.ExpiresAt = &future
	infinite := sandbox("sb-3", "alice")

	require.NoError(t, s.CreateSandbox(expired))
	require.NoError(t, s.CreateSandbox(live))
	require.NoError(t, s.CreateSandbox(infinite))

	rows, err := s.ListExpiredSandboxes(now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "sb-1", rows[0].ID)
}

func warmSandbox(id string, readyAt time.Time) *types.Sandbox {
	sb := sandbox(id, "system:warm-pool")
	sb.IsWarmPool = true
	sb.WarmState = types.WarmStateAvailable
	sb.WarmReadyAt = &readyAt
	return sb
}

func TestWarmClaimCandidateOrdering(t *testing.T) {
	s := newStore(t)
	base := time.Now().UTC()

	require.NoError(t, s.CreateSandbox(warmSandbox("sb-b", base.Add(2*time.Minute))))
	require.NoError(t, s.CreateSandbox(warmSandbox("sb-a", base)))

	got, err := s.WarmClaimCandidate("python-default")
	require.NoError(t, err)
	assert.Equal(t, "sb-a", got.ID, "oldest-ready candidate first")

	_, err = s.WarmClaimCandidate("other-profile")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestClaimWarmSandbox(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.CreateSandbox(warmSandbox("sb-1", now)))

	exp := now.Add(time.Hour)
	ok, err := s.ClaimWarmSandbox("sb-1", "python-default", "alice", now, &exp)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetSandbox("sb-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	assert.False(t, got.IsWarmPool)
	assert.Equal(t, types.WarmStateClaimed, got.WarmState)
	require.NotNil(t, got.ExpiresAt)

	// Second claim must lose: preconditions no longer hold.
	ok, err = s.ClaimWarmSandbox("sb-1", "python-default", "bob", now, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimWarmSandboxConcurrent(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.CreateSandbox(warmSandbox("sb-1", now)))

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		owner := fmt.Sprintf("owner-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimWarmSandbox("sb-1", "python-default", owner, now, nil)
			require.NoError(t, err)
			if ok {
				wins <- owner
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one claim lands")

	got, err := s.GetSandbox("sb-1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.Owner)
}

func TestWarmRotationDue(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := warmSandbox("sb-1", past)
	due.WarmRotateAt = &past
	fresh := warmSandbox("sb-2", past)
	fresh.WarmRotateAt = &future

	require.NoError(t, s.CreateSandbox(due))
	require.NoError(t, s.CreateSandbox(fresh))

	rows, err := s.WarmRotationDue("python-default", now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "sb-1", rows[0].ID)
}

func TestCountWarm(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.CreateSandbox(warmSandbox("sb-1", now)))
	pending := sandbox("sb-2", "system:warm-pool")
	pending.IsWarmPool = true
	require.NoError(t, s.CreateSandbox(pending))

	n, err := s.CountWarm("python-default", types.WarmStateAvailable)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.CountWarm("python-default", types.WarmStateNone)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Claimed rows leave the pool flag behind but still count as claimed.
	ok, err := s.ClaimWarmSandbox("sb-1", "python-default", "alice", now, nil)
	require.NoError(t, err)
	require.True(t, ok)
	n, err = s.CountWarm("python-default", types.WarmStateClaimed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSessionAndWorkspaceCRUD(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()

	sess := &types.Session{ID: "ss-1", SandboxID: "sb-1", Owner: "alice", CreatedAt: now}
	require.NoError(t, s.CreateSession(sess))
	sess.ObservedState = types.SessionRunning
	require.NoError(t, s.UpdateSession(sess))

	got, err := s.GetSession("ss-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionRunning, got.ObservedState)

	bySandbox, err := s.ListSessionsBySandbox("sb-1")
	require.NoError(t, err)
	assert.Len(t, bySandbox, 1)

	require.NoError(t, s.DeleteSession("ss-1"))
	_, err = s.GetSession("ss-1")
	assert.True(t, errdefs.IsNotFound(err))

	ws := &types.Workspace{ID: "ws-1", Owner: "alice", DriverRef: "ws-1", Managed: true, CreatedAt: now}
	require.NoError(t, s.CreateWorkspace(ws))
	ws.Owner = "bob"
	require.NoError(t, s.UpdateWorkspace(ws))
	gotWS, err := s.GetWorkspace("ws-1")
	require.NoError(t, err)
	assert.Equal(t, "bob", gotWS.Owner)

	require.NoError(t, s.DeleteWorkspace("ws-1"))
	_, err = s.GetWorkspace("ws-1")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestIdempotencySweep(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()

	old := &types.IdempotencyRecord{Owner: "alice", Key: "k1", CreatedAt: now.Add(-48 * time.Hour)}
	fresh := &types.IdempotencyRecord{Owner: "alice", Key: "k2", CreatedAt: now}
	require.NoError(t, s.PutIdempotency(old))
	require.NoError(t, s.PutIdempotency(fresh))

	n, err := s.SweepIdempotency(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetIdempotency("alice", "k1")
	assert.True(t, errdefs.IsNotFound(err))
	_, err = s.GetIdempotency("alice", "k2")
	assert.NoError(t, err)
}
