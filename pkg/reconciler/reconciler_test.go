package reconciler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AstrBotDevs/shipyard-neo/pkg/clock"
	"github.com/AstrBotDevs/shipyard-neo/pkg/config"
	"github.com/AstrBotDevs/shipyard-neo/pkg/driver"
	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
	"github.com/AstrBotDevs/shipyard-neo/pkg/idempotency"
	"github.com/AstrBotDevs/shipyard-neo/pkg/locks"
	"github.com/AstrBotDevs/shipyard-neo/pkg/manager"
	"github.com/AstrBotDevs/shipyard-neo/pkg/runtime"
	"github.com/AstrBotDevs/shipyard-neo/pkg/storage"
	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

type fixture struct {
	rec *Reconciler
	mgr *manager.Manager
	drv *driver.MemoryDriver
	clk *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/meta" {
			json.NewEncoder(w).Encode(runtime.Meta{Capabilities: []string{"python"}})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(agent.Close)

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	drv := driver.NewMemoryDriver()
	drv.EndpointFunc = func(string) string { return agent.URL }

	cfg := config.Default()
	cfg.Driver.Type = "memory"
	cfg.Profiles = []config.Profile{{
		ID:          "python-default",
		Image:       "shipyard/agent:latest",
		IdleTimeout: 30 * time.Minute,
	}}
	require.NoError(t, cfg.Validate())

	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	mgr := manager.New(store, drv, runtime.NewPool(), locks.NewKeyed(), clk, cfg)
	idem := idempotency.New(store, clk, time.Hour)
	return &fixture{
		rec: New(mgr, idem, clk, time.Second),
		mgr: mgr,
		drv: drv,
		clk: clk,
	}
}

func TestExpiredSandboxesAreDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, _, err := f.mgr.Create(ctx, manager.CreateRequest{
		Owner:     "alice",
		ProfileID: "python-default",
		TTL:       time.Hour,
	})
	require.NoError(t, err)
	_, err = f.mgr.EnsureRunning(ctx, "alice", view.Sandbox.ID)
	require.NoError(t, err)

	// Not expired yet: nothing happens.
	f.rec.ReconcileOnce(ctx)
	row, err := f.mgr.Store().GetSandbox(view.Sandbox.ID)
	require.NoError(t, err)
	assert.Nil(t, row.DeletedAt)

	f.clk.Advance(2 * time.Hour)
	f.rec.ReconcileOnce(ctx)

	row, err = f.mgr.Store().GetSandbox(view.Sandbox.ID)
	require.NoError(t, err)
	assert.NotNil(t, row.DeletedAt)
	assert.Equal(t, 0, f.drv.ContainerCount(), "expired sandbox container is torn down")
}

func TestIdleSessionsAreStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, _, err := f.mgr.Create(ctx, manager.CreateRequest{
		Owner:     "alice",
		ProfileID: "python-default",
	})
	require.NoError(t, err)
	id := view.Sandbox.ID
	_, err = f.mgr.EnsureRunning(ctx, "alice", id)
	require.NoError(t, err)
	require.Equal(t, 1, f.drv.ContainerCount())

	// Inside the idle window the session stays up.
	f.clk.Advance(10 * time.Minute)
	f.rec.ReconcileOnce(ctx)
	assert.Equal(t, 1, f.drv.ContainerCount())

	f.clk.Advance(30 * time.Minute)
	f.rec.ReconcileOnce(ctx)
	assert.Equal(t, 0, f.drv.ContainerCount())

	// The sandbox survives as stopped and restarts on demand.
	got, err := f.mgr.Get("alice", id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status)
	restarted, err := f.mgr.EnsureRunning(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, restarted.Status)
}

func TestOrphanedContainersAreDestroyed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, _, err := f.mgr.Create(ctx, manager.CreateRequest{
		Owner:     "alice",
		ProfileID: "python-default",
	})
	require.NoError(t, err)
	running, err := f.mgr.EnsureRunning(ctx, "alice", view.Sandbox.ID)
	require.NoError(t, err)

	// Simulate a crash between container create and row cleanup: the session
	// row vanishes while the container lives on.
	require.NoError(t, f.mgr.Store().DeleteSession(running.Session.ID))
	require.Equal(t, 1, f.drv.ContainerCount())

	f.rec.ReconcileOnce(ctx)
	assert.Equal(t, 0, f.drv.ContainerCount())
}

func TestLiveContainersAreNotReaped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, _, err := f.mgr.Create(ctx, manager.CreateRequest{
		Owner:     "alice",
		ProfileID: "python-default",
	})
	require.NoError(t, err)
	_, err = f.mgr.EnsureRunning(ctx, "alice", view.Sandbox.ID)
	require.NoError(t, err)

	f.rec.ReconcileOnce(ctx)
	assert.Equal(t, 1, f.drv.ContainerCount())
}

func TestOrphanedVolumesAreDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A managed volume whose workspace row is gone, as left behind when a
	// cascade's volume deletion failed mid-delete.
	_, err := f.drv.CreateVolume(ctx, "ws-orphan", map[string]string{
		driver.LabelOwner:       "alice",
		driver.LabelWorkspaceID: "ws-orphan",
		driver.LabelManaged:     "true",
	})
	require.NoError(t, err)

	// A live sandbox's volume must survive the sweep.
	view, _, err := f.mgr.Create(ctx, manager.CreateRequest{
		Owner:     "alice",
		ProfileID: "python-default",
	})
	require.NoError(t, err)
	ws, err := f.mgr.Store().GetWorkspace(view.Sandbox.WorkspaceID)
	require.NoError(t, err)

	f.rec.ReconcileOnce(ctx)

	gone, err := f.drv.VolumeExists(ctx, "ws-orphan")
	require.NoError(t, err)
	assert.False(t, gone)
	kept, err := f.drv.VolumeExists(ctx, ws.DriverRef)
	require.NoError(t, err)
	assert.True(t, kept)
}

func TestIdempotencySweepCadence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	store := f.mgr.Store()
	require.NoError(t, store.PutIdempotency(&types.IdempotencyRecord{
		Owner:     "alice",
		Key:       "k1",
		CreatedAt: f.clk.Now(),
	}))
	f.clk.Advance(2 * time.Hour)

	// The sweep only runs every 20th cycle.
	for i := 0; i < 19; i++ {
		f.rec.ReconcileOnce(ctx)
	}
	_, err := store.GetIdempotency("alice", "k1")
	require.NoError(t, err)

	f.rec.ReconcileOnce(ctx)
	_, err = store.GetIdempotency("alice", "k1")
	assert.True(t, errdefs.IsNotFound(err))
}
