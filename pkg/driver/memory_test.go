package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AstrBotDevs/shipyard-neo/pkg/config"
	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

func memSession() (*types.Session, *config.Profile, *types.Workspace) {
	sess := &types.Session{ID: "ss-1", SandboxID: "sb-1", Owner: "alice"}
	profile := &config.Profile{ID: "python-default", Image: "x", RuntimePort: 8000}
	ws := &types.Workspace{ID: "ws-1", Owner: "alice", DriverRef: "ws-1"}
	return sess, profile, ws
}

func TestMemoryLifecycle(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()
	sess, profile, ws := memSession()

	// A container cannot mount a volume that was never created.
	_, err := d.Create(ctx, sess, profile, ws, nil)
	require.Error(t, err)

	ref, err := d.CreateVolume(ctx, ws.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, ref)

	id, err := d.Create(ctx, sess, profile, ws, nil)
	require.NoError(t, err)

	info, err := d.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, info.Status)
	assert.Equal(t, "alice", info.Labels[LabelOwner])
	assert.Equal(t, "sb-1", info.Labels[LabelSandboxID])
	assert.Equal(t, "ss-1", info.Labels[LabelSessionID])

	d.EndpointFunc = func(string) string { return "http://127.0.0.1:9999" }
	endpoint, err := d.Start(ctx, id, profile.RuntimePort)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9999", endpoint)

	info, err = d.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, info.Status)
	assert.Equal(t, endpoint, info.Endpoint)

	require.NoError(t, d.Stop(ctx, id))
	info, err = d.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExited, info.Status)

	require.NoError(t, d.Destroy(ctx, id))
	info, err = d.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, info.Status)
	assert.Equal(t, 0, d.ContainerCount())
}

func TestMemoryKillRecordsExit(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()
	sess, profile, ws := memSession()
	_, err := d.CreateVolume(ctx, ws.ID, nil)
	require.NoError(t, err)
	id, err := d.Create(ctx, sess, profile, ws, nil)
	require.NoError(t, err)
	_, err = d.Start(ctx, id, profile.RuntimePort)
	require.NoError(t, err)

	d.Kill(id, 137)
	info, err := d.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExited, info.Status)
	assert.Equal(t, 137, info.ExitCode)
}

func TestMemoryInjectedFailures(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()
	sess, profile, ws := memSession()
	_, err := d.CreateVolume(ctx, ws.ID, nil)
	require.NoError(t, err)

	d.FailCreate = errors.New("create boom")
	_, err = d.Create(ctx, sess, profile, ws, nil)
	require.EqualError(t, err, "create boom")
	// The injection is one-shot.
	id, err := d.Create(ctx, sess, profile, ws, nil)
	require.NoError(t, err)

	d.FailStart = errors.New("start boom")
	_, err = d.Start(ctx, id, profile.RuntimePort)
	require.EqualError(t, err, "start boom")
	_, err = d.Start(ctx, id, profile.RuntimePort)
	require.NoError(t, err)
}

func TestMemoryLogsTail(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()
	sess, profile, ws := memSession()
	_, err := d.CreateVolume(ctx, ws.ID, nil)
	require.NoError(t, err)
	id, err := d.Create(ctx, sess, profile, ws, nil)
	require.NoError(t, err)

	d.AppendLogs(id, "a\nb\nc\n")

	out, err := d.Logs(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, "b\nc\n", out)

	out, err = d.Logs(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", out)

	out, err = d.Logs(ctx, "missing", 5)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMemoryListManagedContainers(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()
	sess, profile, ws := memSession()
	_, err := d.CreateVolume(ctx, ws.ID, nil)
	require.NoError(t, err)

	_, err = d.Create(ctx, sess, profile, ws, nil)
	require.NoError(t, err)
	other := *sess
	other.ID = "ss-2"
	_, err = d.Create(ctx, &other, profile, ws, nil)
	require.NoError(t, err)

	infos, err := d.ListManagedContainers(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}

func TestMemoryVolumes(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	ok, err := d.VolumeExists(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.CreateVolume(ctx, "v1", map[string]string{LabelManaged: "true"})
	require.NoError(t, err)
	ok, err = d.VolumeExists(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Only managed volumes show up in the orphan-sweep listing.
	_, err = d.CreateVolume(ctx, "external", map[string]string{LabelManaged: "false"})
	require.NoError(t, err)
	vols, err := d.ListManagedVolumes(ctx)
	require.NoError(t, err)
	require.Len(t, vols, 1)
	assert.Equal(t, "v1", vols[0].Name)

	require.NoError(t, d.DeleteVolume(ctx, "v1"))
	ok, err = d.VolumeExists(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, ok)
}
