package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/AstrBotDevs/shipyard-neo/pkg/config"
	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

// MemoryDriver is an in-process driver for development and tests. It keeps
// containers and volumes in maps and never touches a real runtime. Endpoints
// default to an unreachable localhost URL; tests point EndpointFunc at a
// fake agent server.
type MemoryDriver struct {
	mu         sync.Mutex
	containers map[string]*memContainer
	volumes    map[string]map[string]string
	seq        int

	// EndpointFunc, when set, supplies the endpoint for a started container.
	EndpointFunc func(containerID string) string
	// FailCreate and FailStart inject errors for the next matching call.
	FailCreate error
	FailStart  error
	// ProbeErr, when set, is returned by Status for every container.
	ProbeErr error
}

type memContainer struct {
	status   ContainerStatus
	endpoint string
	exitCode int
	labels   map[string]string
	logs     string
}

// NewMemoryDriver returns an empty in-process driver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		containers: make(map[string]*memContainer),
		volumes:    make(map[string]map[string]string),
	}
}

func (d *MemoryDriver) Create(ctx context.Context, session *types.Session, profile *config.Profile, workspace *types.Workspace, labels map[string]string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.FailCreate != nil {
		err := d.FailCreate
		d.FailCreate = nil
		return "", err
	}
	if _, ok := d.volumes[workspace.DriverRef]; !ok {
		return "", fmt.Errorf("volume %s does not exist", workspace.DriverRef)
	}

	d.seq++
	id := fmt.Sprintf("mem-%d", d.seq)
	all := map[string]string{
		LabelOwner:       session.Owner,
		LabelSandboxID:   session.SandboxID,
		LabelSessionID:   session.ID,
		LabelWorkspaceID: workspace.ID,
		LabelProfileID:   profile.ID,
		LabelManaged:     "true",
	}
	for k, v := range labels {
		all[k] = v
	}
	d.containers[id] = &memContainer{status: StatusCreated, labels: all}
	return id, nil
}

func (d *MemoryDriver) Start(ctx context.Context, containerID string, runtimePort int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.FailStart != nil {
		err := d.FailStart
		d.FailStart = nil
		return "", err
	}
	c, ok := d.containers[containerID]
	if !ok {
		return "", errdefs.NotFound("container", containerID)
	}
	c.status = StatusRunning
	if d.EndpointFunc != nil {
		c.endpoint = d.EndpointFunc(containerID)
	} else {
		c.endpoint = endpointURL(runtimePort)
	}
	return c.endpoint, nil
}

func (d *MemoryDriver) Stop(ctx context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.containers[containerID]
	if !ok {
		return nil
	}
	if c.status == StatusRunning {
		c.status = StatusExited
	}
	return nil
}

func (d *MemoryDriver) Destroy(ctx context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containers, containerID)
	return nil
}

func (d *MemoryDriver) Status(ctx context.Context, containerID string) (*ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ProbeErr != nil {
		return nil, d.ProbeErr
	}
	c, ok := d.containers[containerID]
	if !ok {
		return &ContainerInfo{ContainerID: containerID, Status: StatusNotFound}, nil
	}
	info := &ContainerInfo{
		ContainerID: containerID,
		Status:      c.status,
		ExitCode:    c.exitCode,
		Labels:      c.labels,
	}
	if c.status == StatusRunning {
		info.Endpoint = c.endpoint
	}
	return info, nil
}

func (d *MemoryDriver) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.containers[containerID]
	if !ok {
		return "", nil
	}
	return tailLines(c.logs, tail), nil
}

func (d *MemoryDriver) ListManagedContainers(ctx context.Context) ([]*ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*ContainerInfo, 0, len(d.containers))
	for id, c := range d.containers {
		info := &ContainerInfo{ContainerID: id, Status: c.status, Labels: c.labels}
		if c.status == StatusRunning {
			info.Endpoint = c.endpoint
		}
		out = append(out, info)
	}
	return out, nil
}

func (d *MemoryDriver) CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volumes[name] = labels
	return name, nil
}

func (d *MemoryDriver) DeleteVolume(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.volumes, name)
	return nil
}

func (d *MemoryDriver) ListManagedVolumes(ctx context.Context) ([]*VolumeInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*VolumeInfo, 0, len(d.volumes))
	for name, labels := range d.volumes {
		if labels[LabelManaged] != "true" {
			continue
		}
		out = append(out, &VolumeInfo{Name: name, Labels: labels})
	}
	return out, nil
}

func (d *MemoryDriver) VolumeExists(ctx context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.volumes[name]
	return ok, nil
}

func (d *MemoryDriver) Close() error { return nil }

// Kill marks a running container as exited with the given code. Test hook
// for simulating crashes.
func (d *MemoryDriver) Kill(containerID string, exitCode int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.containers[containerID]; ok {
		c.status = StatusExited
		c.exitCode = exitCode
	}
}

// AppendLogs adds output to a container's log buffer. Test hook.
func (d *MemoryDriver) AppendLogs(containerID, s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.containers[containerID]; ok {
		c.logs += s
	}
}

// ContainerCount reports how many containers exist. Test hook.
func (d *MemoryDriver) ContainerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.containers)
}
