package driver

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	cerrdefs "github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/AstrBotDevs/shipyard-neo/pkg/config"
	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
	"github.com/AstrBotDevs/shipyard-neo/pkg/log"
	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for shipyard containers.
	DefaultNamespace = "shipyard"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// stopGracePeriod is how long Stop waits after SIGTERM before SIGKILL.
	stopGracePeriod = 10 * time.Second

	cfsPeriod = 100000
)

// ContainerdDriver runs session containers on containerd. Containers use the
// host network namespace; each one gets a host port allocated at create time
// and the agent is told to bind it via SHIPYARD_AGENT_PORT.
type ContainerdDriver struct {
	client    *containerd.Client
	namespace string
	volumes   *localVolumes
	logsDir   string
}

// NewContainerdDriver connects to containerd and prepares the volume and log
// directories.
func NewContainerdDriver(cfg config.DriverConfig) (*ContainerdDriver, error) {
	socket := cfg.Socket
	if socket == "" {
		socket = DefaultSocketPath
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}

	client, err := containerd.New(socket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	vols, err := newLocalVolumes(cfg.VolumesDir)
	if err != nil {
		client.Close()
		return nil, err
	}

	logsDir := cfg.LogsDir
	if logsDir == "" {
		logsDir = "/var/lib/shipyard/logs"
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	return &ContainerdDriver{
		client:    client,
		namespace: ns,
		volumes:   vols,
		logsDir:   logsDir,
	}, nil
}

// Close closes the containerd client connection.
func (d *ContainerdDriver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// Create creates a container for the session. The image is pulled if it is
// not already present. The allocated agent port is recorded as a container
// label so Start and Status can rebuild the endpoint without extra state.
func (d *ContainerdDriver) Create(ctx context.Context, session *types.Session, profile *config.Profile, workspace *types.Workspace, labels map[string]string) (string, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	image, err := d.client.GetImage(ctx, profile.Image)
	if err != nil {
		if !cerrdefs.IsNotFound(err) {
			return "", fmt.Errorf("failed to get image %s: %w", profile.Image, err)
		}
		image, err = d.client.Pull(ctx, profile.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", fmt.Errorf("failed to pull image %s: %w", profile.Image, err)
		}
	}

	port, err := allocateHostPort()
	if err != nil {
		return "", err
	}

	mountPath, err := d.volumes.hostPath(workspace.DriverRef)
	if err != nil {
		return "", err
	}

	env := append([]string{}, profile.Env...)
	env = append(env,
		fmt.Sprintf("SHIPYARD_AGENT_PORT=%d", port),
		"SHIPYARD_SANDBOX_ID="+session.SandboxID,
		"SHIPYARD_SESSION_ID="+session.ID,
		"SHIPYARD_OWNER="+session.Owner,
		"SHIPYARD_WORKSPACE_ID="+workspace.ID,
	)

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
		oci.WithMounts([]specs.Mount{
			{
				Source:      mountPath,
				Destination: WorkspaceMountPath,
				Type:        "bind",
				Options:     []string{"rbind", "rw"},
			},
		}),
	}
	if profile.Memory > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(profile.Memory)))
	}
	if profile.CPUs > 0 {
		quota := int64(profile.CPUs * cfsPeriod)
		opts = append(opts, oci.WithCPUCFS(quota, cfsPeriod))
	}
	if profile.PidsLimit > 0 {
		opts = append(opts, oci.WithPidsLimit(profile.PidsLimit))
	}

	allLabels := map[string]string{
		LabelOwner:       session.Owner,
		LabelSandboxID:   session.SandboxID,
		LabelSessionID:   session.ID,
		LabelWorkspaceID: workspace.ID,
		LabelProfileID:   profile.ID,
		LabelManaged:     "true",
		LabelAgentPort:   strconv.Itoa(port),
	}
	for k, v := range labels {
		allLabels[k] = v
	}

	id := "shipyard-" + session.ID
	container, err := d.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(allLabels),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return container.ID(), nil
}

// Start starts the container task and returns the agent endpoint URL. Task
// output goes to a per-container log file so Logs can serve it later.
func (d *ContainerdDriver) Start(ctx context.Context, containerID string, runtimePort int) (string, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", errdefs.NotFound("container", containerID)
		}
		return "", fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.NewTask(ctx, cio.LogFile(d.logPath(containerID)))
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("failed to start task: %w", err)
	}

	port := runtimePort
	if l, err := container.Labels(ctx); err == nil {
		if p, err := strconv.Atoi(l[LabelAgentPort]); err == nil && p > 0 {
			port = p
		}
	}
	return endpointURL(port), nil
}

// Stop stops the container task gracefully, escalating to SIGKILL after the
// grace period. A missing container or task is a no-op.
func (d *ContainerdDriver) Stop(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container is not running.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, stopGracePeriod)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to kill task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// Destroy stops and removes the container and its snapshot. A missing
// container is a no-op.
func (d *ContainerdDriver) Destroy(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	if err := d.Stop(ctx, containerID); err != nil {
		logger := log.WithComponent("driver")
		logger.Warn().Str("container_id", containerID).Err(err).
			Msg("Failed to stop container before delete, continuing")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	_ = os.Remove(d.logPath(containerID))
	return nil
}

// Status probes the container. Connection failures surface as transient
// errors so callers can degrade instead of treating the container as gone.
func (d *ContainerdDriver) Status(ctx context.Context, containerID string) (*ContainerInfo, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return &ContainerInfo{ContainerID: containerID, Status: StatusNotFound}, nil
		}
		return nil, fmt.Errorf("containerd probe failed: %w: %v", errdefs.ErrTransient, err)
	}

	info := &ContainerInfo{ContainerID: containerID, Status: StatusCreated}
	if l, err := container.Labels(ctx); err == nil {
		info.Labels = l
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Created but never started, or already reaped.
		return info, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("containerd probe failed: %w: %v", errdefs.ErrTransient, err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		info.Status = StatusRunning
		if p, err := strconv.Atoi(info.Labels[LabelAgentPort]); err == nil && p > 0 {
			info.Endpoint = endpointURL(p)
		}
	case containerd.Stopped:
		info.Status = StatusExited
		info.ExitCode = int(status.ExitStatus)
	case containerd.Created:
		info.Status = StatusCreated
	default:
		info.Status = StatusCreated
	}
	return info, nil
}

// Logs returns up to tail lines from the container's log file.
func (d *ContainerdDriver) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	data, err := os.ReadFile(d.logPath(containerID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	return tailLines(string(data), tail), nil
}

// ListManagedContainers returns every container in the namespace that
// carries the managed label.
func (d *ContainerdDriver) ListManagedContainers(ctx context.Context) ([]*ContainerInfo, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	containers, err := d.client.Containers(ctx, fmt.Sprintf("labels.%q==%q", LabelManaged, "true"))
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]*ContainerInfo, 0, len(containers))
	for _, c := range containers {
		info, err := d.Status(ctx, c.ID())
		if err != nil {
			logger := log.WithComponent("driver")
			logger.Warn().Str("container_id", c.ID()).Err(err).
				Msg("Failed to probe container during list, skipping")
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// CreateVolume creates a local workspace directory and returns its driver
// reference.
func (d *ContainerdDriver) CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error) {
	return d.volumes.create(name, labels)
}

// DeleteVolume removes the workspace directory. Missing volumes are a no-op.
func (d *ContainerdDriver) DeleteVolume(ctx context.Context, name string) error {
	return d.volumes.delete(name)
}

// VolumeExists reports whether the workspace directory exists.
func (d *ContainerdDriver) VolumeExists(ctx context.Context, name string) (bool, error) {
	return d.volumes.exists(name)
}

// ListManagedVolumes returns every workspace directory whose labels mark it
// as managed.
func (d *ContainerdDriver) ListManagedVolumes(ctx context.Context) ([]*VolumeInfo, error) {
	return d.volumes.listManaged()
}

func (d *ContainerdDriver) logPath(containerID string) string {
	return d.logsDir + "/" + containerID + ".log"
}

func endpointURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// allocateHostPort asks the kernel for a free TCP port. The port is released
// before the container starts, so a small race window exists; the readiness
// wait catches the rare case where something else grabbed it.
func allocateHostPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate host port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

func tailLines(s string, n int) string {
	if n <= 0 {
		return s
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n") + "\n"
}
