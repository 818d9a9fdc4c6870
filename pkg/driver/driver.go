package driver

import (
	"context"

	"github.com/AstrBotDevs/shipyard-neo/pkg/config"
	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

// Label keys attached to every managed container and volume. The reconciler
// treats these as ground truth when sweeping orphans.
const (
	LabelOwner       = "shipyard.owner"
	LabelSandboxID   = "shipyard.sandbox_id"
	LabelSessionID   = "shipyard.session_id"
	LabelWorkspaceID = "shipyard.workspace_id"
	LabelProfileID   = "shipyard.profile_id"
	LabelManaged     = "shipyard.managed"
	LabelAgentPort   = "shipyard.agent_port"
)

// WorkspaceMountPath is the fixed mount path of the workspace volume inside
// every container.
const WorkspaceMountPath = "/workspace"

// ContainerStatus is the driver-level container state.
type ContainerStatus string

const (
	StatusCreated  ContainerStatus = "created"
	StatusRunning  ContainerStatus = "running"
	StatusExited   ContainerStatus = "exited"
	StatusRemoving ContainerStatus = "removing"
	StatusNotFound ContainerStatus = "not_found"
)

// ContainerInfo is the result of a status probe.
type ContainerInfo struct {
	ContainerID string
	Status      ContainerStatus
	Endpoint    string
	ExitCode    int
	Labels      map[string]string
}

// VolumeInfo describes a workspace volume and its labels.
type VolumeInfo struct {
	Name   string
	Labels map[string]string
}

// Driver abstracts the container runtime. All operations are safe to call
// concurrently on distinct IDs. Stop, Destroy and DeleteVolume are no-ops
// when the target does not exist.
type Driver interface {
	// Create creates a container without starting it. The workspace volume
	// is attached at WorkspaceMountPath; resource caps and labels come from
	// the profile and the identifiers of the owning session.
	Create(ctx context.Context, session *types.Session, profile *config.Profile, workspace *types.Workspace, labels map[string]string) (string, error)

	// Start starts the container and returns the reachable agent endpoint
	// URL. runtimePort is the port the agent listens on when the driver did
	// not allocate one at create time.
	Start(ctx context.Context, containerID string, runtimePort int) (string, error)

	// Stop stops the container with a bounded grace period.
	Stop(ctx context.Context, containerID string) error

	// Destroy forcibly removes the container.
	Destroy(ctx context.Context, containerID string) error

	// Status probes the container state.
	Status(ctx context.Context, containerID string) (*ContainerInfo, error)

	// Logs returns up to tail lines of container output.
	Logs(ctx context.Context, containerID string, tail int) (string, error)

	// ListManagedContainers returns every container carrying the managed
	// label, with its labels. Used by the orphan sweep.
	ListManagedContainers(ctx context.Context) ([]*ContainerInfo, error)

	// Volumes
	CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error)
	DeleteVolume(ctx context.Context, name string) error
	VolumeExists(ctx context.Context, name string) (bool, error)

	// ListManagedVolumes returns every volume carrying the managed label,
	// with its labels. Used by the orphan sweep.
	ListManagedVolumes(ctx context.Context) ([]*VolumeInfo, error)

	// Close releases driver resources.
	Close() error
}

// New constructs the driver selected by cfg.
func New(cfg config.DriverConfig) (Driver, error) {
	if cfg.Type == "memory" {
		return NewMemoryDriver(), nil
	}
	return NewContainerdDriver(cfg)
}
