package manager

import (
	"context"
	"fmt"

	"github.com/AstrBotDevs/shipyard-neo/pkg/driver"
	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
	"github.com/AstrBotDevs/shipyard-neo/pkg/log"
	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

// CreateWorkspace provisions a caller-owned workspace volume. External
// workspaces survive the sandboxes that mount them.
func (m *Manager) CreateWorkspace(ctx context.Context, owner string) (*types.Workspace, error) {
	return m.createWorkspace(ctx, owner, false)
}

func (m *Manager) createWorkspace(ctx context.Context, owner string, managed bool) (*types.Workspace, error) {
	w := &types.Workspace{
		ID:        newID("ws"),
		Owner:     owner,
		Managed:   managed,
		CreatedAt: m.clock.Now(),
	}
	ref, err := m.driver.CreateVolume(ctx, w.ID, map[string]string{
		driver.LabelOwner:       owner,
		driver.LabelWorkspaceID: w.ID,
		driver.LabelManaged:     fmt.Sprintf("%t", managed),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace volume: %w", err)
	}
	w.DriverRef = ref

	if err := m.store.CreateWorkspace(w); err != nil {
		if derr := m.driver.DeleteVolume(ctx, ref); derr != nil {
			logger := log.WithComponent("manager")
			logger.Warn().Str("workspace_id", w.ID).Err(derr).
				Msg("Failed to roll back workspace volume")
		}
		return nil, err
	}
	return w, nil
}

// GetWorkspace loads a workspace and enforces ownership.
func (m *Manager) GetWorkspace(owner, id string) (*types.Workspace, error) {
	w, err := m.store.GetWorkspace(id)
	if err != nil {
		return nil, err
	}
	if w.Owner != owner {
		return nil, errdefs.NotFound("workspace", id)
	}
	return w, nil
}

// deleteWorkspace removes the row, then the volume. The row goes first so
// that a failed volume deletion leaves a labelled volume with no backing
// row, which is exactly what the orphaned-volume sweep reclaims.
func (m *Manager) deleteWorkspace(ctx context.Context, w *types.Workspace) {
	if err := m.store.DeleteWorkspace(w.ID); err != nil && !errdefs.IsNotFound(err) {
		logger := log.WithComponent("manager")
		logger.Warn().Str("workspace_id", w.ID).Err(err).
			Msg("Failed to delete workspace row")
		return
	}
	if err := m.driver.DeleteVolume(ctx, w.DriverRef); err != nil {
		logger := log.WithComponent("manager")
		logger.Warn().Str("workspace_id", w.ID).Err(err).
			Msg("Failed to delete workspace volume, leaving for orphan sweep")
	}
}
