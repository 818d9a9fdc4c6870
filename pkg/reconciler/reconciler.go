package reconciler

import (
	"context"
	"time"

	"github.com/AstrBotDevs/shipyard-neo/pkg/clock"
	"github.com/AstrBotDevs/shipyard-neo/pkg/driver"
	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
	"github.com/AstrBotDevs/shipyard-neo/pkg/idempotency"
	"github.com/AstrBotDevs/shipyard-neo/pkg/log"
	"github.com/AstrBotDevs/shipyard-neo/pkg/manager"
	"github.com/AstrBotDevs/shipyard-neo/pkg/metrics"
	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

// idempotencySweepEvery throttles the TTL sweep relative to the main cycle.
const idempotencySweepEvery = 20

// Reconciler converges stored state with reality in the background: expired
// sandboxes are deleted, idle sessions stopped, and containers or volumes
// with no backing row destroyed. Each task takes the same per-sandbox lock
// as the request path, so a sweep never fights a live request.
type Reconciler struct {
	mgr    *manager.Manager
	idem   *idempotency.Service
	clock  clock.Clock
	ticker time.Duration
	stopCh chan struct{}
	doneCh chan struct{}
	cycles int
}

// New builds a reconciler ticking at interval.
func New(mgr *manager.Manager, idem *idempotency.Service, clk clock.Clock, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reconciler{
		mgr:    mgr,
		idem:   idem,
		clock:  clk,
		ticker: interval,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop halts the loop and waits for an in-flight cycle.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.ticker)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ReconcileOnce runs every task once. Exported for tests.
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	r.expiredSandboxes(ctx)
	r.idleSessions(ctx)
	r.orphanedContainers(ctx)
	r.orphanedVolumes(ctx)

	r.cycles++
	if r.cycles%idempotencySweepEvery == 0 {
		r.idem.Sweep()
	}
}

// expiredSandboxes deletes sandboxes past their hard TTL.
func (r *Reconciler) expiredSandboxes(ctx context.Context) {
	expired, err := r.mgr.Store().ListExpiredSandboxes(r.clock.Now())
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("expired_sandbox", "error").Inc()
		logger := log.WithComponent("reconciler")
		logger.Warn().Err(err).Msg("Expired sandbox scan failed")
		return
	}
	for _, sb := range expired {
		if err := r.mgr.Delete(ctx, "", sb.ID, "expired"); err != nil {
			logger := log.WithSandboxID(sb.ID)
			logger.Warn().Err(err).Msg("Failed to delete expired sandbox")
			continue
		}
		metrics.ReconcileSwept.WithLabelValues("expired_sandbox").Inc()
	}
	metrics.ReconcileRuns.WithLabelValues("expired_sandbox", "ok").Inc()
}

// idleSessions stops session containers for sandboxes whose idle deadline
// has passed. The sandbox itself stays; only the compute goes away.
func (r *Reconciler) idleSessions(ctx context.Context) {
	sessions, err := r.mgr.Store().ListSessions()
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("idle_session", "error").Inc()
		logger := log.WithComponent("reconciler")
		logger.Warn().Err(err).Msg("Session scan failed")
		return
	}
	now := r.clock.Now()
	for _, sess := range sessions {
		if sess.ObservedState == types.SessionStopped || sess.ObservedState == types.SessionFailed {
			continue
		}
		sb, err := r.mgr.Store().GetSandbox(sess.SandboxID)
		if err != nil || sb.DeletedAt != nil {
			continue
		}
		// Warm pool sandboxes idle by design; rotation handles their decay.
		if sb.IsWarmPool {
			continue
		}
		if sb.IdleExpiresAt == nil || sb.IdleExpiresAt.After(now) {
			continue
		}
		if _, err := r.mgr.Stop(ctx, sb.Owner, sb.ID); err != nil {
			if !errdefs.IsNotFound(err) {
				logger := log.WithSandboxID(sb.ID)
				logger.Warn().Err(err).Msg("Failed to stop idle session")
			}
			continue
		}
		metrics.ReconcileSwept.WithLabelValues("idle_session").Inc()
		logger := log.WithSandboxID(sb.ID)
		logger.Info().Str("session_id", sess.ID).Msg("Stopped idle session")
	}
	metrics.ReconcileRuns.WithLabelValues("idle_session", "ok").Inc()
}

// orphanedContainers destroys managed containers whose session or sandbox no
// longer exists. The verdict is re-checked under the sandbox lock so a
// container mid-start is never reaped out from under its request.
func (r *Reconciler) orphanedContainers(ctx context.Context) {
	infos, err := r.mgr.Driver().ListManagedContainers(ctx)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("orphaned_container", "error").Inc()
		logger := log.WithComponent("reconciler")
		logger.Warn().Err(err).Msg("Container scan failed")
		return
	}
	for _, info := range infos {
		sessionID := info.Labels[driver.LabelSessionID]
		sandboxID := info.Labels[driver.LabelSandboxID]
		if sessionID == "" {
			continue
		}
		if !r.containerOrphaned(sessionID, sandboxID, info.ContainerID) {
			continue
		}

		unlock := r.mgr.Locks().Acquire(sandboxID)
		// Re-check under the lock; a request may have re-bound the session.
		orphaned := r.containerOrphaned(sessionID, sandboxID, info.ContainerID)
		if orphaned {
			if err := r.mgr.Driver().Destroy(ctx, info.ContainerID); err != nil {
				logger := log.WithComponent("reconciler")
				logger.Warn().
					Str("container_id", info.ContainerID).Err(err).
					Msg("Failed to destroy orphaned container")
			} else {
				metrics.ReconcileSwept.WithLabelValues("orphaned_container").Inc()
				logger := log.WithComponent("reconciler")
				logger.Info().
					Str("container_id", info.ContainerID).
					Str("session_id", sessionID).
					Msg("Destroyed orphaned container")
			}
		}
		unlock()
	}
	metrics.ReconcileRuns.WithLabelValues("orphaned_container", "ok").Inc()
}

// orphanedVolumes deletes managed workspace volumes whose workspace row no
// longer exists, retrying volume deletions that failed during a cascade.
func (r *Reconciler) orphanedVolumes(ctx context.Context) {
	vols, err := r.mgr.Driver().ListManagedVolumes(ctx)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("orphaned_volume", "error").Inc()
		logger := log.WithComponent("reconciler")
		logger.Warn().Err(err).Msg("Volume scan failed")
		return
	}
	for _, vol := range vols {
		wsID := vol.Labels[driver.LabelWorkspaceID]
		if wsID == "" {
			continue
		}
		if _, err := r.mgr.Store().GetWorkspace(wsID); err == nil || !errdefs.IsNotFound(err) {
			continue
		}
		if err := r.mgr.Driver().DeleteVolume(ctx, vol.Name); err != nil {
			logger := log.WithComponent("reconciler")
			logger.Warn().
				Str("volume", vol.Name).Err(err).
				Msg("Failed to delete orphaned volume")
			continue
		}
		metrics.ReconcileSwept.WithLabelValues("orphaned_volume").Inc()
		logger := log.WithComponent("reconciler")
		logger.Info().
			Str("volume", vol.Name).
			Str("workspace_id", wsID).
			Msg("Deleted orphaned volume")
	}
	metrics.ReconcileRuns.WithLabelValues("orphaned_volume", "ok").Inc()
}

// containerOrphaned reports whether no live session row claims the
// container.
func (r *Reconciler) containerOrphaned(sessionID, sandboxID, containerID string) bool {
	sess, err := r.mgr.Store().GetSession(sessionID)
	if err != nil {
		return errdefs.IsNotFound(err)
	}
	if sess.ContainerID != containerID {
		return true
	}
	if sandboxID != "" {
		sb, err := r.mgr.Store().GetSandbox(sandboxID)
		if err != nil {
			return errdefs.IsNotFound(err)
		}
		if sb.DeletedAt != nil {
			return true
		}
	}
	return false
}
