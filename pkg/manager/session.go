package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/AstrBotDevs/shipyard-neo/pkg/driver"
	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
	"github.com/AstrBotDevs/shipyard-neo/pkg/log"
	"github.com/AstrBotDevs/shipyard-neo/pkg/metrics"
	"github.com/AstrBotDevs/shipyard-neo/pkg/runtime"
	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

// sessionStartTimeout bounds the wait for the agent to answer health checks
// after the container starts.
const sessionStartTimeout = 60 * time.Second

// currentSession loads the sandbox's current session, or nil when there is
// none.
func (m *Manager) currentSession(sb *types.Sandbox) (*types.Session, error) {
	if sb.CurrentSessionID == "" {
		return nil, nil
	}
	sess, err := m.store.GetSession(sb.CurrentSessionID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return sess, nil
}

// ensureSession returns a ready session for the sandbox, starting one if
// needed. Caller must hold the sandbox lock.
//
// A session that claims to be ready is re-verified against the driver before
// being handed out. A dead container is replaced transparently; a probe that
// fails with a transport error degrades gracefully and the session is
// returned as-is, since killing a likely-healthy session on a flaky probe is
// worse than one failed capability call.
func (m *Manager) ensureSession(ctx context.Context, sb *types.Sandbox) (*types.Session, error) {
	sess, err := m.currentSession(sb)
	if err != nil {
		return nil, err
	}

	if sess != nil {
		if sess.IsReady() {
			info, err := m.driver.Status(ctx, sess.ContainerID)
			if err != nil {
				if errdefs.IsTransient(err) {
					logger := log.WithSandboxID(sb.ID)
					logger.Warn().Err(err).
						Msg("Driver probe failed, assuming session still healthy")
					return sess, nil
				}
				return nil, err
			}
			if info.Status == driver.StatusRunning {
				now := m.clock.Now()
				sess.LastObservedAt = &now
				if err := m.store.UpdateSession(sess); err != nil {
					return nil, err
				}
				return sess, nil
			}
			// Container exited or vanished underneath us. Reap the husk and
			// replace it.
			logger := log.WithSandboxID(sb.ID)
			logger.Warn().
				Str("session_id", sess.ID).
				Str("container_status", string(info.Status)).
				Msg("Session container is gone, starting replacement")
			m.failSession(ctx, sess, true)
		} else if sess.ObservedState == types.SessionPending || sess.ObservedState == types.SessionStarting {
			// A concurrent request is already starting this session.
			return nil, errdefs.NotReady(sb.ID, "session is starting")
		}
	}

	return m.startSession(ctx, sb)
}

// startSession creates and starts a fresh container for the sandbox and
// waits for the agent to become healthy. Caller must hold the sandbox lock.
// On any failure the container is destroyed so nothing leaks.
func (m *Manager) startSession(ctx context.Context, sb *types.Sandbox) (*types.Session, error) {
	profile, err := m.Profile(sb.ProfileID)
	if err != nil {
		return nil, err
	}
	ws, err := m.store.GetWorkspace(sb.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace for sandbox %s: %w", sb.ID, err)
	}

	now := m.clock.Now()
	sess := &types.Session{
		ID:            newID("ss"),
		SandboxID:     sb.ID,
		Owner:         sb.Owner,
		RuntimeType:   "agent",
		ProfileID:     sb.ProfileID,
		DesiredState:  types.SessionRunning,
		ObservedState: types.SessionStarting,
		CreatedAt:     now,
		LastActiveAt:  now,
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, err
	}
	sb.CurrentSessionID = sess.ID
	if err := m.store.UpdateSandbox(sb); err != nil {
		return nil, err
	}

	started := m.clock.Monotonic()
	containerID, err := m.driver.Create(ctx, sess, profile, ws, nil)
	if err != nil {
		m.abortStart(ctx, sess, "")
		return nil, fmt.Errorf("container create failed: %w: %v", errdefs.ErrDriver, err)
	}
	sess.ContainerID = containerID
	if err := m.store.UpdateSession(sess); err != nil {
		m.abortStart(ctx, sess, containerID)
		return nil, err
	}

	endpoint, err := m.driver.Start(ctx, containerID, profile.RuntimePort)
	if err != nil {
		m.abortStart(ctx, sess, containerID)
		return nil, fmt.Errorf("container start failed: %w: %v", errdefs.ErrDriver, err)
	}

	if err := runtime.WaitHealthy(ctx, m.pool.Get(endpoint), sessionStartTimeout); err != nil {
		m.abortStart(ctx, sess, containerID)
		return nil, fmt.Errorf("agent readiness wait failed for sandbox %s: %w", sb.ID, err)
	}

	now = m.clock.Now()
	sess.Endpoint = endpoint
	sess.ObservedState = types.SessionRunning
	sess.LastObservedAt = &now
	if err := m.store.UpdateSession(sess); err != nil {
		m.abortStart(ctx, sess, containerID)
		return nil, err
	}

	metrics.SessionStarts.WithLabelValues("ok").Inc()
	metrics.SessionStartDuration.Observe((m.clock.Monotonic() - started).Seconds())
	logger := log.WithSandboxID(sb.ID)
	logger.Info().
		Str("session_id", sess.ID).
		Str("container_id", containerID).
		Str("endpoint", endpoint).
		Msg("Session started")
	return sess, nil
}

// abortStart is the compensating cleanup for a failed session start: destroy
// whatever container exists and mark the session failed.
func (m *Manager) abortStart(ctx context.Context, sess *types.Session, containerID string) {
	metrics.SessionStarts.WithLabelValues("error").Inc()
	if containerID != "" {
		if err := m.driver.Destroy(ctx, containerID); err != nil {
			logger := log.WithSessionID(sess.ID)
			logger.Warn().Err(err).
				Msg("Failed to destroy container after failed start")
		}
	}
	sess.ObservedState = types.SessionFailed
	sess.Endpoint = ""
	sess.ContainerID = ""
	if err := m.store.UpdateSession(sess); err != nil {
		logger := log.WithSessionID(sess.ID)
		logger.Warn().Err(err).Msg("Failed to record session failure")
	}
}

// failSession records that a session's container is gone. When destroy is
// set the container is also torn down at the driver. The row keeps neither
// endpoint nor container id: a failed attempt must never pin either.
func (m *Manager) failSession(ctx context.Context, sess *types.Session, destroy bool) {
	if destroy && sess.ContainerID != "" {
		if err := m.driver.Destroy(ctx, sess.ContainerID); err != nil {
			logger := log.WithSessionID(sess.ID)
			logger.Warn().Err(err).Msg("Failed to destroy session container")
		}
	}
	if sess.Endpoint != "" {
		m.pool.Invalidate(sess.Endpoint)
	}
	sess.ObservedState = types.SessionFailed
	sess.Endpoint = ""
	sess.ContainerID = ""
	if err := m.store.UpdateSession(sess); err != nil {
		logger := log.WithSessionID(sess.ID)
		logger.Warn().Err(err).Msg("Failed to record session failure")
	}
}

// stopSession stops and removes the session container and marks the session
// stopped. Caller must hold the sandbox lock.
func (m *Manager) stopSession(ctx context.Context, sess *types.Session) error {
	if sess.ContainerID != "" {
		if err := m.driver.Stop(ctx, sess.ContainerID); err != nil {
			logger := log.WithSessionID(sess.ID)
			logger.Warn().Err(err).Msg("Graceful stop failed, destroying")
		}
		if err := m.driver.Destroy(ctx, sess.ContainerID); err != nil {
			return fmt.Errorf("container destroy failed: %w: %v", errdefs.ErrDriver, err)
		}
	}
	if sess.Endpoint != "" {
		m.pool.Invalidate(sess.Endpoint)
	}
	sess.DesiredState = types.SessionStopped
	sess.ObservedState = types.SessionStopped
	sess.Endpoint = ""
	sess.ContainerID = ""
	return m.store.UpdateSession(sess)
}

// RefreshSessionStatus probes the driver and folds the observed container
// state into the session row. Used by the reconciler.
func (m *Manager) RefreshSessionStatus(ctx context.Context, sess *types.Session) error {
	if sess.ContainerID == "" {
		return nil
	}
	info, err := m.driver.Status(ctx, sess.ContainerID)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	sess.LastObservedAt = &now
	switch info.Status {
	case driver.StatusRunning:
		sess.ObservedState = types.SessionRunning
	case driver.StatusExited, driver.StatusNotFound:
		if sess.Endpoint != "" {
			m.pool.Invalidate(sess.Endpoint)
		}
		sess.ObservedState = types.SessionStopped
		sess.Endpoint = ""
	}
	return m.store.UpdateSession(sess)
}
