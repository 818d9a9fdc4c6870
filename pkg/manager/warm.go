package manager

import (
	"context"
	"time"

	"github.com/AstrBotDevs/shipyard-neo/pkg/config"
	"github.com/AstrBotDevs/shipyard-neo/pkg/driver"
	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
	"github.com/AstrBotDevs/shipyard-neo/pkg/log"
	"github.com/AstrBotDevs/shipyard-neo/pkg/metrics"
	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

// warmClaimAttempts bounds how many candidates a single create looks at
// before falling back to a cold create.
const warmClaimAttempts = 3

// claimWarm tries to hand out a warm sandbox for the profile. Returns nil
// with no error on a pool miss. Claiming is a conditional update in the
// store, so two concurrent creates can both pick the same candidate but only
// one claim lands; the loser moves to the next candidate.
func (m *Manager) claimWarm(ctx context.Context, owner string, profile *config.Profile, ttl time.Duration) (*SandboxView, error) {
	now := m.clock.Now()
	var expiresAt *time.Time
	if ttl > 0 {
		exp := now.Add(ttl)
		expiresAt = &exp
	}

	for attempt := 0; attempt < warmClaimAttempts; attempt++ {
		candidate, err := m.store.WarmClaimCandidate(profile.ID)
		if err != nil {
			if errdefs.IsNotFound(err) {
				metrics.WarmClaims.WithLabelValues(profile.ID, "miss").Inc()
				return nil, nil
			}
			return nil, err
		}

		if !m.warmCandidateHealthy(ctx, candidate) {
			m.retireWarm(ctx, candidate)
			continue
		}

		ok, err := m.store.ClaimWarmSandbox(candidate.ID, profile.ID, owner, now, expiresAt)
		if err != nil {
			return nil, err
		}
		if !ok {
			metrics.WarmClaims.WithLabelValues(profile.ID, "lost").Inc()
			continue
		}

		sb, err := m.store.GetSandbox(candidate.ID)
		if err != nil {
			return nil, err
		}
		m.resetIdleDeadline(sb, now)
		if err := m.store.UpdateSandbox(sb); err != nil {
			return nil, err
		}

		// Rebind the managed workspace and session to the claiming owner.
		if ws, err := m.store.GetWorkspace(sb.WorkspaceID); err == nil && ws.Owner == WarmPoolOwner {
			ws.Owner = owner
			if err := m.store.UpdateWorkspace(ws); err != nil {
				logger := log.WithSandboxID(sb.ID)
				logger.Warn().Err(err).Msg("Failed to rebind workspace owner")
			}
		}
		sess, err := m.currentSession(sb)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			sess.Owner = owner
			sess.LastActiveAt = now
			if err := m.store.UpdateSession(sess); err != nil {
				return nil, err
			}
		}

		metrics.WarmClaims.WithLabelValues(profile.ID, "hit").Inc()
		logger := log.WithSandboxID(sb.ID)
		logger.Info().
			Str("owner", owner).
			Str("profile_id", profile.ID).
			Msg("Warm sandbox claimed")
		return &SandboxView{
			Sandbox: sb,
			Session: sess,
			Status:  types.ComputeStatus(sb, sess, now),
		}, nil
	}

	metrics.WarmClaims.WithLabelValues(profile.ID, "miss").Inc()
	return nil, nil
}

// warmCandidateHealthy checks that the candidate's session still looks
// usable. A transient probe failure counts as healthy; retiring a good
// sandbox over a flaky probe wastes the warmup.
func (m *Manager) warmCandidateHealthy(ctx context.Context, sb *types.Sandbox) bool {
	sess, err := m.currentSession(sb)
	if err != nil || sess == nil || !sess.IsReady() {
		return false
	}
	info, err := m.driver.Status(ctx, sess.ContainerID)
	if err != nil {
		return errdefs.IsTransient(err)
	}
	return info.Status == driver.StatusRunning
}

// retireWarm flags a broken warm sandbox so the scheduler deletes it instead
// of handing it to a user.
func (m *Manager) retireWarm(ctx context.Context, sb *types.Sandbox) {
	sb.WarmState = types.WarmStateRetiring
	if err := m.store.UpdateSandbox(sb); err != nil {
		logger := log.WithSandboxID(sb.ID)
		logger.Warn().Err(err).Msg("Failed to mark warm sandbox retiring")
	}
}

// CreateWarmSandbox provisions a pool-owned sandbox row and workspace for
// the profile. The container start happens later, on the warmup queue.
func (m *Manager) CreateWarmSandbox(ctx context.Context, profile *config.Profile) (*types.Sandbox, error) {
	ws, err := m.createWorkspace(ctx, WarmPoolOwner, true)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	sb := &types.Sandbox{
		ID:                  newID("sb"),
		Owner:               WarmPoolOwner,
		ProfileID:           profile.ID,
		WorkspaceID:         ws.ID,
		CreatedAt:           now,
		LastActiveAt:        now,
		IsWarmPool:          true,
		WarmState:           types.WarmStateNone,
		WarmSourceProfileID: profile.ID,
	}
	if err := m.store.CreateSandbox(sb); err != nil {
		m.deleteWorkspace(ctx, ws)
		return nil, err
	}
	return sb, nil
}

// WarmupSandbox starts the session for a pool sandbox and marks it
// AVAILABLE. Called by warmup queue workers. Skips sandboxes that were
// deleted or claimed while queued.
func (m *Manager) WarmupSandbox(ctx context.Context, sandboxID string) error {
	unlock := m.locks.Acquire(sandboxID)
	defer unlock()

	sb, err := m.store.GetSandbox(sandboxID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if sb.DeletedAt != nil || !sb.IsWarmPool || sb.WarmState != types.WarmStateNone {
		return nil
	}

	if _, err := m.ensureSession(ctx, sb); err != nil {
		return err
	}

	profile := m.cfg.GetProfile(sb.ProfileID)
	now := m.clock.Now()
	sb.WarmState = types.WarmStateAvailable
	sb.WarmReadyAt = &now
	if profile != nil && profile.WarmRotateTTL > 0 {
		rotate := now.Add(profile.WarmRotateTTL)
		sb.WarmRotateAt = &rotate
	}
	if err := m.store.UpdateSandbox(sb); err != nil {
		return err
	}
	logger := log.WithSandboxID(sb.ID)
	logger.Info().Str("profile_id", sb.ProfileID).Msg("Warm sandbox ready")
	return nil
}

// WarmStats summarises the pool for one profile.
type WarmStats struct {
	ProfileID string `json:"profile_id"`
	Target    int    `json:"target"`
	Available int    `json:"available"`
	Pending   int    `json:"pending"`
	Claimed   int    `json:"claimed"`
	Retiring  int    `json:"retiring"`
}

// WarmPoolStats reports per-profile pool occupancy and refreshes the pool
// gauges as a side effect.
func (m *Manager) WarmPoolStats() ([]WarmStats, error) {
	var out []WarmStats
	for _, p := range m.cfg.WarmProfiles() {
		s := WarmStats{ProfileID: p.ID, Target: p.WarmPoolSize}
		var err error
		if s.Available, err = m.store.CountWarm(p.ID, types.WarmStateAvailable); err != nil {
			return nil, err
		}
		if s.Pending, err = m.store.CountWarm(p.ID, types.WarmStateNone); err != nil {
			return nil, err
		}
		if s.Claimed, err = m.store.CountWarm(p.ID, types.WarmStateClaimed); err != nil {
			return nil, err
		}
		if s.Retiring, err = m.store.CountWarm(p.ID, types.WarmStateRetiring); err != nil {
			return nil, err
		}
		metrics.WarmPoolSize.WithLabelValues(p.ID, "available").Set(float64(s.Available))
		metrics.WarmPoolSize.WithLabelValues(p.ID, "pending").Set(float64(s.Pending))
		metrics.WarmPoolSize.WithLabelValues(p.ID, "retiring").Set(float64(s.Retiring))
		out = append(out, s)
	}
	return out, nil
}
