package manager

import (
	"context"
	"time"

	"github.com/AstrBotDevs/shipyard-neo/pkg/config"
	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
	"github.com/AstrBotDevs/shipyard-neo/pkg/log"
	"github.com/AstrBotDevs/shipyard-neo/pkg/metrics"
	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

// List scan bounds. Status filtering happens above the store, so a filtered
// page may need to scan past many rows; the scan cap bounds the worst case
// while always allowing at least listScanFloor rows per call.
const (
	listLimitMax  = 200
	listBatchMin  = 50
	listBatchMax  = 500
	listScanFloor = 1000
)

// CreateRequest describes a sandbox create call.
type CreateRequest struct {
	Owner       string
	ProfileID   string
	TTL         time.Duration // 0 = infinite
	WorkspaceID string        // optional external workspace
}

// SandboxView is a sandbox with its computed status and current session.
type SandboxView struct {
	Sandbox *types.Sandbox
	Session *types.Session
	Status  types.SandboxStatus
}

// Create provisions a new sandbox. When the profile has a warm pool and the
// caller did not bring an external workspace, a warm sandbox is claimed
// instead of a cold create; the caller cannot tell the difference except by
// latency. Returns the view and whether the warm pool served it.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*SandboxView, bool, error) {
	if req.Owner == "" {
		return nil, false, errdefs.Validation("owner is required")
	}
	profile, err := m.Profile(req.ProfileID)
	if err != nil {
		return nil, false, err
	}

	if req.WorkspaceID == "" && profile.WarmPoolSize > 0 {
		if view, err := m.claimWarm(ctx, req.Owner, profile, req.TTL); err != nil {
			return nil, false, err
		} else if view != nil {
			metrics.SandboxesCreated.WithLabelValues(profile.ID, "warm").Inc()
			return view, true, nil
		}
	}

	view, err := m.createCold(ctx, req, profile)
	if err != nil {
		return nil, false, err
	}
	metrics.SandboxesCreated.WithLabelValues(profile.ID, "cold").Inc()
	return view, false, nil
}

func (m *Manager) createCold(ctx context.Context, req CreateRequest, profile *config.Profile) (*SandboxView, error) {
	var ws *types.Workspace
	var err error
	if req.WorkspaceID != "" {
		ws, err = m.GetWorkspace(req.Owner, req.WorkspaceID)
		if err != nil {
			return nil, err
		}
	} else {
		ws, err = m.createWorkspace(ctx, req.Owner, true)
		if err != nil {
			return nil, err
		}
	}

	now := m.clock.Now()
	sb := &types.Sandbox{
		ID:           newID("sb"),
		Owner:        req.Owner,
		ProfileID:    profile.ID,
		WorkspaceID:  ws.ID,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		sb.ExpiresAt = &exp
	}
	if err := m.store.CreateSandbox(sb); err != nil {
		if ws.Managed {
			m.deleteWorkspace(ctx, ws)
		}
		return nil, err
	}

	logger := log.WithSandboxID(sb.ID)
	logger.Info().
		Str("owner", sb.Owner).
		Str("profile_id", sb.ProfileID).
		Msg("Sandbox created")
	return &SandboxView{Sandbox: sb, Status: types.StatusIdle}, nil
}

// Get returns the sandbox with computed status.
func (m *Manager) Get(owner, id string) (*SandboxView, error) {
	sb, err := m.getOwned(owner, id)
	if err != nil {
		return nil, err
	}
	sess, err := m.currentSession(sb)
	if err != nil {
		return nil, err
	}
	return &SandboxView{
		Sandbox: sb,
		Session: sess,
		Status:  types.ComputeStatus(sb, sess, m.clock.Now()),
	}, nil
}

// ListResult is one page of sandboxes plus the continuation cursor. Cursor
// is empty when the scan reached the end of the owner's rows.
type ListResult struct {
	Items  []*SandboxView
	Cursor string
}

// List returns up to limit sandboxes for owner, optionally filtered by
// computed status, resuming from cursor. Scanning is bounded: a page may
// come back short with a cursor even when more matches exist.
func (m *Manager) List(owner string, statusFilter types.SandboxStatus, limit int, cursor string) (*ListResult, error) {
	if limit <= 0 {
		limit = 20
	} else if limit > listLimitMax {
		limit = listLimitMax
	}
	batch := clamp(5*limit, listBatchMin, listBatchMax)
	maxScan := 20 * limit
	if maxScan < listScanFloor {
		maxScan = listScanFloor
	}

	res := &ListResult{}
	now := m.clock.Now()
	afterID := cursor
	scanned := 0

	for scanned < maxScan && len(res.Items) < limit {
		rows, err := m.store.ListSandboxBatch(owner, afterID, batch)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			res.Cursor = ""
			return res, nil
		}
		for _, sb := range rows {
			scanned++
			afterID = sb.ID
			sess, err := m.currentSession(sb)
			if err != nil {
				return nil, err
			}
			status := types.ComputeStatus(sb, sess, now)
			if statusFilter != "" && status != statusFilter {
				continue
			}
			res.Items = append(res.Items, &SandboxView{Sandbox: sb, Session: sess, Status: status})
			if len(res.Items) == limit {
				break
			}
		}
		if len(rows) < batch && len(res.Items) < limit {
			// End of the owner's rows.
			res.Cursor = ""
			return res, nil
		}
	}
	res.Cursor = afterID
	return res, nil
}

// EnsureRunning guarantees the sandbox has a ready session and returns it.
// Takes the per-sandbox lock.
func (m *Manager) EnsureRunning(ctx context.Context, owner, id string) (*SandboxView, error) {
	unlock := m.locks.Acquire(id)
	defer unlock()

	sb, err := m.getOwned(owner, id)
	if err != nil {
		return nil, err
	}
	if err := m.requireLive(sb); err != nil {
		return nil, err
	}

	sess, err := m.ensureSession(ctx, sb)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	sb.LastActiveAt = now
	m.resetIdleDeadline(sb, now)
	if err := m.store.UpdateSandbox(sb); err != nil {
		return nil, err
	}
	return &SandboxView{
		Sandbox: sb,
		Session: sess,
		Status:  types.ComputeStatus(sb, sess, now),
	}, nil
}

// Keepalive refreshes the activity clock and idle deadline without starting
// anything.
func (m *Manager) Keepalive(ctx context.Context, owner, id string) (*SandboxView, error) {
	unlock := m.locks.Acquire(id)
	defer unlock()

	sb, err := m.getOwned(owner, id)
	if err != nil {
		return nil, err
	}
	if err := m.requireLive(sb); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	sb.LastActiveAt = now
	m.resetIdleDeadline(sb, now)
	if err := m.store.UpdateSandbox(sb); err != nil {
		return nil, err
	}

	sess, err := m.currentSession(sb)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		sess.LastActiveAt = now
		if err := m.store.UpdateSession(sess); err != nil {
			return nil, err
		}
	}
	return &SandboxView{Sandbox: sb, Session: sess, Status: types.ComputeStatus(sb, sess, now)}, nil
}

// Touch refreshes activity after a successful capability call. Best effort;
// a failed touch never fails the call that triggered it.
func (m *Manager) Touch(owner, id string) {
	unlock := m.locks.Acquire(id)
	defer unlock()

	sb, err := m.getOwned(owner, id)
	if err != nil {
		return
	}
	now := m.clock.Now()
	sb.LastActiveAt = now
	m.resetIdleDeadline(sb, now)
	if err := m.store.UpdateSandbox(sb); err != nil {
		logger := log.WithSandboxID(id)
		logger.Warn().Err(err).Msg("Failed to record activity")
	}
}

func (m *Manager) resetIdleDeadline(sb *types.Sandbox, now time.Time) {
	if profile := m.cfg.GetProfile(sb.ProfileID); profile != nil && profile.IdleTimeout > 0 {
		idle := now.Add(profile.IdleTimeout)
		sb.IdleExpiresAt = &idle
	}
}

// ExtendTTL pushes the expiry out by d. Infinite-TTL sandboxes and already
// expired sandboxes are rejected with typed errors.
func (m *Manager) ExtendTTL(ctx context.Context, owner, id string, d time.Duration) (*SandboxView, error) {
	if d <= 0 {
		return nil, errdefs.Validation("extension must be positive")
	}
	unlock := m.locks.Acquire(id)
	defer unlock()

	sb, err := m.getOwned(owner, id)
	if err != nil {
		return nil, err
	}
	if sb.ExpiresAt == nil {
		return nil, &errdefs.TTLError{SandboxID: id, Code: "sandbox_ttl_infinite"}
	}
	now := m.clock.Now()
	if !sb.ExpiresAt.After(now) {
		return nil, &errdefs.TTLError{SandboxID: id, Code: "sandbox_expired", ExpiresAt: sb.ExpiresAt}
	}
	exp := sb.ExpiresAt.Add(d)
	sb.ExpiresAt = &exp
	if err := m.store.UpdateSandbox(sb); err != nil {
		return nil, err
	}
	sess, err := m.currentSession(sb)
	if err != nil {
		return nil, err
	}
	return &SandboxView{Sandbox: sb, Session: sess, Status: types.ComputeStatus(sb, sess, now)}, nil
}

// Stop tears down every session of the sandbox but keeps the sandbox and
// its workspace. Replaced or crashed attempts leave extra rows behind, so
// all of them are stopped, not just the current one. Idempotent.
func (m *Manager) Stop(ctx context.Context, owner, id string) (*SandboxView, error) {
	unlock := m.locks.Acquire(id)
	defer unlock()

	sb, err := m.getOwned(owner, id)
	if err != nil {
		return nil, err
	}

	sessions, err := m.store.ListSessionsBySandbox(sb.ID)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if sess.ObservedState == types.SessionStopped {
			continue
		}
		if err := m.stopSession(ctx, sess); err != nil {
			return nil, err
		}
	}

	now := m.clock.Now()
	sb.CurrentSessionID = ""
	sb.IdleExpiresAt = &now
	if err := m.store.UpdateSandbox(sb); err != nil {
		return nil, err
	}
	logger := log.WithSandboxID(id)
	logger.Info().Msg("Sandbox stopped")
	return &SandboxView{Sandbox: sb, Status: types.ComputeStatus(sb, nil, now)}, nil
}

// Delete soft-deletes the sandbox, tears down its container, and cascades
// managed workspace deletion. Idempotent: deleting a missing or already
// deleted sandbox succeeds. cause tags the metric (api, expired, warm_retire).
//
// The workspace cascade runs outside the sandbox lock: volume deletion can
// be slow and nothing else can reach the sandbox once the tombstone is
// written.
func (m *Manager) Delete(ctx context.Context, owner, id, cause string) error {
	unlock := m.locks.Acquire(id)

	sb, err := m.store.GetSandbox(id)
	if err != nil {
		unlock()
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if sb.DeletedAt != nil || (owner != "" && sb.Owner != owner) {
		unlock()
		return nil
	}

	// Every session row goes, not just the current one: crash recovery and
	// stop/restart leave superseded rows behind.
	sessions, err := m.store.ListSessionsBySandbox(sb.ID)
	if err != nil {
		unlock()
		return err
	}
	for _, sess := range sessions {
		if err := m.stopSession(ctx, sess); err != nil {
			logger := log.WithSandboxID(id)
			logger.Warn().Err(err).
				Msg("Failed to tear down session during delete, leaving for orphan sweep")
		}
		if err := m.store.DeleteSession(sess.ID); err != nil && !errdefs.IsNotFound(err) {
			unlock()
			return err
		}
	}

	now := m.clock.Now()
	sb.DeletedAt = &now
	sb.CurrentSessionID = ""
	if err := m.store.UpdateSandbox(sb); err != nil {
		unlock()
		return err
	}

	var ws *types.Workspace
	if sb.WorkspaceID != "" {
		if w, err := m.store.GetWorkspace(sb.WorkspaceID); err == nil && w.Managed {
			ws = w
		}
	}
	unlock()

	if ws != nil {
		m.deleteWorkspace(ctx, ws)
	}
	m.locks.Purge(id)

	metrics.SandboxesDeleted.WithLabelValues(cause).Inc()
	logger := log.WithSandboxID(id)
	logger.Info().Str("cause", cause).Msg("Sandbox deleted")
	return nil
}

// Logs returns the tail of the current session's container output.
func (m *Manager) Logs(ctx context.Context, owner, id string, tail int) (string, error) {
	sb, err := m.getOwned(owner, id)
	if err != nil {
		return "", err
	}
	sess, err := m.currentSession(sb)
	if err != nil {
		return "", err
	}
	if sess == nil || sess.ContainerID == "" {
		return "", nil
	}
	return m.driver.Logs(ctx, sess.ContainerID, tail)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
