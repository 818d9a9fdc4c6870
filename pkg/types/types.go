package types

import (
	"time"
)

// Sandbox is the user-visible handle to an isolated execution environment.
// It owns one workspace and at most one live session.
type Sandbox struct {
	ID               string     `json:"id"`
	Owner            string     `json:"owner"`
	ProfileID        string     `json:"profile_id"`
	WorkspaceID      string     `json:"workspace_id"`
	CurrentSessionID string     `json:"current_session_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	LastActiveAt     time.Time  `json:"last_active_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`      // nil = infinite TTL
	IdleExpiresAt    *time.Time `json:"idle_expires_at,omitempty"` // nil = no idle deadline
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`      // soft-delete tombstone

	// Warm pool fields
	IsWarmPool          bool       `json:"is_warm_pool"`
	WarmState           WarmState  `json:"warm_state,omitempty"`
	WarmReadyAt         *time.Time `json:"warm_ready_at,omitempty"`
	WarmRotateAt        *time.Time `json:"warm_rotate_at,omitempty"`
	WarmClaimedAt       *time.Time `json:"warm_claimed_at,omitempty"`
	WarmSourceProfileID string     `json:"warm_source_profile_id,omitempty"`
}

// WarmState tracks a warm-pool sandbox through its pool lifecycle. The empty
// string means the sandbox was created for the pool but has not finished
// warming up yet.
type WarmState string

const (
	WarmStateNone      WarmState = ""
	WarmStateAvailable WarmState = "available"
	WarmStateClaimed   WarmState = "claimed"
	WarmStateRetiring  WarmState = "retiring"
)

// SandboxStatus is computed from (sandbox, session, now); it is never stored.
type SandboxStatus string

const (
	StatusIdle     SandboxStatus = "idle"
	StatusStarting SandboxStatus = "starting"
	StatusReady    SandboxStatus = "ready"
	StatusStopping SandboxStatus = "stopping"
	StatusStopped  SandboxStatus = "stopped"
	StatusExpired  SandboxStatus = "expired"
	StatusFailed   SandboxStatus = "failed"
	StatusDeleted  SandboxStatus = "deleted"
)

// ComputeStatus derives the externally visible status of a sandbox from its
// row, its current session (may be nil) and the current time.
func ComputeStatus(sb *Sandbox, session *Session, now time.Time) SandboxStatus {
	if sb.DeletedAt != nil {
		return StatusDeleted
	}
	if sb.ExpiresAt != nil && !sb.ExpiresAt.After(now) {
		return StatusExpired
	}
	if session == nil {
		if sb.IdleExpiresAt != nil && !sb.IdleExpiresAt.After(now) {
			return StatusStopped
		}
		return StatusIdle
	}
	switch session.ObservedState {
	case SessionRunning:
		return StatusReady
	case SessionStarting, SessionPending:
		return StatusStarting
	case SessionStopping:
		return StatusStopping
	case SessionStopped:
		return StatusStopped
	case SessionFailed:
		return StatusFailed
	}
	return StatusIdle
}

// Session represents one running container instance backing a sandbox.
// Sessions are disposable: an exited or vanished container is replaced with
// a fresh one under the same sandbox.
type Session struct {
	ID             string       `json:"id"`
	SandboxID      string       `json:"sandbox_id"`
	Owner          string       `json:"owner"`
	RuntimeType    string       `json:"runtime_type"`
	ProfileID      string       `json:"profile_id"`
	ContainerID    string       `json:"container_id,omitempty"`
	Endpoint       string       `json:"endpoint,omitempty"` // agent base URL, set only while RUNNING
	DesiredState   SessionState `json:"desired_state"`
	ObservedState  SessionState `json:"observed_state"`
	CreatedAt      time.Time    `json:"created_at"`
	LastActiveAt   time.Time    `json:"last_active_at"`
	LastObservedAt *time.Time   `json:"last_observed_at,omitempty"`
}

// IsReady reports whether the session can accept capability requests.
func (s *Session) IsReady() bool {
	return s.ObservedState == SessionRunning && s.Endpoint != ""
}

// SessionState is the session lifecycle state, used for both desired and
// observed state.
type SessionState string

const (
	SessionPending  SessionState = "pending"
	SessionStarting SessionState = "starting"
	SessionRunning  SessionState = "running"
	SessionStopping SessionState = "stopping"
	SessionStopped  SessionState = "stopped"
	SessionFailed   SessionState = "failed"
)

// Workspace is a persistent data volume. Managed workspaces are created by a
// sandbox and cascade-deleted with it; external workspaces are caller-owned
// and never cascade-deleted.
type Workspace struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	DriverRef string    `json:"driver_ref"` // volume name at the driver
	Managed   bool      `json:"managed"`
	CreatedAt time.Time `json:"created_at"`
}

// IdempotencyRecord caches the response for a (owner, key) create request so
// replays return the original response. TTL-bounded.
type IdempotencyRecord struct {
	Owner          string    `json:"owner"`
	Key            string    `json:"key"`
	BodyHash       string    `json:"body_hash"`
	ResponseBody   []byte    `json:"response_body"`
	ResponseStatus int       `json:"response_status"`
	CreatedAt      time.Time `json:"created_at"`
}
