package storage

import (
	"time"

	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

// Store defines the persistence contract for orchestrator state.
// Implemented by the BoltDB-backed store; writes are serialised by the
// engine, which is what the atomic warm-claim relies on.
type Store interface {
	// Sandboxes
	CreateSandbox(sb *types.Sandbox) error
	// GetSandbox returns the row including soft-deleted tombstones.
	GetSandbox(id string) (*types.Sandbox, error)
	UpdateSandbox(sb *types.Sandbox) error
	// ListSandboxBatch returns up to limit non-deleted, non-warm-pool
	// sandboxes for owner with id > afterID, in id order.
	ListSandboxBatch(owner, afterID string, limit int) ([]*types.Sandbox, error)
	// ListExpiredSandboxes returns live sandboxes whose expires_at <= now.
	ListExpiredSandboxes(now time.Time) ([]*types.Sandbox, error)

	// Warm pool
	ListWarmSandboxes() ([]*types.Sandbox, error)
	CountWarm(profileID string, state types.WarmState) (int, error)
	// WarmClaimCandidate returns the oldest-ready AVAILABLE warm sandbox for
	// the profile, or NotFound.
	WarmClaimCandidate(profileID string) (*types.Sandbox, error)
	// ClaimWarmSandbox atomically re-checks every claim precondition on the
	// candidate row and, if they still hold, rebinds it to owner. Returns
	// false when a competing claim won.
	ClaimWarmSandbox(id, profileID, owner string, now time.Time, expiresAt *time.Time) (bool, error)
	// WarmRotationDue returns AVAILABLE warm sandboxes for the profile whose
	// warm_rotate_at <= now.
	WarmRotationDue(profileID string, now time.Time) ([]*types.Sandbox, error)

	// Sessions
	CreateSession(s *types.Session) error
	GetSession(id string) (*types.Session, error)
	UpdateSession(s *types.Session) error
	DeleteSession(id string) error
	ListSessionsBySandbox(sandboxID string) ([]*types.Session, error)
	ListSessions() ([]*types.Session, error)

	// Workspaces
	CreateWorkspace(w *types.Workspace) error
	GetWorkspace(id string) (*types.Workspace, error)
	UpdateWorkspace(w *types.Workspace) error
	DeleteWorkspace(id string) error

	// Idempotency
	PutIdempotency(rec *types.IdempotencyRecord) error
	GetIdempotency(owner, key string) (*types.IdempotencyRecord, error)
	// SweepIdempotency deletes records created before the cutoff and returns
	// how many were removed.
	SweepIdempotency(before time.Time) (int, error)

	// Utility
	Close() error
}
