// Package types defines the core entities of the orchestrator: sandboxes,
// sessions, workspaces and idempotency records, plus the pure status
// computation shared by the API and list paths.
package types
