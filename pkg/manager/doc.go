// Package manager implements sandbox, session and workspace lifecycle:
// create with warm-pool claim, idempotent session ensure with driver
// verification, TTL and idle bookkeeping, and soft-delete with managed
// workspace cascade. All mutating paths serialise on a per-sandbox lock
// shared with the background reconciler.
package manager
