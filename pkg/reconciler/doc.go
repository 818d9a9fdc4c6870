// Package reconciler runs the background convergence loops: expired sandbox
// deletion, idle session stop, orphaned container destruction, and the
// idempotency record sweep.
package reconciler
