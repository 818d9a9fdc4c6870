// Package warmpool maintains pre-started sandboxes per profile: a bounded
// deduplicating warmup queue with a fixed worker set, and a scheduler that
// rotates stale pool members and tops the pool up to its target size.
package warmpool
