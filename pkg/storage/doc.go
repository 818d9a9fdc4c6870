// Package storage provides the persistence layer for orchestrator state.
//
// The Store interface abstracts a transactional key/value store; BoltStore
// is the BoltDB implementation. Soft-deleted sandboxes stay in the store as
// tombstones; list paths skip them.
package storage
