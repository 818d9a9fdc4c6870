// Package runtime is the client side of the in-container agent protocol:
// typed HTTP clients for the agent API, a shared client pool, and a cached
// capability metadata lookup.
package runtime
