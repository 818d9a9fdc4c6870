// Package errdefs defines the error kinds shared across managers, drivers
// and the API layer, plus the typed errors that carry extra context
// (retry-after hints, capability lists, TTL rejection codes).
package errdefs
