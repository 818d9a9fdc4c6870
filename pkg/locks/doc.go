// Package locks provides the process-wide per-sandbox keyed mutex shared by
// request handlers and background reconcilers.
package locks
