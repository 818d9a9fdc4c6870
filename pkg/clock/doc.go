// Package clock provides the wall/monotonic time source used by lifecycle
// managers, with a fake implementation for tests.
package clock
