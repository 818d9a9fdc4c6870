package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the error kinds every layer agrees on. Wrap them with
// fmt.Errorf("...: %w", ErrX) so callers can classify with errors.Is.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
	ErrTransient  = errors.New("transient error")
	ErrDriver     = errors.New("driver error")
	ErrRuntime    = errors.New("runtime error")
	ErrTimeout    = errors.New("timeout")
)

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is (or wraps) ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsTransient reports whether err is (or wraps) ErrTransient.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// NotFound returns an ErrNotFound wrapping error for a named entity.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// Validation returns an ErrValidation wrapping error.
func Validation(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// SessionNotReadyError signals that a session is still starting up. Carries a
// retry hint the API layer forwards to clients.
type SessionNotReadyError struct {
	SandboxID  string
	RetryAfter time.Duration
	Reason     string
}

func (e *SessionNotReadyError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("session not ready for sandbox %s: %s", e.SandboxID, e.Reason)
	}
	return fmt.Sprintf("session not ready for sandbox %s", e.SandboxID)
}

// NotReady constructs a SessionNotReadyError with the default retry hint.
func NotReady(sandboxID, reason string) *SessionNotReadyError {
	return &SessionNotReadyError{SandboxID: sandboxID, RetryAfter: time.Second, Reason: reason}
}

// CapabilityError signals that the runtime behind a sandbox does not expose a
// requested capability tag.
type CapabilityError struct {
	Requested string
	Available []string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability %q not supported (available: %v)", e.Requested, e.Available)
}

// TTLError covers the two extend-TTL rejections.
type TTLError struct {
	SandboxID string
	Code      string // "sandbox_ttl_infinite" | "sandbox_expired"
	ExpiresAt *time.Time
}

func (e *TTLError) Error() string {
	return fmt.Sprintf("ttl rejected for sandbox %s: %s", e.SandboxID, e.Code)
}
