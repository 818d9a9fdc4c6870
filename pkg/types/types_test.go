package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeStatus(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name     string
		sandbox  *Sandbox
		session  *Session
		expected SandboxStatus
	}{
		{
			name:     "deleted wins over everything",
			sandbox:  &Sandbox{DeletedAt: &past, ExpiresAt: &past},
			session:  &Session{ObservedState: SessionRunning},
			expected: StatusDeleted,
		},
		{
			name:     "expired wins over running session",
			sandbox:  &Sandbox{ExpiresAt: &past},
			session:  &Session{ObservedState: SessionRunning},
			expected: StatusExpired,
		},
		{
			name:     "no session and no idle deadline is idle",
			sandbox:  &Sandbox{},
			expected: StatusIdle,
		},
		{
			name:     "no session with passed idle deadline is stopped",
			sandbox:  &Sandbox{IdleExpiresAt: &past},
			expected: StatusStopped,
		},
		{
			name:     "no session with future idle deadline is idle",
			sandbox:  &Sandbox{IdleExpiresAt: &future},
			expected: StatusIdle,
		},
		{
			name:     "running session is ready",
			sandbox:  &Sandbox{ExpiresAt: &future},
			session:  &Session{ObservedState: SessionRunning},
			expected: StatusReady,
		},
		{
			name:     "pending session is starting",
			sandbox:  &Sandbox{},
			session:  &Session{ObservedState: SessionPending},
			expected: StatusStarting,
		},
		{
			name:     "starting session is starting",
			sandbox:  &Sandbox{},
			session:  &Session{ObservedState: SessionStarting},
			expected: StatusStarting,
		},
		{
			name:     "stopping session",
			sandbox:  &Sandbox{},
			session:  &Session{ObservedState: SessionStopping},
			expected: StatusStopping,
		},
		{
			name:     "stopped session",
			sandbox:  &Sandbox{},
			session:  &Session{ObservedState: SessionStopped},
			expected: StatusStopped,
		},
		{
			name:     "failed session",
			sandbox:  &Sandbox{},
			session:  &Session{ObservedState: SessionFailed},
			expected: StatusFailed,
		},
		{
			name:     "expiry exactly now counts as expired",
			sandbox:  &Sandbox{ExpiresAt: &now},
			expected: StatusExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ComputeStatus(tt.sandbox, tt.session, now))
		})
	}
}

func TestSessionIsReady(t *testing.T) {
	assert.True(t, (&Session{ObservedState: SessionRunning, Endpoint: "http://127.0.0.1:9000"}).IsReady())
	assert.False(t, (&Session{ObservedState: SessionRunning}).IsReady())
	assert.False(t, (&Session{ObservedState: SessionStarting, Endpoint: "http://127.0.0.1:9000"}).IsReady())
}
