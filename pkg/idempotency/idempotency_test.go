package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AstrBotDevs/shipyard-neo/pkg/clock"
	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
	"github.com/AstrBotDevs/shipyard-neo/pkg/storage"
)

func newService(t *testing.T, ttl time.Duration) (*Service, *clock.Fake) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	return New(store, clk, ttl), clk
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		ok   bool
	}{
		{"simple", "create-1", true},
		{"uuid-ish", "0b8f8a4e-9c7d-4a57-8e1a-000000000001", true},
		{"empty", "", false},
		{"whitespace", "key with space", false},
		{"control char", "key\x01", false},
		{"tab", "key\t", false},
		{"too long", string(make([]byte, 300)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				// Malformed keys are conflicts, not validation errors.
				assert.True(t, errdefs.IsConflict(err))
			}
		})
	}
}

func TestCheckAndSaveRoundTrip(t *testing.T) {
	svc, _ := newService(t, time.Hour)
	body := []byte(`{"profile_id":"python-default"}`)

	rec, err := svc.Check("alice", "k1", body)
	require.NoError(t, err)
	assert.Nil(t, rec, "first sighting returns nil")

	require.NoError(t, svc.Save("alice", "k1", body, 201, []byte(`{"id":"sb-1"}`)))

	rec, err = svc.Check("alice", "k1", body)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 201, rec.ResponseStatus)
	assert.JSONEq(t, `{"id":"sb-1"}`, string(rec.ResponseBody))
}

func TestCheckBodyMismatchConflicts(t *testing.T) {
	svc, _ := newService(t, time.Hour)
	require.NoError(t, svc.Save("alice", "k1", []byte(`{"a":1}`), 201, []byte(`{}`)))

	_, err := svc.Check("alice", "k1", []byte(`{"a":2}`))
	assert.True(t, errdefs.IsConflict(err))
}

func TestKeysAreOwnerScoped(t *testing.T) {
	svc, _ := newService(t, time.Hour)
	body := []byte(`{}`)
	require.NoError(t, svc.Save("alice", "k1", body, 201, []byte(`{"id":"sb-1"}`)))

	rec, err := svc.Check("bob", "k1", body)
	require.NoError(t, err)
	assert.Nil(t, rec, "another owner's key must not replay")
}

func TestExpiredRecordIgnoredAndSwept(t *testing.T) {
	svc, clk := newService(t, time.Hour)
	body := []byte(`{}`)
	require.NoError(t, svc.Save("alice", "k1", body, 201, []byte(`{}`)))

	clk.Advance(2 * time.Hour)

	rec, err := svc.Check("alice", "k1", body)
	require.NoError(t, err)
	assert.Nil(t, rec, "expired record behaves like a first sighting")

	svc.Sweep()

	// After the sweep the record is physically gone; a different body no
	// longer conflicts.
	rec, err = svc.Check("alice", "k1", []byte(`{"other":true}`))
	require.NoError(t, err)
	assert.Nil(t, rec)
}
