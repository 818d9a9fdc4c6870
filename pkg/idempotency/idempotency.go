// Package idempotency caches create responses per (owner, key) so replayed
// requests return the original result instead of provisioning twice.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
	"unicode"

	"github.com/AstrBotDevs/shipyard-neo/pkg/clock"
	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
	"github.com/AstrBotDevs/shipyard-neo/pkg/log"
	"github.com/AstrBotDevs/shipyard-neo/pkg/storage"
	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

const maxKeyLen = 255

// Service checks and records idempotency keys.
type Service struct {
	store storage.Store
	clock clock.Clock
	ttl   time.Duration
}

// New builds the service. Records older than ttl are ignored and eventually
// swept.
func New(store storage.Store, clk clock.Clock, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{store: store, clock: clk, ttl: ttl}
}

// ValidateKey enforces the key format: non-empty, bounded length, printable
// characters without whitespace. A malformed key is a conflict, not a
// validation error: the client is disagreeing with itself about the key,
// and treating it as retryable-with-a-fix would break replay semantics.
func ValidateKey(key string) error {
	if key == "" || len(key) > maxKeyLen {
		return fmt.Errorf("idempotency key must be 1-%d characters: %w", maxKeyLen, errdefs.ErrConflict)
	}
	for _, r := range key {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return fmt.Errorf("idempotency key contains invalid characters: %w", errdefs.ErrConflict)
		}
	}
	return nil
}

// HashBody returns the canonical request body hash stored with a record.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Check looks up a prior response for (owner, key). Returns the cached
// record on a replay with a matching body, nil on a first sighting, and a
// conflict when the same key arrives with a different body.
func (s *Service) Check(owner, key string, body []byte) (*types.IdempotencyRecord, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	rec, err := s.store.GetIdempotency(owner, key)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if s.clock.Now().Sub(rec.CreatedAt) > s.ttl {
		// Expired record; treat as first sighting.
		return nil, nil
	}
	if rec.BodyHash != HashBody(body) {
		return nil, fmt.Errorf("idempotency key reused with a different request body: %w", errdefs.ErrConflict)
	}
	return rec, nil
}

// Save records the response for (owner, key).
func (s *Service) Save(owner, key string, body []byte, status int, response []byte) error {
	return s.store.PutIdempotency(&types.IdempotencyRecord{
		Owner:          owner,
		Key:            key,
		BodyHash:       HashBody(body),
		ResponseBody:   response,
		ResponseStatus: status,
		CreatedAt:      s.clock.Now(),
	})
}

// Sweep deletes expired records. Called periodically by the reconciler.
func (s *Service) Sweep() {
	logger := log.WithComponent("idempotency")
	n, err := s.store.SweepIdempotency(s.clock.Now().Add(-s.ttl))
	if err != nil {
		logger.Warn().Err(err).Msg("Sweep failed")
		return
	}
	if n > 0 {
		logger.Debug().Int("removed", n).Msg("Swept expired idempotency records")
	}
}
