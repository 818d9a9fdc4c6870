package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

var (
	// Bucket names
	bucketSandboxes   = []byte("sandboxes")
	bucketSessions    = []byte("sessions")
	bucketWorkspaces  = []byte("workspaces")
	bucketIdempotency = []byte("idempotency")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "shipyard.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSandboxes,
			bucketSessions,
			bucketWorkspaces,
			bucketIdempotency,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Sandbox operations

func (s *BoltStore) CreateSandbox(sb *types.Sandbox) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		if b.Get([]byte(sb.ID)) != nil {
			return fmt.Errorf("sandbox %s already exists: %w", sb.ID, errdefs.ErrConflict)
		}
		data, err := json.Marshal(sb)
		if err != nil {
			return err
		}
		return b.Put([]byte(sb.ID), data)
	})
}

func (s *BoltStore) GetSandbox(id string) (*types.Sandbox, error) {
	var sb types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSandboxes).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("sandbox", id)
		}
		return json.Unmarshal(data, &sb)
	})
	if err != nil {
		return nil, err
	}
	return &sb, nil
}

func (s *BoltStore) UpdateSandbox(sb *types.Sandbox) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		if b.Get([]byte(sb.ID)) == nil {
			return errdefs.NotFound("sandbox", sb.ID)
		}
		data, err := json.Marshal(sb)
		if err != nil {
			return err
		}
		return b.Put([]byte(sb.ID), data)
	})
}

func (s *BoltStore) ListSandboxBatch(owner, afterID string, limit int) ([]*types.Sandbox, error) {
	var out []*types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandboxes).Cursor()

		var k, v []byte
		if afterID == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(afterID))
			if k != nil && bytes.Equal(k, []byte(afterID)) {
				k, v = c.Next()
			}
		}

		for ; k != nil && len(out) < limit; k, v = c.Next() {
			var sb types.Sandbox
			if err := json.Unmarshal(v, &sb); err != nil {
				return err
			}
			if sb.Owner != owner || sb.DeletedAt != nil || sb.IsWarmPool {
				continue
			}
			out = append(out, &sb)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListExpiredSandboxes(now time.Time) ([]*types.Sandbox, error) {
	var out []*types.Sandbox
	err := s.forEachSandbox(func(sb *types.Sandbox) {
		if sb.DeletedAt == nil && sb.ExpiresAt != nil && !sb.ExpiresAt.After(now) {
			out = append(out, sb)
		}
	})
	return out, err
}

// Warm pool operations

func (s *BoltStore) ListWarmSandboxes() ([]*types.Sandbox, error) {
	var out []*types.Sandbox
	err := s.forEachSandbox(func(sb *types.Sandbox) {
		if sb.DeletedAt == nil && sb.IsWarmPool {
			out = append(out, sb)
		}
	})
	return out, err
}

func (s *BoltStore) CountWarm(profileID string, state types.WarmState) (int, error) {
	count := 0
	err := s.forEachSandbox(func(sb *types.Sandbox) {
		if sb.DeletedAt != nil || sb.ProfileID != profileID || sb.WarmState != state {
			return
		}
		// Claimed rows leave the pool but keep their warm state for stats.
		if sb.IsWarmPool || state == types.WarmStateClaimed {
			count++
		}
	})
	return count, err
}

func (s *BoltStore) WarmClaimCandidate(profileID string) (*types.Sandbox, error) {
	var candidates []*types.Sandbox
	err := s.forEachSandbox(func(sb *types.Sandbox) {
		if sb.DeletedAt == nil && sb.IsWarmPool && sb.ProfileID == profileID && sb.WarmState == types.WarmStateAvailable {
			candidates = append(candidates, sb)
		}
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errdefs.NotFound("warm sandbox for profile", profileID)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ti, tj := candidates[i].WarmReadyAt, candidates[j].WarmReadyAt
		if ti == nil || tj == nil {
			return tj == nil
		}
		return ti.Before(*tj)
	})
	return candidates[0], nil
}

// ClaimWarmSandbox re-asserts every claim precondition inside a single write
// transaction. BoltDB serialises write transactions, so at most one caller
// observes the preconditions and flips the row.
func (s *BoltStore) ClaimWarmSandbox(id, profileID, owner string, now time.Time, expiresAt *time.Time) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var sb types.Sandbox
		if err := json.Unmarshal(data, &sb); err != nil {
			return err
		}
		if sb.DeletedAt != nil || !sb.IsWarmPool || sb.ProfileID != profileID || sb.WarmState != types.WarmStateAvailable {
			return nil
		}

		claimedAt := now
		sb.WarmState = types.WarmStateClaimed
		sb.WarmClaimedAt = &claimedAt
		sb.IsWarmPool = false
		sb.Owner = owner
		sb.LastActiveAt = now
		sb.ExpiresAt = expiresAt

		out, err := json.Marshal(&sb)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}

func (s *BoltStore) WarmRotationDue(profileID string, now time.Time) ([]*types.Sandbox, error) {
	var out []*types.Sandbox
	err := s.forEachSandbox(func(sb *types.Sandbox) {
		if sb.DeletedAt == nil && sb.IsWarmPool && sb.ProfileID == profileID &&
			sb.WarmState == types.WarmStateAvailable &&
			sb.WarmRotateAt != nil && !sb.WarmRotateAt.After(now) {
			out = append(out, sb)
		}
	})
	return out, err
}

func (s *BoltStore) forEachSandbox(fn func(sb *types.Sandbox)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandboxes).ForEach(func(k, v []byte) error {
			var sb types.Sandbox
			if err := json.Unmarshal(v, &sb); err != nil {
				return err
			}
			fn(&sb)
			return nil
		})
	})
}

// Session operations

func (s *BoltStore) CreateSession(sess *types.Session) error {
	return s.putSession(sess)
}

func (s *BoltStore) UpdateSession(sess *types.Session) error {
	return s.putSession(sess)
}

func (s *BoltStore) putSession(sess *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return b.Put([]byte(sess.ID), data)
	})
}

func (s *BoltStore) GetSession(id string) (*types.Session, error) {
	var sess types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("session", id)
		}
		return json.Unmarshal(data, &sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *BoltStore) DeleteSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

func (s *BoltStore) ListSessionsBySandbox(sandboxID string) ([]*types.Session, error) {
	sessions, err := s.ListSessions()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Session
	for _, sess := range sessions {
		if sess.SandboxID == sandboxID {
			filtered = append(filtered, sess)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListSessions() ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			sessions = append(sessions, &sess)
			return nil
		})
	})
	return sessions, err
}

// Workspace operations

func (s *BoltStore) CreateWorkspace(w *types.Workspace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkspaces)
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return b.Put([]byte(w.ID), data)
	})
}

func (s *BoltStore) UpdateWorkspace(w *types.Workspace) error {
	return s.CreateWorkspace(w)
}

func (s *BoltStore) GetWorkspace(id string) (*types.Workspace, error) {
	var w types.Workspace
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkspaces).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("workspace", id)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) DeleteWorkspace(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkspaces).Delete([]byte(id))
	})
}

// Idempotency operations

func idempotencyKey(owner, key string) []byte {
	return []byte(owner + "/" + key)
}

func (s *BoltStore) PutIdempotency(rec *types.IdempotencyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdempotency)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(idempotencyKey(rec.Owner, rec.Key), data)
	})
}

func (s *BoltStore) GetIdempotency(owner, key string) (*types.IdempotencyRecord, error) {
	var rec types.IdempotencyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIdempotency).Get(idempotencyKey(owner, key))
		if data == nil {
			return errdefs.NotFound("idempotency key", key)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) SweepIdempotency(before time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdempotency)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec types.IdempotencyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.CreatedAt.Before(before) {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
