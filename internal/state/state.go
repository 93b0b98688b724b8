// Package state persists the small amount of durable sync bookkeeping:
// per-entity last-sync records used by conflict detection, the cached
// media endpoint, and a digest of the last-used token. Entities
// themselves are never stored; each reconciliation pass rebuilds the
// view from scratch.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.pubsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket        = []byte("app")
	syncBucket       = []byte("sync")
	mediaEndpointKey = []byte("media_endpoint")
	tokenDigestKey   = []byte("token_digest")
)

// SyncRecord is the per-entity sync cursor: what the content looked like
// the last time local and remote agreed. The reconciler compares the
// current local hash and the remote published timestamp against it to
// detect stale local edits.
type SyncRecord struct {
	ID          string `json:"id"`
	ContentHash string `json:"content_hash"`
	// RemotePublishedAt is the remote published timestamp observed at
	// sync time, unix seconds. Zero when the remote had none.
	RemotePublishedAt int64 `json:"remote_published_at"`
	SyncedAt          int64 `json:"synced_at"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.pubsync/state.db, creating it if
// it does not exist.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(syncBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

func dbPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".pubsync", "state.db")
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// GetSync returns the sync record for an entity ID, or nil if none.
func (s *State) GetSync(id string) (*SyncRecord, error) {
	var rec *SyncRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(syncBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		rec = &SyncRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// SetSync persists the sync record for an entity ID.
func (s *State) SetSync(rec SyncRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return tx.Bucket(syncBucket).Put([]byte(rec.ID), data)
	})
}

// DeleteSync removes the sync record for an entity ID. Called when a
// reconciliation pass observes the backing sources are gone.
func (s *State) DeleteSync(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(syncBucket).Delete([]byte(id))
	})
}

// AllSync returns every sync record keyed by entity ID.
func (s *State) AllSync() (map[string]SyncRecord, error) {
	result := make(map[string]SyncRecord)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(syncBucket).ForEach(func(k, v []byte) error {
			var rec SyncRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			result[string(k)] = rec

			return nil
		})
	})

	return result, err
}

// MediaEndpoint returns the cached media endpoint, or empty string.
func (s *State) MediaEndpoint() string {
	var endpoint string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(mediaEndpointKey); v != nil {
			endpoint = string(v)
		}

		return nil
	})

	return endpoint
}

// SetMediaEndpoint caches the discovered media endpoint.
func (s *State) SetMediaEndpoint(endpoint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(mediaEndpointKey, []byte(endpoint))
	})
}

// CheckToken compares the token against the stored digest. When the
// token changed, cached discovery results (the media endpoint) are
// dropped and the new digest recorded. Raw tokens are never written to
// disk.
func (s *State) CheckToken(token string) error {
	digest := tokenDigest(token)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if prev := b.Get(tokenDigestKey); prev != nil && string(prev) == digest {
			return nil
		}

		if err := b.Delete(mediaEndpointKey); err != nil {
			return err
		}

		return b.Put(tokenDigestKey, []byte(digest))
	})
}

// tokenDigest returns the SHA-256 hex digest of a token string.
func tokenDigest(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
