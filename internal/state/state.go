package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.vault-gitsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket        = []byte("app")
	commitKey        = []byte("commit")
	lastSyncKey      = []byte("last_sync")
	schemaVersionKey = []byte("schema")
)

const schemaVersion = "1"

func vaultMetaBucket(key string) []byte {
	return []byte("vault:" + key + ":meta")
}

func vaultLocalBucket(key string) []byte {
	return []byte("vault:" + key + ":local")
}

func vaultServerBucket(key string) []byte {
	return []byte("vault:" + key + ":server")
}

// Snapshot is the last state both sides were known to agree on. It is the
// only durable state of the sync engine: every change is computed against
// it, and it is replaced as a whole once a sync branch completes.
type Snapshot struct {
	// LocalFingerprints maps vault-relative path to fingerprint.
	LocalFingerprints map[string]string
	// LastFetchedCommitID is the branch head seen by the last sync.
	LastFetchedCommitID string
	// LastFetchedRemoteFingerprints maps plaintext path to blob content id.
	LastFetchedRemoteFingerprints map[string]string
}

// SyncRecord summarises the last completed sync.
type SyncRecord struct {
	Time     time.Time `json:"time" yaml:"time"`
	Status   string    `json:"status" yaml:"status"`
	CommitID string    `json:"commit" yaml:"commit"`
	Device   string    `json:"device" yaml:"device"`
	FileOps  int       `json:"file_ops" yaml:"file_ops"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(appBucket)
		if err != nil {
			return err
		}

		return b.Put(schemaVersionKey, []byte(schemaVersion))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// LoadSnapshot returns the snapshot stored under key. A key that was never
// saved yields an empty snapshot with non-nil maps, which makes the first
// sync see every file on both sides as created.
func (s *State) LoadSnapshot(key string) (Snapshot, error) {
	snap := Snapshot{
		LocalFingerprints:             make(map[string]string),
		LastFetchedRemoteFingerprints: make(map[string]string),
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		if meta := tx.Bucket(vaultMetaBucket(key)); meta != nil {
			snap.LastFetchedCommitID = string(meta.Get(commitKey))
		}

		if err := readMap(tx.Bucket(vaultLocalBucket(key)), snap.LocalFingerprints); err != nil {
			return err
		}

		return readMap(tx.Bucket(vaultServerBucket(key)), snap.LastFetchedRemoteFingerprints)
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("loading snapshot %s: %w", key, err)
	}

	return snap, nil
}

// SaveSnapshot replaces the snapshot stored under key in a single
// transaction. Readers never observe a partially written snapshot.
func (s *State) SaveSnapshot(key string, snap Snapshot) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(vaultMetaBucket(key))
		if err != nil {
			return err
		}

		if err := meta.Put(commitKey, []byte(snap.LastFetchedCommitID)); err != nil {
			return err
		}

		if err := replaceMap(tx, vaultLocalBucket(key), snap.LocalFingerprints); err != nil {
			return err
		}

		return replaceMap(tx, vaultServerBucket(key), snap.LastFetchedRemoteFingerprints)
	})
	if err != nil {
		return fmt.Errorf("saving snapshot %s: %w", key, err)
	}

	return nil
}

// RecordSync stores the summary of the last completed sync.
func (s *State) RecordSync(key string, rec SyncRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(vaultMetaBucket(key))
		if err != nil {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return meta.Put(lastSyncKey, data)
	})
}

// LastSync returns the summary of the last completed sync, or nil when
// none has been recorded.
func (s *State) LastSync(key string) (*SyncRecord, error) {
	var rec *SyncRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(vaultMetaBucket(key))
		if meta == nil {
			return nil
		}

		v := meta.Get(lastSyncKey)
		if v == nil {
			return nil
		}

		rec = &SyncRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// Reset drops every bucket for key. The next sync starts from scratch.
func (s *State) Reset(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{vaultMetaBucket(key), vaultLocalBucket(key), vaultServerBucket(key)} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
		}

		return nil
	})
}

func readMap(b *bolt.Bucket, dst map[string]string) error {
	if b == nil {
		return nil
	}

	return b.ForEach(func(k, v []byte) error {
		dst[string(k)] = string(v)
		return nil
	})
}

func replaceMap(tx *bolt.Tx, name []byte, m map[string]string) error {
	if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return err
	}

	b, err := tx.CreateBucket(name)
	if err != nil {
		return err
	}

	for k, v := range m {
		if err := b.Put([]byte(k), []byte(v)); err != nil {
			return err
		}
	}

	return nil
}
