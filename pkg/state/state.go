package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/magpie/pkg/types"
)

var (
	// Bucket names
	bucketFilenames = []byte("filenames") // image url -> saved filename
	bucketHashes    = []byte("hashes")    // content md5 -> saved filename
	bucketSessions  = []byte("sessions")  // session id -> checkpoint
)

// Checkpoint is a persisted crawl session snapshot, written periodically so
// an interrupted crawl can report its progress after restart
type Checkpoint struct {
	SessionID string            `json:"session_id"`
	TargetURL string            `json:"target_url"`
	Status    types.CrawlStatus `json:"status"`
	Stats     types.CrawlStats  `json:"stats"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store is the local BoltDB-backed crawl state: filename mappings, content
// hash dedup index and session checkpoints
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the state database under dataDir
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "magpie.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketFilenames, bucketHashes, bucketSessions}
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

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// PutFilename records the filename an image URL was saved under
func (s *Store) PutFilename(url, filename string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFilenames).Put([]byte(url), []byte(filename))
	})
}

// GetFilename returns the saved filename for an image URL, or "" when the
// URL has not been downloaded
func (s *Store) GetFilename(url string) (string, error) {
	var filename string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketFilenames).Get([]byte(url)); v != nil {
			filename = string(v)
		}
		return nil
	})
	return filename, err
}

// FilenameCount returns the number of recorded url to filename mappings
func (s *Store) FilenameCount() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketFilenames).Stats().KeyN
		return nil
	})
	return n, err
}

// SeenHash records a content hash and reports whether it was already
// present. The first caller wins; later callers learn the original
// filename.
func (s *Store) SeenHash(md5sum, filename string) (bool, string, error) {
	var seen bool
	var existing string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHashes)
		if v := b.Get([]byte(md5sum)); v != nil {
			seen = true
			existing = string(v)
			return nil
		}
		return b.Put([]byte(md5sum), []byte(filename))
	})
	return seen, existing, err
}

// SaveCheckpoint upserts a session checkpoint
func (s *Store) SaveCheckpoint(cp *Checkpoint) error {
	cp.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).Put([]byte(cp.SessionID), data)
	})
}

// GetCheckpoint retrieves a session checkpoint by id
func (s *Store) GetCheckpoint(sessionID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(sessionID))
		if data == nil {
			return fmt.Errorf("session not found: %s", sessionID)
		}
		return json.Unmarshal(data, &cp)
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// ListCheckpoints returns all persisted session checkpoints
func (s *Store) ListCheckpoints() ([]*Checkpoint, error) {
	var cps []*Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var cp Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			cps = append(cps, &cp)
			return nil
		})
	})
	return cps, err
}

// DeleteCheckpoint removes a session checkpoint
func (s *Store) DeleteCheckpoint(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(sessionID))
	})
}
