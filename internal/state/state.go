package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for database files.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the app database lock.
	stateOpenTimeout = 5 * time.Second

	stateFileName = "state.db"
)

var uploadsBucket = []byte("uploads")

// UploadRecord registers an in-flight upload so it can be resumed after a
// restart. Removed only when the upload completes or is cancelled.
type UploadRecord struct {
	ID          string    `json:"id"`
	FilePath    string    `json:"file_path"`
	Destination string    `json:"destination,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// State wraps the application bbolt database.
type State struct {
	db  *bolt.DB
	dir string
}

// Load opens <dir>/state.db, creating the directory and database if they
// do not exist.
func Load(dir string) (*State, error) {
	s, err := LoadAt(filepath.Join(dir, stateFileName))
	if err != nil {
		return nil, err
	}

	return s, nil
}

// LoadAt opens a state database at the given path. Upload databases live
// in an "uploads" directory next to it.
func LoadAt(path string) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(uploadsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, dir: dir}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// UploadsDir is the directory holding the per-upload databases.
func (s *State) UploadsDir() string {
	return filepath.Join(s.dir, "uploads")
}

// SaveUpload registers or updates an in-flight upload.
func (s *State) SaveUpload(rec UploadRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return tx.Bucket(uploadsBucket).Put([]byte(rec.ID), data)
	})
}

// GetUpload returns the record for id, or nil if it is not registered.
func (s *State) GetUpload(id string) (*UploadRecord, error) {
	var rec *UploadRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(uploadsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		rec = &UploadRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// DeleteUpload removes an upload from the registry.
func (s *State) DeleteUpload(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(uploadsBucket).Delete([]byte(id))
	})
}

// AllUploads returns every registered upload ordered by creation time.
func (s *State) AllUploads() ([]UploadRecord, error) {
	var recs []UploadRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(uploadsBucket).ForEach(func(k, v []byte) error {
			var rec UploadRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			recs = append(recs, rec)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})

	return recs, nil
}
