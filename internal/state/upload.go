package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	ingesterrors "github.com/alexjbarnes/ingest-client/internal/errors"
	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"
)

// uploadOpenTimeout bounds the wait for another holder of the same upload
// database. bbolt's file lock makes a second open of the same id fail
// with a timeout rather than share the store.
var uploadOpenTimeout = 500 * time.Millisecond

var (
	metaBucket  = []byte("meta")
	partsBucket = []byte("parts")
	planKey     = []byte("plan")

	validUploadID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// UploadMeta is the chunk plan recorded when an upload store is first
// created. Re-opening the store checks the file still matches it.
type UploadMeta struct {
	ID        string    `json:"id"`
	FilePath  string    `json:"file_path"`
	FileSize  int64     `json:"file_size"`
	ChunkSize int64     `json:"chunk_size"`
	NumParts  int       `json:"num_parts"`
	CreatedAt time.Time `json:"created_at"`
}

// PartMarker records that one part has been transferred.
type PartMarker struct {
	CompletedAt time.Time `json:"completed_at"`
	ETag        string    `json:"etag,omitempty"`
}

// UploadStore is the durable completion store for a single upload. It is
// exclusively owned by one tracker for as long as it is open.
type UploadStore struct {
	db   *bolt.DB
	path string
}

// OpenUpload opens (or creates) the store for upload id under dir. All
// failures wrap ErrStorageFailure.
func OpenUpload(dir, id string) (*UploadStore, error) {
	if !validUploadID.MatchString(id) {
		return nil, fmt.Errorf("%w: invalid upload id %q", ingesterrors.ErrStorageFailure, id)
	}

	if err := os.MkdirAll(dir, stateDirPerm); err != nil {
		return nil, fmt.Errorf("%w: creating uploads directory: %w", ingesterrors.ErrStorageFailure, err)
	}

	path := filepath.Join(dir, id+".db")

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: uploadOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: opening upload %s: %w", ingesterrors.ErrStorageFailure, id, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(partsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initializing upload %s: %w", ingesterrors.ErrStorageFailure, id, err)
	}

	return &UploadStore{db: db, path: path}, nil
}

// UploadExists reports whether a store for id has been created under dir.
func UploadExists(dir, id string) bool {
	_, err := os.Stat(filepath.Join(dir, id+".db"))
	return err == nil
}

func partKey(index int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(index))

	return k
}

// Meta returns the recorded plan, or nil if none has been written yet.
func (u *UploadStore) Meta() (*UploadMeta, error) {
	var meta *UploadMeta

	err := u.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(planKey)
		if v == nil {
			return nil
		}

		meta = &UploadMeta{}

		return json.Unmarshal(v, meta)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reading plan: %w", ingesterrors.ErrStorageFailure, err)
	}

	return meta, nil
}

// SetMeta records the plan.
func (u *UploadStore) SetMeta(meta UploadMeta) error {
	err := u.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}

		return tx.Bucket(metaBucket).Put(planKey, data)
	})
	if err != nil {
		return fmt.Errorf("%w: writing plan: %w", ingesterrors.ErrStorageFailure, err)
	}

	return nil
}

// MarkPart persists the completion marker for a part. Writing the same
// part twice keeps the latest marker.
func (u *UploadStore) MarkPart(index int, marker PartMarker) error {
	if index < 0 {
		return fmt.Errorf("%w: negative part index %d", ingesterrors.ErrStorageFailure, index)
	}

	err := u.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(marker)
		if err != nil {
			return err
		}

		return tx.Bucket(partsBucket).Put(partKey(index), data)
	})
	if err != nil {
		return fmt.Errorf("%w: marking part %d: %w", ingesterrors.ErrStorageFailure, index, err)
	}

	return nil
}

// PartComplete reports whether a marker exists for the part.
func (u *UploadStore) PartComplete(index int) (bool, error) {
	if index < 0 {
		return false, nil
	}

	var found bool

	err := u.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(partsBucket).Get(partKey(index)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: reading part %d: %w", ingesterrors.ErrStorageFailure, index, err)
	}

	return found, nil
}

// CountCompleted counts markers for parts in [0, limit) inside a single
// read transaction, so the result is a consistent snapshot even while a
// concurrent MarkPart commits.
func (u *UploadStore) CountCompleted(limit int) (int, error) {
	count := 0

	err := u.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(partsBucket).Cursor()
		end := partKey(limit)

		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if limit >= 0 && string(k) >= string(end) {
				break
			}

			count++
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting parts: %w", ingesterrors.ErrStorageFailure, err)
	}

	return count, nil
}

// CompletedParts returns the indexes of all completed parts in order.
func (u *UploadStore) CompletedParts() ([]int, error) {
	var parts []int

	err := u.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(partsBucket).ForEach(func(k, _ []byte) error {
			if len(k) != 8 {
				return fmt.Errorf("unexpected part key length %d", len(k))
			}

			parts = append(parts, int(binary.BigEndian.Uint64(k)))

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing parts: %w", ingesterrors.ErrStorageFailure, err)
	}

	return parts, nil
}

// Close releases the store. Durable state is kept.
func (u *UploadStore) Close() error {
	return u.db.Close()
}

// Purge closes the store and deletes its file. Called only on explicit
// completion or cancellation.
func (u *UploadStore) Purge() error {
	if err := u.db.Close(); err != nil && !errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return fmt.Errorf("%w: closing upload store: %w", ingesterrors.ErrStorageFailure, err)
	}

	if err := os.Remove(u.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: removing upload store: %w", ingesterrors.ErrStorageFailure, err)
	}

	return nil
}
