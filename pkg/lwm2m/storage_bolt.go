package lwm2m

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketState = []byte("lwm2m_state")

	keyAttributes = []byte("attr_storage")
	keyACLs       = []byte("access_control")
)

// BoltStorage implements Storage on top of a bbolt database file,
// suitable for devices with a writable filesystem.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens (or creates) the database at the given path.
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &BoltStorage{db: db}, nil
}

// Close closes the database.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func (s *BoltStorage) load(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketState).Get(key); data != nil {
			out = append([]byte(nil), data...)
		}
		return nil
	})
	return out, err
}

func (s *BoltStorage) save(key, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(key, data)
	})
}

// LoadAttributes returns the stored attribute stream.
func (s *BoltStorage) LoadAttributes() ([]byte, error) { return s.load(keyAttributes) }

// SaveAttributes stores the attribute stream.
func (s *BoltStorage) SaveAttributes(data []byte) error { return s.save(keyAttributes, data) }

// LoadACLs returns the stored Access Control stream.
func (s *BoltStorage) LoadACLs() ([]byte, error) { return s.load(keyACLs) }

// SaveACLs stores the Access Control stream.
func (s *BoltStorage) SaveACLs(data []byte) error { return s.save(keyACLs, data) }

var _ Storage = (*BoltStorage)(nil)
