package storage

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTransactions = []byte("coordinator_transactions")
	bucketDatabases    = []byte("config_databases")
	bucketCollections  = []byte("config_collections")
	bucketChunks       = []byte("config_chunks")
	bucketShards       = []byte("config_shards")
)

// Store is the bbolt-backed durable store shared by the transaction
// coordinator and the config server FSM.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the bolt database file under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "router.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketTransactions, bucketDatabases, bucketCollections, bucketChunks, bucketShards,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
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

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
