package storage

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/shardmesh/router/pkg/chunk"
	"github.com/shardmesh/router/pkg/errs"
	bolt "go.etcd.io/bbolt"
)

// DatabaseDoc is the persisted record for one database in the "databases"
// configuration collection.
type DatabaseDoc struct {
	Name    string `json:"name"`
	Primary string `json:"primary"`
	Sharded bool   `json:"sharded"`
}

// CollectionDoc is the persisted record for one sharded collection. Epoch
// changes only when the collection is dropped and recreated.
type CollectionDoc struct {
	Namespace  string      `json:"namespace"`
	Epoch      chunk.Epoch `json:"epoch"`
	KeyPattern []string    `json:"keyPattern"`
}

// ShardDoc is the persisted record for one shard in the "shards"
// configuration collection.
type ShardDoc struct {
	ShardID string `json:"shardId"`
	Address string `json:"address"`
}

// chunkDocKey orders chunks of a namespace by their Min bound, so a prefix
// scan over one namespace yields them in key order.
func chunkDocKey(nss string, min chunk.Key) []byte {
	return []byte(nss + "\x00" + hex.EncodeToString(min))
}

func chunkDocPrefix(nss string) []byte {
	return []byte(nss + "\x00")
}

// PutDatabase upserts a database record.
func (s *Store) PutDatabase(doc DatabaseDoc) error {
	return s.putJSON(bucketDatabases, []byte(doc.Name), doc)
}

// GetDatabase returns the record for name, or errs.ErrNamespaceNotFound.
func (s *Store) GetDatabase(name string) (DatabaseDoc, error) {
	var doc DatabaseDoc
	found, err := s.getJSON(bucketDatabases, []byte(name), &doc)
	if err != nil {
		return DatabaseDoc{}, err
	}
	if !found {
		return DatabaseDoc{}, fmt.Errorf("storage: database %s: %w", name, errs.ErrNamespaceNotFound)
	}
	return doc, nil
}

// PutCollection upserts a sharded-collection record.
func (s *Store) PutCollection(doc CollectionDoc) error {
	return s.putJSON(bucketCollections, []byte(doc.Namespace), doc)
}

// GetCollection returns the record for nss and true, or false if nss has no
// sharded-collection record.
func (s *Store) GetCollection(nss string) (CollectionDoc, bool, error) {
	var doc CollectionDoc
	found, err := s.getJSON(bucketCollections, []byte(nss), &doc)
	return doc, found, err
}

// DropCollection removes a collection record together with every chunk it
// owns. PutCollection stores whatever epoch it is given; recreating the
// namespace through configsvr's CreateCollection mints a fresh epoch, which
// is what makes the old routing tables incomparable.
func (s *Store) DropCollection(nss string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketCollections).Delete([]byte(nss)); err != nil {
			return fmt.Errorf("storage: drop collection %s: %w", nss, err)
		}
		b := tx.Bucket(bucketChunks)
		c := b.Cursor()
		prefix := chunkDocPrefix(nss)
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("storage: drop collection %s: delete chunk: %w", nss, err)
			}
		}
		return nil
	})
}

// PutChunk upserts one chunk record, keyed by (namespace, min).
func (s *Store) PutChunk(c chunk.Chunk) error {
	return s.putJSON(bucketChunks, chunkDocKey(c.Namespace, c.Min), c)
}

// DeleteChunk removes the chunk record at (nss, min). Used when a chunk
// merge replaces two records with one wider one.
func (s *Store) DeleteChunk(nss string, min chunk.Key) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).Delete(chunkDocKey(nss, min))
	})
}

// ChunksFor returns every chunk of nss belonging to epoch, in Min order.
func (s *Store) ChunksFor(nss string, epoch chunk.Epoch) ([]chunk.Chunk, error) {
	return s.chunksWhere(nss, func(c chunk.Chunk) bool {
		return c.Version.Epoch == epoch
	})
}

// ChunksSince returns every chunk of nss in epoch whose version is greater
// than or equal to since. A zero since returns the whole epoch.
func (s *Store) ChunksSince(nss string, epoch chunk.Epoch, since chunk.Version) ([]chunk.Chunk, error) {
	return s.chunksWhere(nss, func(c chunk.Chunk) bool {
		return c.Version.Epoch == epoch && c.Version.GTE(since)
	})
}

func (s *Store) chunksWhere(nss string, keep func(chunk.Chunk) bool) ([]chunk.Chunk, error) {
	var out []chunk.Chunk
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketChunks).Cursor()
		prefix := chunkDocPrefix(nss)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ch chunk.Chunk
			if err := json.Unmarshal(v, &ch); err != nil {
				return fmt.Errorf("storage: decode chunk %s: %w", string(k), err)
			}
			if keep(ch) {
				out = append(out, ch)
			}
		}
		return nil
	})
	return out, err
}

// PutShard upserts a shard record.
func (s *Store) PutShard(doc ShardDoc) error {
	return s.putJSON(bucketShards, []byte(doc.ShardID), doc)
}

// RemoveShard deletes a shard record. Deleting an unknown shard is a no-op.
func (s *Store) RemoveShard(shardID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShards).Delete([]byte(shardID))
	})
}

// ListShards returns every shard record.
func (s *Store) ListShards() ([]ShardDoc, error) {
	var out []ShardDoc
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShards).ForEach(func(k, v []byte) error {
			var doc ShardDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("storage: decode shard %s: %w", string(k), err)
			}
			out = append(out, doc)
			return nil
		})
	})
	return out, err
}

// ConfigSnapshot is a point-in-time copy of every configuration collection,
// used by the raft FSM's snapshot/restore cycle.
type ConfigSnapshot struct {
	Databases   []DatabaseDoc   `json:"databases"`
	Collections []CollectionDoc `json:"collections"`
	Chunks      []chunk.Chunk   `json:"chunks"`
	Shards      []ShardDoc      `json:"shards"`
}

// ExportConfig reads every configuration collection in one view transaction.
func (s *Store) ExportConfig() (*ConfigSnapshot, error) {
	snap := &ConfigSnapshot{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDatabases).ForEach(func(_, v []byte) error {
			var doc DatabaseDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			snap.Databases = append(snap.Databases, doc)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketCollections).ForEach(func(_, v []byte) error {
			var doc CollectionDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			snap.Collections = append(snap.Collections, doc)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketChunks).ForEach(func(_, v []byte) error {
			var ch chunk.Chunk
			if err := json.Unmarshal(v, &ch); err != nil {
				return err
			}
			snap.Chunks = append(snap.Chunks, ch)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketShards).ForEach(func(_, v []byte) error {
			var doc ShardDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			snap.Shards = append(snap.Shards, doc)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("storage: export config: %w", err)
	}
	return snap, nil
}

// ImportConfig replaces every configuration collection with snap's contents.
func (s *Store) ImportConfig(snap *ConfigSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDatabases, bucketCollections, bucketChunks, bucketShards} {
			if err := tx.DeleteBucket(bucket); err != nil {
				return fmt.Errorf("storage: import config: clear bucket %s: %w", bucket, err)
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return fmt.Errorf("storage: import config: recreate bucket %s: %w", bucket, err)
			}
		}
		put := func(bucket, key []byte, v any) error {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			return tx.Bucket(bucket).Put(key, data)
		}
		for _, doc := range snap.Databases {
			if err := put(bucketDatabases, []byte(doc.Name), doc); err != nil {
				return err
			}
		}
		for _, doc := range snap.Collections {
			if err := put(bucketCollections, []byte(doc.Namespace), doc); err != nil {
				return err
			}
		}
		for _, ch := range snap.Chunks {
			if err := put(bucketChunks, chunkDocKey(ch.Namespace, ch.Min), ch); err != nil {
				return err
			}
		}
		for _, doc := range snap.Shards {
			if err := put(bucketShards, []byte(doc.ShardID), doc); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) putJSON(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *Store) getJSON(bucket, key []byte, v any) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	if err != nil {
		return false, fmt.Errorf("storage: decode %s/%s: %w", bucket, key, err)
	}
	return found, nil
}
