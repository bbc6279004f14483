package configsvr

import (
	"context"

	"github.com/shardmesh/router/pkg/catalog"
	"github.com/shardmesh/router/pkg/chunk"
	"github.com/shardmesh/router/pkg/registry"
	"github.com/shardmesh/router/pkg/storage"
)

// Source reads the configuration collections from the local replicated
// store. It satisfies both catalog.ConfigSource and registry.ConfigSource,
// so one Source feeds the catalog cache and the shard registry.
//
// Reads never touch raft: every member holds a full copy of the applied
// state, and the catalog cache's staleness handling already covers the
// window where a follower lags the leader.
type Source struct {
	store *storage.Store
}

// NewSource creates a Source over store.
func NewSource(store *storage.Store) *Source {
	return &Source{store: store}
}

// GetDatabase implements catalog.ConfigSource.
func (s *Source) GetDatabase(_ context.Context, dbName string) (catalog.DatabaseRouting, error) {
	doc, err := s.store.GetDatabase(dbName)
	if err != nil {
		return catalog.DatabaseRouting{}, err
	}
	return catalog.DatabaseRouting{
		Name:    doc.Name,
		Primary: doc.Primary,
		Sharded: doc.Sharded,
	}, nil
}

// GetCollection implements catalog.ConfigSource.
func (s *Source) GetCollection(_ context.Context, nss string) (catalog.CollectionRecord, bool, error) {
	doc, found, err := s.store.GetCollection(nss)
	if err != nil || !found {
		return catalog.CollectionRecord{}, false, err
	}
	return catalog.CollectionRecord{
		Namespace:  doc.Namespace,
		Epoch:      doc.Epoch,
		KeyPattern: doc.KeyPattern,
	}, true, nil
}

// ChunksForEpoch implements catalog.ConfigSource.
func (s *Source) ChunksForEpoch(_ context.Context, nss string, epoch chunk.Epoch) ([]chunk.Chunk, error) {
	return s.store.ChunksFor(nss, epoch)
}

// ChunksSince implements catalog.ConfigSource.
func (s *Source) ChunksSince(_ context.Context, nss string, epoch chunk.Epoch, since chunk.Version) ([]chunk.Chunk, error) {
	return s.store.ChunksSince(nss, epoch, since)
}

// ListShards implements registry.ConfigSource.
func (s *Source) ListShards(_ context.Context) ([]registry.Descriptor, error) {
	docs, err := s.store.ListShards()
	if err != nil {
		return nil, err
	}
	out := make([]registry.Descriptor, 0, len(docs))
	for _, d := range docs {
		out = append(out, registry.Descriptor{ShardID: d.ShardID, Address: d.Address})
	}
	return out, nil
}
