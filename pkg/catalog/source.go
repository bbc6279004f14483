package catalog

import (
	"context"

	"github.com/shardmesh/router/pkg/chunk"
)

// DatabaseRouting is the cached record for a database: its primary shard
// and whether sharding is enabled for it at all.
type DatabaseRouting struct {
	Name    string
	Primary string
	Sharded bool
}

// CollectionRecord is the configuration record for a sharded collection,
// as read from the "collections" configuration collection.
type CollectionRecord struct {
	Namespace  string
	Epoch      chunk.Epoch
	KeyPattern []string
}

// ConfigSource is the narrow read-only interface the catalog cache needs
// against the "databases", "collections", and "chunks" configuration
// collections. Production wiring wraps pkg/configsvr's raft-replicated
// store; tests supply an in-memory fake.
//
// Implementations should wrap transient failures (dial timeouts,
// connection resets) in errs.ErrTransient so the cache's retry loop can
// tell them apart from terminal failures like errs.ErrNamespaceNotFound.
type ConfigSource interface {
	// GetDatabase returns the routing record for dbName, or
	// errs.ErrNamespaceNotFound if no such database is configured.
	GetDatabase(ctx context.Context, dbName string) (DatabaseRouting, error)

	// GetCollection returns the collection's sharding record and true, or
	// false if the collection is unsharded (or doesn't exist as a
	// sharded collection at all).
	GetCollection(ctx context.Context, nss string) (CollectionRecord, bool, error)

	// ChunksForEpoch returns every chunk of nss belonging to epoch, used
	// for a full load.
	ChunksForEpoch(ctx context.Context, nss string, epoch chunk.Epoch) ([]chunk.Chunk, error)

	// ChunksSince returns every chunk of nss in epoch whose version is
	// greater than or equal to since, used for an incremental load. A
	// zero since means "every chunk of the epoch", the same as
	// ChunksForEpoch. The catalog cache handles an epoch rollover with a
	// full load through ChunksForEpoch, not through this method.
	ChunksSince(ctx context.Context, nss string, epoch chunk.Epoch, since chunk.Version) ([]chunk.Chunk, error)
}
