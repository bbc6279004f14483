package configsvr

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/shardmesh/router/pkg/chunk"
	"github.com/shardmesh/router/pkg/errs"
	"github.com/shardmesh/router/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFSM(t *testing.T) (*FSM, *storage.Store) {
	t.Helper()
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewFSM(s), s
}

func applyCmd(t *testing.T, f *FSM, op string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	entry, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	resp := f.Apply(&raft.Log{Index: 1, Data: entry})
	if respErr, ok := resp.(error); ok {
		require.NoError(t, respErr)
	}
}

func testChunk(nss, shardID string, epoch chunk.Epoch, min, max chunk.Key, major uint64) chunk.Chunk {
	return chunk.Chunk{
		Namespace: nss,
		Min:       min,
		Max:       max,
		ShardID:   shardID,
		Version:   chunk.Version{Epoch: epoch, Major: major, Minor: 0, Timestamp: time.Now().UTC()},
	}
}

func TestFSMAppliesConfigWrites(t *testing.T) {
	f, store := newTestFSM(t)
	src := NewSource(store)
	ctx := context.Background()

	applyCmd(t, f, "put_database", storage.DatabaseDoc{Name: "orders", Primary: "shard-a", Sharded: true})
	applyCmd(t, f, "put_collection", storage.CollectionDoc{
		Namespace:  "orders.items",
		Epoch:      "epoch-1",
		KeyPattern: []string{"customerId"},
	})
	applyCmd(t, f, "put_chunk", testChunk("orders.items", "shard-a", "epoch-1", chunk.MinKey, chunk.MaxKey, 1))
	applyCmd(t, f, "put_shard", storage.ShardDoc{ShardID: "shard-a", Address: "127.0.0.1:27018"})

	db, err := src.GetDatabase(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "shard-a", db.Primary)
	assert.True(t, db.Sharded)

	rec, sharded, err := src.GetCollection(ctx, "orders.items")
	require.NoError(t, err)
	require.True(t, sharded)
	assert.Equal(t, chunk.Epoch("epoch-1"), rec.Epoch)
	assert.Equal(t, []string{"customerId"}, rec.KeyPattern)

	chunks, err := src.ChunksForEpoch(ctx, "orders.items", "epoch-1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "shard-a", chunks[0].ShardID)

	shards, err := src.ListShards(ctx)
	require.NoError(t, err)
	require.Len(t, shards, 1)
	assert.Equal(t, "127.0.0.1:27018", shards[0].Address)
}

func TestFSMUnknownDatabase(t *testing.T) {
	_, store := newTestFSM(t)
	src := NewSource(store)

	_, err := src.GetDatabase(context.Background(), "nope")
	assert.ErrorIs(t, err, errs.ErrNamespaceNotFound)
}

func TestFSMDropCollectionRemovesChunks(t *testing.T) {
	f, store := newTestFSM(t)
	src := NewSource(store)
	ctx := context.Background()

	applyCmd(t, f, "put_collection", storage.CollectionDoc{Namespace: "orders.items", Epoch: "epoch-1"})
	applyCmd(t, f, "put_chunk", testChunk("orders.items", "shard-a", "epoch-1", chunk.MinKey, chunk.MaxKey, 1))
	applyCmd(t, f, "put_chunk", testChunk("orders.archive", "shard-b", "epoch-x", chunk.MinKey, chunk.MaxKey, 1))

	applyCmd(t, f, "drop_collection", "orders.items")

	_, sharded, err := src.GetCollection(ctx, "orders.items")
	require.NoError(t, err)
	assert.False(t, sharded)

	chunks, err := src.ChunksForEpoch(ctx, "orders.items", "epoch-1")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	// A sibling namespace's chunks must survive the drop.
	other, err := src.ChunksForEpoch(ctx, "orders.archive", "epoch-x")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestFSMChunksSinceFiltersByVersion(t *testing.T) {
	f, store := newTestFSM(t)
	src := NewSource(store)
	ctx := context.Background()

	mid := chunk.Key{0x40}
	applyCmd(t, f, "put_chunk", testChunk("orders.items", "shard-a", "epoch-1", chunk.MinKey, mid, 3))
	applyCmd(t, f, "put_chunk", testChunk("orders.items", "shard-b", "epoch-1", mid, chunk.MaxKey, 5))

	fresh, err := src.ChunksSince(ctx, "orders.items", "epoch-1", chunk.Version{Epoch: "epoch-1", Major: 4})
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "shard-b", fresh[0].ShardID)

	// A zero since returns the whole epoch.
	all, err := src.ChunksSince(ctx, "orders.items", "epoch-1", chunk.Version{Epoch: "epoch-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFSMRemoveShard(t *testing.T) {
	f, store := newTestFSM(t)
	src := NewSource(store)

	applyCmd(t, f, "put_shard", storage.ShardDoc{ShardID: "shard-a", Address: "a:1"})
	applyCmd(t, f, "put_shard", storage.ShardDoc{ShardID: "shard-b", Address: "b:1"})
	applyCmd(t, f, "remove_shard", "shard-a")

	shards, err := src.ListShards(context.Background())
	require.NoError(t, err)
	require.Len(t, shards, 1)
	assert.Equal(t, "shard-b", shards[0].ShardID)
}

func TestFSMUnknownCommand(t *testing.T) {
	f, _ := newTestFSM(t)
	entry, err := json.Marshal(Command{Op: "explode"})
	require.NoError(t, err)
	resp := f.Apply(&raft.Log{Index: 1, Data: entry})
	respErr, ok := resp.(error)
	require.True(t, ok)
	assert.Error(t, respErr)
}

// nopSnapshotSink buffers a snapshot in memory for the round-trip test.
type nopSnapshotSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *nopSnapshotSink) ID() string    { return "test" }
func (s *nopSnapshotSink) Cancel() error { s.cancelled = true; return nil }
func (s *nopSnapshotSink) Close() error  { return nil }

func TestFSMSnapshotRestoreRoundTrip(t *testing.T) {
	f, _ := newTestFSM(t)
	applyCmd(t, f, "put_database", storage.DatabaseDoc{Name: "orders", Primary: "shard-a", Sharded: true})
	applyCmd(t, f, "put_collection", storage.CollectionDoc{Namespace: "orders.items", Epoch: "epoch-1", KeyPattern: []string{"customerId"}})
	applyCmd(t, f, "put_chunk", testChunk("orders.items", "shard-a", "epoch-1", chunk.MinKey, chunk.MaxKey, 1))
	applyCmd(t, f, "put_shard", storage.ShardDoc{ShardID: "shard-a", Address: "a:1"})

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &nopSnapshotSink{}
	require.NoError(t, snap.Persist(sink))
	assert.False(t, sink.cancelled)

	restored, restoredStore := newTestFSM(t)
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	src := NewSource(restoredStore)
	ctx := context.Background()
	db, err := src.GetDatabase(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "shard-a", db.Primary)

	chunks, err := src.ChunksForEpoch(ctx, "orders.items", "epoch-1")
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}
