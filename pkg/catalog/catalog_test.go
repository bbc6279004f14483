package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shardmesh/router/pkg/chunk"
	"github.com/shardmesh/router/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is an in-memory configuration store with call counters and an
// optional gate to hold a refresh open mid-flight.
type fakeSource struct {
	mu          sync.Mutex
	databases   map[string]DatabaseRouting
	collections map[string]CollectionRecord
	chunks      []chunk.Chunk

	fullLoads  int
	sinceLoads int
	gate       chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		databases:   make(map[string]DatabaseRouting),
		collections: make(map[string]CollectionRecord),
	}
}

func (f *fakeSource) GetDatabase(_ context.Context, dbName string) (DatabaseRouting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	db, ok := f.databases[dbName]
	if !ok {
		return DatabaseRouting{}, errs.ErrNamespaceNotFound
	}
	return db, nil
}

func (f *fakeSource) GetCollection(_ context.Context, nss string) (CollectionRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.collections[nss]
	return rec, ok, nil
}

func (f *fakeSource) ChunksForEpoch(_ context.Context, nss string, epoch chunk.Epoch) ([]chunk.Chunk, error) {
	f.mu.Lock()
	gate := f.gate
	f.fullLoads++
	out := f.chunksLocked(nss, epoch, chunk.Version{Epoch: epoch})
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return out, nil
}

func (f *fakeSource) ChunksSince(_ context.Context, nss string, epoch chunk.Epoch, since chunk.Version) ([]chunk.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceLoads++
	return f.chunksLocked(nss, epoch, since), nil
}

func (f *fakeSource) chunksLocked(nss string, epoch chunk.Epoch, since chunk.Version) []chunk.Chunk {
	var out []chunk.Chunk
	for _, c := range f.chunks {
		if c.Namespace != nss || c.Version.Epoch != epoch {
			continue
		}
		if c.Version.GTE(since) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSource) setChunks(cs ...chunk.Chunk) {
	f.mu.Lock()
	f.chunks = cs
	f.mu.Unlock()
}

const epoch1 = chunk.Epoch("epoch-1")

func seedSharded(f *fakeSource) {
	f.databases["orders"] = DatabaseRouting{Name: "orders", Primary: "shard-a", Sharded: true}
	f.collections["orders.items"] = CollectionRecord{
		Namespace:  "orders.items",
		Epoch:      epoch1,
		KeyPattern: []string{"customerId"},
	}
	f.setChunks(chunk.Chunk{
		Namespace: "orders.items", Min: chunk.MinKey, Max: chunk.MaxKey, ShardID: "shard-a",
		Version: chunk.Version{Epoch: epoch1, Major: 3, Minor: 1},
	})
}

func TestGetCollectionRoutingInfoFullLoad(t *testing.T) {
	source := newFakeSource()
	seedSharded(source)
	cache := New(source)

	table, err := cache.GetCollectionRoutingInfo(context.Background(), "orders.items")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), table.Version.Major)
	assert.Equal(t, epoch1, table.Version.Epoch)
	assert.Equal(t, []string{"customerId"}, table.KeyPattern)
	require.NoError(t, table.Index.ValidatePartition())
}

func TestGetDatabaseMissing(t *testing.T) {
	cache := New(newFakeSource())
	_, err := cache.GetDatabase(context.Background(), "nope")
	assert.ErrorIs(t, err, errs.ErrNamespaceNotFound)
}

func TestUnshardedCollectionAnchorsAtPrimary(t *testing.T) {
	source := newFakeSource()
	source.databases["orders"] = DatabaseRouting{Name: "orders", Primary: "shard-p", Sharded: true}
	cache := New(source)

	table, err := cache.GetCollectionRoutingInfo(context.Background(), "orders.unsharded")
	require.NoError(t, err)
	assert.Empty(t, table.KeyPattern)
	assert.Equal(t, []string{"shard-p"}, table.AllShards())
}

func TestConcurrentGetsCoalesceToOneRefresh(t *testing.T) {
	source := newFakeSource()
	seedSharded(source)
	source.gate = make(chan struct{})
	cache := New(source)

	const n = 16
	tables := make([]*chunk.RoutingTable, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			table, err := cache.GetCollectionRoutingInfo(context.Background(), "orders.items")
			assert.NoError(t, err)
			tables[i] = table
		}(i)
	}

	// Let every caller either start the refresh or subscribe to it, then
	// release the single in-flight load.
	time.Sleep(50 * time.Millisecond)
	close(source.gate)
	wg.Wait()

	source.mu.Lock()
	assert.Equal(t, 1, source.fullLoads, "all callers must share one refresh")
	source.mu.Unlock()

	for i := 1; i < n; i++ {
		assert.Same(t, tables[0], tables[i], "all callers must observe the same snapshot")
	}
}

func TestInvalidateTriggersIncrementalRefresh(t *testing.T) {
	source := newFakeSource()
	seedSharded(source)
	cache := New(source)

	t1, err := cache.GetCollectionRoutingInfo(context.Background(), "orders.items")
	require.NoError(t, err)

	// A migration split the chunk and bumped the version to (4,0).
	mid := chunk.Key{0x40}
	source.setChunks(
		chunk.Chunk{
			Namespace: "orders.items", Min: chunk.MinKey, Max: mid, ShardID: "shard-b",
			Version: chunk.Version{Epoch: epoch1, Major: 4, Minor: 0},
		},
		chunk.Chunk{
			Namespace: "orders.items", Min: mid, Max: chunk.MaxKey, ShardID: "shard-a",
			Version: chunk.Version{Epoch: epoch1, Major: 3, Minor: 1},
		},
	)
	cache.InvalidateCollection("orders.items", chunk.Version{Epoch: epoch1, Major: 4})

	t2, err := cache.GetCollectionRoutingInfo(context.Background(), "orders.items")
	require.NoError(t, err)

	// Monotone within the epoch: v2 >= v1.
	assert.Equal(t, t1.Version.Epoch, t2.Version.Epoch)
	assert.True(t, t2.Version.GTE(t1.Version))
	assert.Equal(t, uint64(4), t2.Version.Major)
	assert.Equal(t, 2, t2.Index.Len())
	require.NoError(t, t2.Index.ValidatePartition())

	source.mu.Lock()
	assert.Equal(t, 1, source.fullLoads, "second refresh must be differential")
	assert.GreaterOrEqual(t, source.sinceLoads, 1)
	source.mu.Unlock()
}

func TestEpochChangeForcesFullReload(t *testing.T) {
	source := newFakeSource()
	seedSharded(source)
	cache := New(source)

	_, err := cache.GetCollectionRoutingInfo(context.Background(), "orders.items")
	require.NoError(t, err)

	// Drop and recreate: new epoch, fresh chunk history.
	const epoch2 = chunk.Epoch("epoch-2")
	source.mu.Lock()
	source.collections["orders.items"] = CollectionRecord{
		Namespace:  "orders.items",
		Epoch:      epoch2,
		KeyPattern: []string{"customerId"},
	}
	source.mu.Unlock()
	source.setChunks(chunk.Chunk{
		Namespace: "orders.items", Min: chunk.MinKey, Max: chunk.MaxKey, ShardID: "shard-c",
		Version: chunk.Version{Epoch: epoch2, Major: 1, Minor: 0},
	})
	cache.InvalidateCollection("orders.items", chunk.Version{Epoch: epoch2, Major: 1})

	table, err := cache.GetCollectionRoutingInfo(context.Background(), "orders.items")
	require.NoError(t, err)
	assert.Equal(t, epoch2, table.Version.Epoch)
	assert.Equal(t, []string{"shard-c"}, table.AllShards())

	source.mu.Lock()
	assert.Equal(t, 2, source.fullLoads, "epoch rollover discards the cached table")
	source.mu.Unlock()
}

func TestCachedTableServedWithoutRefresh(t *testing.T) {
	source := newFakeSource()
	seedSharded(source)
	cache := New(source)

	_, err := cache.GetCollectionRoutingInfo(context.Background(), "orders.items")
	require.NoError(t, err)
	_, err = cache.GetCollectionRoutingInfo(context.Background(), "orders.items")
	require.NoError(t, err)

	source.mu.Lock()
	assert.Equal(t, 1, source.fullLoads)
	assert.Equal(t, 0, source.sinceLoads)
	source.mu.Unlock()
}

func TestPartitionViolationSurfacesConflict(t *testing.T) {
	source := newFakeSource()
	seedSharded(source)
	cache := New(source)

	_, err := cache.GetCollectionRoutingInfo(context.Background(), "orders.items")
	require.NoError(t, err)

	// The differential query persistently returns a chunk that overlaps
	// the cached one but leaves a gap at the low end of the key space, as
	// a concurrent drop/recreate would.
	source.setChunks(chunk.Chunk{
		Namespace: "orders.items", Min: chunk.Key{0x20}, Max: chunk.MaxKey, ShardID: "shard-a",
		Version: chunk.Version{Epoch: epoch1, Major: 5, Minor: 0},
	})
	cache.InvalidateCollection("orders.items", chunk.Version{Epoch: epoch1, Major: 5})

	_, err = cache.GetCollectionRoutingInfo(context.Background(), "orders.items")
	assert.ErrorIs(t, err, errs.ErrConflictingOperationInProgress)
}

func TestCancelledWaiterGetsInterrupted(t *testing.T) {
	source := newFakeSource()
	seedSharded(source)
	source.gate = make(chan struct{})
	cache := New(source)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := cache.GetCollectionRoutingInfo(ctx, "orders.items")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	err := <-errCh
	assert.ErrorIs(t, err, errs.ErrInterrupted)

	// The refresh itself keeps running for other waiters; release it and
	// confirm the table lands for a fresh caller.
	close(source.gate)
	table, err := cache.GetCollectionRoutingInfo(context.Background(), "orders.items")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), table.Version.Major)
}
