package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmesh/router/pkg/chunk"
	"github.com/shardmesh/router/pkg/errs"
	"github.com/shardmesh/router/pkg/shardkey"
)

// buildTable shards the "customerId" key space into three chunks at the
// boundary customer ids 100 and 200, owned by shard-a, shard-b, shard-a.
func buildTable(t *testing.T) (*chunk.RoutingTable, shardkey.Pattern) {
	t.Helper()
	pattern := shardkey.Pattern{"customerId"}
	b100 := pattern.ExtractKey(shardkey.Document{"customerId": float64(100)})
	b200 := pattern.ExtractKey(shardkey.Document{"customerId": float64(200)})

	idx := chunk.NewIndex([]chunk.Chunk{
		{Namespace: "app.orders", Min: chunk.MinKey, Max: b100, ShardID: "shard-a", Version: chunk.Version{Major: 1, Minor: 0}},
		{Namespace: "app.orders", Min: b100, Max: b200, ShardID: "shard-b", Version: chunk.Version{Major: 1, Minor: 1}},
		{Namespace: "app.orders", Min: b200, Max: chunk.MaxKey, ShardID: "shard-a", Version: chunk.Version{Major: 1, Minor: 2}},
	})
	require.NoError(t, idx.ValidatePartition())

	return &chunk.RoutingTable{
		Namespace:  "app.orders",
		KeyPattern: pattern,
		Index:      idx,
		Version:    chunk.Version{Major: 1, Minor: 2},
	}, pattern
}

func TestGetShardsForQueryEquality(t *testing.T) {
	table, pattern := buildTable(t)
	r := New(table, pattern)

	shards := r.GetShardsForQuery(Predicate{
		"customerId": EqualTo(float64(50)),
	})
	assert.Equal(t, []string{"shard-a"}, shards)

	shards = r.GetShardsForQuery(Predicate{
		"customerId": EqualTo(float64(150)),
	})
	assert.Equal(t, []string{"shard-b"}, shards)
}

func TestFindChunkMatchesEqualityRouting(t *testing.T) {
	table, pattern := buildTable(t)
	r := New(table, pattern)

	c, err := r.FindChunk(shardkey.Document{"customerId": float64(250)})
	require.NoError(t, err)
	assert.Equal(t, "shard-a", c.ShardID)

	shards := r.GetShardsForQuery(Predicate{"customerId": EqualTo(float64(250))})
	require.Len(t, shards, 1)
	assert.Equal(t, c.ShardID, shards[0])
}

func TestGetShardsForQueryRange(t *testing.T) {
	table, pattern := buildTable(t)
	r := New(table, pattern)

	// [50, 150] straddles the shard-a/shard-b boundary at 100: both owners
	// must be returned.
	shards := r.GetShardsForQuery(Predicate{
		"customerId": InRange(float64(50), true, float64(150), true),
	})
	assert.ElementsMatch(t, []string{"shard-a", "shard-b"}, shards)
}

func TestGetShardsForQueryRangeSingleChunk(t *testing.T) {
	table, pattern := buildTable(t)
	r := New(table, pattern)

	shards := r.GetShardsForQuery(Predicate{
		"customerId": InRange(float64(110), true, float64(120), true),
	})
	assert.Equal(t, []string{"shard-b"}, shards)
}

func TestGetShardsForQueryUnconstrainedBroadcasts(t *testing.T) {
	table, pattern := buildTable(t)
	r := New(table, pattern)

	shards := r.GetShardsForQuery(Predicate{})
	assert.ElementsMatch(t, []string{"shard-a", "shard-b"}, shards)
}

func TestFindChunkMissingKeyFails(t *testing.T) {
	table, pattern := buildTable(t)
	r := New(table, pattern)

	// An empty document does not fully specify the shard key, so FindChunk
	// refuses it rather than routing its null projection.
	_, err := r.FindChunk(shardkey.Document{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrShardKeyNotFound)
}

func TestGetVersionAndShardVersion(t *testing.T) {
	table, pattern := buildTable(t)
	r := New(table, pattern)

	assert.Equal(t, chunk.Version{Major: 1, Minor: 2}, r.GetVersion())
	assert.Equal(t, uint64(2), r.GetShardVersion("shard-a").Minor)
	assert.Equal(t, uint64(1), r.GetShardVersion("shard-b").Minor)
	assert.True(t, r.GetShardVersion("shard-c").Zero())
}

func TestGetAllShards(t *testing.T) {
	table, pattern := buildTable(t)
	r := New(table, pattern)
	assert.ElementsMatch(t, []string{"shard-a", "shard-b"}, r.GetAllShards())
}
