package chunk

// RoutingTable is the catalog cache's unit of storage for one namespace: a
// shard-key pattern, the chunk index it governs, and the collection version
// that index was built from.
type RoutingTable struct {
	Namespace  string
	KeyPattern []string
	Index      *Index
	Version    Version
}

// ShardsForRange returns the distinct shard IDs owning any chunk overlapping
// [min, max), in no particular order.
func (rt *RoutingTable) ShardsForRange(min, max Key) []string {
	seen := make(map[string]struct{})
	var shards []string
	for _, c := range rt.Index.Range(min, max) {
		if _, ok := seen[c.ShardID]; ok {
			continue
		}
		seen[c.ShardID] = struct{}{}
		shards = append(shards, c.ShardID)
	}
	return shards
}

// AllShards returns the distinct shard IDs owning at least one chunk of the
// collection.
func (rt *RoutingTable) AllShards() []string {
	return rt.ShardsForRange(MinKey, MaxKey)
}
