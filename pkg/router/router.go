package router

import (
	"fmt"
	"strings"

	"github.com/shardmesh/router/pkg/chunk"
	"github.com/shardmesh/router/pkg/errs"
	"github.com/shardmesh/router/pkg/metrics"
	"github.com/shardmesh/router/pkg/shardkey"
)

// FieldConstraint describes how a predicate constrains one shard-key
// field: pinned to an exact value, bounded by an inclusive range, or left
// unconstrained (the zero value).
type FieldConstraint struct {
	Eq     any
	HasEq  bool
	Min    any
	HasMin bool
	Max    any
	HasMax bool
}

// EqualTo builds a constraint pinning a field to value.
func EqualTo(value any) FieldConstraint {
	return FieldConstraint{Eq: value, HasEq: true}
}

// InRange builds a constraint bounding a field to [min, max], either end
// of which may be left unset by the caller to mean "open".
func InRange(min any, hasMin bool, max any, hasMax bool) FieldConstraint {
	return FieldConstraint{Min: min, HasMin: hasMin, Max: max, HasMax: hasMax}
}

// Predicate constrains zero or more shard-key fields by dotted path. A
// field absent from the map is unconstrained.
type Predicate map[string]FieldConstraint

// Router answers routing questions against one immutable routing-table
// snapshot. It performs no I/O and never mutates the table it wraps;
// construct a fresh Router whenever the catalog cache hands back a new
// snapshot.
type Router struct {
	table   *chunk.RoutingTable
	pattern shardkey.Pattern
}

// New builds a Router over table using pattern to interpret predicates.
// pattern is normally table.KeyPattern; it is accepted as a separate
// argument so callers can exercise the router against fixture tables that
// don't bother filling KeyPattern in.
func New(table *chunk.RoutingTable, pattern shardkey.Pattern) *Router {
	return &Router{table: table, pattern: pattern}
}

// FindChunk returns the chunk owning an exact shard-key value. value must
// supply every field the router's pattern names; callers that only have a
// partial predicate should use GetShardsForQuery instead. A value missing
// any of those fields fails with errs.ErrShardKeyNotFound.
func (r *Router) FindChunk(value shardkey.Document) (chunk.Chunk, error) {
	for _, field := range r.pattern {
		var cur any = value
		for _, seg := range strings.Split(field, ".") {
			m, _ := cur.(shardkey.Document)
			if mm, ok := cur.(map[string]any); ok {
				m = mm
			}
			v, ok := m[seg]
			if !ok {
				return chunk.Chunk{}, fmt.Errorf("router: find chunk: field %q: %w", field, errs.ErrShardKeyNotFound)
			}
			cur = v
		}
	}
	key := r.pattern.ExtractKey(value)
	c, ok := r.table.Index.Find(key)
	if !ok {
		return chunk.Chunk{}, fmt.Errorf("router: find chunk: %w", errs.ErrShardKeyNotFound)
	}
	return c, nil
}

// GetShardsForQuery returns the minimal shard set that may own documents
// matching predicate:
//   - if predicate equality-constrains every shard-key field, the single
//     chunk owner for that exact value;
//   - if predicate equality-constrains a prefix of the pattern and ranges
//     over the next field, the union of owners of chunks intersecting that
//     range;
//   - otherwise, every shard that owns any chunk of the collection.
//
// A predicate straddling a chunk boundary is resolved by Index.Range, which
// includes the higher-max chunk on a tie.
func (r *Router) GetShardsForQuery(predicate Predicate) []string {
	eqPrefixLen, eq := r.equalityPrefix(predicate)

	if eqPrefixLen == len(r.pattern) {
		metrics.RoutingDecisionsTotal.WithLabelValues("single-chunk").Inc()
		c, ok := r.table.Index.Find(r.pattern.ExtractKey(eq))
		if !ok {
			return nil
		}
		return []string{c.ShardID}
	}

	if eqPrefixLen < len(r.pattern) {
		rangeField := r.pattern[eqPrefixLen]
		if c, ok := predicate[rangeField]; ok && (c.HasMin || c.HasMax) {
			lo, hi := r.pattern.ExtractRangeBounds(eq, rangeField, c.Min, c.HasMin, c.Max, c.HasMax)
			metrics.RoutingDecisionsTotal.WithLabelValues("range").Inc()
			return r.table.ShardsForRange(lo, hi)
		}
	}

	metrics.RoutingDecisionsTotal.WithLabelValues("broadcast").Inc()
	return r.table.AllShards()
}

// equalityPrefix returns the length of the longest prefix of the pattern
// that predicate equality-constrains, and the equality values collected
// along that prefix.
func (r *Router) equalityPrefix(predicate Predicate) (int, shardkey.Document) {
	eq := make(shardkey.Document, len(r.pattern))
	n := 0
	for _, field := range r.pattern {
		c, ok := predicate[field]
		if !ok || !c.HasEq {
			break
		}
		eq[field] = c.Eq
		n++
	}
	return n, eq
}

// GetAllShards returns the union of shard owners across every chunk of the
// collection.
func (r *Router) GetAllShards() []string {
	return r.table.AllShards()
}

// GetVersion returns the collection version, used to stamp outbound
// requests with shardVersion for staleness detection.
func (r *Router) GetVersion() chunk.Version {
	return r.table.Version
}

// GetShardVersion returns the maximum chunk version among chunks owned by
// shardID in this snapshot, or the epoch's zero version if the shard owns
// nothing here.
func (r *Router) GetShardVersion(shardID string) chunk.Version {
	v := chunk.Version{Epoch: r.table.Version.Epoch}
	for _, c := range r.table.Index.All() {
		if c.ShardID != shardID {
			continue
		}
		if v.Less(c.Version) {
			v = c.Version
		}
	}
	return v
}
