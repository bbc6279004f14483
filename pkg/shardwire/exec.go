package shardwire

import (
	"context"
	"errors"
	"fmt"

	"github.com/shardmesh/router/pkg/catalog"
	"github.com/shardmesh/router/pkg/log"
	"github.com/shardmesh/router/pkg/metrics"
	"github.com/shardmesh/router/pkg/router"
	"github.com/shardmesh/router/pkg/shardkey"
)

// maxStaleRetries bounds how many stale-version rounds one routed command
// survives before surfacing the stale error. Each round invalidates the
// cache and re-plans against the refreshed table, so repeated staleness
// means chunks are actively moving; five rounds outlasts any single
// migration without looping forever against a livelock.
const maxStaleRetries = 5

// Executor runs routed read commands: it resolves the routing table, fans
// the command out to the minimal shard set, and handles the
// stale-version-invalidate-retry cycle.
type Executor struct {
	cache *catalog.Cache
	pool  *Pool
}

// NewExecutor creates an Executor over cache and pool.
func NewExecutor(cache *catalog.Cache, pool *Pool) *Executor {
	return &Executor{cache: cache, pool: pool}
}

// Count returns the number of documents matching predicate across every
// shard the routing table says may hold them.
func (e *Executor) Count(ctx context.Context, nss string, predicate router.Predicate) (int64, error) {
	var total int64
	err := e.withStaleRetry(ctx, nss, predicate, func(rtr *router.Router, shards []string) error {
		total = 0
		for _, shardID := range shards {
			n, err := e.pool.Count(ctx, shardID, &CountRequest{
				Namespace:    nss,
				ShardVersion: rtr.GetShardVersion(shardID),
				Predicate:    predicate,
			})
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

// Find returns every document matching predicate, concatenated across the
// targeted shards in shard order.
func (e *Executor) Find(ctx context.Context, nss string, predicate router.Predicate, limit int64) ([]map[string]any, error) {
	var docs []map[string]any
	err := e.withStaleRetry(ctx, nss, predicate, func(rtr *router.Router, shards []string) error {
		docs = docs[:0]
		for _, shardID := range shards {
			out, err := e.pool.Find(ctx, shardID, &FindRequest{
				Namespace:    nss,
				ShardVersion: rtr.GetShardVersion(shardID),
				Predicate:    predicate,
				Limit:        limit,
			})
			if err != nil {
				return err
			}
			docs = append(docs, out...)
			if limit > 0 && int64(len(docs)) >= limit {
				docs = docs[:limit]
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// withStaleRetry resolves the routing table for nss, plans the shard set,
// and runs fn; a stale-version reply invalidates the cache entry and
// re-plans against the refreshed table, bounded by maxStaleRetries.
func (e *Executor) withStaleRetry(ctx context.Context, nss string, predicate router.Predicate, fn func(rtr *router.Router, shards []string) error) error {
	logger := log.WithComponent("executor")
	var lastErr error
	for attempt := 0; attempt <= maxStaleRetries; attempt++ {
		table, err := e.cache.GetCollectionRoutingInfo(ctx, nss)
		if err != nil {
			return err
		}
		rtr := router.New(table, shardkey.Pattern(table.KeyPattern))
		var shards []string
		if len(table.KeyPattern) == 0 {
			// Unsharded: one chunk anchored at the primary shard.
			shards = rtr.GetAllShards()
		} else {
			shards = rtr.GetShardsForQuery(predicate)
		}

		err = fn(rtr, shards)
		if err == nil {
			return nil
		}

		var stale *StaleConfigError
		if !errors.As(err, &stale) {
			return err
		}
		lastErr = err
		e.cache.InvalidateCollection(nss, stale.ShardVersion)
		metrics.StaleConfigRetriesTotal.Inc()
		logger.Debug().Str("nss", nss).Int("attempt", attempt).
			Str("shard_version", stale.ShardVersion.String()).
			Msg("stale shard version, refreshing and retrying")
	}
	return fmt.Errorf("shardwire: %s: retries exhausted: %w", nss, lastErr)
}
