package catalog

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shardmesh/router/pkg/chunk"
	"github.com/shardmesh/router/pkg/errs"
	"github.com/shardmesh/router/pkg/log"
	"github.com/shardmesh/router/pkg/metrics"
)

// maxPartitionRetries bounds how many times an incremental refresh retries
// its differential query before surfacing ConflictingOperationInProgress.
const maxPartitionRetries = 3

// maxTransportRetries bounds how many times a single source call is
// retried after a transient transport error before giving up.
const maxTransportRetries = 5

// Cache is the process-wide catalog cache. One instance is normally shared
// by every command handler in the process: it doesn't have to be a
// singleton, but every caller in a process should resolve to the same
// instance so refreshes coalesce.
type Cache struct {
	source ConfigSource

	mu    sync.Mutex // guards dbs/colls maps themselves, not an entry's contents
	dbs   map[string]*dbEntry
	colls map[string]*collEntry
}

// New creates a Cache backed by source. It starts empty; every namespace is
// loaded lazily on first Get.
func New(source ConfigSource) *Cache {
	return &Cache{
		source: source,
		dbs:    make(map[string]*dbEntry),
		colls:  make(map[string]*collEntry),
	}
}

type dbEntry struct {
	mu       sync.Mutex
	routing  DatabaseRouting
	loaded   bool
	stale    bool
	inFlight *dbFuture
}

type dbFuture struct {
	done   chan struct{}
	result DatabaseRouting
	err    error
}

type collEntry struct {
	mu       sync.Mutex
	table    *chunk.RoutingTable
	stale    bool
	inFlight *collFuture
}

type collFuture struct {
	done   chan struct{}
	result *chunk.RoutingTable
	err    error
}

func (c *Cache) dbEntryFor(dbName string) *dbEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.dbs[dbName]
	if !ok {
		e = &dbEntry{}
		c.dbs[dbName] = e
	}
	return e
}

func (c *Cache) collEntryFor(nss string) *collEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.colls[nss]
	if !ok {
		e = &collEntry{}
		c.colls[nss] = e
	}
	return e
}

// GetDatabase returns the routing record for dbName, refreshing from the
// configuration source if it isn't cached or has been invalidated.
func (c *Cache) GetDatabase(ctx context.Context, dbName string) (DatabaseRouting, error) {
	e := c.dbEntryFor(dbName)

	e.mu.Lock()
	if e.loaded && !e.stale {
		r := e.routing
		e.mu.Unlock()
		return r, nil
	}
	fut := e.inFlight
	if fut == nil {
		fut = &dbFuture{done: make(chan struct{})}
		e.inFlight = fut
		go c.runDBRefresh(dbName, e, fut)
	} else {
		metrics.CatalogCoalescedWaiters.Inc()
	}
	e.mu.Unlock()

	select {
	case <-fut.done:
		return fut.result, fut.err
	case <-ctx.Done():
		return DatabaseRouting{}, fmt.Errorf("catalog: get database %s: %w", dbName, errs.ErrInterrupted)
	}
}

// runDBRefresh performs the actual database lookup without holding e's
// lock, then merges the result back under lock and wakes every waiter.
// It runs detached from any one caller's context: cancelling one caller's
// request must not abort the refresh for every other coalesced waiter.
func (c *Cache) runDBRefresh(dbName string, e *dbEntry, fut *dbFuture) {
	timer := metrics.NewTimer()
	routing, err := c.loadDatabase(context.Background(), dbName)
	timer.ObserveDurationVec(metrics.CatalogRefreshDuration, "database")

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.CatalogRefreshesTotal.WithLabelValues("database", outcome).Inc()

	e.mu.Lock()
	fut.result = routing
	fut.err = err
	if err == nil {
		e.routing = routing
		e.loaded = true
		e.stale = false
	}
	e.inFlight = nil
	e.mu.Unlock()
	close(fut.done)
}

func (c *Cache) loadDatabase(ctx context.Context, dbName string) (DatabaseRouting, error) {
	var routing DatabaseRouting
	err := withRetry(ctx, maxTransportRetries, func() error {
		r, err := c.source.GetDatabase(ctx, dbName)
		if err != nil {
			return err
		}
		routing = r
		return nil
	})
	if err != nil {
		return DatabaseRouting{}, fmt.Errorf("catalog: load database %s: %w", dbName, err)
	}
	return routing, nil
}

// InvalidateDatabase marks dbName's cached record stale. A subsequent
// GetDatabase forces a refresh.
func (c *Cache) InvalidateDatabase(dbName string) {
	e := c.dbEntryFor(dbName)
	e.mu.Lock()
	e.stale = true
	e.mu.Unlock()
}

// GetCollectionRoutingInfo returns the current routing table for nss,
// refreshing it if none is cached or the cached entry is stale.
func (c *Cache) GetCollectionRoutingInfo(ctx context.Context, nss string) (*chunk.RoutingTable, error) {
	e := c.collEntryFor(nss)

	e.mu.Lock()
	if e.table != nil && !e.stale {
		t := e.table
		e.mu.Unlock()
		return t, nil
	}
	fut := e.inFlight
	if fut == nil {
		fut = &collFuture{done: make(chan struct{})}
		e.inFlight = fut
		go c.runCollRefresh(nss, e, fut)
	} else {
		metrics.CatalogCoalescedWaiters.Inc()
	}
	e.mu.Unlock()

	select {
	case <-fut.done:
		return fut.result, fut.err
	case <-ctx.Done():
		return nil, fmt.Errorf("catalog: get routing info %s: %w", nss, errs.ErrInterrupted)
	}
}

func (c *Cache) runCollRefresh(nss string, e *collEntry, fut *collFuture) {
	e.mu.Lock()
	existing := e.table
	e.mu.Unlock()

	timer := metrics.NewTimer()
	kind := "full"
	if existing != nil {
		kind = "incremental"
	}

	table, err := c.refresh(context.Background(), nss, existing)

	timer.ObserveDurationVec(metrics.CatalogRefreshDuration, kind)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.CatalogRefreshesTotal.WithLabelValues(kind, outcome).Inc()

	e.mu.Lock()
	fut.result = table
	fut.err = err
	if err == nil {
		e.table = table
		e.stale = false
	}
	e.inFlight = nil
	e.mu.Unlock()
	close(fut.done)

	c.updateCachedNamespaceGauge()
	logger := log.WithComponent("catalog")
	logger.Debug().Str("nss", nss).Str("kind", kind).Err(err).Msg("catalog refresh")
}

func (c *Cache) updateCachedNamespaceGauge() {
	c.mu.Lock()
	n := 0
	for _, e := range c.colls {
		e.mu.Lock()
		if e.table != nil {
			n++
		}
		e.mu.Unlock()
	}
	c.mu.Unlock()
	metrics.CatalogCachedNamespaces.Set(float64(n))
}

func (c *Cache) refresh(ctx context.Context, nss string, existing *chunk.RoutingTable) (*chunk.RoutingTable, error) {
	dbName, _ := splitNamespace(nss)
	if _, err := c.GetDatabase(ctx, dbName); err != nil {
		return nil, err
	}

	if existing == nil {
		return c.fullLoad(ctx, nss)
	}
	return c.incrementalLoad(ctx, nss, existing)
}

func (c *Cache) fullLoad(ctx context.Context, nss string) (*chunk.RoutingTable, error) {
	rec, sharded, err := c.getCollectionRecord(ctx, nss)
	if err != nil {
		return nil, err
	}
	if !sharded {
		return c.unshardedTable(ctx, nss)
	}

	var chunks []chunk.Chunk
	err = withRetry(ctx, maxTransportRetries, func() error {
		cs, err := c.source.ChunksForEpoch(ctx, nss, rec.Epoch)
		if err != nil {
			return err
		}
		chunks = cs
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: full load %s: read chunks: %w", nss, err)
	}

	idx := chunk.NewIndex(chunks)
	if err := idx.ValidatePartition(); err != nil {
		return nil, fmt.Errorf("catalog: full load %s: %w: %v", nss, errs.ErrConflictingOperationInProgress, err)
	}

	return &chunk.RoutingTable{
		Namespace:  nss,
		KeyPattern: rec.KeyPattern,
		Index:      idx,
		Version:    maxChunkVersion(idx.All(), rec.Epoch),
	}, nil
}

func (c *Cache) incrementalLoad(ctx context.Context, nss string, existing *chunk.RoutingTable) (*chunk.RoutingTable, error) {
	rec, sharded, err := c.getCollectionRecord(ctx, nss)
	if err != nil {
		return nil, err
	}
	if !sharded {
		return c.unshardedTable(ctx, nss)
	}
	if rec.Epoch != existing.Version.Epoch {
		// The collection was dropped and recreated under our feet;
		// the cached table belongs to an incomparable epoch.
		return c.fullLoad(ctx, nss)
	}

	since := existing.Version
	merged := append([]chunk.Chunk(nil), existing.Index.All()...)

	var lastErr error
	for attempt := 0; attempt < maxPartitionRetries; attempt++ {
		var fresh []chunk.Chunk
		err := withRetry(ctx, maxTransportRetries, func() error {
			cs, err := c.source.ChunksSince(ctx, nss, rec.Epoch, since)
			if err != nil {
				return err
			}
			fresh = cs
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("catalog: incremental load %s: read chunks: %w", nss, err)
		}

		merged = mergeChunks(merged, fresh)
		idx := chunk.NewIndex(merged)
		if err := idx.ValidatePartition(); err != nil {
			lastErr = err
			continue
		}
		return &chunk.RoutingTable{
			Namespace:  nss,
			KeyPattern: existing.KeyPattern,
			Index:      idx,
			Version:    maxChunkVersion(idx.All(), rec.Epoch),
		}, nil
	}
	return nil, fmt.Errorf("catalog: incremental load %s: %w: %v", nss, errs.ErrConflictingOperationInProgress, lastErr)
}

func (c *Cache) unshardedTable(ctx context.Context, nss string) (*chunk.RoutingTable, error) {
	dbName, _ := splitNamespace(nss)
	db, err := c.GetDatabase(ctx, dbName)
	if err != nil {
		return nil, err
	}
	idx := chunk.NewIndex([]chunk.Chunk{{
		Namespace: nss,
		Min:       chunk.MinKey,
		Max:       chunk.MaxKey,
		ShardID:   db.Primary,
	}})
	return &chunk.RoutingTable{Namespace: nss, Index: idx}, nil
}

func (c *Cache) getCollectionRecord(ctx context.Context, nss string) (CollectionRecord, bool, error) {
	var rec CollectionRecord
	var sharded bool
	err := withRetry(ctx, maxTransportRetries, func() error {
		r, ok, err := c.source.GetCollection(ctx, nss)
		if err != nil {
			return err
		}
		rec, sharded = r, ok
		return nil
	})
	if err != nil {
		return CollectionRecord{}, false, fmt.Errorf("catalog: read collection record for %s: %w", nss, err)
	}
	return rec, sharded, nil
}

// InvalidateCollection marks nss's cached routing table stale, as triggered
// by a shard's stale-version reply. staleVersion is the version the shard
// reported it is actually at; it isn't required to decide full-vs-
// incremental (the next refresh re-reads the collection record and makes
// that call from the epoch comparison), but is recorded for diagnostics.
func (c *Cache) InvalidateCollection(nss string, staleVersion chunk.Version) {
	e := c.collEntryFor(nss)
	e.mu.Lock()
	e.stale = true
	e.mu.Unlock()
	logger := log.WithComponent("catalog")
	logger.Debug().
		Str("nss", nss).
		Str("stale_version", staleVersion.String()).
		Msg("collection invalidated")
}

// mergeChunks overwrites every cached chunk whose range overlaps a fresh
// chunk, keeping cached chunks that weren't touched.
func mergeChunks(cached, fresh []chunk.Chunk) []chunk.Chunk {
	out := make([]chunk.Chunk, 0, len(cached)+len(fresh))
	for _, cc := range cached {
		if !overlapsAny(cc, fresh) {
			out = append(out, cc)
		}
	}
	out = append(out, fresh...)
	return out
}

func overlapsAny(c chunk.Chunk, others []chunk.Chunk) bool {
	for _, o := range others {
		if rangesOverlap(c, o) {
			return true
		}
	}
	return false
}

func rangesOverlap(a, b chunk.Chunk) bool {
	return bytes.Compare(a.Min, b.Max) < 0 && bytes.Compare(b.Min, a.Max) < 0
}

func maxChunkVersion(chunks []chunk.Chunk, epoch chunk.Epoch) chunk.Version {
	v := chunk.Version{Epoch: epoch}
	for _, c := range chunks {
		if c.Version.Less(v) {
			continue
		}
		v = c.Version
	}
	return v
}

func splitNamespace(nss string) (dbName, collName string) {
	for i := 0; i < len(nss); i++ {
		if nss[i] == '.' {
			return nss[:i], nss[i+1:]
		}
	}
	return nss, ""
}

// withRetry runs fn, retrying with exponential backoff while it returns a
// retryable error, up to maxAttempts tries or ctx cancellation.
func withRetry(ctx context.Context, maxAttempts int, fn func() error) error {
	backoff := 25 * time.Millisecond
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errs.Retryable(err) {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%w", errs.ErrInterrupted)
		}
		backoff *= 2
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
	}
	return err
}
