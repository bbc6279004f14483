// Package registry resolves shard IDs to connection descriptors. It is the
// thinnest coordinator in the core: readers never block readers, writers
// serialize behind a single mutex, and a miss triggers a lazy reload from
// the configuration store rather than failing outright.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/shardmesh/router/pkg/errs"
	"github.com/shardmesh/router/pkg/log"
	"github.com/shardmesh/router/pkg/metrics"
)

// Descriptor is everything the router needs to dial a shard.
type Descriptor struct {
	ShardID string
	Address string
}

// ConfigSource loads the current shard list from the authoritative
// configuration store (the configsvr raft group in production, a fake in
// tests).
type ConfigSource interface {
	ListShards(ctx context.Context) ([]Descriptor, error)
}

// Registry holds the shard ID -> Descriptor map.
type Registry struct {
	mu     sync.RWMutex
	shards map[string]Descriptor
	source ConfigSource
}

// New creates a Registry backed by source. It starts empty; call Reload
// before first use, or rely on the lazy reload a lookup miss triggers.
func New(source ConfigSource) *Registry {
	return &Registry{
		shards: make(map[string]Descriptor),
		source: source,
	}
}

// Lookup resolves a shard ID. On a miss it reloads once from the
// configuration store before giving up, since the miss may just mean this
// process hasn't heard about a recently added shard yet.
func (r *Registry) Lookup(ctx context.Context, shardID string) (Descriptor, error) {
	r.mu.RLock()
	d, ok := r.shards[shardID]
	r.mu.RUnlock()
	if ok {
		return d, nil
	}

	if err := r.Reload(ctx, "lookup-miss"); err != nil {
		return Descriptor{}, fmt.Errorf("registry: reload after lookup miss for %s: %w", shardID, err)
	}

	r.mu.RLock()
	d, ok = r.shards[shardID]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, fmt.Errorf("registry: %s: %w", shardID, errs.ErrShardNotFound)
	}
	return d, nil
}

// Add registers or replaces a shard descriptor.
func (r *Registry) Add(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shards[d.ShardID] = d
}

// Remove drops a shard from the registry. Callers racing a removal with a
// lookup will observe ErrShardNotFound and should treat it as retryable,
// per the concurrency contract: a miss may just mean "ask again".
func (r *Registry) Remove(shardID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.shards, shardID)
}

// List returns a snapshot of every known shard descriptor.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.shards))
	for _, d := range r.shards {
		out = append(out, d)
	}
	return out
}

// Reload refreshes the registry from the configuration source. trigger is
// logged and counted so operators can tell lazy reloads from explicit
// hints apart in the metrics.
func (r *Registry) Reload(ctx context.Context, trigger string) error {
	descriptors, err := r.source.ListShards(ctx)
	if err != nil {
		metrics.RegistryReloadsTotal.WithLabelValues(trigger + "-failed").Inc()
		return fmt.Errorf("registry: list shards: %w", err)
	}

	r.mu.Lock()
	r.shards = make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		r.shards[d.ShardID] = d
	}
	count := len(r.shards)
	r.mu.Unlock()

	metrics.RegistryReloadsTotal.WithLabelValues(trigger).Inc()
	metrics.ShardsTotal.Set(float64(count))
	logger := log.WithComponent("registry")
	logger.Debug().Str("trigger", trigger).Int("shards", count).Msg("registry reloaded")
	return nil
}
