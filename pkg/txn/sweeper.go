package txn

import (
	"context"
	"time"

	"github.com/shardmesh/router/pkg/log"
	"github.com/shardmesh/router/pkg/metrics"
	"github.com/shardmesh/router/pkg/storage"
)

// Sweeper periodically deletes transaction documents whose decision has
// propagated to every participant and whose expireAt has passed. It runs
// independently of any one Coordinator instance; any process with access
// to the store can sweep.
type Sweeper struct {
	store    *storage.Store
	interval time.Duration
}

// NewSweeper creates a Sweeper that checks for expired documents every
// interval.
func NewSweeper(store *storage.Store, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, interval: interval}
}

// Run blocks, sweeping on every tick, until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	logger := log.WithComponent("txn-gc")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.SweepExpired(time.Now())
			if err != nil {
				logger.Error().Err(err).Msg("gc sweep failed")
				continue
			}
			if n > 0 {
				metrics.CoordinatorGCedTotal.Add(float64(n))
				logger.Debug().Int("count", n).Msg("gc swept expired transaction documents")
			}
		}
	}
}
