package txn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shardmesh/router/pkg/errs"
	"github.com/shardmesh/router/pkg/log"
	"github.com/shardmesh/router/pkg/metrics"
	"github.com/shardmesh/router/pkg/storage"
)

const (
	initialBackoff = 25 * time.Millisecond
	maxBackoff     = 2 * time.Second
)

// Coordinator drives cross-shard transactions through the two-phase commit
// state machine described in package doc.go. Its in-memory state is just
// the wiring to the durable store and transport; the store is the source
// of truth, so a Coordinator can be recreated freely after a restart and
// caught up with Recover.
type Coordinator struct {
	store     *storage.Store
	transport Transport
	gcDelay   time.Duration
}

// New creates a Coordinator. gcDelay is how long a decided transaction
// document lingers after its decision has propagated to every participant,
// before the sweeper is allowed to reap it.
func New(store *storage.Store, transport Transport, gcDelay time.Duration) *Coordinator {
	return &Coordinator{store: store, transport: transport, gcDelay: gcDelay}
}

// Run drives a brand-new transaction from participant-list persistence
// through to a durable decision and its fan-out. It is idempotent: calling
// it again for the same (lsid, txnNumber) with the same participants
// resumes wherever the durable store left off: with a durable decision only
// the matching fan-out runs again, otherwise prepare is re-driven.
func (c *Coordinator) Run(ctx context.Context, lsid string, txnNumber int64, participants []string) error {
	sorted := sortedCopy(participants)
	if err := c.persistParticipants(lsid, txnNumber, sorted); err != nil {
		return err
	}
	doc, err := c.store.GetTxn(lsid, txnNumber)
	if err != nil {
		return fmt.Errorf("txn: read transaction: %w", err)
	}
	if doc != nil && doc.Decision != nil {
		return c.driveDecision(ctx, lsid, txnNumber, sorted, *doc.Decision)
	}
	return c.driveFromDataSync(ctx, lsid, txnNumber, sorted)
}

// Recover reads every persisted transaction document and resumes each one
// at the state its durable fields imply: a document with no decision is
// re-driven from prepare; a document with a decision is re-driven at the
// matching fan-out. Called once at process startup, before the coordinator
// accepts new transactions.
func (c *Coordinator) Recover(ctx context.Context) error {
	docs, err := c.store.ListAll()
	if err != nil {
		return fmt.Errorf("txn: recover: list transactions: %w", err)
	}

	active := 0
	for _, doc := range docs {
		if doc.Decision == nil {
			active++
		}
	}
	metrics.CoordinatorActiveTransactions.Set(float64(active))

	logger := log.WithComponent("txn")
	for _, doc := range docs {
		if doc.ExpireAt != nil {
			// Already past fan-out and marked for collection; the
			// sweeper will reap it, nothing left to drive.
			continue
		}
		lsid, txnNumber, err := storage.ParseID(doc.ID)
		if err != nil {
			logger.Warn().Str("id", doc.ID).Err(err).Msg("recover: skipping malformed transaction id")
			continue
		}

		if doc.Decision == nil {
			if err := c.driveFromDataSync(ctx, lsid, txnNumber, doc.Participants); err != nil {
				logger.Warn().Str("lsid", lsid).Int64("txn_number", txnNumber).Err(err).Msg("recover: re-drive from prepare failed")
			}
			continue
		}
		if err := c.driveDecision(ctx, lsid, txnNumber, doc.Participants, *doc.Decision); err != nil {
			logger.Warn().Str("lsid", lsid).Int64("txn_number", txnNumber).Err(err).Msg("recover: re-drive fan-out failed")
		}
	}
	return nil
}

func (c *Coordinator) persistParticipants(lsid string, txnNumber int64, participants []string) error {
	if err := c.store.PersistParticipants(lsid, txnNumber, participants); err != nil {
		return fmt.Errorf("txn: persist participants: %w", err)
	}
	metrics.CoordinatorTransitionsTotal.WithLabelValues("data_sync").Inc()
	return nil
}

// driveFromDataSync runs the prepare fan-out and, on success, carries the
// resulting decision through persistence and its own fan-out. A non-nil
// error here means the transaction is still indeterminate (nothing durable
// changed beyond the participant list) and safe to re-run in full.
func (c *Coordinator) driveFromDataSync(ctx context.Context, lsid string, txnNumber int64, participants []string) error {
	decision, err := c.prepareFanout(ctx, lsid, txnNumber, participants)
	if err != nil {
		return fmt.Errorf("txn: %s/%d: %w", lsid, txnNumber, err)
	}
	return c.driveDecision(ctx, lsid, txnNumber, participants, decision)
}

// driveDecision persists decision (a no-op if it already matches what's
// durable) and runs the matching commit or abort fan-out, then marks the
// document garbage-collectable. This is the half of the state machine
// recovery re-enters directly when a decision is already durable.
func (c *Coordinator) driveDecision(ctx context.Context, lsid string, txnNumber int64, participants []string, decision storage.Decision) error {
	if err := c.store.PersistDecision(lsid, txnNumber, decision); err != nil {
		return fmt.Errorf("txn: persist decision: %w", err)
	}

	switch decision.Kind {
	case storage.DecisionCommit:
		metrics.CoordinatorTransitionsTotal.WithLabelValues("committed").Inc()
		if err := c.commitFanout(ctx, lsid, txnNumber, participants, decision.CommitTimestamp); err != nil {
			return fmt.Errorf("txn: commit fan-out: %w", err)
		}
	case storage.DecisionAbort:
		metrics.CoordinatorTransitionsTotal.WithLabelValues("aborted").Inc()
		if err := c.abortFanout(ctx, lsid, txnNumber, participants); err != nil {
			return fmt.Errorf("txn: abort fan-out: %w", err)
		}
	}

	return c.markGCable(lsid, txnNumber)
}

func (c *Coordinator) markGCable(lsid string, txnNumber int64) error {
	if err := c.store.MarkGCable(lsid, txnNumber, time.Now().Add(c.gcDelay)); err != nil {
		return fmt.Errorf("txn: mark gcable: %w", err)
	}
	metrics.CoordinatorTransitionsTotal.WithLabelValues("gcable").Inc()
	return nil
}

// prepareFanout sends prepareTransaction to every participant in parallel
// and aggregates the result: any abort vote decides abort and cancels the
// remaining outstanding prepares; all commit votes decide commit at the
// max prepare timestamp. A hard transport failure (after retries exhaust
// the outer deadline) returns an error instead of a decision, since the
// transaction's fate is still undetermined and nothing durable has
// changed yet.
func (c *Coordinator) prepareFanout(ctx context.Context, lsid string, txnNumber int64, participants []string) (storage.Decision, error) {
	timer := metrics.NewTimer()
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		shardID string
		vote    Vote
		ts      time.Time
		err     error
	}

	results := make(chan result, len(participants))
	for _, shardID := range participants {
		go func(shardID string) {
			vote, ts, err := c.prepareOne(fctx, shardID, lsid, txnNumber)
			results <- result{shardID: shardID, vote: vote, ts: ts, err: err}
		}(shardID)
	}

	var maxTS time.Time
	decisionKind := storage.DecisionCommit
	abortReason := ""
	var fanoutErr error

	for i := 0; i < len(participants); i++ {
		r := <-results
		if r.err != nil {
			if fanoutErr == nil {
				fanoutErr = r.err
			}
			cancel()
			continue
		}
		if r.vote == VoteAbort {
			if decisionKind == storage.DecisionCommit {
				abortReason = fmt.Sprintf("participant %s voted to abort", r.shardID)
			}
			decisionKind = storage.DecisionAbort
			cancel()
			continue
		}
		if r.ts.After(maxTS) {
			maxTS = r.ts
		}
	}

	timer.ObserveDurationVec(metrics.CoordinatorFanoutDuration, "prepare")

	// An abort vote decides the transaction even when another participant's
	// prepare errored out: the failures are the prepares we cancelled, and
	// the abort fan-out will reach those shards anyway.
	if decisionKind == storage.DecisionAbort {
		metrics.CoordinatorDecisionsTotal.WithLabelValues("abort").Inc()
		return storage.Decision{Kind: storage.DecisionAbort, AbortReason: abortReason}, nil
	}

	if fanoutErr != nil {
		return storage.Decision{}, fmt.Errorf("prepare fan-out: %w", fanoutErr)
	}
	metrics.CoordinatorDecisionsTotal.WithLabelValues("commit").Inc()
	return storage.Decision{Kind: storage.DecisionCommit, CommitTimestamp: maxTS}, nil
}

// prepareOne retries transient transport errors with exponential backoff
// until ctx is done, and translates the abort-equivalent error classes
// (ShardNotFound, NoSuchTransaction, VoteAbort) into an explicit abort
// vote rather than propagating them as errors.
func (c *Coordinator) prepareOne(ctx context.Context, shardID, lsid string, txnNumber int64) (Vote, time.Time, error) {
	backoff := initialBackoff
	for {
		vote, ts, err := c.transport.PrepareTransaction(ctx, shardID, lsid, txnNumber)
		if err == nil {
			return vote, ts, nil
		}
		switch {
		case errors.Is(err, errs.ErrShardNotFound),
			errors.Is(err, errs.ErrNoSuchTransaction),
			errors.Is(err, errs.ErrVoteAbort):
			return VoteAbort, time.Time{}, nil
		case errs.Retryable(err):
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return 0, time.Time{}, fmt.Errorf("prepare %s: %w", shardID, errs.ErrInterrupted)
			}
			backoff = nextBackoff(backoff)
			continue
		default:
			return 0, time.Time{}, fmt.Errorf("prepare %s: %w", shardID, err)
		}
	}
}

// commitFanout sends commitTransaction to every participant in parallel
// and waits for every one to ack; commit propagation is never
// short-circuited by an early failure.
func (c *Coordinator) commitFanout(ctx context.Context, lsid string, txnNumber int64, participants []string, commitTS time.Time) error {
	timer := metrics.NewTimer()
	errsOut := make([]error, len(participants))
	var wg sync.WaitGroup
	for i, shardID := range participants {
		wg.Add(1)
		go func(i int, shardID string) {
			defer wg.Done()
			errsOut[i] = c.commitOne(ctx, shardID, lsid, txnNumber, commitTS)
		}(i, shardID)
	}
	wg.Wait()
	timer.ObserveDurationVec(metrics.CoordinatorFanoutDuration, "commit")

	for _, e := range errsOut {
		if e != nil {
			return e
		}
	}
	return nil
}

func (c *Coordinator) commitOne(ctx context.Context, shardID, lsid string, txnNumber int64, commitTS time.Time) error {
	backoff := initialBackoff
	for {
		err := c.transport.CommitTransaction(ctx, shardID, lsid, txnNumber, commitTS)
		if err == nil {
			return nil
		}
		if errors.Is(err, errs.ErrNoSuchTransaction) {
			// The shard already applied and forgot the transaction;
			// our commit intent is already satisfied.
			return nil
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("commit %s: %w", shardID, errs.ErrInterrupted)
		}
		backoff = nextBackoff(backoff)
	}
}

// abortFanout sends abortTransaction to every participant in parallel.
func (c *Coordinator) abortFanout(ctx context.Context, lsid string, txnNumber int64, participants []string) error {
	timer := metrics.NewTimer()
	errsOut := make([]error, len(participants))
	var wg sync.WaitGroup
	for i, shardID := range participants {
		wg.Add(1)
		go func(i int, shardID string) {
			defer wg.Done()
			errsOut[i] = c.abortOne(ctx, shardID, lsid, txnNumber)
		}(i, shardID)
	}
	wg.Wait()
	timer.ObserveDurationVec(metrics.CoordinatorFanoutDuration, "abort")

	for _, e := range errsOut {
		if e != nil {
			return e
		}
	}
	return nil
}

func (c *Coordinator) abortOne(ctx context.Context, shardID, lsid string, txnNumber int64) error {
	backoff := initialBackoff
	for {
		err := c.transport.AbortTransaction(ctx, shardID, lsid, txnNumber)
		if err == nil {
			return nil
		}
		if errors.Is(err, errs.ErrVoteAbort) || errors.Is(err, errs.ErrNoSuchTransaction) {
			return nil
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("abort %s: %w", shardID, errs.ErrInterrupted)
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sortedCopy(ss []string) []string {
	out := make([]string, len(ss))
	copy(out, ss)
	sort.Strings(out)
	return out
}
