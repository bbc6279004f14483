// Package errs defines the sentinel errors shared across the router core
// and a small classifier telling retry loops whether an error is worth
// retrying.
package errs

import "errors"

var (
	// ErrShardNotFound is returned when a shard ID has no entry in the
	// registry, or when a participant shard could not be reached at all
	// during a transaction fan-out.
	ErrShardNotFound = errors.New("shard not found")

	// ErrNamespaceNotFound is returned when a (database, collection) pair
	// has no routing table, sharded or otherwise.
	ErrNamespaceNotFound = errors.New("namespace not found")

	// ErrConflictingOperationInProgress is returned when a catalog cache
	// refresh cannot establish a consistent partition after its retry
	// budget is exhausted.
	ErrConflictingOperationInProgress = errors.New("conflicting operation in progress")

	// ErrStaleConfig is returned by a routing decision whose version no
	// longer matches what the owning shard believes is current.
	ErrStaleConfig = errors.New("stale config version")

	// ErrInterrupted is returned when a caller's context is canceled
	// while a refresh or fan-out is in flight.
	ErrInterrupted = errors.New("operation interrupted")

	// ErrDuplicateKey is returned when a conditional upsert finds an
	// existing document that doesn't match the condition it was given.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrShardKeyNotFound is returned by findChunk when a predicate does
	// not fully specify the shard key.
	ErrShardKeyNotFound = errors.New("shard key not found in predicate")

	// ErrTransient is returned by a ConfigSource or Transport implementation
	// to signal a retryable transport failure (dial timeout, connection
	// reset) as opposed to a terminal application error.
	ErrTransient = errors.New("transient transport error")

	// ErrNoSuchTransaction is a participant's reply meaning it has no
	// record of the transaction; treated as an abort vote during prepare
	// and as an ack during commit propagation.
	ErrNoSuchTransaction = errors.New("no such transaction")

	// ErrVoteAbort is the class of terminal errors a participant returns
	// to vote abort during prepare, or to signal it has already aborted
	// when the coordinator is propagating an abort decision.
	ErrVoteAbort = errors.New("participant voted to abort")
)

// Retryable reports whether err represents a condition a caller should
// back off and retry, as opposed to a terminal failure that should
// propagate immediately.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrStaleConfig):
		return true
	case errors.Is(err, ErrConflictingOperationInProgress):
		return true
	case errors.Is(err, ErrTransient):
		return true
	case errors.Is(err, ErrInterrupted):
		return false
	case errors.Is(err, ErrDuplicateKey):
		return false
	case errors.Is(err, ErrShardNotFound):
		return false
	case errors.Is(err, ErrNamespaceNotFound):
		return false
	default:
		return false
	}
}
