package txn

import (
	"context"
	"time"
)

// Vote is a participant's reply to prepareTransaction.
type Vote int

const (
	VoteCommit Vote = iota
	VoteAbort
)

func (v Vote) String() string {
	if v == VoteAbort {
		return "abort"
	}
	return "commit"
}

// Transport is the narrow interface the coordinator needs against a
// shard's command surface. Production wiring is pkg/shardwire's gRPC
// client; tests supply a fake that returns errs.ErrShardNotFound,
// errs.ErrNoSuchTransaction, or errs.ErrVoteAbort to drive each
// command's abort-equivalence rules.
type Transport interface {
	// PrepareTransaction asks shardID to vote on the transaction. A
	// non-nil error is either a vote (errs.ErrShardNotFound,
	// errs.ErrNoSuchTransaction, errs.ErrVoteAbort, all abort-equivalent)
	// or a transport failure (errs.ErrTransient, retried by the caller).
	PrepareTransaction(ctx context.Context, shardID, lsid string, txnNumber int64) (vote Vote, prepareTimestamp time.Time, err error)

	// CommitTransaction tells shardID to commit at commitTimestamp.
	// errs.ErrNoSuchTransaction is treated as an ack (the shard already
	// applied and forgot the transaction).
	CommitTransaction(ctx context.Context, shardID, lsid string, txnNumber int64, commitTimestamp time.Time) error

	// AbortTransaction tells shardID to abort. errs.ErrVoteAbort and
	// errs.ErrNoSuchTransaction are both treated as acks.
	AbortTransaction(ctx context.Context, shardID, lsid string, txnNumber int64) error
}
