package shardwire

import (
	"fmt"
	"time"

	"github.com/shardmesh/router/pkg/chunk"
	"github.com/shardmesh/router/pkg/errs"
	"github.com/shardmesh/router/pkg/router"
)

// Application error codes a shard reports in-band. Transport failures are
// gRPC status errors instead and never carry these.
const (
	CodeShardNotFound     = 70
	CodeTransactionTooOld = 225
	CodeNoSuchTransaction = 251
	CodeStaleConfig       = 13388
)

// CommandError is a shard's in-band application failure. ShardVersion is
// set only for CodeStaleConfig, carrying the version the shard is at.
type CommandError struct {
	Code         int32          `json:"code"`
	Message      string         `json:"message"`
	ShardVersion *chunk.Version `json:"shardVersion,omitempty"`
}

// StaleConfigError is the client-side form of a CodeStaleConfig reply. It
// unwraps to errs.ErrStaleConfig so retry loops can match it, and keeps
// the shard's version so the catalog cache invalidation can record it.
type StaleConfigError struct {
	Namespace    string
	ShardVersion chunk.Version
}

func (e *StaleConfigError) Error() string {
	return fmt.Sprintf("shardwire: %s: stale config, shard at %s", e.Namespace, e.ShardVersion)
}

func (e *StaleConfigError) Unwrap() error {
	return errs.ErrStaleConfig
}

// TxnIdent names one transaction across every transaction command.
type TxnIdent struct {
	LSID       string `json:"lsid"`
	TxnNumber  int64  `json:"txnNumber"`
	Autocommit bool   `json:"autocommit"`
}

// PrepareRequest asks a participant to vote.
type PrepareRequest struct {
	Txn TxnIdent `json:"txn"`
}

// PrepareResponse carries the participant's vote. An abort vote expressed
// as a vote-abort error class arrives via Error instead of Vote.
type PrepareResponse struct {
	Vote             string        `json:"vote,omitempty"`
	PrepareTimestamp time.Time     `json:"prepareTimestamp,omitempty"`
	Error            *CommandError `json:"error,omitempty"`
}

// CommitRequest tells a participant to commit at CommitTimestamp.
type CommitRequest struct {
	Txn             TxnIdent  `json:"txn"`
	CommitTimestamp time.Time `json:"commitTimestamp"`
}

// AbortRequest tells a participant to abort.
type AbortRequest struct {
	Txn TxnIdent `json:"txn"`
}

// AckResponse is the bare acknowledgement commit and abort expect.
type AckResponse struct {
	Error *CommandError `json:"error,omitempty"`
}

// CountRequest counts documents matching Predicate on one shard. The
// request carries the router's version for the target shard; a shard
// whose local version is ahead answers CodeStaleConfig.
type CountRequest struct {
	Namespace    string           `json:"namespace"`
	ShardVersion chunk.Version    `json:"shardVersion"`
	Predicate    router.Predicate `json:"predicate,omitempty"`
}

// CountResponse is the per-shard count.
type CountResponse struct {
	N     int64         `json:"n"`
	Error *CommandError `json:"error,omitempty"`
}

// FindRequest fetches documents matching Predicate on one shard.
type FindRequest struct {
	Namespace    string           `json:"namespace"`
	ShardVersion chunk.Version    `json:"shardVersion"`
	Predicate    router.Predicate `json:"predicate,omitempty"`
	Limit        int64            `json:"limit,omitempty"`
}

// FindResponse carries the matching documents.
type FindResponse struct {
	Docs  []map[string]any `json:"docs,omitempty"`
	Error *CommandError    `json:"error,omitempty"`
}

// errorFrom translates an in-band CommandError into the matching sentinel
// error, or nil for a clean reply.
func errorFrom(nss string, ce *CommandError) error {
	if ce == nil {
		return nil
	}
	switch ce.Code {
	case CodeShardNotFound:
		return fmt.Errorf("shardwire: %s: %w", ce.Message, errs.ErrShardNotFound)
	case CodeNoSuchTransaction:
		return fmt.Errorf("shardwire: %s: %w", ce.Message, errs.ErrNoSuchTransaction)
	case CodeTransactionTooOld:
		return fmt.Errorf("shardwire: %s: %w", ce.Message, errs.ErrVoteAbort)
	case CodeStaleConfig:
		se := &StaleConfigError{Namespace: nss}
		if ce.ShardVersion != nil {
			se.ShardVersion = *ce.ShardVersion
		}
		return se
	default:
		return fmt.Errorf("shardwire: shard error %d: %s", ce.Code, ce.Message)
	}
}
