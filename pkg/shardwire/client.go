package shardwire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shardmesh/router/pkg/errs"
	"github.com/shardmesh/router/pkg/registry"
	"github.com/shardmesh/router/pkg/txn"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Pool resolves shard IDs through the registry and keeps one gRPC
// connection per shard. It implements txn.Transport for the coordinator
// and the count/find calls the executor fans out.
type Pool struct {
	registry *registry.Registry
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewPool creates a Pool over reg. Extra dial options are appended after
// the defaults, so tests can inject a bufconn dialer.
func NewPool(reg *registry.Registry, dialOpts ...grpc.DialOption) *Pool {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	opts = append(opts, dialOpts...)
	return &Pool{
		registry: reg,
		dialOpts: opts,
		conns:    make(map[string]*grpc.ClientConn),
	}
}

// Close tears down every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for id, conn := range p.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, id)
	}
	return firstErr
}

func (p *Pool) conn(ctx context.Context, shardID string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	if c, ok := p.conns[shardID]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	d, err := p.registry.Lookup(ctx, shardID)
	if err != nil {
		return nil, err
	}

	c, err := grpc.NewClient(d.Address, p.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("shardwire: dial %s at %s: %w", shardID, d.Address, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[shardID]; ok {
		// Lost the dial race; keep the winner.
		_ = c.Close()
		return existing, nil
	}
	p.conns[shardID] = c
	return c, nil
}

// invoke issues one unary call and classifies transport failures:
// unavailable and deadline errors become errs.ErrTransient for the retry
// loops, cancellation becomes errs.ErrInterrupted.
func (p *Pool) invoke(ctx context.Context, shardID, method string, req, resp any) error {
	conn, err := p.conn(ctx, shardID)
	if err != nil {
		return err
	}
	err = conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp)
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return fmt.Errorf("shardwire: %s to %s: %v: %w", method, shardID, err, errs.ErrTransient)
	case codes.Canceled:
		return fmt.Errorf("shardwire: %s to %s: %w", method, shardID, errs.ErrInterrupted)
	default:
		return fmt.Errorf("shardwire: %s to %s: %w", method, shardID, err)
	}
}

// PrepareTransaction implements txn.Transport.
func (p *Pool) PrepareTransaction(ctx context.Context, shardID, lsid string, txnNumber int64) (txn.Vote, time.Time, error) {
	req := &PrepareRequest{Txn: TxnIdent{LSID: lsid, TxnNumber: txnNumber}}
	resp := &PrepareResponse{}
	if err := p.invoke(ctx, shardID, "PrepareTransaction", req, resp); err != nil {
		return 0, time.Time{}, err
	}
	if err := errorFrom("", resp.Error); err != nil {
		return 0, time.Time{}, err
	}
	if resp.Vote == "abort" {
		return txn.VoteAbort, time.Time{}, nil
	}
	return txn.VoteCommit, resp.PrepareTimestamp, nil
}

// CommitTransaction implements txn.Transport.
func (p *Pool) CommitTransaction(ctx context.Context, shardID, lsid string, txnNumber int64, commitTimestamp time.Time) error {
	req := &CommitRequest{
		Txn:             TxnIdent{LSID: lsid, TxnNumber: txnNumber},
		CommitTimestamp: commitTimestamp,
	}
	resp := &AckResponse{}
	if err := p.invoke(ctx, shardID, "CommitTransaction", req, resp); err != nil {
		return err
	}
	return errorFrom("", resp.Error)
}

// AbortTransaction implements txn.Transport.
func (p *Pool) AbortTransaction(ctx context.Context, shardID, lsid string, txnNumber int64) error {
	req := &AbortRequest{Txn: TxnIdent{LSID: lsid, TxnNumber: txnNumber}}
	resp := &AckResponse{}
	if err := p.invoke(ctx, shardID, "AbortTransaction", req, resp); err != nil {
		return err
	}
	return errorFrom("", resp.Error)
}

// Count runs a count on one shard, stamped with the router's version for
// that shard. A CodeStaleConfig reply surfaces as *StaleConfigError.
func (p *Pool) Count(ctx context.Context, shardID string, req *CountRequest) (int64, error) {
	resp := &CountResponse{}
	if err := p.invoke(ctx, shardID, "Count", req, resp); err != nil {
		return 0, err
	}
	if err := errorFrom(req.Namespace, resp.Error); err != nil {
		return 0, err
	}
	return resp.N, nil
}

// Find fetches matching documents from one shard.
func (p *Pool) Find(ctx context.Context, shardID string, req *FindRequest) ([]map[string]any, error) {
	resp := &FindResponse{}
	if err := p.invoke(ctx, shardID, "Find", req, resp); err != nil {
		return nil, err
	}
	if err := errorFrom(req.Namespace, resp.Error); err != nil {
		return nil, err
	}
	return resp.Docs, nil
}

// Forget drops the pooled connection for shardID, forcing the next call
// to re-resolve and re-dial. Called after a shard removal.
func (p *Pool) Forget(shardID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[shardID]; ok {
		_ = c.Close()
		delete(p.conns, shardID)
	}
}

var _ txn.Transport = (*Pool)(nil)
