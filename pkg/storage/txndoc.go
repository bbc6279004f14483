package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shardmesh/router/pkg/errs"
	bolt "go.etcd.io/bbolt"
)

// DecisionKind is the durable outcome of a transaction: commit or abort.
type DecisionKind string

const (
	DecisionCommit DecisionKind = "commit"
	DecisionAbort  DecisionKind = "abort"
)

// Decision is the coordinator's durable, once-written verdict.
type Decision struct {
	Kind            DecisionKind `json:"kind"`
	CommitTimestamp time.Time    `json:"commitTimestamp,omitempty"`
	AbortReason     string       `json:"abortReason,omitempty"`
}

// Equal reports whether d and other represent the identical decision,
// which is what makes a repeated persist of the same decision idempotent.
func (d Decision) Equal(other Decision) bool {
	if d.Kind != other.Kind {
		return false
	}
	if d.Kind == DecisionCommit {
		return d.CommitTimestamp.Equal(other.CommitTimestamp)
	}
	return d.AbortReason == other.AbortReason
}

// TxnDocument is the durable record for one cross-shard transaction,
// keyed by "<lsid>:<txnNumber>".
type TxnDocument struct {
	ID           string     `json:"id"`
	Participants []string   `json:"participants"`
	Decision     *Decision  `json:"decision,omitempty"`
	ExpireAt     *time.Time `json:"expireAt,omitempty"`
}

func txnKey(lsid string, txnNumber int64) []byte {
	return []byte(fmt.Sprintf("%s:%d", lsid, txnNumber))
}

// ParseID splits a TxnDocument.ID back into its (lsid, txnNumber) parts, for
// the coordinator's recovery path which only has the durable document to
// work from.
func ParseID(id string) (lsid string, txnNumber int64, err error) {
	i := strings.LastIndex(id, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("storage: malformed txn id %q", id)
	}
	n, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("storage: malformed txn id %q: %w", id, err)
	}
	return id[:i], n, nil
}

// sameParticipants reports whether a and b name the same shards, ignoring
// order (the coordinator always persists them sorted, but defend anyway).
func sameParticipants(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

// PersistParticipants upserts the participant list for a transaction. The
// write succeeds if no document exists yet, or if the existing document's
// participant list is identical to participants; any other existing state
// is a conflict, since a participant list is immutable once durable.
func (s *Store) PersistParticipants(lsid string, txnNumber int64, participants []string) error {
	key := txnKey(lsid, txnNumber)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		existing := b.Get(key)
		if existing != nil {
			var doc TxnDocument
			if err := json.Unmarshal(existing, &doc); err != nil {
				return fmt.Errorf("storage: decode existing txn document: %w", err)
			}
			if sameParticipants(doc.Participants, participants) {
				return nil
			}
			return fmt.Errorf("storage: persist participants for %s: %w", string(key), errs.ErrDuplicateKey)
		}
		doc := TxnDocument{ID: string(key), Participants: participants}
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("storage: encode txn document: %w", err)
		}
		return b.Put(key, data)
	})
}

// PersistDecision updates a transaction document with its final decision.
// The write succeeds if the document's decision is absent, or already
// identical to decision; any other existing decision is a conflict, since a
// coordinator never changes its mind once a decision is durable.
func (s *Store) PersistDecision(lsid string, txnNumber int64, decision Decision) error {
	key := txnKey(lsid, txnNumber)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		existing := b.Get(key)
		if existing == nil {
			return fmt.Errorf("storage: persist decision for %s: %w", string(key), errs.ErrNamespaceNotFound)
		}
		var doc TxnDocument
		if err := json.Unmarshal(existing, &doc); err != nil {
			return fmt.Errorf("storage: decode existing txn document: %w", err)
		}
		if doc.Decision != nil && !doc.Decision.Equal(decision) {
			return fmt.Errorf("storage: persist decision for %s: %w", string(key), errs.ErrDuplicateKey)
		}
		doc.Decision = &decision
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("storage: encode txn document: %w", err)
		}
		return b.Put(key, data)
	})
}

// MarkGCable sets expireAt on a transaction document so the sweeper can
// reap it once the delay has passed.
func (s *Store) MarkGCable(lsid string, txnNumber int64, expireAt time.Time) error {
	key := txnKey(lsid, txnNumber)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		existing := b.Get(key)
		if existing == nil {
			return fmt.Errorf("storage: mark gcable %s: %w", string(key), errs.ErrNamespaceNotFound)
		}
		var doc TxnDocument
		if err := json.Unmarshal(existing, &doc); err != nil {
			return fmt.Errorf("storage: decode existing txn document: %w", err)
		}
		doc.ExpireAt = &expireAt
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("storage: encode txn document: %w", err)
		}
		return b.Put(key, data)
	})
}

// GetTxn returns the transaction document for (lsid, txnNumber), or nil if
// none exists.
func (s *Store) GetTxn(lsid string, txnNumber int64) (*TxnDocument, error) {
	key := txnKey(lsid, txnNumber)
	var doc *TxnDocument
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		data := b.Get(key)
		if data == nil {
			return nil
		}
		var d TxnDocument
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("storage: decode txn document: %w", err)
		}
		doc = &d
		return nil
	})
	return doc, err
}

// ListAll returns every transaction document, used to rebuild in-memory
// coordinator state after a restart.
func (s *Store) ListAll() ([]TxnDocument, error) {
	var docs []TxnDocument
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		return b.ForEach(func(k, v []byte) error {
			var doc TxnDocument
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("storage: decode txn document %s: %w", string(k), err)
			}
			docs = append(docs, doc)
			return nil
		})
	})
	return docs, err
}

// SweepExpired deletes every transaction document with a decision present
// and an expireAt before now, returning the number removed.
func (s *Store) SweepExpired(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		var toDelete [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var doc TxnDocument
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("storage: decode txn document %s: %w", string(k), err)
			}
			if doc.Decision == nil || doc.ExpireAt == nil {
				return nil
			}
			if doc.ExpireAt.After(now) {
				return nil
			}
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(toDelete)
		return nil
	})
	return removed, err
}
