package storage

import (
	"testing"
	"time"

	"github.com/shardmesh/router/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPersistParticipantsIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PersistParticipants("lsid-1", 1, []string{"shard-a", "shard-b"}))
	// Retrying with the identical list must succeed, not conflict.
	require.NoError(t, s.PersistParticipants("lsid-1", 1, []string{"shard-a", "shard-b"}))
	// Order shouldn't matter for the equality check.
	require.NoError(t, s.PersistParticipants("lsid-1", 1, []string{"shard-b", "shard-a"}))

	doc, err := s.GetTxn("lsid-1", 1)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.ElementsMatch(t, []string{"shard-a", "shard-b"}, doc.Participants)
}

func TestPersistParticipantsConflict(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PersistParticipants("lsid-2", 1, []string{"shard-a"}))
	err := s.PersistParticipants("lsid-2", 1, []string{"shard-a", "shard-b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrDuplicateKey)
}

func TestPersistDecisionIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PersistParticipants("lsid-3", 1, []string{"shard-a"}))

	commitTS := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	decision := Decision{Kind: DecisionCommit, CommitTimestamp: commitTS}

	require.NoError(t, s.PersistDecision("lsid-3", 1, decision))
	// Retrying the identical decision must succeed.
	require.NoError(t, s.PersistDecision("lsid-3", 1, decision))

	doc, err := s.GetTxn("lsid-3", 1)
	require.NoError(t, err)
	require.NotNil(t, doc.Decision)
	assert.Equal(t, DecisionCommit, doc.Decision.Kind)
}

func TestPersistDecisionConflict(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PersistParticipants("lsid-4", 1, []string{"shard-a"}))
	require.NoError(t, s.PersistDecision("lsid-4", 1, Decision{Kind: DecisionCommit, CommitTimestamp: time.Now()}))

	err := s.PersistDecision("lsid-4", 1, Decision{Kind: DecisionAbort, AbortReason: "vote abort"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrDuplicateKey)
}

func TestPersistDecisionWithoutParticipantsFails(t *testing.T) {
	s := newTestStore(t)
	err := s.PersistDecision("lsid-5", 1, Decision{Kind: DecisionCommit})
	assert.Error(t, err)
}

func TestSweepExpired(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PersistParticipants("lsid-6", 1, []string{"shard-a"}))
	require.NoError(t, s.PersistDecision("lsid-6", 1, Decision{Kind: DecisionCommit, CommitTimestamp: time.Now()}))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, s.MarkGCable("lsid-6", 1, past))

	n, err := s.SweepExpired(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := s.GetTxn("lsid-6", 1)
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestSweepExpiredSkipsUndecided(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PersistParticipants("lsid-7", 1, []string{"shard-a"}))

	n, err := s.SweepExpired(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestListAll(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PersistParticipants("lsid-8", 1, []string{"shard-a"}))
	require.NoError(t, s.PersistParticipants("lsid-9", 2, []string{"shard-b"}))

	docs, err := s.ListAll()
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}
