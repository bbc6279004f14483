/*
Package txn drives a cross-shard transaction from a participant list to a
durable global decision and its propagation, per the two-phase commit
design: persist participants, prepare fan-out, persist decision,
commit-or-abort fan-out, mark garbage-collectable.

The coordinator is expressed as an explicit state machine rather than a
chain of future callbacks: Run (and Recover, after a restart) drive a
transaction through persistParticipants -> prepareFanout ->
store.PersistDecision -> commit/abortFanout -> markGCable, with every
transition durable in
pkg/storage before the next one begins. A coordinator never changes its
mind once a decision is durable; recovery re-drives only the fan-out that
durable state implies is still outstanding.
*/
package txn
