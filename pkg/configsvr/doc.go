/*
Package configsvr replicates the configuration collections — databases,
collections, chunks, and shards — across a raft group, so every router
process reads routing metadata from a locally consistent copy and writes
go through a single elected leader.

Writes are raft log entries applied by FSM against the shared bbolt
store; reads bypass raft entirely and go straight to the local store via
Source, which is the ConfigSource the catalog cache and shard registry
consume.
*/
package configsvr
