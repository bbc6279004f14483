/*
Package shardwire carries the narrow command surface the router core
consumes from shards: prepareTransaction, commitTransaction,
abortTransaction, count, and find. The client side resolves shard IDs
through the registry, pools one gRPC connection per shard, and translates
wire-level replies into the sentinel errors the coordinator's and
executor's retry loops understand. The server side is the service
descriptor a shard process (or a test fake) registers its handler against.

Messages travel as JSON over gRPC; the codec is registered under the
"json" content subtype so both ends agree without a generated stub layer.
*/
package shardwire
