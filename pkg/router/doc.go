// Package router answers routing questions against an already-resolved
// chunk.RoutingTable: which shard owns an exact shard-key value, and which
// shards might own documents matching a predicate. It is a pure function of
// the table it is built with — no I/O, no mutation — so the catalog cache
// owns every refresh decision and the router only ever reasons about the
// snapshot it was handed.
package router
