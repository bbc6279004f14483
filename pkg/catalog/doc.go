/*
Package catalog implements the catalog cache: the per-process, per-namespace
map from (database, collection) to the routing table a shard-key-aware
caller needs to plan a query. It owns the refresh algorithm (full load on
first sight of a namespace, differential incremental load afterward),
coalesces concurrent refreshes of the same namespace onto a single
in-flight future, and exposes the invalidate hooks a stale-shard-version
reply drives.

The cache never performs I/O while holding an entry's mutex: the in-flight
future is created and handed out under lock, awaited without it, and the
result merged back under lock. Refresh storms against an unlucky
namespace therefore cost one configuration read, not one per caller.
*/
package catalog
