/*
Package metrics exposes Prometheus instrumentation for the router core:
catalog cache refreshes and coalescing, chunk router decisions, transaction
coordinator state transitions, config-server raft health, and BSONColumn
codec errors. Metrics are registered at package init and served over HTTP
via Handler for scraping.
*/
package metrics
