/*
Package storage provides the durable, embedded-KV backing store for the
transaction coordinator and the configuration collections, on
go.etcd.io/bbolt: one bucket per document kind, JSON-marshaled values,
conditional upserts implemented as read-modify-write inside a single
bolt.Tx.
*/
package storage
