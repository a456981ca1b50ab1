// Package stores persists run records and immutable checkpoints.
//
// Three backends implement Store: SQLite (the default, with embedded
// golang-migrate migrations and WAL mode), Redis (a hash per checkpoint and
// a sorted-set index per run) and Badger (an embedded key-value store).
// Payloads are opaque bytes; the engine encodes and checksums them.
package stores
