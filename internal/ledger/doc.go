// Package ledger meters AI usage, prices it against a configurable rate
// table, and enforces sliding-window quotas. Events are append-only and
// persisted in SQLite so quota state survives restarts.
package ledger
