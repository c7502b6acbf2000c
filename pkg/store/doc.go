// Package store persists session records in SQLite with optimistic
// concurrency control.
//
// Each record maps a stable key (typically a working directory or channel
// identifier) to the backend session id and the mode the session last ran
// under. Writers pass the version they read; a mismatched version fails the
// write and returns the authoritative record so the caller can reconcile.
//
// Invariants:
//   - Version increases by exactly one on every successful Put.
//   - A conflicting Put never partially applies.
//   - Get after Delete returns ErrNotFound.
package store
