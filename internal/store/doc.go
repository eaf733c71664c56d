// ABOUTME: Package documentation for the store package
// ABOUTME: Describes the SQLite persistence layer and its guarantees

// Package store persists devices, pairing codes, and relay commands in
// SQLite. All state transitions that must happen at most once (consuming
// a pairing code, claiming a pending command, confirming or cancelling)
// are implemented as conditional UPDATEs checked via RowsAffected, so
// concurrent callers race safely and exactly one wins. Relay command
// rows are never deleted: terminal states (completed, failed, expired,
// cancelled) are retained for audit.
package store
