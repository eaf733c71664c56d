// ABOUTME: Package documentation for the action journal
// ABOUTME: Append-only log, checkpoints, versioned memory, undo and rollback

// Package journal records every consequential action as an append-only
// JSONL log and layers recovery primitives on top of it.
//
// Base records are immutable; status changes are separate update
// records that readers fold onto their base by id. Checkpoints mark a
// journal position plus a memory version, and rollback walks completed
// actions recorded after a checkpoint in reverse order, applying each
// action's typed undo descriptor. Memory versions only ever grow: a
// restore appends a new version whose data equals the target's, so
// history survives every rollback.
package journal
