// ABOUTME: Undo and rollback operations over the folded journal
// ABOUTME: Single-action undo plus checkpoint rollback with skip accounting

package journal

import (
	"errors"
	"fmt"
)

// RollbackResult reports what a checkpoint rollback accomplished.
// Partial success is still success: skipped actions are counted, not
// treated as failures.
type RollbackResult struct {
	CheckpointID   string `json:"checkpoint_id"`
	RolledBack     int    `json:"rolled_back"`
	Skipped        int    `json:"skipped"`
	MemoryRestored bool   `json:"memory_restored"`
	MemoryVersion  int64  `json:"memory_version"`
}

// UndoActionByID reverses one completed action by applying its undo
// information and marking it rolled_back.
func (j *Journal) UndoActionByID(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	folded, err := j.foldLocked()
	if err != nil {
		return err
	}
	entry, ok := folded.byID[id]
	if !ok {
		return ErrActionNotFound
	}
	if entry.Status != ActionCompleted {
		return fmt.Errorf("%w: action is %s", ErrNotCompleted, entry.Status)
	}
	if entry.Reversibility == Irreversible {
		return ErrIrreversible
	}
	if entry.Undo == nil {
		return ErrMissingUndoInfo
	}

	if err := j.apply(entry.Undo); err != nil {
		return fmt.Errorf("applying undo for %s: %w", id, err)
	}
	if err := j.updateLocked(id, ActionRolledBack, "undone"); err != nil {
		return err
	}

	j.logger.Info("undid action", "id", id, "type", entry.Type)
	return nil
}

// RollbackToCheckpoint reverses every completed action recorded after
// the checkpoint, newest first, then restores memory to the version
// the checkpoint captured. Actions that are irreversible or carry no
// undo information are skipped and counted.
func (j *Journal) RollbackToCheckpoint(checkpointID string) (*RollbackResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	cp, err := j.getCheckpointLocked(checkpointID)
	if err != nil {
		return nil, err
	}

	folded, err := j.foldLocked()
	if err != nil {
		return nil, err
	}

	after := actionsAfter(folded, cp.LastActionID)

	result := &RollbackResult{CheckpointID: cp.ID}

	// Reverse-chronological: the newest action is undone first so
	// earlier state is reconstructed layer by layer.
	for i := len(after) - 1; i >= 0; i-- {
		entry := after[i]
		if entry.Status != ActionCompleted {
			continue
		}
		if entry.Reversibility == Irreversible || entry.Undo == nil {
			result.Skipped++
			continue
		}
		if err := j.apply(entry.Undo); err != nil {
			return nil, fmt.Errorf("applying undo for %s: %w", entry.ID, err)
		}
		if err := j.updateLocked(entry.ID, ActionRolledBack, "rolled back to checkpoint "+cp.ID); err != nil {
			return nil, err
		}
		result.RolledBack++
	}

	if j.mem.CurrentVersion() != cp.MemoryVersion {
		if _, err := j.mem.RestoreTo(cp.MemoryVersion); err != nil {
			if errors.Is(err, ErrVersionNotFound) {
				j.logger.Warn("checkpoint memory version missing, skipping restore",
					"checkpoint", cp.ID, "version", cp.MemoryVersion)
			} else {
				return nil, fmt.Errorf("restoring memory: %w", err)
			}
		} else {
			result.MemoryRestored = true
		}
	}
	result.MemoryVersion = j.mem.CurrentVersion()

	j.logger.Info("rolled back to checkpoint",
		"checkpoint", cp.ID,
		"rolled_back", result.RolledBack,
		"skipped", result.Skipped,
		"memory_restored", result.MemoryRestored)
	return result, nil
}

// actionsAfter returns the entries recorded after lastActionID in
// append order. An empty lastActionID means the checkpoint predates
// all actions.
func actionsAfter(folded *foldedLog, lastActionID string) []*ActionEntry {
	if lastActionID == "" {
		return folded.order
	}
	for i, entry := range folded.order {
		if entry.ID == lastActionID {
			return folded.order[i+1:]
		}
	}
	// The checkpoint's anchor action was compacted away or the log was
	// truncated; treat everything as after it.
	return folded.order
}
