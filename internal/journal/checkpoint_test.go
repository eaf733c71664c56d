// ABOUTME: Tests for checkpoint creation, retention caps, and rollback
// ABOUTME: Verifies automatic eviction order and partial-rollback accounting

package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCheckpoint_RecordsLastActionAndMemoryVersion(t *testing.T) {
	j := setupTestJournal(t)

	_, err := j.Memory().Save(map[string]any{"mood": "calm"}, "initial")
	require.NoError(t, err)
	last := logTestAction(t, j, "file_write", "latest")

	cp, err := j.CreateCheckpoint(CheckpointRequest{Name: "before upgrade", RequestedBy: "operator"})
	require.NoError(t, err)

	assert.NotEmpty(t, cp.ID)
	assert.Equal(t, last.ID, cp.LastActionID)
	assert.Equal(t, int64(1), cp.MemoryVersion)
	assert.False(t, cp.Auto)
}

func TestCreateCheckpoint_EmptyJournal(t *testing.T) {
	j := setupTestJournal(t)

	cp, err := j.CreateCheckpoint(CheckpointRequest{Name: "fresh", RequestedBy: "operator"})
	require.NoError(t, err)
	assert.Empty(t, cp.LastActionID)
}

func TestCheckpointCaps_EvictOldestAutomaticFirst(t *testing.T) {
	j, err := Open(t.TempDir(), Options{CheckpointCap: 50, AutoCheckpointCap: 30})
	require.NoError(t, err)

	manual, err := j.CreateCheckpoint(CheckpointRequest{Name: "keep me", RequestedBy: "operator"})
	require.NoError(t, err)

	var autoIDs []string
	for i := 0; i < 60; i++ {
		cp, err := j.CreateCheckpoint(CheckpointRequest{
			Name:        fmt.Sprintf("auto %d", i),
			Auto:        true,
			RequestedBy: "system",
		})
		require.NoError(t, err)
		autoIDs = append(autoIDs, cp.ID)
	}

	checkpoints, err := j.ListCheckpoints()
	require.NoError(t, err)

	autoCount := 0
	ids := make(map[string]bool, len(checkpoints))
	for _, cp := range checkpoints {
		ids[cp.ID] = true
		if cp.Auto {
			autoCount++
		}
	}

	assert.LessOrEqual(t, len(checkpoints), 50)
	assert.LessOrEqual(t, autoCount, 30)
	assert.True(t, ids[manual.ID], "manual checkpoint must survive the cap")
	// The newest automatic checkpoints are the ones retained.
	assert.True(t, ids[autoIDs[len(autoIDs)-1]])
	assert.False(t, ids[autoIDs[0]], "oldest automatic checkpoint should be evicted")
}

func TestManualCheckpoints_NeverEvictedByCap(t *testing.T) {
	j, err := Open(t.TempDir(), Options{CheckpointCap: 5, AutoCheckpointCap: 3})
	require.NoError(t, err)

	var manualIDs []string
	for i := 0; i < 8; i++ {
		cp, err := j.CreateCheckpoint(CheckpointRequest{
			Name:        fmt.Sprintf("manual %d", i),
			RequestedBy: "operator",
		})
		require.NoError(t, err)
		manualIDs = append(manualIDs, cp.ID)
	}

	checkpoints, err := j.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, checkpoints, 8)
	for _, id := range manualIDs {
		_, err := j.GetCheckpoint(id)
		assert.NoError(t, err)
	}
}

func TestRollbackToCheckpoint_UndoesNewestFirstAndSkipsIrreversible(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, Options{})
	require.NoError(t, err)

	target := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0644))

	cp, err := j.CreateCheckpoint(CheckpointRequest{Name: "baseline", RequestedBy: "operator"})
	require.NoError(t, err)

	// A reversible file write after the checkpoint.
	require.NoError(t, os.WriteFile(target, []byte("mutated"), 0644))
	fileAction, err := j.LogAction(&ActionEntry{
		Type:          "file_write",
		Summary:       "overwrite notes.txt",
		RequestedBy:   "operator",
		Reversibility: Reversible,
		Undo: &UndoAction{
			Kind: UndoRestoreFile,
			File: &RestoreFileUndo{Path: target, Contents: "original"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, j.UpdateActionStatus(fileAction.ID, ActionCompleted, "ok"))

	// An irreversible action after the checkpoint.
	sent := logTestAction(t, j, "email_send", "sent mail")
	require.NoError(t, j.UpdateActionStatus(sent.ID, ActionCompleted, "ok"))

	// A completed action with no undo information.
	blind := j.mustLogReversibleWithoutUndo(t, "device_command", "ran command")
	require.NoError(t, j.UpdateActionStatus(blind.ID, ActionCompleted, "ok"))

	result, err := j.RollbackToCheckpoint(cp.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, result.RolledBack)
	assert.Equal(t, 2, result.Skipped)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	rolled, err := j.GetAction(fileAction.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionRolledBack, rolled.Status)

	// Skipped actions keep their terminal status.
	kept, err := j.GetAction(sent.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionCompleted, kept.Status)
}

func TestRollbackToCheckpoint_RestoresMemoryVersion(t *testing.T) {
	j := setupTestJournal(t)

	_, err := j.Memory().Save(map[string]any{"mood": "calm"}, "initial")
	require.NoError(t, err)

	cp, err := j.CreateCheckpoint(CheckpointRequest{Name: "calm state", RequestedBy: "operator"})
	require.NoError(t, err)

	_, err = j.Memory().SetKey("mood", "frantic", "update")
	require.NoError(t, err)
	require.Equal(t, int64(2), j.Memory().CurrentVersion())

	result, err := j.RollbackToCheckpoint(cp.ID)
	require.NoError(t, err)

	assert.True(t, result.MemoryRestored)
	// Restore is itself a new version; history is never rewritten.
	assert.Equal(t, int64(3), result.MemoryVersion)

	snap, err := j.Memory().Get(j.Memory().CurrentVersion())
	require.NoError(t, err)
	assert.Equal(t, "calm", snap.Data["mood"])
	assert.Equal(t, "rollback", snap.Reason)
}

func TestRollbackToCheckpoint_UnknownCheckpoint(t *testing.T) {
	j := setupTestJournal(t)

	_, err := j.RollbackToCheckpoint("no-such-checkpoint")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

// mustLogReversibleWithoutUndo logs a completed-eligible action that is
// marked reversible but carries no undo descriptor, which rollback must
// skip rather than fail on.
func (j *Journal) mustLogReversibleWithoutUndo(t *testing.T, actionType, summary string) *ActionEntry {
	t.Helper()
	entry, err := j.LogAction(&ActionEntry{
		Type:          actionType,
		Summary:       summary,
		RequestedBy:   "operator",
		Reversibility: PartiallyReversible,
	})
	require.NoError(t, err)
	return entry
}
