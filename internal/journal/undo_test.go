// ABOUTME: Tests for undo descriptors and single-action undo
// ABOUTME: Exercises the full error taxonomy callers branch on

package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUndoAction_Validate(t *testing.T) {
	tests := []struct {
		name    string
		undo    UndoAction
		wantErr bool
	}{
		{
			name: "valid file restore",
			undo: UndoAction{Kind: UndoRestoreFile, File: &RestoreFileUndo{Path: "/tmp/x", Contents: "old"}},
		},
		{
			name: "valid memory restore",
			undo: UndoAction{Kind: UndoRestoreMemory, Memory: &RestoreMemoryUndo{TargetVersion: 3}},
		},
		{
			name: "valid config restore",
			undo: UndoAction{Kind: UndoRestoreConfig, Config: &RestoreConfigUndo{Key: "theme", Previous: "dark"}},
		},
		{
			name:    "file restore without payload",
			undo:    UndoAction{Kind: UndoRestoreFile},
			wantErr: true,
		},
		{
			name:    "memory restore with zero version",
			undo:    UndoAction{Kind: UndoRestoreMemory, Memory: &RestoreMemoryUndo{}},
			wantErr: true,
		},
		{
			name:    "config restore without key",
			undo:    UndoAction{Kind: UndoRestoreConfig, Config: &RestoreConfigUndo{}},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			undo:    UndoAction{Kind: "time_travel"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.undo.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUndoActionByID_RestoresFileAndMarksRolledBack(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, Options{})
	require.NoError(t, err)

	target := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(target, []byte("replaced"), 0644))

	entry, err := j.LogAction(&ActionEntry{
		Type:          "file_write",
		Summary:       "overwrite config.yaml",
		RequestedBy:   "operator",
		Reversibility: Reversible,
		Undo: &UndoAction{
			Kind: UndoRestoreFile,
			File: &RestoreFileUndo{Path: target, Contents: "original"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, j.UpdateActionStatus(entry.ID, ActionCompleted, "ok"))

	require.NoError(t, j.UndoActionByID(entry.ID))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	got, err := j.GetAction(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionRolledBack, got.Status)
}

func TestUndoActionByID_NotFound(t *testing.T) {
	j := setupTestJournal(t)
	assert.ErrorIs(t, j.UndoActionByID("missing"), ErrActionNotFound)
}

func TestUndoActionByID_NotCompleted(t *testing.T) {
	j := setupTestJournal(t)

	entry, err := j.LogAction(&ActionEntry{
		Type:          "file_write",
		Summary:       "still pending",
		RequestedBy:   "operator",
		Reversibility: Reversible,
		Undo: &UndoAction{
			Kind: UndoRestoreFile,
			File: &RestoreFileUndo{Path: "/tmp/x", Contents: "old"},
		},
	})
	require.NoError(t, err)

	assert.ErrorIs(t, j.UndoActionByID(entry.ID), ErrNotCompleted)
}

func TestUndoActionByID_Irreversible(t *testing.T) {
	j := setupTestJournal(t)

	entry := logTestAction(t, j, "email_send", "sent mail")
	require.NoError(t, j.UpdateActionStatus(entry.ID, ActionCompleted, "ok"))

	assert.ErrorIs(t, j.UndoActionByID(entry.ID), ErrIrreversible)
}

func TestUndoActionByID_MissingUndoInfo(t *testing.T) {
	j := setupTestJournal(t)

	entry, err := j.LogAction(&ActionEntry{
		Type:          "device_command",
		Summary:       "ran command",
		RequestedBy:   "operator",
		Reversibility: PartiallyReversible,
	})
	require.NoError(t, err)
	require.NoError(t, j.UpdateActionStatus(entry.ID, ActionCompleted, "ok"))

	assert.ErrorIs(t, j.UndoActionByID(entry.ID), ErrMissingUndoInfo)
}

func TestUndoActionByID_SecondUndoFails(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, Options{})
	require.NoError(t, err)

	target := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(target, []byte("new"), 0644))

	entry, err := j.LogAction(&ActionEntry{
		Type:          "file_write",
		Summary:       "write f.txt",
		RequestedBy:   "operator",
		Reversibility: Reversible,
		Undo: &UndoAction{
			Kind: UndoRestoreFile,
			File: &RestoreFileUndo{Path: target, Contents: "old"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, j.UpdateActionStatus(entry.ID, ActionCompleted, "ok"))
	require.NoError(t, j.UndoActionByID(entry.ID))

	// Already rolled_back, no longer completed.
	assert.ErrorIs(t, j.UndoActionByID(entry.ID), ErrNotCompleted)
}

func TestApply_ConfigRestoreWritesMemoryKey(t *testing.T) {
	j := setupTestJournal(t)

	_, err := j.Memory().Save(map[string]any{"theme": "light"}, "initial")
	require.NoError(t, err)
	_, err = j.Memory().SetKey("theme", "dark", "user change")
	require.NoError(t, err)

	err = j.apply(&UndoAction{
		Kind:   UndoRestoreConfig,
		Config: &RestoreConfigUndo{Key: "theme", Previous: "light"},
	})
	require.NoError(t, err)

	snap, err := j.Memory().Get(j.Memory().CurrentVersion())
	require.NoError(t, err)
	assert.Equal(t, "light", snap.Data["theme"])
	assert.Equal(t, "rollback", snap.Reason)
}
