// ABOUTME: Tests for the append-only action log and its folded reads
// ABOUTME: Covers fold idempotence, persistence across reopen, and compaction

package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	return j
}

func logTestAction(t *testing.T, j *Journal, actionType, summary string) *ActionEntry {
	t.Helper()
	entry, err := j.LogAction(&ActionEntry{
		Type:        actionType,
		Summary:     summary,
		RequestedBy: "operator",
	})
	require.NoError(t, err)
	return entry
}

func TestLogAction_GeneratesIDAndPendingStatus(t *testing.T) {
	j := setupTestJournal(t)

	entry := logTestAction(t, j, "file_write", "write notes.txt")

	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, ActionPending, entry.Status)
	assert.False(t, entry.CreatedAt.IsZero())
	assert.Equal(t, Irreversible, entry.Reversibility)
}

func TestLogAction_RejectsInvalidUndo(t *testing.T) {
	j := setupTestJournal(t)

	_, err := j.LogAction(&ActionEntry{
		Type:        "file_write",
		Summary:     "bad undo",
		RequestedBy: "operator",
		Undo:        &UndoAction{Kind: UndoRestoreFile},
	})
	require.Error(t, err)
}

func TestUpdateActionStatus_FoldsOntoBase(t *testing.T) {
	j := setupTestJournal(t)

	entry := logTestAction(t, j, "file_write", "write notes.txt")
	require.NoError(t, j.UpdateActionStatus(entry.ID, ActionExecuting, ""))
	require.NoError(t, j.UpdateActionStatus(entry.ID, ActionCompleted, "7 bytes written"))

	got, err := j.GetAction(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionCompleted, got.Status)
	assert.Equal(t, "7 bytes written", got.Result)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateActionStatus_UnknownID(t *testing.T) {
	j := setupTestJournal(t)

	err := j.UpdateActionStatus("no-such-id", ActionCompleted, "")
	assert.ErrorIs(t, err, ErrActionNotFound)
}

func TestGetRecentActions_NewestFirstAndCapped(t *testing.T) {
	j := setupTestJournal(t)

	first := logTestAction(t, j, "file_write", "first")
	second := logTestAction(t, j, "file_write", "second")
	third := logTestAction(t, j, "file_write", "third")

	actions, err := j.GetRecentActions(2)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, third.ID, actions[0].ID)
	assert.Equal(t, second.ID, actions[1].ID)
	_ = first
}

func TestFold_IsIdempotent(t *testing.T) {
	j := setupTestJournal(t)

	entry := logTestAction(t, j, "file_write", "write")
	require.NoError(t, j.UpdateActionStatus(entry.ID, ActionCompleted, "done"))

	one, err := j.GetRecentActions(0)
	require.NoError(t, err)
	two, err := j.GetRecentActions(0)
	require.NoError(t, err)
	assert.Equal(t, one, two)
}

func TestJournal_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, Options{})
	require.NoError(t, err)

	entry := logTestAction(t, j, "config_change", "set theme")
	require.NoError(t, j.UpdateActionStatus(entry.ID, ActionCompleted, "ok"))

	reopened, err := Open(dir, Options{})
	require.NoError(t, err)

	got, err := reopened.GetAction(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionCompleted, got.Status)
	assert.Equal(t, "set theme", got.Summary)
}

func TestGetUndoableActions_FiltersByStatusAndReversibility(t *testing.T) {
	j := setupTestJournal(t)

	undoable, err := j.LogAction(&ActionEntry{
		Type:          "file_write",
		Summary:       "undoable",
		RequestedBy:   "operator",
		Reversibility: Reversible,
		Undo: &UndoAction{
			Kind: UndoRestoreFile,
			File: &RestoreFileUndo{Path: "/tmp/x", Contents: "old"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, j.UpdateActionStatus(undoable.ID, ActionCompleted, "ok"))

	// Completed but irreversible.
	nuked := logTestAction(t, j, "email_send", "sent mail")
	require.NoError(t, j.UpdateActionStatus(nuked.ID, ActionCompleted, "ok"))

	// Reversible but still pending.
	_, err = j.LogAction(&ActionEntry{
		Type:          "file_write",
		Summary:       "still pending",
		RequestedBy:   "operator",
		Reversibility: Reversible,
		Undo: &UndoAction{
			Kind: UndoRestoreFile,
			File: &RestoreFileUndo{Path: "/tmp/y", Contents: "old"},
		},
	})
	require.NoError(t, err)

	got, err := j.GetUndoableActions()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, undoable.ID, got[0].ID)
}

func TestCompact_PreservesFoldedView(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, Options{})
	require.NoError(t, err)

	a := logTestAction(t, j, "file_write", "a")
	b := logTestAction(t, j, "file_write", "b")
	require.NoError(t, j.UpdateActionStatus(a.ID, ActionExecuting, ""))
	require.NoError(t, j.UpdateActionStatus(a.ID, ActionCompleted, "ok"))
	require.NoError(t, j.UpdateActionStatus(b.ID, ActionFailed, "disk full"))

	before, err := j.GetRecentActions(0)
	require.NoError(t, err)

	require.NoError(t, j.Compact())

	after, err := j.GetRecentActions(0)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// The compacted log should have one line per action, no updates.
	data, err := os.ReadFile(filepath.Join(dir, "actions.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"record":"update"`)
}
