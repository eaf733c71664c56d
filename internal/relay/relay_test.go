// ABOUTME: Tests for queue admission, delivery, and lifecycle policy
// ABOUTME: Runs against a real SQLite store in a temp directory

package relay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardgate/wardgate/internal/store"
)

func setupTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewQueue(s, opts)
}

func testPayload(ciphertext string) store.EncryptedPayload {
	return store.EncryptedPayload{
		IV:         "aXYtYnl0ZXM=",
		AuthTag:    "dGFnLWJ5dGVz",
		Ciphertext: ciphertext,
	}
}

func TestEnqueue_PerUserCap(t *testing.T) {
	q := setupTestQueue(t, Options{MaxPendingPerUser: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, EnqueueRequest{
			UserID:   "user-1",
			DeviceID: "device-1",
			Payload:  testPayload("Y21k"),
		})
		require.NoError(t, err)
	}

	_, err := q.Enqueue(ctx, EnqueueRequest{
		UserID:   "user-1",
		DeviceID: "device-1",
		Payload:  testPayload("Y21k"),
	})
	assert.ErrorIs(t, err, ErrTooManyPending)

	// A different user is unaffected.
	_, err = q.Enqueue(ctx, EnqueueRequest{
		UserID:   "user-2",
		DeviceID: "device-2",
		Payload:  testPayload("Y21k"),
	})
	assert.NoError(t, err)
}

func TestEnqueue_AwaitingConfirmationCountsAgainstCap(t *testing.T) {
	q := setupTestQueue(t, Options{MaxPendingPerUser: 1})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueRequest{
		UserID:            "user-1",
		DeviceID:          "device-1",
		Payload:           testPayload("Y21k"),
		AwaitConfirmation: true,
	})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, EnqueueRequest{
		UserID:   "user-1",
		DeviceID: "device-1",
		Payload:  testPayload("Y21k"),
	})
	assert.ErrorIs(t, err, ErrTooManyPending)
}

func TestPoll_DeliversPendingOnly(t *testing.T) {
	q := setupTestQueue(t, Options{})
	ctx := context.Background()

	pending, err := q.Enqueue(ctx, EnqueueRequest{
		UserID:   "user-1",
		DeviceID: "device-1",
		Payload:  testPayload("cGVuZGluZw=="),
	})
	require.NoError(t, err)

	held, err := q.Enqueue(ctx, EnqueueRequest{
		UserID:            "user-1",
		DeviceID:          "device-1",
		Payload:           testPayload("aGVsZA=="),
		AwaitConfirmation: true,
	})
	require.NoError(t, err)

	claimed, err := q.Poll(ctx, "device-1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, pending.ID, claimed[0].ID)
	assert.Equal(t, store.StatusDelivered, claimed[0].Status)

	// Held command becomes deliverable only after confirmation.
	require.NoError(t, q.Confirm(ctx, held.ID))
	claimed, err = q.Poll(ctx, "device-1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, held.ID, claimed[0].ID)

	// Nothing left.
	claimed, err = q.Poll(ctx, "device-1")
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestConfirm_SecondConfirmationConflicts(t *testing.T) {
	q := setupTestQueue(t, Options{})
	ctx := context.Background()

	cmd, err := q.Enqueue(ctx, EnqueueRequest{
		UserID:            "user-1",
		DeviceID:          "device-1",
		Payload:           testPayload("Y21k"),
		AwaitConfirmation: true,
	})
	require.NoError(t, err)

	require.NoError(t, q.Confirm(ctx, cmd.ID))
	assert.ErrorIs(t, q.Confirm(ctx, cmd.ID), store.ErrConflict)
}

func TestCancel_OnlyBeforeDelivery(t *testing.T) {
	q := setupTestQueue(t, Options{})
	ctx := context.Background()

	cmd, err := q.Enqueue(ctx, EnqueueRequest{
		UserID:   "user-1",
		DeviceID: "device-1",
		Payload:  testPayload("Y21k"),
	})
	require.NoError(t, err)

	claimed, err := q.Poll(ctx, "device-1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	assert.ErrorIs(t, q.Cancel(ctx, cmd.ID), store.ErrConflict)
}

func TestReportResult_StoresEncryptedResult(t *testing.T) {
	q := setupTestQueue(t, Options{})
	ctx := context.Background()

	cmd, err := q.Enqueue(ctx, EnqueueRequest{
		UserID:   "user-1",
		DeviceID: "device-1",
		Payload:  testPayload("Y21k"),
	})
	require.NoError(t, err)

	_, err = q.Poll(ctx, "device-1")
	require.NoError(t, err)
	require.NoError(t, q.MarkExecuting(ctx, cmd.ID))

	result := testPayload("b3V0cHV0")
	require.NoError(t, q.ReportResult(ctx, cmd.ID, true, &result))

	got, err := q.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "b3V0cHV0", got.Result.Ciphertext)
	require.NotNil(t, got.CompletedAt)
}

func TestSweep_ExpiresStaleCommands(t *testing.T) {
	q := setupTestQueue(t, Options{CommandTTL: time.Minute})
	ctx := context.Background()

	cmd, err := q.Enqueue(ctx, EnqueueRequest{
		UserID:   "user-1",
		DeviceID: "device-1",
		Payload:  testPayload("Y21k"),
	})
	require.NoError(t, err)

	q.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	n, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, got.Status)

	// Expired commands are not delivered.
	claimed, err := q.Poll(ctx, "device-1")
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestSweep_ExpiresUnconfirmedCommands(t *testing.T) {
	q := setupTestQueue(t, Options{MaxPendingPerUser: 1, CommandTTL: time.Minute})
	ctx := context.Background()

	cmd, err := q.Enqueue(ctx, EnqueueRequest{
		UserID:            "user-1",
		DeviceID:          "device-1",
		Payload:           testPayload("Y21k"),
		AwaitConfirmation: true,
	})
	require.NoError(t, err)

	q.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	// A held command whose confirmation never arrives is swept, so the
	// user's cap slot comes back.
	n, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, got.Status)

	assert.ErrorIs(t, q.Confirm(ctx, cmd.ID), store.ErrConflict)

	_, err = q.Enqueue(ctx, EnqueueRequest{
		UserID:   "user-1",
		DeviceID: "device-1",
		Payload:  testPayload("Y21k"),
	})
	assert.NoError(t, err)
}
