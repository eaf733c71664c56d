// ABOUTME: Relay command entity and store methods implementing the delivery state machine
// ABOUTME: Claims are conditional updates so exactly one poll wins each command

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CommandStatus represents a relay command's delivery state.
type CommandStatus string

const (
	StatusAwaitingConfirmation CommandStatus = "awaiting_confirmation"
	StatusPending              CommandStatus = "pending"
	StatusDelivered            CommandStatus = "delivered"
	StatusExecuting            CommandStatus = "executing"
	StatusCompleted            CommandStatus = "completed"
	StatusFailed               CommandStatus = "failed"
	StatusExpired              CommandStatus = "expired"
	StatusCancelled            CommandStatus = "cancelled"
)

// TerminalStatuses are retained for audit and never transition further.
var TerminalStatuses = []CommandStatus{
	StatusCompleted, StatusFailed, StatusExpired, StatusCancelled,
}

// EncryptedPayload holds an end-to-end encrypted blob. The relay never
// holds the key; these fields are opaque base64 strings.
type EncryptedPayload struct {
	IV         string
	AuthTag    string
	Ciphertext string
}

// RelayCommand is one encrypted command queued for a device. Rows are
// never deleted; terminal states are kept for audit.
type RelayCommand struct {
	ID             string
	UserID         string
	DeviceID       string
	Status         CommandStatus
	Priority       int
	CreditsCharged int
	Payload        EncryptedPayload
	Result         *EncryptedPayload
	CreatedAt      time.Time
	DeliveredAt    *time.Time
	CompletedAt    *time.Time
	ExpiresAt      time.Time
}

// EnqueueCommand inserts a new command row. The caller sets Status to
// StatusPending or StatusAwaitingConfirmation.
func (s *SQLiteStore) EnqueueCommand(ctx context.Context, cmd *RelayCommand) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_commands
			(id, user_id, device_id, status, priority, credits_charged,
			 payload_iv, payload_tag, payload_ciphertext, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cmd.ID, cmd.UserID, cmd.DeviceID, cmd.Status, cmd.Priority, cmd.CreditsCharged,
		cmd.Payload.IV, cmd.Payload.AuthTag, cmd.Payload.Ciphertext,
		cmd.CreatedAt.UTC().Format(time.RFC3339),
		cmd.ExpiresAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("enqueueing command: %w", err)
	}
	s.logger.Debug("enqueued command", "id", cmd.ID, "device", cmd.DeviceID, "status", cmd.Status)
	return nil
}

// GetCommand retrieves a command by ID.
func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*RelayCommand, error) {
	row := s.db.QueryRowContext(ctx, commandSelect+` WHERE id = ?`, id)
	return scanCommand(row)
}

// ClaimPendingCommands atomically claims up to limit pending commands for
// a device, transitioning each pending -> delivered. A command already
// claimed by a concurrent poll is skipped, so no command is returned to
// two callers.
func (s *SQLiteStore) ClaimPendingCommands(ctx context.Context, deviceID string, limit int, now time.Time) ([]*RelayCommand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM relay_commands
		WHERE device_id = ? AND status = ? AND expires_at > ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?
	`, deviceID, StatusPending, now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("selecting pending commands: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning command id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending commands: %w", err)
	}

	nowStr := now.UTC().Format(time.RFC3339)
	var claimed []*RelayCommand
	for _, id := range ids {
		result, err := s.db.ExecContext(ctx, `
			UPDATE relay_commands SET status = ?, delivered_at = ?
			WHERE id = ? AND status = ?
		`, StatusDelivered, nowStr, id, StatusPending)
		if err != nil {
			return nil, fmt.Errorf("claiming command %s: %w", id, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			continue // lost the race to another poll
		}
		cmd, err := s.GetCommand(ctx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, cmd)
	}

	if len(claimed) > 0 {
		s.logger.Debug("claimed commands", "device", deviceID, "count", len(claimed))
	}
	return claimed, nil
}

// MarkExecuting transitions delivered -> executing.
func (s *SQLiteStore) MarkExecuting(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusExecuting, StatusDelivered)
}

// CompleteCommand transitions delivered/executing -> completed or failed,
// storing the encrypted result.
func (s *SQLiteStore) CompleteCommand(ctx context.Context, id string, status CommandStatus, result *EncryptedPayload, now time.Time) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}

	var iv, tag, ct *string
	if result != nil {
		iv, tag, ct = &result.IV, &result.AuthTag, &result.Ciphertext
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE relay_commands
		SET status = ?, result_iv = ?, result_tag = ?, result_ciphertext = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, status, iv, tag, ct, now.UTC().Format(time.RFC3339), id, StatusDelivered, StatusExecuting)
	if err != nil {
		return fmt.Errorf("completing command: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.conflictOrNotFound(ctx, id)
	}
	s.logger.Debug("completed command", "id", id, "status", status)
	return nil
}

// CancelCommand transitions pending/awaiting_confirmation -> cancelled.
func (s *SQLiteStore) CancelCommand(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusCancelled, StatusPending, StatusAwaitingConfirmation)
}

// ConfirmCommand promotes awaiting_confirmation -> pending. Exactly one
// confirmation wins.
func (s *SQLiteStore) ConfirmCommand(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusPending, StatusAwaitingConfirmation)
}

// ExpireStaleCommands transitions stale pending, delivered, and
// awaiting_confirmation rows to expired and returns the number of rows
// swept. Held rows whose confirmation never arrives stop counting
// against the per-user cap once their TTL lapses.
func (s *SQLiteStore) ExpireStaleCommands(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE relay_commands SET status = ?
		WHERE status IN (?, ?, ?) AND expires_at <= ?
	`, StatusExpired, StatusPending, StatusDelivered, StatusAwaitingConfirmation, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("expiring commands: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.logger.Info("expired stale commands", "count", n)
	}
	return int(n), nil
}

// CountPendingForUser counts non-terminal admission load for the per-user cap.
func (s *SQLiteStore) CountPendingForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relay_commands
		WHERE user_id = ? AND status IN (?, ?, ?)
	`, userID, StatusAwaitingConfirmation, StatusPending, StatusDelivered).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending commands: %w", err)
	}
	return n, nil
}

// CountPendingForDevice counts unexpired pending commands targeting a
// device, returned to heartbeats so the device can decide whether to
// keep polling.
func (s *SQLiteStore) CountPendingForDevice(ctx context.Context, deviceID string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relay_commands
		WHERE device_id = ? AND status = ? AND expires_at > ?
	`, deviceID, StatusPending, now.UTC().Format(time.RFC3339)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting device commands: %w", err)
	}
	return n, nil
}

// transition performs a conditional status update. Returns ErrConflict if
// the row exists but is not in one of the required states, ErrNotFound if
// it does not exist.
func (s *SQLiteStore) transition(ctx context.Context, id string, to CommandStatus, from ...CommandStatus) error {
	query := `UPDATE relay_commands SET status = ? WHERE id = ? AND status IN (`
	args := []any{to, id}
	for i, f := range from {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, f)
	}
	query += ")"

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transitioning command to %s: %w", to, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.conflictOrNotFound(ctx, id)
	}
	s.logger.Debug("command transition", "id", id, "to", to)
	return nil
}

// conflictOrNotFound distinguishes a missing row from a lost CAS race.
func (s *SQLiteStore) conflictOrNotFound(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM relay_commands WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking command status: %w", err)
	}
	return fmt.Errorf("%w: command %s is %s", ErrConflict, id, status)
}

const commandSelect = `
	SELECT id, user_id, device_id, status, priority, credits_charged,
	       payload_iv, payload_tag, payload_ciphertext,
	       result_iv, result_tag, result_ciphertext,
	       created_at, delivered_at, completed_at, expires_at
	FROM relay_commands`

func scanCommand(row *sql.Row) (*RelayCommand, error) {
	var cmd RelayCommand
	var status, createdAt, expiresAt string
	var deliveredAt, completedAt sql.NullString
	var resultIV, resultTag, resultCT sql.NullString

	err := row.Scan(&cmd.ID, &cmd.UserID, &cmd.DeviceID, &status, &cmd.Priority, &cmd.CreditsCharged,
		&cmd.Payload.IV, &cmd.Payload.AuthTag, &cmd.Payload.Ciphertext,
		&resultIV, &resultTag, &resultCT,
		&createdAt, &deliveredAt, &completedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning command: %w", err)
	}

	cmd.Status = CommandStatus(status)
	cmd.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	cmd.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	if deliveredAt.Valid {
		t, _ := time.Parse(time.RFC3339, deliveredAt.String)
		cmd.DeliveredAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		cmd.CompletedAt = &t
	}
	if resultIV.Valid {
		cmd.Result = &EncryptedPayload{
			IV:         resultIV.String,
			AuthTag:    resultTag.String,
			Ciphertext: resultCT.String,
		}
	}
	return &cmd, nil
}
