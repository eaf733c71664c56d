// ABOUTME: SQLite implementation of wardgate persistence using modernc.org/sqlite
// ABOUTME: Provides device/pairing-code/command storage with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists devices, pairing codes, and relay commands.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			credential TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			device_type TEXT NOT NULL,
			platform TEXT NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '[]',
			online INTEGER NOT NULL DEFAULT 0,
			last_seen_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_devices_user
			ON devices(user_id);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_user_name
			ON devices(user_id, name);

		CREATE TABLE IF NOT EXISTS pairing_codes (
			code TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			used INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pairing_codes_user
			ON pairing_codes(user_id, used, expires_at);

		CREATE TABLE IF NOT EXISTS relay_commands (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			credits_charged INTEGER NOT NULL DEFAULT 0,
			payload_iv TEXT NOT NULL,
			payload_tag TEXT NOT NULL,
			payload_ciphertext TEXT NOT NULL,
			result_iv TEXT,
			result_tag TEXT,
			result_ciphertext TEXT,
			created_at DATETIME NOT NULL,
			delivered_at DATETIME,
			completed_at DATETIME,
			expires_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_commands_device_status
			ON relay_commands(device_id, status);

		CREATE INDEX IF NOT EXISTS idx_commands_user_status
			ON relay_commands(user_id, status);

		CREATE INDEX IF NOT EXISTS idx_commands_status_expiry
			ON relay_commands(status, expires_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateDevice inserts a new paired device. Returns ErrDuplicateDeviceName
// if the user already has a device with the same name.
func (s *SQLiteStore) CreateDevice(ctx context.Context, d *Device) error {
	caps, err := json.Marshal(d.Capabilities)
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (id, user_id, credential, name, device_type, platform, capabilities, online, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.UserID, d.Credential, d.Name, d.DeviceType, d.Platform, string(caps),
		boolToInt(d.Online),
		d.LastSeenAt.UTC().Format(time.RFC3339),
		d.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateDeviceName
		}
		return fmt.Errorf("creating device: %w", err)
	}

	s.logger.Debug("created device", "id", d.ID, "user", d.UserID, "name", d.Name)
	return nil
}

// GetDevice retrieves a device by ID.
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, deviceSelect+` WHERE id = ?`, id)
	return scanDevice(row)
}

// GetDeviceByCredential retrieves a device by its full credential string.
func (s *SQLiteStore) GetDeviceByCredential(ctx context.Context, credential string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, deviceSelect+` WHERE credential = ?`, credential)
	return scanDevice(row)
}

// ListDevices returns all devices owned by a user, newest first.
func (s *SQLiteStore) ListDevices(ctx context.Context, userID string) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, deviceSelect+` WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// CountDevices returns the number of devices owned by a user.
func (s *SQLiteStore) CountDevices(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting devices: %w", err)
	}
	return n, nil
}

// TouchDevice marks a device online with the given last-seen time.
func (s *SQLiteStore) TouchDevice(ctx context.Context, id string, seenAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE devices SET online = 1, last_seen_at = ? WHERE id = ?
	`, seenAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating device heartbeat: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDevice removes a device owned by the given user.
func (s *SQLiteStore) DeleteDevice(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM devices WHERE id = ? AND user_id = ?
	`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	s.logger.Info("deleted device", "id", id, "user", userID)
	return nil
}

const deviceSelect = `
	SELECT id, user_id, credential, name, device_type, platform, capabilities, online, last_seen_at, created_at
	FROM devices`

// scanDevice scans a device row from either *sql.Row or *sql.Rows.
func scanDevice(scanner interface{ Scan(dest ...any) error }) (*Device, error) {
	var d Device
	var caps, lastSeen, createdAt string
	var online int

	err := scanner.Scan(&d.ID, &d.UserID, &d.Credential, &d.Name, &d.DeviceType,
		&d.Platform, &caps, &online, &lastSeen, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}

	if err := json.Unmarshal([]byte(caps), &d.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshaling capabilities: %w", err)
	}
	d.Online = online != 0
	d.LastSeenAt, _ = time.Parse(time.RFC3339, lastSeen)
	d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &d, nil
}

// CreatePairingCode inserts a new pairing code. Returns ErrDuplicateCode
// on collision with an existing code so the caller can retry with a
// fresh one.
func (s *SQLiteStore) CreatePairingCode(ctx context.Context, pc *PairingCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairing_codes (code, user_id, used, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, pc.Code, pc.UserID, boolToInt(pc.Used),
		pc.CreatedAt.UTC().Format(time.RFC3339),
		pc.ExpiresAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCode
		}
		return fmt.Errorf("creating pairing code: %w", err)
	}
	s.logger.Debug("created pairing code", "user", pc.UserID)
	return nil
}

// GetActivePairingCode returns the user's unexpired, unused code if one exists.
func (s *SQLiteStore) GetActivePairingCode(ctx context.Context, userID string, now time.Time) (*PairingCode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT code, user_id, used, created_at, expires_at
		FROM pairing_codes
		WHERE user_id = ? AND used = 0 AND expires_at > ?
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, now.UTC().Format(time.RFC3339))
	return scanPairingCode(row)
}

// GetPairingCode retrieves a code regardless of state.
func (s *SQLiteStore) GetPairingCode(ctx context.Context, code string) (*PairingCode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT code, user_id, used, created_at, expires_at
		FROM pairing_codes WHERE code = ?
	`, code)
	return scanPairingCode(row)
}

// ConsumePairingCode atomically marks an unused, unexpired code as used.
// Exactly one caller can win; later callers get ErrNotFound.
func (s *SQLiteStore) ConsumePairingCode(ctx context.Context, code string, now time.Time) (*PairingCode, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pairing_codes SET used = 1
		WHERE code = ? AND used = 0 AND expires_at > ?
	`, code, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("consuming pairing code: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, ErrNotFound
	}
	return s.GetPairingCode(ctx, code)
}

// PurgeStalePairingCodes deletes expired or used codes.
func (s *SQLiteStore) PurgeStalePairingCodes(ctx context.Context, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM pairing_codes WHERE used = 1 OR expires_at <= ?
	`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("purging pairing codes: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		s.logger.Debug("purged stale pairing codes", "count", n)
	}
	return nil
}

func scanPairingCode(row *sql.Row) (*PairingCode, error) {
	var pc PairingCode
	var used int
	var createdAt, expiresAt string

	err := row.Scan(&pc.Code, &pc.UserID, &used, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning pairing code: %w", err)
	}

	pc.Used = used != 0
	pc.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	pc.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	return &pc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint violations in the message;
	// matching on the text avoids depending on driver-internal types.
	return strings.Contains(err.Error(), "constraint failed")
}
