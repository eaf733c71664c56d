// ABOUTME: Store types and errors for wardgate persistence
// ABOUTME: Defines Device, PairingCode structs and shared sentinel errors

package store

import (
	"errors"
	"time"
)

// Sentinel errors shared across store operations.
var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateCode is returned when a pairing code collides with an existing one
	ErrDuplicateCode = errors.New("pairing code already exists")

	// ErrDuplicateDeviceName is returned when a user already has a device of that name
	ErrDuplicateDeviceName = errors.New("duplicate device name")

	// ErrConflict is returned when a conditional state transition finds the
	// row in a different state than required (lost a compare-and-set race).
	ErrConflict = errors.New("state conflict")
)

// Device represents a paired device owned by a user.
// Connection state is derived from LastSeenAt, not stored (see ConnState).
type Device struct {
	ID           string
	UserID       string
	Credential   string // <random>.<tag>, integrity-protected
	Name         string
	DeviceType   string // e.g. "laptop", "desktop", "server"
	Platform     string // e.g. "darwin", "linux", "windows"
	Capabilities []string
	Online       bool
	LastSeenAt   time.Time
	CreatedAt    time.Time
}

// ConnState is the derived connection state of a device.
type ConnState string

const (
	ConnConnected  ConnState = "connected"  // last seen under 30s ago
	ConnConnecting ConnState = "connecting" // under 2m
	ConnUnstable   ConnState = "unstable"   // under 5m
	ConnOffline    ConnState = "offline"
)

// ConnStateAt derives the connection state at the given instant. The
// stored online flag only matters when it says the device went away.
func (d *Device) ConnStateAt(now time.Time) ConnState {
	if !d.Online {
		return ConnOffline
	}
	age := now.Sub(d.LastSeenAt)
	switch {
	case age < 30*time.Second:
		return ConnConnected
	case age < 2*time.Minute:
		return ConnConnecting
	case age < 5*time.Minute:
		return ConnUnstable
	default:
		return ConnOffline
	}
}

// PairingCode is a short-lived 6-digit code consumed exactly once by
// pairing completion.
type PairingCode struct {
	Code      string
	UserID    string
	Used      bool
	CreatedAt time.Time
	ExpiresAt time.Time
}
