// ABOUTME: Device registry service: pairing codes, pairing completion, authentication
// ABOUTME: Enforces device limits and derives connection state from heartbeats

package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/wardgate/wardgate/internal/store"
)

// Pairing and authentication errors, returned as distinct values so the
// calling layer can map them to user-facing messages.
var (
	ErrInvalidOrExpiredCode = errors.New("invalid or expired pairing code")
	ErrDeviceLimitExceeded  = errors.New("device limit exceeded")
	ErrDuplicateDeviceName  = errors.New("duplicate device name")
	ErrDeviceNotFound       = errors.New("device not found")
	ErrPairingCodeExhausted = errors.New("could not mint a unique pairing code")
)

// codeMintAttempts bounds collision retries when minting a 6-digit code.
const codeMintAttempts = 5

// Store is the subset of persistence the registry needs.
type Store interface {
	CreateDevice(ctx context.Context, d *store.Device) error
	GetDeviceByCredential(ctx context.Context, credential string) (*store.Device, error)
	ListDevices(ctx context.Context, userID string) ([]*store.Device, error)
	CountDevices(ctx context.Context, userID string) (int, error)
	TouchDevice(ctx context.Context, id string, seenAt time.Time) error
	DeleteDevice(ctx context.Context, userID, id string) error

	CreatePairingCode(ctx context.Context, pc *store.PairingCode) error
	GetPairingCode(ctx context.Context, code string) (*store.PairingCode, error)
	GetActivePairingCode(ctx context.Context, userID string, now time.Time) (*store.PairingCode, error)
	ConsumePairingCode(ctx context.Context, code string, now time.Time) (*store.PairingCode, error)
	PurgeStalePairingCodes(ctx context.Context, now time.Time) error

	CountPendingForDevice(ctx context.Context, deviceID string, now time.Time) (int, error)
}

// DeviceInfo describes the device completing pairing.
type DeviceInfo struct {
	Name         string
	DeviceType   string
	Platform     string
	Capabilities []string
}

// DeviceView is a device plus its derived connection state.
type DeviceView struct {
	*store.Device
	ConnState store.ConnState
}

// Registry issues pairing codes and authenticates devices.
type Registry struct {
	store      Store
	creds      *CredentialIssuer
	codeTTL    time.Duration
	maxDevices int
	logger     *slog.Logger

	now func() time.Time
}

// New creates a registry backed by the given store and credential issuer.
func New(s Store, creds *CredentialIssuer, codeTTL time.Duration, maxDevices int) *Registry {
	return &Registry{
		store:      s,
		creds:      creds,
		codeTTL:    codeTTL,
		maxDevices: maxDevices,
		logger:     slog.Default().With("component", "registry"),
		now:        time.Now,
	}
}

// GeneratePairingCode returns the user's existing unexpired unused code
// if one exists, otherwise mints a fresh 6-digit code with the
// configured TTL. Stale codes are purged opportunistically.
func (r *Registry) GeneratePairingCode(ctx context.Context, userID string) (*store.PairingCode, error) {
	now := r.now()

	if err := r.store.PurgeStalePairingCodes(ctx, now); err != nil {
		// Purge is housekeeping; a failure should not block pairing.
		r.logger.Warn("purging stale pairing codes failed", "error", err)
	}

	existing, err := r.store.GetActivePairingCode(ctx, userID, now)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking existing pairing code: %w", err)
	}

	for attempt := 0; attempt < codeMintAttempts; attempt++ {
		code, err := randomDigits(6)
		if err != nil {
			return nil, fmt.Errorf("minting pairing code: %w", err)
		}
		pc := &store.PairingCode{
			Code:      code,
			UserID:    userID,
			CreatedAt: now,
			ExpiresAt: now.Add(r.codeTTL),
		}
		err = r.store.CreatePairingCode(ctx, pc)
		if errors.Is(err, store.ErrDuplicateCode) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("storing pairing code: %w", err)
		}
		r.logger.Info("generated pairing code", "user", userID, "expires_at", pc.ExpiresAt)
		return pc, nil
	}
	return nil, ErrPairingCodeExhausted
}

// CompletePairing exchanges a valid code and device info for a new
// device with a freshly minted credential. Exactly one device row is
// created and exactly one pairing code consumed on success.
func (r *Registry) CompletePairing(ctx context.Context, code string, info DeviceInfo) (*store.Device, error) {
	now := r.now()

	userID, err := r.validateCode(ctx, code, now)
	if err != nil {
		return nil, err
	}

	count, err := r.store.CountDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("counting devices: %w", err)
	}
	if count >= r.maxDevices {
		return nil, ErrDeviceLimitExceeded
	}

	if err := r.checkName(ctx, userID, info.Name); err != nil {
		return nil, err
	}

	// Consume before create: the code must not be reusable even if
	// device creation fails below.
	if _, err := r.store.ConsumePairingCode(ctx, code, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidOrExpiredCode
		}
		return nil, fmt.Errorf("consuming pairing code: %w", err)
	}

	credential, err := r.creds.Issue()
	if err != nil {
		return nil, fmt.Errorf("issuing credential: %w", err)
	}

	device := &store.Device{
		ID:           uuid.New().String(),
		UserID:       userID,
		Credential:   credential,
		Name:         info.Name,
		DeviceType:   info.DeviceType,
		Platform:     info.Platform,
		Capabilities: info.Capabilities,
		Online:       true,
		LastSeenAt:   now,
		CreatedAt:    now,
	}
	if err := r.store.CreateDevice(ctx, device); err != nil {
		if errors.Is(err, store.ErrDuplicateDeviceName) {
			return nil, ErrDuplicateDeviceName
		}
		return nil, fmt.Errorf("creating device: %w", err)
	}

	r.logger.Info("paired device", "user", userID, "device", device.ID, "name", device.Name)
	return device, nil
}

// validateCode checks the code exists, is unused, and is unexpired,
// returning the owning user.
func (r *Registry) validateCode(ctx context.Context, code string, now time.Time) (string, error) {
	pc, err := r.store.GetPairingCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrInvalidOrExpiredCode
	}
	if err != nil {
		return "", fmt.Errorf("looking up pairing code: %w", err)
	}
	if pc.Used || !now.Before(pc.ExpiresAt) {
		return "", ErrInvalidOrExpiredCode
	}
	return pc.UserID, nil
}

// checkName rejects a device name the user already has.
func (r *Registry) checkName(ctx context.Context, userID, name string) error {
	devices, err := r.store.ListDevices(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == name {
			return ErrDuplicateDeviceName
		}
	}
	return nil
}

// AuthenticateDevice returns the device for a credential, or
// ErrDeviceNotFound. A malformed or tampered credential is rejected
// before any database lookup.
func (r *Registry) AuthenticateDevice(ctx context.Context, credential string) (*store.Device, error) {
	if err := r.creds.Verify(credential); err != nil {
		return nil, ErrDeviceNotFound
	}
	device, err := r.store.GetDeviceByCredential(ctx, credential)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up device: %w", err)
	}
	return device, nil
}

// UpdateHeartbeat marks the device online now and returns the count of
// unexpired pending commands targeting it.
func (r *Registry) UpdateHeartbeat(ctx context.Context, credential string) (int, error) {
	device, err := r.AuthenticateDevice(ctx, credential)
	if err != nil {
		return 0, err
	}

	now := r.now()
	if err := r.store.TouchDevice(ctx, device.ID, now); err != nil {
		return 0, fmt.Errorf("recording heartbeat: %w", err)
	}

	pending, err := r.store.CountPendingForDevice(ctx, device.ID, now)
	if err != nil {
		return 0, fmt.Errorf("counting pending commands: %w", err)
	}
	return pending, nil
}

// ListDevices returns the user's devices with derived connection state.
func (r *Registry) ListDevices(ctx context.Context, userID string) ([]*DeviceView, error) {
	devices, err := r.store.ListDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	now := r.now()
	views := make([]*DeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, &DeviceView{Device: d, ConnState: d.ConnStateAt(now)})
	}
	return views, nil
}

// RemoveDevice deletes a device owned by the user.
func (r *Registry) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	err := r.store.DeleteDevice(ctx, userID, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrDeviceNotFound
	}
	return err
}

// randomDigits returns n uniformly random decimal digits.
func randomDigits(n int) (string, error) {
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits), nil
}
