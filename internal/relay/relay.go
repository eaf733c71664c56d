// ABOUTME: Command queue service: admission, delivery, confirmation, results
// ABOUTME: Wraps the store's conditional transitions with queue policy

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardgate/wardgate/internal/store"
)

var (
	// ErrTooManyPending is returned when a user's outstanding commands
	// hit the per-user cap.
	ErrTooManyPending = errors.New("too many pending commands")
)

// Store is the persistence surface the queue needs.
type Store interface {
	EnqueueCommand(ctx context.Context, cmd *store.RelayCommand) error
	GetCommand(ctx context.Context, id string) (*store.RelayCommand, error)
	ClaimPendingCommands(ctx context.Context, deviceID string, limit int, now time.Time) ([]*store.RelayCommand, error)
	MarkExecuting(ctx context.Context, id string) error
	CompleteCommand(ctx context.Context, id string, status store.CommandStatus, result *store.EncryptedPayload, now time.Time) error
	CancelCommand(ctx context.Context, id string) error
	ConfirmCommand(ctx context.Context, id string) error
	ExpireStaleCommands(ctx context.Context, now time.Time) (int, error)
	CountPendingForUser(ctx context.Context, userID string) (int, error)
}

// Queue enforces admission policy over the command store. All state
// transitions go through the store's conditional updates, so concurrent
// callers racing on the same command see exactly one winner.
type Queue struct {
	store      Store
	logger     *slog.Logger
	maxPending int
	commandTTL time.Duration
	pollLimit  int

	now func() time.Time
}

// Options configures queue policy.
type Options struct {
	MaxPendingPerUser int           // per-user outstanding cap (default 20)
	CommandTTL        time.Duration // undelivered/unconfirmed lifetime (default 10m)
	PollLimit         int           // max commands handed out per poll (default 10)
}

// NewQueue builds a queue over the given store.
func NewQueue(s Store, opts Options) *Queue {
	if opts.MaxPendingPerUser == 0 {
		opts.MaxPendingPerUser = 20
	}
	if opts.CommandTTL == 0 {
		opts.CommandTTL = 10 * time.Minute
	}
	if opts.PollLimit == 0 {
		opts.PollLimit = 10
	}
	return &Queue{
		store:      s,
		logger:     slog.Default().With("component", "relay"),
		maxPending: opts.MaxPendingPerUser,
		commandTTL: opts.CommandTTL,
		pollLimit:  opts.PollLimit,
		now:        time.Now,
	}
}

// EnqueueRequest carries everything needed to admit one command.
type EnqueueRequest struct {
	UserID         string
	DeviceID       string
	Priority       int
	CreditsCharged int
	Payload        store.EncryptedPayload

	// AwaitConfirmation parks the command until Confirm promotes it.
	AwaitConfirmation bool
}

// Enqueue admits a command, enforcing the per-user outstanding cap.
// Commands held for confirmation count against the cap too.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*store.RelayCommand, error) {
	pending, err := q.store.CountPendingForUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if pending >= q.maxPending {
		return nil, fmt.Errorf("%w: %d outstanding", ErrTooManyPending, pending)
	}

	status := store.StatusPending
	if req.AwaitConfirmation {
		status = store.StatusAwaitingConfirmation
	}

	now := q.now().UTC()
	cmd := &store.RelayCommand{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		DeviceID:       req.DeviceID,
		Status:         status,
		Priority:       req.Priority,
		CreditsCharged: req.CreditsCharged,
		Payload:        req.Payload,
		CreatedAt:      now,
		ExpiresAt:      now.Add(q.commandTTL),
	}
	if err := q.store.EnqueueCommand(ctx, cmd); err != nil {
		return nil, err
	}

	q.logger.Info("enqueued command",
		"id", cmd.ID, "user", req.UserID, "device", req.DeviceID, "status", status)
	return cmd, nil
}

// Poll sweeps expired commands, then claims up to the poll limit of
// pending commands for the device, transitioning each to delivered.
func (q *Queue) Poll(ctx context.Context, deviceID string) ([]*store.RelayCommand, error) {
	now := q.now().UTC()
	if _, err := q.store.ExpireStaleCommands(ctx, now); err != nil {
		return nil, err
	}

	claimed, err := q.store.ClaimPendingCommands(ctx, deviceID, q.pollLimit, now)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		q.logger.Debug("delivered commands", "device", deviceID, "count", len(claimed))
	}
	return claimed, nil
}

// Confirm promotes an awaiting_confirmation command to pending. Exactly
// one caller wins; a second confirmation returns store.ErrConflict.
func (q *Queue) Confirm(ctx context.Context, commandID string) error {
	if err := q.store.ConfirmCommand(ctx, commandID); err != nil {
		return err
	}
	q.logger.Info("confirmed command", "id", commandID)
	return nil
}

// Cancel withdraws a command that has not yet been delivered.
func (q *Queue) Cancel(ctx context.Context, commandID string) error {
	if err := q.store.CancelCommand(ctx, commandID); err != nil {
		return err
	}
	q.logger.Info("cancelled command", "id", commandID)
	return nil
}

// MarkExecuting records that a device started running a delivered
// command.
func (q *Queue) MarkExecuting(ctx context.Context, commandID string) error {
	return q.store.MarkExecuting(ctx, commandID)
}

// ReportResult stores a device's encrypted result and moves the command
// to its terminal status.
func (q *Queue) ReportResult(ctx context.Context, commandID string, succeeded bool, result *store.EncryptedPayload) error {
	status := store.StatusCompleted
	if !succeeded {
		status = store.StatusFailed
	}
	if err := q.store.CompleteCommand(ctx, commandID, status, result, q.now().UTC()); err != nil {
		return err
	}
	q.logger.Info("command finished", "id", commandID, "status", status)
	return nil
}

// Get returns one command row.
func (q *Queue) Get(ctx context.Context, commandID string) (*store.RelayCommand, error) {
	return q.store.GetCommand(ctx, commandID)
}

// Sweep expires stale pending, delivered, and awaiting_confirmation
// commands once. Main runs this on a ticker; Poll also runs it
// opportunistically.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	n, err := q.store.ExpireStaleCommands(ctx, q.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("expired stale commands", "count", n)
	}
	return n, nil
}

// RunSweeper blocks, sweeping on the given interval until the context
// is cancelled.
func (q *Queue) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Sweep(ctx); err != nil {
				q.logger.Error("sweep failed", "error", err)
			}
		}
	}
}
