// ABOUTME: Inbound command flow: charge, assess, gate, enqueue, journal
// ABOUTME: Owns the panic path and the delayed-execution bookkeeping

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardgate/wardgate/internal/gravity"
	"github.com/wardgate/wardgate/internal/guard"
	"github.com/wardgate/wardgate/internal/journal"
	"github.com/wardgate/wardgate/internal/relay"
	"github.com/wardgate/wardgate/internal/store"
)

// ErrBlocked is returned when the guardian pass refuses a command.
var ErrBlocked = errors.New("command blocked")

// Decision tells the caller which path a command took.
type Decision string

const (
	DecisionBlocked      Decision = "blocked"
	DecisionQueued       Decision = "queued"
	DecisionConfirmation Decision = "confirmation_required"
	DecisionDelayed      Decision = "delayed"
)

// CommandRequest is one inbound command from a channel adapter. Text is
// the plaintext the risk engine scores; Payload is the end-to-end
// encrypted form the target device will receive.
type CommandRequest struct {
	UserID    string
	ChannelID string
	DeviceID  string
	Text      string
	Priority  int
	Payload   store.EncryptedPayload
}

// Outcome reports how a command was handled.
type Outcome struct {
	Decision   Decision
	Assessment gravity.Assessment
	Verdict    gravity.Verdict
	ActionID   string
	CommandID  string

	// ConfirmationToken is set when Decision is confirmation_required.
	ConfirmationToken string
	// ExecuteAt is set when Decision is delayed.
	ExecuteAt time.Time
}

// PanicResult reports what the panic switch cancelled.
type PanicResult struct {
	Cancelled    int
	CheckpointID string
}

type delayedMeta struct {
	req      CommandRequest
	actionID string
}

// Orchestrator drives every inbound command through charge, risk
// assessment, the guardian pass, and the action the assessment
// dictates. One per process, like the guard runtime it owns.
type Orchestrator struct {
	queue   *relay.Queue
	engine  *gravity.Engine
	runtime *guard.Runtime
	journal *journal.Journal
	tokens  *TokenIssuer
	biller  Biller
	logger  *slog.Logger

	costPerCommand int
	heavyDelay     time.Duration
	criticalDelay  time.Duration

	mu          sync.Mutex
	delayed     map[string]delayedMeta // guard entry id to metadata
	cmdToAction map[string]string      // command id to journal action id

	now func() time.Time
}

// Options configures the orchestrator.
type Options struct {
	CostPerCommand int // credits charged per admitted command (default 1)
	Biller         Biller

	// HeavyDelay and CriticalDelay override the assessment's default
	// admission delays when non-zero.
	HeavyDelay    time.Duration
	CriticalDelay time.Duration
}

// New wires the orchestrator and journals a restart marker: delayed
// commands from a previous process are discarded, never silently
// resumed, and the journal records that this happened.
func New(q *relay.Queue, e *gravity.Engine, r *guard.Runtime, j *journal.Journal, t *TokenIssuer, opts Options) (*Orchestrator, error) {
	if opts.CostPerCommand == 0 {
		opts.CostPerCommand = 1
	}
	if opts.Biller == nil {
		opts.Biller = NopBiller{}
	}

	o := &Orchestrator{
		queue:          q,
		engine:         e,
		runtime:        r,
		journal:        j,
		tokens:         t,
		biller:         opts.Biller,
		logger:         slog.Default().With("component", "orchestrator"),
		costPerCommand: opts.CostPerCommand,
		heavyDelay:     opts.HeavyDelay,
		criticalDelay:  opts.CriticalDelay,
		delayed:        make(map[string]delayedMeta),
		cmdToAction:    make(map[string]string),
		now:            time.Now,
	}

	entry, err := j.LogAction(&journal.ActionEntry{
		Type:        "runtime_restart",
		Summary:     "safety runtime restarted; prior delayed commands discarded",
		RequestedBy: "system",
	})
	if err != nil {
		return nil, fmt.Errorf("journaling restart: %w", err)
	}
	if err := j.UpdateActionStatus(entry.ID, journal.ActionCompleted, "clean start"); err != nil {
		return nil, fmt.Errorf("journaling restart: %w", err)
	}

	return o, nil
}

// HandleCommand runs one inbound command through the full admission
// flow. The charge happens first; any path that does not admit the
// command refunds it.
func (o *Orchestrator) HandleCommand(ctx context.Context, req CommandRequest) (*Outcome, error) {
	if o.runtime.Locked() {
		return nil, guard.ErrLocked
	}

	if err := o.biller.Charge(ctx, req.UserID, o.costPerCommand); err != nil {
		return nil, fmt.Errorf("charging user: %w", err)
	}

	assessment := o.engine.Assess(req.Text)
	verdict := gravity.GuardianCheck(req.Text, assessment, o.now())

	outcome := &Outcome{Assessment: assessment, Verdict: verdict}

	if verdict.Blocked {
		o.refund(ctx, req.UserID)
		o.journalBlocked(req, assessment, verdict)
		outcome.Decision = DecisionBlocked
		return outcome, fmt.Errorf("%w: %v", ErrBlocked, verdict.Signals)
	}

	// Medium and heavy commands snapshot before they enter the queue.
	// Critical commands snapshot when the delay elapses, in fireDelayed,
	// so the checkpoint reflects state just before execution.
	if assessment.RequiresCheckpoint() && assessment.Action != gravity.ActionDelayedExecution {
		if _, err := o.checkpointBefore(req); err != nil {
			o.refund(ctx, req.UserID)
			return nil, fmt.Errorf("creating pre-command checkpoint: %w", err)
		}
	}

	switch assessment.Action {
	case gravity.ActionExecute, gravity.ActionLogAndExecute, gravity.ActionCheckpointAndExecute:
		return o.admit(ctx, req, assessment, outcome, false)
	case gravity.ActionConfirmRequired:
		return o.admit(ctx, req, assessment, outcome, true)
	case gravity.ActionDelayedExecution:
		return o.delay(ctx, req, assessment, outcome)
	default:
		o.refund(ctx, req.UserID)
		return nil, fmt.Errorf("unknown gravity action %q", assessment.Action)
	}
}

// admit journals and enqueues a command, held for confirmation or not.
func (o *Orchestrator) admit(ctx context.Context, req CommandRequest, a gravity.Assessment, outcome *Outcome, hold bool) (*Outcome, error) {
	cmd, err := o.queue.Enqueue(ctx, relay.EnqueueRequest{
		UserID:            req.UserID,
		DeviceID:          req.DeviceID,
		Priority:          req.Priority,
		CreditsCharged:    o.costPerCommand,
		Payload:           req.Payload,
		AwaitConfirmation: hold,
	})
	if err != nil {
		o.refund(ctx, req.UserID)
		return nil, err
	}

	entry, jerr := o.journal.LogAction(&journal.ActionEntry{
		Type:        "device_command",
		Summary:     summarize(req.Text),
		RequestedBy: req.UserID,
		DeviceID:    req.DeviceID,
		Detail: map[string]any{
			"command_id":    cmd.ID,
			"channel_id":    req.ChannelID,
			"gravity_score": a.Score,
			"gravity_level": string(a.Level),
		},
	})
	if jerr != nil {
		return nil, jerr
	}

	o.mu.Lock()
	o.cmdToAction[cmd.ID] = entry.ID
	o.mu.Unlock()

	outcome.CommandID = cmd.ID
	outcome.ActionID = entry.ID

	if hold {
		token, err := o.tokens.IssueConfirmationToken(cmd.ID, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("issuing confirmation token: %w", err)
		}
		outcome.Decision = DecisionConfirmation
		outcome.ConfirmationToken = token
		o.logger.Info("command held for confirmation",
			"command", cmd.ID, "user", req.UserID, "score", a.Score)
		return outcome, nil
	}

	outcome.Decision = DecisionQueued
	return outcome, nil
}

// delay journals the command and arms the dead man's switch; the fire
// callback performs the actual enqueue.
func (o *Orchestrator) delay(ctx context.Context, req CommandRequest, a gravity.Assessment, outcome *Outcome) (*Outcome, error) {
	entry, err := o.journal.LogAction(&journal.ActionEntry{
		Type:        "device_command",
		Summary:     summarize(req.Text),
		RequestedBy: req.UserID,
		DeviceID:    req.DeviceID,
		Detail: map[string]any{
			"channel_id":    req.ChannelID,
			"gravity_score": a.Score,
			"gravity_level": string(a.Level),
			"delayed":       true,
		},
	})
	if err != nil {
		o.refund(ctx, req.UserID)
		return nil, err
	}

	// Metadata goes in before the timer is armed; a very short
	// configured delay must still find it when the callback runs.
	o.mu.Lock()
	o.delayed[entry.ID] = delayedMeta{req: req, actionID: entry.ID}
	o.mu.Unlock()

	pending, err := o.runtime.QueueCommand(entry.ID, req.Text, a, o.delayFor(a), o.fireDelayed)
	if err != nil {
		o.mu.Lock()
		delete(o.delayed, entry.ID)
		o.mu.Unlock()
		o.refund(ctx, req.UserID)
		if uerr := o.journal.UpdateActionStatus(entry.ID, journal.ActionCancelled, "refused: "+err.Error()); uerr != nil {
			o.logger.Error("journal update failed", "action", entry.ID, "error", uerr)
		}
		return nil, err
	}

	outcome.Decision = DecisionDelayed
	outcome.ActionID = entry.ID
	outcome.ExecuteAt = pending.ExecuteAt
	o.logger.Info("command delayed",
		"action", entry.ID, "user", req.UserID, "score", a.Score, "until", pending.ExecuteAt)
	return outcome, nil
}

// fireDelayed is the dead man's switch callback: the delay elapsed
// without cancellation, so the command finally enters the queue.
func (o *Orchestrator) fireDelayed(id string) {
	o.mu.Lock()
	meta, ok := o.delayed[id]
	delete(o.delayed, id)
	o.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()

	if _, err := o.checkpointBefore(meta.req); err != nil {
		o.refund(ctx, meta.req.UserID)
		if uerr := o.journal.UpdateActionStatus(meta.actionID, journal.ActionFailed, "checkpoint after delay failed: "+err.Error()); uerr != nil {
			o.logger.Error("journal update failed", "action", meta.actionID, "error", uerr)
		}
		o.logger.Error("delayed command not admitted", "action", id, "error", err)
		return
	}

	cmd, err := o.queue.Enqueue(ctx, relay.EnqueueRequest{
		UserID:         meta.req.UserID,
		DeviceID:       meta.req.DeviceID,
		Priority:       meta.req.Priority,
		CreditsCharged: o.costPerCommand,
		Payload:        meta.req.Payload,
	})
	if err != nil {
		o.refund(ctx, meta.req.UserID)
		if uerr := o.journal.UpdateActionStatus(meta.actionID, journal.ActionFailed, "enqueue after delay failed: "+err.Error()); uerr != nil {
			o.logger.Error("journal update failed", "action", meta.actionID, "error", uerr)
		}
		o.logger.Error("delayed command not admitted", "action", id, "error", err)
		return
	}

	o.mu.Lock()
	o.cmdToAction[cmd.ID] = meta.actionID
	o.mu.Unlock()

	o.logger.Info("delayed command released", "action", id, "command", cmd.ID)
}

// CancelDelayed withdraws a delayed command before it fires, refunding
// the charge. Returns false if the command already fired or is unknown.
func (o *Orchestrator) CancelDelayed(ctx context.Context, id string) bool {
	if !o.runtime.CancelPendingCommand(id) {
		return false
	}

	o.mu.Lock()
	meta, ok := o.delayed[id]
	delete(o.delayed, id)
	o.mu.Unlock()
	if !ok {
		return true
	}

	o.refund(ctx, meta.req.UserID)
	if err := o.journal.UpdateActionStatus(meta.actionID, journal.ActionCancelled, "cancelled during delay"); err != nil {
		o.logger.Error("journal update failed", "action", meta.actionID, "error", err)
	}
	return true
}

// ConfirmCommand verifies a confirmation token and promotes the held
// command. An expectedID other than "" must match the token's command.
// The store guarantees exactly one promotion.
func (o *Orchestrator) ConfirmCommand(ctx context.Context, expectedID, token string) (string, error) {
	commandID, err := o.tokens.VerifyConfirmationToken(token)
	if err != nil {
		return "", err
	}
	if expectedID != "" && expectedID != commandID {
		return "", fmt.Errorf("%w: token is for a different command", ErrInvalidToken)
	}
	if err := o.queue.Confirm(ctx, commandID); err != nil {
		return "", err
	}
	return commandID, nil
}

// CancelCommand withdraws an undelivered command and refunds it.
func (o *Orchestrator) CancelCommand(ctx context.Context, commandID string) error {
	cmd, err := o.queue.Get(ctx, commandID)
	if err != nil {
		return err
	}
	if err := o.queue.Cancel(ctx, commandID); err != nil {
		return err
	}

	if err := o.biller.Refund(ctx, cmd.UserID, cmd.CreditsCharged); err != nil {
		o.logger.Error("refund failed", "user", cmd.UserID, "error", err)
	}
	if actionID := o.actionFor(commandID); actionID != "" {
		if err := o.journal.UpdateActionStatus(actionID, journal.ActionCancelled, "cancelled by user"); err != nil {
			o.logger.Error("journal update failed", "action", actionID, "error", err)
		}
	}
	return nil
}

// ReportResult records a device's result and closes the journal entry.
// Execution failures are not refunded; the relay did its job.
func (o *Orchestrator) ReportResult(ctx context.Context, commandID string, succeeded bool, result *store.EncryptedPayload) error {
	if err := o.queue.ReportResult(ctx, commandID, succeeded, result); err != nil {
		return err
	}

	if actionID := o.actionFor(commandID); actionID != "" {
		status := journal.ActionCompleted
		note := "device reported success"
		if !succeeded {
			status = journal.ActionFailed
			note = "device reported failure"
		}
		if err := o.journal.UpdateActionStatus(actionID, status, note); err != nil {
			o.logger.Error("journal update failed", "action", actionID, "error", err)
		}
	}
	return nil
}

// Panic cancels every delayed command, refunds them, snapshots a
// checkpoint, and locks admission until Unlock. The channel id records
// where the panic came from.
func (o *Orchestrator) Panic(ctx context.Context, userID, channelID string) (*PanicResult, error) {
	cancelled := o.runtime.ExecutePanic()

	for _, id := range cancelled {
		o.mu.Lock()
		meta, ok := o.delayed[id]
		delete(o.delayed, id)
		o.mu.Unlock()
		if !ok {
			continue
		}
		o.refund(ctx, meta.req.UserID)
		if err := o.journal.UpdateActionStatus(meta.actionID, journal.ActionCancelled, "panic"); err != nil {
			o.logger.Error("journal update failed", "action", meta.actionID, "error", err)
		}
	}

	cp, err := o.journal.CreateCheckpoint(journal.CheckpointRequest{
		Name:        "panic",
		Auto:        true,
		RequestedBy: userID,
	})
	if err != nil {
		return nil, fmt.Errorf("creating panic checkpoint: %w", err)
	}

	entry, err := o.journal.LogAction(&journal.ActionEntry{
		Type:        "panic_activated",
		Summary:     fmt.Sprintf("panic switch: %d delayed commands cancelled", len(cancelled)),
		RequestedBy: userID,
		Detail: map[string]any{
			"checkpoint_id": cp.ID,
			"channel_id":    channelID,
			"cancelled":     len(cancelled),
		},
	})
	if err != nil {
		return nil, err
	}
	if err := o.journal.UpdateActionStatus(entry.ID, journal.ActionCompleted, "locked"); err != nil {
		o.logger.Error("journal update failed", "action", entry.ID, "error", err)
	}

	o.logger.Warn("panic activated",
		"user", userID, "channel", channelID, "cancelled", len(cancelled), "checkpoint", cp.ID)
	return &PanicResult{Cancelled: len(cancelled), CheckpointID: cp.ID}, nil
}

// Unlock releases the panic lock given a valid re-auth token.
func (o *Orchestrator) Unlock(ctx context.Context, token string) (string, error) {
	userID, err := o.tokens.VerifyUnlockToken(token)
	if err != nil {
		return "", err
	}

	o.runtime.Unlock()

	entry, jerr := o.journal.LogAction(&journal.ActionEntry{
		Type:        "panic_unlocked",
		Summary:     "panic lock released",
		RequestedBy: userID,
	})
	if jerr == nil {
		if err := o.journal.UpdateActionStatus(entry.ID, journal.ActionCompleted, ""); err != nil {
			o.logger.Error("journal update failed", "action", entry.ID, "error", err)
		}
	}

	o.logger.Info("panic lock released", "user", userID)
	return userID, nil
}

// PendingDelayed lists the commands currently held by the dead man's
// switch.
func (o *Orchestrator) PendingDelayed() []guard.PendingCommand {
	return o.runtime.PendingCommands()
}

// Locked reports whether the panic lock is active.
func (o *Orchestrator) Locked() bool { return o.runtime.Locked() }

func (o *Orchestrator) journalBlocked(req CommandRequest, a gravity.Assessment, v gravity.Verdict) {
	entry, err := o.journal.LogAction(&journal.ActionEntry{
		Type:        "command_blocked",
		Summary:     summarize(req.Text),
		RequestedBy: req.UserID,
		DeviceID:    req.DeviceID,
		Detail: map[string]any{
			"gravity_score": a.Score,
			"suspicion":     v.Suspicion,
			"signals":       v.Signals,
		},
	})
	if err != nil {
		o.logger.Error("journaling blocked command failed", "error", err)
		return
	}
	if err := o.journal.UpdateActionStatus(entry.ID, journal.ActionCancelled, "blocked by guardian pass"); err != nil {
		o.logger.Error("journal update failed", "action", entry.ID, "error", err)
	}
}

// checkpointBefore snapshots an automatic checkpoint ahead of a risky
// command.
func (o *Orchestrator) checkpointBefore(req CommandRequest) (*journal.Checkpoint, error) {
	return o.journal.CreateCheckpoint(journal.CheckpointRequest{
		Name:        "before: " + summarize(req.Text),
		Auto:        true,
		RequestedBy: req.UserID,
	})
}

// delayFor applies configured delay overrides to the assessment's
// default.
func (o *Orchestrator) delayFor(a gravity.Assessment) time.Duration {
	switch a.Level {
	case gravity.LevelHeavy:
		if o.heavyDelay > 0 {
			return o.heavyDelay
		}
	case gravity.LevelCritical:
		if o.criticalDelay > 0 {
			return o.criticalDelay
		}
	}
	return a.Delay
}

func (o *Orchestrator) actionFor(commandID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cmdToAction[commandID]
}

func (o *Orchestrator) refund(ctx context.Context, userID string) {
	if err := o.biller.Refund(ctx, userID, o.costPerCommand); err != nil {
		o.logger.Error("refund failed", "user", userID, "error", err)
	}
}

// summarize truncates command text for journal summaries.
func summarize(text string) string {
	const maxLen = 120
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}
