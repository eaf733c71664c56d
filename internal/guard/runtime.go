// ABOUTME: Relay safety runtime: dead man's switch, panic button, process lock
// ABOUTME: One instance per process; pending entries and timers are in-memory only

package guard

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wardgate/wardgate/internal/gravity"
)

// Runtime errors.
var (
	ErrLocked           = errors.New("safety runtime is panic-locked")
	ErrDuplicatePending = errors.New("pending command id already queued")
)

// entryStatus is the single atomic state flag of a pending entry. A
// given entry moves pending -> cancelled XOR pending -> fired, never
// both; the transition happens under the runtime mutex.
type entryStatus int

const (
	entryPending entryStatus = iota
	entryCancelled
	entryFired
)

// PendingCommand is the in-memory record of a delayed command. It is
// intentionally non-durable: a process restart discards pending
// entries rather than silently resuming risky commands.
type PendingCommand struct {
	ID         string
	Text       string
	Assessment gravity.Assessment
	ExecuteAt  time.Time
	Cancelled  bool
}

type pendingEntry struct {
	PendingCommand
	status    entryStatus
	timer     Timer
	onExecute func(id string)
}

// Runtime holds all process-wide mutable safety state: the pending
// command table, armed timers, and the panic lock. Construct exactly
// one per process and pass it by reference.
type Runtime struct {
	mu      sync.Mutex
	clock   Clock
	logger  *slog.Logger
	pending map[string]*pendingEntry
	locked  bool
}

// NewRuntime creates the safety runtime with the given clock.
func NewRuntime(clock Clock) *Runtime {
	return &Runtime{
		clock:   clock,
		logger:  slog.Default().With("component", "guard"),
		pending: make(map[string]*pendingEntry),
	}
}

// QueueCommand arms a dead man's switch: unless cancelled within the
// delay, onExecute runs exactly once and the entry is removed. The
// callback's outcome is its own responsibility; the entry is removed
// whether or not it succeeds.
func (r *Runtime) QueueCommand(id, text string, a gravity.Assessment, delay time.Duration, onExecute func(id string)) (*PendingCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		return nil, ErrLocked
	}
	if _, exists := r.pending[id]; exists {
		return nil, ErrDuplicatePending
	}

	entry := &pendingEntry{
		PendingCommand: PendingCommand{
			ID:         id,
			Text:       text,
			Assessment: a,
			ExecuteAt:  r.clock.Now().Add(delay),
		},
		status:    entryPending,
		onExecute: onExecute,
	}
	entry.timer = r.clock.AfterFunc(delay, func() { r.fire(id) })
	r.pending[id] = entry

	r.logger.Info("armed dead man's switch",
		"id", id,
		"level", a.Level,
		"execute_at", entry.ExecuteAt,
	)

	pc := entry.PendingCommand
	return &pc, nil
}

// fire is the timer callback. It claims the entry under the lock and
// runs the callback outside it.
func (r *Runtime) fire(id string) {
	r.mu.Lock()
	entry, ok := r.pending[id]
	if !ok || entry.status != entryPending {
		r.mu.Unlock()
		return
	}
	entry.status = entryFired
	delete(r.pending, id)
	r.mu.Unlock()

	r.logger.Info("dead man's switch fired", "id", id)
	if entry.onExecute != nil {
		entry.onExecute(id)
	}
}

// CancelPendingCommand disarms a pending entry. Returns false if the
// entry does not exist or already fired; the transition is atomic with
// respect to a concurrently firing timer.
func (r *Runtime) CancelPendingCommand(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelLocked(id)
}

// cancelLocked must be called with the runtime mutex held.
func (r *Runtime) cancelLocked(id string) bool {
	entry, ok := r.pending[id]
	if !ok || entry.status != entryPending {
		return false
	}
	entry.status = entryCancelled
	entry.timer.Stop()
	delete(r.pending, id)
	r.logger.Info("cancelled pending command", "id", id)
	return true
}

// PendingCommands returns a snapshot of the currently armed entries.
func (r *Runtime) PendingCommands() []PendingCommand {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PendingCommand, 0, len(r.pending))
	for _, entry := range r.pending {
		out = append(out, entry.PendingCommand)
	}
	return out
}

// ExecutePanic cancels every pending command, engages the process-wide
// lock, and returns the ids that were cancelled. Further admission is
// refused until Unlock.
func (r *Runtime) ExecutePanic() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cancelled []string
	for id := range r.pending {
		if r.cancelLocked(id) {
			cancelled = append(cancelled, id)
		}
	}
	r.locked = true

	r.logger.Warn("panic button engaged", "cancelled", len(cancelled))
	return cancelled
}

// Locked reports whether the panic lock is engaged.
func (r *Runtime) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

// Unlock releases the panic lock. The caller is responsible for having
// re-authenticated the user first.
func (r *Runtime) Unlock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		r.locked = false
		r.logger.Info("panic lock released")
	}
}
