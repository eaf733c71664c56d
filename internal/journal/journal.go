// ABOUTME: Append-only action journal with fold-on-read state reconstruction
// ABOUTME: Base and update records are JSONL lines; nothing is rewritten in place

package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Journal errors with distinct, reportable reasons.
var (
	ErrActionNotFound  = errors.New("action not found")
	ErrNotCompleted    = errors.New("action is not completed")
	ErrIrreversible    = errors.New("action is irreversible")
	ErrMissingUndoInfo = errors.New("action has no undo information")
)

// ActionStatus tracks an action through its lifecycle.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionExecuting  ActionStatus = "executing"
	ActionCompleted  ActionStatus = "completed"
	ActionFailed     ActionStatus = "failed"
	ActionCancelled  ActionStatus = "cancelled"
	ActionRolledBack ActionStatus = "rolled_back"
)

// Reversibility classifies how much of an action undo can recover.
type Reversibility string

const (
	Reversible          Reversibility = "reversible"
	PartiallyReversible Reversibility = "partially_reversible"
	Irreversible        Reversibility = "irreversible"
)

// ActionEntry is the folded view of one journaled action.
type ActionEntry struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Summary       string         `json:"summary"`
	Detail        map[string]any `json:"detail,omitempty"`
	Status        ActionStatus   `json:"status"`
	Reversibility Reversibility  `json:"reversibility"`
	PreState      map[string]any `json:"pre_state,omitempty"`
	Undo          *UndoAction    `json:"undo,omitempty"`
	CheckpointID  string         `json:"checkpoint_id,omitempty"`
	RequestedBy   string         `json:"requested_by"`
	DeviceID      string         `json:"device_id,omitempty"`
	Result        string         `json:"result,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// record is one JSONL line: a base action record or an update record.
type record struct {
	Record string `json:"record"` // "action" or "update"

	// Base fields
	Action *ActionEntry `json:"action,omitempty"`

	// Update fields
	ID     string       `json:"id,omitempty"`
	Status ActionStatus `json:"status,omitempty"`
	Result string       `json:"result,omitempty"`
	At     time.Time    `json:"at,omitempty"`
}

const (
	recordAction = "action"
	recordUpdate = "update"
)

// defaultReadCap bounds how many folded actions readers get back; the
// log itself stays unbounded until Compact runs.
const defaultReadCap = 500

// Journal is the append-only action log plus checkpoint and memory
// version storage rooted at one directory.
type Journal struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger

	mem *MemoryStore

	checkpointCap     int
	autoCheckpointCap int

	now func() time.Time
}

// Options configures journal retention.
type Options struct {
	CheckpointCap     int // total checkpoints retained (default 50)
	AutoCheckpointCap int // automatic checkpoints retained (default 30)
}

// Open creates or opens a journal rooted at dir. The directory and its
// memory-version subdirectory are created if needed.
func Open(dir string, opts Options) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	mem, err := OpenMemoryStore(filepath.Join(dir, "memory"))
	if err != nil {
		return nil, err
	}

	if opts.CheckpointCap == 0 {
		opts.CheckpointCap = 50
	}
	if opts.AutoCheckpointCap == 0 {
		opts.AutoCheckpointCap = 30
	}

	j := &Journal{
		dir:               dir,
		logger:            slog.Default().With("component", "journal"),
		mem:               mem,
		checkpointCap:     opts.CheckpointCap,
		autoCheckpointCap: opts.AutoCheckpointCap,
		now:               time.Now,
	}

	j.logger.Info("journal opened", "dir", dir)
	return j, nil
}

// Memory exposes the journal's memory-version store.
func (j *Journal) Memory() *MemoryStore { return j.mem }

func (j *Journal) logPath() string {
	return filepath.Join(j.dir, "actions.log")
}

// LogAction appends an immutable base record. The entry's ID, status,
// and creation time are generated; the caller's entry is updated with
// them and returned.
func (j *Journal) LogAction(entry *ActionEntry) (*ActionEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry.ID = uuid.New().String()
	entry.Status = ActionPending
	entry.CreatedAt = j.now().UTC()
	if entry.Reversibility == "" {
		entry.Reversibility = Irreversible
	}
	if entry.Undo != nil {
		if err := entry.Undo.Validate(); err != nil {
			return nil, fmt.Errorf("validating undo descriptor: %w", err)
		}
	}

	if err := j.appendLocked(record{Record: recordAction, Action: entry}); err != nil {
		return nil, err
	}

	j.logger.Debug("logged action", "id", entry.ID, "type", entry.Type)
	return entry, nil
}

// UpdateActionStatus appends an update record for the given action. The
// base record is never rewritten; readers fold updates onto it.
func (j *Journal) UpdateActionStatus(id string, status ActionStatus, result string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.updateLocked(id, status, result)
}

func (j *Journal) updateLocked(id string, status ActionStatus, result string) error {
	actions, err := j.foldLocked()
	if err != nil {
		return err
	}
	if _, ok := actions.byID[id]; !ok {
		return ErrActionNotFound
	}

	if err := j.appendLocked(record{
		Record: recordUpdate,
		ID:     id,
		Status: status,
		Result: result,
		At:     j.now().UTC(),
	}); err != nil {
		return err
	}

	j.logger.Debug("updated action", "id", id, "status", status)
	return nil
}

// GetRecentActions folds the log and returns up to limit actions,
// newest first. The fold is pure: identical log contents produce
// identical output.
func (j *Journal) GetRecentActions(limit int) ([]*ActionEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if limit <= 0 || limit > defaultReadCap {
		limit = defaultReadCap
	}

	folded, err := j.foldLocked()
	if err != nil {
		return nil, err
	}

	entries := folded.newestFirst()
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// GetAction returns the folded view of one action.
func (j *Journal) GetAction(id string) (*ActionEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	folded, err := j.foldLocked()
	if err != nil {
		return nil, err
	}
	entry, ok := folded.byID[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	return entry, nil
}

// GetUndoableActions returns completed, reversible actions that carry
// undo information, newest first.
func (j *Journal) GetUndoableActions() ([]*ActionEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	folded, err := j.foldLocked()
	if err != nil {
		return nil, err
	}

	var out []*ActionEntry
	for _, entry := range folded.newestFirst() {
		if entry.Status == ActionCompleted && entry.Reversibility != Irreversible && entry.Undo != nil {
			out = append(out, entry)
		}
	}
	return out, nil
}

// foldedLog is the result of replaying the journal: entries in append
// order plus an index by id.
type foldedLog struct {
	order []*ActionEntry
	byID  map[string]*ActionEntry
}

func (f *foldedLog) newestFirst() []*ActionEntry {
	out := make([]*ActionEntry, len(f.order))
	for i, e := range f.order {
		out[len(f.order)-1-i] = e
	}
	return out
}

// foldLocked replays the full log, folding update records onto their
// base records by id. Updates for the same id apply in append order;
// updates for unknown ids are skipped. Must be called with mu held.
func (j *Journal) foldLocked() (*foldedLog, error) {
	folded := &foldedLog{byID: make(map[string]*ActionEntry)}

	f, err := os.Open(j.logPath())
	if errors.Is(err, os.ErrNotExist) {
		return folded, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening journal log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("parsing journal record: %w", err)
		}

		switch rec.Record {
		case recordAction:
			if rec.Action == nil {
				continue
			}
			entry := *rec.Action
			folded.order = append(folded.order, &entry)
			folded.byID[entry.ID] = &entry
		case recordUpdate:
			entry, ok := folded.byID[rec.ID]
			if !ok {
				continue
			}
			entry.Status = rec.Status
			if rec.Result != "" {
				entry.Result = rec.Result
			}
			if rec.Status == ActionCompleted || rec.Status == ActionFailed {
				at := rec.At
				entry.CompletedAt = &at
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading journal log: %w", err)
	}
	return folded, nil
}

// appendLocked writes one record as a JSONL line and fsyncs it.
// Must be called with mu held.
func (j *Journal) appendLocked(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling journal record: %w", err)
	}

	f, err := os.OpenFile(j.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening journal log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending journal record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing journal log: %w", err)
	}
	return nil
}

// Compact rewrites the log as folded base records, discarding update
// records. The fold result is unchanged; only linear-scan cost shrinks.
func (j *Journal) Compact() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	folded, err := j.foldLocked()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(j.dir, "actions-compact-*")
	if err != nil {
		return fmt.Errorf("creating compaction file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	w := bufio.NewWriter(tmp)
	for _, entry := range folded.order {
		data, err := json.Marshal(record{Record: recordAction, Action: entry})
		if err != nil {
			tmp.Close()
			return fmt.Errorf("marshaling compacted record: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("writing compacted record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing compacted log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing compacted log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing compacted log: %w", err)
	}

	if err := os.Rename(tmpName, j.logPath()); err != nil {
		return fmt.Errorf("replacing journal log: %w", err)
	}

	j.logger.Info("compacted journal", "actions", len(folded.order))
	return nil
}
