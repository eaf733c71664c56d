// ABOUTME: Checkpoint storage: named snapshot markers with capped retention
// ABOUTME: Automatic checkpoints are evicted oldest-first; manual ones never by cap

package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrCheckpointNotFound is returned for an unknown checkpoint id.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint marks a journal position and memory version that rollback
// can return to.
type Checkpoint struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Auto          bool      `json:"auto"`
	LastActionID  string    `json:"last_action_id,omitempty"`
	MemoryVersion int64     `json:"memory_version"`
	DeviceSummary string    `json:"device_summary,omitempty"`
	RequestedBy   string    `json:"requested_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// CheckpointRequest carries the caller-supplied checkpoint fields.
type CheckpointRequest struct {
	Name          string
	Description   string
	Auto          bool
	DeviceSummary string
	RequestedBy   string
}

func (j *Journal) checkpointPath() string {
	return filepath.Join(j.dir, "checkpoints.json")
}

// CreateCheckpoint snapshots the id of the most recent action and the
// current memory version. The journal lock is held throughout so the
// checkpoint never references a half-appended action.
func (j *Journal) CreateCheckpoint(req CheckpointRequest) (*Checkpoint, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	folded, err := j.foldLocked()
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		ID:            uuid.New().String(),
		Name:          req.Name,
		Description:   req.Description,
		Auto:          req.Auto,
		MemoryVersion: j.mem.CurrentVersion(),
		DeviceSummary: req.DeviceSummary,
		RequestedBy:   req.RequestedBy,
		CreatedAt:     j.now().UTC(),
	}
	if n := len(folded.order); n > 0 {
		cp.LastActionID = folded.order[n-1].ID
	}

	checkpoints, err := j.loadCheckpointsLocked()
	if err != nil {
		return nil, err
	}
	checkpoints = append(checkpoints, cp)
	checkpoints = pruneCheckpoints(checkpoints, j.checkpointCap, j.autoCheckpointCap)

	if err := j.saveCheckpointsLocked(checkpoints); err != nil {
		return nil, err
	}

	j.logger.Info("created checkpoint", "id", cp.ID, "name", cp.Name, "auto", cp.Auto)
	return cp, nil
}

// ListCheckpoints returns all retained checkpoints, newest first.
func (j *Journal) ListCheckpoints() ([]*Checkpoint, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	checkpoints, err := j.loadCheckpointsLocked()
	if err != nil {
		return nil, err
	}

	out := make([]*Checkpoint, len(checkpoints))
	for i, cp := range checkpoints {
		out[len(checkpoints)-1-i] = cp
	}
	return out, nil
}

// GetCheckpoint returns one checkpoint by id.
func (j *Journal) GetCheckpoint(id string) (*Checkpoint, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.getCheckpointLocked(id)
}

func (j *Journal) getCheckpointLocked(id string) (*Checkpoint, error) {
	checkpoints, err := j.loadCheckpointsLocked()
	if err != nil {
		return nil, err
	}
	for _, cp := range checkpoints {
		if cp.ID == id {
			return cp, nil
		}
	}
	return nil, ErrCheckpointNotFound
}

// pruneCheckpoints enforces the retention caps: automatic checkpoints
// beyond autoCap go first (oldest first), then older automatic ones
// until the total fits. Manual checkpoints are never evicted here.
func pruneCheckpoints(checkpoints []*Checkpoint, totalCap, autoCap int) []*Checkpoint {
	autoCount := 0
	for _, cp := range checkpoints {
		if cp.Auto {
			autoCount++
		}
	}

	evictAuto := 0
	if autoCount > autoCap {
		evictAuto = autoCount - autoCap
	}
	if over := len(checkpoints) - evictAuto - totalCap; over > 0 {
		evictAuto += over
	}
	if evictAuto > autoCount {
		evictAuto = autoCount
	}

	if evictAuto == 0 {
		return checkpoints
	}

	// Entries are in creation order, so the first automatic ones found
	// are the oldest.
	out := checkpoints[:0:0]
	for _, cp := range checkpoints {
		if cp.Auto && evictAuto > 0 {
			evictAuto--
			continue
		}
		out = append(out, cp)
	}
	return out
}

// loadCheckpointsLocked reads the checkpoint list in creation order.
func (j *Journal) loadCheckpointsLocked() ([]*Checkpoint, error) {
	data, err := os.ReadFile(j.checkpointPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoints: %w", err)
	}

	var checkpoints []*Checkpoint
	if err := json.Unmarshal(data, &checkpoints); err != nil {
		return nil, fmt.Errorf("parsing checkpoints: %w", err)
	}
	return checkpoints, nil
}

func (j *Journal) saveCheckpointsLocked(checkpoints []*Checkpoint) error {
	data, err := json.MarshalIndent(checkpoints, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoints: %w", err)
	}
	if err := os.WriteFile(j.checkpointPath(), data, 0644); err != nil {
		return fmt.Errorf("writing checkpoints: %w", err)
	}
	return nil
}
