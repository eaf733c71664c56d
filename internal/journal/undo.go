// ABOUTME: Tagged undo descriptors, one strongly-typed payload per undo kind
// ABOUTME: Validation and application both switch exhaustively on the kind

package journal

import (
	"fmt"
	"os"
)

// UndoKind discriminates the undo payload union.
type UndoKind string

const (
	UndoRestoreFile   UndoKind = "restore_file"
	UndoRestoreMemory UndoKind = "restore_memory"
	UndoRestoreConfig UndoKind = "restore_config"
)

// UndoAction is a tagged union: exactly the payload matching Kind must
// be set. Validate enforces this at journal-write time so the log never
// carries an ambiguous descriptor.
type UndoAction struct {
	Kind   UndoKind           `json:"kind"`
	File   *RestoreFileUndo   `json:"file,omitempty"`
	Memory *RestoreMemoryUndo `json:"memory,omitempty"`
	Config *RestoreConfigUndo `json:"config,omitempty"`
}

// RestoreFileUndo restores a file's prior contents.
type RestoreFileUndo struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
	Mode     uint32 `json:"mode,omitempty"`
}

// RestoreMemoryUndo restores persisted memory to a prior version.
type RestoreMemoryUndo struct {
	TargetVersion int64 `json:"target_version"`
}

// RestoreConfigUndo restores one configuration key's prior value.
type RestoreConfigUndo struct {
	Key      string `json:"key"`
	Previous any    `json:"previous"`
}

// Validate checks the payload matches the kind.
func (u *UndoAction) Validate() error {
	switch u.Kind {
	case UndoRestoreFile:
		if u.File == nil || u.File.Path == "" {
			return fmt.Errorf("restore_file undo requires a file payload with a path")
		}
	case UndoRestoreMemory:
		if u.Memory == nil || u.Memory.TargetVersion <= 0 {
			return fmt.Errorf("restore_memory undo requires a positive target version")
		}
	case UndoRestoreConfig:
		if u.Config == nil || u.Config.Key == "" {
			return fmt.Errorf("restore_config undo requires a config payload with a key")
		}
	default:
		return fmt.Errorf("unknown undo kind %q", u.Kind)
	}
	return nil
}

// apply executes the undo against the journal's stores. A memory
// restore creates a new memory version equal to the target, tagged as a
// rollback; it never deletes history.
func (j *Journal) apply(u *UndoAction) error {
	switch u.Kind {
	case UndoRestoreFile:
		mode := os.FileMode(u.File.Mode)
		if mode == 0 {
			mode = 0644
		}
		if err := os.WriteFile(u.File.Path, []byte(u.File.Contents), mode); err != nil {
			return fmt.Errorf("restoring file %s: %w", u.File.Path, err)
		}
		return nil
	case UndoRestoreMemory:
		if _, err := j.mem.RestoreTo(u.Memory.TargetVersion); err != nil {
			return fmt.Errorf("restoring memory to version %d: %w", u.Memory.TargetVersion, err)
		}
		return nil
	case UndoRestoreConfig:
		if _, err := j.mem.SetKey(u.Config.Key, u.Config.Previous, "rollback"); err != nil {
			return fmt.Errorf("restoring config key %s: %w", u.Config.Key, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown undo kind %q", u.Kind)
	}
}
