// ABOUTME: Versioned memory snapshots, one JSON file per version
// ABOUTME: Restores append a new version tagged rollback; history is never deleted

package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrVersionNotFound is returned for a memory version that was never written.
var ErrVersionNotFound = errors.New("memory version not found")

// MemorySnapshot is one immutable version of persisted memory.
type MemorySnapshot struct {
	Version     int64          `json:"version"`
	Data        map[string]any `json:"data"`
	Reason      string         `json:"reason"`
	PrevVersion int64          `json:"prev_version,omitempty"`
	ChangedKeys []string       `json:"changed_keys,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// MemoryStore keeps monotonically versioned memory snapshots as one
// file per version under its directory.
type MemoryStore struct {
	mu      sync.Mutex
	dir     string
	current int64

	now func() time.Time
}

// OpenMemoryStore opens (creating if needed) a memory store at dir and
// discovers the current version from existing files.
func OpenMemoryStore(dir string) (*MemoryStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating memory directory: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading memory directory: %w", err)
	}

	var current int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"), 10, 64)
		if err != nil {
			continue
		}
		if n > current {
			current = n
		}
	}

	return &MemoryStore{dir: dir, current: current, now: time.Now}, nil
}

// CurrentVersion returns the latest version number, zero when empty.
func (m *MemoryStore) CurrentVersion() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Save writes the full memory map as a new version, recording which
// keys changed relative to the previous version.
func (m *MemoryStore) Save(data map[string]any, reason string) (*MemorySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(data, reason)
}

// SetKey writes a new version with one key changed.
func (m *MemoryStore) SetKey(key string, value any, reason string) (*MemorySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := map[string]any{}
	if m.current > 0 {
		prev, err := m.getLocked(m.current)
		if err != nil {
			return nil, err
		}
		for k, v := range prev.Data {
			data[k] = v
		}
	}
	data[key] = value
	return m.saveLocked(data, reason)
}

// Get returns one version's snapshot.
func (m *MemoryStore) Get(version int64) (*MemorySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(version)
}

// RestoreTo appends a new version whose data equals the target
// version's, tagged as a rollback. The target and everything after it
// remain readable.
func (m *MemoryStore) RestoreTo(version int64) (*MemorySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, err := m.getLocked(version)
	if err != nil {
		return nil, err
	}

	snap, err := m.saveLocked(target.Data, "rollback")
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Versions lists all stored version numbers in ascending order.
func (m *MemoryStore) Versions() ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("reading memory directory: %w", err)
	}

	var versions []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
			continue
		}
		if n, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"), 10, 64); err == nil {
			versions = append(versions, n)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// saveLocked writes a new version file. Must be called with mu held.
func (m *MemoryStore) saveLocked(data map[string]any, reason string) (*MemorySnapshot, error) {
	snap := &MemorySnapshot{
		Version:     m.current + 1,
		Data:        data,
		Reason:      reason,
		PrevVersion: m.current,
		CreatedAt:   m.now().UTC(),
	}

	if m.current > 0 {
		prev, err := m.getLocked(m.current)
		if err != nil {
			return nil, err
		}
		snap.ChangedKeys = changedKeys(prev.Data, data)
	} else {
		snap.ChangedKeys = changedKeys(nil, data)
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling memory snapshot: %w", err)
	}
	if err := os.WriteFile(m.versionPath(snap.Version), payload, 0644); err != nil {
		return nil, fmt.Errorf("writing memory snapshot: %w", err)
	}

	m.current = snap.Version
	return snap, nil
}

func (m *MemoryStore) getLocked(version int64) (*MemorySnapshot, error) {
	data, err := os.ReadFile(m.versionPath(version))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading memory snapshot: %w", err)
	}

	var snap MemorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing memory snapshot: %w", err)
	}
	return &snap, nil
}

func (m *MemoryStore) versionPath(version int64) string {
	return filepath.Join(m.dir, fmt.Sprintf("v%d.json", version))
}

// changedKeys returns keys added, removed, or altered between two maps,
// sorted for stable output.
func changedKeys(prev, next map[string]any) []string {
	seen := map[string]bool{}
	for k, v := range next {
		pv, ok := prev[k]
		if !ok || !jsonEqual(pv, v) {
			seen[k] = true
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			seen[k] = true
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// jsonEqual compares two values through their JSON encoding, matching
// how snapshots round-trip through files.
func jsonEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
