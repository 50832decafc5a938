package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const snapshotVersion = 1

// Snapshot is the serialized registry state, elements keyed by id. Unknown
// top-level fields in a stored document are ignored on import so newer hosts
// can read older exports and vice versa.
type Snapshot struct {
	Version    int                `json:"version"`
	ExportedAt time.Time          `json:"exported_at"`
	Elements   map[string]Element `json:"elements"`
	Recent     []string           `json:"recent"`
	Stats      Stats              `json:"stats"`
}

// Export returns a deep copy of the full registry state.
func (r *Registry) Export() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := &Snapshot{
		Version:    snapshotVersion,
		ExportedAt: timeNow(),
		Elements:   make(map[string]Element, len(r.elems)),
		Recent:     make([]string, len(r.recent)),
		Stats:      r.statsLocked(),
	}
	for id, el := range r.elems {
		snap.Elements[id] = *el.clone()
	}
	copy(snap.Recent, r.recent)
	return snap
}

// Import replaces the registry contents with the snapshot and rewrites the
// persistent store to match. The recency order is taken from the snapshot
// where it names known ids and padded with the freshest of the rest.
func (r *Registry) Import(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("registry: import: nil snapshot")
	}
	if snap.Version != 0 && snap.Version != snapshotVersion {
		return fmt.Errorf("registry: import: unsupported snapshot version %d", snap.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	for id, el := range snap.Elements {
		if strings.TrimSpace(id) == "" {
			continue
		}
		stored := el.clone()
		stored.ID = id // the map key is authoritative
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = timeNow()
		}
		if stored.ModifiedAt.IsZero() {
			stored.ModifiedAt = stored.CreatedAt
		}
		r.elems[id] = stored
		r.indexLocked(stored)
	}

	seen := make(map[string]struct{})
	var recent []string
	for _, id := range snap.Recent {
		if _, ok := r.elems[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		recent = append(recent, id)
	}
	for _, id := range r.freshIDsLocked(0) {
		if len(recent) >= r.cfg.RecentCapacity {
			break
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		recent = append(recent, id)
	}
	if len(recent) > r.cfg.RecentCapacity {
		recent = recent[:r.cfg.RecentCapacity]
	}
	r.recent = recent

	r.rewritePersistLocked()
	return nil
}

func (r *Registry) rewritePersistLocked() {
	if r.persist == nil {
		return
	}
	if err := r.persist.Reset(); err != nil {
		r.log.Warn("element store reset failed", "error", err)
		return
	}
	for _, el := range r.elems {
		if err := r.persist.SaveElement(*el.clone()); err != nil {
			r.log.Warn("element persist failed", "id", el.ID, "error", err)
		}
	}
}

// ─── Snapshot files ──────────────────────────────────────────────────────────

// SaveFile writes the snapshot as indented JSON, creating parent directories
// as needed.
func (s *Snapshot) SaveFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encode snapshot: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("registry: create snapshot dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("registry: write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshotFile reads a snapshot document from disk.
func LoadSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("registry: parse snapshot: %w", err)
	}
	return &snap, nil
}
