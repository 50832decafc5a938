// Package registry maintains the authoritative in-memory catalog of design
// model elements: indexed lookup, a bounded recency list, natural-language
// reference resolution, and a best-effort SQLite write-through.
//
// The registry is the continuity anchor for stateless task workers. Workers
// come and go per task; the registry outlives them all and, through its
// persistence side-effect, outlives the host process too.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"framehand/internal/telemetry"
)

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds registry tuning.
type Config struct {
	// RecentCapacity bounds the recency list. Eviction from the list never
	// removes the element from the catalog itself.
	RecentCapacity int
	// Synonyms maps surface nouns to element types for resolution rule 3.
	// Nil means DefaultSynonyms().
	Synonyms SynonymTable
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{RecentCapacity: 25}
}

// Options holds optional registry collaborators.
type Options struct {
	Persist *Store         // write-through element store, may be nil
	Sink    telemetry.Sink // status events, may be nil
	Log     *slog.Logger   // nil means slog.Default()
}

// ─── Registry ────────────────────────────────────────────────────────────────

// Registry is the element catalog. One mutex guards every operation; the
// coarse lock is deliberate, operations are in-memory-fast and contention is
// task-granular.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	elems    map[string]*Element
	byType   map[string]map[string]struct{} // lower(type) -> id set
	byName   map[string]string              // lower(name) -> id, freshest holder
	recent   []string                       // front = newest
	rules    []resolveRule
	syn      SynonymTable
	surfaces []string // synonym surfaces, longest first
	persist  *Store
	sink     telemetry.Sink
	log      *slog.Logger
}

// New creates an empty registry.
func New(cfg Config, opts Options) *Registry {
	if cfg.RecentCapacity <= 0 {
		cfg.RecentCapacity = DefaultConfig().RecentCapacity
	}
	syn := cfg.Synonyms
	if syn == nil {
		syn = DefaultSynonyms()
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		elems:    make(map[string]*Element),
		byType:   make(map[string]map[string]struct{}),
		byName:   make(map[string]string),
		rules:    defaultRules(),
		syn:      syn,
		surfaces: syn.surfacesByLength(),
		persist:  opts.Persist,
		sink:     opts.Sink,
		log:      log,
	}
}

// Register adds a new element. Duplicate ids are rejected without touching
// any registry state.
func (r *Registry) Register(el Element) error {
	if strings.TrimSpace(el.ID) == "" {
		return fmt.Errorf("registry: register: %w", ErrInvalidID)
	}
	r.mu.Lock()
	if _, exists := r.elems[el.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("registry: register %q: %w", el.ID, ErrAlreadyExists)
	}
	now := timeNow()
	if el.CreatedAt.IsZero() {
		el.CreatedAt = now
	}
	if el.ModifiedAt.IsZero() {
		el.ModifiedAt = el.CreatedAt
	}
	stored := el.clone()
	r.elems[stored.ID] = stored
	r.indexLocked(stored)
	r.touchRecentLocked(stored.ID)
	r.saveLocked(stored)
	r.mu.Unlock()

	r.emit(telemetry.KindElementRegistered, map[string]string{"id": el.ID, "type": el.Type})
	return nil
}

// Update applies a partial change to an existing element, bumps its
// modification time and moves it to the front of the recency list.
func (r *Registry) Update(id string, u Update) (Element, error) {
	r.mu.Lock()
	el, ok := r.elems[id]
	if !ok {
		r.mu.Unlock()
		return Element{}, fmt.Errorf("registry: update %q: %w", id, ErrNotFound)
	}
	if u.Type != nil && *u.Type != el.Type {
		r.unindexTypeLocked(el)
		el.Type = *u.Type
		r.indexTypeLocked(el)
	}
	if u.Name != nil && *u.Name != el.Name {
		r.unindexNameLocked(el)
		el.Name = *u.Name
		r.indexNameLocked(el)
	}
	if u.Description != nil {
		el.Description = *u.Description
	}
	if u.Location != nil {
		loc := *u.Location
		el.Location = &loc
	}
	if len(u.Properties) > 0 {
		if el.Properties == nil {
			el.Properties = make(map[string]string, len(u.Properties))
		}
		for k, v := range u.Properties {
			if v == "" {
				delete(el.Properties, k)
				continue
			}
			el.Properties[k] = v
		}
	}
	el.ModifiedAt = timeNow()
	r.touchRecentLocked(id)
	r.saveLocked(el)
	out := el.clone()
	r.mu.Unlock()

	r.emit(telemetry.KindElementUpdated, map[string]string{"id": id, "type": out.Type})
	return *out, nil
}

// Get returns a copy of the element, never a pointer into the store.
func (r *Registry) Get(id string) (Element, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.elems[id]
	if !ok {
		return Element{}, false
	}
	return *el.clone(), true
}

// Touch moves an existing id to the front of the recency list without
// changing timestamps or persisting. Reports whether the id exists.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.elems[id]; !ok {
		return false
	}
	r.touchRecentLocked(id)
	return true
}

// FindByType returns element ids whose type matches the query: the exact
// type bucket when it is non-empty, otherwise a case-insensitive substring
// match over all type keys. Ordered newest-first by modification time.
// A limit <= 0 means no truncation.
func (r *Registry) FindByType(query string, limit int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findByTypeLocked(query, limit)
}

func (r *Registry) findByTypeLocked(query string, limit int) []string {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var ids []string
	if bucket, ok := r.byType[q]; ok && len(bucket) > 0 {
		for id := range bucket {
			ids = append(ids, id)
		}
	} else {
		for typ, bucket := range r.byType {
			if !strings.Contains(typ, q) {
				continue
			}
			for id := range bucket {
				ids = append(ids, id)
			}
		}
	}
	r.sortFreshLocked(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// List returns copies of all elements, newest-first by modification time.
// A limit <= 0 means no truncation.
func (r *Registry) List(limit int) []Element {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.elems))
	for id := range r.elems {
		ids = append(ids, id)
	}
	r.sortFreshLocked(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]Element, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.elems[id].clone())
	}
	return out
}

// FindRecent returns the newest ids from the recency list.
// A limit <= 0 means the whole list.
func (r *Registry) FindRecent(limit int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]string, n)
	copy(out, r.recent[:n])
	return out
}

// Remove deletes an element from the catalog, the indexes and the recency
// list. Reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	el, ok := r.elems[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.unindexTypeLocked(el)
	r.unindexNameLocked(el)
	delete(r.elems, id)
	r.dropRecentLocked(id)
	if r.persist != nil {
		if err := r.persist.DeleteElement(id); err != nil {
			r.log.Warn("element delete not persisted", "id", id, "error", err)
		}
	}
	r.mu.Unlock()
	return true
}

// Clear empties the registry and, best-effort, the persistent store.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.resetLocked()
	if r.persist != nil {
		if err := r.persist.Reset(); err != nil {
			r.log.Warn("element store reset failed", "error", err)
		}
	}
	r.mu.Unlock()
}

// Stats returns aggregate counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked()
}

func (r *Registry) statsLocked() Stats {
	st := Stats{
		Total:          len(r.elems),
		ByType:         make(map[string]int),
		RecentCount:    len(r.recent),
		RecentCapacity: r.cfg.RecentCapacity,
	}
	for typ, bucket := range r.byType {
		if len(bucket) > 0 {
			st.ByType[typ] = len(bucket)
		}
	}
	return st
}

// Restore replaces the catalog with the given elements without firing the
// persistence side-effect or telemetry. Used for startup reload and snapshot
// import. The recency list is rebuilt newest-first from modification times.
func (r *Registry) Restore(els []Element) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	for i := range els {
		if strings.TrimSpace(els[i].ID) == "" {
			continue
		}
		el := els[i].clone()
		r.elems[el.ID] = el
		r.indexLocked(el)
	}
	r.recent = r.freshIDsLocked(r.cfg.RecentCapacity)
}

// ─── Internals (lock held) ───────────────────────────────────────────────────

func (r *Registry) resetLocked() {
	r.elems = make(map[string]*Element)
	r.byType = make(map[string]map[string]struct{})
	r.byName = make(map[string]string)
	r.recent = nil
}

func (r *Registry) indexLocked(el *Element) {
	r.indexTypeLocked(el)
	r.indexNameLocked(el)
}

func (r *Registry) indexTypeLocked(el *Element) {
	key := strings.ToLower(strings.TrimSpace(el.Type))
	if key == "" {
		return
	}
	bucket, ok := r.byType[key]
	if !ok {
		bucket = make(map[string]struct{})
		r.byType[key] = bucket
	}
	bucket[el.ID] = struct{}{}
}

func (r *Registry) unindexTypeLocked(el *Element) {
	key := strings.ToLower(strings.TrimSpace(el.Type))
	if bucket, ok := r.byType[key]; ok {
		delete(bucket, el.ID)
		if len(bucket) == 0 {
			delete(r.byType, key)
		}
	}
}

func (r *Registry) indexNameLocked(el *Element) {
	key := strings.ToLower(strings.TrimSpace(el.Name))
	if key == "" {
		return
	}
	r.byName[key] = el.ID
}

func (r *Registry) unindexNameLocked(el *Element) {
	key := strings.ToLower(strings.TrimSpace(el.Name))
	if key == "" {
		return
	}
	if r.byName[key] != el.ID {
		return
	}
	delete(r.byName, key)
	// Another element may still carry the name; the freshest one takes the
	// slot back.
	var holders []string
	for id, other := range r.elems {
		if id != el.ID && strings.ToLower(strings.TrimSpace(other.Name)) == key {
			holders = append(holders, id)
		}
	}
	if len(holders) == 0 {
		return
	}
	r.sortFreshLocked(holders)
	r.byName[key] = holders[0]
}

// touchRecentLocked moves id to the recency front. Overflow drops the tail
// id from the list only; the element stays in the catalog.
func (r *Registry) touchRecentLocked(id string) {
	for i, cur := range r.recent {
		if cur == id {
			r.recent = append(r.recent[:i], r.recent[i+1:]...)
			break
		}
	}
	r.recent = append(r.recent, "")
	copy(r.recent[1:], r.recent)
	r.recent[0] = id
	if len(r.recent) > r.cfg.RecentCapacity {
		r.recent = r.recent[:r.cfg.RecentCapacity]
	}
}

func (r *Registry) dropRecentLocked(id string) {
	for i, cur := range r.recent {
		if cur == id {
			r.recent = append(r.recent[:i], r.recent[i+1:]...)
			return
		}
	}
}

// sortFreshLocked orders ids newest-first by ModifiedAt, breaking ties by
// CreatedAt and then id so results are deterministic.
func (r *Registry) sortFreshLocked(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := r.elems[ids[i]], r.elems[ids[j]]
		if a == nil || b == nil {
			return a != nil
		}
		if !a.ModifiedAt.Equal(b.ModifiedAt) {
			return a.ModifiedAt.After(b.ModifiedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return ids[i] < ids[j]
	})
}

func (r *Registry) freshIDsLocked(limit int) []string {
	ids := make([]string, 0, len(r.elems))
	for id := range r.elems {
		ids = append(ids, id)
	}
	r.sortFreshLocked(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// saveLocked fires the persistence side-effect. Failures are logged and
// swallowed; persistence must never fail a registry operation.
func (r *Registry) saveLocked(el *Element) {
	if r.persist == nil {
		return
	}
	if err := r.persist.SaveElement(*el.clone()); err != nil {
		r.log.Warn("element persist failed", "id", el.ID, "error", err)
	}
}

func (r *Registry) emit(kind string, meta map[string]string) {
	if r.sink == nil {
		return
	}
	r.sink.Notify(telemetry.Event{Kind: kind, Meta: meta})
}
