// Package history records what each task run did to the design model.
//
// Workers report raw step observations; the tracker annotates each step with
// typed memory records so that a later, stateless worker can recover which
// elements were touched, what they looked like before the first touch, and
// which external operations drove the changes. Annotation is best effort:
// a capture failure degrades to a warning record, never to a failed task.
package history

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"framehand/internal/registry"
)

// Config controls compaction windows. All windows are measured in steps,
// counted back from the newest step of a run.
type Config struct {
	// MediaWindowSteps is how many of the newest steps keep attachment data.
	MediaWindowSteps int
	// CompactWindowSteps is how many of the newest steps keep raw text.
	// Steps older than this keep only their annotations.
	CompactWindowSteps int
	// CompactEvery triggers an in-run compaction each time the step count
	// reaches a multiple of it. Zero disables periodic compaction.
	CompactEvery int
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		MediaWindowSteps:   20,
		CompactWindowSteps: 60,
		CompactEvery:       25,
	}
}

// ElementSource is the registry view the tracker needs for original-state
// captures. *registry.Registry satisfies it.
type ElementSource interface {
	Get(id string) (registry.Element, bool)
}

// Tracker annotates run logs with element-level memory records.
type Tracker struct {
	cfg Config
	src ElementSource
	ext *Extractor
	log *slog.Logger
}

// New builds a tracker. src may be nil, in which case every first touch is
// captured as unregistered. types feeds the reference extractor; pass
// registry.DefaultSynonyms().Types() for the standard vocabulary.
func New(cfg Config, src ElementSource, types map[string]struct{}, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MediaWindowSteps <= 0 {
		cfg.MediaWindowSteps = def.MediaWindowSteps
	}
	if cfg.CompactWindowSteps <= 0 {
		cfg.CompactWindowSteps = def.CompactWindowSteps
	}
	if cfg.CompactWindowSteps < cfg.MediaWindowSteps {
		cfg.CompactWindowSteps = cfg.MediaWindowSteps
	}
	return &Tracker{cfg: cfg, src: src, ext: NewExtractor(types), log: log}
}

// origRef locates the original-state capture for an element.
type origRef struct {
	run  string
	step int
}

// Hook returns the per-run observation callback handed to workers. The hook
// annotates each step as it is produced and periodically compacts the run.
// It never fails the caller: an annotation error becomes a warning record.
func (t *Tracker) Hook(run *RunLog) func(*StepRecord) {
	seen := t.seedOriginals(run)
	return func(step *StepRecord) {
		defer func() {
			if rec := recover(); rec != nil {
				t.log.Warn("history annotation failed",
					"run", run.RunID, "step", step.Number, "panic", rec)
				step.Annotations = append(step.Annotations, MemoryRecord{
					Kind: KindWarning,
					At:   timeNow(),
					Note: fmt.Sprintf("annotation failed: %v", rec),
				})
			}
		}()
		t.observe(run, seen, step)
		if t.cfg.CompactEvery > 0 && len(run.Steps)%t.cfg.CompactEvery == 0 {
			t.Compact(run)
		}
	}
}

// seedOriginals carries first-touch state over from transferred steps so an
// element captured in a previous run is not re-captured here.
func (t *Tracker) seedOriginals(run *RunLog) map[string]origRef {
	seen := make(map[string]origRef)
	for _, step := range run.Steps {
		for _, rec := range step.Annotations {
			if rec.Kind != KindOriginalState || rec.ElementID == "" {
				continue
			}
			if _, ok := seen[rec.ElementID]; ok {
				continue
			}
			ref := origRef{run: rec.OriginalRun, step: rec.OriginalStep}
			if ref.run == "" {
				ref.run = run.RunID
			}
			if ref.step <= 0 {
				ref.step = step.Number
			}
			seen[rec.ElementID] = ref
		}
	}
	return seen
}

func (t *Tracker) observe(run *RunLog, seen map[string]origRef, step *StepRecord) {
	refs := t.ext.Refs(step.Raw)
	if len(refs) == 0 {
		return
	}
	tool := toolCallName(step.Raw)
	now := timeNow()
	for _, id := range refs {
		if ref, ok := seen[id]; ok {
			step.Annotations = append(step.Annotations, MemoryRecord{
				Kind:         KindUpdate,
				ElementID:    id,
				At:           now,
				OriginalRun:  ref.run,
				OriginalStep: ref.step,
			})
		} else {
			snap, err := t.snapshotFor(id)
			if err != nil {
				t.log.Warn("original state capture failed",
					"run", run.RunID, "element", id, "error", err)
				step.Annotations = append(step.Annotations, MemoryRecord{
					Kind:      KindWarning,
					ElementID: id,
					At:        now,
					Note:      fmt.Sprintf("original state capture failed: %v", err),
				})
				continue
			}
			step.Annotations = append(step.Annotations, MemoryRecord{
				Kind:         KindOriginalState,
				ElementID:    id,
				At:           now,
				Snapshot:     snap,
				OriginalRun:  run.RunID,
				OriginalStep: step.Number,
			})
			seen[id] = origRef{run: run.RunID, step: step.Number}
		}
		if tool != "" {
			step.Annotations = append(step.Annotations, MemoryRecord{
				Kind:      KindToolCall,
				ElementID: id,
				At:        now,
				Tool:      tool,
			})
		}
	}
	t.log.Debug("step annotated",
		"run", run.RunID, "step", step.Number, "elements", len(refs))
}

// snapshotFor renders the element's current registry state as JSON, or the
// unregistered marker when the registry does not know the id.
func (t *Tracker) snapshotFor(id string) (string, error) {
	if t.src == nil {
		return UnregisteredMarker, nil
	}
	el, ok := t.src.Get(id)
	if !ok {
		return UnregisteredMarker, nil
	}
	data, err := json.Marshal(el)
	if err != nil {
		return "", fmt.Errorf("history: encode element %q: %w", id, err)
	}
	return string(data), nil
}
