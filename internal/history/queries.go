package history

import (
	"fmt"
	"time"
)

// OriginalState returns the first original-state capture for the element
// within the run, in step order.
func OriginalState(run *RunLog, elementID string) (MemoryRecord, bool) {
	for _, step := range run.Steps {
		for _, rec := range step.Annotations {
			if rec.Kind == KindOriginalState && rec.ElementID == elementID {
				return rec, true
			}
		}
	}
	return MemoryRecord{}, false
}

// History returns the steps that touched the element, in step order.
func History(run *RunLog, elementID string) []*StepRecord {
	var out []*StepRecord
	for _, step := range run.Steps {
		if stepTouches(step, elementID) {
			out = append(out, step)
		}
	}
	return out
}

// ChangeCounts returns the number of update annotations per element. An
// element only ever captured, never re-touched, does not appear.
func ChangeCounts(run *RunLog) map[string]int {
	out := make(map[string]int)
	for _, step := range run.Steps {
		for _, rec := range step.Annotations {
			if rec.Kind == KindUpdate && rec.ElementID != "" {
				out[rec.ElementID]++
			}
		}
	}
	return out
}

// TransferHistory copies annotation-bearing steps from src into dst,
// optionally narrowed to steps touching one element. Copied steps get fresh
// numbers in dst and keep their source run id in Origin; copies are deep, so
// later mutation of dst cannot reach src. src is never modified. Returns the
// number of steps copied.
func TransferHistory(dst, src *RunLog, elementFilter string) int {
	if dst == nil || src == nil || dst == src {
		return 0
	}
	copied := 0
	for _, step := range src.Steps {
		if len(step.Annotations) == 0 {
			continue
		}
		if elementFilter != "" && !stepTouches(step, elementFilter) {
			continue
		}
		dup := copyStep(step)
		dup.Number = len(dst.Steps) + 1
		if dup.Origin == "" {
			dup.Origin = src.RunID
		}
		dst.Steps = append(dst.Steps, dup)
		copied++
	}
	return copied
}

func stepTouches(step *StepRecord, elementID string) bool {
	for _, rec := range step.Annotations {
		if rec.ElementID == elementID {
			return true
		}
	}
	return false
}

func copyStep(step *StepRecord) *StepRecord {
	dup := *step
	if len(step.Attachments) > 0 {
		dup.Attachments = make([]Attachment, len(step.Attachments))
		copy(dup.Attachments, step.Attachments)
		for i, att := range step.Attachments {
			if att.Data != nil {
				dup.Attachments[i].Data = append([]byte(nil), att.Data...)
			}
		}
	}
	if len(step.Annotations) > 0 {
		dup.Annotations = make([]MemoryRecord, len(step.Annotations))
		copy(dup.Annotations, step.Annotations)
	}
	return &dup
}

// ─── Validation ──────────────────────────────────────────────────────────────

// Report is the outcome of a history consistency check. Issues indicate
// corrupted records; Warnings indicate instrumentation gaps.
type Report struct {
	Issues   []string `json:"issues,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// OK reports whether no corruption was found.
func (r Report) OK() bool { return len(r.Issues) == 0 }

// Validate checks a run log for internal consistency. It never modifies the
// run.
func (t *Tracker) Validate(run *RunLog) Report {
	var rep Report
	issue := func(format string, args ...any) {
		rep.Issues = append(rep.Issues, fmt.Sprintf(format, args...))
	}
	warn := func(format string, args ...any) {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf(format, args...))
	}

	var lastAt time.Time
	for i, step := range run.Steps {
		if step.Number <= 0 {
			issue("step %d: non-positive step number %d", i+1, step.Number)
		}
		if !step.At.IsZero() {
			if !lastAt.IsZero() && step.At.Before(lastAt) {
				issue("step %d: timestamp earlier than previous step", step.Number)
			}
			lastAt = step.At
		}
		if len(step.Annotations) == 0 {
			if len(t.ext.Refs(step.Raw)) > 0 {
				warn("step %d: references elements but carries no annotations", step.Number)
			}
			continue
		}
		for j, rec := range step.Annotations {
			if !ValidKind(rec.Kind) {
				issue("step %d annotation %d: unknown kind %q", step.Number, j+1, rec.Kind)
				continue
			}
			switch rec.Kind {
			case KindOriginalState:
				if rec.ElementID == "" {
					issue("step %d annotation %d: original state without element id", step.Number, j+1)
				}
				if rec.Snapshot == "" {
					issue("step %d annotation %d: original state without snapshot", step.Number, j+1)
				} else if rec.Snapshot == UnregisteredMarker {
					warn("step %d: original state for %q captured unregistered", step.Number, rec.ElementID)
				}
			case KindUpdate:
				if rec.ElementID == "" {
					issue("step %d annotation %d: update without element id", step.Number, j+1)
				}
				if rec.OriginalRun == "" || rec.OriginalStep <= 0 {
					issue("step %d annotation %d: update without original reference", step.Number, j+1)
				}
			case KindToolCall:
				if rec.ElementID == "" {
					issue("step %d annotation %d: tool call without element id", step.Number, j+1)
				}
				if rec.Tool == "" {
					issue("step %d annotation %d: tool call without tool name", step.Number, j+1)
				}
			}
		}
	}
	return rep
}
