package history

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// timeNow is a package-level variable for testability.
// Tests can replace this to control time in assertions.
var timeNow = time.Now

// Kind classifies a memory annotation.
type Kind string

const (
	// KindOriginalState captures an element's state at its first touch in a
	// run, before any modification lands.
	KindOriginalState Kind = "original_state"
	// KindUpdate marks a later touch and references the original capture.
	KindUpdate Kind = "update"
	// KindToolCall marks a touch produced by an external operation call.
	KindToolCall Kind = "tool_call"
	// KindWarning records an annotation failure without failing the task.
	KindWarning Kind = "warning"
)

var validKinds = map[Kind]struct{}{
	KindOriginalState: {},
	KindUpdate:        {},
	KindToolCall:      {},
	KindWarning:       {},
}

// ValidKind reports whether k is a known annotation kind.
func ValidKind(k Kind) bool {
	_, ok := validKinds[k]
	return ok
}

// UnregisteredMarker is stored as the original-state snapshot when the
// element was unknown to the registry at first touch.
const UnregisteredMarker = "<unregistered>"

// MemoryRecord is one typed annotation on a step.
type MemoryRecord struct {
	Kind         Kind      `json:"kind"`
	ElementID    string    `json:"element_id,omitempty"`
	At           time.Time `json:"at"`
	Snapshot     string    `json:"snapshot,omitempty"`      // original_state: element JSON before modification
	OriginalRun  string    `json:"original_run,omitempty"`  // update: run that captured the original
	OriginalStep int       `json:"original_step,omitempty"` // update: step number of that capture
	Tool         string    `json:"tool,omitempty"`          // tool_call: operation name
	Note         string    `json:"note,omitempty"`
}

// Attachment is a bulky step payload. Compaction drops Data first and keeps
// the name so the step still names what it carried.
type Attachment struct {
	Name string `json:"name"`
	MIME string `json:"mime,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// StepRecord is one observed task step.
type StepRecord struct {
	Number      int            `json:"number"`
	At          time.Time      `json:"at"`
	Raw         string         `json:"raw"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Annotations []MemoryRecord `json:"annotations,omitempty"`
	Origin      string         `json:"origin,omitempty"` // source run id when transferred
}

// RunLog is the step history of one task run. It is owned by a single worker
// goroutine and never shared while being written.
type RunLog struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Steps     []*StepRecord `json:"steps"`
}

var runEntropy = &ulid.LockedMonotonicReader{
	MonotonicReader: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
}

// NewRun allocates an empty run log with a time-ordered id.
func NewRun() *RunLog {
	now := timeNow()
	return &RunLog{
		RunID:     ulid.MustNew(ulid.Timestamp(now), runEntropy).String(),
		StartedAt: now,
	}
}

// Append adds a step with the next number and the current time.
func (r *RunLog) Append(raw string, atts ...Attachment) *StepRecord {
	step := &StepRecord{
		Number:      len(r.Steps) + 1,
		At:          timeNow(),
		Raw:         raw,
		Attachments: atts,
	}
	r.Steps = append(r.Steps, step)
	return step
}

const (
	toolStepPrefix = "tool: "
	toolStepSep    = " -> "
)

// ToolStepRaw renders an operation call observation in the form the tracker
// recognizes as an external operation touch.
func ToolStepRaw(tool, result string) string {
	return toolStepPrefix + tool + toolStepSep + result
}

// toolCallName extracts the operation name from a tool step observation, or
// "" when the step did not come from an operation call.
func toolCallName(raw string) string {
	rest, ok := strings.CutPrefix(raw, toolStepPrefix)
	if !ok {
		return ""
	}
	name, _, ok := strings.Cut(rest, " ->")
	if !ok {
		return ""
	}
	return strings.TrimSpace(name)
}

// ─── Run files ───────────────────────────────────────────────────────────────

// SaveRunFile writes the run log as indented JSON, creating parent
// directories as needed.
func SaveRunFile(run *RunLog, path string) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("history: encode run: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("history: create run dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("history: write run: %w", err)
	}
	return nil
}

// LoadRunFile reads a run log from disk.
func LoadRunFile(path string) (*RunLog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("history: read run: %w", err)
	}
	var run RunLog
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("history: parse run: %w", err)
	}
	return &run, nil
}
