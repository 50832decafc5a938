package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"framehand/internal/bridge"
	"framehand/internal/dispatch"
	"framehand/internal/history"
	"framehand/internal/registry"
	"framehand/internal/telemetry"
)

// captureSink records telemetry events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *captureSink) Notify(ev telemetry.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *captureSink) byKind(kind string) []telemetry.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []telemetry.Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// newFallbackDispatcher wires a dispatcher whose backend command cannot
// start, so every task runs on the fallback operation set.
func newFallbackDispatcher(t *testing.T, reg *registry.Registry, factory dispatch.Factory) (*dispatch.Dispatcher, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	mgr := bridge.NewManager(bridge.Config{
		Command: "/nonexistent/framecad-backend",
	}, bridge.Options{Registry: reg, Sink: sink})
	t.Cleanup(func() { mgr.Close() })
	// A nil *Registry must not reach the tracker as a non-nil interface.
	var src history.ElementSource
	if reg != nil {
		src = reg
	}
	tracker := history.New(history.DefaultConfig(), src, registry.DefaultSynonyms().Types(), nil)
	return dispatch.New(mgr, reg, tracker, factory, dispatch.Options{Sink: sink}), sink
}

func TestDispatch_FallbackRunKeepsContinuity(t *testing.T) {
	reg := registry.New(registry.DefaultConfig(), registry.Options{})
	for _, el := range []registry.Element{
		{ID: "tc-01", Type: "top_chord", Name: "North chord"},
		{ID: "b-2", Type: "timber_beam"},
	} {
		if err := reg.Register(el); err != nil {
			t.Fatalf("Register(%s): %v", el.ID, err)
		}
	}
	d, sink := newFallbackDispatcher(t, reg, dispatch.NewReplayWorker())

	script := "note inspecting \"tc-01\" before the change\n" +
		`call update_element {"id":"tc-01","x":14.0}`
	rep, err := d.Dispatch(context.Background(), script)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if rep.Mode != bridge.ModeFallback {
		t.Fatalf("mode = %s, want fallback", rep.Mode)
	}
	if !rep.Outcome.Degraded {
		t.Fatal("outcome not marked degraded")
	}
	if rep.Outcome.Summary != "2 steps, 1 tool calls" {
		t.Fatalf("summary = %q", rep.Outcome.Summary)
	}
	if rep.Steps != 2 || len(rep.History.Steps) != 2 {
		t.Fatalf("steps = %d / %d, want 2", rep.Steps, len(rep.History.Steps))
	}
	if rep.TaskID == "" || rep.RunID != rep.History.RunID {
		t.Fatalf("report ids = %q / %q / %q", rep.TaskID, rep.RunID, rep.History.RunID)
	}

	// First touch captured the registered element's state.
	orig, ok := history.OriginalState(rep.History, "tc-01")
	if !ok {
		t.Fatal("no original_state for tc-01")
	}
	if orig.Snapshot == history.UnregisteredMarker {
		t.Fatal("original_state lost the registered snapshot")
	}

	// The referenced element moved to the front of the recency list even
	// though the worker never wrote to the registry.
	recent := reg.FindRecent(1)
	if len(recent) != 1 || recent[0] != "tc-01" {
		t.Fatalf("recent = %v, want [tc-01]", recent)
	}

	done := sink.byKind(telemetry.KindTaskDone)
	if len(done) != 1 {
		t.Fatalf("task_done events = %d, want 1", len(done))
	}
	if done[0].Meta["run"] != rep.RunID || done[0].Meta["mode"] != string(bridge.ModeFallback) {
		t.Fatalf("task_done meta = %v", done[0].Meta)
	}
}

func TestDispatch_WorkerErrorSurfaces(t *testing.T) {
	taskErr := errors.New("script rejected")
	factory := func([]bridge.Operation, bridge.Mode, dispatch.Hooks) dispatch.Worker {
		return failingWorker{err: taskErr}
	}
	d, _ := newFallbackDispatcher(t, nil, factory)

	rep, err := d.Dispatch(context.Background(), "note anything")
	if rep != nil {
		t.Fatalf("report = %+v, want nil on failure", rep)
	}
	if !errors.Is(err, taskErr) {
		t.Fatalf("err = %v, want the worker failure", err)
	}
}

type failingWorker struct{ err error }

func (w failingWorker) Run(context.Context, string) (*bridge.Outcome, error) {
	return nil, w.err
}

func TestDispatchSeeded_CarriesFirstTouchAcrossRuns(t *testing.T) {
	reg := registry.New(registry.DefaultConfig(), registry.Options{})
	if err := reg.Register(registry.Element{ID: "bc-07", Type: "bottom_chord"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	d, _ := newFallbackDispatcher(t, reg, dispatch.NewReplayWorker())

	// A previous run already captured bc-07's original state.
	tracker := history.New(history.DefaultConfig(), reg, registry.DefaultSynonyms().Types(), nil)
	prev := history.NewRun()
	hook := tracker.Hook(prev)
	hook(prev.Append(`measured "bc-07" camber at midspan`))

	rep, err := d.DispatchSeeded(context.Background(),
		`note rechecked "bc-07" camber`, prev, "bc-07")
	if err != nil {
		t.Fatalf("DispatchSeeded: %v", err)
	}

	if rep.Steps != 2 {
		t.Fatalf("steps = %d, want transferred + new", rep.Steps)
	}
	if got := rep.History.Steps[0].Origin; got != prev.RunID {
		t.Fatalf("transferred step origin = %q, want %q", got, prev.RunID)
	}

	// The new touch continues the old capture instead of re-recording it.
	last := rep.History.Steps[1]
	if len(last.Annotations) != 1 {
		t.Fatalf("annotations = %+v", last.Annotations)
	}
	rec := last.Annotations[0]
	if rec.Kind != history.KindUpdate {
		t.Fatalf("kind = %s, want update", rec.Kind)
	}
	if rec.OriginalRun != prev.RunID {
		t.Fatalf("update references run %q, want %q", rec.OriginalRun, prev.RunID)
	}
}

func TestDispatch_EachTaskGetsOwnRun(t *testing.T) {
	d, _ := newFallbackDispatcher(t, nil, dispatch.NewReplayWorker())

	first, err := d.Dispatch(context.Background(), "note survey pass one")
	if err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	second, err := d.Dispatch(context.Background(), "note survey pass two")
	if err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}
	if first.RunID == second.RunID || first.TaskID == second.TaskID {
		t.Fatalf("runs not isolated: %q/%q vs %q/%q",
			first.RunID, first.TaskID, second.RunID, second.TaskID)
	}
	if len(first.History.Steps) != 1 || len(second.History.Steps) != 1 {
		t.Fatalf("step counts = %d, %d, want 1 each",
			len(first.History.Steps), len(second.History.Steps))
	}
}
