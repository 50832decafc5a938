// Package dispatch runs tasks through short-lived workers while the
// continuity subsystems persist around them.
//
// A worker exists for one task only: it receives a fresh operation set, the
// current mode, and hooks into the element registry and the run's history
// log. Everything the worker learns flows through those hooks; when the
// worker is gone, the registry and the run log remain.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"framehand/internal/bridge"
	"framehand/internal/history"
	"framehand/internal/registry"
	"framehand/internal/telemetry"
)

// Hooks is the continuity surface handed to each worker. Workers write what
// they did through Observe and mirror created elements through Registry.
type Hooks struct {
	// Registry is the shared element catalog. May be nil.
	Registry *registry.Registry
	// Run is the task's history log. The worker appends its steps here.
	Run *history.RunLog
	// Observe annotates a step right after it is appended. May be nil.
	Observe func(*history.StepRecord)
}

// Worker executes one task against the operation set it was built with.
type Worker interface {
	Run(ctx context.Context, task string) (*bridge.Outcome, error)
}

// Factory builds a worker for one attempt. It is called again with the
// fallback set when a live attempt fails on connectivity.
type Factory func(ops []bridge.Operation, mode bridge.Mode, hooks Hooks) Worker

// Report is the result surface of one dispatched task. The full history log
// is part of it: callers export it, transfer it into later runs, or audit it.
type Report struct {
	TaskID  string          `json:"task_id"`
	RunID   string          `json:"run_id"`
	Mode    bridge.Mode     `json:"mode"`
	Outcome *bridge.Outcome `json:"outcome"`
	Steps   int             `json:"steps"`
	History *history.RunLog `json:"history"`
}

// Options carries the dispatcher's optional collaborators.
type Options struct {
	// Sink receives one task_done event per dispatched task. Nil means no
	// telemetry.
	Sink telemetry.Sink
	// Log defaults to slog.Default().
	Log *slog.Logger
}

// Dispatcher creates a worker per task and wires it to the registry, the
// history tracker, and the connection manager's operation sets.
type Dispatcher struct {
	mgr     *bridge.Manager
	reg     *registry.Registry
	tracker *history.Tracker
	factory Factory
	sink    telemetry.Sink
	log     *slog.Logger
}

// New builds a dispatcher. Manager, tracker, and factory are required; the
// registry may be nil when no local catalog is kept.
func New(mgr *bridge.Manager, reg *registry.Registry, tracker *history.Tracker, factory Factory, opts Options) *Dispatcher {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = telemetry.Nop{}
	}
	return &Dispatcher{
		mgr:     mgr,
		reg:     reg,
		tracker: tracker,
		factory: factory,
		sink:    sink,
		log:     log,
	}
}

// Dispatch runs one task through a fresh worker and returns its report.
func (d *Dispatcher) Dispatch(ctx context.Context, task string) (*Report, error) {
	return d.dispatch(ctx, task, nil, "")
}

// DispatchSeeded runs one task with the run log seeded from a previous run:
// annotated steps from seed (optionally narrowed to one element) are
// transferred in before the worker starts, so first-touch state survives the
// run boundary.
func (d *Dispatcher) DispatchSeeded(ctx context.Context, task string, seed *history.RunLog, element string) (*Report, error) {
	return d.dispatch(ctx, task, seed, element)
}

func (d *Dispatcher) dispatch(ctx context.Context, task string, seed *history.RunLog, element string) (*Report, error) {
	taskID := uuid.NewString()
	run := history.NewRun()
	if seed != nil {
		copied := history.TransferHistory(run, seed, element)
		d.log.Info("run seeded from previous history",
			"task", taskID, "run", run.RunID, "from", seed.RunID, "steps", copied)
	}
	hooks := Hooks{
		Registry: d.reg,
		Run:      run,
		Observe:  d.tracker.Hook(run),
	}

	var mode bridge.Mode
	out, err := d.mgr.RunWithOperations(ctx, taskID,
		func(ctx context.Context, ops []bridge.Operation, m bridge.Mode) (*bridge.Outcome, error) {
			mode = m
			return d.factory(ops, m, hooks).Run(ctx, task)
		})
	if err != nil {
		d.log.Error("task failed", "task", taskID, "run", run.RunID, "error", err)
		return nil, fmt.Errorf("dispatch: task %s: %w", taskID, err)
	}

	touched := d.touchReferenced(run)
	d.log.Info("task done",
		"task", taskID, "run", run.RunID, "mode", string(mode),
		"steps", len(run.Steps), "touched", touched)
	d.sink.Notify(telemetry.Event{
		Kind: telemetry.KindTaskDone,
		Meta: map[string]string{
			"task":  taskID,
			"run":   run.RunID,
			"mode":  string(mode),
			"steps": strconv.Itoa(len(run.Steps)),
		},
	})

	return &Report{
		TaskID:  taskID,
		RunID:   run.RunID,
		Mode:    mode,
		Outcome: out,
		Steps:   len(run.Steps),
		History: run,
	}, nil
}

// touchReferenced bumps recency for every registered element the run's
// history annotated, so "the beam I just worked on" resolves next task even
// when the worker never wrote to the registry itself.
func (d *Dispatcher) touchReferenced(run *history.RunLog) int {
	if d.reg == nil {
		return 0
	}
	seen := make(map[string]struct{})
	touched := 0
	for _, step := range run.Steps {
		for _, rec := range step.Annotations {
			id := rec.ElementID
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if d.reg.Touch(id) {
				touched++
			}
		}
	}
	return touched
}
