package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"framehand/internal/bridge"
	"framehand/internal/history"
	"framehand/internal/registry"
)

// resultIDRe finds the id a backend assigned in a prose result, e.g.
// `Created element "tc-01"`.
var resultIDRe = regexp.MustCompile(`"([A-Za-z0-9_./-]{1,64})"`)

// NewReplayWorker returns the factory for the scripted worker. The script is
// interpreted line by line:
//
//	call <tool> <json-args>   invoke an operation, record the result
//	note <text>               record a plain observation
//	# <comment>               skipped, as are blank lines
//
// Unknown directives and failed tool lookups are recorded as error steps and
// the script continues; only transport failures abort the run so the
// dispatcher's retry policy can act on them.
func NewReplayWorker() Factory {
	return func(ops []bridge.Operation, mode bridge.Mode, hooks Hooks) Worker {
		byName := make(map[string]bridge.Operation, len(ops))
		for _, op := range ops {
			byName[op.Tool.Name] = op
		}
		return &replayWorker{ops: byName, mode: mode, hooks: hooks}
	}
}

type replayWorker struct {
	ops   map[string]bridge.Operation
	mode  bridge.Mode
	hooks Hooks
}

func (w *replayWorker) Run(ctx context.Context, task string) (*bridge.Outcome, error) {
	steps, calls := 0, 0
	sc := bufio.NewScanner(strings.NewReader(task))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		directive, rest, _ := strings.Cut(line, " ")
		switch directive {
		case "note":
			w.observe(w.hooks.Run.Append(rest))
			steps++
		case "call":
			called, err := w.call(ctx, rest)
			if err != nil {
				return nil, err
			}
			steps++
			if called {
				calls++
			}
		default:
			w.observe(w.hooks.Run.Append(fmt.Sprintf("error: unknown directive %q", directive)))
			steps++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dispatch: read task script: %w", err)
	}
	return &bridge.Outcome{
		Summary:  fmt.Sprintf("%d steps, %d tool calls", steps, calls),
		Degraded: w.mode == bridge.ModeFallback,
	}, nil
}

// call runs one `call` line. called reports whether an operation was
// actually invoked; parse and lookup failures record an error step instead.
func (w *replayWorker) call(ctx context.Context, rest string) (called bool, err error) {
	name, rawArgs, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if name == "" {
		w.observe(w.hooks.Run.Append("error: call without a tool name"))
		return false, nil
	}
	args := map[string]any{}
	if trimmed := strings.TrimSpace(rawArgs); trimmed != "" {
		if jsonErr := json.Unmarshal([]byte(trimmed), &args); jsonErr != nil {
			w.observe(w.hooks.Run.Append(
				fmt.Sprintf("error: bad arguments for %s: %v", name, jsonErr)))
			return false, nil
		}
	}
	op, ok := w.ops[name]
	if !ok {
		w.observe(w.hooks.Run.Append(fmt.Sprintf("error: no such tool %q", name)))
		return false, nil
	}

	res, err := op.Call(ctx, args)
	if err != nil {
		return true, err
	}
	text := bridge.ResultText(res)
	w.observe(w.hooks.Run.Append(history.ToolStepRaw(name, text)))
	if name == "create_element" && w.mode == bridge.ModeLive && !res.IsError {
		w.recordCreate(args, text)
	}
	return true, nil
}

// recordCreate mirrors a live creation into the local catalog when the
// backend's result names the assigned id.
func (w *replayWorker) recordCreate(args map[string]any, result string) {
	if w.hooks.Registry == nil {
		return
	}
	id := assignedID(result)
	if id == "" {
		return
	}
	el := registry.Element{ID: id}
	el.Type, _ = args["type"].(string)
	el.Name, _ = args["name"].(string)
	if x, ok := args["x"].(float64); ok {
		y, _ := args["y"].(float64)
		el.Location = &registry.Point{X: x, Y: y}
	}
	if err := w.hooks.Registry.Register(el); err != nil {
		w.hooks.Registry.Touch(el.ID)
	}
}

// assignedID reads the element id out of a creation result: the id field of
// a JSON object, or the first quoted token of a prose line.
func assignedID(result string) string {
	trimmed := strings.TrimSpace(result)
	if strings.HasPrefix(trimmed, "{") {
		var doc struct {
			ID string `json:"id"`
		}
		if json.Unmarshal([]byte(trimmed), &doc) == nil {
			return doc.ID
		}
		return ""
	}
	if m := resultIDRe.FindStringSubmatch(result); m != nil {
		return m[1]
	}
	return ""
}

func (w *replayWorker) observe(step *history.StepRecord) {
	if w.hooks.Observe != nil {
		w.hooks.Observe(step)
	}
}
