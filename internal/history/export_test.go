package history

import "time"

// Test helpers that expose internals to the external test package.
// This file only compiles during `go test`.

// SetNowFunc swaps the package clock and returns a restore function.
func SetNowFunc(f func() time.Time) func() {
	prev := timeNow
	timeNow = f
	return func() { timeNow = prev }
}

// ToolCallName exposes the tool step parser.
func ToolCallName(raw string) string { return toolCallName(raw) }
