package bridge

import "time"

// Test helpers that expose internals to the external test package.
// This file only compiles during `go test`.

// ToolClient mirrors the client surface so tests can supply fakes.
type ToolClient = toolClient

// SetDialer swaps the stdio dialer and returns a restore function.
func SetDialer(f func(Config) (ToolClient, error)) func() {
	prev := dialStdio
	dialStdio = f
	return func() { dialStdio = prev }
}

// SetAfterFunc swaps the reconnect wait timer and returns a restore function.
func SetAfterFunc(f func(time.Duration) <-chan time.Time) func() {
	prev := timeAfter
	timeAfter = f
	return func() { timeAfter = prev }
}

// SetNowFunc swaps the package clock and returns a restore function.
func SetNowFunc(f func() time.Time) func() {
	prev := timeNow
	timeNow = f
	return func() { timeNow = prev }
}

// ReconnectDelay exposes the wait schedule.
func (m *Manager) ReconnectDelay(attempt int) time.Duration {
	return m.reconnectDelay(attempt)
}

// FallbackOperations exposes the degraded operation set.
func (m *Manager) FallbackOperations() []Operation {
	return m.fallbackOperations()
}
