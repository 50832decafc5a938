// Package bridge maintains the link between task workers and the external
// design backend that owns the real model.
//
// The backend is an MCP tool server reached over stdio. The manager tracks
// the connection through a small state machine (disconnected, connecting,
// connected, degraded, reconnecting), validates the advertised tool set on
// every connect, rate-limits health probes, and retries lost links with
// exponentially growing waits. When no link can be established, tasks run
// against a local fallback operation set instead of failing.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"framehand/internal/registry"
	"framehand/internal/telemetry"
)

// timeNow is a package-level variable for testability.
// Tests can replace this to control time in assertions.
var timeNow = time.Now

// timeAfter is a package-level variable for testability.
// Tests can replace this to skip reconnect waits.
var timeAfter = time.After

// State is the connection lifecycle phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
)

// Config controls connection behavior.
type Config struct {
	// Command launches the backend process for the stdio transport.
	Command string
	// Args are passed to the backend command.
	Args []string
	// Env entries (KEY=VALUE) are added to the backend's environment.
	Env []string

	// ClientName and ClientVersion identify this host in the handshake.
	ClientName    string
	ClientVersion string

	// ConnectTimeout bounds one handshake plus tool listing.
	ConnectTimeout time.Duration
	// TaskTimeout bounds a task's connect-or-fallback phase in
	// RunWithOperations.
	TaskTimeout time.Duration
	// HealthInterval rate-limits backend pings. Checks inside the window
	// reuse the previous verdict.
	HealthInterval time.Duration

	// ReconnectMaxAttempts is the attempt budget for one AutoReconnect.
	ReconnectMaxAttempts int
	// ReconnectBaseSeconds is the exponential wait base, in seconds.
	ReconnectBaseSeconds float64
	// ReconnectCapSeconds caps a single wait, in seconds.
	ReconnectCapSeconds float64

	// MinTools logs a warning when the backend lists fewer tools than this.
	MinTools int
}

// DefaultConfig returns the connection defaults.
func DefaultConfig() Config {
	return Config{
		ClientName:           "framehand",
		ClientVersion:        "dev",
		ConnectTimeout:       10 * time.Second,
		TaskTimeout:          45 * time.Second,
		HealthInterval:       15 * time.Second,
		ReconnectMaxAttempts: 5,
		ReconnectBaseSeconds: 2,
		ReconnectCapSeconds:  30,
		MinTools:             6,
	}
}

// toolClient is the mcp-go client surface the manager depends on.
// *client.Client satisfies it.
type toolClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// dialStdio is a package-level variable for testability.
// Tests can replace this to connect workers to a fake backend.
var dialStdio = func(cfg Config) (toolClient, error) {
	return client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
}

// Options carries the manager's collaborators.
type Options struct {
	// Registry backs the fallback read operations. May be nil.
	Registry *registry.Registry
	// Sink receives state-transition events. Nil means no telemetry.
	Sink telemetry.Sink
	// Log defaults to slog.Default().
	Log *slog.Logger
}

// Manager owns the backend link and its lifecycle.
type Manager struct {
	cfg  Config
	reg  *registry.Registry
	sink telemetry.Sink
	log  *slog.Logger

	mu          sync.Mutex
	state       State
	client      toolClient
	tools       []mcp.Tool
	server      mcp.Implementation
	lastPing    time.Time
	lastHealthy bool

	// reconnectAttempts counts dials made by reconnect cycles over the
	// manager's lifetime.
	reconnectAttempts int

	// reconnecting is non-nil while one AutoReconnect is in flight; it is
	// closed when that attempt finishes and reconnectErr holds its result.
	reconnecting chan struct{}
	reconnectErr error
}

// NewManager builds a manager in the disconnected state. No connection is
// attempted until Connect or RunWithOperations.
func NewManager(cfg Config, opts Options) *Manager {
	def := DefaultConfig()
	if cfg.ClientName == "" {
		cfg.ClientName = def.ClientName
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = def.ClientVersion
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = def.ReconnectMaxAttempts
	}
	if cfg.ReconnectBaseSeconds <= 0 {
		cfg.ReconnectBaseSeconds = def.ReconnectBaseSeconds
	}
	if cfg.ReconnectCapSeconds <= 0 {
		cfg.ReconnectCapSeconds = def.ReconnectCapSeconds
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = telemetry.Nop{}
	}
	return &Manager{
		cfg:   cfg,
		reg:   opts.Registry,
		sink:  sink,
		log:   log,
		state: StateDisconnected,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Tools returns a copy of the backend's advertised tool list. Empty when no
// link is up.
func (m *Manager) Tools() []mcp.Tool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mcp.Tool, len(m.tools))
	copy(out, m.tools)
	return out
}

// ServerInfo reports the backend identity from the handshake. ok is false
// when no link is up.
func (m *Manager) ServerInfo() (mcp.Implementation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server, m.client != nil
}

// Connect establishes the stdio link, performs the MCP handshake, and
// validates the advertised tool set. Connecting while connected is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected && m.client != nil {
		m.mu.Unlock()
		return nil
	}
	m.closeClientLocked()
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	cl, info, tools, err := m.dialAndValidate(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.setStateLocked(StateDisconnected, map[string]string{"reason": err.Error()})
		return err
	}
	m.adoptLocked(cl, info, tools)
	m.log.Info("backend connected", "server", info.Name, "tools", len(tools))
	return nil
}

// dialAndValidate runs one full connection attempt without touching manager
// state: dial, handshake, tool listing, validation.
func (m *Manager) dialAndValidate(ctx context.Context) (toolClient, mcp.Implementation, []mcp.Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	var none mcp.Implementation
	cl, err := dialStdio(m.cfg)
	if err != nil {
		return nil, none, nil, fmt.Errorf("bridge: start backend: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    m.cfg.ClientName,
		Version: m.cfg.ClientVersion,
	}
	initRes, err := cl.Initialize(ctx, initReq)
	if err != nil {
		cl.Close()
		return nil, none, nil, fmt.Errorf("bridge: handshake: %w", err)
	}

	res, err := cl.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		cl.Close()
		return nil, none, nil, fmt.Errorf("bridge: list tools: %w", err)
	}
	if err := m.validateTools(res.Tools); err != nil {
		cl.Close()
		return nil, none, nil, err
	}
	return cl, initRes.ServerInfo, res.Tools, nil
}

// validateTools enforces the minimum contract on the advertised tool list.
func (m *Manager) validateTools(tools []mcp.Tool) error {
	if len(tools) == 0 {
		return ErrNoTools
	}
	for i, tool := range tools {
		if strings.TrimSpace(tool.Name) == "" {
			return fmt.Errorf("%w: entry %d has no name", ErrBadToolEntry, i)
		}
	}
	if m.cfg.MinTools > 0 && len(tools) < m.cfg.MinTools {
		m.log.Warn("backend lists fewer tools than expected",
			"got", len(tools), "want", m.cfg.MinTools)
	}
	return nil
}

// adoptLocked installs a validated client and moves to Connected.
func (m *Manager) adoptLocked(cl toolClient, info mcp.Implementation, tools []mcp.Tool) {
	m.closeClientLocked()
	m.client = cl
	m.tools = tools
	m.server = info
	m.lastPing = timeNow()
	m.lastHealthy = true
	m.setStateLocked(StateConnected, map[string]string{"tools": strconv.Itoa(len(tools))})
}

// HealthCheck verifies the link with a rate-limited ping. Calls inside
// HealthInterval of the previous probe reuse its verdict. A failed probe
// moves the manager to Degraded; a later successful probe recovers it.
func (m *Manager) HealthCheck(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil || (m.state != StateConnected && m.state != StateDegraded) {
		return false
	}
	now := timeNow()
	if !m.lastPing.IsZero() && now.Sub(m.lastPing) < m.cfg.HealthInterval {
		return m.lastHealthy
	}
	m.lastPing = now
	err := m.client.Ping(ctx)
	m.lastHealthy = err == nil
	if err != nil {
		m.log.Warn("backend ping failed", "error", err)
		m.setStateLocked(StateDegraded, map[string]string{"reason": "ping failed"})
		return false
	}
	if m.state == StateDegraded {
		m.setStateLocked(StateConnected, map[string]string{"reason": "ping recovered"})
	}
	return true
}

// AutoReconnect tears the link down and retries the full connect sequence
// with exponentially growing waits, giving up after maxAttempts (the
// configured budget when maxAttempts <= 0). Concurrent callers share a
// single in-flight cycle and its result. When the budget runs out the
// manager is left Disconnected.
func (m *Manager) AutoReconnect(ctx context.Context, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = m.cfg.ReconnectMaxAttempts
	}
	m.mu.Lock()
	if ch := m.reconnecting; ch != nil {
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.reconnectErr
	}
	ch := make(chan struct{})
	m.reconnecting = ch
	m.mu.Unlock()

	err := m.reconnectLoop(ctx, maxAttempts)

	m.mu.Lock()
	m.reconnectErr = err
	m.reconnecting = nil
	close(ch)
	m.mu.Unlock()
	return err
}

func (m *Manager) reconnectLoop(ctx context.Context, maxAttempts int) error {
	m.mu.Lock()
	m.closeClientLocked()
	m.setStateLocked(StateReconnecting, nil)
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		m.mu.Lock()
		m.reconnectAttempts++
		m.mu.Unlock()
		cl, info, tools, err := m.dialAndValidate(ctx)
		if err == nil {
			m.mu.Lock()
			m.adoptLocked(cl, info, tools)
			m.mu.Unlock()
			m.log.Info("backend reconnected", "attempt", attempt)
			return nil
		}
		lastErr = err
		m.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		if attempt == maxAttempts {
			break
		}

		wait := m.reconnectDelay(attempt)
		m.log.Info("reconnect scheduled", "attempt", attempt+1, "wait", wait.String())
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.setStateLocked(StateDisconnected, map[string]string{"reason": "canceled"})
			m.mu.Unlock()
			return ctx.Err()
		case <-timeAfter(wait):
		}
	}

	m.mu.Lock()
	m.setStateLocked(StateDisconnected, map[string]string{"reason": "reconnect attempts exhausted"})
	m.mu.Unlock()
	return fmt.Errorf("bridge: reconnect failed after %d attempts: %w",
		maxAttempts, lastErr)
}

// reconnectDelay is the wait after the given 1-based failed attempt:
// base^attempt seconds, capped.
func (m *Manager) reconnectDelay(attempt int) time.Duration {
	secs := math.Pow(m.cfg.ReconnectBaseSeconds, float64(attempt))
	if secs > m.cfg.ReconnectCapSeconds {
		secs = m.cfg.ReconnectCapSeconds
	}
	return time.Duration(secs * float64(time.Second))
}

// Close tears down the link and leaves the manager Disconnected.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeClientLocked()
	m.setStateLocked(StateDisconnected, map[string]string{"reason": "closed"})
	return nil
}

func (m *Manager) closeClientLocked() {
	if m.client == nil {
		return
	}
	if err := m.client.Close(); err != nil {
		m.log.Warn("backend close failed", "error", err)
	}
	m.client = nil
	m.tools = nil
	m.server = mcp.Implementation{}
	m.lastHealthy = false
}

// setStateLocked records a transition and emits it. Emitting under the lock
// is safe: sinks never block.
func (m *Manager) setStateLocked(next State, meta map[string]string) {
	if m.state == next {
		return
	}
	prev := m.state
	m.state = next
	m.log.Info("connection state changed", "from", string(prev), "to", string(next))

	var kind string
	switch next {
	case StateConnected:
		kind = telemetry.KindConnected
	case StateDegraded:
		kind = telemetry.KindDegraded
	case StateReconnecting:
		kind = telemetry.KindReconnecting
	case StateDisconnected:
		kind = telemetry.KindDisconnected
	}
	if kind != "" {
		m.sink.Notify(telemetry.Event{Kind: kind, Meta: meta})
	}
}
