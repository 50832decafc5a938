package bridge_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"framehand/internal/bridge"
)

// fakeBackend is an in-memory stand-in for the external design backend.
type fakeBackend struct {
	mu      sync.Mutex
	tools   []mcp.Tool
	initErr error
	listErr error
	pingErr error
	callErr error
	calls   []string
	pings   int
	closed  bool
}

func (f *fakeBackend) Initialize(_ context.Context, _ mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	res := &mcp.InitializeResult{}
	res.ServerInfo = mcp.Implementation{Name: "framecad-backend", Version: "2.1.0"}
	return res, nil
}

func (f *fakeBackend) ListTools(_ context.Context, _ mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeBackend) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Params.Name)
	if f.callErr != nil {
		return nil, f.callErr
	}
	return mcp.NewToolResultText("ok"), nil
}

func (f *fakeBackend) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) setPingErr(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

func (f *fakeBackend) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeBackend) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func backendTools() []mcp.Tool {
	names := []string{
		"create_element", "update_element", "get_element",
		"list_elements", "delete_element", "connection_status",
	}
	tools := make([]mcp.Tool, 0, len(names))
	for _, n := range names {
		tools = append(tools, mcp.Tool{Name: n})
	}
	return tools
}

// stubDialer points the package dialer at fake, or at dialErr when set, and
// counts dials.
func stubDialer(t *testing.T, fake *fakeBackend, dialErr error) *atomic.Int32 {
	t.Helper()
	var dials atomic.Int32
	restore := bridge.SetDialer(func(bridge.Config) (bridge.ToolClient, error) {
		dials.Add(1)
		if dialErr != nil {
			return nil, dialErr
		}
		return fake, nil
	})
	t.Cleanup(restore)
	return &dials
}

// instantWaits makes reconnect waits resolve immediately while recording the
// requested durations.
func instantWaits(t *testing.T) *[]time.Duration {
	t.Helper()
	waits := &[]time.Duration{}
	restore := bridge.SetAfterFunc(func(d time.Duration) <-chan time.Time {
		*waits = append(*waits, d)
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	})
	t.Cleanup(restore)
	return waits
}

func TestConnect_EstablishesAndValidates(t *testing.T) {
	fake := &fakeBackend{tools: backendTools()}
	dials := stubDialer(t, fake, nil)
	m := bridge.NewManager(bridge.Config{}, bridge.Options{})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := m.State(); got != bridge.StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}
	if got := len(m.Tools()); got != 6 {
		t.Fatalf("tools = %d, want 6", got)
	}
	info, ok := m.ServerInfo()
	if !ok || info.Name != "framecad-backend" {
		t.Fatalf("server info = %+v ok=%v, want the handshake identity", info, ok)
	}

	// Connecting while connected must not redial.
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if dials.Load() != 1 {
		t.Fatalf("dials = %d, want 1", dials.Load())
	}
}

func TestConnect_EmptyToolListRejected(t *testing.T) {
	fake := &fakeBackend{}
	stubDialer(t, fake, nil)
	m := bridge.NewManager(bridge.Config{}, bridge.Options{})

	err := m.Connect(context.Background())
	if !errors.Is(err, bridge.ErrNoTools) {
		t.Fatalf("Connect err = %v, want ErrNoTools", err)
	}
	if got := m.State(); got != bridge.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
	if !fake.wasClosed() {
		t.Fatal("rejected client left open")
	}
}

func TestConnect_UnnamedToolRejected(t *testing.T) {
	fake := &fakeBackend{tools: []mcp.Tool{{Name: "create_element"}, {Name: "  "}}}
	stubDialer(t, fake, nil)
	m := bridge.NewManager(bridge.Config{}, bridge.Options{})

	err := m.Connect(context.Background())
	if !errors.Is(err, bridge.ErrBadToolEntry) {
		t.Fatalf("Connect err = %v, want ErrBadToolEntry", err)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	stubDialer(t, nil, errors.New("connection refused"))
	m := bridge.NewManager(bridge.Config{}, bridge.Options{})

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded against a dead backend")
	}
	if got := m.State(); got != bridge.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
}

func TestHealthCheck_RateLimitsPings(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cur := base
	restore := bridge.SetNowFunc(func() time.Time { return cur })
	t.Cleanup(restore)

	fake := &fakeBackend{tools: backendTools()}
	stubDialer(t, fake, nil)
	m := bridge.NewManager(bridge.Config{HealthInterval: 10 * time.Second}, bridge.Options{})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Inside the window the connect-time verdict is reused without pinging.
	if !m.HealthCheck(context.Background()) {
		t.Fatal("healthy link reported unhealthy")
	}
	if fake.pingCount() != 0 {
		t.Fatalf("pings = %d, want 0 inside the window", fake.pingCount())
	}

	cur = base.Add(11 * time.Second)
	if !m.HealthCheck(context.Background()) {
		t.Fatal("ping should have succeeded")
	}
	if fake.pingCount() != 1 {
		t.Fatalf("pings = %d, want 1", fake.pingCount())
	}

	// A failed probe degrades the link.
	fake.setPingErr(errors.New("broken pipe"))
	cur = base.Add(22 * time.Second)
	if m.HealthCheck(context.Background()) {
		t.Fatal("failed ping reported healthy")
	}
	if got := m.State(); got != bridge.StateDegraded {
		t.Fatalf("state = %s, want degraded", got)
	}

	// The failure verdict is cached inside the window.
	if m.HealthCheck(context.Background()) {
		t.Fatal("cached failure verdict lost")
	}
	if fake.pingCount() != 2 {
		t.Fatalf("pings = %d, want 2", fake.pingCount())
	}

	// A later successful probe recovers the link.
	fake.setPingErr(nil)
	cur = base.Add(33 * time.Second)
	if !m.HealthCheck(context.Background()) {
		t.Fatal("recovered ping reported unhealthy")
	}
	if got := m.State(); got != bridge.StateConnected {
		t.Fatalf("state = %s, want connected after recovery", got)
	}
}

func TestHealthCheck_FalseWithoutLink(t *testing.T) {
	m := bridge.NewManager(bridge.Config{}, bridge.Options{})
	if m.HealthCheck(context.Background()) {
		t.Fatal("HealthCheck true with no link")
	}
}

func TestAutoReconnect_ExactBudgetAndCappedWaits(t *testing.T) {
	dials := stubDialer(t, nil, errors.New("connection refused"))
	waits := instantWaits(t)
	m := bridge.NewManager(bridge.Config{
		ReconnectBaseSeconds: 2,
		ReconnectCapSeconds:  5,
	}, bridge.Options{})

	err := m.AutoReconnect(context.Background(), 3)
	if err == nil {
		t.Fatal("AutoReconnect succeeded against a dead backend")
	}
	if dials.Load() != 3 {
		t.Fatalf("dials = %d, want exactly 3", dials.Load())
	}
	// The first dial happens immediately; each failure waits base^attempt,
	// and exhaustion does not wait again.
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if !reflect.DeepEqual(*waits, want) {
		t.Fatalf("waits = %v, want %v", *waits, want)
	}
	if got := m.State(); got != bridge.StateDisconnected {
		t.Fatalf("state = %s, want disconnected after exhaustion", got)
	}
}

func TestAutoReconnect_RecoversMidBudget(t *testing.T) {
	fake := &fakeBackend{tools: backendTools()}
	var dials atomic.Int32
	restore := bridge.SetDialer(func(bridge.Config) (bridge.ToolClient, error) {
		if dials.Add(1) <= 2 {
			return nil, errors.New("connection refused")
		}
		return fake, nil
	})
	t.Cleanup(restore)
	instantWaits(t)
	m := bridge.NewManager(bridge.Config{
		ReconnectMaxAttempts: 5,
		ReconnectBaseSeconds: 2,
		ReconnectCapSeconds:  5,
	}, bridge.Options{})

	// maxAttempts <= 0 falls back to the configured budget.
	if err := m.AutoReconnect(context.Background(), 0); err != nil {
		t.Fatalf("AutoReconnect: %v", err)
	}
	if got := m.State(); got != bridge.StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}
	if dials.Load() != 3 {
		t.Fatalf("dials = %d, want 3", dials.Load())
	}
}

func TestAutoReconnect_SingleFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var dials atomic.Int32
	restore := bridge.SetDialer(func(bridge.Config) (bridge.ToolClient, error) {
		dials.Add(1)
		entered <- struct{}{}
		<-release
		return nil, errors.New("connection refused")
	})
	t.Cleanup(restore)
	instantWaits(t)
	m := bridge.NewManager(bridge.Config{
		ReconnectBaseSeconds: 2,
		ReconnectCapSeconds:  2,
	}, bridge.Options{})

	errs := make(chan error, 2)
	go func() { errs <- m.AutoReconnect(context.Background(), 1) }()
	<-entered // leader is mid-dial, cycle registered
	go func() { errs <- m.AutoReconnect(context.Background(), 1) }()
	close(release)

	err1, err2 := <-errs, <-errs
	if err1 == nil || err2 == nil {
		t.Fatalf("errors = %v, %v, want both non-nil", err1, err2)
	}
	if err1.Error() != err2.Error() {
		t.Fatalf("followers must adopt the leader result: %v vs %v", err1, err2)
	}
	if dials.Load() != 1 {
		t.Fatalf("dials = %d, want a single shared attempt", dials.Load())
	}
}

func TestClose_TearsDownLink(t *testing.T) {
	fake := &fakeBackend{tools: backendTools()}
	stubDialer(t, fake, nil)
	m := bridge.NewManager(bridge.Config{}, bridge.Options{})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := m.State(); got != bridge.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
	if !fake.wasClosed() {
		t.Fatal("backend client left open")
	}
	if got := len(m.Tools()); got != 0 {
		t.Fatalf("tools after close = %d, want 0", got)
	}
	if _, ok := m.ServerInfo(); ok {
		t.Fatal("server info survived close")
	}
}

func TestReconnectDelay_Schedule(t *testing.T) {
	m := bridge.NewManager(bridge.Config{
		ReconnectBaseSeconds: 3,
		ReconnectCapSeconds:  20,
	}, bridge.Options{})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 3 * time.Second},
		{2, 9 * time.Second},
		{3, 20 * time.Second}, // 27s capped
		{4, 20 * time.Second},
	}
	for _, tc := range tests {
		if got := m.ReconnectDelay(tc.attempt); got != tc.want {
			t.Errorf("delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
