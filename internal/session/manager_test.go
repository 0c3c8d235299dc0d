package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomctl/loom/internal/bridge"
	"github.com/loomctl/loom/internal/prompt"
	"github.com/loomctl/loom/internal/tool"
	"github.com/loomctl/loom/internal/workspace"
	"github.com/loomctl/loom/pkg/models"
)

type recordSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *recordSink) SendEvent(ev models.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordSink) all() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Event, len(s.events))
	copy(out, s.events)
	return out
}

type staticInvoker struct{}

func (staticInvoker) Invoke(ctx context.Context, req *bridge.InvokeRequest) (*bridge.InvokeResult, error) {
	return &bridge.InvokeResult{Text: "ok"}, nil
}

type stubTool struct{ name string }

func (s *stubTool) Name() string                     { return s.name }
func (s *stubTool) Schemas() []models.FunctionSchema { return nil }
func (s *stubTool) RequiredTools() []string          { return nil }
func (s *stubTool) PostInit(ctx context.Context) error {
	return nil
}
func (s *stubTool) Call(ctx context.Context, functionID string, args map[string]any) (string, error) {
	return "", nil
}
func (s *stubTool) Section() *prompt.Section { return nil }

func testManager(t *testing.T, mutate func(*ManagerConfig)) *Manager {
	t.Helper()
	reg := tool.NewRegistry()
	reg.MustRegister(tool.Descriptor{
		Name: "stub",
		New:  func(opts tool.Options) (tool.Tool, error) { return &stubTool{name: "stub"}, nil },
	})
	cfg := ManagerConfig{
		Registry:   reg,
		Invoker:    staticInvoker{},
		Prompts:    prompt.NewBuilder(nil, nil),
		Workspaces: workspace.NewStore(t.TempDir(), false, nil, nil),
		Format:     models.FormatNative,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewManager(cfg)
}

func TestConnectMintsOwnedSessionID(t *testing.T) {
	m := testManager(t, nil)
	s, resumed, err := m.Connect(context.Background(), "u1", "", &recordSink{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if resumed {
		t.Error("fresh connect reported resumed")
	}
	if !strings.HasPrefix(s.ID, "u1-") {
		t.Errorf("session id %q lacks owner prefix", s.ID)
	}
}

func TestConnectRejectsForeignSessionID(t *testing.T) {
	m := testManager(t, nil)
	s, _, err := m.Connect(context.Background(), "u1", "", &recordSink{})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = m.Connect(context.Background(), "u2", s.ID, &recordSink{})
	if !errors.Is(err, ErrSessionOwnership) {
		t.Errorf("err = %v, want ErrSessionOwnership", err)
	}
}

func TestConnectResumesKnownSession(t *testing.T) {
	m := testManager(t, nil)
	s, _, err := m.Connect(context.Background(), "u1", "", &recordSink{})
	if err != nil {
		t.Fatal(err)
	}
	m.Detach(s.ID)

	sink := &recordSink{}
	again, resumed, err := m.Connect(context.Background(), "u1", s.ID, sink)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed || again.ID != s.ID {
		t.Errorf("resumed=%v id=%s, want true/%s", resumed, again.ID, s.ID)
	}
	events := sink.all()
	if len(events) == 0 || events[0].Kind != models.EventSessionResumed {
		t.Errorf("first post-resume event = %v, want session_resumed", events)
	}
}

func TestConnectUnknownOwnedIDStartsFresh(t *testing.T) {
	m := testManager(t, nil)
	staleID := NewSessionID("u1")

	s, resumed, err := m.Connect(context.Background(), "u1", staleID, &recordSink{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if resumed {
		t.Error("unknown id reported resumed")
	}
	if s.ID == staleID {
		t.Error("stale id was reused")
	}
	if !strings.HasPrefix(s.ID, "u1-") {
		t.Errorf("fresh id %q lacks owner prefix", s.ID)
	}
}

func TestRuntimeEntryBuildDoesNotBlockOtherUsers(t *testing.T) {
	gate := make(chan struct{})
	building := make(chan struct{})
	m := testManager(t, func(cfg *ManagerConfig) {
		cfg.Registry.MustRegister(tool.Descriptor{
			Name: "slow",
			New: func(opts tool.Options) (tool.Tool, error) {
				if opts.UserID == "u1" {
					close(building)
					<-gate
				}
				return &stubTool{name: "slow"}, nil
			},
		})
		cfg.HotLoadTools = []string{"slow"}
	})

	done := make(chan struct{})
	go func() {
		m.runtimeEntry(context.Background(), "u1")
		close(done)
	}()
	<-building

	// u1's entry is mid-construction; u2 must not queue behind it.
	fast := make(chan *RuntimeEntry, 1)
	go func() { fast <- m.runtimeEntry(context.Background(), "u2") }()
	select {
	case entry := <-fast:
		if entry == nil {
			t.Fatal("nil runtime entry for u2")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("u2's runtime entry blocked behind u1's construction")
	}

	close(gate)
	<-done
}

func TestRuntimeCacheSurvivesTeardown(t *testing.T) {
	m := testManager(t, nil)
	ctx := context.Background()

	first := m.runtimeEntry(ctx, "u1")
	s, _, err := m.Connect(ctx, "u1", "", &recordSink{})
	if err != nil {
		t.Fatal(err)
	}
	m.Teardown(ctx, s.ID)
	if _, ok := m.Get(s.ID); ok {
		t.Error("session survived teardown")
	}

	if got := m.runtimeEntry(ctx, "u1"); got != first {
		t.Error("runtime entry rebuilt after teardown")
	}
}

func TestRuntimeEntrySharedAcrossSessions(t *testing.T) {
	m := testManager(t, nil)
	ctx := context.Background()

	s1, _, err := m.Connect(ctx, "u1", "", &recordSink{})
	if err != nil {
		t.Fatal(err)
	}
	s2, _, err := m.Connect(ctx, "u1", "", &recordSink{})
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID == s2.ID {
		t.Fatal("two connects shared a session id")
	}
	m.mu.RLock()
	entryCount := len(m.runtime)
	m.mu.RUnlock()
	if entryCount != 1 {
		t.Errorf("runtime entries = %d, want 1 shared entry", entryCount)
	}
}

func TestHotLoadToolsActivated(t *testing.T) {
	m := testManager(t, func(cfg *ManagerConfig) {
		cfg.HotLoadTools = []string{"stub"}
	})
	entry := m.runtimeEntry(context.Background(), "u1")
	if _, active := entry.Chest.ActiveTool("stub"); !active {
		t.Error("hot-load toolset not active")
	}
}

func TestHotLoadFailureIsNonFatal(t *testing.T) {
	m := testManager(t, func(cfg *ManagerConfig) {
		cfg.HotLoadTools = []string{"no_such_tool"}
	})
	if _, _, err := m.Connect(context.Background(), "u1", "", &recordSink{}); err != nil {
		t.Errorf("Connect failed on hot-load miss: %v", err)
	}
}

func TestCancelUnknownSession(t *testing.T) {
	m := testManager(t, nil)
	if m.Cancel("u1-missing") {
		t.Error("Cancel reported success for unknown session")
	}
}

func TestCancelKnownSession(t *testing.T) {
	m := testManager(t, nil)
	s, _, err := m.Connect(context.Background(), "u1", "", &recordSink{})
	if err != nil {
		t.Fatal(err)
	}
	if !m.Cancel(s.ID) {
		t.Error("Cancel failed for live session")
	}
	if !s.Bridge.CancelFlag().Load() {
		t.Error("flag not set")
	}
}

func TestBroadcastReachesOnlyUserSessions(t *testing.T) {
	m := testManager(t, nil)
	ctx := context.Background()

	sinkA1, sinkA2, sinkB := &recordSink{}, &recordSink{}, &recordSink{}
	if _, _, err := m.Connect(ctx, "ua", "", sinkA1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Connect(ctx, "ua", "", sinkA2); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Connect(ctx, "ub", "", sinkB); err != nil {
		t.Fatal(err)
	}

	m.Broadcast("ua", models.Event{
		Kind:   models.EventSystemMessage,
		Scope:  models.EventScopeUser,
		System: &models.SystemMessagePayload{Severity: models.SeverityInfo, Text: "hello"},
	})

	if len(sinkA1.all()) != 1 || len(sinkA2.all()) != 1 {
		t.Errorf("user sessions got %d/%d events, want 1/1", len(sinkA1.all()), len(sinkA2.all()))
	}
	if len(sinkB.all()) != 0 {
		t.Errorf("other user's session got %d events", len(sinkB.all()))
	}
}

func TestAddWorkspaceNotifiesSessions(t *testing.T) {
	m := testManager(t, nil)
	ctx := context.Background()
	sink := &recordSink{}
	if _, _, err := m.Connect(ctx, "u1", "", sink); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	err := m.AddWorkspace(ctx, "u1", models.WorkspaceEntry{
		Name: "data", PathOrBucket: dir, Type: models.WorkspaceLocal,
	})
	if err != nil {
		t.Fatalf("AddWorkspace: %v", err)
	}

	var sawInfo, sawAdded bool
	for _, ev := range sink.all() {
		switch ev.Kind {
		case models.EventSystemMessage:
			if ev.System != nil && ev.System.Severity == models.SeverityInfo {
				sawInfo = true
				if ev.Scope != models.EventScopeUser {
					t.Errorf("system message scope = %q, want user", ev.Scope)
				}
			}
		case models.EventWorkspaceAdded:
			if ev.Workspace != nil && ev.Workspace.Added != nil && ev.Workspace.Added.Name == "data" {
				sawAdded = true
				if ev.Scope != models.EventScopeUser {
					t.Errorf("workspace_added scope = %q, want user", ev.Scope)
				}
			}
		}
	}
	if !sawInfo || !sawAdded {
		t.Errorf("events = %v, want info message and workspace_added", sink.all())
	}

	entries := m.WorkspaceEntries(ctx, "u1")
	var found bool
	for _, e := range entries {
		if e.Name == "data" {
			found = true
		}
	}
	if !found {
		t.Errorf("entry missing after AddWorkspace: %v", entries)
	}
}

func TestAddWorkspaceInvalidEntry(t *testing.T) {
	m := testManager(t, nil)
	err := m.AddWorkspace(context.Background(), "u1", models.WorkspaceEntry{
		Name: "ghost", PathOrBucket: "/definitely/not/here", Type: models.WorkspaceLocal,
	})
	if err == nil {
		t.Fatal("invalid workspace accepted")
	}
}
