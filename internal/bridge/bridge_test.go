package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomctl/loom/internal/chest"
	"github.com/loomctl/loom/internal/prompt"
	"github.com/loomctl/loom/internal/tool"
	"github.com/loomctl/loom/pkg/models"
)

// scriptedInvoker replays a fixed sequence of model responses.
type scriptedInvoker struct {
	mu       sync.Mutex
	script   []*InvokeResult
	err      error
	requests []*InvokeRequest
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.script) == 0 {
		return &InvokeResult{Text: "done"}, nil
	}
	next := s.script[0]
	s.script = s.script[1:]
	return next, nil
}

func (s *scriptedInvoker) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// fakeDispatcher is a recording ToolDispatcher.
type fakeDispatcher struct {
	mu            sync.Mutex
	activated     [][]string
	activateFails []*chest.ActivationError
	dispatched    [][]models.ToolCall
	onDispatch    func()
	schemas       []models.FunctionSchema
	sections      []*prompt.Section
}

func (f *fakeDispatcher) Activate(ctx context.Context, names []string) (bool, []*chest.ActivationError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated = append(f.activated, append([]string{}, names...))
	return len(f.activateFails) == 0, f.activateFails
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, calls []models.ToolCall, tctx *tool.Context, format models.SchemaFormat) []models.ChatMessage {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, calls)
	f.mu.Unlock()
	if f.onDispatch != nil {
		f.onDispatch()
	}
	msgs := []models.ChatMessage{{Role: models.RoleAssistant}}
	for _, call := range calls {
		msgs = append(msgs, models.ChatMessage{
			Role:       models.RoleTool,
			ToolCallID: call.ID,
			Content:    "result",
		})
	}
	return msgs
}

func (f *fakeDispatcher) FunctionSchemas() []models.FunctionSchema { return f.schemas }
func (f *fakeDispatcher) Sections() []*prompt.Section              { return f.sections }

func testBridge(t *testing.T, invoker ModelInvoker, dispatcher ToolDispatcher, sink EventSink) *Bridge {
	t.Helper()
	b := New(Config{
		SessionID: "u1-abc",
		UserID:    "u1",
		Chest:     dispatcher,
		Prompts:   prompt.NewBuilder(nil, nil),
		BaseSections: []*prompt.Section{
			{Name: "Identity", Kind: prompt.KindCore, Template: "You are $assistant_name."},
		},
		PromptData: map[string]any{"assistant_name": "Loom"},
		Invoker:    invoker,
		Format:     models.FormatNative,
	})
	if sink != nil {
		b.Bind(sink)
	}
	return b
}

func hasKind(events []models.Event, kind models.EventKind) bool {
	for _, ev := range events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func TestUserTurnSimpleCompletion(t *testing.T) {
	sink := &captureSink{}
	invoker := &scriptedInvoker{script: []*InvokeResult{{Text: "hello there"}}}
	b := testBridge(t, invoker, &fakeDispatcher{}, sink)

	if err := b.UserTurn(context.Background(), "hi"); err != nil {
		t.Fatalf("UserTurn: %v", err)
	}
	if invoker.calls() != 1 {
		t.Errorf("invoker called %d times", invoker.calls())
	}
	if !hasKind(sink.all(), models.EventTurnComplete) {
		t.Errorf("no turn_complete event: %v", sink.kinds())
	}
	if b.State() != StateIdle {
		t.Errorf("state = %s, want idle", b.State())
	}
}

func TestUserTurnToolLoop(t *testing.T) {
	sink := &captureSink{}
	calls := []models.ToolCall{{ID: "c1", Function: "work", Args: map[string]any{}}}
	invoker := &scriptedInvoker{script: []*InvokeResult{
		{ToolCalls: calls},
		{Text: "all done"},
	}}
	dispatcher := &fakeDispatcher{}
	b := testBridge(t, invoker, dispatcher, sink)

	if err := b.UserTurn(context.Background(), "go"); err != nil {
		t.Fatalf("UserTurn: %v", err)
	}
	if invoker.calls() != 2 {
		t.Errorf("invoker called %d times, want 2", invoker.calls())
	}
	if len(dispatcher.dispatched) != 1 || dispatcher.dispatched[0][0].ID != "c1" {
		t.Errorf("dispatched = %v", dispatcher.dispatched)
	}

	// The continuation request must include the dispatch messages.
	second := invoker.requests[1]
	var sawResult bool
	for _, msg := range second.Messages {
		if msg.Role == models.RoleTool && msg.ToolCallID == "c1" {
			sawResult = true
		}
	}
	if !sawResult {
		t.Error("tool result missing from continuation messages")
	}
}

func TestUserTurnSystemPromptRendered(t *testing.T) {
	invoker := &scriptedInvoker{}
	b := testBridge(t, invoker, &fakeDispatcher{}, &captureSink{})

	if err := b.UserTurn(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	system := invoker.requests[0].System
	if !strings.Contains(system, "You are Loom.") {
		t.Errorf("system prompt = %q", system)
	}
}

func TestUserTurnUndeclaredVariableWarns(t *testing.T) {
	sink := &captureSink{}
	invoker := &scriptedInvoker{}
	b := New(Config{
		SessionID: "u1-abc",
		UserID:    "u1",
		Chest:     &fakeDispatcher{},
		Prompts:   prompt.NewBuilder(nil, nil),
		BaseSections: []*prompt.Section{
			{Name: "S", Kind: prompt.KindCore, Template: "hello {nobody}"},
		},
		Invoker: invoker,
		Format:  models.FormatNative,
	})
	b.Bind(sink)

	if err := b.UserTurn(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	var warned bool
	for _, ev := range sink.all() {
		if ev.Kind == models.EventSystemMessage && ev.System != nil &&
			ev.System.Severity == models.SeverityWarning {
			warned = true
		}
	}
	if !warned {
		t.Errorf("no warning event for undeclared variable: %v", sink.kinds())
	}
}

func TestCancelBeforeTurnSkipsModel(t *testing.T) {
	sink := &captureSink{}
	invoker := &scriptedInvoker{}
	b := testBridge(t, invoker, &fakeDispatcher{}, sink)

	b.Cancel()
	if err := b.UserTurn(context.Background(), "hi"); err != nil {
		t.Fatalf("UserTurn: %v", err)
	}
	if invoker.calls() != 0 {
		t.Errorf("model invoked %d times on cancelled turn", invoker.calls())
	}
	if !hasKind(sink.all(), models.EventTurnCancelled) {
		t.Errorf("no turn_cancelled event: %v", sink.kinds())
	}

	// The flag is consumed: the next turn runs normally.
	if err := b.UserTurn(context.Background(), "again"); err != nil {
		t.Fatal(err)
	}
	if invoker.calls() != 1 {
		t.Errorf("flag not cleared, invoker calls = %d", invoker.calls())
	}
}

func TestCancelDuringToolsStopsContinuation(t *testing.T) {
	sink := &captureSink{}
	calls := []models.ToolCall{{ID: "c1", Function: "work"}}
	invoker := &scriptedInvoker{script: []*InvokeResult{
		{ToolCalls: calls},
		{Text: "should never run"},
	}}
	dispatcher := &fakeDispatcher{}
	b := testBridge(t, invoker, dispatcher, sink)
	// Cancellation arrives while the batch executes; the batch drains,
	// the continuation does not run.
	dispatcher.onDispatch = b.Cancel

	if err := b.UserTurn(context.Background(), "go"); err != nil {
		t.Fatalf("UserTurn: %v", err)
	}
	if invoker.calls() != 1 {
		t.Errorf("continuation ran after cancel, invoker calls = %d", invoker.calls())
	}
	if len(dispatcher.dispatched) != 1 {
		t.Errorf("batch did not drain, dispatched = %d", len(dispatcher.dispatched))
	}
	if !hasKind(sink.all(), models.EventTurnCancelled) {
		t.Errorf("no turn_cancelled event: %v", sink.kinds())
	}
	if b.State() != StateIdle {
		t.Errorf("state = %s, want idle", b.State())
	}
}

func TestUserTurnModelFailure(t *testing.T) {
	sink := &captureSink{}
	invoker := &scriptedInvoker{err: errors.New("upstream down")}
	b := testBridge(t, invoker, &fakeDispatcher{}, sink)

	err := b.UserTurn(context.Background(), "hi")
	var te *TurnError
	if !errors.As(err, &te) || te.Phase != PhaseModel {
		t.Fatalf("err = %v, want model-phase TurnError", err)
	}
	if !hasKind(sink.all(), models.EventError) {
		t.Errorf("no error event: %v", sink.kinds())
	}
	if b.State() != StateIdle {
		t.Errorf("state = %s, want idle after failed turn", b.State())
	}
}

func TestUserTurnMaxIterations(t *testing.T) {
	sink := &captureSink{}
	loop := &InvokeResult{ToolCalls: []models.ToolCall{{ID: "c", Function: "work"}}}
	invoker := &scriptedInvoker{script: []*InvokeResult{loop, loop, loop, loop}}
	b := New(Config{
		SessionID:     "u1-abc",
		UserID:        "u1",
		Chest:         &fakeDispatcher{},
		Prompts:       prompt.NewBuilder(nil, nil),
		Invoker:       invoker,
		Format:        models.FormatNative,
		MaxIterations: 2,
	})
	b.Bind(sink)

	err := b.UserTurn(context.Background(), "go")
	var te *TurnError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TurnError", err)
	}
	if invoker.calls() != 2 {
		t.Errorf("invoker calls = %d, want MaxIterations", invoker.calls())
	}
	if !hasKind(sink.all(), models.EventError) {
		t.Errorf("no error event: %v", sink.kinds())
	}
}

func TestUpdateToolsPassesNamesVerbatim(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := testBridge(t, &scriptedInvoker{}, dispatcher, nil)

	names := []string{"alpha", "beta", "gamma"}
	if err := b.UpdateTools(context.Background(), names); err != nil {
		t.Fatalf("UpdateTools: %v", err)
	}
	if len(dispatcher.activated) != 1 {
		t.Fatalf("activated = %v", dispatcher.activated)
	}
	got := dispatcher.activated[0]
	if len(got) != 3 || got[0] != "alpha" || got[1] != "beta" || got[2] != "gamma" {
		t.Errorf("activation names = %v, want %v", got, names)
	}
}

func TestUpdateToolsSurfacesFailures(t *testing.T) {
	sink := &captureSink{}
	dispatcher := &fakeDispatcher{
		activateFails: []*chest.ActivationError{
			{Name: "bad", Reason: chest.ReasonUnknown},
		},
	}
	b := testBridge(t, &scriptedInvoker{}, dispatcher, sink)

	if err := b.UpdateTools(context.Background(), []string{"bad"}); err == nil {
		t.Fatal("expected error")
	}
	var sawError bool
	for _, ev := range sink.all() {
		if ev.Kind == models.EventSystemMessage && ev.System != nil &&
			ev.System.Severity == models.SeverityError {
			sawError = true
		}
	}
	if !sawError {
		t.Errorf("no error system message: %v", sink.kinds())
	}
}

// gatedInvoker blocks inside Invoke until released, to hold a turn open.
type gatedInvoker struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedInvoker) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResult, error) {
	close(g.entered)
	<-g.release
	return &InvokeResult{Text: "done"}, nil
}

func TestUpdateToolsProceedsMidTurn(t *testing.T) {
	inv := &gatedInvoker{entered: make(chan struct{}), release: make(chan struct{})}
	dispatcher := &fakeDispatcher{}
	b := testBridge(t, inv, dispatcher, &captureSink{})

	turnDone := make(chan error, 1)
	go func() { turnDone <- b.UserTurn(context.Background(), "hi") }()
	<-inv.entered

	updated := make(chan error, 1)
	go func() { updated <- b.UpdateTools(context.Background(), []string{"extra"}) }()
	select {
	case err := <-updated:
		if err != nil {
			t.Fatalf("UpdateTools: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("UpdateTools blocked behind the running turn")
	}

	dispatcher.mu.Lock()
	activated := append([][]string{}, dispatcher.activated...)
	dispatcher.mu.Unlock()
	if len(activated) != 1 || len(activated[0]) != 1 || activated[0][0] != "extra" {
		t.Errorf("activated = %v, want [[extra]]", activated)
	}

	close(inv.release)
	if err := <-turnDone; err != nil {
		t.Fatalf("UserTurn: %v", err)
	}
}

func TestRebindEmitsSessionResumedFirst(t *testing.T) {
	b := testBridge(t, &scriptedInvoker{}, &fakeDispatcher{}, nil)

	sink := &captureSink{}
	b.Rebind(sink)
	events := sink.all()
	if len(events) == 0 || events[0].Kind != models.EventSessionResumed {
		t.Errorf("first post-rebind event = %v, want session_resumed", sink.kinds())
	}
}

func TestBindDoesNotEmitSessionResumed(t *testing.T) {
	b := testBridge(t, &scriptedInvoker{}, &fakeDispatcher{}, nil)

	sink := &captureSink{}
	b.Bind(sink)
	if len(sink.all()) != 0 {
		t.Errorf("Bind emitted events: %v", sink.kinds())
	}
}

func TestClosedBridgeRefusesWork(t *testing.T) {
	b := testBridge(t, &scriptedInvoker{}, &fakeDispatcher{}, nil)
	b.Close()

	if b.State() != StateClosed {
		t.Fatalf("state = %s", b.State())
	}
	if err := b.UserTurn(context.Background(), "hi"); err == nil {
		t.Error("UserTurn succeeded on closed bridge")
	}
	if err := b.UpdateTools(context.Background(), []string{"a"}); err == nil {
		t.Error("UpdateTools succeeded on closed bridge")
	}
}
