package chest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomctl/loom/internal/tool"
	"github.com/loomctl/loom/pkg/models"
)

// captureEmitter records events for assertions.
type captureEmitter struct {
	mu       sync.Mutex
	system   []string
	activity []string
}

func (e *captureEmitter) SystemMessage(severity models.Severity, text string) {
	e.mu.Lock()
	e.system = append(e.system, string(severity)+": "+text)
	e.mu.Unlock()
}

func (e *captureEmitter) ToolActivity(toolID string, stage models.ToolActivityStage, payload string) {
	e.mu.Lock()
	e.activity = append(e.activity, toolID+"/"+string(stage))
	e.mu.Unlock()
}

func (e *captureEmitter) WorkspaceAdded(entry models.WorkspaceEntry) {}

func dispatchChest(t *testing.T, callFn func(ctx context.Context, functionID string, args map[string]any) (string, error), schemas ...models.FunctionSchema) *Chest {
	t.Helper()
	reg := tool.NewRegistry()
	if len(schemas) == 0 {
		schemas = []models.FunctionSchema{{Name: "work"}}
	}
	registerFake(t, reg, "worker", nil, func() tool.Tool {
		return &fakeTool{name: "worker", schemas: schemas, callFn: callFn}
	})
	c := newTestChest(t, reg)
	if ok, f := c.Activate(context.Background(), []string{"worker"}); !ok {
		t.Fatalf("activate: %v", f)
	}
	return c
}

func TestDispatchPreservesRequestOrder(t *testing.T) {
	// Make earlier calls finish last; the result messages must still come
	// back in request order.
	c := dispatchChest(t, func(ctx context.Context, functionID string, args map[string]any) (string, error) {
		if d, ok := args["delay"].(int); ok {
			time.Sleep(time.Duration(d) * time.Millisecond)
		}
		return args["tag"].(string), nil
	})

	calls := []models.ToolCall{
		{ID: "c1", Function: "work", Args: map[string]any{"tag": "first", "delay": 30}},
		{ID: "c2", Function: "work", Args: map[string]any{"tag": "second", "delay": 10}},
		{ID: "c3", Function: "work", Args: map[string]any{"tag": "third", "delay": 0}},
	}

	msgs := c.Dispatch(context.Background(), calls, nil, models.FormatNative)
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	wantIDs := []string{"c1", "c2", "c3"}
	wantContent := []string{"first", "second", "third"}
	for i, msg := range msgs[1:] {
		if msg.Role != models.RoleTool {
			t.Errorf("message %d role = %s", i, msg.Role)
		}
		if msg.ToolCallID != wantIDs[i] || msg.Content != wantContent[i] {
			t.Errorf("message %d = %s/%q, want %s/%q", i, msg.ToolCallID, msg.Content, wantIDs[i], wantContent[i])
		}
	}
}

func TestDispatchZeroCalls(t *testing.T) {
	c := dispatchChest(t, nil)

	msgs := c.Dispatch(context.Background(), nil, nil, models.FormatNative)
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant {
		t.Fatalf("msgs = %v", msgs)
	}

	msgs = c.Dispatch(context.Background(), nil, nil, models.FormatAlternate)
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant || msgs[0].Blocks == nil {
		t.Fatalf("alternate empty batch = %v", msgs)
	}
}

func TestDispatchUnknownFunction(t *testing.T) {
	c := dispatchChest(t, nil)
	emitter := &captureEmitter{}
	tctx := &tool.Context{Events: emitter}

	calls := []models.ToolCall{{ID: "c1", Function: "vanish"}}
	msgs := c.Dispatch(context.Background(), calls, tctx, models.FormatNative)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[1].Content != "vanish is not on a valid toolset" {
		t.Errorf("content = %q", msgs[1].Content)
	}
	if msgs[1].ToolCallID != "c1" {
		t.Errorf("result lost original call id: %q", msgs[1].ToolCallID)
	}
	if len(emitter.system) != 1 || !strings.Contains(emitter.system[0], "vanish") {
		t.Errorf("system messages = %v", emitter.system)
	}
}

func TestDispatchPanicRecovery(t *testing.T) {
	c := dispatchChest(t, func(ctx context.Context, functionID string, args map[string]any) (string, error) {
		panic("boom")
	})

	calls := []models.ToolCall{{ID: "c1", Function: "work"}}
	msgs := c.Dispatch(context.Background(), calls, nil, models.FormatNative)
	if !strings.HasPrefix(msgs[1].Content, "Exception: panic: boom") {
		t.Errorf("content = %q", msgs[1].Content)
	}
}

func TestDispatchToolErrorPrefixed(t *testing.T) {
	c := dispatchChest(t, func(ctx context.Context, functionID string, args map[string]any) (string, error) {
		return "", context.DeadlineExceeded
	})

	calls := []models.ToolCall{{ID: "c1", Function: "work"}}
	msgs := c.Dispatch(context.Background(), calls, nil, models.FormatNative)
	if !strings.HasPrefix(msgs[1].Content, "Exception: ") {
		t.Errorf("content = %q", msgs[1].Content)
	}
}

func TestDispatchInjectsContextWithoutMutatingCaller(t *testing.T) {
	var sawContext bool
	c := dispatchChest(t, func(ctx context.Context, functionID string, args map[string]any) (string, error) {
		_, sawContext = tool.FromArgs(args)
		args["mutated"] = true
		return "done", nil
	})

	callerArgs := map[string]any{"a": 1, "nested": map[string]any{"b": 2}}
	calls := []models.ToolCall{{ID: "c1", Function: "work", Args: callerArgs}}
	tctx := &tool.Context{SessionID: "s1", UserID: "u1"}
	c.Dispatch(context.Background(), calls, tctx, models.FormatNative)

	if !sawContext {
		t.Error("tool did not receive the invocation context")
	}
	if _, leaked := callerArgs[tool.ContextKey]; leaked {
		t.Error("tool_context leaked into the caller's argument map")
	}
	if _, leaked := callerArgs["mutated"]; leaked {
		t.Error("tool-side mutation leaked into the caller's argument map")
	}
}

func TestDispatchAlternateShape(t *testing.T) {
	c := dispatchChest(t, func(ctx context.Context, functionID string, args map[string]any) (string, error) {
		if args["fail"] == true {
			return "", context.Canceled
		}
		return "fine", nil
	})

	calls := []models.ToolCall{
		{ID: "c1", Function: "work", Args: map[string]any{}},
		{ID: "c2", Function: "work", Args: map[string]any{"fail": true}},
	}
	msgs := c.Dispatch(context.Background(), calls, nil, models.FormatAlternate)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want assistant+user pair", len(msgs))
	}
	if msgs[0].Role != models.RoleAssistant || len(msgs[0].Blocks) != 2 {
		t.Fatalf("assistant message = %+v", msgs[0])
	}
	if msgs[0].Blocks[0].Type != models.BlockToolUse || msgs[0].Blocks[0].ID != "c1" {
		t.Errorf("tool_use block = %+v", msgs[0].Blocks[0])
	}
	if msgs[1].Role != models.RoleUser || len(msgs[1].Blocks) != 2 {
		t.Fatalf("user message = %+v", msgs[1])
	}
	ok := msgs[1].Blocks[0]
	bad := msgs[1].Blocks[1]
	if ok.Type != models.BlockToolResult || ok.ToolUseID != "c1" || ok.IsError {
		t.Errorf("ok result = %+v", ok)
	}
	if bad.ToolUseID != "c2" || !bad.IsError || !strings.HasPrefix(bad.Content, "Exception: ") {
		t.Errorf("error result = %+v", bad)
	}
}

func TestDispatchValidationRejectsBadArgs(t *testing.T) {
	schema := models.FunctionSchema{
		Name: "work",
		Parameters: []byte(`{
			"type": "object",
			"properties": {"count": {"type": "integer"}},
			"required": ["count"],
			"additionalProperties": false
		}`),
	}
	called := false
	c := dispatchChest(t, func(ctx context.Context, functionID string, args map[string]any) (string, error) {
		called = true
		return "ran", nil
	}, schema)

	calls := []models.ToolCall{{ID: "c1", Function: "work", Args: map[string]any{"count": "three"}}}
	msgs := c.Dispatch(context.Background(), calls, nil, models.FormatNative)
	if called {
		t.Error("tool ran despite failing validation")
	}
	if !strings.HasPrefix(msgs[1].Content, "Exception: ") {
		t.Errorf("content = %q", msgs[1].Content)
	}

	// Valid args pass; the injected tool_context must not trip
	// additionalProperties.
	calls = []models.ToolCall{{ID: "c2", Function: "work", Args: map[string]any{"count": 3}}}
	msgs = c.Dispatch(context.Background(), calls, &tool.Context{}, models.FormatNative)
	if msgs[1].Content != "ran" {
		t.Errorf("content = %q, want tool output", msgs[1].Content)
	}
}

func TestDispatchEmitsActivityEvents(t *testing.T) {
	c := dispatchChest(t, nil)
	emitter := &captureEmitter{}
	tctx := &tool.Context{Events: emitter}

	calls := []models.ToolCall{{ID: "c1", Function: "work"}}
	c.Dispatch(context.Background(), calls, tctx, models.FormatNative)

	if len(emitter.activity) != 2 {
		t.Fatalf("activity = %v", emitter.activity)
	}
	if emitter.activity[0] != "work/"+string(models.ToolStageStart) {
		t.Errorf("first activity = %q", emitter.activity[0])
	}
	if emitter.activity[1] != "work/"+string(models.ToolStageEnd) {
		t.Errorf("second activity = %q", emitter.activity[1])
	}
}
