package provider

import (
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomctl/loom/pkg/models"
)

func TestConvertOpenAIMessagesSystemFirst(t *testing.T) {
	msgs := convertOpenAIMessages([]models.ChatMessage{
		{Role: models.RoleUser, Content: "hi"},
	}, "be helpful")

	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem || msgs[0].Content != "be helpful" {
		t.Errorf("first message = %+v, want system", msgs[0])
	}
	if msgs[1].Role != models.RoleUser || msgs[1].Content != "hi" {
		t.Errorf("second message = %+v", msgs[1])
	}
}

func TestConvertOpenAIMessagesToolCalls(t *testing.T) {
	msgs := convertOpenAIMessages([]models.ChatMessage{
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.WireToolCall{
				{ID: "c1", Type: "function", Function: models.WireFunctionCall{
					Name: "echo", Arguments: `{"text":"hi"}`,
				}},
			},
		},
		{Role: models.RoleTool, ToolCallID: "c1", Content: "hi"},
	}, "")

	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if len(msgs[0].ToolCalls) != 1 {
		t.Fatalf("assistant tool calls = %v", msgs[0].ToolCalls)
	}
	tc := msgs[0].ToolCalls[0]
	if tc.ID != "c1" || tc.Function.Name != "echo" || tc.Function.Arguments != `{"text":"hi"}` {
		t.Errorf("tool call = %+v", tc)
	}
	if msgs[1].ToolCallID != "c1" {
		t.Errorf("tool result message = %+v", msgs[1])
	}
}

func TestFinalizeCallsOrdersByStreamIndex(t *testing.T) {
	pending := map[int]*accumulatedCall{}
	second := &accumulatedCall{id: "c2", name: "beta"}
	second.args.WriteString(`{"n":2}`)
	first := &accumulatedCall{id: "c1", name: "alpha"}
	first.args.WriteString(`{"n":`)
	first.args.WriteString(`1}`)
	pending[1] = second
	pending[0] = first

	calls, err := finalizeCalls(pending)
	if err != nil {
		t.Fatalf("finalizeCalls: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("got %d calls", len(calls))
	}
	if calls[0].ID != "c1" || calls[1].ID != "c2" {
		t.Errorf("order = %s, %s", calls[0].ID, calls[1].ID)
	}
	if calls[0].Function != "alpha" || calls[0].Args["n"] != float64(1) {
		t.Errorf("first call = %+v", calls[0])
	}
}

func TestFinalizeCallsSkipsIncomplete(t *testing.T) {
	nameless := &accumulatedCall{id: "c1"}
	complete := &accumulatedCall{id: "c2", name: "ok"}
	calls, err := finalizeCalls(map[int]*accumulatedCall{0: nameless, 1: complete})
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0].ID != "c2" {
		t.Errorf("calls = %v", calls)
	}
}

func TestFinalizeCallsEmptyArgs(t *testing.T) {
	call := &accumulatedCall{id: "c1", name: "fn"}
	calls, err := finalizeCalls(map[int]*accumulatedCall{0: call})
	if err != nil {
		t.Fatal(err)
	}
	if calls[0].Args == nil || len(calls[0].Args) != 0 {
		t.Errorf("args = %v, want empty map", calls[0].Args)
	}
}

func TestFinalizeCallsBadJSON(t *testing.T) {
	call := &accumulatedCall{id: "c1", name: "fn"}
	call.args.WriteString(`{"broken`)
	if _, err := finalizeCalls(map[int]*accumulatedCall{0: call}); err == nil {
		t.Fatal("malformed arguments accepted")
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	msgs, err := convertAnthropicMessages([]models.ChatMessage{
		{Role: models.RoleSystem, Content: "skipped"},
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Blocks: []models.ContentBlock{
			{Type: models.BlockToolUse, ID: "c1", Name: "echo", Input: map[string]any{"text": "x"}},
		}},
		{Role: models.RoleUser, Blocks: []models.ContentBlock{
			{Type: models.BlockToolResult, ToolUseID: "c1", Content: "x"},
		}},
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	// System messages travel in params.System, not the message list.
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
}

func TestConvertAnthropicMessagesUnknownBlock(t *testing.T) {
	_, err := convertAnthropicMessages([]models.ChatMessage{
		{Role: models.RoleUser, Blocks: []models.ContentBlock{{Type: "mystery"}}},
	})
	if err == nil {
		t.Fatal("unknown block type accepted")
	}
}

func TestConvertAnthropicMessagesDropsEmpty(t *testing.T) {
	msgs, err := convertAnthropicMessages([]models.ChatMessage{
		{Role: models.RoleAssistant},
		{Role: models.RoleUser, Content: "real"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want empty message dropped", len(msgs))
	}
}

func TestIsRetryable(t *testing.T) {
	for _, msg := range []string{
		"rate_limit exceeded",
		"status 429: too many requests",
		"503 service unavailable",
		"dial tcp: connection refused",
	} {
		if !isRetryable(errors.New(msg)) {
			t.Errorf("isRetryable(%q) = false", msg)
		}
	}
	for _, msg := range []string{
		"invalid_request_error",
		"401 unauthorized",
	} {
		if isRetryable(errors.New(msg)) {
			t.Errorf("isRetryable(%q) = true", msg)
		}
	}
	if isRetryable(nil) {
		t.Error("isRetryable(nil) = true")
	}
}

func TestNewInvokersRequireAPIKey(t *testing.T) {
	if _, err := NewAnthropic(AnthropicConfig{}); err == nil {
		t.Error("anthropic invoker built without key")
	}
	if _, err := NewOpenAI(OpenAIConfig{}); err == nil {
		t.Error("openai invoker built without key")
	}
}
