package bridge

import (
	"context"
	"encoding/json"

	"github.com/loomctl/loom/pkg/models"
)

// ModelInvoker is the external model surface the bridge drives. One
// invocation covers one request/response exchange; the bridge loops over
// invocations until the model stops requesting tools.
//
// Thread Safety:
// Implementations must be safe for concurrent use across sessions.
type ModelInvoker interface {
	Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResult, error)
}

// InvokeRequest carries one model invocation.
type InvokeRequest struct {
	// System is the assembled system prompt.
	System string

	// Messages is the running conversation in turn order.
	Messages []models.ChatMessage

	// Tools is the wrapped schema list in the shape matching Format.
	Tools json.RawMessage

	// Schemas is the canonical form of Tools, for invokers that build SDK
	// types instead of sending raw JSON.
	Schemas []models.FunctionSchema

	// Format selects the wire shape the invoker speaks.
	Format models.SchemaFormat

	// Model and MaxTokens are passed through to the provider.
	Model     string
	MaxTokens int

	// OnDelta, when set, receives incremental output text.
	OnDelta func(text string)
}

// InvokeResult is the model's reply: terminal text, or tool invocations to
// execute before the continuation turn.
type InvokeResult struct {
	Text      string
	ToolCalls []models.ToolCall
}
