package models

import "encoding/json"

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one turn-formatted conversation message. Exactly one of
// Content and Blocks carries the message body: native-shape messages use
// Content (plus ToolCalls / ToolCallID), alternate-shape messages use
// Blocks.
type ChatMessage struct {
	Role string

	// Content is plain text (native shape).
	Content string

	// Blocks is the alternate-shape structured content.
	Blocks []ContentBlock

	// ToolCalls is set on native-shape assistant messages requesting
	// tool execution.
	ToolCalls []WireToolCall

	// ToolCallID is set on native-shape tool-role messages.
	ToolCallID string
}

// WireToolCall is the native-shape tool call wrapper.
type WireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function WireFunctionCall `json:"function"`
}

// WireFunctionCall carries the function name and JSON-encoded arguments.
type WireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ContentBlock is one item of alternate-shape structured content.
type ContentBlock struct {
	Type string `json:"type"`

	// tool_use fields
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// text fields
	Text string `json:"text,omitempty"`
}

// Content block types for the alternate shape.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// MarshalJSON renders the message in its wire shape: content is a string
// for native messages and a block array for alternate messages.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	out := map[string]any{"role": m.Role}
	if m.Blocks != nil {
		out["content"] = m.Blocks
	} else {
		out["content"] = m.Content
	}
	if len(m.ToolCalls) > 0 {
		out["tool_calls"] = m.ToolCalls
	}
	if m.ToolCallID != "" {
		out["tool_call_id"] = m.ToolCallID
	}
	return json.Marshal(out)
}
