package models

// ToolCall is a single model-requested tool invocation. The ID is unique
// within one turn; Function names the callable function, which may differ
// from the owning toolset's name.
type ToolCall struct {
	ID       string         `json:"id"`
	Function string         `json:"function"`
	Args     map[string]any `json:"args"`
}

// ToolCallResult pairs 1:1 with a ToolCall by ID.
type ToolCallResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
