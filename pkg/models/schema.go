package models

import "encoding/json"

// SchemaFormat selects the wire shape for tool schemas and dispatch
// messages. The two shapes carry identical names, parameter schemas, and
// descriptions; only the outer wrapper differs.
type SchemaFormat string

const (
	// FormatNative wraps functions as {"type":"function","function":{...}}.
	FormatNative SchemaFormat = "native"

	// FormatAlternate wraps functions as {"name":...,"input_schema":...}.
	FormatAlternate SchemaFormat = "alternate"
)

// FunctionSchema describes one callable function of a tool. Parameters is a
// raw JSON Schema object so both wire shapes serialize it byte-identically.
type FunctionSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// NativeTool is the FormatNative wrapper.
type NativeTool struct {
	Type     string       `json:"type"`
	Function NativeTarget `json:"function"`
}

// NativeTarget is the inner function object of the native shape.
type NativeTarget struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// AlternateTool is the FormatAlternate wrapper.
type AlternateTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// WrapNative converts a function schema into the native wire shape.
func WrapNative(fs FunctionSchema) NativeTool {
	return NativeTool{
		Type: "function",
		Function: NativeTarget{
			Name:        fs.Name,
			Description: fs.Description,
			Parameters:  fs.Parameters,
		},
	}
}

// WrapAlternate converts a function schema into the alternate wire shape.
func WrapAlternate(fs FunctionSchema) AlternateTool {
	return AlternateTool{
		Name:        fs.Name,
		Description: fs.Description,
		InputSchema: fs.Parameters,
	}
}

// UnwrapNative recovers the format-neutral schema from the native shape.
func UnwrapNative(t NativeTool) FunctionSchema {
	return FunctionSchema{
		Name:        t.Function.Name,
		Description: t.Function.Description,
		Parameters:  t.Function.Parameters,
	}
}

// UnwrapAlternate recovers the format-neutral schema from the alternate shape.
func UnwrapAlternate(t AlternateTool) FunctionSchema {
	return FunctionSchema{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.InputSchema,
	}
}
