// Package builtin holds the toolsets that ship with the server.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomctl/loom/internal/prompt"
	"github.com/loomctl/loom/internal/tool"
	"github.com/loomctl/loom/pkg/models"
)

// EchoTool returns its input. It exists for connectivity checks and as
// the minimal toolset for exercising dispatch end to end.
type EchoTool struct {
	opts tool.Options
}

// NewEcho constructs the echo toolset.
func NewEcho(opts tool.Options) (tool.Tool, error) {
	return &EchoTool{opts: opts}, nil
}

func (t *EchoTool) Name() string { return "echo" }

func (t *EchoTool) RequiredTools() []string { return nil }

func (t *EchoTool) PostInit(ctx context.Context) error { return nil }

func (t *EchoTool) Section() *prompt.Section { return nil }

func (t *EchoTool) Schemas() []models.FunctionSchema {
	return []models.FunctionSchema{
		{
			Name:        "echo",
			Description: "Echo the given text back verbatim.",
			Parameters: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{
						"type":        "string",
						"description": "Text to echo back.",
					},
				},
				"required": []string{"text"},
			}),
		},
	}
}

func (t *EchoTool) Call(ctx context.Context, functionID string, args map[string]any) (string, error) {
	if functionID != "echo" {
		return "", fmt.Errorf("unknown function %q", functionID)
	}
	text, _ := args["text"].(string)
	return text, nil
}

func mustSchema(schema map[string]any) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
