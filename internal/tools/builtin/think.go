package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomctl/loom/internal/prompt"
	"github.com/loomctl/loom/internal/tool"
	"github.com/loomctl/loom/pkg/models"
)

const thinkCacheKey = "think:last"

// ThinkTool gives the model a scratchpad. Thoughts are acknowledged, not
// executed; the latest thought is kept in the user's result cache so
// other toolsets can read it.
type ThinkTool struct {
	opts tool.Options
}

// NewThink constructs the think toolset.
func NewThink(opts tool.Options) (tool.Tool, error) {
	return &ThinkTool{opts: opts}, nil
}

func (t *ThinkTool) Name() string { return "think" }

func (t *ThinkTool) RequiredTools() []string { return nil }

func (t *ThinkTool) PostInit(ctx context.Context) error { return nil }

func (t *ThinkTool) Section() *prompt.Section {
	return &prompt.Section{
		Name:          "Thinking",
		Kind:          prompt.KindTool,
		RendersHeader: true,
		Template: strings.Join([]string{
			"Use the think function to reason through multi-step work before acting.",
			"Thoughts are private to you, $assistant_name; never repeat them verbatim to the user.",
			"{block_thinking_style}",
		}, "\n"),
	}
}

func (t *ThinkTool) Schemas() []models.FunctionSchema {
	return []models.FunctionSchema{
		{
			Name:        "think",
			Description: "Record a private reasoning step. Returns an acknowledgement.",
			Parameters: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"thought": map[string]any{
						"type":        "string",
						"description": "The reasoning step to record.",
					},
				},
				"required": []string{"thought"},
			}),
		},
	}
}

func (t *ThinkTool) Call(ctx context.Context, functionID string, args map[string]any) (string, error) {
	if functionID != "think" {
		return "", fmt.Errorf("unknown function %q", functionID)
	}
	thought, _ := args["thought"].(string)
	if strings.TrimSpace(thought) == "" {
		return "", fmt.Errorf("thought must not be empty")
	}
	if t.opts.Results != nil {
		t.opts.Results.Set(thinkCacheKey, thought)
	}
	return "Noted.", nil
}

// LastThought returns the most recent recorded thought for the user.
func LastThought(results tool.ResultCache) (string, bool) {
	if results == nil {
		return "", false
	}
	value, ok := results.Get(thinkCacheKey)
	if !ok {
		return "", false
	}
	thought, ok := value.(string)
	return thought, ok
}
