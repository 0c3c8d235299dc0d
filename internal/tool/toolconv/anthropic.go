// Package toolconv converts function schemas into provider SDK tool
// definitions. Both conversions carry identical names, parameter schemas,
// and descriptions; only the wrapper differs.
package toolconv

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/loomctl/loom/pkg/models"
)

// ToAnthropicTools converts function schemas to Anthropic tool definitions.
func ToAnthropicTools(schemas []models.FunctionSchema) ([]anthropic.ToolUnionParam, error) {
	if len(schemas) == 0 {
		return nil, nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, fs := range schemas {
		param, err := ToAnthropicTool(fs)
		if err != nil {
			return nil, err
		}
		result = append(result, param)
	}
	return result, nil
}

// ToAnthropicTool converts a single function schema to an Anthropic tool
// definition.
func ToAnthropicTool(fs models.FunctionSchema) (anthropic.ToolUnionParam, error) {
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(fs.Parameters, &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: %w", fs.Name, err)
	}

	toolParam := anthropic.ToolUnionParamOfTool(schema, fs.Name)
	if toolParam.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: missing tool definition", fs.Name)
	}
	toolParam.OfTool.Description = anthropic.String(fs.Description)
	return toolParam, nil
}
