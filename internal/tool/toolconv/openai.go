package toolconv

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomctl/loom/pkg/models"
)

// ToOpenAITools converts function schemas to OpenAI function definitions.
func ToOpenAITools(schemas []models.FunctionSchema) []openai.Tool {
	result := make([]openai.Tool, len(schemas))
	for i, fs := range schemas {
		var schemaMap map[string]any
		if err := json.Unmarshal(fs.Parameters, &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        fs.Name,
				Description: fs.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}
