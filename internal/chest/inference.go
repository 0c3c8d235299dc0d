package chest

import (
	"encoding/json"
	"fmt"

	"github.com/loomctl/loom/internal/prompt"
	"github.com/loomctl/loom/pkg/models"
)

// InferenceData is the model-consumable view of a set of toolsets: the
// wrapped schema list in one wire shape plus the prompt sections.
type InferenceData struct {
	// Schemas is the JSON-encoded tool list in the requested shape.
	// Output is byte-identical for equal inputs per format.
	Schemas json.RawMessage

	// Sections are the prompt contributions, in request order.
	Sections []*prompt.Section
}

// InferenceData produces schemas and sections for the named toolsets. Names
// resolve against the active set; unknown or inactive names are an error.
// Ordering is deterministic: request order, then declared schema order.
func (c *Chest) InferenceData(names []string, format models.SchemaFormat) (*InferenceData, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var schemas []models.FunctionSchema
	var sections []*prompt.Section
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		inst, ok := c.active[name]
		if !ok {
			return nil, fmt.Errorf("chest: %s is not active", name)
		}
		schemas = append(schemas, inst.Schemas()...)
		if sec := inst.Section(); sec != nil {
			sections = append(sections, sec)
		}
	}

	wrapped, err := WrapSchemas(schemas, format)
	if err != nil {
		return nil, err
	}
	return &InferenceData{Schemas: wrapped, Sections: sections}, nil
}

// WrapSchemas encodes function schemas into the requested wire shape. The
// two shapes carry identical names, parameter schemas, and descriptions.
func WrapSchemas(schemas []models.FunctionSchema, format models.SchemaFormat) (json.RawMessage, error) {
	switch format {
	case models.FormatAlternate:
		out := make([]models.AlternateTool, 0, len(schemas))
		for _, fs := range schemas {
			out = append(out, models.WrapAlternate(fs))
		}
		return json.Marshal(out)
	case models.FormatNative, "":
		out := make([]models.NativeTool, 0, len(schemas))
		for _, fs := range schemas {
			out = append(out, models.WrapNative(fs))
		}
		return json.Marshal(out)
	default:
		return nil, fmt.Errorf("chest: unknown schema format %q", format)
	}
}
