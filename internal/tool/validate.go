package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomctl/loom/pkg/models"
)

// Validator compiles function parameter schemas once and validates call
// arguments at the chest boundary before the tool is invoked.
//
// Thread Safety:
// Validator is safe for concurrent use.
type Validator struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Add compiles and caches the parameter schema for one function. A nil or
// empty schema validates everything.
func (v *Validator) Add(fs models.FunctionSchema) error {
	if len(fs.Parameters) == 0 {
		return nil
	}
	schema, err := jsonschema.CompileString(fs.Name+".json", string(fs.Parameters))
	if err != nil {
		return fmt.Errorf("tool: invalid parameter schema for %s: %w", fs.Name, err)
	}
	v.mu.Lock()
	v.compiled[fs.Name] = schema
	v.mu.Unlock()
	return nil
}

// Remove drops the cached schema for a function.
func (v *Validator) Remove(name string) {
	v.mu.Lock()
	delete(v.compiled, name)
	v.mu.Unlock()
}

// Validate checks args against the declared schema for functionID. The
// tool_context key is stripped before validation since it is injected by
// the chest, not declared by the schema.
func (v *Validator) Validate(functionID string, args map[string]any) error {
	v.mu.RLock()
	schema, ok := v.compiled[functionID]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	checked := make(map[string]any, len(args))
	for k, val := range args {
		if k == ContextKey {
			continue
		}
		checked[k] = val
	}

	// Round-trip through JSON so the validator sees canonical types.
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(checked); err != nil {
		return fmt.Errorf("tool: arguments for %s are not encodable: %w", functionID, err)
	}
	var doc any
	if err := json.NewDecoder(&buf).Decode(&doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("tool: arguments for %s failed validation: %w", functionID, err)
	}
	return nil
}
