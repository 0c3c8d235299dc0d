package tool

import (
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/loomctl/loom/pkg/models"
)

func TestValidatorStripsToolContext(t *testing.T) {
	v := NewValidator()
	err := v.Add(models.FunctionSchema{
		Name: "strict",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"x": {"type": "number"}},
			"additionalProperties": false
		}`),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	args := map[string]any{"x": 1.5, ContextKey: &Context{}}
	if err := v.Validate("strict", args); err != nil {
		t.Errorf("tool_context tripped additionalProperties: %v", err)
	}
}

func TestValidatorRejectsViolations(t *testing.T) {
	v := NewValidator()
	err := v.Add(models.FunctionSchema{
		Name: "typed",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"n": {"type": "integer"}},
			"required": ["n"]
		}`),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := v.Validate("typed", map[string]any{"n": "not a number"}); err == nil {
		t.Error("type violation passed")
	}
	if err := v.Validate("typed", map[string]any{}); err == nil {
		t.Error("missing required field passed")
	}
	if err := v.Validate("typed", map[string]any{"n": 4}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
}

func TestValidatorUnknownFunctionPasses(t *testing.T) {
	v := NewValidator()
	if err := v.Validate("unregistered", map[string]any{"anything": true}); err != nil {
		t.Errorf("unknown function should validate everything: %v", err)
	}
}

func TestValidatorEmptySchemaPasses(t *testing.T) {
	v := NewValidator()
	if err := v.Add(models.FunctionSchema{Name: "loose"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := v.Validate("loose", map[string]any{"free": "form"}); err != nil {
		t.Errorf("empty schema rejected args: %v", err)
	}
}

func TestValidatorAddRejectsBadSchema(t *testing.T) {
	v := NewValidator()
	err := v.Add(models.FunctionSchema{
		Name:       "broken",
		Parameters: json.RawMessage(`{"type": 42}`),
	})
	if err == nil {
		t.Fatal("invalid schema compiled")
	}
}

func TestContextCancelled(t *testing.T) {
	var flag atomic.Bool
	tc := &Context{Cancel: &flag}
	if tc.Cancelled() {
		t.Error("fresh flag reports cancelled")
	}
	flag.Store(true)
	if !tc.Cancelled() {
		t.Error("set flag not observed")
	}

	var nilCtx *Context
	if nilCtx.Cancelled() {
		t.Error("nil context reports cancelled")
	}
}

func TestFromArgs(t *testing.T) {
	tc := &Context{SessionID: "s1"}
	got, ok := FromArgs(map[string]any{ContextKey: tc})
	if !ok || got != tc {
		t.Errorf("FromArgs = %v, %v", got, ok)
	}
	if _, ok := FromArgs(nil); ok {
		t.Error("nil args produced a context")
	}
	if _, ok := FromArgs(map[string]any{ContextKey: "wrong type"}); ok {
		t.Error("wrong type produced a context")
	}
}
