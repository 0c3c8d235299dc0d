package chest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/loomctl/loom/internal/tool"
	"github.com/loomctl/loom/pkg/models"
)

// Dispatch executes a batch of tool calls concurrently and returns the
// turn-formatted message pair for the requested wire shape. Results are
// collected in request order regardless of completion order; per-call
// failures become error results that keep the original call id, and the
// bridge is notified through a system message event.
func (c *Chest) Dispatch(ctx context.Context, calls []models.ToolCall, tctx *tool.Context, format models.SchemaFormat) []models.ChatMessage {
	if len(calls) == 0 {
		return []models.ChatMessage{emptyAssistant(format)}
	}

	results := make([]models.ToolCallResult, len(calls))
	sem := make(chan struct{}, c.dispatchConcurrency())
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = c.executeCall(ctx, call, tctx)
		}(i, call)
	}
	wg.Wait()

	for i := range results {
		if results[i].IsError && tctx != nil && tctx.Events != nil {
			tctx.Events.SystemMessage(models.SeverityError,
				fmt.Sprintf("tool call %s failed: %s", calls[i].Function, results[i].Content))
		}
	}

	return formatDispatch(calls, results, format)
}

func (c *Chest) dispatchConcurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return 8
}

// executeCall runs one call with panic recovery. Unknown functions and
// argument violations synthesize deterministic error results rather than
// raising.
func (c *Chest) executeCall(ctx context.Context, call models.ToolCall, tctx *tool.Context) (result models.ToolCallResult) {
	result = models.ToolCallResult{ToolCallID: call.ID}

	defer func() {
		if r := recover(); r != nil {
			result.Content = fmt.Sprintf("Exception: panic: %v", r)
			result.IsError = true
			c.logger.Error("tool call panicked", "function", call.Function, "panic", r)
		}
	}()

	c.mu.RLock()
	inst, ok := c.functions[call.Function]
	validator := c.validator
	c.mu.RUnlock()
	if !ok {
		result.Content = fmt.Sprintf("%s is not on a valid toolset", call.Function)
		result.IsError = true
		return result
	}

	args := deepCopyArgs(call.Args)
	if tctx != nil {
		args[tool.ContextKey] = tctx
	}

	if err := validator.Validate(call.Function, args); err != nil {
		result.Content = "Exception: " + err.Error()
		result.IsError = true
		return result
	}

	if tctx != nil && tctx.Events != nil {
		tctx.Events.ToolActivity(call.Function, models.ToolStageStart, "")
	}

	content, err := inst.Call(ctx, call.Function, args)
	if err != nil {
		result.Content = "Exception: " + err.Error()
		result.IsError = true
		if tctx != nil && tctx.Events != nil {
			tctx.Events.ToolActivity(call.Function, models.ToolStageError, err.Error())
		}
		return result
	}

	result.Content = content
	if tctx != nil && tctx.Events != nil {
		tctx.Events.ToolActivity(call.Function, models.ToolStageEnd, content)
	}
	return result
}

// formatDispatch renders the batch into the requested wire shape: one
// assistant message with a tool_calls array plus N tool-role messages for
// the native shape, or an assistant tool-use message plus one user
// tool-result message for the alternate shape.
func formatDispatch(calls []models.ToolCall, results []models.ToolCallResult, format models.SchemaFormat) []models.ChatMessage {
	if format == models.FormatAlternate {
		uses := make([]models.ContentBlock, 0, len(calls))
		resultBlocks := make([]models.ContentBlock, 0, len(results))
		for i, call := range calls {
			uses = append(uses, models.ContentBlock{
				Type:  models.BlockToolUse,
				ID:    call.ID,
				Name:  call.Function,
				Input: call.Args,
			})
			resultBlocks = append(resultBlocks, models.ContentBlock{
				Type:      models.BlockToolResult,
				ToolUseID: call.ID,
				Content:   results[i].Content,
				IsError:   results[i].IsError,
			})
		}
		return []models.ChatMessage{
			{Role: models.RoleAssistant, Blocks: uses},
			{Role: models.RoleUser, Blocks: resultBlocks},
		}
	}

	msgs := make([]models.ChatMessage, 0, len(calls)+1)
	wireCalls := make([]models.WireToolCall, 0, len(calls))
	for _, call := range calls {
		wireCalls = append(wireCalls, models.WireToolCall{
			ID:   call.ID,
			Type: "function",
			Function: models.WireFunctionCall{
				Name:      call.Function,
				Arguments: marshalArgs(call.Args),
			},
		})
	}
	msgs = append(msgs, models.ChatMessage{Role: models.RoleAssistant, ToolCalls: wireCalls})
	for _, res := range results {
		msgs = append(msgs, models.ChatMessage{
			Role:       models.RoleTool,
			ToolCallID: res.ToolCallID,
			Content:    res.Content,
		})
	}
	return msgs
}

func emptyAssistant(format models.SchemaFormat) models.ChatMessage {
	if format == models.FormatAlternate {
		return models.ChatMessage{Role: models.RoleAssistant, Blocks: []models.ContentBlock{}}
	}
	return models.ChatMessage{Role: models.RoleAssistant}
}

func marshalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// deepCopyArgs clones the caller's argument map so tool_context injection
// and tool-side mutation never leak back into the model transcript.
func deepCopyArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[k] = deepCopyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, val := range typed {
			out[i] = deepCopyValue(val)
		}
		return out
	default:
		return v
	}
}
