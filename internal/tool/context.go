package tool

import (
	"sync/atomic"

	"github.com/loomctl/loom/pkg/models"
)

// ContextKey is the argument-map key carrying the invocation context.
const ContextKey = "tool_context"

// EventEmitter is the bridge-facing surface tool code uses to publish
// events mid-invocation. Delivery order relative to the producing call is
// preserved; ordering across concurrent calls is not.
type EventEmitter interface {
	SystemMessage(severity models.Severity, text string)
	ToolActivity(toolID string, stage models.ToolActivityStage, payload string)
	WorkspaceAdded(entry models.WorkspaceEntry)
}

// Context is the immutable per-invocation context injected into every tool
// call under the tool_context argument key.
type Context struct {
	Events       EventEmitter
	SessionID    string
	UserID       string
	Cancel       *atomic.Bool
	ModelConfigs map[string]any
}

// Cancelled reports the session's cooperative cancellation flag.
// Long-running tool code should check it at natural checkpoints and return
// a normal (error or partial) result rather than raising.
func (c *Context) Cancelled() bool {
	return c != nil && c.Cancel != nil && c.Cancel.Load()
}

// FromArgs extracts the invocation context injected by the chest. The
// second return is false when called outside a dispatch.
func FromArgs(args map[string]any) (*Context, bool) {
	if args == nil {
		return nil, false
	}
	tc, ok := args[ContextKey].(*Context)
	return tc, ok && tc != nil
}
