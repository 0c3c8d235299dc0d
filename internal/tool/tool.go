// Package tool defines the uniform contract every capability the model may
// invoke implements, plus the process-wide descriptor registry and the
// per-invocation tool context.
package tool

import (
	"context"
	"log/slog"

	"github.com/loomctl/loom/internal/prompt"
	"github.com/loomctl/loom/pkg/models"
)

// Tool is the uniform surface for one named capability.
//
// Thread Safety:
// A tool must tolerate concurrent invocation of different function IDs; an
// individual function's internal locking is the tool's responsibility.
type Tool interface {
	// Name returns the toolset name, unique per user.
	Name() string

	// Schemas returns one function description per callable function.
	Schemas() []models.FunctionSchema

	// RequiredTools lists toolset names this tool depends on. Dependencies
	// reach PostInit before their dependents.
	RequiredTools() []string

	// PostInit runs after construction and after dependencies are
	// instantiated, before the tool is exposed to model traffic.
	PostInit(ctx context.Context) error

	// Call executes one named function with a per-invocation argument map.
	// The args carry the invocation context under the tool_context key.
	Call(ctx context.Context, functionID string, args map[string]any) (string, error)

	// Section returns the tool's prompt contribution, or nil.
	Section() *prompt.Section
}

// ResultCache is the per-user cache tools share for expensive results. It
// is owned by the runtime cache entry and passed to every tool at
// construction.
type ResultCache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Delete(key string)
}

// ChestHandle is the back-reference a tool holds to its owning chest,
// limited to lookups so tools can collaborate without mutating activation
// state.
type ChestHandle interface {
	ActiveTool(name string) (Tool, bool)
}

// Options carries the shared per-user construction inputs for a tool.
type Options struct {
	UserID       string
	Chest        ChestHandle
	Results      ResultCache
	ModelConfigs map[string]any
	Workspaces   WorkspaceSource
	Notifier     WorkspaceNotifier
	Logger       *slog.Logger
}

// WorkspaceSource exposes the per-user workspace entries to
// workspace-capable tools.
type WorkspaceSource interface {
	Entries() []models.WorkspaceEntry
}

// WorkspaceNotifier routes a workspace addition through the session
// layer: the entry is persisted once and every live session of the user
// hears about it, not just the session the tool ran in.
type WorkspaceNotifier interface {
	AddWorkspace(ctx context.Context, userID string, entry models.WorkspaceEntry) error
}

// Constructor builds a tool instance from the shared per-user options.
type Constructor func(opts Options) (Tool, error)
