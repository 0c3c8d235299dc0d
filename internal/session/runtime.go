package session

import (
	"context"
	"log/slog"

	"github.com/loomctl/loom/internal/chest"
	"github.com/loomctl/loom/internal/tool"
	"github.com/loomctl/loom/internal/workspace"
)

// RuntimeEntry is the per-user runtime state that outlives any single
// connection: the tool chest, the shared result cache and the workspace
// set. Reconnecting users get the same entry back, so warmed tools and
// cached results survive a dropped socket.
type RuntimeEntry struct {
	Chest      *chest.Chest
	Results    tool.ResultCache
	Workspaces *workspace.Set
}

// newRuntimeEntry builds a user's runtime state and activates the
// hot-load toolset. Hot-load failures are logged and skipped; the entry
// is usable either way.
func newRuntimeEntry(ctx context.Context, userID string, cfg *ManagerConfig, notifier tool.WorkspaceNotifier, logger *slog.Logger) *RuntimeEntry {
	results := chest.NewMemoryResultCache()
	ws := cfg.Workspaces.Load(ctx, userID)

	c := chest.New(cfg.Registry, tool.Options{
		UserID:       userID,
		Results:      results,
		ModelConfigs: cfg.ModelConfigs,
		Workspaces:   ws,
		Notifier:     notifier,
		Logger:       logger,
	}, logger)

	if len(cfg.HotLoadTools) > 0 {
		ok, failures := c.Activate(ctx, cfg.HotLoadTools)
		if !ok {
			for _, f := range failures {
				logger.Warn("hot-load activation failed",
					"user", userID, "toolset", f.Name, "reason", f.Reason, "error", f.Error())
			}
		}
	}

	return &RuntimeEntry{
		Chest:      c,
		Results:    results,
		Workspaces: ws,
	}
}
