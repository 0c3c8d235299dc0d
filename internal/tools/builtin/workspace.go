package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomctl/loom/internal/prompt"
	"github.com/loomctl/loom/internal/tool"
	"github.com/loomctl/loom/pkg/models"
)

// workspaceAdder is the optional mutation surface of a workspace source.
type workspaceAdder interface {
	Add(ctx context.Context, entry models.WorkspaceEntry) error
}

// WorkspaceTool lets the model inspect and extend the user's workspace
// set. It requires the think toolset so workspace changes are always
// paired with a recorded reasoning step.
type WorkspaceTool struct {
	opts tool.Options
}

// NewWorkspace constructs the workspace toolset.
func NewWorkspace(opts tool.Options) (tool.Tool, error) {
	if opts.Workspaces == nil {
		return nil, fmt.Errorf("workspace source is required")
	}
	return &WorkspaceTool{opts: opts}, nil
}

func (t *WorkspaceTool) Name() string { return "workspace" }

func (t *WorkspaceTool) RequiredTools() []string { return []string{"think"} }

func (t *WorkspaceTool) PostInit(ctx context.Context) error {
	if t.opts.Chest == nil {
		return fmt.Errorf("chest handle is required")
	}
	if _, ok := t.opts.Chest.ActiveTool("think"); !ok {
		return fmt.Errorf("think toolset is not active")
	}
	return nil
}

func (t *WorkspaceTool) Section() *prompt.Section {
	return &prompt.Section{
		Name:          "Workspaces",
		Kind:          prompt.KindTool,
		RendersHeader: true,
		Template: strings.Join([]string{
			"Workspaces are named storage locations available to you.",
			"List them before referencing files; add new ones only when the user names a location.",
		}, "\n"),
	}
}

func (t *WorkspaceTool) Schemas() []models.FunctionSchema {
	return []models.FunctionSchema{
		{
			Name:        "workspace_list",
			Description: "List the user's workspace entries.",
			Parameters: mustSchema(map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}),
		},
		{
			Name:        "workspace_add",
			Description: "Add a workspace entry for the user.",
			Parameters: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type":        "string",
						"description": "Unique workspace name.",
					},
					"path_or_bucket": map[string]any{
						"type":        "string",
						"description": "Local directory path or bucket name.",
					},
					"type": map[string]any{
						"type":        "string",
						"description": "Workspace type.",
						"enum":        []string{"local", "s3", "azure"},
					},
					"description": map[string]any{
						"type":        "string",
						"description": "Short human-readable description.",
					},
					"read_only": map[string]any{
						"type":        "boolean",
						"description": "Reject writes to this workspace.",
					},
				},
				"required": []string{"name", "path_or_bucket", "type"},
			}),
		},
	}
}

func (t *WorkspaceTool) Call(ctx context.Context, functionID string, args map[string]any) (string, error) {
	switch functionID {
	case "workspace_list":
		return t.list()
	case "workspace_add":
		return t.add(ctx, args)
	default:
		return "", fmt.Errorf("unknown function %q", functionID)
	}
}

func (t *WorkspaceTool) list() (string, error) {
	entries := t.opts.Workspaces.Entries()
	payload, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func (t *WorkspaceTool) add(ctx context.Context, args map[string]any) (string, error) {
	name, _ := args["name"].(string)
	pathOrBucket, _ := args["path_or_bucket"].(string)
	wsType, _ := args["type"].(string)
	description, _ := args["description"].(string)
	readOnly, _ := args["read_only"].(bool)

	entry := models.WorkspaceEntry{
		Name:         name,
		Description:  description,
		PathOrBucket: pathOrBucket,
		ReadOnly:     readOnly,
		Type:         models.WorkspaceType(wsType),
	}

	// The session manager's fan-out notifies every live session of the
	// user. Without one (standalone chest), fall back to a direct add
	// announced on this session only.
	if t.opts.Notifier != nil {
		if err := t.opts.Notifier.AddWorkspace(ctx, t.opts.UserID, entry); err != nil {
			return "", err
		}
		return fmt.Sprintf("workspace %q added", entry.Name), nil
	}

	adder, ok := t.opts.Workspaces.(workspaceAdder)
	if !ok {
		return "", fmt.Errorf("workspace set is read-only")
	}
	if err := adder.Add(ctx, entry); err != nil {
		return "", err
	}
	if tctx, ok := tool.FromArgs(args); ok && tctx.Events != nil {
		tctx.Events.WorkspaceAdded(entry)
	}
	return fmt.Sprintf("workspace %q added", entry.Name), nil
}
