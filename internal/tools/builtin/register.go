package builtin

import "github.com/loomctl/loom/internal/tool"

// RegisterAll registers every built-in toolset on the registry.
func RegisterAll(reg *tool.Registry) {
	reg.MustRegister(tool.Descriptor{Name: "echo", New: NewEcho})
	reg.MustRegister(tool.Descriptor{Name: "think", New: NewThink})
	reg.MustRegister(tool.Descriptor{
		Name:          "workspace",
		RequiredTools: []string{"think"},
		New:           NewWorkspace,
	})
}
