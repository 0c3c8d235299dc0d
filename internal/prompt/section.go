// Package prompt assembles the system prompt from composable sections with
// variable substitution and lazy block loading.
package prompt

import "context"

// SectionKind groups sections under the two assembly headers.
type SectionKind string

const (
	// KindCore sections render under "Core Operating Guidelines".
	KindCore SectionKind = "core"

	// KindTool sections render under "Tool Operation Guidelines / Output".
	KindTool SectionKind = "tool"
)

// PropsFunc contributes per-render dynamic properties to the data context.
type PropsFunc func(ctx context.Context) (map[string]any, error)

// Section is one composable fragment of the system prompt. Sections live as
// long as their owning tool or the base prompt and are rendered in order.
type Section struct {
	// Name appears as the section's own header when RendersHeader is set.
	Name string

	// Kind selects the assembly group.
	Kind SectionKind

	// Template is the section body. It may reference declared variables
	// with {name}, $name, or ${name}; block variables are prefixed
	// block_ or blocks_.
	Template string

	// Required marks dynamic-property failures as fatal for the render.
	Required bool

	// RendersHeader prefixes the rendered body with the section name.
	RendersHeader bool

	// PromoteToBlock removes the section from inline assembly and exposes
	// its body as block_<name>, so another section decides its placement.
	PromoteToBlock bool

	// Props, when set, contributes dynamic properties before rendering.
	Props PropsFunc
}
