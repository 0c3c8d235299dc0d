package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	coreHeader = "# Core Operating Guidelines"
	toolHeader = "# Tool Operation Guidelines / Output"

	// maxPasses bounds block expansion: a block's value may itself contain
	// variables, so substitution iterates until fixed point or this cap.
	maxPasses = 8

	blockPrefix  = "block_"
	blocksPrefix = "blocks_"
)

// BlockLoader resolves block variables lazily. The second return reports
// whether the block exists.
type BlockLoader interface {
	LoadBlock(ctx context.Context, name string) (string, bool, error)
}

// WarnFunc receives one warning per unresolved variable per render.
type WarnFunc func(variable string)

// RenderError is returned when a required section fails to render.
type RenderError struct {
	Section string
	Err     error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("prompt: section %q failed to render: %v", e.Section, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Builder deterministically renders the final system prompt from ordered
// section lists and a data map. The zero value is not usable; construct
// with NewBuilder.
type Builder struct {
	blocks BlockLoader
	logger *slog.Logger
}

// NewBuilder creates a prompt builder. The block loader may be nil, in
// which case every block variable resolves to the missing-block sentinel.
func NewBuilder(blocks BlockLoader, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{blocks: blocks, logger: logger}
}

// Render assembles the system prompt. Base sections come first, then
// tool-contributed sections, grouped under the two assembly headers in
// input order. Each unresolved variable triggers warn exactly once.
func (b *Builder) Render(ctx context.Context, sections []*Section, data map[string]any, warn WarnFunc) (string, error) {
	merged := make(map[string]any, len(data))
	for k, v := range data {
		merged[k] = v
	}

	// Dynamic-property phase. Failures are fatal only for required sections.
	// Promoted sections leave the inline assembly here: their body becomes
	// a block for other sections to place.
	kept := make([]*Section, 0, len(sections))
	for _, sec := range sections {
		if sec == nil || sec.Template == "" {
			continue
		}
		if sec.Props != nil {
			props, err := sec.Props(ctx)
			if err != nil {
				if sec.Required {
					return "", &RenderError{Section: sec.Name, Err: err}
				}
				b.logger.Warn("prompt section properties failed", "section", sec.Name, "error", err)
			} else {
				for k, v := range props {
					merged[k] = v
				}
			}
		}
		if sec.PromoteToBlock {
			merged[sectionBlockName(sec.Name)] = sec.Template
			continue
		}
		kept = append(kept, sec)
	}

	warned := make(map[string]bool)
	warnOnce := func(name string) {
		if warned[name] {
			return
		}
		warned[name] = true
		if warn != nil {
			warn(name)
		}
	}

	var core, tools []string
	for _, sec := range kept {
		body, err := b.substitute(ctx, sec.Template, merged, warnOnce)
		if err != nil {
			if sec.Required {
				return "", &RenderError{Section: sec.Name, Err: err}
			}
			b.logger.Warn("prompt section render failed", "section", sec.Name, "error", err)
			continue
		}
		if strings.TrimSpace(body) == "" {
			continue
		}
		if sec.RendersHeader && sec.Name != "" {
			body = "## " + sec.Name + "\n" + body
		}
		if sec.Kind == KindTool {
			tools = append(tools, body)
		} else {
			core = append(core, body)
		}
	}

	var out strings.Builder
	if len(core) > 0 {
		out.WriteString(coreHeader)
		out.WriteString("\n\n")
		out.WriteString(strings.Join(core, "\n\n"))
	}
	if len(tools) > 0 {
		if out.Len() > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString(toolHeader)
		out.WriteString("\n\n")
		out.WriteString(strings.Join(tools, "\n\n"))
	}
	return out.String(), nil
}

// substitute expands the three variable syntaxes ({name}, $name, ${name})
// until fixed point. $$name and $${name} are escape forms and pass through
// verbatim.
func (b *Builder) substitute(ctx context.Context, tmpl string, data map[string]any, warnOnce func(string)) (string, error) {
	cur := tmpl
	for pass := 0; pass < maxPasses; pass++ {
		next, changed, err := b.substituteOnce(ctx, cur, data, warnOnce)
		if err != nil {
			return "", err
		}
		if !changed {
			return next, nil
		}
		cur = next
	}
	return cur, nil
}

func (b *Builder) substituteOnce(ctx context.Context, tmpl string, data map[string]any, warnOnce func(string)) (string, bool, error) {
	var out strings.Builder
	out.Grow(len(tmpl))
	changed := false

	i := 0
	for i < len(tmpl) {
		c := tmpl[i]
		switch c {
		case '$':
			if i+1 < len(tmpl) && tmpl[i+1] == '$' {
				// Escape form: copy $$ plus the referenced form verbatim.
				out.WriteString("$$")
				i += 2
				i = copyEscapedRef(tmpl, i, &out)
				continue
			}
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				if name, end, ok := parseBraced(tmpl, i+2); ok {
					val, err := b.resolve(ctx, name, data, warnOnce)
					if err != nil {
						return "", false, err
					}
					out.WriteString(val)
					changed = changed || val != "${"+name+"}"
					i = end
					continue
				}
			}
			if i+1 < len(tmpl) && isIdentStart(tmpl[i+1]) {
				name, end := parseIdent(tmpl, i+1)
				val, err := b.resolve(ctx, name, data, warnOnce)
				if err != nil {
					return "", false, err
				}
				out.WriteString(val)
				changed = changed || val != "$"+name
				i = end
				continue
			}
			out.WriteByte(c)
			i++
		case '{':
			if name, end, ok := parseBraced(tmpl, i+1); ok {
				val, err := b.resolve(ctx, name, data, warnOnce)
				if err != nil {
					return "", false, err
				}
				out.WriteString(val)
				changed = changed || val != "{"+name+"}"
				i = end
				continue
			}
			out.WriteByte(c)
			i++
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String(), changed, nil
}

// resolve returns the substitution value for a variable. Block variables go
// through the block loader; undeclared variables warn once and resolve to
// their own name so rendering never stalls on a single missing key.
func (b *Builder) resolve(ctx context.Context, name string, data map[string]any, warnOnce func(string)) (string, error) {
	if strings.HasPrefix(name, blockPrefix) || strings.HasPrefix(name, blocksPrefix) {
		// Promoted sections shadow the loader.
		if val, ok := data[name]; ok {
			return fmt.Sprintf("%v", val), nil
		}
		if b.blocks != nil {
			val, ok, err := b.blocks.LoadBlock(ctx, name)
			if err != nil {
				return "", err
			}
			if ok {
				return val, nil
			}
		}
		warnOnce(name)
		return missingBlockSentinel(name), nil
	}
	if val, ok := data[name]; ok {
		return fmt.Sprintf("%v", val), nil
	}
	warnOnce(name)
	return name, nil
}

func missingBlockSentinel(name string) string {
	return "[missing block: " + name + "]"
}

// sectionBlockName maps a section name to its promoted block variable.
func sectionBlockName(name string) string {
	return blockPrefix + strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
}

// copyEscapedRef copies the name or braced name following an escape
// sequence so later passes cannot substitute it.
func copyEscapedRef(s string, i int, out *strings.Builder) int {
	if i < len(s) && s[i] == '{' {
		if _, end, ok := parseBraced(s, i+1); ok {
			out.WriteString(s[i:end])
			return end
		}
		out.WriteByte('{')
		return i + 1
	}
	if i < len(s) && isIdentStart(s[i]) {
		_, end := parseIdent(s, i)
		out.WriteString(s[i:end])
		return end
	}
	return i
}

func parseBraced(s string, start int) (name string, end int, ok bool) {
	j := start
	if j >= len(s) || !isIdentStart(s[j]) {
		return "", 0, false
	}
	for j < len(s) && isIdentChar(s[j]) {
		j++
	}
	if j >= len(s) || s[j] != '}' {
		return "", 0, false
	}
	return s[start:j], j + 1, true
}

func parseIdent(s string, start int) (name string, end int) {
	j := start
	for j < len(s) && isIdentChar(s[j]) {
		j++
	}
	return s[start:j], j
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
