// Package chest owns the set of instantiated tools for one user: it
// activates toolsets and their transitive dependencies on demand, tracks
// instances, and dispatches batches of tool calls concurrently.
package chest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loomctl/loom/internal/prompt"
	"github.com/loomctl/loom/internal/tool"
	"github.com/loomctl/loom/pkg/models"
)

// Chest is the per-user tool container. Mutations (Activate) are
// serialized per chest; reads (lookup, schema listing) are concurrent-safe.
type Chest struct {
	registry *tool.Registry
	opts     tool.Options
	logger   *slog.Logger

	// activateMu serializes Activate so concurrent calls observe a total
	// order. Derived caches are recomputed before it is released.
	activateMu sync.Mutex

	mu        sync.RWMutex
	active    map[string]tool.Tool
	order     []string // construction order of active tools
	functions map[string]tool.Tool
	schemas   []models.FunctionSchema
	sections  []*prompt.Section
	validator *tool.Validator

	// Concurrency caps concurrent tool executions in one dispatch batch.
	Concurrency int
}

// New creates a chest for one user. The opts chest back-reference is set
// by the constructor; callers supply the remaining per-user options.
func New(registry *tool.Registry, opts tool.Options, logger *slog.Logger) *Chest {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chest{
		registry:    registry,
		opts:        opts,
		logger:      logger,
		active:      make(map[string]tool.Tool),
		functions:   make(map[string]tool.Tool),
		validator:   tool.NewValidator(),
		Concurrency: 8,
	}
	c.opts.Chest = c
	return c
}

// Activate activates one or more toolsets by name, recursively activating
// required dependencies. Dependencies reach PostInit before their
// dependents; a failed dependency aborts activation of the dependent;
// activating an already-active toolset is a no-op. Returns overall
// success plus the per-name failures. Partial successes are kept.
func (c *Chest) Activate(ctx context.Context, names []string) (bool, []*ActivationError) {
	c.activateMu.Lock()
	defer c.activateMu.Unlock()

	var failures []*ActivationError
	var constructed []string

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		inProgress := make(map[string]bool)
		if err := c.activateOne(name, inProgress, &constructed); err != nil {
			failures = append(failures, err)
			c.logger.Warn("toolset activation failed",
				"tool", name, "reason", err.Reason, "error", err.Err)
		}
	}

	// PostInit runs after the whole batch constructs, in construction
	// order, so every dependency's PostInit returns before its dependents'.
	// A removal cascades: a dependent whose required tool is gone is
	// removed before its own PostInit runs.
	for _, name := range constructed {
		c.mu.RLock()
		inst := c.active[name]
		c.mu.RUnlock()
		if inst == nil {
			continue
		}
		if dep := c.missingRequirement(name); dep != "" {
			c.logger.Warn("toolset removed, required tool gone", "tool", name, "dependency", dep)
			c.remove(name)
			failures = append(failures, &ActivationError{Name: name, Reason: ReasonDependency})
			continue
		}
		if err := inst.PostInit(ctx); err != nil {
			c.logger.Warn("toolset post_init failed, removing", "tool", name, "error", err)
			c.remove(name)
			failures = append(failures, &ActivationError{Name: name, Reason: ReasonPostInit, Err: err})
		}
	}

	c.recomputeDerived()
	return len(failures) == 0, failures
}

// activateOne resolves, recursively activates dependencies, and constructs
// one toolset. inProgress is the per-invocation cycle-detection set.
func (c *Chest) activateOne(name string, inProgress map[string]bool, constructed *[]string) *ActivationError {
	c.mu.RLock()
	_, alreadyActive := c.active[name]
	c.mu.RUnlock()
	if alreadyActive {
		return nil
	}
	if inProgress[name] {
		return &ActivationError{Name: name, Reason: ReasonCycle}
	}
	inProgress[name] = true
	defer delete(inProgress, name)

	desc, ok := c.registry.Get(name)
	if !ok {
		return &ActivationError{Name: name, Reason: ReasonUnknown}
	}

	for _, dep := range desc.RequiredTools {
		if err := c.activateOne(dep, inProgress, constructed); err != nil {
			return &ActivationError{Name: name, Reason: ReasonDependency, Err: err}
		}
		c.mu.RLock()
		_, depActive := c.active[dep]
		c.mu.RUnlock()
		if !depActive {
			return &ActivationError{Name: name, Reason: ReasonDependency}
		}
	}

	inst, err := desc.New(c.opts)
	if err != nil {
		return &ActivationError{Name: name, Reason: ReasonConstruct, Err: err}
	}

	c.mu.Lock()
	c.active[name] = inst
	c.order = append(c.order, name)
	c.mu.Unlock()
	*constructed = append(*constructed, name)
	return nil
}

// ActiveTool returns the instance for a toolset name.
func (c *Chest) ActiveTool(name string) (tool.Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.active[name]
	return inst, ok
}

// ActiveNames returns the active toolset names in construction order.
func (c *Chest) ActiveNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// FunctionSchemas returns the cached schema list for every active tool in
// construction order.
func (c *Chest) FunctionSchemas() []models.FunctionSchema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.FunctionSchema, len(c.schemas))
	copy(out, c.schemas)
	return out
}

// Sections returns the prompt sections contributed by active tools in
// construction order.
func (c *Chest) Sections() []*prompt.Section {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*prompt.Section, len(c.sections))
	copy(out, c.sections)
	return out
}

// missingRequirement returns the first required tool of name that is not
// active, or "" when all requirements hold.
func (c *Chest) missingRequirement(name string) string {
	desc, ok := c.registry.Get(name)
	if !ok {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, dep := range desc.RequiredTools {
		if _, active := c.active[dep]; !active {
			return dep
		}
	}
	return ""
}

func (c *Chest) remove(name string) {
	c.mu.Lock()
	delete(c.active, name)
	c.removeFromOrder(name)
	c.mu.Unlock()
}

func (c *Chest) removeFromOrder(name string) {
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// recomputeDerived rebuilds the function-name index and the cached
// schema/section derivations from the active map.
func (c *Chest) recomputeDerived() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.functions = make(map[string]tool.Tool)
	c.schemas = c.schemas[:0]
	c.sections = c.sections[:0]
	validator := tool.NewValidator()

	for _, name := range c.order {
		inst := c.active[name]
		if inst == nil {
			continue
		}
		for _, fs := range inst.Schemas() {
			c.functions[fs.Name] = inst
			c.schemas = append(c.schemas, fs)
			if err := validator.Add(fs); err != nil {
				c.logger.Warn("schema compilation failed, arguments unchecked",
					"tool", name, "function", fs.Name, "error", err)
			}
		}
		if sec := inst.Section(); sec != nil {
			c.sections = append(c.sections, sec)
		}
	}
	c.validator = validator
}
