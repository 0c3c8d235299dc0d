package chest

import "fmt"

// ActivationReason classifies why a toolset failed to activate.
type ActivationReason string

const (
	ReasonUnknown    ActivationReason = "unknown_tool"
	ReasonCycle      ActivationReason = "dependency_cycle"
	ReasonDependency ActivationReason = "failed_dependency"
	ReasonConstruct  ActivationReason = "construction_failed"
	ReasonPostInit   ActivationReason = "post_init_failed"
)

// ActivationError reports one toolset that could not be activated. The
// tool is absent from the active set; the session continues.
type ActivationError struct {
	Name   string
	Reason ActivationReason
	Err    error
}

func (e *ActivationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chest: activate %s: %s: %v", e.Name, e.Reason, e.Err)
	}
	return fmt.Sprintf("chest: activate %s: %s", e.Name, e.Reason)
}

func (e *ActivationError) Unwrap() error { return e.Err }
