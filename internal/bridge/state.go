// Package bridge implements the per-session controller that owns the
// interaction loop, emits events, routes tool calls, and surfaces
// cooperative cancellation.
package bridge

// State is the bridge's position in the interaction state machine.
//
// Transitions:
//
//	Idle           → Preparing (new user turn), Closed (teardown)
//	Preparing      → AwaitingModel (prompt built)
//	AwaitingModel  → ExecutingTools (tool_calls), Emitting (text),
//	                 Cancelling (flag set)
//	ExecutingTools → AwaitingModel (continuation), Cancelling (flag set)
//	Emitting       → Idle (drained)
//	Cancelling     → Idle (in-flight batch drained)
//	Closed         terminal
type State string

const (
	StateIdle           State = "idle"
	StatePreparing      State = "preparing"
	StateAwaitingModel  State = "awaiting_model"
	StateExecutingTools State = "executing_tools"
	StateEmitting       State = "emitting"
	StateCancelling     State = "cancelling"
	StateClosed         State = "closed"
)
