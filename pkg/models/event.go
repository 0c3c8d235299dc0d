// Package models provides domain types shared across the Loom session core.
package models

import "time"

// Event is the unified outbound event model for the realtime stream.
// Events flow from the bridge to the connected client; the only inbound
// control signal is the session cancellation flag.
//
// Design principles:
//   - Single Kind discriminator with optional payload pointers
//   - Monotonic Sequence for ordering within one bridge
//   - Scope distinguishes session-local from user-wide delivery
type Event struct {
	// Kind identifies the kind of event.
	Kind EventKind `json:"kind"`

	// Time is when the event was produced.
	Time time.Time `json:"time"`

	// Sequence is monotonic within one bridge.
	Sequence uint64 `json:"seq"`

	// SessionID identifies the producing session, if any.
	SessionID string `json:"session_id,omitempty"`

	// Scope is EventScopeSession unless the event targets every live
	// session of the user.
	Scope EventScope `json:"scope,omitempty"`

	// Exactly one payload should be non-nil for a given Kind.
	System    *SystemMessagePayload `json:"system,omitempty"`
	Error     *ErrorPayload         `json:"error,omitempty"`
	Delta     *ModelDeltaPayload    `json:"delta,omitempty"`
	Tool      *ToolActivityPayload  `json:"tool,omitempty"`
	Workspace *WorkspacePayload     `json:"workspace,omitempty"`
}

// EventKind identifies the kind of outbound event.
type EventKind string

const (
	EventSystemMessage  EventKind = "system_message"
	EventError          EventKind = "error"
	EventModelDelta     EventKind = "model_delta"
	EventToolActivity   EventKind = "tool_activity"
	EventWorkspaceList  EventKind = "workspace_list"
	EventWorkspaceAdded EventKind = "workspace_added"
	EventTurnComplete   EventKind = "turn_complete"
	EventTurnCancelled  EventKind = "turn_cancelled"
	EventSessionResumed EventKind = "session_resumed"
)

// EventScope controls delivery fan-out.
type EventScope string

const (
	// EventScopeSession delivers to the producing session only.
	EventScopeSession EventScope = "session"

	// EventScopeUser delivers to every live session of the user.
	EventScopeUser EventScope = "user"
)

// Severity grades system messages.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// SystemMessagePayload carries operator-visible status text.
type SystemMessagePayload struct {
	Severity Severity `json:"severity"`
	Text     string   `json:"text"`
}

// ErrorPayload carries a turn- or session-scoped failure.
type ErrorPayload struct {
	Text string `json:"text"`
}

// ModelDeltaPayload carries incremental model output text.
type ModelDeltaPayload struct {
	Text string `json:"text"`
}

// ToolActivityStage marks the lifecycle point of a tool invocation.
type ToolActivityStage string

const (
	ToolStageStart ToolActivityStage = "start"
	ToolStageEnd   ToolActivityStage = "end"
	ToolStageError ToolActivityStage = "error"
)

// ToolActivityPayload reports tool invocation lifecycle.
type ToolActivityPayload struct {
	ToolID  string            `json:"tool_id"`
	Stage   ToolActivityStage `json:"stage"`
	Payload string            `json:"payload,omitempty"`
}

// WorkspacePayload carries workspace events. Added is set for
// workspace_added; Entries for workspace_list.
type WorkspacePayload struct {
	Added   *WorkspaceEntry  `json:"added,omitempty"`
	Entries []WorkspaceEntry `json:"entries,omitempty"`
}
