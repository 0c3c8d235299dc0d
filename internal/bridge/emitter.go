package bridge

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomctl/loom/pkg/models"
)

// EventSink receives outbound events for one connected client. The gateway
// binds its websocket writer here; delivery is best-effort.
type EventSink interface {
	SendEvent(ev models.Event) error
}

// Emitter produces typed events with monotonic sequencing for one bridge.
// The sink is swappable on reconnect; with no sink bound, events are
// dropped (best-effort semantics).
//
// Thread Safety:
// Emitter is safe for concurrent use; tool code emits through it from
// parallel goroutines.
type Emitter struct {
	sessionID string
	sequence  uint64
	logger    *slog.Logger
	dropped   func()

	mu   sync.Mutex
	sink EventSink
}

// NewEmitter creates an emitter for one session. dropped, when non-nil, is
// invoked once per event lost to best-effort delivery.
func NewEmitter(sessionID string, sink EventSink, logger *slog.Logger, dropped func()) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{sessionID: sessionID, sink: sink, logger: logger, dropped: dropped}
}

// SetSink rebinds the transport. Passing nil detaches it; subsequent
// events are dropped until the next rebind.
func (e *Emitter) SetSink(sink EventSink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

func (e *Emitter) send(ev models.Event) {
	ev.Time = time.Now()
	ev.Sequence = atomic.AddUint64(&e.sequence, 1)
	ev.SessionID = e.sessionID
	if ev.Scope == "" {
		ev.Scope = models.EventScopeSession
	}

	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink == nil {
		if e.dropped != nil {
			e.dropped()
		}
		return
	}
	if err := sink.SendEvent(ev); err != nil {
		e.logger.Debug("event dropped", "kind", ev.Kind, "error", err)
		if e.dropped != nil {
			e.dropped()
		}
	}
}

// SystemMessage emits a system_message event with the given severity.
func (e *Emitter) SystemMessage(severity models.Severity, text string) {
	e.send(models.Event{
		Kind:   models.EventSystemMessage,
		System: &models.SystemMessagePayload{Severity: severity, Text: text},
	})
}

// Error emits an error event.
func (e *Emitter) Error(text string) {
	e.send(models.Event{
		Kind:  models.EventError,
		Error: &models.ErrorPayload{Text: text},
	})
}

// ModelDelta emits incremental model output.
func (e *Emitter) ModelDelta(text string) {
	e.send(models.Event{
		Kind:  models.EventModelDelta,
		Delta: &models.ModelDeltaPayload{Text: text},
	})
}

// ToolActivity emits tool invocation lifecycle events.
func (e *Emitter) ToolActivity(toolID string, stage models.ToolActivityStage, payload string) {
	e.send(models.Event{
		Kind: models.EventToolActivity,
		Tool: &models.ToolActivityPayload{ToolID: toolID, Stage: stage, Payload: payload},
	})
}

// WorkspaceAdded emits a user-wide workspace_added event.
func (e *Emitter) WorkspaceAdded(entry models.WorkspaceEntry) {
	e.send(models.Event{
		Kind:      models.EventWorkspaceAdded,
		Scope:     models.EventScopeUser,
		Workspace: &models.WorkspacePayload{Added: &entry},
	})
}

// WorkspaceList emits the current workspace entry list.
func (e *Emitter) WorkspaceList(entries []models.WorkspaceEntry) {
	e.send(models.Event{
		Kind:      models.EventWorkspaceList,
		Workspace: &models.WorkspacePayload{Entries: entries},
	})
}

// TurnComplete emits the terminal event of a successful turn.
func (e *Emitter) TurnComplete() {
	e.send(models.Event{Kind: models.EventTurnComplete})
}

// TurnCancelled emits the terminal event of a cancelled turn.
func (e *Emitter) TurnCancelled() {
	e.send(models.Event{Kind: models.EventTurnCancelled})
}

// SessionResumed emits the first event after a reconnect rebind.
func (e *Emitter) SessionResumed() {
	e.send(models.Event{Kind: models.EventSessionResumed})
}

// Forward re-emits an externally produced event (manager broadcast) with
// this bridge's sequencing.
func (e *Emitter) Forward(ev models.Event) {
	e.send(ev)
}
