package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomctl/loom/internal/chest"
	"github.com/loomctl/loom/internal/observability"
	"github.com/loomctl/loom/internal/prompt"
	"github.com/loomctl/loom/internal/tool"
	"github.com/loomctl/loom/pkg/models"
)

// TurnPhase identifies where in the turn a failure occurred.
type TurnPhase string

const (
	PhasePrompt TurnPhase = "prompt"
	PhaseModel  TurnPhase = "model"
	PhaseTools  TurnPhase = "tools"
)

// TurnError aborts one turn; the session returns to Idle and continues.
type TurnError struct {
	Phase TurnPhase
	Cause error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("bridge: turn failed in %s phase: %v", e.Phase, e.Cause)
}

func (e *TurnError) Unwrap() error { return e.Cause }

// ToolDispatcher is the chest surface the bridge drives.
type ToolDispatcher interface {
	Activate(ctx context.Context, names []string) (bool, []*chest.ActivationError)
	Dispatch(ctx context.Context, calls []models.ToolCall, tctx *tool.Context, format models.SchemaFormat) []models.ChatMessage
	FunctionSchemas() []models.FunctionSchema
	Sections() []*prompt.Section
}

// Config carries the per-session wiring for a bridge.
type Config struct {
	SessionID     string
	UserID        string
	Chest         ToolDispatcher
	Prompts       *prompt.Builder
	BaseSections  []*prompt.Section
	PromptData    map[string]any
	Invoker       ModelInvoker
	Format        models.SchemaFormat
	Model         string
	MaxTokens     int
	MaxIterations int
	ModelConfigs  map[string]any
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// Bridge is the single-user, single-connection controller owning the
// interaction loop. All state transitions happen under the per-session
// lock, which is held across the entire loop.
type Bridge struct {
	cfg     Config
	emitter *Emitter
	cancel  atomic.Bool
	closed  atomic.Bool
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	messages []models.ChatMessage
}

// New creates a bridge in the Idle state with no transport bound.
func New(cfg Config) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.Format == "" {
		cfg.Format = models.FormatNative
	}
	var dropped func()
	if cfg.Metrics != nil {
		dropped = cfg.Metrics.EventsDropped.Inc
	}
	b := &Bridge{
		cfg:    cfg,
		logger: cfg.Logger.With("session", cfg.SessionID, "user", cfg.UserID),
		state:  StateIdle,
	}
	b.emitter = NewEmitter(cfg.SessionID, nil, b.logger, dropped)
	return b
}

// SessionID returns the owning session's id.
func (b *Bridge) SessionID() string { return b.cfg.SessionID }

// UserID returns the bound user's id.
func (b *Bridge) UserID() string { return b.cfg.UserID }

// Emitter returns the bridge's event emitter.
func (b *Bridge) Emitter() *Emitter { return b.emitter }

// State returns the current state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Cancel sets the cooperative cancellation flag. In-flight tool calls are
// not killed; the next continuation turn is prevented.
func (b *Bridge) Cancel() {
	b.cancel.Store(true)
}

// CancelFlag exposes the flag for injection into tool contexts.
func (b *Bridge) CancelFlag() *atomic.Bool { return &b.cancel }

// Rebind attaches a new transport after a reconnect. The state machine is
// unaffected; events buffered since the disconnect are gone, and the
// first post-reconnect event is session_resumed.
func (b *Bridge) Rebind(sink EventSink) {
	b.emitter.SetSink(sink)
	b.emitter.SessionResumed()
}

// Bind attaches the initial transport without emitting session_resumed.
func (b *Bridge) Bind(sink EventSink) {
	b.emitter.SetSink(sink)
}

// Detach drops the transport; subsequent events are discarded.
func (b *Bridge) Detach() {
	b.emitter.SetSink(nil)
}

// Close moves the bridge to its terminal state. The flag is set before
// the state so callers waiting on a running turn see the closure at once.
func (b *Bridge) Close() {
	b.closed.Store(true)
	b.mu.Lock()
	b.state = StateClosed
	b.mu.Unlock()
	b.emitter.SetSink(nil)
}

// UpdateTools activates exactly the incoming names. A false activation
// result is a failure; partially activated tools stay. It deliberately
// does not take the turn lock: activation is serialized by the chest, so
// tools can be added while a turn is in flight.
func (b *Bridge) UpdateTools(ctx context.Context, names []string) error {
	if b.closed.Load() {
		return fmt.Errorf("bridge: session closed")
	}
	ok, failures := b.cfg.Chest.Activate(ctx, names)
	for _, f := range failures {
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.ActivationFailures.WithLabelValues(string(f.Reason)).Inc()
		}
		b.emitter.SystemMessage(models.SeverityError, f.Error())
	}
	if !ok {
		return fmt.Errorf("bridge: tool update failed for %d toolset(s)", len(failures))
	}
	return nil
}

// UserTurn runs one complete interaction: prompt assembly, the model/tool
// loop, and terminal events. It holds the per-session lock for the whole
// turn.
func (b *Bridge) UserTurn(ctx context.Context, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() || b.state == StateClosed {
		return fmt.Errorf("bridge: session closed")
	}

	started := time.Now()
	outcome, err := b.runTurn(ctx, text)
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.TurnCounter.WithLabelValues(outcome).Inc()
		b.cfg.Metrics.TurnDuration.Observe(time.Since(started).Seconds())
	}
	return err
}

func (b *Bridge) runTurn(ctx context.Context, text string) (outcome string, err error) {
	if b.cancel.Load() {
		b.cancel.Store(false)
		b.emitter.TurnCancelled()
		b.state = StateIdle
		return "cancelled", nil
	}

	b.state = StatePreparing

	system, perr := b.buildPrompt(ctx)
	if perr != nil {
		b.emitter.Error(perr.Error())
		b.state = StateIdle
		return "error", &TurnError{Phase: PhasePrompt, Cause: perr}
	}

	b.messages = append(b.messages, models.ChatMessage{Role: models.RoleUser, Content: text})

	tctx := &tool.Context{
		Events:       b.emitter,
		SessionID:    b.cfg.SessionID,
		UserID:       b.cfg.UserID,
		Cancel:       &b.cancel,
		ModelConfigs: b.cfg.ModelConfigs,
	}

	for iteration := 0; iteration < b.cfg.MaxIterations; iteration++ {
		b.state = StateAwaitingModel

		schemas := b.cfg.Chest.FunctionSchemas()
		tools, werr := chest.WrapSchemas(schemas, b.cfg.Format)
		if werr != nil {
			b.emitter.Error(werr.Error())
			b.state = StateIdle
			return "error", &TurnError{Phase: PhaseModel, Cause: werr}
		}

		res, merr := b.cfg.Invoker.Invoke(ctx, &InvokeRequest{
			System:    system,
			Messages:  b.messages,
			Tools:     tools,
			Schemas:   schemas,
			Format:    b.cfg.Format,
			Model:     b.cfg.Model,
			MaxTokens: b.cfg.MaxTokens,
			OnDelta:   b.emitter.ModelDelta,
		})
		if merr != nil {
			b.emitter.Error(merr.Error())
			b.state = StateIdle
			return "error", &TurnError{Phase: PhaseModel, Cause: merr}
		}

		if len(res.ToolCalls) == 0 {
			b.state = StateEmitting
			b.messages = append(b.messages, models.ChatMessage{
				Role:    models.RoleAssistant,
				Content: res.Text,
			})
			b.emitter.TurnComplete()
			b.state = StateIdle
			return "complete", nil
		}

		if b.cancel.Load() {
			b.state = StateCancelling
			b.cancel.Store(false)
			b.emitter.TurnCancelled()
			b.state = StateIdle
			return "cancelled", nil
		}

		b.state = StateExecutingTools
		msgs := b.cfg.Chest.Dispatch(ctx, res.ToolCalls, tctx, b.cfg.Format)
		b.messages = append(b.messages, msgs...)
		b.countDispatch(res.ToolCalls, msgs)

		// The flag does not kill in-flight calls; it prevents the next
		// continuation turn once the batch has drained.
		if b.cancel.Load() {
			b.state = StateCancelling
			b.cancel.Store(false)
			b.emitter.TurnCancelled()
			b.state = StateIdle
			return "cancelled", nil
		}
	}

	iterErr := fmt.Errorf("reached max iterations: %d", b.cfg.MaxIterations)
	b.emitter.Error(iterErr.Error())
	b.state = StateIdle
	return "error", &TurnError{Phase: PhaseModel, Cause: iterErr}
}

// buildPrompt renders the system prompt from the base sections plus the
// current tool-section set. Unresolved variables surface as warning
// events.
func (b *Bridge) buildPrompt(ctx context.Context) (string, error) {
	sections := make([]*prompt.Section, 0, len(b.cfg.BaseSections)+4)
	sections = append(sections, b.cfg.BaseSections...)
	sections = append(sections, b.cfg.Chest.Sections()...)

	return b.cfg.Prompts.Render(ctx, sections, b.cfg.PromptData, func(variable string) {
		b.emitter.SystemMessage(models.SeverityWarning,
			fmt.Sprintf("prompt variable %q is not declared", variable))
	})
}

func (b *Bridge) countDispatch(calls []models.ToolCall, msgs []models.ChatMessage) {
	if b.cfg.Metrics == nil {
		return
	}
	failed := make(map[string]bool)
	for _, msg := range msgs {
		if msg.Role == models.RoleTool && msg.ToolCallID != "" {
			if strings.HasPrefix(msg.Content, "Exception:") || strings.HasSuffix(msg.Content, "is not on a valid toolset") {
				failed[msg.ToolCallID] = true
			}
			continue
		}
		for _, block := range msg.Blocks {
			if block.Type == models.BlockToolResult && block.IsError {
				failed[block.ToolUseID] = true
			}
		}
	}
	for _, call := range calls {
		status := "success"
		if failed[call.ID] {
			status = "error"
		}
		b.cfg.Metrics.ToolDispatchCounter.WithLabelValues(call.Function, status).Inc()
	}
}
