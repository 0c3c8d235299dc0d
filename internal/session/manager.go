// Package session owns the lifecycle of realtime sessions: id minting
// and ownership checks, the per-user runtime cache that survives
// reconnection, and fan-out of user-scoped events across a user's live
// sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/bridge"
	"github.com/loomctl/loom/internal/observability"
	"github.com/loomctl/loom/internal/prompt"
	"github.com/loomctl/loom/internal/tool"
	"github.com/loomctl/loom/internal/workspace"
	"github.com/loomctl/loom/pkg/models"
)

var (
	// ErrSessionOwnership is returned when a user presents a session id
	// minted for a different user.
	ErrSessionOwnership = errors.New("session: id belongs to a different user")
)

// ManagerConfig carries the process-wide wiring shared by every session.
type ManagerConfig struct {
	Registry      *tool.Registry
	Invoker       bridge.ModelInvoker
	Prompts       *prompt.Builder
	BaseSections  []*prompt.Section
	PromptData    map[string]any
	Workspaces    *workspace.Store
	Format        models.SchemaFormat
	Model         string
	MaxTokens     int
	MaxIterations int
	HotLoadTools  []string
	ModelConfigs  map[string]any
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// Session is one live realtime session bound to a user.
type Session struct {
	ID        string
	UserID    string
	Bridge    *bridge.Bridge
	CreatedAt time.Time
}

// Workspace tools fan their additions out through the manager.
var _ tool.WorkspaceNotifier = (*Manager)(nil)

// Manager tracks live sessions and the per-user runtime cache.
//
// Thread Safety:
// Manager is safe for concurrent use.
type Manager struct {
	cfg    ManagerConfig
	locks  *Locker
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	runtime  map[string]*runtimeSlot
}

// runtimeSlot defers runtime entry construction out of the manager lock:
// the map holds slots, and the entry (workspace file reads, bucket checks,
// hot-load activation) is built under the slot's own once.
type runtimeSlot struct {
	once  sync.Once
	entry *RuntimeEntry
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Format == "" {
		cfg.Format = models.FormatNative
	}
	return &Manager{
		cfg:      cfg,
		locks:    NewLocker(30 * time.Second),
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
		runtime:  make(map[string]*runtimeSlot),
	}
}

// NewSessionID mints a session id carrying its owner as a prefix.
func NewSessionID(userID string) string {
	return userID + "-" + uuid.NewString()
}

// ownerPrefix reports whether sessionID was minted for userID.
func ownerPrefix(sessionID, userID string) bool {
	return strings.HasPrefix(sessionID, userID+"-")
}

// Connect binds a transport to a session. An empty sessionID starts a
// fresh session; a known one rebinds it (the first event after rebind is
// session_resumed); an unknown but owned one starts fresh under a new id.
// A session id minted for another user is rejected.
func (m *Manager) Connect(ctx context.Context, userID, sessionID string, sink bridge.EventSink) (*Session, bool, error) {
	if userID == "" {
		return nil, false, fmt.Errorf("session: user id required")
	}
	if sessionID != "" && !ownerPrefix(sessionID, userID) {
		return nil, false, ErrSessionOwnership
	}

	if sessionID != "" {
		m.mu.RLock()
		existing := m.sessions[sessionID]
		m.mu.RUnlock()

		if existing != nil {
			err := m.locks.WithSession(ctx, sessionID, "connect", func() error {
				existing.Bridge.Rebind(sink)
				return nil
			})
			if err != nil {
				return nil, false, err
			}
			m.logger.Info("session resumed", "session", sessionID, "user", userID)
			return existing, true, nil
		}
		m.logger.Info("session id unknown, starting fresh", "session", sessionID, "user", userID)
	}

	s, err := m.create(ctx, userID, sink)
	if err != nil {
		return nil, false, err
	}
	return s, false, nil
}

func (m *Manager) create(ctx context.Context, userID string, sink bridge.EventSink) (*Session, error) {
	entry := m.runtimeEntry(ctx, userID)

	id := NewSessionID(userID)
	b := bridge.New(bridge.Config{
		SessionID:     id,
		UserID:        userID,
		Chest:         entry.Chest,
		Prompts:       m.cfg.Prompts,
		BaseSections:  m.cfg.BaseSections,
		PromptData:    m.cfg.PromptData,
		Invoker:       m.cfg.Invoker,
		Format:        m.cfg.Format,
		Model:         m.cfg.Model,
		MaxTokens:     m.cfg.MaxTokens,
		MaxIterations: m.cfg.MaxIterations,
		ModelConfigs:  m.cfg.ModelConfigs,
		Logger:        m.logger,
		Metrics:       m.cfg.Metrics,
	})
	b.Bind(sink)

	s := &Session{
		ID:        id,
		UserID:    userID,
		Bridge:    b,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveSessions.Inc()
	}
	m.logger.Info("session created", "session", id, "user", userID)
	return s, nil
}

// runtimeEntry returns the user's runtime cache entry, building it on
// first use. The manager lock only covers the map; construction can touch
// the filesystem and the network, so it runs outside and concurrent first
// connects for other users are never held up.
func (m *Manager) runtimeEntry(ctx context.Context, userID string) *RuntimeEntry {
	m.mu.Lock()
	slot, ok := m.runtime[userID]
	if !ok {
		slot = &runtimeSlot{}
		m.runtime[userID] = slot
	}
	m.mu.Unlock()

	slot.once.Do(func() {
		slot.entry = newRuntimeEntry(ctx, userID, &m.cfg, m, m.logger.With("user", userID))
	})
	return slot.entry
}

// Get returns the live session, if any.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Cancel sets the session's cancellation flag. Returns false for an
// unknown session.
func (m *Manager) Cancel(sessionID string) bool {
	s, ok := m.Get(sessionID)
	if !ok {
		return false
	}
	s.Bridge.Cancel()
	return true
}

// Detach drops the session's transport without tearing it down, so a
// later Connect with the same id can resume it.
func (m *Manager) Detach(sessionID string) {
	s, ok := m.Get(sessionID)
	if !ok {
		return
	}
	s.Bridge.Detach()
	m.logger.Info("session detached", "session", sessionID)
}

// Teardown closes the session and forgets it. The user's runtime cache
// entry is kept so warmed tools survive for the next session.
func (m *Manager) Teardown(ctx context.Context, sessionID string) {
	err := m.locks.WithSession(ctx, sessionID, "teardown", func() error {
		m.mu.Lock()
		s, ok := m.sessions[sessionID]
		if ok {
			delete(m.sessions, sessionID)
		}
		m.mu.Unlock()

		if !ok {
			return nil
		}
		s.Bridge.Close()
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ActiveSessions.Dec()
		}
		m.logger.Info("session closed", "session", sessionID, "user", s.UserID)
		return nil
	})
	if err != nil {
		m.logger.Warn("teardown lock failed", "session", sessionID, "error", err)
	}
}

// Broadcast forwards an event to every live session of the user. Each
// session's emitter stamps its own sequence number.
func (m *Manager) Broadcast(userID string, ev models.Event) {
	for _, s := range m.userSessions(userID) {
		s.Bridge.Emitter().Forward(ev)
	}
}

// AddWorkspace adds an entry to the user's workspace set and notifies
// every live session of that user. Both events carry user scope since
// they describe user state, not one session's turn.
func (m *Manager) AddWorkspace(ctx context.Context, userID string, entry models.WorkspaceEntry) error {
	rt := m.runtimeEntry(ctx, userID)
	if err := rt.Workspaces.Add(ctx, entry); err != nil {
		return err
	}

	m.Broadcast(userID, models.Event{
		Kind:  models.EventSystemMessage,
		Scope: models.EventScopeUser,
		System: &models.SystemMessagePayload{
			Severity: models.SeverityInfo,
			Text:     fmt.Sprintf("workspace %q added", entry.Name),
		},
	})
	m.Broadcast(userID, models.Event{
		Kind:      models.EventWorkspaceAdded,
		Scope:     models.EventScopeUser,
		Workspace: &models.WorkspacePayload{Added: &entry},
	})
	return nil
}

// Workspaces returns the current entries for the user.
func (m *Manager) WorkspaceEntries(ctx context.Context, userID string) []models.WorkspaceEntry {
	return m.runtimeEntry(ctx, userID).Workspaces.Entries()
}

func (m *Manager) userSessions(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, 2)
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}
