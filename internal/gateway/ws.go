package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomctl/loom/internal/session"
	"github.com/loomctl/loom/pkg/models"
)

const (
	wsProtocolVersion  = 1
	wsMaxPayloadBytes  = 1 << 20
	wsSendBufferFrames = 256
	wsPongWait         = 45 * time.Second
	wsPingInterval     = 15 * time.Second
	wsWriteWait        = 10 * time.Second
)

type wsControlPlane struct {
	server   *Server
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func (s *Server) newWSControlPlane() http.Handler {
	return &wsControlPlane{
		server: s,
		logger: s.logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsConnectParams struct {
	MinProtocol int    `json:"minProtocol"`
	MaxProtocol int    `json:"maxProtocol"`
	UserID      string `json:"userId"`
	SessionID   string `json:"sessionId,omitempty"`
}

type wsUserTurnParams struct {
	Text string `json:"text"`
}

type wsUpdateToolsParams struct {
	Tools []string `json:"tools"`
}

type wsAddWorkspaceParams struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	PathOrBucket string `json:"pathOrBucket"`
	ReadOnly     bool   `json:"readOnly,omitempty"`
	Type         string `json:"type"`
}

// wsConn is one live websocket connection. After the connect handshake it
// is bound to exactly one realtime session and acts as that session's
// event sink.
type wsConn struct {
	control *wsControlPlane
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	connected atomic.Bool
	seq       int64
	session   *session.Session
	userID    string
}

func (h *wsControlPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		control: h,
		conn:    conn,
		send:    make(chan []byte, wsSendBufferFrames),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.run()
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

// close cancels the connection context and closes the socket. The send
// channel is never closed: detached turn goroutines may still call
// SendEvent, and enqueue refuses once the context is done.
func (c *wsConn) close() {
	if c.session != nil {
		c.control.server.manager.Detach(c.session.ID)
	}
	c.cancel()
	_ = c.conn.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := c.decodeFrame(data)
		if err != nil {
			c.sendError("", "invalid_frame", err.Error())
			continue
		}

		if !c.connected.Load() {
			if frame.Method != "connect" {
				c.sendError(frame.ID, "handshake_required", "first request must be connect")
				continue
			}
			if err := c.handleConnect(frame); err != nil {
				c.sendError(frame.ID, "connect_failed", err.Error())
				return
			}
			continue
		}

		if err := c.handleRequest(frame); err != nil {
			c.sendError(frame.ID, "request_failed", err.Error())
		}
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) decodeFrame(raw []byte) (*wsFrame, error) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if frame.Type != "req" {
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	return &frame, nil
}

func (c *wsConn) handleRequest(frame *wsFrame) error {
	if frame.Method == "ping" {
		return c.sendResponse(frame.ID, true, map[string]any{"timestamp": time.Now().UnixMilli()}, nil)
	}
	// After an explicit disconnect the read loop keeps running; every
	// session-bound method needs the session to still exist.
	if c.session == nil {
		return errors.New("session is disconnected")
	}
	switch frame.Method {
	case "user_turn":
		return c.handleUserTurn(frame)
	case "cancel":
		return c.handleCancel(frame)
	case "update_tools":
		return c.handleUpdateTools(frame)
	case "add_workspace":
		return c.handleAddWorkspace(frame)
	case "workspaces.list":
		return c.handleWorkspacesList(frame)
	case "disconnect":
		return c.handleDisconnect(frame)
	default:
		return fmt.Errorf("unknown method %q", frame.Method)
	}
}

func (c *wsConn) handleConnect(frame *wsFrame) error {
	var params wsConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}

	minProtocol := params.MinProtocol
	maxProtocol := params.MaxProtocol
	if minProtocol <= 0 {
		minProtocol = wsProtocolVersion
	}
	if maxProtocol <= 0 {
		maxProtocol = wsProtocolVersion
	}
	if wsProtocolVersion < minProtocol || wsProtocolVersion > maxProtocol {
		return fmt.Errorf("unsupported protocol version")
	}

	userID := strings.TrimSpace(params.UserID)
	if userID == "" {
		return errors.New("userId is required")
	}

	sess, resumed, err := c.control.server.manager.Connect(c.ctx, userID, params.SessionID, c)
	if err != nil {
		return err
	}
	c.session = sess
	c.userID = userID

	payload := map[string]any{
		"type":      "hello-ok",
		"protocol":  wsProtocolVersion,
		"sessionId": sess.ID,
		"resumed":   resumed,
		"features": map[string]any{
			"methods": supportedWSMethods(),
			"events":  supportedWSEvents(),
		},
		"policy": map[string]any{
			"maxPayloadBytes": wsMaxPayloadBytes,
			"pingIntervalMs":  wsPingInterval.Milliseconds(),
		},
	}
	if err := c.sendResponse(frame.ID, true, payload, nil); err != nil {
		return err
	}
	c.connected.Store(true)
	return nil
}

// handleUserTurn acknowledges the request and runs the turn off the read
// loop, so cancel frames are still processed while the turn is running.
func (c *wsConn) handleUserTurn(frame *wsFrame) error {
	var params wsUserTurnParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	if strings.TrimSpace(params.Text) == "" {
		return errors.New("text is required")
	}

	if err := c.sendResponse(frame.ID, true, map[string]any{"status": "accepted"}, nil); err != nil {
		return err
	}

	sess := c.session
	go func() {
		if err := sess.Bridge.UserTurn(c.ctx, params.Text); err != nil {
			c.control.logger.Warn("turn failed", "session", sess.ID, "error", err)
		}
	}()
	return nil
}

func (c *wsConn) handleCancel(frame *wsFrame) error {
	ok := c.control.server.manager.Cancel(c.session.ID)
	return c.sendResponse(frame.ID, true, map[string]any{"cancelled": ok}, nil)
}

// handleUpdateTools runs activation off the read loop: tool construction
// can be slow and must not stall frame reading or pong handling.
func (c *wsConn) handleUpdateTools(frame *wsFrame) error {
	var params wsUpdateToolsParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}

	sess := c.session
	go func() {
		if err := sess.Bridge.UpdateTools(c.ctx, params.Tools); err != nil {
			c.sendError(frame.ID, "request_failed", err.Error())
			return
		}
		_ = c.sendResponse(frame.ID, true, map[string]any{"tools": params.Tools}, nil) //nolint:errcheck
	}()
	return nil
}

func (c *wsConn) handleAddWorkspace(frame *wsFrame) error {
	var params wsAddWorkspaceParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	entry := models.WorkspaceEntry{
		Name:         params.Name,
		Description:  params.Description,
		PathOrBucket: params.PathOrBucket,
		ReadOnly:     params.ReadOnly,
		Type:         models.WorkspaceType(params.Type),
	}
	if err := c.control.server.manager.AddWorkspace(c.ctx, c.userID, entry); err != nil {
		return err
	}
	return c.sendResponse(frame.ID, true, map[string]any{"added": entry.Name}, nil)
}

func (c *wsConn) handleWorkspacesList(frame *wsFrame) error {
	entries := c.control.server.manager.WorkspaceEntries(c.ctx, c.userID)
	return c.sendResponse(frame.ID, true, map[string]any{"workspaces": entries}, nil)
}

func (c *wsConn) handleDisconnect(frame *wsFrame) error {
	if err := c.sendResponse(frame.ID, true, map[string]any{"status": "bye"}, nil); err != nil {
		return err
	}
	c.control.server.manager.Teardown(c.ctx, c.session.ID)
	c.session = nil
	c.cancel()
	return nil
}

// SendEvent implements the session event sink: each event becomes one
// event frame. A full send buffer drops the frame rather than blocking
// the session's turn loop.
func (c *wsConn) SendEvent(ev models.Event) error {
	seq := atomic.AddInt64(&c.seq, 1)
	frame := wsFrame{
		Type:    "event",
		Event:   string(ev.Kind),
		Payload: ev,
		Seq:     &seq,
	}
	return c.enqueue(frame)
}

func (c *wsConn) sendResponse(id string, ok bool, payload any, wserr *wsError) error {
	frame := wsFrame{
		Type:    "res",
		ID:      id,
		OK:      &ok,
		Payload: payload,
		Error:   wserr,
	}
	return c.enqueue(frame)
}

func (c *wsConn) sendError(id string, code string, message string) {
	_ = c.sendResponse(id, false, nil, &wsError{Code: code, Message: message}) //nolint:errcheck
}

func (c *wsConn) enqueue(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return fmt.Errorf("payload too large")
	}
	select {
	case <-c.ctx.Done():
		return errors.New("connection closed")
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

func supportedWSMethods() []string {
	return []string{
		"connect",
		"ping",
		"user_turn",
		"cancel",
		"update_tools",
		"add_workspace",
		"workspaces.list",
		"disconnect",
	}
}

func supportedWSEvents() []string {
	return []string{
		string(models.EventSystemMessage),
		string(models.EventError),
		string(models.EventModelDelta),
		string(models.EventToolActivity),
		string(models.EventWorkspaceList),
		string(models.EventWorkspaceAdded),
		string(models.EventTurnComplete),
		string(models.EventTurnCancelled),
		string(models.EventSessionResumed),
	}
}
