package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atelierhq/atelier/pkg/config"
	"github.com/atelierhq/atelier/pkg/models"
	"github.com/atelierhq/atelier/pkg/runs"
	"github.com/atelierhq/atelier/pkg/trace"
)

// wsWriteTimeout bounds a single frame write so one stalled client cannot
// pin a forwarder goroutine indefinitely.
const wsWriteTimeout = 10 * time.Second

// ConnectionManager tracks WebSocket clients and bridges run traces to
// them. Each process has one instance.
type ConnectionManager struct {
	mgr      *runs.Manager
	bus      *trace.Bus
	defaults config.DefaultsConfig
	logger   *slog.Logger

	// Active connections: connection_id → *Connection
	mu          sync.RWMutex
	connections map[string]*Connection

	writeTimeout time.Duration
}

// Connection represents a single WebSocket client. Frame handlers run on
// the connection's read loop; per-run forwarders run on their own
// goroutines and stop when ctx is cancelled.
type Connection struct {
	ID   string
	Conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	// forwarders tracks run-bridge goroutines so teardown can wait for
	// them before closing the socket.
	forwarders sync.WaitGroup
}

// NewConnectionManager creates a new ConnectionManager.
func NewConnectionManager(mgr *runs.Manager, bus *trace.Bus, defaults config.DefaultsConfig, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		mgr:          mgr,
		bus:          bus,
		defaults:     defaults,
		logger:       slog.Default().With("component", "ws"),
		connections:  make(map[string]*Connection),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:     connID,
		Conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	// Read loop: process client frames until the connection closes
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame models.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.logger.Warn("Invalid WebSocket frame",
				"connection_id", connID, "error", err)
			m.sendError(c, "invalid JSON frame")
			continue
		}

		m.handleFrame(c, &frame)
	}
}

// CloseAll cancels every connection. Used at server shutdown: cancelling
// the context unblocks each read loop, whose teardown closes the socket.
func (m *ConnectionManager) CloseAll() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	if len(conns) > 0 {
		m.logger.Info("Closing WebSocket connections", "count", len(conns))
	}
	for _, c := range conns {
		c.cancel()
	}
}

// handleFrame dispatches a client frame to the appropriate handler.
func (m *ConnectionManager) handleFrame(c *Connection, frame *models.ClientFrame) {
	switch frame.Type {
	case models.FrameTeamStreamChat:
		m.handleTeamStreamChat(c, frame)
	case models.FrameSubscribeRun:
		m.handleSubscribeRun(c, frame)
	default:
		m.sendError(c, fmt.Sprintf("unknown frame type %q", frame.Type))
	}
}

// handleTeamStreamChat starts a run from the frame's envelope and streams
// it back: run_started, each trace event, then team_final and
// run_completed once the run settles. The trace queue is attached before
// the crew can emit, so the client sees the run from its first event.
func (m *ConnectionManager) handleTeamStreamChat(c *Connection, frame *models.ClientFrame) {
	req := frame.RunRequest()
	req.ApplyDefaults(m.defaults.Agents, m.defaults.MCP)

	runID, q, err := m.mgr.StartAttached(req)
	if err != nil {
		m.sendError(c, err.Error())
		return
	}

	m.sendJSON(c, models.RunStartedFrame{Type: models.FrameRunStarted, RunID: runID})

	c.forwarders.Add(1)
	go func() {
		defer c.forwarders.Done()
		defer m.bus.Detach(runID, q)
		if !m.forwardQueue(c, q) {
			return
		}
		m.sendRunResult(c, runID)
	}()
}

// handleSubscribeRun attaches the client to an existing run. Active runs
// stream live after a backlog replay; finished runs replay their journal
// and close with a replayed completion marker.
func (m *ConnectionManager) handleSubscribeRun(c *Connection, frame *models.ClientFrame) {
	runID := frame.RunID
	if runID == "" {
		m.sendError(c, "run_id is required")
		return
	}

	if m.bus.IsActive(runID) {
		// Attach before acknowledging: events emitted after the client
		// sees the ack are guaranteed to reach the queue.
		q := m.bus.Attach(runID)
		m.sendJSON(c, models.SubscribedRunFrame{
			Type: models.FrameSubscribedRun, RunID: runID, Mode: models.SubscribeModeLive,
		})
		c.forwarders.Add(1)
		go func() {
			defer c.forwarders.Done()
			defer m.bus.Detach(runID, q)
			for _, payload := range m.bus.ReadPersistedRaw(runID) {
				m.sendTraceEvent(c, payload)
			}
			if m.forwardQueue(c, q) {
				m.sendJSON(c, models.RunCompletedFrame{Type: models.FrameRunCompleted, RunID: runID})
			}
		}()
		return
	}

	m.sendJSON(c, models.SubscribedRunFrame{
		Type: models.FrameSubscribedRun, RunID: runID, Mode: models.SubscribeModeReplay,
	})
	replayed := m.bus.ReadPersistedRaw(runID)
	for _, payload := range replayed {
		m.sendTraceEvent(c, payload)
	}
	if len(replayed) > 0 {
		m.sendJSON(c, models.RunCompletedFrame{Type: models.FrameRunCompleted, RunID: runID, Replayed: true})
		return
	}
	m.sendJSON(c, models.BacklogEmptyFrame{Type: models.FrameTraceBacklogEmpty, RunID: runID})
}

// forwardQueue bridges queued trace payloads to the client until the
// end-of-stream sentinel. It reports whether the sentinel was reached;
// false means the connection is going away.
func (m *ConnectionManager) forwardQueue(c *Connection, q *trace.Queue) bool {
	for {
		payload, err := q.Next(c.ctx)
		if err != nil {
			return false
		}
		if payload == nil {
			return true
		}
		m.sendTraceEvent(c, payload)
	}
}

// sendRunResult emits the terminal team_final / run_completed pair. The
// manager stores the result before the sentinel lands on the queue, so
// the lookup succeeds by the time a forwarder gets here.
func (m *ConnectionManager) sendRunResult(c *Connection, runID string) {
	if art, ok := m.mgr.Artifact(runID); ok {
		m.sendJSON(c, newTeamFinalFrame(art))
	}
	m.sendJSON(c, models.RunCompletedFrame{Type: models.FrameRunCompleted, RunID: runID})
}

// sendTraceEvent re-keys a trace payload as a trace_event frame. The event
// fields stay at the top level; only the frame type is added.
func (m *ConnectionManager) sendTraceEvent(c *Connection, payload []byte) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		m.logger.Warn("Dropping malformed trace payload",
			"connection_id", c.ID, "error", err)
		return
	}
	fields["type"] = models.FrameTraceEvent
	m.sendJSON(c, fields)
}

func (m *ConnectionManager) sendError(c *Connection, msg string) {
	m.sendJSON(c, models.ErrorFrame{Type: models.FrameError, Message: msg})
}

// registerConnection adds a connection to the tracking map.
func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregisterConnection removes a connection, stops its forwarders and
// closes the socket.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	c.forwarders.Wait()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends a JSON frame to a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("Failed to marshal WebSocket frame",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		m.logger.Warn("Failed to send WebSocket frame",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}

// wsHandler upgrades HTTP connections to WebSocket and hands them to the
// ConnectionManager. Localhost origins are always accepted; anything else
// must match the configured allowlist.
func (s *Server) wsHandler(c *gin.Context) {
	patterns := append([]string{"localhost:*", "127.0.0.1:*"}, s.cfg.System.AllowedWSOrigins...)
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: patterns,
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	// HandleConnection blocks until the WebSocket closes.
	s.conns.HandleConnection(c.Request.Context(), conn)
}
