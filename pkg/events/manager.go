package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ConnectionManager manages WebSocket connections and their run-stream
// subscriptions. Each subscription rides a Bus subscription: the replay
// buffer doubles as catch-up for late subscribers.
type ConnectionManager struct {
	bus *Bus

	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Write timeout for WebSocket sends
	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
//
// subscriptions is accessed WITHOUT a lock. This is safe because all reads
// and writes (subscribe, unsubscribe, unregisterConnection) happen on the
// single goroutine that owns this connection (HandleConnection's read loop
// and its deferred cleanup).
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]func() // run_id → bus cancel
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a ConnectionManager fanning out from the bus.
func NewConnectionManager(bus *Bus, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		bus:          bus,
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
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]func()),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	// Read loop — process client messages until connection closes
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(c, &msg)
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// handleClientMessage dispatches a client message to the appropriate handler.
func (m *ConnectionManager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.RunID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "run_id is required for subscribe"})
			return
		}
		m.subscribe(c, msg.RunID)
		m.sendJSON(c, map[string]string{
			"type":   "subscription.confirmed",
			"run_id": msg.RunID,
		})

	case "unsubscribe":
		if msg.RunID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "run_id is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.RunID)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe attaches the connection to a run stream. The bus replays the
// retained buffer into the new subscription, so a late subscriber catches
// up without a separate query. Double-subscribes are no-ops.
func (m *ConnectionManager) subscribe(c *Connection, runID string) {
	if _, ok := c.subscriptions[runID]; ok {
		return
	}

	ch, cancel := m.bus.Subscribe(runID)
	c.subscriptions[runID] = cancel

	go m.pump(c, runID, ch)
}

// unsubscribe detaches the connection from a run stream.
func (m *ConnectionManager) unsubscribe(c *Connection, runID string) {
	if cancel, ok := c.subscriptions[runID]; ok {
		delete(c.subscriptions, runID)
		cancel()
	}
}

// pump forwards bus events to the client until the subscription closes.
// Send failures are logged and skipped; a dead connection is torn down by
// the read loop, which cancels the subscription and ends the pump.
func (m *ConnectionManager) pump(c *Connection, runID string, ch <-chan Event) {
	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("Failed to marshal stream event",
				"connection_id", c.ID, "run_id", runID, "error", err)
			continue
		}
		if err := m.sendRaw(c, data); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", c.ID, "run_id", runID, "error", err)
		}
	}
}

// registerConnection adds a connection to the tracking map.
func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregisterConnection removes a connection and cancels all its subscriptions.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for runID := range c.subscriptions {
		m.unsubscribe(c, runID)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends a JSON message to a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
