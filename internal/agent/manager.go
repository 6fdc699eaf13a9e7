// ABOUTME: Manages connected fleet agents, handles registration, and routes commands.
// ABOUTME: Central registry for agent connections and the command transport.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetward/fleetward/internal/protocol"
)

// ErrAgentNotConnected indicates no live connection exists for the server.
var ErrAgentNotConnected = errors.New("agent not connected")

// ErrAgentDisconnected indicates the connection dropped while a command was
// in flight.
var ErrAgentDisconnected = errors.New("agent disconnected")

// ErrAgentReplaced indicates a newer connection for the same server took over.
var ErrAgentReplaced = errors.New("agent connection replaced")

// Manager tracks which agent is currently reachable for each managed server
// and routes commands to them. It is the source of truth for "is server
// online"; nothing here is persisted, the registry is rebuilt as agents
// reconnect after a restart.
type Manager struct {
	agents map[string]*Connection
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		agents: make(map[string]*Connection),
		logger: logger,
	}
}

// Register records the connection as current for its server id. A prior
// connection for the same id is replaced; its pending commands fail
// immediately with ErrAgentReplaced.
func (m *Manager) Register(conn *Connection) {
	m.mu.Lock()
	prev := m.agents[conn.ServerID]
	m.agents[conn.ServerID] = conn
	total := len(m.agents)
	m.mu.Unlock()

	if prev != nil {
		prev.Fail(ErrAgentReplaced)
	}

	m.logger.Info("agent connected",
		"server_id", conn.ServerID,
		"name", conn.Name,
		"version", conn.Version,
		"total_agents", total,
	)
}

// Unregister removes the binding for a server id and fails every pending
// command targeting it. A disconnect must fail in-flight commands
// immediately, not leave them to time out.
func (m *Manager) Unregister(serverID string) {
	m.mu.Lock()
	conn, exists := m.agents[serverID]
	if exists {
		delete(m.agents, serverID)
	}
	total := len(m.agents)
	m.mu.Unlock()

	if !exists {
		return
	}

	conn.Fail(fmt.Errorf("%w: %s", ErrAgentDisconnected, serverID))
	m.logger.Info("agent disconnected",
		"server_id", serverID,
		"name", conn.Name,
		"total_agents", total,
	)
}

// Release unregisters conn only if it is still the current connection for
// its server. Used by receive loops on teardown so that a loop belonging to
// a replaced connection cannot evict its successor.
func (m *Manager) Release(conn *Connection) {
	m.mu.Lock()
	current, exists := m.agents[conn.ServerID]
	if !exists || current != conn {
		m.mu.Unlock()
		conn.Fail(ErrAgentReplaced)
		return
	}
	delete(m.agents, conn.ServerID)
	total := len(m.agents)
	m.mu.Unlock()

	conn.Fail(fmt.Errorf("%w: %s", ErrAgentDisconnected, conn.ServerID))
	m.logger.Info("agent disconnected",
		"server_id", conn.ServerID,
		"name", conn.Name,
		"total_agents", total,
	)
}

// Get retrieves the live connection for a server, if any.
func (m *Manager) Get(serverID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.agents[serverID]
	return conn, ok
}

// IsConnected checks whether an agent for the given server is currently
// connected.
func (m *Manager) IsConnected(serverID string) bool {
	_, ok := m.Get(serverID)
	return ok
}

// Send transmits a command without waiting for a result. Returns false
// without sending if the server has no live connection.
func (m *Manager) Send(serverID string, cmd *protocol.Command) bool {
	conn, ok := m.Get(serverID)
	if !ok {
		return false
	}
	if err := conn.Send(&protocol.Frame{Type: protocol.FrameCommand, Command: cmd}); err != nil {
		m.logger.Warn("fire-and-forget send failed",
			"server_id", serverID,
			"command_id", cmd.ID,
			"error", err,
		)
		return false
	}
	return true
}

// SendCommand sends a command to the agent for serverID and waits for the
// correlated result, the timeout, or a disconnect — whichever comes first.
// Returns ErrAgentNotConnected without sending if the server is offline.
func (m *Manager) SendCommand(ctx context.Context, serverID string, cmd *protocol.Command, timeout time.Duration) (*protocol.CommandResult, error) {
	conn, ok := m.Get(serverID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotConnected, serverID)
	}

	m.logger.Debug("sending command",
		"server_id", serverID,
		"command_id", cmd.ID,
		"action", cmd.Action,
		"app", cmd.AppName,
	)
	return conn.SendCommand(ctx, cmd, timeout)
}

// AgentInfo contains public information about a connected agent.
type AgentInfo struct {
	ServerID     string
	Name         string
	Version      string
	ConnectedAt  time.Time
	LastReportAt time.Time
}

// ListAgents returns information about all connected agents.
func (m *Manager) ListAgents() []*AgentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*AgentInfo, 0, len(m.agents))
	for _, conn := range m.agents {
		info := &AgentInfo{
			ServerID:    conn.ServerID,
			Name:        conn.Name,
			Version:     conn.Version,
			ConnectedAt: conn.ConnectedAt,
		}
		if r := conn.StatusReport(); r != nil {
			info.LastReportAt = r.Timestamp
		}
		agents = append(agents, info)
	}
	return agents
}
