// ABOUTME: Wire protocol shared by the orchestrator and fleet agents.
// ABOUTME: Defines the frame envelope, command/result correlation types, and JSON codec.

package protocol

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Frame types exchanged over an agent connection.
const (
	FrameHello        = "hello"         // agent -> orchestrator, first frame
	FrameWelcome      = "welcome"       // orchestrator -> agent, handshake ack
	FrameCommand      = "command"       // orchestrator -> agent
	FrameResult       = "result"        // agent -> orchestrator, correlated by command id
	FrameStatusReport = "status_report" // agent -> orchestrator, periodic, uncorrelated
)

// Actions an agent executor understands.
const (
	ActionInstall   = "install"
	ActionConfigure = "configure"
	ActionStart     = "start"
	ActionStop      = "stop"
	ActionRestart   = "restart"
	ActionUninstall = "uninstall"
	ActionUpdate    = "update"
	ActionStatus    = "status"
	ActionGetLogs   = "getLogs"
)

// Result statuses. TransportTimeout is synthesized by the orchestrator when a
// command's deadline expires before the agent answers; agents never send it.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// Frame is the envelope for every message on an agent connection. Exactly one
// of the payload pointers is set, selected by Type.
type Frame struct {
	Type    string        `json:"type"`
	Hello   *Hello        `json:"hello,omitempty"`
	Welcome *Welcome      `json:"welcome,omitempty"`
	Command *Command      `json:"command,omitempty"`
	Result  *CommandResult `json:"result,omitempty"`
	Status  *StatusReport `json:"status,omitempty"`
}

// Hello is the first frame an agent sends after connecting.
type Hello struct {
	ServerID string `json:"server_id"`
	Name     string `json:"name,omitempty"`
	Token    string `json:"token"`
	Version  string `json:"version,omitempty"`
}

// Welcome acknowledges a successful handshake.
type Welcome struct {
	OrchestratorID string `json:"orchestrator_id"`
	ServerID       string `json:"server_id"`
}

// Command is a request sent to exactly one agent. ID is a UUID used for
// correlation and is never reused within the process lifetime.
type Command struct {
	ID      string          `json:"id"`
	Action  string          `json:"action"`
	AppName string          `json:"appName"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewCommand builds a Command with a fresh correlation id.
func NewCommand(action, appName string, payload json.RawMessage) *Command {
	return &Command{
		ID:      uuid.New().String(),
		Action:  action,
		AppName: appName,
		Payload: payload,
	}
}

// CommandResult is the agent's answer to a Command, correlated by CommandID.
// A transport-level success just means the round trip completed; Status may
// still be "error".
type CommandResult struct {
	CommandID string          `json:"commandId"`
	Status    string          `json:"status"`
	Message   string          `json:"message,omitempty"`
	Duration  int64           `json:"duration,omitempty"` // milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// AppState is the payload of a successful status-query result.
type AppState struct {
	Installed bool `json:"installed"`
	Running   bool `json:"running"`
}

// DecodeAppState parses a status-query result payload. Returns nil if the
// payload is empty or not an AppState — the caller treats that as "unknown".
func DecodeAppState(data json.RawMessage) *AppState {
	if len(data) == 0 {
		return nil
	}
	var st AppState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil
	}
	return &st
}

// StatusReport is the periodic out-of-band push from an agent. It is not part
// of the command/result correlation machinery.
type StatusReport struct {
	ServerID      string      `json:"server_id"`
	Timestamp     time.Time   `json:"timestamp"`
	CPUPercent    float64     `json:"cpu_percent"`
	MemoryPercent float64     `json:"memory_percent"`
	DiskPercent   float64     `json:"disk_percent"`
	Apps          []AppStatus `json:"apps,omitempty"`
}

// AppStatus is one app's state as reported by its agent.
type AppStatus struct {
	AppName string `json:"appName"`
	Status  string `json:"status"`
}

// Codec frames the protocol as newline-delimited JSON over a net.Conn.
// Reads are single-goroutine (the owning receive loop); writes are serialized
// internally so multiple senders can share one connection.
type Codec struct {
	conn net.Conn
	dec  *json.Decoder
	enc  *json.Encoder

	writeMu sync.Mutex
}

// NewCodec wraps an established connection.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{
		conn: conn,
		dec:  json.NewDecoder(conn),
		enc:  json.NewEncoder(conn),
	}
}

// Read blocks until the next frame arrives or the connection fails.
func (c *Codec) Read() (*Frame, error) {
	var f Frame
	if err := c.dec.Decode(&f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &f, nil
}

// Send writes one frame. Safe for concurrent use.
func (c *Codec) Send(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(f)
}

// Close tears down the underlying connection. Any blocked Read returns an
// error afterwards.
func (c *Codec) Close() error {
	return c.conn.Close()
}

// RemoteAddr reports the peer address, for logging.
func (c *Codec) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
