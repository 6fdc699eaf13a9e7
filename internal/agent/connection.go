// ABOUTME: Represents a single connected agent and manages its persistent stream.
// ABOUTME: Handles sending commands and routing results by correlation id.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetward/fleetward/internal/protocol"
)

// Stream is the write side of an agent's transport channel. Implementations
// must be safe for concurrent use.
type Stream interface {
	Send(f *protocol.Frame) error
}

// outcome is the single resolution of one pending command. Exactly one of
// result and err is set.
type outcome struct {
	result *protocol.CommandResult
	err    error
}

// waiter is one outstanding command awaiting its result. The channel is
// buffered so the resolving side never blocks.
type waiter struct {
	ch chan outcome
}

// Connection represents a connected agent with its transport stream.
type Connection struct {
	ServerID    string
	Name        string
	Version     string
	ConnectedAt time.Time

	stream Stream
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*waiter
	failed  error // set once the connection is torn down
	report  *protocol.StatusReport
}

// ConnectionParams bundles the values needed to construct a Connection.
type ConnectionParams struct {
	ServerID string
	Name     string
	Version  string
	Stream   Stream
	Logger   *slog.Logger
}

// NewConnection creates a new Connection for a connected agent.
func NewConnection(p ConnectionParams) *Connection {
	return &Connection{
		ServerID:    p.ServerID,
		Name:        p.Name,
		Version:     p.Version,
		ConnectedAt: time.Now().UTC(),
		stream:      p.Stream,
		pending:     make(map[string]*waiter),
		logger:      p.Logger,
	}
}

// Send transmits a frame to the agent.
func (c *Connection) Send(f *protocol.Frame) error {
	return c.stream.Send(f)
}

// SendCommand sends a command and blocks until the correlated result arrives,
// the timeout elapses, or the connection is torn down. Exactly one of the
// three resolves the call:
//
//   - matching result: returned as-is, even if its Status is "error"
//   - timeout: a synthesized result with Status "timeout"; a late real result
//     is discarded
//   - disconnect: an error wrapping ErrAgentDisconnected, immediately
//
// There is no retry: one call is exactly one attempt.
func (c *Connection) SendCommand(ctx context.Context, cmd *protocol.Command, timeout time.Duration) (*protocol.CommandResult, error) {
	w := &waiter{ch: make(chan outcome, 1)}

	c.mu.Lock()
	if c.failed != nil {
		err := c.failed
		c.mu.Unlock()
		return nil, err
	}
	c.pending[cmd.ID] = w
	c.mu.Unlock()

	if err := c.Send(&protocol.Frame{Type: protocol.FrameCommand, Command: cmd}); err != nil {
		c.consume(cmd.ID)
		return nil, fmt.Errorf("sending command %s: %w", cmd.ID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-w.ch:
		return out.result, out.err

	case <-timer.C:
		// Consume the waiter so a late result is discarded. If the result won
		// the race it is already buffered in the channel.
		if c.consume(cmd.ID) == nil {
			out := <-w.ch
			return out.result, out.err
		}
		c.logger.Warn("command timed out",
			"command_id", cmd.ID,
			"action", cmd.Action,
			"server_id", c.ServerID,
			"timeout", timeout,
		)
		return &protocol.CommandResult{
			CommandID: cmd.ID,
			Status:    protocol.ResultTimeout,
			Message:   fmt.Sprintf("no result within %s", timeout),
		}, nil

	case <-ctx.Done():
		if c.consume(cmd.ID) == nil {
			out := <-w.ch
			return out.result, out.err
		}
		return nil, ctx.Err()
	}
}

// consume removes and returns the waiter for a command id, or nil if it was
// already resolved. Removal happens exactly once; whichever of result,
// timeout, or disconnect gets here first wins.
func (c *Connection) consume(commandID string) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.pending[commandID]
	if !ok {
		return nil
	}
	delete(c.pending, commandID)
	return w
}

// HandleResult routes a result to the matching pending command.
// If no matching command is outstanding the result is logged and discarded
// (late arrival after a timeout already resolved the waiter).
func (c *Connection) HandleResult(res *protocol.CommandResult) {
	w := c.consume(res.CommandID)
	if w == nil {
		c.logger.Warn("received result for unknown command",
			"command_id", res.CommandID,
			"server_id", c.ServerID,
		)
		return
	}
	w.ch <- outcome{result: res}
}

// Fail tears down the connection: every pending command resolves immediately
// with err, and subsequent SendCommand calls fail without sending.
func (c *Connection) Fail(err error) {
	c.mu.Lock()
	if c.failed != nil {
		c.mu.Unlock()
		return
	}
	c.failed = err
	pending := c.pending
	c.pending = make(map[string]*waiter)
	c.mu.Unlock()

	for id, w := range pending {
		w.ch <- outcome{err: err}
		c.logger.Debug("failed pending command", "command_id", id, "server_id", c.ServerID)
	}
}

// PendingCount reports the number of outstanding commands.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// SetStatusReport records the most recent out-of-band status report.
func (c *Connection) SetStatusReport(r *protocol.StatusReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report = r
}

// StatusReport returns the most recent status report, or nil if none arrived.
func (c *Connection) StatusReport() *protocol.StatusReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}
