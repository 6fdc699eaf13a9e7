// ABOUTME: TCP listener and per-connection receive loop for fleet agents.
// ABOUTME: Handles the hello/welcome handshake, JWT verification, and frame routing.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fleetward/fleetward/internal/agent"
	"github.com/fleetward/fleetward/internal/protocol"
	"github.com/fleetward/fleetward/internal/store"
)

// handshakeTimeout bounds how long a fresh connection may sit silent before
// sending its hello frame.
const handshakeTimeout = 10 * time.Second

// serveAgents accepts agent connections until the context is canceled or the
// listener fails.
func (g *Gateway) serveAgents(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting agent connection: %w", err)
		}
		go g.handleAgentConn(ctx, conn)
	}
}

// handleAgentConn runs the handshake and then the receive loop for one agent
// connection. It owns the connection's lifetime.
func (g *Gateway) handleAgentConn(ctx context.Context, netConn net.Conn) {
	codec := protocol.NewCodec(netConn)
	defer codec.Close()

	conn, err := g.handshake(ctx, netConn, codec)
	if err != nil {
		g.logger.Warn("agent handshake failed",
			"remote_addr", codec.RemoteAddr(),
			"error", err,
		)
		return
	}

	g.agentManager.Register(conn)
	g.metrics.agentsConnected.Inc()
	defer func() {
		g.agentManager.Release(conn)
		g.metrics.agentsConnected.Dec()
	}()

	g.receiveLoop(ctx, conn, codec)
}

// handshake reads and validates the hello frame and answers with a welcome.
// The token's subject must match the server id the agent claims; an agent
// cannot borrow another server's token.
func (g *Gateway) handshake(ctx context.Context, netConn net.Conn, codec *protocol.Codec) (*agent.Connection, error) {
	_ = netConn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	frame, err := codec.Read()
	if err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	if frame.Type != protocol.FrameHello || frame.Hello == nil {
		return nil, fmt.Errorf("expected hello frame, got %q", frame.Type)
	}
	hello := frame.Hello
	if hello.ServerID == "" {
		return nil, errors.New("hello missing server id")
	}

	subject, err := g.verifier.Verify(hello.Token)
	if err != nil {
		return nil, fmt.Errorf("verifying token for %s: %w", hello.ServerID, err)
	}
	if subject != hello.ServerID {
		return nil, fmt.Errorf("token subject %q does not match server id %q", subject, hello.ServerID)
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Best-effort: the registry, not the database, decides reachability.
	now := time.Now().UTC()
	if err := g.store.UpsertServer(ctx, &store.Server{
		ID:         hello.ServerID,
		Name:       hello.Name,
		CreatedAt:  now,
		LastSeenAt: now,
	}); err != nil {
		g.logger.Warn("server row upsert failed", "server_id", hello.ServerID, "error", err)
	}

	if err := codec.Send(&protocol.Frame{
		Type: protocol.FrameWelcome,
		Welcome: &protocol.Welcome{
			OrchestratorID: g.orchestratorID,
			ServerID:       hello.ServerID,
		},
	}); err != nil {
		return nil, fmt.Errorf("sending welcome: %w", err)
	}

	return agent.NewConnection(agent.ConnectionParams{
		ServerID: hello.ServerID,
		Name:     hello.Name,
		Version:  hello.Version,
		Stream:   codec,
		Logger:   g.logger.With("server_id", hello.ServerID),
	}), nil
}

// receiveLoop reads frames until the connection drops or the context ends.
// Results resolve pending commands; status reports update the connection and
// touch the server row.
func (g *Gateway) receiveLoop(ctx context.Context, conn *agent.Connection, codec *protocol.Codec) {
	for {
		frame, err := codec.Read()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				g.logger.Warn("agent read error",
					"server_id", conn.ServerID,
					"error", err,
				)
			}
			return
		}

		switch frame.Type {
		case protocol.FrameResult:
			if frame.Result == nil {
				g.logger.Warn("result frame without body", "server_id", conn.ServerID)
				continue
			}
			g.metrics.resultsTotal.WithLabelValues(frame.Result.Status).Inc()
			conn.HandleResult(frame.Result)

		case protocol.FrameStatusReport:
			if frame.Status == nil {
				g.logger.Warn("status frame without body", "server_id", conn.ServerID)
				continue
			}
			conn.SetStatusReport(frame.Status)
			if err := g.store.TouchServer(ctx, conn.ServerID, frame.Status.Timestamp); err != nil {
				g.logger.Warn("touching server row failed", "server_id", conn.ServerID, "error", err)
			}

		default:
			g.logger.Warn("unexpected frame from agent",
				"server_id", conn.ServerID,
				"type", frame.Type,
			)
		}
	}
}
