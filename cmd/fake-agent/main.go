// ABOUTME: Minimal fake agent for E2E testing — connects over TCP and simulates app lifecycle commands.
// ABOUTME: Usage: fake-agent -token TOKEN [-addr localhost:7601] [-id test-server]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/fleetward/fleetward/internal/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:7601", "orchestrator agent address")
	name := flag.String("name", "Fake Agent", "agent display name")
	serverID := flag.String("id", "test-server", "server ID")
	token := flag.String("token", "", "agent token (required)")
	reportEvery := flag.Duration("report", 30*time.Second, "status report interval")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "-token is required")
		os.Exit(1)
	}

	if err := run(*addr, *name, *serverID, *token, *reportEvery); err != nil {
		log.Fatal(err)
	}
}

// apps tracks the simulated install state of every app this agent was told
// about. Safe for the report ticker and the command loop to share.
type apps struct {
	mu    sync.Mutex
	state map[string]*protocol.AppState
}

func (a *apps) get(name string) *protocol.AppState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.state[name]
	if !ok {
		return &protocol.AppState{}
	}
	return &protocol.AppState{Installed: st.Installed, Running: st.Running}
}

func (a *apps) set(name string, installed, running bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state[name] = &protocol.AppState{Installed: installed, Running: running}
}

func (a *apps) remove(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.state, name)
}

func (a *apps) statuses() []protocol.AppStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]protocol.AppStatus, 0, len(a.state))
	for name, st := range a.state {
		status := "stopped"
		if st.Running {
			status = "running"
		}
		out = append(out, protocol.AppStatus{AppName: name, Status: status})
	}
	return out
}

func run(addr, name, serverID, token string, reportEvery time.Duration) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	codec := protocol.NewCodec(conn)
	defer codec.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Handshake
	if err := codec.Send(&protocol.Frame{
		Type: protocol.FrameHello,
		Hello: &protocol.Hello{
			ServerID: serverID,
			Name:     name,
			Token:    token,
			Version:  "fake-agent/dev",
		},
	}); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	frame, err := codec.Read()
	if err != nil {
		return fmt.Errorf("failed to receive welcome: %w", err)
	}
	if frame.Type != protocol.FrameWelcome || frame.Welcome == nil {
		return fmt.Errorf("expected welcome, got: %v", frame.Type)
	}
	fmt.Fprintf(os.Stderr, "registered as %s (orchestrator: %s)\n",
		frame.Welcome.ServerID, frame.Welcome.OrchestratorID)

	state := &apps{state: make(map[string]*protocol.AppState)}

	// Periodic status reports
	go func() {
		ticker := time.NewTicker(reportEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := codec.Send(&protocol.Frame{
					Type: protocol.FrameStatusReport,
					Status: &protocol.StatusReport{
						ServerID:      serverID,
						Timestamp:     time.Now().UTC(),
						CPUPercent:    12.5,
						MemoryPercent: 40.0,
						DiskPercent:   55.0,
						Apps:          state.statuses(),
					},
				})
				if err != nil {
					log.Printf("status report error: %v", err)
					return
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		codec.Close()
	}()

	// Command loop
	for {
		frame, err := codec.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("read error: %w", err)
		}

		if frame.Type != protocol.FrameCommand || frame.Command == nil {
			continue
		}
		cmd := frame.Command

		log.Printf("received command [%s]: %s %s", cmd.ID, cmd.Action, cmd.AppName)

		// Small delay to simulate work
		time.Sleep(50 * time.Millisecond)

		res := execute(state, cmd)
		if err := codec.Send(&protocol.Frame{Type: protocol.FrameResult, Result: res}); err != nil {
			log.Printf("send result error: %v", err)
		}
	}
}

// execute applies the command to the simulated app state and builds the result.
func execute(state *apps, cmd *protocol.Command) *protocol.CommandResult {
	res := &protocol.CommandResult{
		CommandID: cmd.ID,
		Status:    protocol.ResultSuccess,
		Duration:  50,
	}

	switch cmd.Action {
	case protocol.ActionInstall, protocol.ActionUpdate:
		state.set(cmd.AppName, true, false)
		res.Message = cmd.Action + " complete"
	case protocol.ActionConfigure:
		st := state.get(cmd.AppName)
		if !st.Installed {
			res.Status = protocol.ResultError
			res.Message = "app not installed"
			break
		}
		res.Message = "configuration applied"
		res.Data, _ = json.Marshal(st)
	case protocol.ActionStart, protocol.ActionRestart:
		st := state.get(cmd.AppName)
		if !st.Installed {
			res.Status = protocol.ResultError
			res.Message = "app not installed"
			break
		}
		state.set(cmd.AppName, true, true)
		res.Message = "started"
	case protocol.ActionStop:
		st := state.get(cmd.AppName)
		if !st.Installed {
			res.Status = protocol.ResultError
			res.Message = "app not installed"
			break
		}
		state.set(cmd.AppName, true, false)
		res.Message = "stopped"
	case protocol.ActionUninstall:
		state.remove(cmd.AppName)
		res.Message = "uninstalled"
	case protocol.ActionStatus:
		res.Data, _ = json.Marshal(state.get(cmd.AppName))
	case protocol.ActionGetLogs:
		res.Data, _ = json.Marshal([]string{
			"2026-01-01T00:00:00Z service listening",
			"2026-01-01T00:00:01Z ready",
		})
	default:
		res.Status = protocol.ResultError
		res.Message = "unknown action: " + cmd.Action
	}

	return res
}
