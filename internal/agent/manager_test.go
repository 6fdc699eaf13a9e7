// ABOUTME: Tests for the agent connection registry.
// ABOUTME: Validates registration, replacement, disconnect semantics, and command routing.

package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetward/fleetward/internal/protocol"
)

func newConn(serverID string) *Connection {
	return NewConnection(ConnectionParams{
		ServerID: serverID,
		Name:     serverID + " name",
		Stream:   &recordingStream{},
		Logger:   testLogger(),
	})
}

func TestManager_RegisterAndGet(t *testing.T) {
	m := NewManager(testLogger())

	conn := newConn("srv-1")
	m.Register(conn)

	got, ok := m.Get("srv-1")
	require.True(t, ok)
	assert.Same(t, conn, got)
	assert.True(t, m.IsConnected("srv-1"))
	assert.False(t, m.IsConnected("srv-2"))
}

func TestManager_Unregister_FailsPending(t *testing.T) {
	m := NewManager(testLogger())
	conn := newConn("srv-1")
	m.Register(conn)

	cmd := protocol.NewCommand(protocol.ActionStart, "web", nil)
	done := make(chan error, 1)
	go func() {
		_, err := conn.SendCommand(context.Background(), cmd, 30*time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return conn.PendingCount() == 1
	}, time.Second, time.Millisecond)

	m.Unregister("srv-1")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAgentDisconnected)
	case <-time.After(time.Second):
		t.Fatal("in-flight command not failed by unregister")
	}
	assert.False(t, m.IsConnected("srv-1"))
}

func TestManager_Register_ReplacesPrevious(t *testing.T) {
	m := NewManager(testLogger())

	old := newConn("srv-1")
	m.Register(old)

	cmd := protocol.NewCommand(protocol.ActionStart, "web", nil)
	done := make(chan error, 1)
	go func() {
		_, err := old.SendCommand(context.Background(), cmd, 30*time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return old.PendingCount() == 1
	}, time.Second, time.Millisecond)

	replacement := newConn("srv-1")
	m.Register(replacement)

	// The old connection's in-flight command fails; the new one is current.
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAgentReplaced)
	case <-time.After(time.Second):
		t.Fatal("replaced connection's pending command not failed")
	}
	got, ok := m.Get("srv-1")
	require.True(t, ok)
	assert.Same(t, replacement, got)
}

func TestManager_Release_StaleConnectionDoesNotEvictSuccessor(t *testing.T) {
	m := NewManager(testLogger())

	old := newConn("srv-1")
	m.Register(old)

	replacement := newConn("srv-1")
	m.Register(replacement)

	// The old connection's receive loop tears down after the replacement
	// registered. It must not evict the new connection.
	m.Release(old)

	got, ok := m.Get("srv-1")
	require.True(t, ok)
	assert.Same(t, replacement, got)

	// Releasing the current connection does evict it.
	m.Release(replacement)
	assert.False(t, m.IsConnected("srv-1"))
}

func TestManager_SendCommand_NotConnected(t *testing.T) {
	m := NewManager(testLogger())

	cmd := protocol.NewCommand(protocol.ActionStart, "web", nil)
	_, err := m.SendCommand(context.Background(), "srv-1", cmd, time.Second)
	assert.ErrorIs(t, err, ErrAgentNotConnected)
}

func TestManager_Send_FireAndForget(t *testing.T) {
	m := NewManager(testLogger())

	cmd := protocol.NewCommand(protocol.ActionStatus, "web", nil)
	assert.False(t, m.Send("srv-1", cmd), "offline server cannot be sent to")

	stream := &recordingStream{}
	m.Register(NewConnection(ConnectionParams{
		ServerID: "srv-1",
		Stream:   stream,
		Logger:   testLogger(),
	}))
	assert.True(t, m.Send("srv-1", cmd))
	require.Len(t, stream.sent(), 1)
	assert.Equal(t, protocol.FrameCommand, stream.sent()[0].Type)
}

func TestManager_ListAgents(t *testing.T) {
	m := NewManager(testLogger())
	assert.Empty(t, m.ListAgents())

	conn := newConn("srv-1")
	m.Register(conn)
	m.Register(newConn("srv-2"))

	reportedAt := time.Now().UTC()
	conn.SetStatusReport(&protocol.StatusReport{ServerID: "srv-1", Timestamp: reportedAt})

	infos := m.ListAgents()
	require.Len(t, infos, 2)

	byID := map[string]*AgentInfo{}
	for _, info := range infos {
		byID[info.ServerID] = info
	}
	require.Contains(t, byID, "srv-1")
	require.Contains(t, byID, "srv-2")
	assert.Equal(t, reportedAt, byID["srv-1"].LastReportAt)
	assert.True(t, byID["srv-2"].LastReportAt.IsZero())
}
