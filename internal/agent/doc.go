// Package agent manages connections to fleet agents.
//
// # Overview
//
// The agent package is the connection registry and command transport of the
// orchestrator. It tracks which agent is currently reachable for each managed
// server and turns a request into a correlated, timeout-bounded round trip
// over the agent's persistent connection.
//
// # Manager
//
// The Manager tracks all connected agents:
//
//	mgr := agent.NewManager(logger)
//
// Key operations:
//
//   - Register(conn): Record a connection as current for its server
//   - Unregister(serverID): Remove a binding and fail its pending commands
//   - IsConnected(serverID): Liveness check used by every other component
//   - Send(serverID, cmd): Fire-and-forget, false if offline
//   - SendCommand(ctx, serverID, cmd, timeout): Correlated round trip
//
// # Command/Result Correlation
//
// Each command carries a UUID. The Connection keeps a map of pending waiters
// keyed by that id:
//
//	pending map[string]*waiter
//
// A waiter is removed exactly once, by whichever of these happens first:
//
//  1. The matching result arrives — returned as-is, even if its status
//     field says "error" (transport success just means the round trip
//     completed).
//  2. The timeout elapses — a synthesized {status: "timeout"} result is
//     returned and the real result, if it ever arrives, is discarded.
//  3. The connection drops — the call fails immediately with a
//     disconnect error, within the same instant as the teardown.
//
// There is no retry and no cross-command ordering guarantee; two commands to
// the same agent may resolve in either order.
//
// # Restart Semantics
//
// Nothing in this package is persisted. After an orchestrator restart the
// registry is empty until agents reconnect, which is why a crash can leave
// deployment rows in a transient status with no in-memory record of the
// operation — resolving that is the recovery service's job.
//
// # Thread Safety
//
// Both Manager and Connection are thread-safe. They use mutexes to protect
// the agent map and the pending waiter map.
package agent
