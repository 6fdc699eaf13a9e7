// Package gateway wires the orchestrator together: the TCP listener agents
// connect to, the operational HTTP API, and the startup sequence.
//
// Startup order matters: the store opens first, then the recovery pass
// reconciles rows left transient by a previous crash, and only then do the
// agent listener and HTTP server start accepting traffic. A deployment
// request can therefore never race the startup reconciliation of the same
// row.
//
// Each agent connection is owned by one goroutine that runs the handshake
// and then the receive loop. The handshake authenticates the agent with a
// signed token whose subject must match the server id it claims; the receive
// loop routes result frames into the command correlation machinery and
// status reports into the registry.
package gateway
