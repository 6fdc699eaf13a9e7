// ABOUTME: Tests for the HTTP API surface and error mapping.
// ABOUTME: Drives the handlers through the router with a scripted agent behind the manager.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetward/fleetward/internal/agent"
	"github.com/fleetward/fleetward/internal/config"
	"github.com/fleetward/fleetward/internal/deploy"
	"github.com/fleetward/fleetward/internal/protocol"
	"github.com/fleetward/fleetward/internal/store"
)

const testJWTSecret = "gateway-test-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			AgentAddr: "localhost:0",
			HTTPAddr:  "localhost:0",
		},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Auth:     config.AuthConfig{JWTSecret: testJWTSecret},
		Agents: config.AgentsConfig{
			CommandTimeout:     time.Second,
			StatusQueryTimeout: 100 * time.Millisecond,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	gw, err := New(testConfig(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { gw.store.Close() })
	return gw
}

// scriptedStream answers command frames asynchronously through its handle
// function, standing in for a live agent's receive loop.
type scriptedStream struct {
	conn   *agent.Connection
	handle func(cmd *protocol.Command) *protocol.CommandResult
}

func (s *scriptedStream) Send(f *protocol.Frame) error {
	if f.Type == protocol.FrameCommand && s.handle != nil {
		cmd := f.Command
		go s.conn.HandleResult(s.handle(cmd))
	}
	return nil
}

func attachAgent(gw *Gateway, serverID string, handle func(*protocol.Command) *protocol.CommandResult) {
	stream := &scriptedStream{handle: handle}
	conn := agent.NewConnection(agent.ConnectionParams{
		ServerID: serverID,
		Name:     serverID + " host",
		Stream:   stream,
		Logger:   testLogger(),
	})
	stream.conn = conn
	gw.agentManager.Register(conn)
}

func okAgent(cmd *protocol.Command) *protocol.CommandResult {
	return &protocol.CommandResult{CommandID: cmd.ID, Status: protocol.ResultSuccess}
}

func doRequest(gw *Gateway, method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestGateway_Health(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(gw, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(gw, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGateway_ListDeployments_Empty(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(gw, http.MethodGet, "/api/deployments", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []deploymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Empty(t, out)
}

func TestGateway_Install_AgentOffline(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(gw, http.MethodPost, "/api/deployments", installRequest{
		ServerID: "srv-1",
		AppName:  "web",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "agent_unavailable", body["error"])
}

func TestGateway_Install_InvalidJSON(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/api/deployments", bytes.NewReader([]byte("{broken")))
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateway_DeploymentLifecycle(t *testing.T) {
	gw := newTestGateway(t)
	attachAgent(gw, "srv-1", okAgent)

	// Install
	rec := doRequest(gw, http.MethodPost, "/api/deployments", installRequest{
		ServerID: "srv-1",
		AppName:  "web",
		Version:  "1.0.0",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var dep deploymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dep))
	assert.Equal(t, "stopped", dep.Status)
	require.NotEmpty(t, dep.ID)

	// Start
	rec = doRequest(gw, http.MethodPost, "/api/deployments/"+dep.ID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dep))
	assert.Equal(t, "running", dep.Status)

	// Get
	rec = doRequest(gw, http.MethodGet, "/api/deployments/"+dep.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// List shows one row
	rec = doRequest(gw, http.MethodGet, "/api/deployments", nil)
	var list []deploymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	// Uninstall
	rec = doRequest(gw, http.MethodDelete, "/api/deployments/"+dep.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(gw, http.MethodGet, "/api/deployments/"+dep.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateway_GetDeployment_NotFound(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(gw, http.MethodGet, "/api/deployments/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_found", body["error"])
}

func TestGateway_UnknownAction(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(gw, http.MethodPost, "/api/deployments/dep-1/destroy", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateway_MethodNotAllowed(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(gw, http.MethodPut, "/api/deployments", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doRequest(gw, http.MethodPost, "/api/agents", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGateway_FailedOperationCarriesRow(t *testing.T) {
	gw := newTestGateway(t)
	attachAgent(gw, "srv-1", func(cmd *protocol.Command) *protocol.CommandResult {
		if cmd.Action == protocol.ActionInstall {
			return &protocol.CommandResult{
				CommandID: cmd.ID,
				Status:    protocol.ResultError,
				Message:   "disk full",
			}
		}
		return okAgent(cmd)
	})

	rec := doRequest(gw, http.MethodPost, "/api/deployments", installRequest{
		ServerID: "srv-1",
		AppName:  "web",
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var body struct {
		Error      string             `json:"error"`
		Deployment deploymentResponse `json:"deployment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "command_failed", body.Error)
	assert.Equal(t, "error", body.Deployment.Status)
}

func TestGateway_ListAgents(t *testing.T) {
	gw := newTestGateway(t)
	attachAgent(gw, "srv-1", okAgent)

	rec := doRequest(gw, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []agentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "srv-1", out[0].ServerID)
}

func TestGateway_ListServers_MergesConnectivity(t *testing.T) {
	gw := newTestGateway(t)
	attachAgent(gw, "srv-1", okAgent)

	now := time.Now().UTC()
	require.NoError(t, gw.store.UpsertServer(context.Background(), &store.Server{
		ID: "srv-1", Name: "online host", CreatedAt: now, LastSeenAt: now,
	}))
	require.NoError(t, gw.store.UpsertServer(context.Background(), &store.Server{
		ID: "srv-2", Name: "offline host", CreatedAt: now, LastSeenAt: now,
	}))

	rec := doRequest(gw, http.MethodGet, "/api/servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []serverResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)

	byID := map[string]serverResponse{}
	for _, s := range out {
		byID[s.ID] = s
	}
	assert.True(t, byID["srv-1"].Online)
	assert.False(t, byID["srv-2"].Online)
}

func TestGateway_RecoveryEndpoints(t *testing.T) {
	gw := newTestGateway(t)

	// Seed a stuck row on an offline server.
	now := time.Now().UTC()
	require.NoError(t, gw.store.CreateDeployment(context.Background(), &store.Deployment{
		ID:        "dep-stuck",
		ServerID:  "srv-1",
		AppName:   "web",
		Status:    store.StatusInstalling,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	rec := doRequest(gw, http.MethodGet, "/api/recovery/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status deploy.RecoveryStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Len(t, status.StuckDeployments, 1)
	assert.False(t, status.StuckDeployments[0].ServerOnline)

	rec = doRequest(gw, http.MethodPost, "/api/recovery/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run struct {
		Recovered int                     `json:"recovered"`
		Results   []deploy.RecoveryResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Equal(t, 1, run.Recovered)
	assert.Equal(t, deploy.ActionMarkedError, run.Results[0].Action)

	// The row is now settled; a second run finds nothing.
	rec = doRequest(gw, http.MethodPost, "/api/recovery/run", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, 0, run.Recovered)
}

func TestGateway_SyncSingleDeployment(t *testing.T) {
	gw := newTestGateway(t)
	attachAgent(gw, "srv-1", func(cmd *protocol.Command) *protocol.CommandResult {
		res := okAgent(cmd)
		if cmd.Action == protocol.ActionStatus {
			res.Data, _ = json.Marshal(protocol.AppState{Installed: true, Running: true})
		}
		return res
	})

	now := time.Now().UTC()
	require.NoError(t, gw.store.CreateDeployment(context.Background(), &store.Deployment{
		ID:        "dep-1",
		ServerID:  "srv-1",
		AppName:   "web",
		Status:    store.StatusUpdating,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	rec := doRequest(gw, http.MethodPost, "/api/deployments/dep-1/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res deploy.RecoveryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, deploy.ActionStatusSynced, res.Action)
	assert.Equal(t, store.StatusRunning, res.NewState)
}

func TestGateway_AuditEndpoint(t *testing.T) {
	gw := newTestGateway(t)
	attachAgent(gw, "srv-1", okAgent)

	rec := doRequest(gw, http.MethodPost, "/api/deployments", installRequest{
		ServerID: "srv-1",
		AppName:  "web",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(gw, http.MethodGet, "/api/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []auditResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.NotEmpty(t, entries)
	assert.Equal(t, "install_app", entries[0].Action)
}

func TestGateway_MetricsEndpoint(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(gw, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantName string
	}{
		{store.ErrNotFound, http.StatusNotFound, "not_found"},
		{store.ErrDuplicateDeployment, http.StatusConflict, "duplicate_deployment"},
		{deploy.ErrDeploymentBusy, http.StatusConflict, "deployment_busy"},
		{deploy.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
		{agent.ErrAgentNotConnected, http.StatusServiceUnavailable, "agent_unavailable"},
		{deploy.ErrCommandTimeout, http.StatusGatewayTimeout, "command_timeout"},
		{deploy.ErrCommandFailed, http.StatusBadGateway, "command_failed"},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.wantName, func(t *testing.T) {
			code, name := mapError(tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantName, name)
		})
	}
}
