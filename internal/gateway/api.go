// ABOUTME: HTTP API handlers for the operational surface of the orchestrator.
// ABOUTME: JSON request/response types and error mapping for deployment operations.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fleetward/fleetward/internal/agent"
	"github.com/fleetward/fleetward/internal/deploy"
	"github.com/fleetward/fleetward/internal/store"
)

// deploymentResponse is the JSON shape of one deployment.
type deploymentResponse struct {
	ID            string          `json:"id"`
	ServerID      string          `json:"server_id"`
	AppName       string          `json:"app_name"`
	Version       string          `json:"version,omitempty"`
	Config        json.RawMessage `json:"config,omitempty"`
	Status        string          `json:"status"`
	StatusMessage string          `json:"status_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func toDeploymentResponse(d *store.Deployment) deploymentResponse {
	return deploymentResponse{
		ID:            d.ID,
		ServerID:      d.ServerID,
		AppName:       d.AppName,
		Version:       d.Version,
		Config:        d.Config,
		Status:        string(d.Status),
		StatusMessage: d.StatusMessage,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

// installRequest is the POST /api/deployments body.
type installRequest struct {
	ServerID string          `json:"server_id"`
	AppName  string          `json:"app_name"`
	Version  string          `json:"version,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
	Start    bool            `json:"start,omitempty"`
}

// configureRequest is the configure/update body.
type configureRequest struct {
	Version string          `json:"version,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

type agentResponse struct {
	ServerID     string    `json:"server_id"`
	Name         string    `json:"name,omitempty"`
	Version      string    `json:"version,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastReportAt time.Time `json:"last_report_at,omitempty"`
}

type serverResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Online     bool      `json:"online"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

type auditResponse struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// handleDeployments routes /api/deployments.
func (g *Gateway) handleDeployments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		deps, err := g.store.ListDeployments(r.Context())
		if err != nil {
			g.sendError(w, err)
			return
		}
		out := make([]deploymentResponse, 0, len(deps))
		for _, d := range deps {
			out = append(out, toDeploymentResponse(d))
		}
		g.sendJSON(w, http.StatusOK, out)

	case http.MethodPost:
		var req installRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		dep, err := g.deployer.Install(r.Context(), deploy.InstallRequest{
			ServerID: req.ServerID,
			AppName:  req.AppName,
			Version:  req.Version,
			Config:   req.Config,
			Start:    req.Start,
		})
		if err != nil {
			g.sendOperationResult(w, dep, err)
			return
		}
		g.sendJSON(w, http.StatusCreated, toDeploymentResponse(dep))

	default:
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// handleDeploymentRoutes routes /api/deployments/{id} and
// /api/deployments/{id}/{action}.
func (g *Gateway) handleDeploymentRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/deployments/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		g.sendJSONError(w, http.StatusBadRequest, "invalid_request", "deployment id required")
		return
	}

	if action == "" {
		switch r.Method {
		case http.MethodGet:
			dep, err := g.store.GetDeployment(r.Context(), id)
			if err != nil {
				g.sendError(w, err)
				return
			}
			g.sendJSON(w, http.StatusOK, toDeploymentResponse(dep))
		case http.MethodDelete:
			if err := g.deployer.Uninstall(r.Context(), id); err != nil {
				g.sendError(w, err)
				return
			}
			g.sendJSON(w, http.StatusOK, map[string]string{"status": "uninstalled", "id": id})
		default:
			g.sendJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		}
		return
	}

	if action == "logs" {
		if r.Method != http.MethodGet {
			g.sendJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		g.handleDeploymentLogs(w, r, id)
		return
	}

	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	switch action {
	case "start":
		dep, err := g.deployer.Start(r.Context(), id)
		g.sendOperationResult(w, dep, err)
	case "stop":
		dep, err := g.deployer.Stop(r.Context(), id)
		g.sendOperationResult(w, dep, err)
	case "restart":
		dep, err := g.deployer.Restart(r.Context(), id)
		g.sendOperationResult(w, dep, err)
	case "configure":
		var req configureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		dep, err := g.deployer.Configure(r.Context(), id, req.Config)
		g.sendOperationResult(w, dep, err)
	case "update":
		var req configureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		dep, err := g.deployer.Update(r.Context(), id, req.Version, req.Config)
		g.sendOperationResult(w, dep, err)
	case "sync":
		res, err := g.recovery.SyncDeploymentState(r.Context(), id)
		if err != nil {
			g.sendError(w, err)
			return
		}
		g.metrics.recoveriesTotal.WithLabelValues(string(res.Action)).Inc()
		g.sendJSON(w, http.StatusOK, res)
	default:
		g.sendJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown action %q", action))
	}
}

// handleDeploymentLogs fetches recent log lines from the deployment's agent.
func (g *Gateway) handleDeploymentLogs(w http.ResponseWriter, r *http.Request, id string) {
	lines := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid_request", "lines must be a positive integer")
			return
		}
		lines = n
	}

	data, err := g.deployer.Logs(r.Context(), id, lines)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]json.RawMessage{"logs": data})
}

// handleListAgents returns currently connected agents from the live registry.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	infos := g.agentManager.ListAgents()
	out := make([]agentResponse, 0, len(infos))
	for _, a := range infos {
		out = append(out, agentResponse{
			ServerID:     a.ServerID,
			Name:         a.Name,
			Version:      a.Version,
			ConnectedAt:  a.ConnectedAt,
			LastReportAt: a.LastReportAt,
		})
	}
	g.sendJSON(w, http.StatusOK, out)
}

// handleListServers returns all known servers with live connectivity merged in.
func (g *Gateway) handleListServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	servers, err := g.store.ListServers(r.Context())
	if err != nil {
		g.sendError(w, err)
		return
	}
	out := make([]serverResponse, 0, len(servers))
	for _, s := range servers {
		out = append(out, serverResponse{
			ID:         s.ID,
			Name:       s.Name,
			Online:     g.agentManager.IsConnected(s.ID),
			CreatedAt:  s.CreatedAt,
			LastSeenAt: s.LastSeenAt,
		})
	}
	g.sendJSON(w, http.StatusOK, out)
}

// handleRecoveryRun triggers a full recovery pass.
func (g *Gateway) handleRecoveryRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	results := g.recovery.RecoverStuckDeployments(r.Context())
	for _, res := range results {
		g.metrics.recoveriesTotal.WithLabelValues(string(res.Action)).Inc()
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"recovered": len(results),
		"results":   results,
	})
}

// handleRecoveryStatus returns the recovery snapshot.
func (g *Gateway) handleRecoveryStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	status, err := g.recovery.Status(r.Context())
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, status)
}

// handleAuditLog returns recent audit entries, newest first.
func (g *Gateway) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := g.store.ListAuditLog(r.Context(), limit)
	if err != nil {
		g.sendError(w, err)
		return
	}
	out := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditResponse{
			ID:         e.ID,
			Action:     string(e.Action),
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  e.Timestamp,
			Detail:     e.Detail,
		})
	}
	g.sendJSON(w, http.StatusOK, out)
}

// sendOperationResult writes the deployment state an operation left behind.
// When the operation failed but the row survived, the row rides along in the
// error payload so the caller sees the status without a second request.
func (g *Gateway) sendOperationResult(w http.ResponseWriter, dep *store.Deployment, err error) {
	if err == nil {
		g.sendJSON(w, http.StatusOK, toDeploymentResponse(dep))
		return
	}

	status, code := mapError(err)
	body := map[string]any{
		"error":   code,
		"message": err.Error(),
	}
	if dep != nil {
		body["deployment"] = toDeploymentResponse(dep)
	}
	g.sendJSON(w, status, body)
}

// mapError converts a domain error into an HTTP status and stable error code.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrDuplicateDeployment):
		return http.StatusConflict, "duplicate_deployment"
	case errors.Is(err, deploy.ErrDeploymentBusy):
		return http.StatusConflict, "deployment_busy"
	case errors.Is(err, deploy.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, agent.ErrAgentNotConnected),
		errors.Is(err, agent.ErrAgentDisconnected),
		errors.Is(err, agent.ErrAgentReplaced):
		return http.StatusServiceUnavailable, "agent_unavailable"
	case errors.Is(err, deploy.ErrCommandTimeout):
		return http.StatusGatewayTimeout, "command_timeout"
	case errors.Is(err, deploy.ErrCommandFailed):
		return http.StatusBadGateway, "command_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (g *Gateway) sendError(w http.ResponseWriter, err error) {
	status, code := mapError(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
	}
	g.sendJSONError(w, status, code, err.Error())
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, code, message string) {
	g.sendJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}
