// ABOUTME: Crash-recovery reconciler for deployments stuck in a transient status.
// ABOUTME: Repairs state left inconsistent by an orchestrator crash or agent disconnect.

package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetward/fleetward/internal/agent"
	"github.com/fleetward/fleetward/internal/protocol"
	"github.com/fleetward/fleetward/internal/store"
)

// RecoveryAction classifies what a recovery pass did to one deployment.
type RecoveryAction string

const (
	ActionMarkedError  RecoveryAction = "marked_error"
	ActionStatusSynced RecoveryAction = "status_synced"
	ActionNoAction     RecoveryAction = "no_action"
)

// DefaultStatusQueryTimeout bounds the "ask the agent what is actually
// installed" round trip during recovery. Shorter than the command timeout:
// a status query is cheap, and recovery walks deployments one at a time.
const DefaultStatusQueryTimeout = 10 * time.Second

// RecoveryResult describes the outcome of reconciling one deployment.
type RecoveryResult struct {
	DeploymentID  string                 `json:"deployment_id"`
	AppName       string                 `json:"app_name"`
	ServerID      string                 `json:"server_id"`
	PreviousState store.DeploymentStatus `json:"previous_state"`
	Action        RecoveryAction         `json:"action"`
	NewState      store.DeploymentStatus `json:"new_state,omitempty"`
	Message       string                 `json:"message"`
}

// StuckDeployment is one transient-status row annotated with live registry
// state, for the recovery status snapshot.
type StuckDeployment struct {
	ID            string                 `json:"id"`
	ServerID      string                 `json:"server_id"`
	AppName       string                 `json:"app_name"`
	Status        store.DeploymentStatus `json:"status"`
	StatusMessage string                 `json:"status_message"`
	UpdatedAt     time.Time              `json:"updated_at"`
	ServerOnline  bool                   `json:"server_online"`
}

// RecoveryStatus is the read-only snapshot returned by Status.
type RecoveryStatus struct {
	StuckDeployments []StuckDeployment `json:"stuck_deployments"`
	LastRecoveryRun  time.Time         `json:"last_recovery_run"`
	RecoveryResults  []RecoveryResult  `json:"recovery_results"`
}

// Recovery reconciles deployments left in a transient status by a crash,
// restart, or disconnect. It shares the deployer's lock manager so that
// reconciliation and operator requests for the same deployment serialize.
type Recovery struct {
	store  store.Store
	agents *agent.Manager
	locks  *LockManager
	logger *slog.Logger

	statusQueryTimeout time.Duration

	mu          sync.Mutex
	lastRun     time.Time
	lastResults []RecoveryResult
}

// NewRecovery creates the recovery service.
func NewRecovery(st store.Store, agents *agent.Manager, locks *LockManager, statusQueryTimeout time.Duration, logger *slog.Logger) *Recovery {
	if statusQueryTimeout <= 0 {
		statusQueryTimeout = DefaultStatusQueryTimeout
	}
	return &Recovery{
		store:              st,
		agents:             agents,
		locks:              locks,
		logger:             logger,
		statusQueryTimeout: statusQueryTimeout,
	}
}

// StuckDeployments returns every deployment whose status is transient.
// No side effects.
func (r *Recovery) StuckDeployments(ctx context.Context) ([]*store.Deployment, error) {
	return r.store.ListDeploymentsByStatus(ctx, store.TransientStatuses)
}

// SyncDeploymentState reconciles one deployment. It is a no-op if the
// deployment does not exist or is not in a transient status; otherwise it
// decides a known-good status under the deployment's lock:
//
//   - server offline: error, previous state recorded in the message
//   - agent confirms running: running
//   - agent confirms installed but not running: stopped
//   - agent says not installed: error
//   - ground truth unobtainable: conservative fallback by previous state
func (r *Recovery) SyncDeploymentState(ctx context.Context, deploymentID string) (*RecoveryResult, error) {
	dep, err := r.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		if err == store.ErrNotFound {
			return &RecoveryResult{
				DeploymentID: deploymentID,
				Action:       ActionNoAction,
				Message:      "deployment not found",
			}, nil
		}
		return nil, err
	}

	if !dep.Status.Transient() {
		return &RecoveryResult{
			DeploymentID:  dep.ID,
			AppName:       dep.AppName,
			ServerID:      dep.ServerID,
			PreviousState: dep.Status,
			Action:        ActionNoAction,
			Message:       fmt.Sprintf("status '%s' needs no recovery", dep.Status),
		}, nil
	}

	var result *RecoveryResult
	err = r.locks.WithLock(dep.ID, func() error {
		// Re-read under the lock: a queued operation may have settled the
		// status while we waited.
		current, err := r.store.GetDeployment(ctx, dep.ID)
		if err != nil {
			if err == store.ErrNotFound {
				result = &RecoveryResult{
					DeploymentID: dep.ID,
					Action:       ActionNoAction,
					Message:      "deployment not found",
				}
				return nil
			}
			return err
		}
		if !current.Status.Transient() {
			result = &RecoveryResult{
				DeploymentID:  current.ID,
				AppName:       current.AppName,
				ServerID:      current.ServerID,
				PreviousState: current.Status,
				Action:        ActionNoAction,
				Message:       fmt.Sprintf("status '%s' needs no recovery", current.Status),
			}
			return nil
		}

		result, err = r.reconcile(ctx, current)
		return err
	})
	if err != nil {
		return nil, err
	}

	if result.Action != ActionNoAction {
		r.audit(ctx, result)
	}
	return result, nil
}

// reconcile runs the recovery state machine for one transient deployment.
// Caller holds the deployment's lock.
func (r *Recovery) reconcile(ctx context.Context, dep *store.Deployment) (*RecoveryResult, error) {
	prev := dep.Status
	result := &RecoveryResult{
		DeploymentID:  dep.ID,
		AppName:       dep.AppName,
		ServerID:      dep.ServerID,
		PreviousState: prev,
	}

	if !r.agents.IsConnected(dep.ServerID) {
		result.Action = ActionMarkedError
		result.NewState = store.StatusError
		result.Message = fmt.Sprintf("Server offline, previous state was '%s'", prev)
		r.logger.Warn("stuck deployment on offline server",
			"deployment_id", dep.ID,
			"server_id", dep.ServerID,
			"previous_state", prev,
		)
		if err := r.store.UpdateDeploymentStatus(ctx, dep.ID, store.StatusError, result.Message); err != nil {
			return nil, err
		}
		return result, nil
	}

	state := r.queryAppState(ctx, dep)
	switch {
	case state == nil:
		// Ground truth unobtainable: conservative fallback by previous state.
		return r.applyFallback(ctx, dep, result)

	case state.Running:
		result.Action = ActionStatusSynced
		result.NewState = store.StatusRunning
		result.Message = fmt.Sprintf("App confirmed running after interrupted '%s' operation", prev)

	case state.Installed:
		result.Action = ActionStatusSynced
		result.NewState = store.StatusStopped
		result.Message = fmt.Sprintf("App installed but not running after interrupted '%s' operation", prev)

	default:
		result.Action = ActionMarkedError
		result.NewState = store.StatusError
		result.Message = fmt.Sprintf("App not found after incomplete '%s' operation", prev)
	}

	if err := r.store.UpdateDeploymentStatus(ctx, dep.ID, result.NewState, result.Message); err != nil {
		return nil, err
	}
	r.logger.Info("deployment state synced",
		"deployment_id", dep.ID,
		"previous_state", prev,
		"new_state", result.NewState,
	)
	return result, nil
}

// queryAppState asks the agent for the app's actual installed/running state.
// Returns nil when ground truth could not be established — the agent timed
// out, answered with an error, or sent an unparseable payload.
func (r *Recovery) queryAppState(ctx context.Context, dep *store.Deployment) *protocol.AppState {
	cmd := protocol.NewCommand(protocol.ActionStatus, dep.AppName, nil)
	res, err := r.agents.SendCommand(ctx, dep.ServerID, cmd, r.statusQueryTimeout)
	if err != nil {
		r.logger.Warn("status query failed",
			"deployment_id", dep.ID,
			"server_id", dep.ServerID,
			"error", err,
		)
		return nil
	}
	if res.Status != protocol.ResultSuccess {
		r.logger.Warn("status query unanswered",
			"deployment_id", dep.ID,
			"server_id", dep.ServerID,
			"result_status", res.Status,
		)
		return nil
	}
	return protocol.DecodeAppState(res.Data)
}

// applyFallback resolves a deployment whose ground truth could not be
// established. The table is deliberately conservative: only configuring maps
// to a non-error state, because reconfiguration implies the app was already
// installed before the operation began.
func (r *Recovery) applyFallback(ctx context.Context, dep *store.Deployment, result *RecoveryResult) (*RecoveryResult, error) {
	prev := dep.Status

	switch prev {
	case store.StatusConfiguring:
		result.Action = ActionStatusSynced
		result.NewState = store.StatusStopped
		result.Message = fmt.Sprintf("Operation '%s' interrupted; app assumed installed, marked stopped pending review", prev)
	case store.StatusInstalling:
		result.Action = ActionMarkedError
		result.NewState = store.StatusError
		result.Message = fmt.Sprintf("Operation '%s' interrupted; install never confirmed complete", prev)
	case store.StatusUninstalling:
		result.Action = ActionMarkedError
		result.NewState = store.StatusError
		result.Message = fmt.Sprintf("Operation '%s' interrupted; final state unknown, manual cleanup may be required", prev)
	default: // updating
		result.Action = ActionMarkedError
		result.NewState = store.StatusError
		result.Message = fmt.Sprintf("Operation '%s' interrupted; final state unknown", prev)
	}

	if err := r.store.UpdateDeploymentStatus(ctx, dep.ID, result.NewState, result.Message); err != nil {
		return nil, err
	}
	r.logger.Info("deployment recovered via fallback",
		"deployment_id", dep.ID,
		"previous_state", prev,
		"new_state", result.NewState,
	)
	return result, nil
}

// RecoverStuckDeployments reconciles every stuck deployment, one at a time —
// deliberately not in parallel, to avoid hammering many agents at once right
// after a restart. Per-deployment failures are recorded as marked_error
// results so one bad row cannot abort the batch, and nothing here ever
// panics its way out: startup must not be blocked by recovery.
func (r *Recovery) RecoverStuckDeployments(ctx context.Context) []RecoveryResult {
	started := time.Now().UTC()
	results := []RecoveryResult{}

	stuck, err := r.StuckDeployments(ctx)
	if err != nil {
		r.logger.Error("listing stuck deployments failed", "error", err)
		r.finish(started, results)
		return results
	}

	if len(stuck) > 0 {
		r.logger.Info("recovering stuck deployments", "count", len(stuck))
	}

	for _, dep := range stuck {
		res, err := r.SyncDeploymentState(ctx, dep.ID)
		if err != nil {
			r.logger.Error("recovery failed for deployment",
				"deployment_id", dep.ID,
				"error", err,
			)
			res = &RecoveryResult{
				DeploymentID:  dep.ID,
				AppName:       dep.AppName,
				ServerID:      dep.ServerID,
				PreviousState: dep.Status,
				Action:        ActionMarkedError,
				Message:       err.Error(),
			}
		}
		results = append(results, *res)
	}

	r.auditBatch(ctx, results)
	r.finish(started, results)
	return results
}

// finish records the run for later inspection via Status.
func (r *Recovery) finish(started time.Time, results []RecoveryResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRun = started
	r.lastResults = results
}

// Status returns a read-only snapshot: currently stuck deployments annotated
// with live connectivity, plus the last run's results.
func (r *Recovery) Status(ctx context.Context) (*RecoveryStatus, error) {
	stuck, err := r.StuckDeployments(ctx)
	if err != nil {
		return nil, err
	}

	annotated := make([]StuckDeployment, 0, len(stuck))
	for _, dep := range stuck {
		annotated = append(annotated, StuckDeployment{
			ID:            dep.ID,
			ServerID:      dep.ServerID,
			AppName:       dep.AppName,
			Status:        dep.Status,
			StatusMessage: dep.StatusMessage,
			UpdatedAt:     dep.UpdatedAt,
			ServerOnline:  r.agents.IsConnected(dep.ServerID),
		})
	}

	r.mu.Lock()
	lastRun := r.lastRun
	lastResults := make([]RecoveryResult, len(r.lastResults))
	copy(lastResults, r.lastResults)
	r.mu.Unlock()

	return &RecoveryStatus{
		StuckDeployments: annotated,
		LastRecoveryRun:  lastRun,
		RecoveryResults:  lastResults,
	}, nil
}

// audit writes a best-effort per-deployment audit entry.
func (r *Recovery) audit(ctx context.Context, result *RecoveryResult) {
	entry := &store.AuditEntry{
		Action:     store.AuditDeploymentSynced,
		TargetType: "deployment",
		TargetID:   result.DeploymentID,
		Detail: map[string]any{
			"previous_state": string(result.PreviousState),
			"new_state":      string(result.NewState),
			"action":         string(result.Action),
			"message":        result.Message,
		},
	}
	if err := r.store.AppendAuditLog(ctx, entry); err != nil {
		r.logger.Warn("audit write failed", "deployment_id", result.DeploymentID, "error", err)
	}
}

// auditBatch summarizes a recovery pass. Best-effort like every audit write.
func (r *Recovery) auditBatch(ctx context.Context, results []RecoveryResult) {
	counts := map[string]int{}
	for _, res := range results {
		counts[string(res.Action)]++
	}
	entry := &store.AuditEntry{
		Action:     store.AuditStateRecovery,
		TargetType: "recovery",
		TargetID:   "startup",
		Detail: map[string]any{
			"total":         len(results),
			"marked_error":  counts[string(ActionMarkedError)],
			"status_synced": counts[string(ActionStatusSynced)],
			"no_action":     counts[string(ActionNoAction)],
		},
	}
	if err := r.store.AppendAuditLog(ctx, entry); err != nil {
		r.logger.Warn("audit write failed", "action", store.AuditStateRecovery, "error", err)
	}
}
