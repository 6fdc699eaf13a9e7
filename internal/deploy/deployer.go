// ABOUTME: Deployment lifecycle operations driving the command transport.
// ABOUTME: Each mutating operation runs under the deployment's lock and writes the resulting status.

package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetward/fleetward/internal/agent"
	"github.com/fleetward/fleetward/internal/protocol"
	"github.com/fleetward/fleetward/internal/store"
)

// Deployer errors. The HTTP layer maps these to distinct response codes.
var (
	ErrDeploymentBusy = errors.New("operation already in progress")
	ErrCommandTimeout = errors.New("command timed out")
	ErrCommandFailed  = errors.New("command failed")
	ErrInvalidRequest = errors.New("invalid request")
)

// DefaultCommandTimeout bounds one command round trip when the config does
// not override it.
const DefaultCommandTimeout = 60 * time.Second

// Deployer executes deployment lifecycle operations against remote agents.
// Every status-changing write happens while holding that deployment's lock.
type Deployer struct {
	store  store.Store
	agents *agent.Manager
	locks  *LockManager
	logger *slog.Logger

	commandTimeout time.Duration
}

// NewDeployer creates a Deployer. The lock manager is shared with the
// recovery service so that recovery and operator requests for the same
// deployment serialize against each other.
func NewDeployer(st store.Store, agents *agent.Manager, locks *LockManager, commandTimeout time.Duration, logger *slog.Logger) *Deployer {
	if commandTimeout <= 0 {
		commandTimeout = DefaultCommandTimeout
	}
	return &Deployer{
		store:          st,
		agents:         agents,
		locks:          locks,
		logger:         logger,
		commandTimeout: commandTimeout,
	}
}

// InstallRequest describes a new deployment.
type InstallRequest struct {
	ServerID string
	AppName  string
	Version  string
	Config   json.RawMessage
	Start    bool // start the app once installed and configured
}

// installPayload is the command payload for the install action.
type installPayload struct {
	Version string          `json:"version,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// configurePayload is the command payload for the configure action.
type configurePayload struct {
	Config json.RawMessage `json:"config,omitempty"`
}

// Install creates a deployment row and drives install, configure and
// optionally start on the target agent. The row is created in pending before
// the lock is taken; everything after runs under the deployment's lock.
func (d *Deployer) Install(ctx context.Context, req InstallRequest) (*store.Deployment, error) {
	if req.ServerID == "" || req.AppName == "" {
		return nil, fmt.Errorf("%w: server id and app name are required", ErrInvalidRequest)
	}
	if !d.agents.IsConnected(req.ServerID) {
		return nil, fmt.Errorf("%w: %s", agent.ErrAgentNotConnected, req.ServerID)
	}

	now := time.Now().UTC()
	dep := &store.Deployment{
		ID:        uuid.New().String(),
		ServerID:  req.ServerID,
		AppName:   req.AppName,
		Version:   req.Version,
		Config:    req.Config,
		Status:    store.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.CreateDeployment(ctx, dep); err != nil {
		return nil, err
	}

	err := d.locks.WithLock(dep.ID, func() error {
		if err := d.setStatus(ctx, dep.ID, store.StatusInstalling, "Installing "+req.AppName); err != nil {
			return err
		}

		payload, _ := json.Marshal(installPayload{Version: req.Version, Config: req.Config})
		if _, err := d.roundTrip(ctx, dep, protocol.ActionInstall, payload); err != nil {
			return err
		}

		if err := d.setStatus(ctx, dep.ID, store.StatusConfiguring, "Applying configuration"); err != nil {
			return err
		}
		confPayload, _ := json.Marshal(configurePayload{Config: req.Config})
		if _, err := d.roundTrip(ctx, dep, protocol.ActionConfigure, confPayload); err != nil {
			return err
		}

		if req.Start {
			if _, err := d.roundTrip(ctx, dep, protocol.ActionStart, nil); err != nil {
				return err
			}
			return d.setStatus(ctx, dep.ID, store.StatusRunning, "Installed and started")
		}
		return d.setStatus(ctx, dep.ID, store.StatusStopped, "Installed")
	})
	if err != nil {
		return d.reload(ctx, dep.ID, err)
	}

	d.audit(ctx, store.AuditInstallApp, dep.ID, map[string]any{
		"server_id": req.ServerID,
		"app":       req.AppName,
		"version":   req.Version,
	})
	return d.reload(ctx, dep.ID, nil)
}

// Configure pushes a new config blob to an installed app.
func (d *Deployer) Configure(ctx context.Context, id string, config json.RawMessage) (*store.Deployment, error) {
	dep, err := d.begin(ctx, id)
	if err != nil {
		return nil, err
	}

	err = d.locks.WithLock(id, func() error {
		if err := d.checkIdle(ctx, id); err != nil {
			return err
		}
		if err := d.store.UpdateDeploymentConfig(ctx, id, config); err != nil {
			return err
		}
		if err := d.setStatus(ctx, id, store.StatusConfiguring, "Applying configuration"); err != nil {
			return err
		}

		payload, _ := json.Marshal(configurePayload{Config: config})
		res, err := d.roundTrip(ctx, dep, protocol.ActionConfigure, payload)
		if err != nil {
			return err
		}

		// The agent reports whether the app came back up after
		// reconfiguration; absent that, assume it needs a manual start.
		if st := protocol.DecodeAppState(res.Data); st != nil && st.Running {
			return d.setStatus(ctx, id, store.StatusRunning, "Configuration applied")
		}
		return d.setStatus(ctx, id, store.StatusStopped, "Configuration applied")
	})
	if err != nil {
		return d.reload(ctx, id, err)
	}

	d.audit(ctx, store.AuditConfigureApp, id, nil)
	return d.reload(ctx, id, nil)
}

// Start starts a stopped app.
func (d *Deployer) Start(ctx context.Context, id string) (*store.Deployment, error) {
	return d.runControl(ctx, id, protocol.ActionStart, store.StatusRunning, "Started", store.AuditStartApp)
}

// Stop stops a running app.
func (d *Deployer) Stop(ctx context.Context, id string) (*store.Deployment, error) {
	return d.runControl(ctx, id, protocol.ActionStop, store.StatusStopped, "Stopped", store.AuditStopApp)
}

// Restart restarts an app.
func (d *Deployer) Restart(ctx context.Context, id string) (*store.Deployment, error) {
	return d.runControl(ctx, id, protocol.ActionRestart, store.StatusRunning, "Restarted", store.AuditRestartApp)
}

// runControl is the shared body of Start, Stop and Restart: a single round
// trip with no transient status, since nothing needs reconciling if the
// process dies mid-flight — the row keeps its last confirmed state.
func (d *Deployer) runControl(ctx context.Context, id, action string, okStatus store.DeploymentStatus, okMessage string, auditAction store.AuditAction) (*store.Deployment, error) {
	dep, err := d.begin(ctx, id)
	if err != nil {
		return nil, err
	}

	err = d.locks.WithLock(id, func() error {
		if err := d.checkIdle(ctx, id); err != nil {
			return err
		}
		if _, err := d.roundTrip(ctx, dep, action, nil); err != nil {
			return err
		}
		return d.setStatus(ctx, id, okStatus, okMessage)
	})
	if err != nil {
		return d.reload(ctx, id, err)
	}

	d.audit(ctx, auditAction, id, nil)
	return d.reload(ctx, id, nil)
}

// Update moves a deployment to a new version and leaves it running.
func (d *Deployer) Update(ctx context.Context, id, version string, config json.RawMessage) (*store.Deployment, error) {
	if version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidRequest)
	}
	dep, err := d.begin(ctx, id)
	if err != nil {
		return nil, err
	}

	err = d.locks.WithLock(id, func() error {
		if err := d.checkIdle(ctx, id); err != nil {
			return err
		}
		if err := d.setStatus(ctx, id, store.StatusUpdating, "Updating to "+version); err != nil {
			return err
		}

		if len(config) > 0 {
			if err := d.store.UpdateDeploymentConfig(ctx, id, config); err != nil {
				return err
			}
		}
		payload, _ := json.Marshal(installPayload{Version: version, Config: config})
		if _, err := d.roundTrip(ctx, dep, protocol.ActionUpdate, payload); err != nil {
			return err
		}

		if err := d.store.UpdateDeploymentVersion(ctx, id, version); err != nil {
			return err
		}
		return d.setStatus(ctx, id, store.StatusRunning, "Updated to "+version)
	})
	if err != nil {
		return d.reload(ctx, id, err)
	}

	d.audit(ctx, store.AuditUpdateApp, id, map[string]any{"version": version})
	return d.reload(ctx, id, nil)
}

// Uninstall removes the app from its server and deletes the deployment row.
// The row is deleted only when the uninstall completes successfully.
func (d *Deployer) Uninstall(ctx context.Context, id string) error {
	dep, err := d.begin(ctx, id)
	if err != nil {
		return err
	}

	err = d.locks.WithLock(id, func() error {
		if err := d.checkIdle(ctx, id); err != nil {
			return err
		}
		if err := d.setStatus(ctx, id, store.StatusUninstalling, "Uninstalling "+dep.AppName); err != nil {
			return err
		}
		if _, err := d.roundTrip(ctx, dep, protocol.ActionUninstall, nil); err != nil {
			return err
		}
		return d.store.DeleteDeployment(ctx, id)
	})
	if err != nil {
		return err
	}

	d.audit(ctx, store.AuditUninstallApp, id, map[string]any{
		"server_id": dep.ServerID,
		"app":       dep.AppName,
	})
	return nil
}

// Logs fetches recent log output for an app. Read-only, so it takes no lock
// and changes no status.
func (d *Deployer) Logs(ctx context.Context, id string, lines int) (json.RawMessage, error) {
	dep, err := d.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]int{"lines": lines})
	cmd := protocol.NewCommand(protocol.ActionGetLogs, dep.AppName, payload)
	res, err := d.agents.SendCommand(ctx, dep.ServerID, cmd, d.commandTimeout)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case protocol.ResultTimeout:
		return nil, fmt.Errorf("%w: %s", ErrCommandTimeout, protocol.ActionGetLogs)
	case protocol.ResultError:
		return nil, fmt.Errorf("%w: %s", ErrCommandFailed, res.Message)
	}
	return res.Data, nil
}

// begin loads the deployment and fails fast if its agent is offline. The
// authoritative busy check happens again inside the lock.
func (d *Deployer) begin(ctx context.Context, id string) (*store.Deployment, error) {
	dep, err := d.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.agents.IsConnected(dep.ServerID) {
		return nil, fmt.Errorf("%w: %s", agent.ErrAgentNotConnected, dep.ServerID)
	}
	return dep, nil
}

// checkIdle rejects an operation if the row is in a transient state. That
// only happens when a previous operation was cut short by a crash — the
// recovery service, not another operation, is the way out.
func (d *Deployer) checkIdle(ctx context.Context, id string) error {
	dep, err := d.store.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	if dep.Status.Transient() {
		return fmt.Errorf("%w: deployment %s is %s", ErrDeploymentBusy, id, dep.Status)
	}
	return nil
}

// roundTrip performs one command round trip and converts every failure mode
// into an error status on the deployment plus a typed error for the caller.
// The transport itself never touches the row; this is the one place where
// its verdict is applied.
func (d *Deployer) roundTrip(ctx context.Context, dep *store.Deployment, action string, payload json.RawMessage) (*protocol.CommandResult, error) {
	cmd := protocol.NewCommand(action, dep.AppName, payload)
	res, err := d.agents.SendCommand(ctx, dep.ServerID, cmd, d.commandTimeout)
	if err != nil {
		d.markError(ctx, dep.ID, fmt.Sprintf("Agent unreachable during '%s': %v", action, err))
		return nil, err
	}

	switch res.Status {
	case protocol.ResultSuccess:
		return res, nil
	case protocol.ResultTimeout:
		msg := fmt.Sprintf("'%s' timed out after %s", action, d.commandTimeout)
		d.markError(ctx, dep.ID, msg)
		return nil, fmt.Errorf("%w: %s", ErrCommandTimeout, action)
	default:
		msg := fmt.Sprintf("'%s' failed: %s", action, res.Message)
		d.markError(ctx, dep.ID, msg)
		return nil, fmt.Errorf("%w: %s: %s", ErrCommandFailed, action, res.Message)
	}
}

func (d *Deployer) setStatus(ctx context.Context, id string, status store.DeploymentStatus, message string) error {
	return d.store.UpdateDeploymentStatus(ctx, id, status, message)
}

// markError is best-effort: by the time we are recording a failure there is
// nothing useful to do with a second one.
func (d *Deployer) markError(ctx context.Context, id, message string) {
	if err := d.store.UpdateDeploymentStatus(ctx, id, store.StatusError, message); err != nil {
		d.logger.Error("failed to record deployment error", "deployment_id", id, "error", err)
	}
}

// reload returns the current row alongside the operation's error so callers
// always see the status the operation left behind. Deleted rows fall back to
// the error alone.
func (d *Deployer) reload(ctx context.Context, id string, opErr error) (*store.Deployment, error) {
	dep, err := d.store.GetDeployment(ctx, id)
	if err != nil {
		if opErr != nil {
			return nil, opErr
		}
		return nil, err
	}
	return dep, opErr
}

// audit writes a best-effort audit entry. Failures are logged and discarded;
// they must never fail the operation that triggered them.
func (d *Deployer) audit(ctx context.Context, action store.AuditAction, deploymentID string, detail map[string]any) {
	entry := &store.AuditEntry{
		Action:     action,
		TargetType: "deployment",
		TargetID:   deploymentID,
		Detail:     detail,
	}
	if err := d.store.AppendAuditLog(ctx, entry); err != nil {
		d.logger.Warn("audit write failed", "action", action, "deployment_id", deploymentID, "error", err)
	}
}
