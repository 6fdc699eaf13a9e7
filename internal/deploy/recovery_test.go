// ABOUTME: Tests for the crash-recovery reconciler.
// ABOUTME: Validates the offline rule, agent-confirmed sync, the fallback table, and batch runs.

package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetward/fleetward/internal/agent"
	"github.com/fleetward/fleetward/internal/protocol"
	"github.com/fleetward/fleetward/internal/store"
)

type recoveryHarness struct {
	store    *store.MockStore
	agents   *agent.Manager
	recovery *Recovery
	agent    *scriptedAgent
}

func newRecoveryHarness(t *testing.T, online bool, handle func(*protocol.Command) *protocol.CommandResult) *recoveryHarness {
	t.Helper()

	st := store.NewMockStore()
	mgr := agent.NewManager(testLogger())
	locks := NewLockManager()
	r := NewRecovery(st, mgr, locks, 100*time.Millisecond, testLogger())

	h := &recoveryHarness{store: st, agents: mgr, recovery: r}
	if online {
		scripted := &scriptedAgent{handle: handle}
		conn := agent.NewConnection(agent.ConnectionParams{
			ServerID: "srv-1",
			Stream:   scripted,
			Logger:   testLogger(),
		})
		scripted.conn = conn
		mgr.Register(conn)
		h.agent = scripted
	}
	return h
}

func (h *recoveryHarness) seed(t *testing.T, id string, status store.DeploymentStatus) {
	t.Helper()
	require.NoError(t, h.store.CreateDeployment(context.Background(), &store.Deployment{
		ID:       id,
		ServerID: "srv-1",
		AppName:  "app-" + id,
		Status:   status,
	}))
}

func statusAnswer(state protocol.AppState) func(*protocol.Command) *protocol.CommandResult {
	return func(cmd *protocol.Command) *protocol.CommandResult {
		res := &protocol.CommandResult{CommandID: cmd.ID, Status: protocol.ResultSuccess}
		if cmd.Action == protocol.ActionStatus {
			res.Data, _ = json.Marshal(state)
		}
		return res
	}
}

func TestRecovery_OfflineServer(t *testing.T) {
	for _, status := range store.TransientStatuses {
		t.Run(string(status), func(t *testing.T) {
			h := newRecoveryHarness(t, false, nil)
			h.seed(t, "dep-1", status)

			res, err := h.recovery.SyncDeploymentState(context.Background(), "dep-1")
			require.NoError(t, err)
			assert.Equal(t, ActionMarkedError, res.Action)
			assert.Equal(t, store.StatusError, res.NewState)
			assert.Contains(t, res.Message, "Server offline")
			assert.Contains(t, res.Message, string(status), "previous state must be preserved in the message")

			got, err := h.store.GetDeployment(context.Background(), "dep-1")
			require.NoError(t, err)
			assert.Equal(t, store.StatusError, got.Status)
		})
	}
}

func TestRecovery_AgentConfirmsRunning(t *testing.T) {
	h := newRecoveryHarness(t, true, statusAnswer(protocol.AppState{Installed: true, Running: true}))
	h.seed(t, "dep-1", store.StatusInstalling)

	res, err := h.recovery.SyncDeploymentState(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, ActionStatusSynced, res.Action)
	assert.Equal(t, store.StatusRunning, res.NewState)

	got, _ := h.store.GetDeployment(context.Background(), "dep-1")
	assert.Equal(t, store.StatusRunning, got.Status)
}

func TestRecovery_AgentConfirmsInstalledNotRunning(t *testing.T) {
	h := newRecoveryHarness(t, true, statusAnswer(protocol.AppState{Installed: true, Running: false}))
	h.seed(t, "dep-1", store.StatusUpdating)

	res, err := h.recovery.SyncDeploymentState(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, ActionStatusSynced, res.Action)
	assert.Equal(t, store.StatusStopped, res.NewState)
}

func TestRecovery_AppNotFound(t *testing.T) {
	h := newRecoveryHarness(t, true, statusAnswer(protocol.AppState{}))
	h.seed(t, "dep-1", store.StatusInstalling)

	res, err := h.recovery.SyncDeploymentState(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, ActionMarkedError, res.Action)
	assert.Equal(t, store.StatusError, res.NewState)
	assert.Contains(t, res.Message, "App not found")
	assert.Contains(t, res.Message, string(store.StatusInstalling))
}

func TestRecovery_FallbackTable(t *testing.T) {
	// The agent answers but the payload is garbage, so ground truth cannot be
	// established and the fallback by previous state applies.
	garbage := func(cmd *protocol.Command) *protocol.CommandResult {
		return &protocol.CommandResult{
			CommandID: cmd.ID,
			Status:    protocol.ResultSuccess,
			Data:      json.RawMessage(`"not an app state"`),
		}
	}

	tests := []struct {
		prev       store.DeploymentStatus
		wantAction RecoveryAction
		wantState  store.DeploymentStatus
	}{
		{store.StatusInstalling, ActionMarkedError, store.StatusError},
		{store.StatusConfiguring, ActionStatusSynced, store.StatusStopped},
		{store.StatusUpdating, ActionMarkedError, store.StatusError},
		{store.StatusUninstalling, ActionMarkedError, store.StatusError},
	}
	for _, tt := range tests {
		t.Run(string(tt.prev), func(t *testing.T) {
			h := newRecoveryHarness(t, true, garbage)
			h.seed(t, "dep-1", tt.prev)

			res, err := h.recovery.SyncDeploymentState(context.Background(), "dep-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, res.Action)
			assert.Equal(t, tt.wantState, res.NewState)
			assert.Contains(t, res.Message, "interrupted")

			got, _ := h.store.GetDeployment(context.Background(), "dep-1")
			assert.Equal(t, tt.wantState, got.Status)
		})
	}
}

func TestRecovery_FallbackOnStatusQueryTimeout(t *testing.T) {
	h := newRecoveryHarness(t, true, nil) // agent never answers
	h.seed(t, "dep-1", store.StatusConfiguring)

	res, err := h.recovery.SyncDeploymentState(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, ActionStatusSynced, res.Action)
	assert.Equal(t, store.StatusStopped, res.NewState)
}

func TestRecovery_NoActionForSettledStatus(t *testing.T) {
	h := newRecoveryHarness(t, true, nil)
	h.seed(t, "dep-1", store.StatusRunning)

	res, err := h.recovery.SyncDeploymentState(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, ActionNoAction, res.Action)

	got, _ := h.store.GetDeployment(context.Background(), "dep-1")
	assert.Equal(t, store.StatusRunning, got.Status, "settled rows must not be touched")
}

func TestRecovery_NoActionForMissingDeployment(t *testing.T) {
	h := newRecoveryHarness(t, true, nil)

	res, err := h.recovery.SyncDeploymentState(context.Background(), "no-such-id")
	require.NoError(t, err)
	assert.Equal(t, ActionNoAction, res.Action)
}

func TestRecovery_Idempotent(t *testing.T) {
	h := newRecoveryHarness(t, true, statusAnswer(protocol.AppState{Installed: true, Running: true}))
	h.seed(t, "dep-1", store.StatusInstalling)

	first, err := h.recovery.SyncDeploymentState(context.Background(), "dep-1")
	require.NoError(t, err)
	require.Equal(t, ActionStatusSynced, first.Action)

	// A second pass sees the settled status and does nothing.
	second, err := h.recovery.SyncDeploymentState(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, ActionNoAction, second.Action)
}

func TestRecovery_RecoverStuckDeployments(t *testing.T) {
	h := newRecoveryHarness(t, true, statusAnswer(protocol.AppState{Installed: true, Running: false}))
	h.seed(t, "dep-1", store.StatusInstalling)
	h.seed(t, "dep-2", store.StatusUpdating)
	h.seed(t, "dep-3", store.StatusRunning) // settled, must be skipped

	results := h.recovery.RecoverStuckDeployments(context.Background())
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, ActionStatusSynced, res.Action)
		assert.Equal(t, store.StatusStopped, res.NewState)
	}

	// Batch summary plus one entry per reconciled deployment.
	var batch, perDep int
	for _, e := range h.store.AuditEntries() {
		switch e.Action {
		case store.AuditStateRecovery:
			batch++
		case store.AuditDeploymentSynced:
			perDep++
		}
	}
	assert.Equal(t, 1, batch)
	assert.Equal(t, 2, perDep)
}

func TestRecovery_RecoverStuckDeployments_Empty(t *testing.T) {
	h := newRecoveryHarness(t, true, nil)

	results := h.recovery.RecoverStuckDeployments(context.Background())
	assert.NotNil(t, results)
	assert.Empty(t, results)

	status, err := h.recovery.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.LastRecoveryRun.IsZero(), "an empty run still counts as a run")
}

func TestRecovery_Status(t *testing.T) {
	h := newRecoveryHarness(t, false, nil)
	h.seed(t, "dep-1", store.StatusInstalling)

	status, err := h.recovery.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, status.StuckDeployments, 1)
	assert.Equal(t, "dep-1", status.StuckDeployments[0].ID)
	assert.False(t, status.StuckDeployments[0].ServerOnline)
	assert.True(t, status.LastRecoveryRun.IsZero())

	results := h.recovery.RecoverStuckDeployments(context.Background())
	require.Len(t, results, 1)

	status, err = h.recovery.Status(context.Background())
	require.NoError(t, err)
	assert.Empty(t, status.StuckDeployments, "reconciled rows are no longer stuck")
	assert.Len(t, status.RecoveryResults, 1)
	assert.False(t, status.LastRecoveryRun.IsZero())
}

func TestRecovery_AuditFailureDoesNotAbort(t *testing.T) {
	h := newRecoveryHarness(t, false, nil)
	h.seed(t, "dep-1", store.StatusInstalling)
	h.store.FailAudit = errors.New("audit table locked")

	results := h.recovery.RecoverStuckDeployments(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, ActionMarkedError, results[0].Action)

	got, _ := h.store.GetDeployment(context.Background(), "dep-1")
	assert.Equal(t, store.StatusError, got.Status)
}

func TestRecovery_SerializesWithDeployer(t *testing.T) {
	// Recovery and the deployer share a lock manager; a recovery pass for a
	// deployment must wait for the operation holding its lock.
	st := store.NewMockStore()
	mgr := agent.NewManager(testLogger())
	locks := NewLockManager()
	r := NewRecovery(st, mgr, locks, 100*time.Millisecond, testLogger())

	require.NoError(t, st.CreateDeployment(context.Background(), &store.Deployment{
		ID:       "dep-1",
		ServerID: "srv-1",
		AppName:  "web",
		Status:   store.StatusInstalling,
	}))

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = locks.WithLock("dep-1", func() error {
			close(entered)
			<-release
			// The operation settles the row before releasing the lock.
			return st.UpdateDeploymentStatus(context.Background(), "dep-1", store.StatusRunning, "settled")
		})
	}()
	<-entered

	done := make(chan *RecoveryResult, 1)
	go func() {
		res, err := r.SyncDeploymentState(context.Background(), "dep-1")
		require.NoError(t, err)
		done <- res
	}()

	select {
	case <-done:
		t.Fatal("recovery ran while the deployment's lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case res := <-done:
		// The re-read under the lock sees the settled status.
		assert.Equal(t, ActionNoAction, res.Action)
	case <-time.After(time.Second):
		t.Fatal("recovery never acquired the lock")
	}
}
