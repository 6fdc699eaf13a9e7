// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	deployments map[string]*Deployment // keyed by deployment ID
	servers     map[string]*Server     // keyed by server ID
	audit       []*AuditEntry

	// FailAudit makes AppendAuditLog return an error, for testing that audit
	// failures never propagate.
	FailAudit error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		deployments: make(map[string]*Deployment),
		servers:     make(map[string]*Server),
	}
}

// CreateDeployment stores a new deployment.
func (m *MockStore) CreateDeployment(ctx context.Context, d *Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.deployments {
		if existing.ServerID == d.ServerID && existing.AppName == d.AppName {
			return ErrDuplicateDeployment
		}
	}

	// Make a copy to avoid external modification
	cp := *d
	m.deployments[cp.ID] = &cp
	return nil
}

// GetDeployment retrieves a deployment by ID.
func (m *MockStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// GetDeploymentByServerApp retrieves a deployment by its (server, app) pair.
func (m *MockStore) GetDeploymentByServerApp(ctx context.Context, serverID, appName string) (*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.deployments {
		if d.ServerID == serverID && d.AppName == appName {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListDeployments returns all deployments ordered by creation time.
func (m *MockStore) ListDeployments(ctx context.Context) ([]*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	deployments := make([]*Deployment, 0, len(m.deployments))
	for _, d := range m.deployments {
		cp := *d
		deployments = append(deployments, &cp)
	}
	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].CreatedAt.Before(deployments[j].CreatedAt)
	})
	return deployments, nil
}

// ListDeploymentsByStatus returns deployments whose status is in the given set.
func (m *MockStore) ListDeploymentsByStatus(ctx context.Context, statuses []DeploymentStatus) ([]*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[DeploymentStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var deployments []*Deployment
	for _, d := range m.deployments {
		if want[d.Status] {
			cp := *d
			deployments = append(deployments, &cp)
		}
	}
	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].CreatedAt.Before(deployments[j].CreatedAt)
	})
	return deployments, nil
}

// UpdateDeploymentStatus writes status, message and updated_at together.
func (m *MockStore) UpdateDeploymentStatus(ctx context.Context, id string, status DeploymentStatus, statusMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deployments[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.StatusMessage = statusMessage
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateDeploymentVersion sets the deployed version.
func (m *MockStore) UpdateDeploymentVersion(ctx context.Context, id, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deployments[id]
	if !ok {
		return ErrNotFound
	}
	d.Version = version
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateDeploymentConfig replaces the stored config blob.
func (m *MockStore) UpdateDeploymentConfig(ctx context.Context, id string, config json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deployments[id]
	if !ok {
		return ErrNotFound
	}
	d.Config = append(json.RawMessage(nil), config...)
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteDeployment removes a deployment.
func (m *MockStore) DeleteDeployment(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deployments[id]; !ok {
		return ErrNotFound
	}
	delete(m.deployments, id)
	return nil
}

// UpsertServer inserts or refreshes a server.
func (m *MockStore) UpsertServer(ctx context.Context, srv *Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.servers[srv.ID]; ok {
		existing.Name = srv.Name
		existing.LastSeenAt = srv.LastSeenAt
		return nil
	}
	cp := *srv
	m.servers[cp.ID] = &cp
	return nil
}

// GetServer retrieves a server by ID.
func (m *MockStore) GetServer(ctx context.Context, id string) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	srv, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *srv
	return &cp, nil
}

// ListServers returns all servers ordered by name.
func (m *MockStore) ListServers(ctx context.Context) ([]*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	servers := make([]*Server, 0, len(m.servers))
	for _, srv := range m.servers {
		cp := *srv
		servers = append(servers, &cp)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers, nil
}

// TouchServer refreshes a server's last-seen time.
func (m *MockStore) TouchServer(ctx context.Context, id string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if srv, ok := m.servers[id]; ok {
		srv.LastSeenAt = seenAt
	}
	return nil
}

// AppendAuditLog appends an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailAudit != nil {
		return m.FailAudit
	}

	cp := *e
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, &cp)
	return nil
}

// ListAuditLog returns the most recent audit entries, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.audit) {
		limit = len(m.audit)
	}

	entries := make([]*AuditEntry, 0, limit)
	for i := len(m.audit) - 1; i >= 0 && len(entries) < limit; i-- {
		cp := *m.audit[i]
		entries = append(entries, &cp)
	}
	return entries, nil
}

// AuditEntries returns a snapshot of all audit entries in append order.
// Test helper, not part of the Store interface.
func (m *MockStore) AuditEntries() []*AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*AuditEntry, len(m.audit))
	copy(entries, m.audit)
	return entries
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
