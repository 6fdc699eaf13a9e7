// ABOUTME: Store interface and data types for fleetward persistence
// ABOUTME: Defines Deployment, Server structs and the Store interface for database operations

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateDeployment is returned when an app is already deployed to a server
var ErrDuplicateDeployment = errors.New("deployment already exists")

// DeploymentStatus is the persisted lifecycle state of a deployment.
type DeploymentStatus string

const (
	StatusPending      DeploymentStatus = "pending"
	StatusInstalling   DeploymentStatus = "installing"
	StatusConfiguring  DeploymentStatus = "configuring"
	StatusRunning      DeploymentStatus = "running"
	StatusStopped      DeploymentStatus = "stopped"
	StatusError        DeploymentStatus = "error"
	StatusUpdating     DeploymentStatus = "updating"
	StatusUninstalling DeploymentStatus = "uninstalling"
)

// TransientStatuses are the states that denote an operation believed to be in
// progress. A deployment observed in one of these states is of unknown ground
// truth until reconciled by the recovery service.
var TransientStatuses = []DeploymentStatus{
	StatusInstalling,
	StatusConfiguring,
	StatusUpdating,
	StatusUninstalling,
}

// Transient reports whether the status denotes an in-progress operation.
func (s DeploymentStatus) Transient() bool {
	switch s {
	case StatusInstalling, StatusConfiguring, StatusUpdating, StatusUninstalling:
		return true
	}
	return false
}

// Valid reports whether the status is one of the known lifecycle states.
func (s DeploymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInstalling, StatusConfiguring, StatusRunning,
		StatusStopped, StatusError, StatusUpdating, StatusUninstalling:
		return true
	}
	return false
}

// Deployment represents one installation of a named app on a managed server.
type Deployment struct {
	ID            string
	ServerID      string
	AppName       string
	Version       string
	Config        json.RawMessage // opaque app configuration blob
	Status        DeploymentStatus
	StatusMessage string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Server represents a managed server known to the orchestrator. Liveness is
// tracked by the in-memory connection registry, not here; LastSeenAt only
// records the most recent handshake or status report.
type Server struct {
	ID         string
	Name       string
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// Store defines the persistence operations for fleetward
type Store interface {
	// Deployment operations
	CreateDeployment(ctx context.Context, d *Deployment) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	GetDeploymentByServerApp(ctx context.Context, serverID, appName string) (*Deployment, error)
	ListDeployments(ctx context.Context) ([]*Deployment, error)
	ListDeploymentsByStatus(ctx context.Context, statuses []DeploymentStatus) ([]*Deployment, error)
	// UpdateDeploymentStatus writes status, status_message and updated_at as a
	// single atomic write. All callers hold the deployment's lock.
	UpdateDeploymentStatus(ctx context.Context, id string, status DeploymentStatus, statusMessage string) error
	UpdateDeploymentVersion(ctx context.Context, id, version string) error
	UpdateDeploymentConfig(ctx context.Context, id string, config json.RawMessage) error
	DeleteDeployment(ctx context.Context, id string) error

	// Server operations
	UpsertServer(ctx context.Context, srv *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	ListServers(ctx context.Context) ([]*Server, error)
	TouchServer(ctx context.Context, id string, seenAt time.Time) error

	// Audit log operations
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error)

	// Close releases database resources
	Close() error
}
