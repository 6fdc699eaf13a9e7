// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides deployment/server persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS deployments (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			app_name TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			config TEXT,
			status TEXT NOT NULL,
			status_message TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('pending', 'installing', 'configuring', 'running',
				'stopped', 'error', 'updating', 'uninstalling'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_deployments_server_app
			ON deployments(server_id, app_name);

		CREATE INDEX IF NOT EXISTS idx_deployments_status
			ON deployments(status);

		CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp
			ON audit_log(timestamp);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateDeployment inserts a new deployment row.
// Returns ErrDuplicateDeployment if the (server, app) pair already exists.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *Deployment) error {
	query := `
		INSERT INTO deployments (id, server_id, app_name, version, config, status, status_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var config any
	if len(d.Config) > 0 {
		config = string(d.Config)
	}

	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		d.ServerID,
		d.AppName,
		d.Version,
		config,
		string(d.Status),
		d.StatusMessage,
		d.CreatedAt.UTC().Format(time.RFC3339),
		d.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateDeployment
		}
		return fmt.Errorf("inserting deployment: %w", err)
	}

	s.logger.Debug("created deployment", "id", d.ID, "server_id", d.ServerID, "app", d.AppName)
	return nil
}

const deploymentColumns = `id, server_id, app_name, version, config, status, status_message, created_at, updated_at`

// scanDeployment scans one deployment row from a *sql.Row or *sql.Rows.
func scanDeployment(scan func(dest ...any) error) (*Deployment, error) {
	var d Deployment
	var config sql.NullString
	var status, createdAtStr, updatedAtStr string

	if err := scan(
		&d.ID,
		&d.ServerID,
		&d.AppName,
		&d.Version,
		&config,
		&status,
		&d.StatusMessage,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	if config.Valid && config.String != "" {
		d.Config = json.RawMessage(config.String)
	}
	d.Status = DeploymentStatus(status)

	var err error
	d.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &d, nil
}

// GetDeployment retrieves a deployment by ID.
// Returns ErrNotFound if the deployment doesn't exist.
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	d, err := scanDeployment(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying deployment: %w", err)
	}
	return d, nil
}

// GetDeploymentByServerApp retrieves a deployment by its (server, app) pair.
// Returns ErrNotFound if no such deployment exists.
func (s *SQLiteStore) GetDeploymentByServerApp(ctx context.Context, serverID, appName string) (*Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE server_id = ? AND app_name = ?`

	row := s.db.QueryRowContext(ctx, query, serverID, appName)
	d, err := scanDeployment(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying deployment: %w", err)
	}
	return d, nil
}

// ListDeployments returns all deployments ordered by creation time.
func (s *SQLiteStore) ListDeployments(ctx context.Context) ([]*Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying deployments: %w", err)
	}
	defer rows.Close()

	return collectDeployments(rows)
}

// ListDeploymentsByStatus returns all deployments whose status is in the
// given set, ordered by creation time.
func (s *SQLiteStore) ListDeploymentsByStatus(ctx context.Context, statuses []DeploymentStatus) ([]*Deployment, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE status IN (` + placeholders + `) ORDER BY created_at`

	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deployments by status: %w", err)
	}
	defer rows.Close()

	return collectDeployments(rows)
}

func collectDeployments(rows *sql.Rows) ([]*Deployment, error) {
	var deployments []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deployments: %w", err)
	}
	return deployments, nil
}

// UpdateDeploymentStatus writes status, status_message and updated_at in a
// single statement. Returns ErrNotFound if the deployment doesn't exist.
func (s *SQLiteStore) UpdateDeploymentStatus(ctx context.Context, id string, status DeploymentStatus, statusMessage string) error {
	query := `
		UPDATE deployments
		SET status = ?, status_message = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(status),
		statusMessage,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating deployment status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated deployment status", "id", id, "status", status)
	return nil
}

// UpdateDeploymentVersion sets the deployed version.
// Returns ErrNotFound if the deployment doesn't exist.
func (s *SQLiteStore) UpdateDeploymentVersion(ctx context.Context, id, version string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET version = ?, updated_at = ? WHERE id = ?`,
		version, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating deployment version: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDeploymentConfig replaces the stored config blob.
// Returns ErrNotFound if the deployment doesn't exist.
func (s *SQLiteStore) UpdateDeploymentConfig(ctx context.Context, id string, config json.RawMessage) error {
	var value any
	if len(config) > 0 {
		value = string(config)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET config = ?, updated_at = ? WHERE id = ?`,
		value, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating deployment config: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDeployment removes a deployment row.
// Returns ErrNotFound if the deployment doesn't exist.
func (s *SQLiteStore) DeleteDeployment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting deployment: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted deployment", "id", id)
	return nil
}

// UpsertServer inserts a server row or refreshes its name and last-seen time.
func (s *SQLiteStore) UpsertServer(ctx context.Context, srv *Server) error {
	query := `
		INSERT INTO servers (id, name, created_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, last_seen_at = excluded.last_seen_at
	`

	_, err := s.db.ExecContext(ctx, query,
		srv.ID,
		srv.Name,
		srv.CreatedAt.UTC().Format(time.RFC3339),
		srv.LastSeenAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting server: %w", err)
	}
	return nil
}

// GetServer retrieves a server by ID.
// Returns ErrNotFound if the server doesn't exist.
func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*Server, error) {
	query := `SELECT id, name, created_at, last_seen_at FROM servers WHERE id = ?`

	var srv Server
	var createdAtStr, lastSeenStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(&srv.ID, &srv.Name, &createdAtStr, &lastSeenStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying server: %w", err)
	}

	srv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	srv.LastSeenAt, err = time.Parse(time.RFC3339, lastSeenStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_seen_at: %w", err)
	}

	return &srv, nil
}

// ListServers returns all known servers ordered by name.
func (s *SQLiteStore) ListServers(ctx context.Context) ([]*Server, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at, last_seen_at FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer rows.Close()

	var servers []*Server
	for rows.Next() {
		var srv Server
		var createdAtStr, lastSeenStr string
		if err := rows.Scan(&srv.ID, &srv.Name, &createdAtStr, &lastSeenStr); err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		srv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		srv.LastSeenAt, err = time.Parse(time.RFC3339, lastSeenStr)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen_at: %w", err)
		}
		servers = append(servers, &srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating servers: %w", err)
	}
	return servers, nil
}

// TouchServer refreshes a server's last-seen time. Missing rows are ignored:
// status reports can arrive for servers that were never formally registered.
func (s *SQLiteStore) TouchServer(ctx context.Context, id string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE servers SET last_seen_at = ? WHERE id = ?`,
		seenAt.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("touching server: %w", err)
	}
	return nil
}
