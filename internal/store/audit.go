// ABOUTME: Audit log entity and store methods for tracking orchestration actions
// ABOUTME: Records what happened to which deployment for compliance and debugging

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditInstallApp       AuditAction = "install_app"
	AuditConfigureApp     AuditAction = "configure_app"
	AuditStartApp         AuditAction = "start_app"
	AuditStopApp          AuditAction = "stop_app"
	AuditRestartApp       AuditAction = "restart_app"
	AuditUpdateApp        AuditAction = "update_app"
	AuditUninstallApp     AuditAction = "uninstall_app"
	AuditStateRecovery    AuditAction = "state_recovery"
	AuditDeploymentSynced AuditAction = "deployment_synced"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string         // UUID v4
	Action     AuditAction    // what action was performed
	TargetType string         // "deployment", "server", "recovery"
	TargetID   string         // ID of the affected resource
	Timestamp  time.Time      // when it happened
	Detail     map[string]any // additional context
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON any
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		detailJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, action, target_type, target_id, timestamp, detail_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID,
		string(e.Action),
		e.TargetType,
		e.TargetID,
		e.Timestamp.UTC().Format(time.RFC3339),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAuditLog returns the most recent audit entries, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, target_type, target_id, timestamp, detail_json
		 FROM audit_log ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var action, timestampStr string
		var detailJSON sql.NullString

		if err := rows.Scan(&e.ID, &action, &e.TargetType, &e.TargetID, &timestampStr, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = AuditAction(action)

		e.Timestamp, err = time.Parse(time.RFC3339, timestampStr)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}

		if detailJSON.Valid && detailJSON.String != "" {
			if err := json.Unmarshal([]byte(detailJSON.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling audit detail: %w", err)
			}
		}

		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
