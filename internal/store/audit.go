package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ModuleAuditRecord captures one extension module's outcome during a
// snapshot load or reload: accepted, accepted with warnings, or denied.
type ModuleAuditRecord struct {
	ID              string    `json:"id"`
	SnapshotVersion string    `json:"snapshot_version"`
	Module          string    `json:"module"`
	Origin          string    `json:"origin,omitempty"`
	Status          string    `json:"status"`
	Code            string    `json:"code,omitempty"`
	Detail          string    `json:"detail,omitempty"`
	Warnings        []string  `json:"warnings,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// RecordModuleAudit appends one audit record
func (s *Store) RecordModuleAudit(ctx context.Context, record *ModuleAuditRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	warningsJSON := "[]"
	if len(record.Warnings) > 0 {
		warningsBytes, err := json.Marshal(record.Warnings)
		if err != nil {
			return fmt.Errorf("failed to serialize audit warnings: %w", err)
		}
		warningsJSON = string(warningsBytes)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO module_audit (id, snapshot_version, module, origin, status, code, detail, warnings, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, record.ID, record.SnapshotVersion, record.Module, record.Origin, record.Status, record.Code, record.Detail, warningsJSON, record.CreatedAt)
	return err
}

// ListModuleAudit returns the audit records for one snapshot version
func (s *Store) ListModuleAudit(ctx context.Context, snapshotVersion string) ([]*ModuleAuditRecord, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, snapshot_version, module, origin, status, code, detail, warnings, created_at
		FROM module_audit WHERE snapshot_version = ? ORDER BY module ASC, created_at ASC
	`, snapshotVersion)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*ModuleAuditRecord
	for rows.Next() {
		record := &ModuleAuditRecord{}
		var warningsJSON string
		if err := rows.Scan(&record.ID, &record.SnapshotVersion, &record.Module, &record.Origin, &record.Status, &record.Code, &record.Detail, &warningsJSON, &record.CreatedAt); err != nil {
			return nil, err
		}
		if warningsJSON != "" && warningsJSON != "[]" {
			if err := json.Unmarshal([]byte(warningsJSON), &record.Warnings); err != nil {
				return nil, fmt.Errorf("failed to deserialize audit warnings: %w", err)
			}
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
