package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// Session is the metadata record for one assistant session
type Session struct {
	ID             string                 `json:"id"`
	ProjectID      string                 `json:"project_id"`
	Title          string                 `json:"title,omitempty"`
	Summary        string                 `json:"summary,omitempty"`
	ApprovalPolicy string                 `json:"approval_policy"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// UpsertSession inserts a session or updates its mutable fields
func (s *Store) UpsertSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.ApprovalPolicy == "" {
		session.ApprovalPolicy = "ask"
	}

	metadataJSON := "{}"
	if session.Metadata != nil {
		metadataBytes, err := json.Marshal(session.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize session metadata: %w", err)
		}
		metadataJSON = string(metadataBytes)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, title, summary, approval_policy, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			title = excluded.title,
			summary = excluded.summary,
			approval_policy = excluded.approval_policy,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, session.ID, session.ProjectID, session.Title, session.Summary, session.ApprovalPolicy, metadataJSON, session.CreatedAt, session.UpdatedAt)
	return err
}

// GetSession retrieves a session by ID
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	session := &Session{}
	var metadataJSON string
	err := s.ro.QueryRowContext(ctx, `
		SELECT id, project_id, title, summary, approval_policy, metadata, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(&session.ID, &session.ProjectID, &session.Title, &session.Summary, &session.ApprovalPolicy, &metadataJSON, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize session metadata: %w", err)
		}
	}
	return session, nil
}

// ListSessionsByProject returns a project's sessions ordered by creation time
func (s *Store) ListSessionsByProject(ctx context.Context, projectID string) ([]*Session, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, project_id, title, summary, approval_policy, metadata, created_at, updated_at
		FROM sessions WHERE project_id = ? ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		session := &Session{}
		var metadataJSON string
		if err := rows.Scan(&session.ID, &session.ProjectID, &session.Title, &session.Summary, &session.ApprovalPolicy, &metadataJSON, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, err
		}
		if metadataJSON != "" && metadataJSON != "{}" {
			if err := json.Unmarshal([]byte(metadataJSON), &session.Metadata); err != nil {
				return nil, fmt.Errorf("failed to deserialize session metadata: %w", err)
			}
		}
		result = append(result, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateSessionTitle sets a session's title
func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?
	`, title, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// UpdateSessionSummary sets a session's summary
func (s *Store) UpdateSessionSummary(ctx context.Context, id, summary string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET summary = ?, updated_at = ? WHERE id = ?
	`, summary, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}
