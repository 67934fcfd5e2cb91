package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TranscriptEntry is one record in the supplemental transcript log.
// Entries are keyed by ID; writing an existing ID replaces the entry.
type TranscriptEntry struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	TurnID    string                 `json:"turn_id"`
	Entry     map[string]interface{} `json:"entry"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// UpsertTranscriptEntry inserts or replaces one transcript entry
func (s *Store) UpsertTranscriptEntry(ctx context.Context, entry *TranscriptEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	entryJSON := "{}"
	if entry.Entry != nil {
		entryBytes, err := json.Marshal(entry.Entry)
		if err != nil {
			return fmt.Errorf("failed to serialize transcript entry: %w", err)
		}
		entryJSON = string(entryBytes)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcript_entries (id, session_id, turn_id, entry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entry = excluded.entry,
			updated_at = excluded.updated_at
	`, entry.ID, entry.SessionID, entry.TurnID, entryJSON, entry.CreatedAt, entry.UpdatedAt)
	return err
}

// ListTranscript returns a session's transcript entries in creation order
func (s *Store) ListTranscript(ctx context.Context, sessionID string) ([]*TranscriptEntry, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, session_id, turn_id, entry, created_at, updated_at
		FROM transcript_entries WHERE session_id = ? ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*TranscriptEntry
	for rows.Next() {
		entry := &TranscriptEntry{}
		var entryJSON string
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.TurnID, &entryJSON, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		if entryJSON != "" && entryJSON != "{}" {
			if err := json.Unmarshal([]byte(entryJSON), &entry.Entry); err != nil {
				return nil, fmt.Errorf("failed to deserialize transcript entry: %w", err)
			}
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
