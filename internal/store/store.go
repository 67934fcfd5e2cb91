// Package store provides SQLite-backed storage for session metadata,
// the supplemental transcript log and the extension audit trail.
package store

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/pilotd/pilotd/internal/db"
)

// Store provides SQLite-based storage operations.
type Store struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// Open opens the database at path and initializes the schema. The store
// owns the connections and closes them on Close.
func Open(path string) (*Store, error) {
	writer, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return newStore(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"), true)
}

// NewWithDB creates a store over existing connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, false)
}

func newStore(writer, reader *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: writer, ro: reader, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			_ = writer.Close()
			_ = reader.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connections when the store owns them
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	err := s.db.Close()
	if closeErr := s.ro.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// DB returns the underlying writer for shared access
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// initSchema creates the tables if they don't exist
func (s *Store) initSchema() error {
	if err := s.initSessionSchema(); err != nil {
		return err
	}
	if err := s.initTranscriptSchema(); err != nil {
		return err
	}
	return s.initAuditSchema()
}

func (s *Store) initSessionSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		approval_policy TEXT NOT NULL DEFAULT 'ask',
		metadata TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_project_id ON sessions(project_id);
	`)
	return err
}

func (s *Store) initTranscriptSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS transcript_entries (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		entry TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transcript_session_id ON transcript_entries(session_id);
	CREATE INDEX IF NOT EXISTS idx_transcript_session_created ON transcript_entries(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transcript_turn_id ON transcript_entries(turn_id);
	`)
	return err
}

func (s *Store) initAuditSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS module_audit (
		id TEXT PRIMARY KEY,
		snapshot_version TEXT NOT NULL,
		module TEXT NOT NULL,
		origin TEXT DEFAULT '',
		status TEXT NOT NULL,
		code TEXT DEFAULT '',
		detail TEXT DEFAULT '',
		warnings TEXT DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_module_audit_snapshot ON module_audit(snapshot_version);
	CREATE INDEX IF NOT EXISTS idx_module_audit_module ON module_audit(module, created_at);
	`)
	return err
}
