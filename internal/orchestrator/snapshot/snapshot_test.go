package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotd/pilotd/internal/common/logger"
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func testJob(id, projectID string, created time.Time) *v1.Job {
	return &v1.Job{
		ID:          id,
		Type:        "session.suggest_titles",
		ProjectID:   projectID,
		Priority:    v1.PriorityBackground,
		State:       v1.JobStateQueued,
		Payload:     map[string]interface{}{"session_id": "s-1"},
		MaxAttempts: 2,
		CreatedAt:   created,
	}
}

func TestStore_LoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator-jobs.json")
	s := NewStore(path, newTestLogger(t))
	defer s.Close()

	jobs, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStore_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator-jobs.json")
	s := NewStore(path, newTestLogger(t))

	now := time.Now().UTC().Truncate(time.Millisecond)
	jobs := []*v1.Job{
		testJob("j-2", "p-1", now.Add(time.Second)),
		testJob("j-1", "p-1", now),
	}
	require.NoError(t, s.Save(jobs))
	require.NoError(t, s.Close())

	s2 := NewStore(path, newTestLogger(t))
	defer s2.Close()

	loaded, err := s2.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	// Entries are ordered by creation time on disk
	assert.Equal(t, "j-1", loaded[0].ID)
	assert.Equal(t, "j-2", loaded[1].ID)
	assert.Equal(t, "session.suggest_titles", loaded[0].Type)
	assert.Equal(t, v1.JobStateQueued, loaded[0].State)
	assert.Equal(t, "s-1", loaded[0].Payload["session_id"])
}

func TestStore_CoalescesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator-jobs.json")
	s := NewStore(path, newTestLogger(t))

	now := time.Now().UTC()
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Save([]*v1.Job{testJob("j-last", "p-1", now)}))
	}
	require.NoError(t, s.Close())

	loaded, err := NewStore(path, newTestLogger(t)).Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "j-last", loaded[0].ID)
}

func TestStore_SaveAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator-jobs.json")
	s := NewStore(path, newTestLogger(t))
	require.NoError(t, s.Close())

	err := s.Save([]*v1.Job{})
	assert.ErrorIs(t, err, ErrStoreClosed)

	// Close is idempotent
	require.NoError(t, s.Close())
}

func TestStore_FileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator-jobs.json")
	s := NewStore(path, newTestLogger(t))

	require.NoError(t, s.Save([]*v1.Job{testJob("j-1", "p-1", time.Now().UTC())}))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(1), raw["version"])
	assert.NotNil(t, raw["jobs"])
}

func TestStore_LoadRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator-jobs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "jobs": []}`), 0o644))

	s := NewStore(path, newTestLogger(t))
	defer s.Close()

	_, err := s.Load()
	assert.Error(t, err)
}

func TestStore_NoLeftoverTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator-jobs.json")
	s := NewStore(path, newTestLogger(t))

	require.NoError(t, s.Save([]*v1.Job{testJob("j-1", "p-1", time.Now().UTC())}))
	require.NoError(t, s.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "orchestrator-jobs.json", entries[0].Name())
}
