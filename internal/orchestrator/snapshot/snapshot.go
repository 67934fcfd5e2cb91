// Package snapshot persists the orchestrator's job table to disk so jobs
// survive a process restart. All writes go through a single writer
// goroutine; pending writes are coalesced so only the latest job table
// ever hits disk.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pilotd/pilotd/internal/common/logger"
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// FileVersion is the on-disk format version
const FileVersion = 1

// ErrStoreClosed is returned when saving after Close
var ErrStoreClosed = errors.New("snapshot store is closed")

// file is the on-disk layout of orchestrator-jobs.json
type file struct {
	Version int       `json:"version"`
	Jobs    []*v1.Job `json:"jobs"`
}

// Store writes job table snapshots to a single JSON file. Save is
// asynchronous: it hands the job list to the writer goroutine and
// returns. Close flushes the last pending write.
type Store struct {
	path   string
	logger *logger.Logger

	mu      sync.Mutex
	pending []*v1.Job
	dirty   bool
	closed  bool
	kick    chan struct{}
	done    chan struct{}
}

// NewStore creates a store writing to path and starts the writer
func NewStore(path string, log *logger.Logger) *Store {
	s := &Store{
		path:   path,
		logger: log.WithFields(zap.String("component", "snapshot_store")),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Load reads the snapshot file. A missing file yields an empty job list.
func (s *Store) Load() ([]*v1.Job, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if f.Version != FileVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", f.Version)
	}
	return f.Jobs, nil
}

// Save schedules a snapshot write. The caller's slice is taken over;
// pass deep copies. Later saves replace earlier unwritten ones.
func (s *Store) Save(jobs []*v1.Job) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	s.pending = jobs
	s.dirty = true
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

// Close flushes any pending write and stops the writer
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
	<-s.done
	return nil
}

func (s *Store) writeLoop() {
	defer close(s.done)

	for {
		<-s.kick

		for {
			s.mu.Lock()
			if !s.dirty {
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				break
			}
			jobs := s.pending
			s.pending = nil
			s.dirty = false
			s.mu.Unlock()

			if err := s.write(jobs); err != nil {
				s.logger.Error("failed to write job snapshot", zap.Error(err))
			}
		}
	}
}

// write performs one atomic replace-on-write of the snapshot file
func (s *Store) write(jobs []*v1.Job) error {
	sorted := make([]*v1.Job, len(jobs))
	copy(sorted, jobs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	data, err := json.MarshalIndent(file{Version: FileVersion, Jobs: sorted}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".orchestrator-jobs-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
