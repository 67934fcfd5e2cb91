package queue

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// recover rebuilds the job table from the persisted snapshot. Entries
// with unknown job types or invalid payloads are discarded. Jobs caught
// mid-run are either requeued or finalized depending on their attempt
// budget. The rebuilt table is persisted once before scheduling begins.
func (q *Queue) recover() error {
	persisted, err := q.store.Load()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if len(persisted) == 0 {
		return nil
	}

	now := time.Now().UTC()
	recovered, dropped := 0, 0

	q.mu.Lock()
	for _, job := range persisted {
		def, derr := q.registry.Get(job.Type)
		if derr != nil {
			dropped++
			q.logger.Warn("dropping persisted job with unknown type",
				zap.String("job_id", job.ID),
				zap.String("job_type", job.Type))
			continue
		}
		if verr := def.ValidatePayload(job.Payload); verr != nil {
			dropped++
			q.logger.Warn("dropping persisted job with invalid payload",
				zap.String("job_id", job.ID),
				zap.Error(verr))
			continue
		}

		if job.State == v1.JobStateRunning {
			if job.Attempts >= job.MaxAttempts {
				job.State = v1.JobStateFailed
				job.Error = "recovery_max_attempts_exceeded"
				job.CompletedAt = &now
				job.RunningContext = nil
			} else {
				job.State = v1.JobStateQueued
				job.Error = "recovered_from_running_state"
				nextAt := now
				job.NextAttemptAt = &nextAt
				job.RunningContext = nil
				job.StartedAt = nil
			}
		}

		q.jobs[job.ID] = job
		recovered++
	}
	q.persistLocked()
	q.mu.Unlock()

	if recovered > 0 || dropped > 0 {
		q.logger.Info("job table recovered from snapshot",
			zap.Int("recovered", recovered),
			zap.Int("dropped", dropped))
	}
	q.wakeScheduler()
	return nil
}
