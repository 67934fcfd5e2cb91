package queue

import (
	"context"

	"go.uber.org/zap"

	"github.com/pilotd/pilotd/internal/events/bus"
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// runContext is the per-attempt handle passed to a job's run function
type runContext struct {
	queue *Queue
	jobID string
	ctx   context.Context
}

// Context is canceled on timeout, explicit cancel or shutdown
func (rc *runContext) Context() context.Context {
	return rc.ctx
}

// SetRunningContext attaches the agent turn this attempt is driving.
// Persisted immediately so interrupt_turn works across a restart.
func (rc *runContext) SetRunningContext(threadID, turnID string) {
	q := rc.queue
	q.mu.Lock()
	job, ok := q.jobs[rc.jobID]
	if !ok || job.State != v1.JobStateRunning {
		q.mu.Unlock()
		return
	}
	job.RunningContext = &v1.RunningContext{ThreadID: threadID, TurnID: turnID}
	q.persistLocked()
	q.mu.Unlock()
}

// EmitProgress fans out a progress event for streaming consumers
func (rc *runContext) EmitProgress(data map[string]interface{}) {
	q := rc.queue
	job := q.Get(rc.jobID)
	if job == nil {
		return
	}

	payload := map[string]interface{}{
		"job_id":     job.ID,
		"job_type":   job.Type,
		"project_id": job.ProjectID,
		"progress":   data,
	}
	if err := q.bus.Publish(context.Background(), bus.SubjectJobProgress, bus.NewEvent(v1.EventJobProgress, "orchestrator", payload)); err != nil {
		q.logger.Warn("failed to publish job progress",
			zap.String("job_id", rc.jobID),
			zap.Error(err))
	}
}
