package queue

import (
	"context"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pilotd/pilotd/internal/orchestrator/registry"
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// loop is the single scheduling loop. It is re-entered on explicit wake,
// when a retry timer comes due, and on shutdown. Multiple wake-ups
// coalesce into one pass through the buffered wake channel.
func (q *Queue) loop() {
	defer q.wg.Done()

	retryTimer := time.NewTimer(time.Hour)
	defer retryTimer.Stop()

	for {
		q.schedule()

		next := q.nextRetryDelay()
		if !retryTimer.Stop() {
			select {
			case <-retryTimer.C:
			default:
			}
		}
		retryTimer.Reset(next)

		select {
		case <-q.stopCh:
			return
		case <-q.wake:
		case <-retryTimer.C:
		}
	}
}

// nextRetryDelay returns how long until the earliest future nextAttemptAt
func (q *Queue) nextRetryDelay() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := time.Hour
	now := time.Now().UTC()
	for _, job := range q.jobs {
		if job.State != v1.JobStateQueued || job.NextAttemptAt == nil {
			continue
		}
		until := job.NextAttemptAt.Sub(now)
		if until < time.Millisecond {
			until = time.Millisecond
		}
		if until < next {
			next = until
		}
	}
	return next
}

// schedule fills free slots with runnable jobs
func (q *Queue) schedule() {
	for {
		q.mu.Lock()
		if len(q.entries) >= q.config.GlobalConcurrency {
			q.mu.Unlock()
			return
		}
		job := q.pickNextLocked()
		if job == nil {
			q.mu.Unlock()
			return
		}
		def, err := q.registry.Get(job.Type)
		if err != nil {
			// Definition disappeared after admission; terminal failure.
			job.State = v1.JobStateFailed
			job.Error = err.Error()
			now := time.Now().UTC()
			job.CompletedAt = &now
			q.resolveWaitersLocked(job)
			q.persistLocked()
			q.mu.Unlock()
			q.postTerminal(job.ID)
			continue
		}
		q.startLocked(job, def)
		q.mu.Unlock()
	}
}

// pickNextLocked selects the next runnable job: aged background jobs
// first, then interactive, then background, each tier FIFO by creation
// time. Projects with a running job are skipped.
func (q *Queue) pickNextLocked() *v1.Job {
	now := time.Now().UTC()

	runningProjects := make(map[string]bool)
	for jobID := range q.entries {
		if job, ok := q.jobs[jobID]; ok {
			runningProjects[job.ProjectID] = true
		}
	}

	var aged, interactive, background []*v1.Job
	for _, job := range q.jobs {
		if job.State != v1.JobStateQueued {
			continue
		}
		if job.NextAttemptAt != nil && job.NextAttemptAt.After(now) {
			continue
		}
		if runningProjects[job.ProjectID] {
			continue
		}
		switch job.Priority {
		case v1.PriorityInteractive:
			interactive = append(interactive, job)
		default:
			if now.Sub(job.CreatedAt) >= q.config.BackgroundAging &&
				q.burst[job.ProjectID] >= q.config.MaxInteractiveBurst {
				aged = append(aged, job)
			} else {
				background = append(background, job)
			}
		}
	}

	byCreation := func(jobs []*v1.Job) {
		sort.SliceStable(jobs, func(i, j int) bool {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		})
	}
	for _, tier := range [][]*v1.Job{aged, interactive, background} {
		byCreation(tier)
		if len(tier) > 0 {
			return tier[0]
		}
	}
	return nil
}

// startLocked transitions a job to running and spawns its attempt
func (q *Queue) startLocked(job *v1.Job, def *registry.Definition) {
	now := time.Now().UTC()
	job.State = v1.JobStateRunning
	job.StartedAt = &now
	job.LastAttemptAt = &now
	job.Attempts++
	job.Error = ""
	job.Result = nil
	job.NextAttemptAt = nil
	job.RunningContext = nil

	if job.Priority == v1.PriorityInteractive {
		q.burst[job.ProjectID]++
	} else {
		q.burst[job.ProjectID] = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry := &runEntry{cancel: cancel, attempt: job.Attempts}
	timeout := validateTimeout(def.Timeout, q.config.DefaultTimeout)
	jobID := job.ID
	entry.timeoutTimer = time.AfterFunc(timeout, func() { q.timeoutJob(jobID) })
	q.entries[jobID] = entry
	q.persistLocked()

	q.logger.Info("job started",
		zap.String("job_id", jobID),
		zap.String("job_type", job.Type),
		zap.String("project_id", job.ProjectID),
		zap.Int("attempt", job.Attempts))

	payload := deepCopyMap(job.Payload)
	go func() {
		q.runHook(def.Hooks.OnStarted, jobID)
		rc := &runContext{queue: q, jobID: jobID, ctx: ctx}
		result, err := runAttempt(def, rc, payload)
		q.finish(jobID, entry.attempt, result, err)
	}()
}

// runAttempt invokes the definition's run function, converting panics
// into errors so a faulty job cannot take down the scheduler.
func runAttempt(def *registry.Definition, rc registry.RunContext, payload map[string]interface{}) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = jobPanicError{value: r}
		}
	}()
	return def.Run(rc, payload)
}

type jobPanicError struct{ value interface{} }

func (e jobPanicError) Error() string { return "job run panicked" }

// timeoutJob aborts a running attempt that exceeded its timeout
func (q *Queue) timeoutJob(jobID string) {
	q.mu.Lock()
	entry, ok := q.entries[jobID]
	if !ok {
		q.mu.Unlock()
		return
	}
	entry.timedOut = true
	entry.cancel()
	q.mu.Unlock()

	q.logger.Warn("job attempt timed out", zap.String("job_id", jobID))
}

// forceAbort fires when the interrupt grace window expires with the run
// function still going: abort the context and mark the job canceled.
func (q *Queue) forceAbort(jobID string) {
	q.mu.Lock()
	entry, ok := q.entries[jobID]
	if !ok {
		q.mu.Unlock()
		return
	}
	job := q.jobs[jobID]
	entry.cancel()
	q.finalizeCanceledLocked(job, entry, "turn interrupt grace window expired")
	q.persistLocked()
	q.mu.Unlock()

	q.postTerminal(jobID)
	q.wakeScheduler()
}

// finish handles the outcome of one run attempt. Stale calls (the job was
// already force-finalized) are dropped by the attempt check.
func (q *Queue) finish(jobID string, attempt int, result map[string]interface{}, runErr error) {
	q.mu.Lock()

	job, ok := q.jobs[jobID]
	entry := q.entries[jobID]
	if !ok || entry == nil || entry.attempt != attempt || job.State != v1.JobStateRunning {
		q.mu.Unlock()
		return
	}

	def, derr := q.registry.Get(job.Type)
	now := time.Now().UTC()

	switch {
	case entry.cancelRequested:
		q.finalizeCanceledLocked(job, entry, "canceled by request")

	case runErr == nil && derr == nil:
		if verr := def.ValidateResult(result); verr != nil {
			q.removeEntryLocked(jobID, entry)
			job.State = v1.JobStateFailed
			job.Error = verr.Error()
			job.CompletedAt = &now
			q.resolveWaitersLocked(job)
		} else {
			q.removeEntryLocked(jobID, entry)
			job.State = v1.JobStateCompleted
			job.Result = deepCopyMap(result)
			job.CompletedAt = &now
			q.resolveWaitersLocked(job)
		}

	default:
		if runErr == nil {
			runErr = derr
		}
		if entry.timedOut {
			var defTimeout time.Duration
			if derr == nil {
				defTimeout = def.Timeout
			}
			runErr = timeoutError{timeout: validateTimeout(defTimeout, q.config.DefaultTimeout), cause: runErr}
		}
		q.removeEntryLocked(jobID, entry)

		class := registry.ErrorFatal
		if derr == nil {
			class = def.Retry.Classify(runErr)
		}
		if class == registry.ErrorRetryable && job.Attempts < job.MaxAttempts {
			delay := def.Retry.DelayForAttempt(job.Attempts)
			if def.Retry.Jitter > 0 {
				delay += time.Duration(rand.Float64() * def.Retry.Jitter * float64(delay))
			}
			nextAt := now.Add(delay)
			job.State = v1.JobStateQueued
			job.Error = runErr.Error()
			job.NextAttemptAt = &nextAt
			job.RunningContext = nil
			job.StartedAt = nil
		} else {
			job.State = v1.JobStateFailed
			job.Error = runErr.Error()
			job.CompletedAt = &now
			q.resolveWaitersLocked(job)
		}
	}

	q.trimRetentionLocked(job.ProjectID)
	q.persistLocked()
	q.mu.Unlock()

	q.postTerminal(jobID)
	q.wakeScheduler()
}

type timeoutError struct {
	timeout time.Duration
	cause   error
}

func (e timeoutError) Error() string {
	return "job timed out after " + e.timeout.String()
}

func (e timeoutError) Unwrap() error { return e.cause }

// removeEntryLocked clears the running bookkeeping for a job
func (q *Queue) removeEntryLocked(jobID string, entry *runEntry) {
	if entry.timeoutTimer != nil {
		entry.timeoutTimer.Stop()
	}
	if entry.graceTimer != nil {
		entry.graceTimer.Stop()
	}
	entry.cancel()
	delete(q.entries, jobID)
}

// finalizeCanceledLocked transitions a job to canceled. Safe for both
// queued jobs (entry nil) and running jobs being force-aborted.
func (q *Queue) finalizeCanceledLocked(job *v1.Job, entry *runEntry, reason string) {
	if entry != nil {
		q.removeEntryLocked(job.ID, entry)
	}
	now := time.Now().UTC()
	job.State = v1.JobStateCanceled
	if reason != "" {
		job.Error = reason
	}
	job.CompletedAt = &now
	job.RunningContext = nil
	q.resolveWaitersLocked(job)
	q.trimRetentionLocked(job.ProjectID)
}

// resolveWaitersLocked delivers the terminal job to WaitForTerminal callers
func (q *Queue) resolveWaitersLocked(job *v1.Job) {
	for _, ch := range q.waiters[job.ID] {
		select {
		case ch <- cloneJob(job):
		default:
		}
	}
	delete(q.waiters, job.ID)
}

// postTerminal runs the side effects of a terminal transition outside
// the queue lock: event fan-out, lifecycle hook, statistics.
func (q *Queue) postTerminal(jobID string) {
	job := q.Get(jobID)
	if job == nil || !job.State.Terminal() {
		return
	}

	subject, eventType := q.subjectForState(job.State)
	if subject != "" {
		q.publish(subject, eventType, job)
	}

	def, err := q.registry.Get(job.Type)
	switch job.State {
	case v1.JobStateCompleted:
		atomic.AddInt64(&q.totalProcessed, 1)
		if err == nil {
			q.runHook(def.Hooks.OnCompleted, jobID)
		}
	case v1.JobStateFailed:
		atomic.AddInt64(&q.totalFailed, 1)
		if err == nil {
			q.runHook(def.Hooks.OnFailed, jobID)
		}
	case v1.JobStateCanceled:
		if err == nil {
			q.runHook(def.Hooks.OnCanceled, jobID)
		}
	}

	q.logger.Info("job reached terminal state",
		zap.String("job_id", jobID),
		zap.String("state", string(job.State)),
		zap.Int("attempts", job.Attempts))
}

// trimRetentionLocked drops the oldest terminal jobs of a project over
// the retention cap. Completed jobs go first; failures and cancellations
// are retained longer.
func (q *Queue) trimRetentionLocked(projectID string) {
	if q.config.RetainedPerProject <= 0 {
		return
	}

	var terminal []*v1.Job
	for _, job := range q.jobs {
		if job.ProjectID == projectID && job.State.Terminal() {
			terminal = append(terminal, job)
		}
	}
	excess := len(terminal) - q.config.RetainedPerProject
	if excess <= 0 {
		return
	}

	sort.SliceStable(terminal, func(i, j int) bool {
		ci := terminal[i].State == v1.JobStateCompleted
		cj := terminal[j].State == v1.JobStateCompleted
		if ci != cj {
			return ci
		}
		return terminal[i].CreatedAt.Before(terminal[j].CreatedAt)
	})
	for i := 0; i < excess; i++ {
		delete(q.jobs, terminal[i].ID)
	}
}
