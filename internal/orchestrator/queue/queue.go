// Package queue implements the per-process job scheduler: project-scoped
// concurrency, priority with background aging, deduplication, retry with
// classification, timeouts, cancellation and crash recovery.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pilotd/pilotd/internal/common/logger"
	"github.com/pilotd/pilotd/internal/events/bus"
	"github.com/pilotd/pilotd/internal/orchestrator/registry"
	"github.com/pilotd/pilotd/internal/orchestrator/snapshot"
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

var (
	// ErrQueueFull is returned when the global or per-project cap is reached
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueAlreadyRunning is returned by a second Start
	ErrQueueAlreadyRunning = errors.New("queue is already running")
	// ErrQueueNotRunning is returned by Stop before Start
	ErrQueueNotRunning = errors.New("queue is not running")
)

// TurnInterrupter asks the assistant runtime to halt an in-flight turn.
// Used by the interrupt_turn cancel strategy.
type TurnInterrupter interface {
	InterruptTurn(ctx context.Context, threadID, turnID string) error
}

// Config holds queue tuning knobs
type Config struct {
	GlobalConcurrency   int
	MaxPerProject       int
	MaxGlobal           int
	MaxAttempts         int
	DefaultTimeout      time.Duration
	BackgroundAging     time.Duration
	MaxInteractiveBurst int
	GracefulWait        time.Duration
	RetainedPerProject  int
	DrainTimeout        time.Duration
}

// DefaultConfig returns the queue defaults
func DefaultConfig() Config {
	return Config{
		GlobalConcurrency:   2,
		MaxPerProject:       100,
		MaxGlobal:           500,
		MaxAttempts:         2,
		DefaultTimeout:      60 * time.Second,
		BackgroundAging:     15 * time.Second,
		MaxInteractiveBurst: 3,
		GracefulWait:        5 * time.Second,
		RetainedPerProject:  50,
		DrainTimeout:        10 * time.Second,
	}
}

// runEntry is the scheduler's bookkeeping for one running job
type runEntry struct {
	cancel          context.CancelFunc
	timeoutTimer    *time.Timer
	graceTimer      *time.Timer
	attempt         int
	timedOut        bool
	cancelRequested bool
}

// Queue owns the job table. Jobs are mutated only by the queue itself;
// callers receive deep copies.
type Queue struct {
	registry    *registry.Registry
	store       *snapshot.Store
	bus         bus.EventBus
	interrupter TurnInterrupter
	logger      *logger.Logger
	config      Config

	mu      sync.Mutex
	jobs    map[string]*v1.Job
	entries map[string]*runEntry      // jobID → running bookkeeping
	burst   map[string]int            // projectID → interactive burst counter
	waiters map[string][]chan *v1.Job // jobID → terminal waiters

	totalProcessed int64
	totalFailed    int64

	running bool
	wake    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a queue. Start must be called before enqueueing.
func New(reg *registry.Registry, store *snapshot.Store, eventBus bus.EventBus, interrupter TurnInterrupter, log *logger.Logger, config Config) *Queue {
	if config.GlobalConcurrency < 1 {
		config.GlobalConcurrency = 1
	}
	return &Queue{
		registry:    reg,
		store:       store,
		bus:         eventBus,
		interrupter: interrupter,
		logger:      log.WithFields(zap.String("component", "orchestrator_queue")),
		config:      config,
		jobs:        make(map[string]*v1.Job),
		entries:     make(map[string]*runEntry),
		burst:       make(map[string]int),
		waiters:     make(map[string][]chan *v1.Job),
		wake:        make(chan struct{}, 1),
	}
}

// Start recovers the persisted job table and begins scheduling
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrQueueAlreadyRunning
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	if err := q.recover(); err != nil {
		q.logger.Error("crash recovery failed, starting with empty job table", zap.Error(err))
	}

	q.wg.Add(1)
	go q.loop()

	q.logger.Info("queue started",
		zap.Int("global_concurrency", q.config.GlobalConcurrency),
		zap.Int("max_global", q.config.MaxGlobal))
	return nil
}

// Stop drains running jobs within the drain window, then aborts the rest
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return ErrQueueNotRunning
	}
	q.running = false
	q.mu.Unlock()

	deadline := time.NewTimer(q.config.DrainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

drain:
	for {
		q.mu.Lock()
		active := len(q.entries)
		q.mu.Unlock()
		if active == 0 {
			break
		}
		select {
		case <-deadline.C:
			break drain
		case <-ctx.Done():
			break drain
		case <-tick.C:
		}
	}

	// Abort whatever is still in flight
	q.mu.Lock()
	var aborted []string
	for jobID, entry := range q.entries {
		entry.cancelRequested = true
		entry.cancel()
		if job, ok := q.jobs[jobID]; ok {
			q.finalizeCanceledLocked(job, entry, "canceled on shutdown")
			aborted = append(aborted, jobID)
		}
	}
	q.persistLocked()
	q.mu.Unlock()

	for _, jobID := range aborted {
		q.postTerminal(jobID)
	}

	close(q.stopCh)
	q.wg.Wait()
	q.logger.Info("queue stopped")
	return nil
}

// Enqueue admits a job: definition lookup, payload validation, dedupe,
// capacity caps. Returns the created (or deduplicated) job as a copy.
func (q *Queue) Enqueue(req *v1.EnqueueJobRequest) (*v1.EnqueueResult, error) {
	def, err := q.registry.Get(req.Type)
	if err != nil {
		return nil, err
	}
	if err := def.ValidatePayload(req.Payload); err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = v1.PriorityBackground
	}
	dedupeKey := req.DedupeKey
	if dedupeKey == "" && def.DedupeKey != nil {
		dedupeKey = def.DedupeKey(req.Payload)
	}

	q.mu.Lock()

	if def.Dedupe != registry.DedupeNone && dedupeKey != "" {
		if dup := q.findDuplicateLocked(req.ProjectID, req.Type, dedupeKey, def.Dedupe); dup != nil {
			if def.Dedupe == registry.DedupeMergeDuplicate {
				merged := def.Merge(dup.Payload, req.Payload)
				if verr := def.ValidatePayload(merged); verr != nil {
					q.mu.Unlock()
					return nil, verr
				}
				dup.Payload = merged
				q.persistLocked()
			}
			result := &v1.EnqueueResult{Status: v1.EnqueueStatusAlreadyQueued, Job: cloneJob(dup)}
			q.mu.Unlock()
			return result, nil
		}
	}

	globalActive, projectActive := 0, 0
	for _, job := range q.jobs {
		if job.State.Terminal() {
			continue
		}
		globalActive++
		if job.ProjectID == req.ProjectID {
			projectActive++
		}
	}
	if globalActive >= q.config.MaxGlobal || projectActive >= q.config.MaxPerProject {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}

	maxAttempts := def.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.config.MaxAttempts
	}
	job := &v1.Job{
		ID:              uuid.New().String(),
		Type:            def.Type,
		SchemaVersion:   def.SchemaVersion,
		ProjectID:       req.ProjectID,
		SourceSessionID: req.SourceSessionID,
		Priority:        priority,
		State:           v1.JobStateQueued,
		DedupeKey:       dedupeKey,
		Payload:         deepCopyMap(req.Payload),
		MaxAttempts:     maxAttempts,
		CreatedAt:       time.Now().UTC(),
	}
	q.jobs[job.ID] = job
	q.persistLocked()
	result := &v1.EnqueueResult{Status: v1.EnqueueStatusEnqueued, Job: cloneJob(job)}
	q.mu.Unlock()

	q.runHook(def.Hooks.OnQueued, job.ID)
	q.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.String("project_id", job.ProjectID),
		zap.String("priority", string(job.Priority)))

	q.wakeScheduler()
	return result, nil
}

// findDuplicateLocked returns an existing job the new enqueue collapses into
func (q *Queue) findDuplicateLocked(projectID, jobType, dedupeKey string, mode registry.DedupeMode) *v1.Job {
	for _, job := range q.jobs {
		if job.ProjectID != projectID || job.Type != jobType || job.DedupeKey != dedupeKey {
			continue
		}
		switch mode {
		case registry.DedupeSingleFlight:
			// Collapses onto queued or running duplicates
			if job.State == v1.JobStateQueued || job.State == v1.JobStateRunning {
				return job
			}
		case registry.DedupeDropDuplicate, registry.DedupeMergeDuplicate:
			// Only a still-queued duplicate absorbs the new enqueue
			if job.State == v1.JobStateQueued {
				return job
			}
		}
	}
	return nil
}

// Cancel requests cancellation of a job by id
func (q *Queue) Cancel(jobID, reason string) (*v1.CancelResult, error) {
	q.mu.Lock()

	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return &v1.CancelResult{Status: v1.CancelStatusNotFound}, nil
	}
	if job.State.Terminal() {
		result := &v1.CancelResult{Status: v1.CancelStatusAlreadyTerminal, Job: cloneJob(job)}
		q.mu.Unlock()
		return result, nil
	}

	now := time.Now().UTC()
	job.CancelRequested = &now

	if job.State == v1.JobStateQueued {
		q.finalizeCanceledLocked(job, nil, reason)
		q.persistLocked()
		result := &v1.CancelResult{Status: v1.CancelStatusCanceled, Job: cloneJob(job)}
		q.mu.Unlock()
		q.postTerminal(jobID)
		q.wakeScheduler()
		return result, nil
	}

	// Running: strategy decides how the in-flight attempt is stopped
	entry := q.entries[jobID]
	def, derr := q.registry.Get(job.Type)
	strategy := registry.CancelMarkCanceled
	if derr == nil {
		strategy = def.CancelStrategy
	}

	entry.cancelRequested = true

	if strategy == registry.CancelInterruptTurn && job.RunningContext != nil {
		rc := *job.RunningContext
		grace := q.config.GracefulWait
		if derr == nil && def.GracefulWait > 0 {
			grace = def.GracefulWait
		}
		entry.graceTimer = time.AfterFunc(grace, func() { q.forceAbort(jobID) })
		q.persistLocked()
		result := &v1.CancelResult{Status: v1.CancelStatusCanceled, Job: cloneJob(job)}
		q.mu.Unlock()

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			if err := q.interrupter.InterruptTurn(ctx, rc.ThreadID, rc.TurnID); err != nil {
				q.logger.Warn("turn interrupt failed, waiting for grace abort",
					zap.String("job_id", jobID),
					zap.String("thread_id", rc.ThreadID),
					zap.Error(err))
			}
		}()
		return result, nil
	}

	// mark_canceled (or interrupt without a running context): abort now
	entry.cancel()
	q.finalizeCanceledLocked(job, entry, reason)
	q.persistLocked()
	result := &v1.CancelResult{Status: v1.CancelStatusCanceled, Job: cloneJob(job)}
	q.mu.Unlock()
	q.postTerminal(jobID)
	q.wakeScheduler()
	return result, nil
}

// Get returns a copy of a job, or nil when unknown
func (q *Queue) Get(jobID string) *v1.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil
	}
	return cloneJob(job)
}

// ListByProject returns copies of a project's jobs ordered by creation
// time. An empty state matches all states.
func (q *Queue) ListByProject(projectID string, state v1.JobState) []*v1.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var jobs []*v1.Job
	for _, job := range q.jobs {
		if job.ProjectID != projectID {
			continue
		}
		if state != "" && job.State != state {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// WaitForTerminal blocks until the job reaches a terminal state or the
// timeout elapses. Returns nil on timeout or unknown job.
func (q *Queue) WaitForTerminal(jobID string, timeout time.Duration) *v1.Job {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	if job.State.Terminal() {
		result := cloneJob(job)
		q.mu.Unlock()
		return result
	}
	ch := make(chan *v1.Job, 1)
	q.waiters[jobID] = append(q.waiters[jobID], ch)
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case terminal := <-ch:
		return terminal
	case <-timer.C:
		return nil
	}
}

// Status returns queue statistics
func (q *Queue) Status() *v1.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := &v1.QueueStatus{
		MaxConcurrent:  q.config.GlobalConcurrency,
		TotalProcessed: atomic.LoadInt64(&q.totalProcessed),
		TotalFailed:    atomic.LoadInt64(&q.totalFailed),
	}
	for _, job := range q.jobs {
		switch job.State {
		case v1.JobStateQueued:
			status.Queued++
		case v1.JobStateRunning:
			status.Running++
		case v1.JobStateCompleted:
			status.Completed++
		case v1.JobStateFailed:
			status.Failed++
		case v1.JobStateCanceled:
			status.Canceled++
		}
	}
	return status
}

// runHook invokes a lifecycle hook with the current job copy. Hook
// failures are logged and swallowed; they never influence job state.
func (q *Queue) runHook(hook func(*v1.Job), jobID string) {
	if hook == nil {
		return
	}
	job := q.Get(jobID)
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Warn("job lifecycle hook panicked",
				zap.String("job_id", jobID),
				zap.Any("panic", r))
		}
	}()
	hook(job)
}

func (q *Queue) wakeScheduler() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// persistLocked schedules a snapshot write of the whole job table
func (q *Queue) persistLocked() {
	jobs := make([]*v1.Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	if err := q.store.Save(jobs); err != nil && !errors.Is(err, snapshot.ErrStoreClosed) {
		q.logger.Error("failed to schedule snapshot write", zap.Error(err))
	}
}

func (q *Queue) publish(subject, eventType string, job *v1.Job) {
	data := map[string]interface{}{
		"job_id":     job.ID,
		"job_type":   job.Type,
		"project_id": job.ProjectID,
		"state":      string(job.State),
		"attempts":   job.Attempts,
	}
	if job.Error != "" {
		data["error"] = job.Error
	}
	if job.Result != nil {
		data["result"] = job.Result
	}
	if err := q.bus.Publish(context.Background(), subject, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		q.logger.Warn("failed to publish job event",
			zap.String("subject", subject),
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}

func (q *Queue) subjectForState(state v1.JobState) (string, string) {
	switch state {
	case v1.JobStateCompleted:
		return bus.SubjectJobCompleted, v1.EventJobCompleted
	case v1.JobStateFailed:
		return bus.SubjectJobFailed, v1.EventJobFailed
	case v1.JobStateCanceled:
		return bus.SubjectJobCanceled, v1.EventJobCanceled
	}
	return "", ""
}

func validateTimeout(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
