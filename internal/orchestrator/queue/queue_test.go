package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"path/filepath"

	"github.com/pilotd/pilotd/internal/common/logger"
	"github.com/pilotd/pilotd/internal/events/bus"
	"github.com/pilotd/pilotd/internal/orchestrator/registry"
	"github.com/pilotd/pilotd/internal/orchestrator/snapshot"
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

type fakeInterrupter struct {
	mu        sync.Mutex
	threadIDs []string
	turnIDs   []string
}

func (f *fakeInterrupter) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadIDs = append(f.threadIDs, threadID)
	f.turnIDs = append(f.turnIDs, turnID)
	return nil
}

func (f *fakeInterrupter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.threadIDs)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 2 * time.Second
	cfg.GracefulWait = 100 * time.Millisecond
	cfg.DrainTimeout = 500 * time.Millisecond
	return cfg
}

// newTestQueue builds a started queue with a fresh registry and snapshot
// store in a temp dir. Callers register definitions on reg before use.
func newTestQueue(t *testing.T, cfg Config) (*Queue, *registry.Registry, *fakeInterrupter, bus.EventBus) {
	t.Helper()

	log := testLogger(t)
	reg := registry.NewRegistry()
	store := snapshot.NewStore(filepath.Join(t.TempDir(), "orchestrator-jobs.json"), log)
	eventBus := bus.NewMemoryEventBus(log)
	interrupter := &fakeInterrupter{}

	q := New(reg, store, eventBus, interrupter, log, cfg)
	t.Cleanup(func() {
		_ = q.Stop(context.Background())
		_ = store.Close()
		eventBus.Close()
	})
	return q, reg, interrupter, eventBus
}

func simpleDef(jobType string, run registry.RunFunc) *registry.Definition {
	return &registry.Definition{Type: jobType, Run: run}
}

func succeedRun(rc registry.RunContext, payload map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"ok": true}, nil
}

func TestQueue_EnqueueUnknownType(t *testing.T) {
	q, _, _, _ := newTestQueue(t, fastConfig())
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, err := q.Enqueue(&v1.EnqueueJobRequest{Type: "nope", ProjectID: "p-1"})
	if !errors.Is(err, registry.ErrUnknownJobType) {
		t.Fatalf("expected ErrUnknownJobType, got %v", err)
	}
}

func TestQueue_EnqueueInvalidPayload(t *testing.T) {
	q, reg, _, _ := newTestQueue(t, fastConfig())
	def := simpleDef("typed", succeedRun)
	def.PayloadSchema = []byte(`{"type":"object","required":["session_id"]}`)
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, err := q.Enqueue(&v1.EnqueueJobRequest{Type: "typed", ProjectID: "p-1", Payload: map[string]interface{}{}})
	if !errors.Is(err, registry.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestQueue_RunToCompletion(t *testing.T) {
	q, reg, _, _ := newTestQueue(t, fastConfig())
	if err := reg.Register(simpleDef("work", succeedRun)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res, err := q.Enqueue(&v1.EnqueueJobRequest{Type: "work", ProjectID: "p-1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if res.Status != v1.EnqueueStatusEnqueued {
		t.Fatalf("expected enqueued, got %s", res.Status)
	}

	job := q.WaitForTerminal(res.Job.ID, 2*time.Second)
	if job == nil {
		t.Fatal("job did not reach a terminal state")
	}
	if job.State != v1.JobStateCompleted {
		t.Fatalf("expected completed, got %s (error=%q)", job.State, job.Error)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", job.Attempts)
	}
	if job.Result["ok"] != true {
		t.Fatalf("expected result to carry ok=true, got %v", job.Result)
	}
	if job.CompletedAt == nil || job.StartedAt == nil {
		t.Fatal("expected started/completed timestamps to be set")
	}
}

func TestQueue_SingleFlightAndRetryClassification(t *testing.T) {
	q, reg, _, _ := newTestQueue(t, fastConfig())

	var attempts int32
	def := &registry.Definition{
		Type:   "flaky",
		Dedupe: registry.DedupeSingleFlight,
		Run: func(rc registry.RunContext, payload map[string]interface{}) (map[string]interface{}, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return nil, errors.New("service temporarily unavailable")
			}
			return map[string]interface{}{"done": true}, nil
		},
		Retry: registry.RetryPolicy{MaxAttempts: 2, BaseDelay: 20 * time.Millisecond},
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	req := &v1.EnqueueJobRequest{Type: "flaky", ProjectID: "p-1", DedupeKey: "k-1"}
	first, err := q.Enqueue(req)
	if err != nil {
		t.Fatalf("first Enqueue failed: %v", err)
	}
	second, err := q.Enqueue(req)
	if err != nil {
		t.Fatalf("second Enqueue failed: %v", err)
	}
	if second.Status != v1.EnqueueStatusAlreadyQueued {
		t.Fatalf("expected already_queued, got %s", second.Status)
	}
	if second.Job.ID != first.Job.ID {
		t.Fatalf("expected dedupe to reference job %s, got %s", first.Job.ID, second.Job.ID)
	}

	job := q.WaitForTerminal(first.Job.ID, 3*time.Second)
	if job == nil {
		t.Fatal("job did not reach a terminal state")
	}
	if job.State != v1.JobStateCompleted {
		t.Fatalf("expected completed after retry, got %s (error=%q)", job.State, job.Error)
	}
	if job.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", job.Attempts)
	}
}

func TestQueue_FatalErrorFailsWithoutRetry(t *testing.T) {
	q, reg, _, _ := newTestQueue(t, fastConfig())
	def := simpleDef("doomed", func(rc registry.RunContext, payload map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("schema mismatch")
	})
	def.Retry = registry.RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res, _ := q.Enqueue(&v1.EnqueueJobRequest{Type: "doomed", ProjectID: "p-1"})
	job := q.WaitForTerminal(res.Job.ID, 2*time.Second)
	if job == nil {
		t.Fatal("job did not reach a terminal state")
	}
	if job.State != v1.JobStateFailed {
		t.Fatalf("expected failed, got %s", job.State)
	}
	if job.Attempts != 1 {
		t.Fatalf("fatal error must not retry, got %d attempts", job.Attempts)
	}
}

func TestQueue_TimeoutIsRetryable(t *testing.T) {
	cfg := fastConfig()
	q, reg, _, _ := newTestQueue(t, cfg)

	var attempts int32
	def := &registry.Definition{
		Type:    "slow",
		Timeout: 30 * time.Millisecond,
		Run: func(rc registry.RunContext, payload map[string]interface{}) (map[string]interface{}, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				<-rc.Context().Done()
				return nil, rc.Context().Err()
			}
			return map[string]interface{}{}, nil
		},
		Retry: registry.RetryPolicy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond},
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res, _ := q.Enqueue(&v1.EnqueueJobRequest{Type: "slow", ProjectID: "p-1"})
	job := q.WaitForTerminal(res.Job.ID, 3*time.Second)
	if job == nil {
		t.Fatal("job did not reach a terminal state")
	}
	if job.State != v1.JobStateCompleted {
		t.Fatalf("expected completed after timeout retry, got %s (error=%q)", job.State, job.Error)
	}
	if job.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", job.Attempts)
	}
}

func TestQueue_PerProjectSerialization(t *testing.T) {
	cfg := fastConfig()
	cfg.GlobalConcurrency = 4
	q, reg, _, _ := newTestQueue(t, cfg)

	var inFlight, maxInFlight int32
	def := simpleDef("serial", func(rc registry.RunContext, payload map[string]interface{}) (map[string]interface{}, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil, nil
	})
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := q.Enqueue(&v1.EnqueueJobRequest{Type: "serial", ProjectID: "p-1"})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, res.Job.ID)
	}

	for _, id := range ids {
		if q.WaitForTerminal(id, 3*time.Second) == nil {
			t.Fatalf("job %s did not finish", id)
		}
	}
	if atomic.LoadInt32(&maxInFlight) != 1 {
		t.Fatalf("expected one in-flight job per project, observed %d", maxInFlight)
	}
}

func TestQueue_GlobalConcurrencyCap(t *testing.T) {
	cfg := fastConfig()
	cfg.GlobalConcurrency = 2
	q, reg, _, _ := newTestQueue(t, cfg)

	var inFlight, maxInFlight int32
	def := simpleDef("parallel", func(rc registry.RunContext, payload map[string]interface{}) (map[string]interface{}, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil, nil
	})
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var ids []string
	for _, project := range []string{"p-1", "p-2", "p-3", "p-4"} {
		res, err := q.Enqueue(&v1.EnqueueJobRequest{Type: "parallel", ProjectID: project})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, res.Job.ID)
	}

	for _, id := range ids {
		if q.WaitForTerminal(id, 3*time.Second) == nil {
			t.Fatalf("job %s did not finish", id)
		}
	}
	if got := atomic.LoadInt32(&maxInFlight); got > 2 {
		t.Fatalf("global concurrency exceeded: observed %d", got)
	}
}

func TestQueue_DropDuplicate(t *testing.T) {
	q, reg, _, _ := newTestQueue(t, fastConfig())
	def := simpleDef("dup", succeedRun)
	def.Dedupe = registry.DedupeDropDuplicate
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	// Not started: jobs stay queued so dedupe is deterministic

	first, err := q.Enqueue(&v1.EnqueueJobRequest{Type: "dup", ProjectID: "p-1", DedupeKey: "k"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	second, err := q.Enqueue(&v1.EnqueueJobRequest{Type: "dup", ProjectID: "p-1", DedupeKey: "k"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if second.Status != v1.EnqueueStatusAlreadyQueued || second.Job.ID != first.Job.ID {
		t.Fatalf("expected drop onto %s, got %s/%s", first.Job.ID, second.Status, second.Job.ID)
	}

	// Different project is not a duplicate
	third, err := q.Enqueue(&v1.EnqueueJobRequest{Type: "dup", ProjectID: "p-2", DedupeKey: "k"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if third.Status != v1.EnqueueStatusEnqueued {
		t.Fatalf("expected enqueued for other project, got %s", third.Status)
	}
}

func TestQueue_MergeDuplicate(t *testing.T) {
	q, reg, _, _ := newTestQueue(t, fastConfig())
	def := simpleDef("merge", succeedRun)
	def.Dedupe = registry.DedupeMergeDuplicate
	def.Merge = func(existing, incoming map[string]interface{}) map[string]interface{} {
		out := map[string]interface{}{}
		for k, v := range existing {
			out[k] = v
		}
		for k, v := range incoming {
			out[k] = v
		}
		return out
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	first, err := q.Enqueue(&v1.EnqueueJobRequest{
		Type: "merge", ProjectID: "p-1", DedupeKey: "k",
		Payload: map[string]interface{}{"a": "1"},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	second, err := q.Enqueue(&v1.EnqueueJobRequest{
		Type: "merge", ProjectID: "p-1", DedupeKey: "k",
		Payload: map[string]interface{}{"b": "2"},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if second.Status != v1.EnqueueStatusAlreadyQueued {
		t.Fatalf("expected already_queued, got %s", second.Status)
	}

	merged := q.Get(first.Job.ID)
	if merged.Payload["a"] != "1" || merged.Payload["b"] != "2" {
		t.Fatalf("expected merged payload, got %v", merged.Payload)
	}
}

func TestQueue_CapacityCaps(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxGlobal = 2
	q, reg, _, _ := newTestQueue(t, cfg)
	if err := reg.Register(simpleDef("capped", succeedRun)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(&v1.EnqueueJobRequest{Type: "capped", ProjectID: "p-1"}); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}
	_, err := q.Enqueue(&v1.EnqueueJobRequest{Type: "capped", ProjectID: "p-1"})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestQueue_CancelQueued(t *testing.T) {
	q, reg, _, _ := newTestQueue(t, fastConfig())
	if err := reg.Register(simpleDef("idle", succeedRun)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	res, _ := q.Enqueue(&v1.EnqueueJobRequest{Type: "idle", ProjectID: "p-1"})
	cancel, err := q.Cancel(res.Job.ID, "user request")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancel.Status != v1.CancelStatusCanceled {
		t.Fatalf("expected canceled, got %s", cancel.Status)
	}
	if cancel.Job.State != v1.JobStateCanceled {
		t.Fatalf("expected canceled state, got %s", cancel.Job.State)
	}

	again, _ := q.Cancel(res.Job.ID, "again")
	if again.Status != v1.CancelStatusAlreadyTerminal {
		t.Fatalf("expected already_terminal, got %s", again.Status)
	}
	missing, _ := q.Cancel("nope", "x")
	if missing.Status != v1.CancelStatusNotFound {
		t.Fatalf("expected not_found, got %s", missing.Status)
	}
}

func TestQueue_CancelRunningMarkCanceled(t *testing.T) {
	q, reg, _, _ := newTestQueue(t, fastConfig())

	started := make(chan struct{})
	def := simpleDef("long", func(rc registry.RunContext, payload map[string]interface{}) (map[string]interface{}, error) {
		close(started)
		<-rc.Context().Done()
		return nil, rc.Context().Err()
	})
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res, _ := q.Enqueue(&v1.EnqueueJobRequest{Type: "long", ProjectID: "p-1"})
	<-started

	cancel, err := q.Cancel(res.Job.ID, "user request")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancel.Status != v1.CancelStatusCanceled {
		t.Fatalf("expected canceled, got %s", cancel.Status)
	}

	job := q.WaitForTerminal(res.Job.ID, 2*time.Second)
	if job == nil || job.State != v1.JobStateCanceled {
		t.Fatalf("expected canceled terminal state, got %+v", job)
	}
}

func TestQueue_CancelInterruptTurnForcesAbort(t *testing.T) {
	cfg := fastConfig()
	cfg.GracefulWait = 100 * time.Millisecond
	q, reg, interrupter, _ := newTestQueue(t, cfg)

	attached := make(chan struct{})
	def := &registry.Definition{
		Type:           "turn",
		CancelStrategy: registry.CancelInterruptTurn,
		Run: func(rc registry.RunContext, payload map[string]interface{}) (map[string]interface{}, error) {
			rc.SetRunningContext("th-1", "tu-1")
			close(attached)
			// Ignores the abort signal; the grace timer must force it
			time.Sleep(2 * time.Second)
			return nil, nil
		},
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res, _ := q.Enqueue(&v1.EnqueueJobRequest{Type: "turn", ProjectID: "p-1"})
	<-attached

	start := time.Now()
	if _, err := q.Cancel(res.Job.ID, "user request"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	job := q.WaitForTerminal(res.Job.ID, time.Second)
	if job == nil || job.State != v1.JobStateCanceled {
		t.Fatalf("expected forced cancel, got %+v", job)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("forced abort took too long: %v", elapsed)
	}

	if interrupter.calls() != 1 {
		t.Fatalf("expected one InterruptTurn call, got %d", interrupter.calls())
	}
	interrupter.mu.Lock()
	defer interrupter.mu.Unlock()
	if interrupter.threadIDs[0] != "th-1" || interrupter.turnIDs[0] != "tu-1" {
		t.Fatalf("InterruptTurn called with wrong context: %v/%v", interrupter.threadIDs, interrupter.turnIDs)
	}
}

func TestQueue_PickNextOrdering(t *testing.T) {
	cfg := fastConfig()
	cfg.BackgroundAging = 10 * time.Millisecond
	cfg.MaxInteractiveBurst = 2
	q, reg, _, _ := newTestQueue(t, cfg)
	if err := reg.Register(simpleDef("work", succeedRun)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	old := time.Now().UTC().Add(-time.Minute)
	newer := time.Now().UTC()

	q.mu.Lock()
	q.jobs["bg-old"] = &v1.Job{ID: "bg-old", Type: "work", ProjectID: "p-1", Priority: v1.PriorityBackground, State: v1.JobStateQueued, CreatedAt: old}
	q.jobs["inter"] = &v1.Job{ID: "inter", Type: "work", ProjectID: "p-1", Priority: v1.PriorityInteractive, State: v1.JobStateQueued, CreatedAt: newer}
	q.mu.Unlock()

	// Burst budget not exhausted: interactive wins over aged background
	q.mu.Lock()
	q.burst["p-1"] = 0
	picked := q.pickNextLocked()
	q.mu.Unlock()
	if picked.ID != "inter" {
		t.Fatalf("expected interactive first, got %s", picked.ID)
	}

	// Burst exhausted: aged background is promoted above interactive
	q.mu.Lock()
	q.burst["p-1"] = 2
	picked = q.pickNextLocked()
	q.mu.Unlock()
	if picked.ID != "bg-old" {
		t.Fatalf("expected aged background promotion, got %s", picked.ID)
	}

	// A future retry time makes a job ineligible
	future := time.Now().UTC().Add(time.Minute)
	q.mu.Lock()
	q.jobs["bg-old"].NextAttemptAt = &future
	q.jobs["inter"].NextAttemptAt = &future
	picked = q.pickNextLocked()
	q.mu.Unlock()
	if picked != nil {
		t.Fatalf("expected no runnable job, got %s", picked.ID)
	}
}

func TestQueue_ListByProject(t *testing.T) {
	q, reg, _, _ := newTestQueue(t, fastConfig())
	if err := reg.Register(simpleDef("work", succeedRun)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		res, _ := q.Enqueue(&v1.EnqueueJobRequest{Type: "work", ProjectID: "p-1"})
		ids = append(ids, res.Job.ID)
		time.Sleep(2 * time.Millisecond)
	}
	_, _ = q.Enqueue(&v1.EnqueueJobRequest{Type: "work", ProjectID: "p-2"})

	jobs := q.ListByProject("p-1", "")
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	for i, job := range jobs {
		if job.ID != ids[i] {
			t.Fatalf("expected creation order, got %v", jobs)
		}
	}

	queued := q.ListByProject("p-1", v1.JobStateQueued)
	if len(queued) != 3 {
		t.Fatalf("expected 3 queued jobs, got %d", len(queued))
	}
	if len(q.ListByProject("p-1", v1.JobStateCompleted)) != 0 {
		t.Fatal("expected no completed jobs")
	}
}

func TestQueue_WaitForTerminalTimeout(t *testing.T) {
	q, reg, _, _ := newTestQueue(t, fastConfig())
	if err := reg.Register(simpleDef("work", succeedRun)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	res, _ := q.Enqueue(&v1.EnqueueJobRequest{Type: "work", ProjectID: "p-1"})
	// Queue not started: the job stays queued
	if job := q.WaitForTerminal(res.Job.ID, 50*time.Millisecond); job != nil {
		t.Fatalf("expected nil on timeout, got %+v", job)
	}
	if q.WaitForTerminal("unknown", 10*time.Millisecond) != nil {
		t.Fatal("expected nil for unknown job")
	}
}

func TestQueue_HookFailuresAreSwallowed(t *testing.T) {
	q, reg, _, _ := newTestQueue(t, fastConfig())
	def := simpleDef("hooked", succeedRun)
	def.Hooks = registry.Hooks{
		OnQueued:    func(job *v1.Job) { panic("queued hook boom") },
		OnCompleted: func(job *v1.Job) { panic("completed hook boom") },
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res, err := q.Enqueue(&v1.EnqueueJobRequest{Type: "hooked", ProjectID: "p-1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job := q.WaitForTerminal(res.Job.ID, 2*time.Second)
	if job == nil || job.State != v1.JobStateCompleted {
		t.Fatalf("hook panic influenced job state: %+v", job)
	}
}

func TestQueue_PanicInRunIsFatalFailure(t *testing.T) {
	q, reg, _, _ := newTestQueue(t, fastConfig())
	def := simpleDef("panicky", func(rc registry.RunContext, payload map[string]interface{}) (map[string]interface{}, error) {
		panic("run boom")
	})
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res, _ := q.Enqueue(&v1.EnqueueJobRequest{Type: "panicky", ProjectID: "p-1"})
	job := q.WaitForTerminal(res.Job.ID, 2*time.Second)
	if job == nil || job.State != v1.JobStateFailed {
		t.Fatalf("expected failed after panic, got %+v", job)
	}
}

func TestQueue_TerminalEventFanOut(t *testing.T) {
	q, reg, _, eventBus := newTestQueue(t, fastConfig())
	if err := reg.Register(simpleDef("work", succeedRun)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	received := make(chan *bus.Event, 1)
	sub, err := eventBus.Subscribe(bus.SubjectJobCompleted, func(ctx context.Context, event *bus.Event) error {
		select {
		case received <- event:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	res, _ := q.Enqueue(&v1.EnqueueJobRequest{Type: "work", ProjectID: "p-1"})
	if q.WaitForTerminal(res.Job.ID, 2*time.Second) == nil {
		t.Fatal("job did not finish")
	}

	select {
	case event := <-received:
		if event.Type != v1.EventJobCompleted {
			t.Fatalf("expected %s, got %s", v1.EventJobCompleted, event.Type)
		}
		if event.Data["job_id"] != res.Job.ID {
			t.Fatalf("expected job_id %s, got %v", res.Job.ID, event.Data["job_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("no completion event received")
	}
}

func TestQueue_CrashRecovery(t *testing.T) {
	log := testLogger(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator-jobs.json")

	now := time.Now().UTC()
	persisted := []*v1.Job{
		{ID: "r-requeue", Type: "work", ProjectID: "p-1", Priority: v1.PriorityBackground,
			State: v1.JobStateRunning, Attempts: 1, MaxAttempts: 2, CreatedAt: now,
			Payload:        map[string]interface{}{},
			RunningContext: &v1.RunningContext{ThreadID: "th", TurnID: "tu"}},
		{ID: "r-maxed", Type: "work", ProjectID: "p-2", Priority: v1.PriorityBackground,
			State: v1.JobStateRunning, Attempts: 2, MaxAttempts: 2, CreatedAt: now,
			Payload: map[string]interface{}{}},
		{ID: "r-unknown", Type: "gone", ProjectID: "p-3", Priority: v1.PriorityBackground,
			State: v1.JobStateQueued, MaxAttempts: 2, CreatedAt: now,
			Payload: map[string]interface{}{}},
	}
	seed := snapshot.NewStore(path, log)
	if err := seed.Save(persisted); err != nil {
		t.Fatalf("seed Save failed: %v", err)
	}
	if err := seed.Close(); err != nil {
		t.Fatalf("seed Close failed: %v", err)
	}

	reg := registry.NewRegistry()
	if err := reg.Register(simpleDef("work", succeedRun)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	store := snapshot.NewStore(path, log)
	eventBus := bus.NewMemoryEventBus(log)
	q := New(reg, store, eventBus, &fakeInterrupter{}, log, fastConfig())
	t.Cleanup(func() {
		_ = q.Stop(context.Background())
		_ = store.Close()
		eventBus.Close()
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Unknown type was dropped
	if q.Get("r-unknown") != nil {
		t.Fatal("expected unknown-type job to be dropped during recovery")
	}

	// Attempt budget exhausted: finalized as failed
	maxed := q.Get("r-maxed")
	if maxed == nil || maxed.State != v1.JobStateFailed {
		t.Fatalf("expected recovery failure, got %+v", maxed)
	}
	if maxed.Error != "recovery_max_attempts_exceeded" {
		t.Fatalf("expected recovery_max_attempts_exceeded, got %q", maxed.Error)
	}

	// Budget remaining: requeued and re-run to completion
	requeued := q.WaitForTerminal("r-requeue", 2*time.Second)
	if requeued == nil || requeued.State != v1.JobStateCompleted {
		t.Fatalf("expected recovered job to complete, got %+v", requeued)
	}
	if requeued.Attempts != 2 {
		t.Fatalf("expected attempts=2 after recovery re-run, got %d", requeued.Attempts)
	}
}

func TestQueue_Status(t *testing.T) {
	q, reg, _, _ := newTestQueue(t, fastConfig())
	if err := reg.Register(simpleDef("work", succeedRun)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res, _ := q.Enqueue(&v1.EnqueueJobRequest{Type: "work", ProjectID: "p-1"})
	if q.WaitForTerminal(res.Job.ID, 2*time.Second) == nil {
		t.Fatal("job did not finish")
	}

	status := q.Status()
	if status.Completed != 1 {
		t.Fatalf("expected 1 completed, got %+v", status)
	}
	if status.TotalProcessed != 1 {
		t.Fatalf("expected TotalProcessed=1, got %d", status.TotalProcessed)
	}
	if status.MaxConcurrent != q.config.GlobalConcurrency {
		t.Fatalf("expected MaxConcurrent=%d, got %d", q.config.GlobalConcurrency, status.MaxConcurrent)
	}
}

func TestQueue_RetentionTrimming(t *testing.T) {
	cfg := fastConfig()
	cfg.RetainedPerProject = 2
	q, reg, _, _ := newTestQueue(t, cfg)
	if err := reg.Register(simpleDef("work", succeedRun)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		res, err := q.Enqueue(&v1.EnqueueJobRequest{Type: "work", ProjectID: "p-1"})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if q.WaitForTerminal(res.Job.ID, 2*time.Second) == nil {
			t.Fatalf("job %d did not finish", i)
		}
	}

	terminal := q.ListByProject("p-1", v1.JobStateCompleted)
	if len(terminal) > 2 {
		t.Fatalf("retention cap not enforced: %d terminal jobs", len(terminal))
	}
}
