// Package registry holds per-job-type configuration: payload and result
// schemas, retry policy, dedupe mode, timeout, and the run function.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

var (
	// ErrUnknownJobType is returned when a job type is not registered
	ErrUnknownJobType = errors.New("unknown job type")
	// ErrInvalidPayload is returned when a payload fails schema validation
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrInvalidResult is returned when a run result fails schema validation
	ErrInvalidResult = errors.New("invalid result")
	// ErrDefinitionExists is returned when registering a duplicate job type
	ErrDefinitionExists = errors.New("job type already registered")
)

// DedupeMode controls duplicate admission for a job type
type DedupeMode string

const (
	DedupeNone           DedupeMode = "none"
	DedupeSingleFlight   DedupeMode = "single_flight"
	DedupeDropDuplicate  DedupeMode = "drop_duplicate"
	DedupeMergeDuplicate DedupeMode = "merge_duplicate"
)

// CancelStrategy controls how a running job reacts to a cancel request
type CancelStrategy string

const (
	// CancelMarkCanceled aborts the run context and marks the job canceled.
	CancelMarkCanceled CancelStrategy = "mark_canceled"
	// CancelInterruptTurn asks the agent runtime to interrupt the attached
	// turn first, falling back to a hard abort after a grace period.
	CancelInterruptTurn CancelStrategy = "interrupt_turn"
)

// ErrorClass is the retry classification of a run failure
type ErrorClass string

const (
	ErrorRetryable ErrorClass = "retryable"
	ErrorFatal     ErrorClass = "fatal"
)

// Classifier maps a run error to a retry class
type Classifier func(err error) ErrorClass

// transientMarkers are error substrings produced by agent runtimes for
// conditions that clear on their own.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"temporarily unavailable",
	"thread not found",
	"no rollout found",
	"made no item progress",
}

// DefaultClassifier treats known transient runtime failures as retryable
// and everything else as fatal.
func DefaultClassifier(err error) ErrorClass {
	if err == nil {
		return ErrorFatal
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return ErrorRetryable
		}
	}
	return ErrorFatal
}

// RetryPolicy controls requeue behavior for retryable failures
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter in [0,1): fraction of the computed delay added randomly.
	Jitter   float64
	Classify Classifier
}

// DelayForAttempt returns the backoff before the given attempt number
// (1-based): base * 2^(attempt-1), capped at MaxDelay. Jitter is applied
// by the caller so tests stay deterministic.
func (p RetryPolicy) DelayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// RunContext is handed to a job's run function. It carries the
// cancellation signal and the channels back into the scheduler.
type RunContext interface {
	// Context is canceled on timeout, explicit cancel, or shutdown.
	Context() context.Context
	// SetRunningContext attaches the agent turn this job is driving.
	// The update is persisted so interrupt_turn survives a crash.
	SetRunningContext(threadID, turnID string)
	// EmitProgress fans out a progress event for streaming consumers.
	EmitProgress(data map[string]interface{})
}

// RunFunc executes one attempt of a job
type RunFunc func(rc RunContext, payload map[string]interface{}) (map[string]interface{}, error)

// MergeFunc combines a duplicate enqueue's payload into the queued one
// (merge_duplicate mode). The returned payload is re-validated.
type MergeFunc func(existing, incoming map[string]interface{}) map[string]interface{}

// DedupeKeyFunc derives a dedupe key from a payload when the enqueue
// request does not carry one explicitly.
type DedupeKeyFunc func(payload map[string]interface{}) string

// Hooks are lifecycle callbacks. Failures are logged and swallowed by
// the queue; they never influence job state.
type Hooks struct {
	OnQueued    func(job *v1.Job)
	OnStarted   func(job *v1.Job)
	OnCompleted func(job *v1.Job)
	OnFailed    func(job *v1.Job)
	OnCanceled  func(job *v1.Job)
}

// Definition is the full per-job-type configuration
type Definition struct {
	Type          string
	SchemaVersion int

	// PayloadSchema and ResultSchema are raw JSON Schema documents.
	// They are compiled once at registration.
	PayloadSchema []byte
	ResultSchema  []byte

	Run            RunFunc
	Dedupe         DedupeMode
	DedupeKey      DedupeKeyFunc
	Merge          MergeFunc
	Timeout        time.Duration
	CancelStrategy CancelStrategy
	GracefulWait   time.Duration
	Retry          RetryPolicy
	Hooks          Hooks

	payloadSchema *compiledSchema
	resultSchema  *compiledSchema
}

// ValidatePayload checks a payload against the definition's payload schema
func (d *Definition) ValidatePayload(payload map[string]interface{}) error {
	if d.payloadSchema == nil {
		return nil
	}
	if err := d.payloadSchema.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// ValidateResult checks a run result against the definition's result schema
func (d *Definition) ValidateResult(result map[string]interface{}) error {
	if d.resultSchema == nil {
		return nil
	}
	if err := d.resultSchema.Validate(result); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	return nil
}

// Registry is a concurrency-safe map of job type to definition
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register validates and stores a definition. Schemas are compiled here
// so a malformed schema fails fast at startup rather than at enqueue.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Type == "" {
		return errors.New("definition requires a job type")
	}
	if def.Run == nil {
		return fmt.Errorf("definition %s requires a run function", def.Type)
	}
	if def.Dedupe == "" {
		def.Dedupe = DedupeNone
	}
	if def.Dedupe == DedupeMergeDuplicate && def.Merge == nil {
		return fmt.Errorf("definition %s uses merge_duplicate but has no merge function", def.Type)
	}
	if def.CancelStrategy == "" {
		def.CancelStrategy = CancelMarkCanceled
	}
	if def.Retry.Classify == nil {
		def.Retry.Classify = DefaultClassifier
	}
	if def.SchemaVersion == 0 {
		def.SchemaVersion = 1
	}

	if len(def.PayloadSchema) > 0 {
		cs, err := compileSchema(def.Type+"/payload.json", def.PayloadSchema)
		if err != nil {
			return fmt.Errorf("definition %s payload schema: %w", def.Type, err)
		}
		def.payloadSchema = cs
	}
	if len(def.ResultSchema) > 0 {
		cs, err := compileSchema(def.Type+"/result.json", def.ResultSchema)
		if err != nil {
			return fmt.Errorf("definition %s result schema: %w", def.Type, err)
		}
		def.resultSchema = cs
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists {
		return fmt.Errorf("%w: %s", ErrDefinitionExists, def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// Get returns the definition for a job type
func (r *Registry) Get(jobType string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return def, nil
}

// Has reports whether a job type is registered
func (r *Registry) Has(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[jobType]
	return ok
}

// Types returns the registered job types, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
