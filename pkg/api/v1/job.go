package v1

import "time"

// JobState represents the lifecycle state of an orchestrated job
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
)

// Terminal returns true for states that end the job lifecycle
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCanceled
}

// JobPriority is the scheduling class of a job
type JobPriority string

const (
	PriorityInteractive JobPriority = "interactive"
	PriorityBackground  JobPriority = "background"
)

// RunningContext identifies the agent turn a running job is attached to.
// It is populated only while the job is in the running state.
type RunningContext struct {
	ThreadID string `json:"thread_id"`
	TurnID   string `json:"turn_id"`
}

// Job is an orchestrated unit of background work scoped to a project
type Job struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	SchemaVersion   int                    `json:"schema_version"`
	ProjectID       string                 `json:"project_id"`
	SourceSessionID string                 `json:"source_session_id,omitempty"`
	Priority        JobPriority            `json:"priority"`
	State           JobState               `json:"state"`
	DedupeKey       string                 `json:"dedupe_key,omitempty"`
	Payload         map[string]interface{} `json:"payload"`
	Result          map[string]interface{} `json:"result,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Attempts        int                    `json:"attempts"`
	MaxAttempts     int                    `json:"max_attempts"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	LastAttemptAt   *time.Time             `json:"last_attempt_at,omitempty"`
	CancelRequested *time.Time             `json:"cancel_requested_at,omitempty"`
	NextAttemptAt   *time.Time             `json:"next_attempt_at,omitempty"`
	RunningContext  *RunningContext        `json:"running_context,omitempty"`
}

// EnqueueJobRequest for submitting a new job
type EnqueueJobRequest struct {
	Type            string                 `json:"type" binding:"required"`
	ProjectID       string                 `json:"project_id" binding:"required"`
	SourceSessionID string                 `json:"source_session_id,omitempty"`
	Priority        JobPriority            `json:"priority,omitempty"`
	DedupeKey       string                 `json:"dedupe_key,omitempty"`
	Payload         map[string]interface{} `json:"payload"`
}

// EnqueueStatus reports the outcome of an enqueue request
type EnqueueStatus string

const (
	EnqueueStatusEnqueued      EnqueueStatus = "enqueued"
	EnqueueStatusAlreadyQueued EnqueueStatus = "already_queued"
)

// EnqueueResult is the successful response to an enqueue request
type EnqueueResult struct {
	Status EnqueueStatus `json:"status"`
	Job    *Job          `json:"job"`
}

// CancelStatus reports the outcome of a cancel request
type CancelStatus string

const (
	CancelStatusNotFound        CancelStatus = "not_found"
	CancelStatusAlreadyTerminal CancelStatus = "already_terminal"
	CancelStatusCanceled        CancelStatus = "canceled"
)

// CancelResult is the response to a cancel request
type CancelResult struct {
	Status CancelStatus `json:"status"`
	Job    *Job         `json:"job,omitempty"`
}

// QueueStatus contains queue statistics for the status endpoint
type QueueStatus struct {
	Queued         int   `json:"queued"`
	Running        int   `json:"running"`
	Completed      int   `json:"completed"`
	Failed         int   `json:"failed"`
	Canceled       int   `json:"canceled"`
	MaxConcurrent  int   `json:"max_concurrent"`
	TotalProcessed int64 `json:"total_processed"`
	TotalFailed    int64 `json:"total_failed"`
}
