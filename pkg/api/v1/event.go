package v1

// Event is the envelope handed to extension handlers
type Event struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// Well-known event types emitted by the control plane. Extensions may
// register handlers for arbitrary additional types.
const (
	EventSuggestRequested      = "suggest_request.requested"
	EventFileChangeApproval    = "file_change.approval_requested"
	EventTurnCompleted         = "turn.completed"
	EventAppServerItemStarted  = "app_server.item.started"
	EventJobCompleted          = "job.completed"
	EventJobFailed             = "job.failed"
	EventJobCanceled           = "job.canceled"
	EventJobProgress           = "job.progress"
)
