package v1

// Result kinds produced by event dispatch
const (
	KindEnqueueResult = "enqueue_result"
	KindHandlerResult = "handler_result"
	KindActionRequest = "action_request"
	KindActionResult  = "action_result"
	KindHandlerError  = "handler_error"
)

// DispatchResult is one entry in the result list returned by an emit.
// Exactly one of the kind-specific fields is populated, selected by Kind.
type DispatchResult struct {
	Kind       string                 `json:"kind"`
	ModuleName string                 `json:"module_name"`
	EventType  string                 `json:"event_type,omitempty"`

	// kind == enqueue_result
	EnqueueStatus EnqueueStatus `json:"enqueue_status,omitempty"`
	Job           *Job          `json:"job,omitempty"`

	// kind == handler_result
	Details map[string]interface{} `json:"details,omitempty"`

	// kind == action_result
	Action *ActionResult `json:"action,omitempty"`

	// kind == handler_error
	Message string `json:"message,omitempty"`
}
