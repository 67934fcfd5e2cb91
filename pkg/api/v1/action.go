package v1

// Action types the executor supports
const (
	ActionTranscriptUpsert = "transcript.upsert"
	ActionApprovalDecide   = "approval.decide"
	ActionTurnSteerCreate  = "turn.steer.create"
	ActionQueueEnqueue     = "queue.enqueue"
)

// ActionRequest is the envelope a handler returns when it wants a
// privileged side effect performed on its behalf. Handlers request,
// the runtime executes.
type ActionRequest struct {
	Kind           string                 `json:"kind"` // always "action_request"
	ActionType     string                 `json:"action_type"`
	Payload        map[string]interface{} `json:"payload"`
	RequestID      string                 `json:"request_id,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// ActionStatus is the normalized outcome of an action execution
type ActionStatus string

const (
	ActionStatusPerformed       ActionStatus = "performed"
	ActionStatusAlreadyResolved ActionStatus = "already_resolved"
	ActionStatusNotEligible     ActionStatus = "not_eligible"
	ActionStatusConflict        ActionStatus = "conflict"
	ActionStatusForbidden       ActionStatus = "forbidden"
	ActionStatusInvalid         ActionStatus = "invalid"
	ActionStatusFailed          ActionStatus = "failed"
)

// Detail codes attached to non-performed action results
const (
	CodeWinnerAlreadySelected       = "action_winner_already_selected"
	CodeUndeclaredCapability        = "undeclared_capability"
	CodeExecutorUnavailable         = "action_executor_unavailable"
	CodeInvalidActionResult         = "invalid_action_result"
	CodeDirectActionResultDisallow  = "direct_action_result_disallowed"
	CodeIdempotencyConflict         = "idempotency_conflict"
	CodeScopeSessionMismatch        = "scope_session_mismatch"
	CodeScopeTurnMismatch           = "scope_turn_mismatch"
	CodeScopeProjectMismatch        = "scope_project_mismatch"
)

// ActionResult is the structured outcome of executing an action request
type ActionResult struct {
	Kind           string                 `json:"kind"` // always "action_result"
	ActionType     string                 `json:"action_type"`
	Status         ActionStatus           `json:"status"`
	RequestID      string                 `json:"request_id,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
}
