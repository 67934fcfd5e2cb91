// Package executor performs privileged side effects on behalf of
// extension handlers: envelope validation, capability gating,
// idempotent replay, scope enforcement and dispatch.
package executor

import (
	"context"
	"errors"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/pilotd/pilotd/internal/common/logger"
	"github.com/pilotd/pilotd/internal/extensions/trust"
	"github.com/pilotd/pilotd/internal/orchestrator/queue"
	"github.com/pilotd/pilotd/internal/orchestrator/registry"
	"github.com/pilotd/pilotd/internal/profile"
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// CacheSize bounds the idempotency replay cache
const CacheSize = 5000

// Scope restricts what an action may touch. Identifiers in the payload
// must match; mismatches are forbidden.
type Scope struct {
	ProjectID       string
	SourceSessionID string
	TurnID          string
}

// Capability is the requesting module's declared action surface
type Capability struct {
	Module          string
	DeclaredActions []string
	TrustMode       trust.Mode
}

// Options qualify a single execution
type Options struct {
	Scope      *Scope
	Capability *Capability
}

// Enqueuer is the queue surface the executor dispatches queue.enqueue to
type Enqueuer interface {
	Enqueue(req *v1.EnqueueJobRequest) (*v1.EnqueueResult, error)
}

type cacheEntry struct {
	signature uint64
	result    v1.ActionResult
}

// Executor validates and performs action requests. Stateless per call
// except for the idempotency cache; safe for concurrent use.
type Executor struct {
	adapter  profile.Adapter
	enqueuer Enqueuer
	schemas  map[string]*jsonschema.Schema
	cache    *lru.Cache[string, cacheEntry]
	logger   *logger.Logger
}

// New creates an executor
func New(adapter profile.Adapter, enqueuer Enqueuer, log *logger.Logger) (*Executor, error) {
	schemas, err := compilePayloadSchemas()
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, cacheEntry](CacheSize)
	if err != nil {
		return nil, err
	}
	return &Executor{
		adapter:  adapter,
		enqueuer: enqueuer,
		schemas:  schemas,
		cache:    cache,
		logger:   log.WithFields(zap.String("component", "action_executor")),
	}, nil
}

// replayCacheable statuses may be served from the idempotency cache.
// Failed results are never cached so callers can retry.
func replayCacheable(status v1.ActionStatus) bool {
	switch status {
	case v1.ActionStatusPerformed, v1.ActionStatusAlreadyResolved, v1.ActionStatusNotEligible,
		v1.ActionStatusConflict, v1.ActionStatusForbidden, v1.ActionStatusInvalid:
		return true
	}
	return false
}

// Execute performs one action request. It always returns a structured
// result, never an error.
func (e *Executor) Execute(ctx context.Context, req *v1.ActionRequest, opts Options) *v1.ActionResult {
	result := e.execute(ctx, req, opts)
	result.Kind = "action_result"
	if req != nil {
		result.ActionType = req.ActionType
		result.RequestID = req.RequestID
		result.IdempotencyKey = req.IdempotencyKey
	}
	return result
}

func (e *Executor) execute(ctx context.Context, req *v1.ActionRequest, opts Options) *v1.ActionResult {
	// Envelope validation
	if req == nil || strings.TrimSpace(req.ActionType) == "" {
		return invalid("action_type is required")
	}
	if req.Payload == nil {
		return invalid("payload object is required")
	}
	schema, known := e.schemas[req.ActionType]
	if !known {
		return invalid("unsupported action type: " + req.ActionType)
	}
	if err := schema.Validate(req.Payload); err != nil {
		return invalid(err.Error())
	}

	// Capability gate
	if capability := opts.Capability; capability != nil {
		decision := trust.EvaluateAction(capability.DeclaredActions, req.ActionType, capability.TrustMode)
		if !decision.Allowed {
			return &v1.ActionResult{
				Status:  v1.ActionStatusForbidden,
				Details: map[string]interface{}{"code": v1.CodeUndeclaredCapability},
			}
		}
		if decision.Warn {
			e.logger.Warn("executing undeclared action under warn mode",
				zap.String("module", capability.Module),
				zap.String("action_type", req.ActionType))
		}
	}

	// Idempotency replay
	sig := signature(req.ActionType, req.Payload, opts.Scope)
	if req.IdempotencyKey != "" {
		if entry, ok := e.cache.Get(req.IdempotencyKey); ok {
			if entry.signature != sig {
				return &v1.ActionResult{
					Status:  v1.ActionStatusConflict,
					Details: map[string]interface{}{"code": v1.CodeIdempotencyConflict},
				}
			}
			cached := entry.result
			return &cached
		}
	}

	result := e.dispatch(ctx, req, opts.Scope)

	if req.IdempotencyKey != "" && replayCacheable(result.Status) {
		e.cache.Add(req.IdempotencyKey, cacheEntry{signature: sig, result: *result})
	}
	return result
}

// dispatch routes a validated request to the adapter or the queue
func (e *Executor) dispatch(ctx context.Context, req *v1.ActionRequest, scope *Scope) *v1.ActionResult {
	switch req.ActionType {
	case v1.ActionTranscriptUpsert:
		return e.transcriptUpsert(ctx, req, scope)
	case v1.ActionApprovalDecide:
		return e.approvalDecide(ctx, req, scope)
	case v1.ActionTurnSteerCreate:
		return e.turnSteer(ctx, req, scope)
	case v1.ActionQueueEnqueue:
		return e.queueEnqueue(req, scope)
	}
	return invalid("unsupported action type: " + req.ActionType)
}

func (e *Executor) transcriptUpsert(ctx context.Context, req *v1.ActionRequest, scope *Scope) *v1.ActionResult {
	sessionID, _ := req.Payload["sessionId"].(string)
	entry, _ := req.Payload["entry"].(map[string]interface{})
	turnID, _ := entry["turnId"].(string)

	if scope != nil {
		if sessionID != scope.SourceSessionID {
			return scopeMismatch(v1.CodeScopeSessionMismatch)
		}
		if turnID != scope.TurnID {
			return scopeMismatch(v1.CodeScopeTurnMismatch)
		}
	}

	outcome, err := e.adapter.UpsertTranscript(ctx, &profile.TranscriptUpsert{
		SessionID: sessionID,
		TurnID:    turnID,
		Entry:     entry,
	})
	return normalizeOutcome(outcome, err)
}

func (e *Executor) approvalDecide(ctx context.Context, req *v1.ActionRequest, scope *Scope) *v1.ActionResult {
	approvalID, _ := req.Payload["approvalId"].(string)
	decision, _ := req.Payload["decision"].(string)

	if scope != nil {
		approval, err := e.adapter.ReadApproval(ctx, approvalID)
		if err != nil {
			return normalizeError(err)
		}
		if approval.ThreadID != scope.SourceSessionID {
			return scopeMismatch(v1.CodeScopeSessionMismatch)
		}
		if approval.TurnID != scope.TurnID {
			return scopeMismatch(v1.CodeScopeTurnMismatch)
		}
	}

	outcome, err := e.adapter.DecideApproval(ctx, &profile.ApprovalDecision{
		ApprovalID: approvalID,
		Decision:   decision,
	})
	return normalizeOutcome(outcome, err)
}

func (e *Executor) turnSteer(ctx context.Context, req *v1.ActionRequest, scope *Scope) *v1.ActionResult {
	sessionID, _ := req.Payload["sessionId"].(string)
	turnID, _ := req.Payload["turnId"].(string)
	instruction, _ := req.Payload["instruction"].(string)

	if scope != nil {
		if sessionID != scope.SourceSessionID {
			return scopeMismatch(v1.CodeScopeSessionMismatch)
		}
		if turnID != scope.TurnID {
			return scopeMismatch(v1.CodeScopeTurnMismatch)
		}
	}

	outcome, err := e.adapter.SteerTurn(ctx, &profile.TurnSteer{
		SessionID:   sessionID,
		TurnID:      turnID,
		Instruction: instruction,
	})
	return normalizeOutcome(outcome, err)
}

func (e *Executor) queueEnqueue(req *v1.ActionRequest, scope *Scope) *v1.ActionResult {
	projectID, _ := req.Payload["projectId"].(string)
	sourceSessionID, _ := req.Payload["sourceSessionId"].(string)

	if scope != nil {
		if projectID != scope.ProjectID {
			return scopeMismatch(v1.CodeScopeProjectMismatch)
		}
		if sourceSessionID != "" && sourceSessionID != scope.SourceSessionID {
			return scopeMismatch(v1.CodeScopeSessionMismatch)
		}
	}

	jobType, _ := req.Payload["type"].(string)
	priority, _ := req.Payload["priority"].(string)
	dedupeKey, _ := req.Payload["dedupeKey"].(string)
	payload, _ := req.Payload["payload"].(map[string]interface{})

	result, err := e.enqueuer.Enqueue(&v1.EnqueueJobRequest{
		Type:            jobType,
		ProjectID:       projectID,
		SourceSessionID: sourceSessionID,
		Priority:        v1.JobPriority(priority),
		DedupeKey:       dedupeKey,
		Payload:         payload,
	})
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrInvalidPayload), errors.Is(err, registry.ErrUnknownJobType):
			return invalid(err.Error())
		case errors.Is(err, queue.ErrQueueFull):
			return failed(map[string]interface{}{"code": "queue_full", "message": err.Error()})
		default:
			return failed(map[string]interface{}{"message": err.Error()})
		}
	}

	details := map[string]interface{}{
		"job_id":         result.Job.ID,
		"enqueue_status": string(result.Status),
	}
	if result.Status == v1.EnqueueStatusAlreadyQueued {
		return &v1.ActionResult{Status: v1.ActionStatusAlreadyResolved, Details: details}
	}
	return &v1.ActionResult{Status: v1.ActionStatusPerformed, Details: details}
}

// normalizeOutcome maps adapter outcomes and errors to action results
func normalizeOutcome(outcome *profile.Outcome, err error) *v1.ActionResult {
	if err != nil {
		return normalizeError(err)
	}
	if outcome == nil || outcome.Status == "" {
		return failed(map[string]interface{}{"code": v1.CodeInvalidActionResult})
	}
	return &v1.ActionResult{Status: outcome.Status, Details: outcome.Details}
}

// normalizeError maps downstream error text conservatively: missing or
// already-handled entities resolve quietly, contention is a conflict,
// everything else fails.
func normalizeError(err error) *v1.ActionResult {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"), strings.Contains(msg, "already handled"),
		strings.Contains(msg, "already resolved"):
		return &v1.ActionResult{
			Status:  v1.ActionStatusAlreadyResolved,
			Details: map[string]interface{}{"message": err.Error()},
		}
	case strings.Contains(msg, "no active turn"), strings.Contains(msg, "conflict"):
		return &v1.ActionResult{
			Status:  v1.ActionStatusConflict,
			Details: map[string]interface{}{"message": err.Error()},
		}
	default:
		return failed(map[string]interface{}{"message": err.Error()})
	}
}

func invalid(issue string) *v1.ActionResult {
	return &v1.ActionResult{
		Status:  v1.ActionStatusInvalid,
		Details: map[string]interface{}{"issues": []interface{}{issue}},
	}
}

func failed(details map[string]interface{}) *v1.ActionResult {
	return &v1.ActionResult{Status: v1.ActionStatusFailed, Details: details}
}

func scopeMismatch(code string) *v1.ActionResult {
	return &v1.ActionResult{
		Status:  v1.ActionStatusForbidden,
		Details: map[string]interface{}{"code": code},
	}
}
