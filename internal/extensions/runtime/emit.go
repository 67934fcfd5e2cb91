package runtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pilotd/pilotd/internal/extensions/trust"
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// ExecuteActionFunc executes an action request on behalf of a handler
// and returns a structured result. Supplied per emit by the caller.
type ExecuteActionFunc func(ctx context.Context, module string, req *v1.ActionRequest) *v1.ActionResult

// Emit dispatches an event to every registered handler in canonical
// order and returns the complete result list in that order. The emit
// runs against the snapshot active at entry; a concurrent reload does
// not affect it.
func (r *Runtime) Emit(ctx context.Context, event *v1.Event, tools *Tools, executeAction ExecuteActionFunc) []v1.DispatchResult {
	snap := r.active.Load()
	if snap == nil || event == nil {
		return []v1.DispatchResult{}
	}

	handlers := snap.handlers[event.Type]
	results := make([]v1.DispatchResult, 0, len(handlers))

	var winnerModule, winnerActionType string

	for _, h := range handlers {
		value, err := r.invokeHandler(ctx, h, event, tools)
		if err != nil {
			results = append(results, v1.DispatchResult{
				Kind:       v1.KindHandlerError,
				ModuleName: h.Module,
				EventType:  event.Type,
				Message:    err.Error(),
			})
			continue
		}

		switch typed := value.(type) {
		case *v1.EnqueueResult:
			results = append(results, v1.DispatchResult{
				Kind:          v1.KindEnqueueResult,
				ModuleName:    h.Module,
				EventType:     event.Type,
				EnqueueStatus: typed.Status,
				Job:           typed.Job,
			})

		case *v1.ActionRequest:
			result := r.reconcileAction(ctx, snap, h.Module, typed, executeAction, winnerModule, winnerActionType)
			results = append(results, v1.DispatchResult{
				Kind:       v1.KindActionResult,
				ModuleName: h.Module,
				EventType:  event.Type,
				Action:     result,
			})
			if result.Status == v1.ActionStatusPerformed && winnerModule == "" {
				winnerModule = h.Module
				winnerActionType = typed.ActionType
			}

		case *v1.ActionResult:
			// Handlers request actions; asserting a result directly is
			// rejected so modules cannot forge execution outcomes.
			results = append(results, v1.DispatchResult{
				Kind:       v1.KindActionResult,
				ModuleName: h.Module,
				EventType:  event.Type,
				Action: &v1.ActionResult{
					Kind:       "action_result",
					ActionType: typed.ActionType,
					Status:     v1.ActionStatusInvalid,
					Details:    map[string]interface{}{"code": v1.CodeDirectActionResultDisallow},
				},
			})

		case map[string]interface{}:
			results = append(results, v1.DispatchResult{
				Kind:       v1.KindHandlerResult,
				ModuleName: h.Module,
				EventType:  event.Type,
				Details:    typed,
			})

		case nil:
			results = append(results, v1.DispatchResult{
				Kind:       v1.KindHandlerResult,
				ModuleName: h.Module,
				EventType:  event.Type,
			})

		default:
			results = append(results, v1.DispatchResult{
				Kind:       v1.KindHandlerResult,
				ModuleName: h.Module,
				EventType:  event.Type,
				Details:    map[string]interface{}{"value": value},
			})
		}
	}
	return results
}

// reconcileAction applies winner-take-all semantics to action requests
func (r *Runtime) reconcileAction(ctx context.Context, snap *Snapshot, module string, req *v1.ActionRequest, executeAction ExecuteActionFunc, winnerModule, winnerActionType string) *v1.ActionResult {
	base := func(status v1.ActionStatus, details map[string]interface{}) *v1.ActionResult {
		return &v1.ActionResult{
			Kind:           "action_result",
			ActionType:     req.ActionType,
			Status:         status,
			RequestID:      req.RequestID,
			IdempotencyKey: req.IdempotencyKey,
			Details:        details,
		}
	}

	if winnerModule != "" {
		return base(v1.ActionStatusNotEligible, map[string]interface{}{
			"code":               v1.CodeWinnerAlreadySelected,
			"winner_module_name": winnerModule,
			"winner_action_type": winnerActionType,
		})
	}

	decision := trust.EvaluateAction(snap.actions[module], req.ActionType, r.config.TrustMode)
	if !decision.Allowed {
		return base(v1.ActionStatusForbidden, map[string]interface{}{
			"code": v1.CodeUndeclaredCapability,
		})
	}
	if decision.Warn {
		r.logger.Warn("module requested undeclared action",
			zap.String("module", module),
			zap.String("action_type", req.ActionType))
	}

	if executeAction == nil {
		return base(v1.ActionStatusFailed, map[string]interface{}{
			"code": v1.CodeExecutorUnavailable,
		})
	}

	result := executeAction(ctx, module, req)
	if result == nil || result.Kind != "action_result" || result.Status == "" {
		return base(v1.ActionStatusFailed, map[string]interface{}{
			"code": v1.CodeInvalidActionResult,
		})
	}
	return result
}

// invokeHandler races a handler against its timeout and converts panics
// into handler errors so one module cannot poison the dispatch.
func (r *Runtime) invokeHandler(ctx context.Context, h *RegisteredHandler, event *v1.Event, tools *Tools) (interface{}, error) {
	hctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: fmt.Errorf("handler panicked: %v", rec)}
			}
		}()
		value, err := h.Handler(hctx, event, tools)
		ch <- outcome{value: value, err: err}
	}()

	select {
	case o := <-ch:
		return o.value, o.err
	case <-hctx.Done():
		return nil, fmt.Errorf("handler timed out after %s", h.Timeout)
	}
}
