// Package builtin carries the extension entrypoints that ship with the
// daemon. Their manifests live under extensions/ in the repository root;
// the factories here are installed into the entrypoint set at startup.
package builtin

import (
	"context"
	"strings"

	"github.com/pilotd/pilotd/internal/extensions/runtime"
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// Entrypoint references used by the bundled manifests
const (
	EntrypointSuggestOnRequest     = "suggest-on-request"
	EntrypointAutoApproveSafeEdits = "auto-approve-safe-edits"
)

// RegisterAll installs every bundled entrypoint factory
func RegisterAll(set *runtime.EntrypointSet) error {
	if err := set.Register(EntrypointSuggestOnRequest, SuggestOnRequest); err != nil {
		return err
	}
	return set.Register(EntrypointAutoApproveSafeEdits, AutoApproveSafeEdits)
}

// SuggestOnRequest reacts to suggestion requests by asking the queue to
// run a title suggestion job for the session.
func SuggestOnRequest(r *runtime.Registration) error {
	r.On(v1.EventSuggestRequested, func(ctx context.Context, event *v1.Event, tools *runtime.Tools) (interface{}, error) {
		sessionID, _ := event.Payload["sessionId"].(string)
		projectID, _ := event.Payload["projectId"].(string)
		if sessionID == "" || projectID == "" {
			return map[string]interface{}{"skipped": "missing sessionId or projectId"}, nil
		}

		return &v1.ActionRequest{
			Kind:           "action_request",
			ActionType:     v1.ActionQueueEnqueue,
			IdempotencyKey: "suggest:" + sessionID,
			Payload: map[string]interface{}{
				"type":            "session.suggest_titles",
				"projectId":       projectID,
				"sourceSessionId": sessionID,
				"priority":        string(v1.PriorityInteractive),
				"dedupeKey":       "suggest:" + sessionID,
				"payload": map[string]interface{}{
					"session_id": sessionID,
				},
			},
		}, nil
	})
	return nil
}

// sensitivePathMarkers disqualify a file change from auto-approval
var sensitivePathMarkers = []string{
	".env",
	"secrets",
	"credentials",
	"id_rsa",
	".pem",
}

// AutoApproveSafeEdits approves file-change requests the runtime has
// classified as safe, as long as the path looks harmless. Everything
// else is left for a human.
func AutoApproveSafeEdits(r *runtime.Registration) error {
	r.On(v1.EventFileChangeApproval, func(ctx context.Context, event *v1.Event, tools *runtime.Tools) (interface{}, error) {
		approvalID, _ := event.Payload["approvalId"].(string)
		if approvalID == "" {
			return map[string]interface{}{"skipped": "missing approvalId"}, nil
		}

		riskLevel, _ := event.Payload["riskLevel"].(string)
		if riskLevel != "safe" {
			return map[string]interface{}{"skipped": "risk level is not safe", "approval_id": approvalID}, nil
		}

		path, _ := event.Payload["path"].(string)
		if isSensitivePath(path) {
			return map[string]interface{}{"skipped": "sensitive path", "approval_id": approvalID}, nil
		}

		return &v1.ActionRequest{
			Kind:           "action_request",
			ActionType:     v1.ActionApprovalDecide,
			IdempotencyKey: "auto-approve:" + approvalID,
			Payload: map[string]interface{}{
				"approvalId": approvalID,
				"decision":   "approve",
			},
		}, nil
	}, runtime.WithPriority(50))
	return nil
}

func isSensitivePath(path string) bool {
	lower := strings.ToLower(path)
	for _, marker := range sensitivePathMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
