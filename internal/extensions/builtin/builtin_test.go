package builtin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotd/pilotd/internal/common/logger"
	"github.com/pilotd/pilotd/internal/extensions/inventory"
	"github.com/pilotd/pilotd/internal/extensions/runtime"
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

func newTestRuntime(t *testing.T, manifests map[string]map[string]interface{}) *runtime.Runtime {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	root := t.TempDir()
	for name, manifest := range manifests {
		dir := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		data, err := json.Marshal(manifest)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "extension.manifest.json"), data, 0o644))
	}

	set := runtime.NewEntrypointSet()
	require.NoError(t, RegisterAll(set))

	rt := runtime.New(set, runtime.Config{
		Roots: inventory.Roots{ConfiguredRoots: []string{root}},
	}, log)
	require.NoError(t, rt.Load())
	return rt
}

func suggestManifest() map[string]interface{} {
	return map[string]interface{}{
		"name":    "suggest-on-request",
		"version": "1.0.0",
		"capabilities": map[string]interface{}{
			"events":  []string{v1.EventSuggestRequested},
			"actions": []string{v1.ActionQueueEnqueue},
		},
	}
}

func autoApproveManifest() map[string]interface{} {
	return map[string]interface{}{
		"name":    "auto-approve-safe-edits",
		"version": "1.0.0",
		"capabilities": map[string]interface{}{
			"events":  []string{v1.EventFileChangeApproval},
			"actions": []string{v1.ActionApprovalDecide},
		},
	}
}

func captureActions() (runtime.ExecuteActionFunc, *[]*v1.ActionRequest) {
	var captured []*v1.ActionRequest
	fn := func(ctx context.Context, module string, req *v1.ActionRequest) *v1.ActionResult {
		captured = append(captured, req)
		return &v1.ActionResult{
			Kind:       "action_result",
			ActionType: req.ActionType,
			Status:     v1.ActionStatusPerformed,
		}
	}
	return fn, &captured
}

func TestSuggestOnRequestEnqueuesSuggestionJob(t *testing.T) {
	rt := newTestRuntime(t, map[string]map[string]interface{}{"suggest-on-request": suggestManifest()})
	execute, captured := captureActions()

	results := rt.Emit(context.Background(), &v1.Event{
		Type:    v1.EventSuggestRequested,
		Payload: map[string]interface{}{"sessionId": "s-1", "projectId": "p-1"},
	}, &runtime.Tools{}, execute)

	require.Len(t, results, 1)
	assert.Equal(t, v1.KindActionResult, results[0].Kind)
	require.Len(t, *captured, 1)

	req := (*captured)[0]
	assert.Equal(t, v1.ActionQueueEnqueue, req.ActionType)
	assert.Equal(t, "session.suggest_titles", req.Payload["type"])
	assert.Equal(t, "p-1", req.Payload["projectId"])
	assert.Equal(t, "suggest:s-1", req.Payload["dedupeKey"])
	assert.Equal(t, "suggest:s-1", req.IdempotencyKey)
}

func TestSuggestOnRequestSkipsIncompleteEvents(t *testing.T) {
	rt := newTestRuntime(t, map[string]map[string]interface{}{"suggest-on-request": suggestManifest()})
	execute, captured := captureActions()

	results := rt.Emit(context.Background(), &v1.Event{
		Type:    v1.EventSuggestRequested,
		Payload: map[string]interface{}{"sessionId": "s-1"},
	}, &runtime.Tools{}, execute)

	require.Len(t, results, 1)
	assert.Equal(t, v1.KindHandlerResult, results[0].Kind)
	assert.Empty(t, *captured)
}

func TestAutoApproveSafeEdits(t *testing.T) {
	rt := newTestRuntime(t, map[string]map[string]interface{}{"auto-approve-safe-edits": autoApproveManifest()})

	cases := []struct {
		name     string
		payload  map[string]interface{}
		approves bool
	}{
		{
			name:     "safe edit approved",
			payload:  map[string]interface{}{"approvalId": "a-1", "riskLevel": "safe", "path": "internal/service.go"},
			approves: true,
		},
		{
			name:     "risky edit skipped",
			payload:  map[string]interface{}{"approvalId": "a-2", "riskLevel": "destructive", "path": "internal/service.go"},
			approves: false,
		},
		{
			name:     "sensitive path skipped",
			payload:  map[string]interface{}{"approvalId": "a-3", "riskLevel": "safe", "path": "config/.env.production"},
			approves: false,
		},
		{
			name:     "missing approval id skipped",
			payload:  map[string]interface{}{"riskLevel": "safe", "path": "main.go"},
			approves: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			execute, captured := captureActions()
			results := rt.Emit(context.Background(), &v1.Event{
				Type:    v1.EventFileChangeApproval,
				Payload: tc.payload,
			}, &runtime.Tools{}, execute)
			require.Len(t, results, 1)

			if tc.approves {
				require.Len(t, *captured, 1)
				req := (*captured)[0]
				assert.Equal(t, v1.ActionApprovalDecide, req.ActionType)
				assert.Equal(t, "approve", req.Payload["decision"])
			} else {
				assert.Empty(t, *captured)
			}
		})
	}
}
