package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotd/pilotd/internal/actions/executor"
	"github.com/pilotd/pilotd/internal/common/logger"
	"github.com/pilotd/pilotd/internal/events/bus"
	"github.com/pilotd/pilotd/internal/extensions/runtime"
	"github.com/pilotd/pilotd/internal/orchestrator/queue"
	"github.com/pilotd/pilotd/internal/orchestrator/registry"
	"github.com/pilotd/pilotd/internal/orchestrator/snapshot"
	"github.com/pilotd/pilotd/internal/profile"
	"github.com/pilotd/pilotd/internal/store"
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

func newTestRouter(t *testing.T) (*gin.Engine, Services) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(&registry.Definition{
		Type: "noop",
		Run: func(ctx registry.RunContext, payload map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"done": true}, nil
		},
	}))

	jobStore := snapshot.NewStore(filepath.Join(t.TempDir(), "jobs.json"), log)

	memBus := bus.NewMemoryEventBus(log)
	cfg := queue.DefaultConfig()
	cfg.DefaultTimeout = 2 * time.Second
	q := queue.New(reg, jobStore, memBus, nil, log, cfg)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Stop(stopCtx)
		_ = jobStore.Close()
	})

	set := runtime.NewEntrypointSet()
	rt := runtime.New(set, runtime.Config{}, log)
	require.NoError(t, rt.Load())

	st, err := store.Open(filepath.Join(t.TempDir(), "pilotd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	exec, err := executor.New(profile.NewFixture(), q, log)
	require.NoError(t, err)

	services := Services{Queue: q, Runtime: rt, Executor: exec, Store: st, Tools: &runtime.Tools{}}
	return NewRouter(services, log), services
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEnqueueAndGetJob(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/jobs", v1.EnqueueJobRequest{
		Type:      "noop",
		ProjectID: "p-1",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var result v1.EnqueueResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, v1.EnqueueStatusEnqueued, result.Status)
	require.NotNil(t, result.Job)

	w = doJSON(t, router, http.MethodGet, "/api/v1/jobs/"+result.Job.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEnqueueUnknownTypeIsBadRequest(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/jobs", v1.EnqueueJobRequest{
		Type:      "no-such-type",
		ProjectID: "p-1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelJobNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/jobs/missing/cancel", map[string]string{"reason": "test"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListProjectJobsAndStatus(t *testing.T) {
	router, services := newTestRouter(t)

	result, err := services.Queue.Enqueue(&v1.EnqueueJobRequest{Type: "noop", ProjectID: "p-1"})
	require.NoError(t, err)
	services.Queue.WaitForTerminal(result.Job.ID, 2*time.Second)

	w := doJSON(t, router, http.MethodGet, "/api/v1/projects/p-1/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list JobListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	w = doJSON(t, router, http.MethodGet, "/api/v1/queue/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status v1.QueueStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Completed)
}

func TestEmitEventWithoutModules(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/events/emit", EmitEventRequest{
		Type:    "turn.completed",
		Payload: map[string]interface{}{"sessionId": "s-1"},
		Scope:   &EmitScope{ProjectID: "p-1", SessionID: "s-1", TurnID: "t-1"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp EmitEventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "turn.completed", resp.EventType)
	assert.Empty(t, resp.Results)
}

func TestExtensionsModulesAndReload(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/extensions/modules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var modules ModulesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &modules))
	assert.Equal(t, 0, modules.Total)
	assert.NotEmpty(t, modules.Snapshot.Version)

	w = doJSON(t, router, http.MethodPost, "/api/v1/extensions/reload", ReloadRequest{ReloadID: "r-1"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionEndpoints(t *testing.T) {
	router, services := newTestRouter(t)
	ctx := context.Background()

	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, services.Store.UpsertSession(ctx, &store.Session{ID: "s-1", ProjectID: "p-1", Title: "hello"}))
	require.NoError(t, services.Store.UpsertTranscriptEntry(ctx, &store.TranscriptEntry{
		ID: "e-1", SessionID: "s-1", TurnID: "t-1",
		Entry: map[string]interface{}{"text": "hi"},
	}))

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions/s-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var session store.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.Equal(t, "hello", session.Title)

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions/s-1/transcript", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var transcript struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &transcript))
	assert.Equal(t, 1, transcript.Total)
}
