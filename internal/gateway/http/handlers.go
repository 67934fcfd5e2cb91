package http

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pilotd/pilotd/internal/actions/executor"
	"github.com/pilotd/pilotd/internal/common/errors"
	"github.com/pilotd/pilotd/internal/common/logger"
	"github.com/pilotd/pilotd/internal/extensions/audit"
	"github.com/pilotd/pilotd/internal/extensions/runtime"
	"github.com/pilotd/pilotd/internal/orchestrator/queue"
	"github.com/pilotd/pilotd/internal/orchestrator/registry"
	"github.com/pilotd/pilotd/internal/store"
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// Services are the collaborators the API surfaces
type Services struct {
	Queue    *queue.Queue
	Runtime  *runtime.Runtime
	Executor *executor.Executor
	Store    *store.Store
	Tools    *runtime.Tools

	// Audit is optional; when set, reloads are recorded through it
	Audit *audit.Recorder
}

// Handler contains the HTTP handlers for the control-plane API
type Handler struct {
	services Services
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(services Services, log *logger.Logger) *Handler {
	return &Handler{
		services: services,
		logger:   log.WithFields(zap.String("component", "gateway-api")),
	}
}

// Health reports liveness
// GET /healthz
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// EnqueueJob submits a job to the orchestrator queue
// POST /api/v1/jobs
func (h *Handler) EnqueueJob(c *gin.Context) {
	var req v1.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := h.services.Queue.Enqueue(&req)
	if err != nil {
		h.writeEnqueueError(c, &req, err)
		return
	}

	status := http.StatusAccepted
	if result.Status == v1.EnqueueStatusAlreadyQueued {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *Handler) writeEnqueueError(c *gin.Context, req *v1.EnqueueJobRequest, err error) {
	switch {
	case isInvalidEnqueue(err):
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
	case isQueueFull(err):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "QUEUE_FULL",
			"message": err.Error(),
		})
	default:
		h.logger.Error("failed to enqueue job",
			zap.String("job_type", req.Type),
			zap.String("project_id", req.ProjectID),
			zap.Error(err))
		appErr := errors.Wrap(err, "failed to enqueue job")
		c.JSON(appErr.HTTPStatus, appErr)
	}
}

// GetJob returns one job by ID
// GET /api/v1/jobs/:jobId
func (h *Handler) GetJob(c *gin.Context) {
	jobID := c.Param("jobId")
	job := h.services.Queue.Get(jobID)
	if job == nil {
		appErr := errors.NotFound("job", jobID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelJob requests cancellation of a job
// POST /api/v1/jobs/:jobId/cancel
func (h *Handler) CancelJob(c *gin.Context) {
	jobID := c.Param("jobId")

	var body struct {
		Reason string `json:"reason"`
	}
	// Empty body is fine
	_ = c.ShouldBindJSON(&body)

	result, err := h.services.Queue.Cancel(jobID, body.Reason)
	if err != nil {
		h.logger.Error("failed to cancel job", zap.String("job_id", jobID), zap.Error(err))
		appErr := errors.Wrap(err, "failed to cancel job")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	switch result.Status {
	case v1.CancelStatusNotFound:
		appErr := errors.NotFound("job", jobID)
		c.JSON(appErr.HTTPStatus, appErr)
	case v1.CancelStatusCanceled:
		c.JSON(http.StatusAccepted, result)
	default:
		c.JSON(http.StatusOK, result)
	}
}

// ListProjectJobs lists jobs for one project, optionally filtered by state
// GET /api/v1/projects/:projectId/jobs?state=queued
func (h *Handler) ListProjectJobs(c *gin.Context) {
	projectID := c.Param("projectId")
	state := v1.JobState(c.Query("state"))

	jobs := h.services.Queue.ListByProject(projectID, state)
	c.JSON(http.StatusOK, JobListResponse{Jobs: jobs, Total: len(jobs)})
}

// QueueStatus returns queue counters
// GET /api/v1/queue/status
func (h *Handler) QueueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.services.Queue.Status())
}

// EmitEvent dispatches an event to the loaded extension modules and
// returns the ordered dispatch results
// POST /api/v1/events/emit
func (h *Handler) EmitEvent(c *gin.Context) {
	var req EmitEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	event := &v1.Event{Type: req.Type, Payload: req.Payload}

	var scope *executor.Scope
	if req.Scope != nil {
		scope = &executor.Scope{
			ProjectID:       req.Scope.ProjectID,
			SourceSessionID: req.Scope.SessionID,
			TurnID:          req.Scope.TurnID,
		}
	}

	// Capability gating already happened in the runtime; the executor
	// enforces scope and idempotency.
	executeAction := func(actx context.Context, module string, areq *v1.ActionRequest) *v1.ActionResult {
		return h.services.Executor.Execute(actx, areq, executor.Options{Scope: scope})
	}

	results := h.services.Runtime.Emit(c.Request.Context(), event, h.services.Tools, executeAction)
	c.JSON(http.StatusOK, EmitEventResponse{EventType: req.Type, Results: results})
}

// ListModules returns the active extension snapshot's modules
// GET /api/v1/extensions/modules
func (h *Handler) ListModules(c *gin.Context) {
	modules := h.services.Runtime.ListLoadedModules()
	c.JSON(http.StatusOK, ModulesResponse{
		Snapshot: h.services.Runtime.SnapshotInfo(),
		Modules:  modules,
		Total:    len(modules),
	})
}

// ReloadModules swaps in a freshly built extension snapshot
// POST /api/v1/extensions/reload
func (h *Handler) ReloadModules(c *gin.Context) {
	var req ReloadRequest
	_ = c.ShouldBindJSON(&req)

	result := h.services.Runtime.Reload(req.ReloadID)
	if result.Status == runtime.ReloadStatusOK && h.services.Audit != nil {
		h.services.Audit.RecordSnapshot(c.Request.Context(), result.SnapshotVersion,
			h.services.Runtime.ListLoadedModules(), h.services.Runtime.ModuleErrors())
	}
	if result.Status != runtime.ReloadStatusOK {
		status := http.StatusConflict
		if result.Code == runtime.ReloadCodeFailed {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetSession returns session metadata
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	session, err := h.services.Store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			appErr := errors.NotFound("session", sessionID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		appErr := errors.Wrap(err, "failed to load session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, session)
}

// GetTranscript returns a session's supplemental transcript entries
// GET /api/v1/sessions/:sessionId/transcript
func (h *Handler) GetTranscript(c *gin.Context) {
	sessionID := c.Param("sessionId")
	entries, err := h.services.Store.ListTranscript(c.Request.Context(), sessionID)
	if err != nil {
		appErr := errors.Wrap(err, "failed to load transcript")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if entries == nil {
		entries = []*store.TranscriptEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

func isInvalidEnqueue(err error) bool {
	return stderrors.Is(err, registry.ErrUnknownJobType) || stderrors.Is(err, registry.ErrInvalidPayload)
}

func isQueueFull(err error) bool {
	return stderrors.Is(err, queue.ErrQueueFull)
}
