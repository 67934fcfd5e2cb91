// Package http exposes the control-plane REST API.
package http

import (
	"github.com/gin-gonic/gin"

	"github.com/pilotd/pilotd/internal/common/httpmw"
	"github.com/pilotd/pilotd/internal/common/logger"
)

// NewRouter builds the gin engine with the full API surface mounted
// under /api/v1.
func NewRouter(services Services, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "pilotd"))

	handler := NewHandler(services, log)

	engine.GET("/healthz", handler.Health)

	api := engine.Group("/api/v1")
	{
		api.POST("/jobs", handler.EnqueueJob)
		api.GET("/jobs/:jobId", handler.GetJob)
		api.POST("/jobs/:jobId/cancel", handler.CancelJob)
		api.GET("/projects/:projectId/jobs", handler.ListProjectJobs)
		api.GET("/queue/status", handler.QueueStatus)

		api.POST("/events/emit", handler.EmitEvent)

		extensions := api.Group("/extensions")
		{
			extensions.GET("/modules", handler.ListModules)
			extensions.POST("/reload", handler.ReloadModules)
		}

		sessions := api.Group("/sessions/:sessionId")
		{
			sessions.GET("", handler.GetSession)
			sessions.GET("/transcript", handler.GetTranscript)
		}
	}

	return engine
}
