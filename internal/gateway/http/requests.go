package http

import (
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// EmitScope identifies the session context an emitted event runs under.
// Action requests produced by handlers are confined to this scope.
type EmitScope struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId"`
}

// EmitEventRequest is the body of POST /events/emit
type EmitEventRequest struct {
	Type    string                 `json:"type" binding:"required"`
	Payload map[string]interface{} `json:"payload"`
	Scope   *EmitScope             `json:"scope"`
}

// EmitEventResponse carries the ordered dispatch results
type EmitEventResponse struct {
	EventType string              `json:"event_type"`
	Results   []v1.DispatchResult `json:"results"`
}

// ReloadRequest is the body of POST /extensions/reload
type ReloadRequest struct {
	ReloadID string `json:"reload_id"`
}

// ModulesResponse lists the active snapshot's modules
type ModulesResponse struct {
	Snapshot v1.SnapshotInfo `json:"snapshot"`
	Modules  []v1.ModuleInfo `json:"modules"`
	Total    int             `json:"total"`
}

// JobListResponse lists a project's jobs
type JobListResponse struct {
	Jobs  []*v1.Job `json:"jobs"`
	Total int       `json:"total"`
}
