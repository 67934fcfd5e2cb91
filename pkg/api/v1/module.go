package v1

import "time"

// OriginType identifies the source family an extension module was
// discovered from. Families are listed in decreasing precedence.
type OriginType string

const (
	OriginRepoLocal        OriginType = "repo_local"
	OriginInstalledPackage OriginType = "installed_package"
	OriginConfiguredRoot   OriginType = "configured_root"
)

// ModuleOrigin records where an extension module was discovered
type ModuleOrigin struct {
	Type OriginType `json:"type"`
	Path string     `json:"path"`
}

// TrustStatus is the trust verdict for a loaded module
type TrustStatus string

const (
	TrustAccepted             TrustStatus = "accepted"
	TrustAcceptedWithWarnings TrustStatus = "accepted_with_warnings"
	TrustDenied               TrustStatus = "denied"
)

// ModuleError codes recorded against a module during snapshot build
const (
	ModuleErrInvalidManifest     = "invalid_manifest"
	ModuleErrMissingEntrypoint   = "missing_entrypoint"
	ModuleErrIncompatibleRuntime = "incompatible_runtime"
	ModuleErrAgentIDConflict     = "agent_id_conflict"
	ModuleErrTrustDenied         = "trust_denied"
	ModuleErrEntrypointFault     = "entrypoint_fault"
)

// ModuleError describes a per-module failure during snapshot construction
type ModuleError struct {
	Module  string `json:"module"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ModuleInfo is the inventory record for a loaded extension module
type ModuleInfo struct {
	Dir          string       `json:"dir"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	AgentID      string       `json:"agent_id"`
	DisplayName  string       `json:"display_name,omitempty"`
	Origin       ModuleOrigin `json:"origin"`
	Entrypoint   string       `json:"entrypoint"`
	EventTypes   []string     `json:"event_types"`
	ActionTypes  []string     `json:"action_types"`
	TrustStatus  TrustStatus  `json:"trust_status"`
	Warnings     []string     `json:"warnings,omitempty"`
	HandlerCount int          `json:"handler_count"`
}

// SnapshotInfo identifies the active extension snapshot
type SnapshotInfo struct {
	Version  string    `json:"version"`
	LoadedAt time.Time `json:"loaded_at"`
}
