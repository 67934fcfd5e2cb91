// Package runtime hosts extension modules: discovery, trust evaluation,
// snapshot construction with hot reload, and event dispatch.
package runtime

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pilotd/pilotd/internal/common/logger"
	"github.com/pilotd/pilotd/internal/extensions/inventory"
	"github.com/pilotd/pilotd/internal/extensions/manifest"
	"github.com/pilotd/pilotd/internal/extensions/trust"
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// Reload status codes
const (
	ReloadStatusOK    = "ok"
	ReloadStatusError = "error"

	ReloadCodeFailed     = "reload_failed"
	ReloadCodeInProgress = "reload_in_progress"
)

// ReloadResult reports the outcome of a reload attempt
type ReloadResult struct {
	Status          string           `json:"status"`
	Code            string           `json:"code,omitempty"`
	ReloadID        string           `json:"reload_id,omitempty"`
	Errors          []v1.ModuleError `json:"errors,omitempty"`
	SnapshotVersion string           `json:"snapshot_version"`
}

// Snapshot is one immutable view of the loaded modules. Emits capture a
// reference at entry; reload swaps the active pointer atomically.
type Snapshot struct {
	Version  string
	LoadedAt time.Time
	Modules  []v1.ModuleInfo
	Errors   []v1.ModuleError

	handlers map[string][]*RegisteredHandler
	actions  map[string][]string // moduleName → declared capabilities.actions
}

// Config holds runtime tuning
type Config struct {
	TrustMode      trust.Mode
	Roots          inventory.Roots
	HandlerTimeout time.Duration
	Host           manifest.HostInfo
}

// Runtime is the extension plugin host
type Runtime struct {
	set        *EntrypointSet
	discoverer *inventory.Discoverer
	config     Config
	logger     *logger.Logger

	active   atomic.Pointer[Snapshot]
	reloadMu sync.Mutex
	loaded   atomic.Bool
}

// New creates a runtime; Load must be called before Emit
func New(set *EntrypointSet, config Config, log *logger.Logger) *Runtime {
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = DefaultHandlerTimeout
	}
	if config.TrustMode == "" {
		config.TrustMode = trust.ModeWarn
	}
	return &Runtime{
		set:        set,
		discoverer: inventory.NewDiscoverer(config.Roots, log),
		config:     config,
		logger:     log.WithFields(zap.String("component", "extension_runtime")),
	}
}

// Load builds and activates the initial snapshot. It is idempotent and
// tolerates per-module errors: faulty modules are recorded and skipped,
// the snapshot still activates.
func (r *Runtime) Load() error {
	if !r.loaded.CompareAndSwap(false, true) {
		return nil
	}
	snap := r.buildSnapshot()
	for _, modErr := range snap.Errors {
		r.logger.Warn("extension module rejected during load",
			zap.String("module", modErr.Module),
			zap.String("code", modErr.Code),
			zap.String("message", modErr.Message))
	}
	r.active.Store(snap)
	r.logger.Info("extension snapshot activated",
		zap.String("version", snap.Version),
		zap.Int("modules", len(snap.Modules)),
		zap.Int("errors", len(snap.Errors)))
	return nil
}

// Reload builds a fresh snapshot off-activation and swaps it in only
// when construction is fully clean. A failed build preserves the prior
// snapshot. Concurrent reloads are rejected, not queued.
func (r *Runtime) Reload(reloadID string) *ReloadResult {
	if !r.reloadMu.TryLock() {
		return &ReloadResult{
			Status:          ReloadStatusError,
			Code:            ReloadCodeInProgress,
			ReloadID:        reloadID,
			SnapshotVersion: r.SnapshotInfo().Version,
		}
	}
	defer r.reloadMu.Unlock()

	snap := r.buildSnapshot()
	if len(snap.Errors) > 0 {
		r.logger.Warn("reload failed, prior snapshot preserved",
			zap.String("reload_id", reloadID),
			zap.Int("errors", len(snap.Errors)))
		return &ReloadResult{
			Status:          ReloadStatusError,
			Code:            ReloadCodeFailed,
			ReloadID:        reloadID,
			Errors:          snap.Errors,
			SnapshotVersion: r.SnapshotInfo().Version,
		}
	}

	r.active.Store(snap)
	r.logger.Info("extension snapshot reloaded",
		zap.String("reload_id", reloadID),
		zap.String("version", snap.Version),
		zap.Int("modules", len(snap.Modules)))
	return &ReloadResult{Status: ReloadStatusOK, ReloadID: reloadID, SnapshotVersion: snap.Version}
}

// ListLoadedModules returns the active snapshot's module inventory
func (r *Runtime) ListLoadedModules() []v1.ModuleInfo {
	snap := r.active.Load()
	if snap == nil {
		return nil
	}
	out := make([]v1.ModuleInfo, len(snap.Modules))
	copy(out, snap.Modules)
	return out
}

// ModuleErrors returns the active snapshot's per-module load errors
func (r *Runtime) ModuleErrors() []v1.ModuleError {
	snap := r.active.Load()
	if snap == nil {
		return nil
	}
	out := make([]v1.ModuleError, len(snap.Errors))
	copy(out, snap.Errors)
	return out
}

// SnapshotInfo identifies the active snapshot
func (r *Runtime) SnapshotInfo() v1.SnapshotInfo {
	snap := r.active.Load()
	if snap == nil {
		return v1.SnapshotInfo{}
	}
	return v1.SnapshotInfo{Version: snap.Version, LoadedAt: snap.LoadedAt}
}

// buildSnapshot discovers modules, evaluates manifests and trust, and
// invokes each module's entrypoint factory against a staging registry.
func (r *Runtime) buildSnapshot() *Snapshot {
	snap := &Snapshot{
		Version:  uuid.New().String(),
		LoadedAt: time.Now().UTC(),
		handlers: make(map[string][]*RegisteredHandler),
		actions:  make(map[string][]string),
	}

	candidates := r.discoverer.Discover()
	seenAgentIDs := make(map[string]string)
	registrationIndex := 0

	for _, candidate := range candidates {
		m, err := manifest.Load(candidate.Path)
		if err != nil {
			snap.Errors = append(snap.Errors, v1.ModuleError{
				Module: candidate.Path, Code: v1.ModuleErrInvalidManifest, Message: err.Error(),
			})
			continue
		}

		if err := m.CheckCompatibility(r.config.Host); err != nil {
			snap.Errors = append(snap.Errors, v1.ModuleError{
				Module: m.Name, Code: v1.ModuleErrIncompatibleRuntime, Message: err.Error(),
			})
			continue
		}

		entrypoint := m.EventsEntrypoint()
		factory, ok := r.set.lookup(entrypoint)
		if !ok {
			snap.Errors = append(snap.Errors, v1.ModuleError{
				Module: m.Name, Code: v1.ModuleErrMissingEntrypoint,
				Message: "no entrypoint factory registered for " + entrypoint,
			})
			continue
		}

		if m.AgentID != "" {
			if holder, taken := seenAgentIDs[m.AgentID]; taken {
				snap.Errors = append(snap.Errors, v1.ModuleError{
					Module: m.Name, Code: v1.ModuleErrAgentIDConflict,
					Message: "agentId " + m.AgentID + " already claimed by " + holder,
				})
				continue
			}
			seenAgentIDs[m.AgentID] = m.Name
		}

		reg := &Registration{
			module:         m.Name,
			defaultTimeout: r.config.HandlerTimeout,
			nextIndex:      &registrationIndex,
		}
		if err := invokeFactory(factory, reg); err != nil {
			snap.Errors = append(snap.Errors, v1.ModuleError{
				Module: m.Name, Code: v1.ModuleErrEntrypointFault, Message: err.Error(),
			})
			continue
		}

		verdict := trust.EvaluateEvents(m, reg.eventTypes(), r.config.TrustMode)
		if !verdict.Accepted() {
			snap.Errors = append(snap.Errors, v1.ModuleError{
				Module: m.Name, Code: v1.ModuleErrTrustDenied,
				Message: strings.Join(verdict.Errors, "; "),
			})
			continue
		}
		status := v1.TrustAccepted
		if len(verdict.Warnings) > 0 {
			status = v1.TrustAcceptedWithWarnings
			for _, w := range verdict.Warnings {
				r.logger.Warn("extension trust warning", zap.String("module", m.Name), zap.String("warning", w))
			}
		}

		for _, h := range reg.staged {
			snap.handlers[h.EventType] = append(snap.handlers[h.EventType], h)
		}
		snap.actions[m.Name] = append([]string(nil), m.Capabilities.Actions...)
		snap.Modules = append(snap.Modules, v1.ModuleInfo{
			Dir:          candidate.Path,
			Name:         m.Name,
			Version:      m.Version,
			AgentID:      m.AgentID,
			DisplayName:  m.DisplayName,
			Origin:       candidate.Origin,
			Entrypoint:   entrypoint,
			EventTypes:   reg.eventTypes(),
			ActionTypes:  append([]string(nil), m.Capabilities.Actions...),
			TrustStatus:  status,
			Warnings:     verdict.Warnings,
			HandlerCount: len(reg.staged),
		})
	}

	// Canonical dispatch order: priority, module name, registration index
	for eventType := range snap.handlers {
		handlers := snap.handlers[eventType]
		sort.SliceStable(handlers, func(i, j int) bool {
			if handlers[i].Priority != handlers[j].Priority {
				return handlers[i].Priority < handlers[j].Priority
			}
			if handlers[i].Module != handlers[j].Module {
				return handlers[i].Module < handlers[j].Module
			}
			return handlers[i].RegistrationIndex < handlers[j].RegistrationIndex
		})
	}
	sort.Slice(snap.Modules, func(i, j int) bool { return snap.Modules[i].Name < snap.Modules[j].Name })

	return snap
}

// invokeFactory shields snapshot construction from a panicking factory
func invokeFactory(factory Factory, reg *Registration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("entrypoint factory panicked")
		}
	}()
	return factory(reg)
}
