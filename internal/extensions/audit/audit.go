// Package audit persists the per-module outcome of extension snapshot
// loads so operators can answer "why was this module denied".
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/pilotd/pilotd/internal/common/logger"
	"github.com/pilotd/pilotd/internal/store"
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// Recorder writes extension audit records through the store
type Recorder struct {
	store  *store.Store
	logger *logger.Logger
}

// NewRecorder creates a recorder
func NewRecorder(st *store.Store, log *logger.Logger) *Recorder {
	return &Recorder{
		store:  st,
		logger: log.WithFields(zap.String("component", "extension_audit")),
	}
}

// RecordSnapshot writes one record per loaded module and one per module
// error. Audit failures are logged, never propagated: a broken audit
// trail must not block a reload.
func (r *Recorder) RecordSnapshot(ctx context.Context, version string, modules []v1.ModuleInfo, errs []v1.ModuleError) {
	for _, module := range modules {
		record := &store.ModuleAuditRecord{
			SnapshotVersion: version,
			Module:          module.Name,
			Origin:          string(module.Origin.Type),
			Status:          string(module.TrustStatus),
			Warnings:        module.Warnings,
		}
		if err := r.store.RecordModuleAudit(ctx, record); err != nil {
			r.logger.Warn("failed to write module audit record",
				zap.String("module", module.Name), zap.Error(err))
		}
	}

	for _, modErr := range errs {
		record := &store.ModuleAuditRecord{
			SnapshotVersion: version,
			Module:          modErr.Module,
			Status:          string(v1.TrustDenied),
			Code:            modErr.Code,
			Detail:          modErr.Message,
		}
		if err := r.store.RecordModuleAudit(ctx, record); err != nil {
			r.logger.Warn("failed to write module audit record",
				zap.String("module", modErr.Module), zap.Error(err))
		}
	}
}
