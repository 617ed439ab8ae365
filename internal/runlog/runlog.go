// Package runlog is the audit trail every pipeline execution writes
// through: one RunLog row per run, the owning SyncConfig's last-sync
// bookkeeping, and a structured log line summarizing the outcome (spec
// §4.8, §6, §7). Distinct from internal/repository.RunLogRepository,
// which only knows how to persist a row — this package owns the
// decisions about *when* a run's outcome is durable, what its dominant
// error looks like, and how loudly to log it.
//
// Grounded on the teacher's pkg/history/security.AuditLogger: a thin
// wrapper around *slog.Logger that builds its attribute set conditionally
// and picks a log level from a severity/status field, generalized here
// from HTTP security events to pipeline run outcomes.
package runlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/reoxt/basesync/internal/domain"
	"github.com/reoxt/basesync/internal/pipeline"
)

// Store is the persistence seam Logger writes RunLog rows through;
// satisfied by internal/repository.RunLogRepository.
type Store interface {
	Create(ctx context.Context, log *domain.RunLog) error
	Complete(ctx context.Context, log *domain.RunLog) error
}

// SyncConfigStore is the subset of SyncConfigRepository Logger updates
// after a run completes.
type SyncConfigStore interface {
	Update(ctx context.Context, c *domain.SyncConfig) error
}

// UsageRecorder is the subset of plan.Tracker Logger feeds on a
// successful, non-dry-run write; satisfied by *internal/plan.Tracker.
type UsageRecorder interface {
	RecordSyncedRecords(ctx context.Context, userID string, when time.Time, count int) error
}

// Logger is the service-layer RunLogger of spec §4.8/§6/§7.
type Logger struct {
	runLogs Store
	configs SyncConfigStore
	usage   UsageRecorder
	logger  *slog.Logger
}

func New(runLogs Store, configs SyncConfigStore, usage UsageRecorder, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{runLogs: runLogs, configs: configs, usage: usage, logger: logger}
}

// Start opens a new in-flight RunLog row, persisted immediately so the
// scheduler's single-flight window check (spec §4.8) sees it on the very
// next dispatch tick, even if this run never reaches Finish.
func (l *Logger) Start(ctx context.Context, cfg *domain.SyncConfig, trigger domain.TriggerSource) *domain.RunLog {
	entry := &domain.RunLog{
		ID:           uuid.NewString(),
		SyncConfigID: cfg.ID,
		Status:       domain.RunStatusPartial,
		StartedAt:    time.Now(),
		TriggeredBy:  trigger,
		Direction:    cfg.Direction,
	}
	if err := l.runLogs.Create(ctx, entry); err != nil {
		l.logger.Error("failed to create run log", "sync_config_id", cfg.ID, "error", err)
	}
	return entry
}

// Finish completes entry with report's outcome, updates cfg's last-sync
// bookkeeping, charges UsageTracker for real (non-dry-run) synced
// records, and emits one structured log line summarizing the run (spec
// §7 "RunLog aggregates error counts by kind").
func (l *Logger) Finish(ctx context.Context, cfg *domain.SyncConfig, entry *domain.RunLog, report *pipeline.RunReport, dryRun bool) {
	now := time.Now()
	entry.Status = report.Status
	entry.CompletedAt = &now
	entry.RecordsSynced = report.RecordsSynced
	entry.RecordsFailed = report.RecordsFailed
	entry.Errors = report.PersistedErrors()
	if err := l.runLogs.Complete(ctx, entry); err != nil {
		l.logger.Error("failed to complete run log", "sync_config_id", cfg.ID, "error", err)
	}

	cfg.LastSyncAt = &now
	cfg.LastSyncStatus = domain.SyncStatus(report.Status)
	dominant := domain.DominantErrorKind(report.Errors)
	if len(report.Errors) > 0 {
		cfg.LastErrorAt = &now
		cfg.LastErrorMessage = messageFor(report.Errors, dominant)
	}
	if err := l.configs.Update(ctx, cfg); err != nil {
		l.logger.Error("failed to update sync config bookkeeping", "sync_config_id", cfg.ID, "error", err)
	}

	if !dryRun && report.RecordsSynced > 0 && l.usage != nil {
		if err := l.usage.RecordSyncedRecords(ctx, cfg.UserID, now, report.RecordsSynced); err != nil {
			l.logger.Error("failed to record usage", "sync_config_id", cfg.ID, "error", err)
		}
	}

	l.logOutcome(cfg, entry, report, dominant)
}

// Skip records a run the scheduler decided not to attempt (plan paused or
// already in flight), without opening a RunLog row of its own: a skip
// isn't an execution, it's the absence of one, so only the SyncConfig's
// status reflects it (spec §4.8 "if paused, record SKIPPED").
func (l *Logger) Skip(ctx context.Context, cfg *domain.SyncConfig, reason string) {
	cfg.LastSyncStatus = domain.SyncStatusSkipped
	if err := l.configs.Update(ctx, cfg); err != nil {
		l.logger.Error("failed to record skipped sync config", "sync_config_id", cfg.ID, "error", err)
	}
	l.logger.Info("sync run skipped", "sync_config_id", cfg.ID, "reason", reason)
}

// TokenFailure records a run that never reached the pipeline because a
// valid SOR or grid token could not be obtained (spec §7 "OAuth errors
// supersede all other messages" — here there are no others, since the
// run never got far enough to produce any).
func (l *Logger) TokenFailure(ctx context.Context, cfg *domain.SyncConfig, trigger domain.TriggerSource, cause error) *pipeline.RunReport {
	entry := l.Start(ctx, cfg, trigger)
	report := &pipeline.RunReport{
		Status: domain.RunStatusFailed,
		Errors: []domain.RunError{{Kind: domain.ErrorKindOAuth, Message: cause.Error()}},
	}
	l.Finish(ctx, cfg, entry, report, false)
	return report
}

// messageFor picks the message that should drive the SyncConfig's
// lastErrorMessage: the first error matching the dominant kind, so an
// OAuth failure's message is surfaced even if other, lower-priority
// errors happened first in the run (spec §7).
func messageFor(errs []domain.RunError, dominant domain.ErrorKind) string {
	for _, e := range errs {
		if e.Kind == dominant {
			return e.Message
		}
	}
	return ""
}

// logOutcome emits one structured summary line per run, at a level
// derived from its status and dominant error kind: OAuth failures (which
// need a human to reauthorize) and any other FAILED run log at Error, a
// PARTIAL run logs at Warn, and a clean SUCCESS logs at Info.
func (l *Logger) logOutcome(cfg *domain.SyncConfig, entry *domain.RunLog, report *pipeline.RunReport, dominant domain.ErrorKind) {
	attrs := []interface{}{
		"sync_config_id", cfg.ID,
		"run_id", entry.ID,
		"status", report.Status,
		"direction", cfg.Direction,
		"triggered_by", entry.TriggeredBy,
		"records_synced", report.RecordsSynced,
		"records_failed", report.RecordsFailed,
	}
	if dominant != "" {
		attrs = append(attrs, "dominant_error_kind", dominant)
	}
	if report.ApproachingLimit {
		attrs = append(attrs, "approaching_limit", true)
	}
	if report.Cancelled {
		attrs = append(attrs, "cancelled", true)
	}

	switch {
	case dominant == domain.ErrorKindOAuth:
		l.logger.Error("sync run needs reauthorization", attrs...)
	case report.Status == domain.RunStatusFailed:
		l.logger.Error("sync run failed", attrs...)
	case report.Status == domain.RunStatusPartial:
		l.logger.Warn("sync run completed with errors", attrs...)
	default:
		l.logger.Info("sync run completed", attrs...)
	}
}
