// Package scheduler drives periodic and on-demand pipeline execution (spec
// §4.8). Grounded on the teacher's silencing.syncWorker: a ticker-based
// background loop that runs once immediately, then on every tick, with
// explicit Start/Stop lifecycle. Scheduler generalizes that single-config
// loop into a fan-out over every active SyncConfig, each one single-flighted
// through internal/lock so two replicas (or two ticks racing a slow run)
// never execute the same config concurrently (spec §5).
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/reoxt/basesync/internal/domain"
	"github.com/reoxt/basesync/internal/lock"
	"github.com/reoxt/basesync/internal/pipeline"
	"github.com/reoxt/basesync/internal/plan"
	"github.com/reoxt/basesync/internal/runlog"
	"github.com/reoxt/basesync/internal/token"
	"github.com/reoxt/basesync/pkg/metrics"
)

// LockHandle is a held single-flight lock; Release must be called exactly
// once. Satisfied by *internal/lock.Handle.
type LockHandle interface {
	Release(ctx context.Context) error
}

// ErrSyncConfigNotFound is returned by RunManual/RunInitial when the given
// syncConfigId doesn't match an active config.
var ErrSyncConfigNotFound = errors.New("scheduler: sync config not found")

// DefaultInterval is the scheduler's fixed cron cadence (spec §4.8
// "every 5 minutes").
const DefaultInterval = 5 * time.Minute

// SingleFlightWindow is how long an in-flight RunLog blocks a new run of
// the same config (spec §4.8 "startedAt > now - 5 min").
const SingleFlightWindow = 5 * time.Minute

// SyncConfigStore is the subset of SyncConfigRepository the scheduler needs
// to select dispatch candidates. Writing a config's bookkeeping back is
// internal/runlog.Logger's job, not the scheduler's.
type SyncConfigStore interface {
	ListActive(ctx context.Context) ([]*domain.SyncConfig, error)
}

// UserStore is the subset of UserRepository the scheduler needs to evaluate
// PlanGuard.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
}

// RunLogStore is the subset of RunLogRepository the scheduler reads to
// enforce the single-flight window (spec §4.8); writing RunLog rows is
// internal/runlog.Logger's job.
type RunLogStore interface {
	MostRecent(ctx context.Context, syncConfigID string) (*domain.RunLog, error)
}

// Locker single-flights a sync config's execution across replicas. The
// real *internal/lock.Manager satisfies this via LockManagerAdapter, since
// its TryAcquire returns the concrete *lock.Handle rather than this
// interface.
type Locker interface {
	TryAcquire(ctx context.Context, syncConfigID string) (LockHandle, bool, error)
}

// LockManagerAdapter adapts *lock.Manager to Locker.
type LockManagerAdapter struct {
	Manager *lock.Manager
}

func (a LockManagerAdapter) TryAcquire(ctx context.Context, syncConfigID string) (LockHandle, bool, error) {
	return a.Manager.TryAcquire(ctx, syncConfigID)
}

// RunResult pairs a SyncConfig with the outcome of attempting to run it,
// returned by RunScheduled as the spec §6 JobSummary.
type RunResult struct {
	SyncConfigID string
	Status       domain.RunStatus
	Skipped      bool
	SkipReason   string
	Report       *pipeline.RunReport
	Err          error
}

// JobSummary is the result of one scheduled dispatch cycle (spec §6
// "RunScheduled() -> JobSummary").
type JobSummary struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Results     []RunResult
}

// Scheduler is the spec §4.8 periodic dispatcher. Its zero value is not
// usable; construct with New.
type Scheduler struct {
	configs   SyncConfigStore
	users     UserStore
	runLogs   RunLogStore
	locks     Locker
	guard     *plan.Guard
	runLogger *runlog.Logger
	tokens    *token.Manager
	pipelines *pipeline.Deps
	interval  time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config bundles Scheduler's collaborators.
type Config struct {
	Configs   SyncConfigStore
	Users     UserStore
	RunLogs   RunLogStore
	Locks     Locker
	Guard     *plan.Guard
	RunLogger *runlog.Logger
	Tokens    *token.Manager
	Pipelines *pipeline.Deps
	Interval  time.Duration
	Logger    *slog.Logger
	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Metrics
}

func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		configs:   cfg.Configs,
		users:     cfg.Users,
		runLogs:   cfg.RunLogs,
		locks:     cfg.Locks,
		guard:     cfg.Guard,
		runLogger: cfg.RunLogger,
		tokens:    cfg.Tokens,
		pipelines: cfg.Pipelines,
		interval:  cfg.Interval,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the scheduler's dispatch loop in a background goroutine,
// firing once immediately and then every interval, until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.dispatch(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped (context cancelled)")
			return
		case <-s.stopCh:
			s.logger.Info("scheduler stopped (explicit stop)")
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// Stop gracefully stops the dispatch loop. Safe to call once; does not wait
// for an in-flight dispatch cycle beyond the current tick's goroutine exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// RunScheduled executes one dispatch cycle synchronously and returns its
// summary (spec §6 "RunScheduled() -> JobSummary"). The loop Start launches
// runs the same dispatch cycle on a timer; a caller (e.g. a cron-triggered HTTP endpoint) may also call it
// directly.
func (s *Scheduler) RunScheduled(ctx context.Context) JobSummary {
	started := time.Now()
	results := s.dispatch(ctx)
	return JobSummary{StartedAt: started, CompletedAt: time.Now(), Results: results}
}

// dispatch selects every active SyncConfig, oldest lastSyncAt first, and
// attempts to run each (spec §4.8).
func (s *Scheduler) dispatch(ctx context.Context) []RunResult {
	if s.metrics != nil {
		s.metrics.SchedulerTicks.Inc()
	}

	configs, err := s.configs.ListActive(ctx)
	if err != nil {
		s.logger.Error("failed to list active sync configs", "error", err)
		return nil
	}
	sortByLastSyncAtAsc(configs)

	results := make([]RunResult, 0, len(configs))
	for _, cfg := range configs {
		results = append(results, s.attempt(ctx, cfg, domain.TriggeredScheduled, RunOptions{}))
	}
	return results
}

// RunOptions carries the caller-supplied knobs ManualTrigger and the
// initial-sync variant add on top of a scheduled run (spec §4.8 "initial
// variant").
type RunOptions struct {
	CreateMissingLinkedRecords bool
	DeleteExtraRecords         bool
	DryRun                     bool
}

// RunManual runs a single SyncConfig on demand and returns synchronously
// (spec §6 "RunManual(syncConfigId, userId) -> RunReport"). userID is
// accepted for an audit trail / authorization boundary a caller enforces
// before invoking this; the run itself is scoped to the config's own user.
func (s *Scheduler) RunManual(ctx context.Context, syncConfigID, userID string) (*pipeline.RunReport, error) {
	cfg, err := s.loadConfig(ctx, syncConfigID)
	if err != nil {
		return nil, err
	}
	result := s.attempt(ctx, cfg, domain.TriggeredManual, RunOptions{})
	return result.Report, result.Err
}

// RunInitial runs a SyncConfig's first synchronization, which additionally
// creates missing linked records and may delete extras, and can run as a
// dry run that performs no writes (spec §4.8 "initial variant").
func (s *Scheduler) RunInitial(ctx context.Context, syncConfigID, userID string, opts RunOptions) (*pipeline.RunReport, error) {
	cfg, err := s.loadConfig(ctx, syncConfigID)
	if err != nil {
		return nil, err
	}
	opts.CreateMissingLinkedRecords = true
	result := s.attempt(ctx, cfg, domain.TriggeredInitial, opts)
	return result.Report, result.Err
}

func (s *Scheduler) loadConfig(ctx context.Context, syncConfigID string) (*domain.SyncConfig, error) {
	configs, err := s.configs.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for _, cfg := range configs {
		if cfg.ID == syncConfigID {
			return cfg, nil
		}
	}
	return nil, ErrSyncConfigNotFound
}

// attempt runs the full per-config decision chain: PlanGuard, single-flight,
// lock acquisition, token retrieval, pipeline dispatch, and bookkeeping.
func (s *Scheduler) attempt(ctx context.Context, cfg *domain.SyncConfig, trigger domain.TriggerSource, opts RunOptions) RunResult {
	result := RunResult{SyncConfigID: cfg.ID}

	user, err := s.users.GetByID(ctx, cfg.UserID)
	if err != nil {
		result.Err = err
		result.Status = domain.RunStatusFailed
		return result
	}

	decision := s.guard.Evaluate(*user, time.Now())
	if decision.Paused {
		result.Skipped = true
		result.SkipReason = "plan_paused:" + string(decision.State)
		s.runLogger.Skip(ctx, cfg, result.SkipReason)
		s.recordSkip("plan_paused")
		return result
	}

	if recent, err := s.runLogs.MostRecent(ctx, cfg.ID); err == nil && recent != nil && recent.InFlight(time.Now(), SingleFlightWindow) {
		result.Skipped = true
		result.SkipReason = "already_in_flight"
		s.logger.Info("skipping sync config, run already in flight", "sync_config_id", cfg.ID)
		s.recordSkip("single_flight")
		return result
	}

	handle, acquired, err := s.locks.TryAcquire(ctx, cfg.ID)
	if err != nil {
		result.Err = err
		result.Status = domain.RunStatusFailed
		return result
	}
	if !acquired {
		result.Skipped = true
		result.SkipReason = "lock_held"
		s.recordSkip("lock_held")
		return result
	}
	defer func() {
		if rerr := handle.Release(ctx); rerr != nil {
			s.logger.Warn("failed to release sync lock", "sync_config_id", cfg.ID, "error", rerr)
		}
	}()

	started := time.Now()
	report, err := s.execute(ctx, cfg, trigger, opts, decision)
	result.Report = report
	result.Err = err
	if report != nil {
		result.Status = report.Status
	} else {
		result.Status = domain.RunStatusFailed
	}
	s.recordRun(cfg.Direction, result.Status, trigger, time.Since(started))
	return result
}

func (s *Scheduler) recordSkip(reason string) {
	if s.metrics != nil {
		s.metrics.SkippedRuns.WithLabelValues(reason).Inc()
	}
}

func (s *Scheduler) recordRun(direction domain.SyncDirection, status domain.RunStatus, trigger domain.TriggerSource, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.RunsTotal.WithLabelValues(string(direction), string(status), string(trigger)).Inc()
	s.metrics.RunDuration.WithLabelValues(string(direction)).Observe(elapsed.Seconds())
}

// execute obtains tokens, runs the pipeline matching the config's
// direction, and hands the outcome to internal/runlog.Logger for
// durable bookkeeping (spec §4.8 steps 4-7).
func (s *Scheduler) execute(ctx context.Context, cfg *domain.SyncConfig, trigger domain.TriggerSource, opts RunOptions, decision plan.Decision) (*pipeline.RunReport, error) {
	sorToken, err := s.tokens.GetValidToken(ctx, cfg.UserID, domain.ProviderSor)
	if err != nil {
		return s.runLogger.TokenFailure(ctx, cfg, trigger, err), nil
	}
	gridToken, err := s.tokens.GetValidToken(ctx, cfg.UserID, domain.ProviderGrid)
	if err != nil {
		return s.runLogger.TokenFailure(ctx, cfg, trigger, err), nil
	}

	entry := s.runLogger.Start(ctx, cfg, trigger)

	runOpts := pipeline.RunOptions{
		Config:                     cfg,
		SorToken:                   sorToken,
		GridToken:                  gridToken,
		TriggeredBy:                trigger,
		CreateMissingLinkedRecords: opts.CreateMissingLinkedRecords,
		DeleteExtraRecords:         opts.DeleteExtraRecords,
		DryRun:                     opts.DryRun,
		Now:                        time.Now(),
	}

	report := s.dispatchPipeline(ctx, cfg.Direction, runOpts)
	if exceeded, approaching := decision.CheckRecordCount(report.RecordsSynced + report.RecordsFailed); exceeded {
		report.Status = domain.RunStatusFailed
		report.Errors = append(report.Errors, domain.RunError{Kind: domain.ErrorKindUnknown, Message: "plan record limit exceeded"})
	} else if approaching {
		report.ApproachingLimit = true
	}

	s.runLogger.Finish(ctx, cfg, entry, report, opts.DryRun)
	return report, nil
}

func (s *Scheduler) dispatchPipeline(ctx context.Context, direction domain.SyncDirection, opts pipeline.RunOptions) *pipeline.RunReport {
	switch direction {
	case domain.DirectionSorToGrid:
		return s.pipelines.SorToGrid(ctx, opts)
	case domain.DirectionGridToSor:
		return s.pipelines.GridToSor(ctx, opts)
	case domain.DirectionBidirectional:
		return s.pipelines.Bidirectional(ctx, opts)
	default:
		return &pipeline.RunReport{Status: domain.RunStatusFailed, Errors: []domain.RunError{{Kind: domain.ErrorKindUnknown, Message: "unknown sync direction: " + string(direction)}}}
	}
}

func sortByLastSyncAtAsc(configs []*domain.SyncConfig) {
	for i := 1; i < len(configs); i++ {
		for j := i; j > 0 && lastSyncBefore(configs[j], configs[j-1]); j-- {
			configs[j], configs[j-1] = configs[j-1], configs[j]
		}
	}
}

func lastSyncBefore(a, b *domain.SyncConfig) bool {
	if a.LastSyncAt == nil {
		return b.LastSyncAt != nil
	}
	if b.LastSyncAt == nil {
		return false
	}
	return a.LastSyncAt.Before(*b.LastSyncAt)
}
