// Package job implements the archive backfill engine: admission, the
// per-period worker loop, and job lifecycle control.
package job

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/summary-archive/internal/coverage"
	apperrors "github.com/summary-archive/internal/errors"
	"github.com/summary-archive/internal/generate"
	"github.com/summary-archive/internal/logging"
	"github.com/summary-archive/internal/models"
	"github.com/summary-archive/internal/pricing"
	"github.com/summary-archive/internal/types"
)

// JobStore persists job rows
type JobStore interface {
	Create(ctx context.Context, job *models.ArchiveJob) error
	Update(ctx context.Context, job *models.ArchiveJob) error
	GetByID(ctx context.Context, jobID string) (*models.ArchiveJob, error)
	List(ctx context.Context, status *types.JobStatus, limit int) ([]*models.ArchiveJob, error)
	ListByStatuses(ctx context.Context, statuses []types.JobStatus, limit int) ([]*models.ArchiveJob, error)
}

// CoverageStore persists per-period coverage outcomes
type CoverageStore interface {
	Upsert(ctx context.Context, rec *models.CoverageRecord) error
}

// UsageStore records committed generation spend
type UsageStore interface {
	Insert(ctx context.Context, ev *models.UsageEvent) error
}

// Ledger enforces the deployment-wide monthly spend cap
type Ledger interface {
	TrySpend(ctx context.Context, source string, costUSD float64) (bool, error)
	Record(ctx context.Context, source string, costUSD float64) error
}

// CacheInvalidator drops cached scan results after coverage changes
type CacheInvalidator interface {
	Invalidate(ctx context.Context, sourceKey string) error
}

// SyncNotifier receives a best-effort notification each time a period
// produced a new summary. Errors are logged and never reach job state.
type SyncNotifier interface {
	NotifyGenerated(ctx context.Context, sourceKey string) error
}

// Config configures the engine
type Config struct {
	MaxRunningJobs int           // Worker slots; jobs beyond this wait queued
	PeriodTimeout  time.Duration // Deadline for a single generation call
	PollInterval   time.Duration // Dispatch loop tick
	DefaultModel   string        // Model used when a plan names none
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		MaxRunningJobs: 3,
		PeriodTimeout:  5 * time.Minute,
		PollInterval:   1 * time.Second,
	}
}

// Engine runs archive backfill jobs. At most cfg.MaxRunningJobs workers run
// at once, and never two for the same source. All external reads of running
// jobs go through lock-free snapshots.
type Engine struct {
	cfg       Config
	jobStore  JobStore
	covStore  CoverageStore
	usage     UsageStore
	scanner   *coverage.Scanner
	generator generate.Generator
	registry  *pricing.PriceRegistry
	ledger    Ledger
	cache     CacheInvalidator
	syncer    SyncNotifier
	logger    *logging.Logger

	mu      sync.Mutex
	queue   jobQueue
	entries map[string]*jobEntry
	running int
	seq     uint64
	started bool

	locks  *sourceLocks
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// jobEntry is the in-memory control block for a live job
type jobEntry struct {
	snapshot atomic.Value // models.ArchiveJob
	pause    atomic.Bool
	cancel   atomic.Bool
	started  atomic.Bool
	wake     chan struct{} // nudges a paused worker
}

func newJobEntry(job *models.ArchiveJob) *jobEntry {
	e := &jobEntry{wake: make(chan struct{}, 1)}
	e.snapshot.Store(job.Snapshot())
	return e
}

func (e *jobEntry) nudge() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Deps bundles the engine's collaborators
type Deps struct {
	Jobs      JobStore
	Coverage  CoverageStore
	Usage     UsageStore
	Scanner   *coverage.Scanner
	Generator generate.Generator
	Registry  *pricing.PriceRegistry
	Ledger    Ledger           // optional
	Cache     CacheInvalidator // optional
	Syncer    SyncNotifier     // optional
}

// NewEngine creates a stopped engine
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.MaxRunningJobs <= 0 {
		cfg.MaxRunningJobs = DefaultConfig().MaxRunningJobs
	}
	if cfg.PeriodTimeout <= 0 {
		cfg.PeriodTimeout = DefaultConfig().PeriodTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}

	return &Engine{
		cfg:       cfg,
		jobStore:  deps.Jobs,
		covStore:  deps.Coverage,
		usage:     deps.Usage,
		scanner:   deps.Scanner,
		generator: deps.Generator,
		registry:  deps.Registry,
		ledger:    deps.Ledger,
		cache:     deps.Cache,
		syncer:    deps.Syncer,
		logger:    logging.GetGlobalLogger().WithComponent("Engine"),
		entries:   make(map[string]*jobEntry),
		locks:     newSourceLocks(),
		stopCh:    make(chan struct{}),
	}
}

// Start recovers non-terminal jobs from the database and begins dispatching.
// Jobs found running were orphaned by a previous process and are re-queued;
// paused jobs come back paused.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}

	e.wg.Add(1)
	go e.dispatchLoop(ctx)

	return nil
}

// Stop stops dispatching and waits for in-flight workers to reach a period
// boundary or finish.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) recover(ctx context.Context) error {
	statuses := []types.JobStatus{
		types.JobStatusPending,
		types.JobStatusQueued,
		types.JobStatusRunning,
		types.JobStatusPaused,
	}
	jobs, err := e.jobStore.ListByStatuses(ctx, statuses, 1000)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		e.mu.Lock()
		_, known := e.entries[job.JobID]
		e.mu.Unlock()
		if known {
			continue
		}

		// A job found running belonged to a dead process; it goes back
		// through admission. Pending jobs were never admitted and stay
		// pending until dispatch picks them up.
		if job.Status == types.JobStatusRunning {
			job.Status = types.JobStatusQueued
			e.persist(ctx, job)
		}

		entry := newJobEntry(job)
		if job.Status == types.JobStatusPaused {
			entry.pause.Store(true)
		}

		e.mu.Lock()
		e.entries[job.JobID] = entry
		e.seq++
		heap.Push(&e.queue, &queueItem{Job: job, Priority: job.Priority, Seq: e.seq})
		e.mu.Unlock()
	}

	if len(jobs) > 0 {
		e.logger.WithField("count", len(jobs)).Info("Recovered jobs from database")
	}
	return nil
}

// Submit validates a plan, persists the job, and admits it to the queue
func (e *Engine) Submit(ctx context.Context, plan *models.GenerationPlan, priority int) (models.ArchiveJob, error) {
	if err := validatePlan(plan); err != nil {
		return models.ArchiveJob{}, err
	}
	if plan.Model == "" {
		plan.Model = e.cfg.DefaultModel
	}

	job := &models.ArchiveJob{
		JobID:     uuid.New().String(),
		Plan:      *plan,
		Status:    types.JobStatusPending,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}

	if err := e.jobStore.Create(ctx, job); err != nil {
		return models.ArchiveJob{}, apperrors.NewEngineFatalError("submit", err)
	}

	entry := newJobEntry(job)

	e.mu.Lock()
	e.entries[job.JobID] = entry
	e.seq++
	heap.Push(&e.queue, &queueItem{Job: job, Priority: priority, Seq: e.seq})
	e.mu.Unlock()

	e.logger.WithFields(map[string]interface{}{
		"jobId":     job.JobID,
		"sourceKey": plan.Source.Key(),
		"priority":  priority,
	}).Info("Job submitted")

	return job.Snapshot(), nil
}

func validatePlan(plan *models.GenerationPlan) error {
	if plan == nil {
		return apperrors.NewValidationError("plan", "plan is required")
	}
	switch plan.Source.Type {
	case types.SourceDiscord, types.SourceSlack:
	default:
		return apperrors.NewValidationError("source.type", fmt.Sprintf("unknown source type %q", plan.Source.Type))
	}
	if plan.Source.ServerID == "" {
		return apperrors.NewValidationError("source.serverId", "server ID is required")
	}
	if err := plan.DateRange.Validate(); err != nil {
		return err
	}
	if plan.MaxCostUSD != nil && *plan.MaxCostUSD < 0 {
		return apperrors.NewValidationError("maxCostUsd", "cost ceiling cannot be negative")
	}
	switch plan.Granularity {
	case "", types.GranularityDay, types.GranularityWeek, types.GranularityMonth:
	default:
		return apperrors.NewValidationError("granularity", fmt.Sprintf("unknown granularity %q", plan.Granularity))
	}
	return nil
}

// GetJob returns a point-in-time snapshot of a job. Live jobs are served
// from memory without touching the database.
func (e *Engine) GetJob(ctx context.Context, jobID string) (models.ArchiveJob, error) {
	e.mu.Lock()
	entry, ok := e.entries[jobID]
	e.mu.Unlock()

	if ok {
		return entry.snapshot.Load().(models.ArchiveJob), nil
	}

	job, err := e.jobStore.GetByID(ctx, jobID)
	if err != nil {
		return models.ArchiveJob{}, err
	}
	return job.Snapshot(), nil
}

// ListJobs lists jobs, optionally filtered by status
func (e *Engine) ListJobs(ctx context.Context, status *types.JobStatus, limit int) ([]*models.ArchiveJob, error) {
	return e.jobStore.List(ctx, status, limit)
}

// Pause asks a running job to pause at its next period boundary. The
// in-flight period always finishes first.
func (e *Engine) Pause(ctx context.Context, jobID string) (models.ArchiveJob, error) {
	entry, snap, err := e.liveEntry(ctx, jobID)
	if err != nil {
		return models.ArchiveJob{}, err
	}

	if snap.Status != types.JobStatusRunning {
		return models.ArchiveJob{}, apperrors.NewInvalidTransitionError(jobID, snap.Status, "pause")
	}

	entry.pause.Store(true)
	e.logger.WithField("jobId", jobID).Info("Pause requested")
	return snap, nil
}

// Resume wakes a paused job
func (e *Engine) Resume(ctx context.Context, jobID string) (models.ArchiveJob, error) {
	entry, snap, err := e.liveEntry(ctx, jobID)
	if err != nil {
		return models.ArchiveJob{}, err
	}

	if snap.Status != types.JobStatusPaused && !entry.pause.Load() {
		return models.ArchiveJob{}, apperrors.NewInvalidTransitionError(jobID, snap.Status, "resume")
	}

	entry.pause.Store(false)
	entry.nudge()
	e.logger.WithField("jobId", jobID).Info("Resume requested")
	return snap, nil
}

// Cancel cancels a job. Queued jobs cancel immediately; running and paused
// jobs cancel at the next period boundary. Terminal jobs cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, jobID string) (models.ArchiveJob, error) {
	entry, snap, err := e.liveEntry(ctx, jobID)
	if err != nil {
		return models.ArchiveJob{}, err
	}

	if snap.Status.IsTerminal() {
		return models.ArchiveJob{}, apperrors.NewInvalidTransitionError(jobID, snap.Status, "cancel")
	}

	entry.cancel.Store(true)
	entry.nudge()

	// A job that has no worker yet finalizes here; dispatch skips it later.
	if snap.Status == types.JobStatusPending || snap.Status == types.JobStatusQueued {
		e.mu.Lock()
		job, jerr := e.jobStore.GetByID(ctx, jobID)
		if jerr == nil && !job.Status.IsTerminal() {
			now := time.Now().UTC()
			job.Status = types.JobStatusCancelled
			job.CompletedAt = &now
			e.persist(ctx, job)
			entry.snapshot.Store(job.Snapshot())
			snap = job.Snapshot()
			delete(e.entries, jobID)
		}
		e.mu.Unlock()
	}

	e.logger.WithField("jobId", jobID).Info("Cancel requested")
	return snap, nil
}

// liveEntry resolves the control block for a job, falling back to the
// database for jobs this process has never seen.
func (e *Engine) liveEntry(ctx context.Context, jobID string) (*jobEntry, models.ArchiveJob, error) {
	e.mu.Lock()
	entry, ok := e.entries[jobID]
	e.mu.Unlock()

	if ok {
		return entry, entry.snapshot.Load().(models.ArchiveJob), nil
	}

	job, err := e.jobStore.GetByID(ctx, jobID)
	if err != nil {
		return nil, models.ArchiveJob{}, err
	}
	return nil, models.ArchiveJob{}, apperrors.NewInvalidTransitionError(jobID, job.Status, "control")
}

// dispatchLoop admits queued jobs into worker slots
func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.dispatch(ctx)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var deferred []*queueItem
	for e.running < e.cfg.MaxRunningJobs && e.queue.Len() > 0 {
		item := heap.Pop(&e.queue).(*queueItem)
		entry := e.entries[item.Job.JobID]

		if entry == nil || entry.cancel.Load() {
			continue
		}
		if !entry.started.CompareAndSwap(false, true) {
			continue
		}

		// Admission: a pending job becomes queued once a worker slot is
		// free, even if the source lock makes it wait another tick.
		if item.Job.Status == types.JobStatusPending {
			item.Job.Status = types.JobStatusQueued
			e.persist(ctx, item.Job)
			entry.snapshot.Store(item.Job.Snapshot())
		}

		sourceKey := item.Job.Plan.Source.Key()
		if !e.locks.TryAcquire(sourceKey) {
			// Another worker owns this source; retry on a later tick
			entry.started.Store(false)
			deferred = append(deferred, item)
			continue
		}

		e.running++
		e.wg.Add(1)
		go e.runJob(ctx, item.Job, entry, sourceKey)
	}

	for _, item := range deferred {
		heap.Push(&e.queue, item)
	}
}

// runJob is the per-job worker loop. Pause, resume, cancel, and the cost
// ceiling all take effect only between periods.
func (e *Engine) runJob(ctx context.Context, job *models.ArchiveJob, entry *jobEntry, sourceKey string) {
	defer func() {
		e.locks.Release(sourceKey)
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
		e.wg.Done()
	}()

	logger := e.logger.WithFields(map[string]interface{}{
		"jobId":     job.JobID,
		"sourceKey": sourceKey,
	})

	now := time.Now().UTC()
	job.Status = types.JobStatusRunning
	job.StartedAt = &now
	e.persist(ctx, job)
	entry.snapshot.Store(job.Snapshot())

	periods, err := e.scanner.EligiblePeriods(ctx, &job.Plan)
	if err != nil {
		logger.WithError(err).Error("Failed to resolve eligible periods")
		e.finalize(ctx, job, entry, types.JobStatusFailed, err.Error())
		return
	}

	// A recovered job carries counters from its previous run, but already
	// completed periods are no longer eligible, so the counters restart
	// against the remaining total.
	job.Progress = models.JobProgress{Total: len(periods)}
	e.persist(ctx, job)
	entry.snapshot.Store(job.Snapshot())

	logger.WithField("periods", len(periods)).Info("Job started")

	for i, period := range periods {
		select {
		case <-e.stopCh:
			// Shutdown: leave the job running in the database so the next
			// process re-queues it.
			return
		default:
		}
		if ctx.Err() != nil {
			return
		}

		if entry.cancel.Load() {
			e.finalize(ctx, job, entry, types.JobStatusCancelled, "cancelled by user")
			return
		}

		if entry.pause.Load() {
			if !e.waitResume(ctx, job, entry, logger) {
				return
			}
			if entry.cancel.Load() {
				e.finalize(ctx, job, entry, types.JobStatusCancelled, "cancelled by user")
				return
			}
		}

		estCost := e.registry.PeriodCost(job.Plan.Model)

		if job.Plan.MaxCostUSD != nil && job.CostUSD+estCost > *job.Plan.MaxCostUSD {
			job.Progress.Skipped += len(periods) - i
			logger.WithFields(map[string]interface{}{
				"spent":   job.CostUSD,
				"ceiling": *job.Plan.MaxCostUSD,
				"skipped": len(periods) - i,
			}).Info("Cost ceiling reached, skipping remaining periods")
			e.finalize(ctx, job, entry, types.JobStatusCompleted, "")
			return
		}

		if !e.reserveSpend(ctx, sourceKey, estCost, logger) {
			job.Progress.Skipped += len(periods) - i
			logger.WithField("skipped", len(periods)-i).Warn("Monthly spend cap reached, skipping remaining periods")
			e.finalize(ctx, job, entry, types.JobStatusCompleted, "")
			return
		}

		ok := e.processPeriod(ctx, job, period, sourceKey, estCost, logger)

		e.persist(ctx, job)
		entry.snapshot.Store(job.Snapshot())

		if ok {
			e.notifySync(ctx, sourceKey, logger)
		}
	}

	e.finalize(ctx, job, entry, types.JobStatusCompleted, "")
	logger.WithFields(map[string]interface{}{
		"completed": job.Progress.Completed,
		"failed":    job.Progress.Failed,
		"skipped":   job.Progress.Skipped,
		"costUsd":   job.CostUSD,
	}).Info("Job finished")
}

// waitResume parks a worker until resume, cancel, or shutdown. Returns false
// when the engine is shutting down.
func (e *Engine) waitResume(ctx context.Context, job *models.ArchiveJob, entry *jobEntry, logger *logging.Logger) bool {
	job.Status = types.JobStatusPaused
	e.persist(ctx, job)
	entry.snapshot.Store(job.Snapshot())
	logger.Info("Job paused")

	for entry.pause.Load() && !entry.cancel.Load() {
		select {
		case <-entry.wake:
		case <-e.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}

	if entry.cancel.Load() {
		return true
	}

	job.Status = types.JobStatusRunning
	e.persist(ctx, job)
	entry.snapshot.Store(job.Snapshot())
	logger.Info("Job resumed")
	return true
}

// reserveSpend checks the monthly cap. Ledger errors fail open: a Redis
// outage must not stop archive generation.
func (e *Engine) reserveSpend(ctx context.Context, sourceKey string, estCost float64, logger *logging.Logger) bool {
	if e.ledger == nil || estCost <= 0 {
		return true
	}
	ok, err := e.ledger.TrySpend(ctx, sourceKey, estCost)
	if err != nil {
		logger.WithError(err).Warn("Spend ledger unavailable, proceeding without cap check")
		return true
	}
	return ok
}

// processPeriod runs one generation call and records its outcome, returning
// true when the period produced a summary. A collaborator failure marks the
// period failed and the job moves on.
func (e *Engine) processPeriod(ctx context.Context, job *models.ArchiveJob, period types.Period, sourceKey string, estCost float64, logger *logging.Logger) bool {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PeriodTimeout)
	result, err := e.generator.Generate(pctx, job.Plan.Source, period, generate.Options{
		Model:      job.Plan.Model,
		ChannelIDs: job.Plan.ChannelIDs,
	})
	cancel()

	now := time.Now().UTC()

	if err != nil {
		msg := err.Error()
		rec := &models.CoverageRecord{
			SourceKey:   sourceKey,
			PeriodStart: period.Start,
			PeriodEnd:   period.End,
			Status:      types.CoverageFailed,
			Error:       &msg,
			UpdatedAt:   now,
		}
		if uerr := e.covStore.Upsert(ctx, rec); uerr != nil {
			logger.WithError(uerr).Error("Failed to record period failure")
		}
		job.Progress.Failed++

		// Refund the reservation: no spend was committed
		e.recordSpend(ctx, sourceKey, -estCost, logger)

		logger.WithFields(map[string]interface{}{
			"period": period.Key(),
			"error":  msg,
		}).Warn("Period generation failed")
		return false
	}

	rec := &models.CoverageRecord{
		SourceKey:   sourceKey,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Status:      types.CoverageComplete,
		SummaryID:   &result.SummaryID,
		GeneratedAt: &now,
		CostUSD:     result.CostUSD,
		Tokens:      result.TokensIn + result.TokensOut,
		UpdatedAt:   now,
	}
	if uerr := e.covStore.Upsert(ctx, rec); uerr != nil {
		logger.WithError(uerr).Error("Failed to record period completion")
	}

	if e.usage != nil {
		ev := &models.UsageEvent{
			EventID:     uuid.New().String(),
			JobID:       job.JobID,
			SourceKey:   sourceKey,
			PeriodStart: period.Start,
			Model:       job.Plan.Model,
			TokensIn:    result.TokensIn,
			TokensOut:   result.TokensOut,
			CostUSD:     result.CostUSD,
			CreatedAt:   now,
		}
		if uerr := e.usage.Insert(ctx, ev); uerr != nil {
			logger.WithError(uerr).Error("Failed to record usage event")
		}
	}

	// Adjust the reservation to the actual committed cost
	e.recordSpend(ctx, sourceKey, result.CostUSD-estCost, logger)

	if e.cache != nil {
		if cerr := e.cache.Invalidate(ctx, sourceKey); cerr != nil {
			logger.WithError(cerr).Warn("Failed to invalidate scan cache")
		}
	}

	job.CostUSD += result.CostUSD
	job.Progress.Completed++
	return true
}

// notifySync fires the best-effort sync hook for a freshly generated summary
func (e *Engine) notifySync(ctx context.Context, sourceKey string, logger *logging.Logger) {
	if e.syncer == nil {
		return
	}
	if err := e.syncer.NotifyGenerated(ctx, sourceKey); err != nil {
		logger.WithField("sourceKey", sourceKey).WithError(err).Warn("Sync dispatch failed")
	}
}

func (e *Engine) recordSpend(ctx context.Context, sourceKey string, delta float64, logger *logging.Logger) {
	if e.ledger == nil || delta == 0 {
		return
	}
	if err := e.ledger.Record(ctx, sourceKey, delta); err != nil {
		logger.WithError(err).Warn("Failed to adjust spend ledger")
	}
}

// finalize moves a job to a terminal state and drops its control block.
// Later reads of the job fall through to the store.
func (e *Engine) finalize(ctx context.Context, job *models.ArchiveJob, entry *jobEntry, status types.JobStatus, errMsg string) {
	now := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &now
	if errMsg != "" {
		job.Error = &errMsg
	}
	e.persist(ctx, job)
	entry.snapshot.Store(job.Snapshot())

	e.mu.Lock()
	delete(e.entries, job.JobID)
	e.mu.Unlock()
}

func (e *Engine) persist(ctx context.Context, job *models.ArchiveJob) {
	if err := e.jobStore.Update(ctx, job); err != nil {
		e.logger.WithField("jobId", job.JobID).WithError(err).Error("Failed to persist job state")
	}
}

// QueueDepth returns the number of jobs waiting for a worker slot
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// ActiveJobs returns the number of jobs currently holding worker slots
func (e *Engine) ActiveJobs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}
