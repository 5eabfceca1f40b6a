package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/summary-archive/internal/coverage"
	apperrors "github.com/summary-archive/internal/errors"
	"github.com/summary-archive/internal/generate"
	"github.com/summary-archive/internal/models"
	"github.com/summary-archive/internal/pricing"
	"github.com/summary-archive/internal/storage"
	"github.com/summary-archive/internal/types"
)

// memJobStore is an in-memory JobStore
type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.ArchiveJob
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]*models.ArchiveJob)}
}

func (s *memJobStore) Create(ctx context.Context, job *models.ArchiveJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := job.Snapshot()
	s.jobs[job.JobID] = &snap
	return nil
}

func (s *memJobStore) Update(ctx context.Context, job *models.ArchiveJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; !ok {
		return storage.ErrNotFound
	}
	snap := job.Snapshot()
	s.jobs[job.JobID] = &snap
	return nil
}

func (s *memJobStore) GetByID(ctx context.Context, jobID string) (*models.ArchiveJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, apperrors.NewJobNotFoundError(jobID)
	}
	snap := job.Snapshot()
	return &snap, nil
}

func (s *memJobStore) List(ctx context.Context, status *types.JobStatus, limit int) ([]*models.ArchiveJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ArchiveJob
	for _, job := range s.jobs {
		if status != nil && job.Status != *status {
			continue
		}
		snap := job.Snapshot()
		out = append(out, &snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memJobStore) ListByStatuses(ctx context.Context, statuses []types.JobStatus, limit int) ([]*models.ArchiveJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[types.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*models.ArchiveJob
	for _, job := range s.jobs {
		if want[job.Status] {
			snap := job.Snapshot()
			out = append(out, &snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memCoverage backs both the scanner and the engine's coverage writes
type memCoverage struct {
	mu   sync.Mutex
	recs map[string]map[string]*models.CoverageRecord // sourceKey -> period key
}

func newMemCoverage() *memCoverage {
	return &memCoverage{recs: make(map[string]map[string]*models.CoverageRecord)}
}

func (c *memCoverage) seed(sourceKey string, day time.Time, status types.CoverageStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recs[sourceKey] == nil {
		c.recs[sourceKey] = make(map[string]*models.CoverageRecord)
	}
	key := day.UTC().Format("2006-01-02")
	c.recs[sourceKey][key] = &models.CoverageRecord{
		SourceKey:   sourceKey,
		PeriodStart: day.UTC(),
		PeriodEnd:   day.UTC().AddDate(0, 0, 1),
		Status:      status,
		UpdatedAt:   time.Now().UTC(),
	}
}

func (c *memCoverage) Upsert(ctx context.Context, rec *models.CoverageRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recs[rec.SourceKey] == nil {
		c.recs[rec.SourceKey] = make(map[string]*models.CoverageRecord)
	}
	cp := *rec
	c.recs[rec.SourceKey][rec.PeriodStart.UTC().Format("2006-01-02")] = &cp
	return nil
}

func (c *memCoverage) get(sourceKey string, day time.Time) *models.CoverageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recs[sourceKey] == nil {
		return nil
	}
	return c.recs[sourceKey][day.UTC().Format("2006-01-02")]
}

func (c *memCoverage) ListRange(ctx context.Context, sourceKey string, from, to time.Time) ([]*models.CoverageRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*models.CoverageRecord
	for _, rec := range c.recs[sourceKey] {
		if rec.PeriodStart.Before(from) || rec.PeriodStart.After(to) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out, nil
}

func (c *memCoverage) Bounds(ctx context.Context, sourceKey string) (time.Time, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recs[sourceKey]) == 0 {
		return time.Time{}, time.Time{}, storage.ErrNotFound
	}
	var earliest, latest time.Time
	for _, rec := range c.recs[sourceKey] {
		if earliest.IsZero() || rec.PeriodStart.Before(earliest) {
			earliest = rec.PeriodStart
		}
		if rec.PeriodStart.After(latest) {
			latest = rec.PeriodStart
		}
	}
	return earliest, latest, nil
}

// fakeGenerator records calls and simulates configurable outcomes
type fakeGenerator struct {
	mu         sync.Mutex
	calls      []string // "sourceKey|periodKey"
	delay      time.Duration
	cost       float64
	failPeriod map[string]bool

	active    map[string]int // concurrent calls per source
	maxActive int
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		cost:       0.002,
		failPeriod: make(map[string]bool),
		active:     make(map[string]int),
	}
}

func (g *fakeGenerator) Generate(ctx context.Context, source types.Source, period types.Period, opts generate.Options) (*generate.Result, error) {
	key := source.Key()

	g.mu.Lock()
	g.active[key]++
	if g.active[key] > g.maxActive {
		g.maxActive = g.active[key]
	}
	g.calls = append(g.calls, key+"|"+period.Key())
	delay := g.delay
	fail := g.failPeriod[period.Key()]
	cost := g.cost
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.active[key]--
		g.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, apperrors.NewCollaboratorError(period.Key(), ctx.Err())
		}
	}

	if fail {
		return nil, apperrors.NewCollaboratorError(period.Key(), fmt.Errorf("summarizer unavailable"))
	}

	return &generate.Result{
		SummaryID: "sum-" + period.Key(),
		TokensIn:  1000,
		TokensOut: 100,
		CostUSD:   cost,
	}, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGenerator) callOrder() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

// cappedLedger approves a fixed number of reservations then denies
type cappedLedger struct {
	mu       sync.Mutex
	approved int
	limit    int
	recorded float64
}

func (l *cappedLedger) TrySpend(ctx context.Context, source string, costUSD float64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.approved >= l.limit {
		return false, nil
	}
	l.approved++
	return true, nil
}

func (l *cappedLedger) Record(ctx context.Context, source string, costUSD float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recorded += costUSD
	return nil
}

type failingSyncer struct {
	mu    sync.Mutex
	calls int
}

func (s *failingSyncer) NotifyGenerated(ctx context.Context, sourceKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return fmt.Errorf("drive upload rejected")
}

type testHarness struct {
	engine *Engine
	store  *memJobStore
	cov    *memCoverage
	gen    *fakeGenerator
}

func newTestEngine(t *testing.T, mutate func(*Config, *Deps)) *testHarness {
	t.Helper()

	store := newMemJobStore()
	cov := newMemCoverage()
	gen := newFakeGenerator()

	cfg := Config{
		MaxRunningJobs: 2,
		PeriodTimeout:  time.Second,
		PollInterval:   5 * time.Millisecond,
		DefaultModel:   "gpt-4o-mini",
	}
	deps := Deps{
		Jobs:      store,
		Coverage:  cov,
		Scanner:   coverage.NewScanner(cov),
		Generator: gen,
		Registry:  pricing.NewPriceRegistry(nil),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	e := NewEngine(cfg, deps)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)

	return &testHarness{engine: e, store: store, cov: cov, gen: gen}
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func testPlan(serverID string, from, to string) *models.GenerationPlan {
	return &models.GenerationPlan{
		Source:       types.Source{Type: types.SourceDiscord, ServerID: serverID},
		DateRange:    types.DateRange{From: day(from), To: day(to)},
		Granularity:  types.GranularityDay,
		SkipExisting: true,
	}
}

func waitForStatus(t *testing.T, e *Engine, jobID string, status types.JobStatus) models.ArchiveJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := e.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if snap.Status == status {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := e.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s (stuck at %s)", jobID, status, snap.Status)
	return models.ArchiveJob{}
}

func TestEngine_ProcessesMissingPeriodsChronologically(t *testing.T) {
	h := newTestEngine(t, nil)

	// 30-day range where 20 days already have summaries
	plan := testPlan("guild-1", "2026-03-01", "2026-03-30")
	sourceKey := plan.Source.Key()
	for d := 0; d < 30; d++ {
		if d < 10 {
			continue // first 10 days missing
		}
		h.cov.seed(sourceKey, day("2026-03-01").AddDate(0, 0, d), types.CoverageComplete)
	}

	snap, err := h.engine.Submit(context.Background(), plan, 0)
	require.NoError(t, err)

	final := waitForStatus(t, h.engine, snap.JobID, types.JobStatusCompleted)

	assert.Equal(t, 10, final.Progress.Total)
	assert.Equal(t, 10, final.Progress.Completed)
	assert.Equal(t, 0, final.Progress.Failed)
	assert.Equal(t, 0, final.Progress.Skipped)
	assert.InDelta(t, 10*0.002, final.CostUSD, 1e-9)
	require.NotNil(t, final.CompletedAt)

	// Oldest first
	order := h.gen.callOrder()
	require.Len(t, order, 10)
	assert.Equal(t, sourceKey+"|2026-03-01", order[0])
	assert.Equal(t, sourceKey+"|2026-03-10", order[9])
	assert.True(t, sort.StringsAreSorted(order))

	rec := h.cov.get(sourceKey, day("2026-03-05"))
	require.NotNil(t, rec)
	assert.Equal(t, types.CoverageComplete, rec.Status)
	require.NotNil(t, rec.SummaryID)
	assert.Equal(t, "sum-2026-03-05", *rec.SummaryID)
	assert.Equal(t, int64(1100), rec.Tokens)
}

func TestEngine_CostCeilingCompletesEarly(t *testing.T) {
	h := newTestEngine(t, func(cfg *Config, deps *Deps) {
		// 1000 input tokens at $2/MTok estimates $0.002 per period
		deps.Registry = pricing.NewPriceRegistry(&pricing.PriceRegistryConfig{
			Overrides:          map[string]pricing.ModelPrice{"gpt-4o-mini": {InputPerMTok: 2.0}},
			TokensInPerPeriod:  1000,
			TokensOutPerPeriod: 1,
		})
	})

	plan := testPlan("guild-ceiling", "2026-04-01", "2026-04-10")
	ceiling := 0.01
	plan.MaxCostUSD = &ceiling

	snap, err := h.engine.Submit(context.Background(), plan, 0)
	require.NoError(t, err)

	final := waitForStatus(t, h.engine, snap.JobID, types.JobStatusCompleted)

	// 5 periods fit under $0.01 at ~$0.002 each; the rest are skipped
	assert.Equal(t, 10, final.Progress.Total)
	assert.Equal(t, 5, final.Progress.Completed)
	assert.Equal(t, 5, final.Progress.Skipped)
	assert.Equal(t, 0, final.Progress.Failed)
	assert.LessOrEqual(t, final.CostUSD, ceiling)
	assert.Equal(t, 5, h.gen.callCount())

	// Skipped periods stay missing in the coverage index
	assert.Nil(t, h.cov.get(plan.Source.Key(), day("2026-04-07")))
}

func TestEngine_CollaboratorFailureContinuesJob(t *testing.T) {
	h := newTestEngine(t, nil)
	h.gen.failPeriod["2026-05-03"] = true

	plan := testPlan("guild-flaky", "2026-05-01", "2026-05-05")
	snap, err := h.engine.Submit(context.Background(), plan, 0)
	require.NoError(t, err)

	final := waitForStatus(t, h.engine, snap.JobID, types.JobStatusCompleted)

	assert.Equal(t, 5, final.Progress.Total)
	assert.Equal(t, 4, final.Progress.Completed)
	assert.Equal(t, 1, final.Progress.Failed)
	assert.Equal(t, 5, h.gen.callCount())

	rec := h.cov.get(plan.Source.Key(), day("2026-05-03"))
	require.NotNil(t, rec)
	assert.Equal(t, types.CoverageFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Contains(t, *rec.Error, "summarizer unavailable")

	// The failed day never got a summary; its neighbors did
	assert.Equal(t, types.CoverageComplete, h.cov.get(plan.Source.Key(), day("2026-05-04")).Status)
}

func TestEngine_PauseAndResumeNoReprocessing(t *testing.T) {
	h := newTestEngine(t, nil)
	h.gen.delay = 20 * time.Millisecond

	plan := testPlan("guild-pause", "2026-06-01", "2026-06-10")
	snap, err := h.engine.Submit(context.Background(), plan, 0)
	require.NoError(t, err)

	waitForStatus(t, h.engine, snap.JobID, types.JobStatusRunning)

	_, err = h.engine.Pause(context.Background(), snap.JobID)
	require.NoError(t, err)

	paused := waitForStatus(t, h.engine, snap.JobID, types.JobStatusPaused)
	processedAtPause := paused.Progress.Processed()
	assert.Less(t, processedAtPause, 10)
	callsAtPause := h.gen.callCount()

	// Paused means no new periods start
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, callsAtPause, h.gen.callCount())

	_, err = h.engine.Resume(context.Background(), snap.JobID)
	require.NoError(t, err)

	final := waitForStatus(t, h.engine, snap.JobID, types.JobStatusCompleted)
	assert.Equal(t, 10, final.Progress.Completed)

	// Each period generated exactly once
	order := h.gen.callOrder()
	seen := make(map[string]int)
	for _, c := range order {
		seen[c]++
	}
	for call, n := range seen {
		assert.Equal(t, 1, n, "period %s generated %d times", call, n)
	}
	assert.Len(t, order, 10)
}

func TestEngine_CancelRunningStopsAtBoundary(t *testing.T) {
	h := newTestEngine(t, nil)
	h.gen.delay = 20 * time.Millisecond

	plan := testPlan("guild-cancel", "2026-07-01", "2026-07-10")
	snap, err := h.engine.Submit(context.Background(), plan, 0)
	require.NoError(t, err)

	waitForStatus(t, h.engine, snap.JobID, types.JobStatusRunning)

	_, err = h.engine.Cancel(context.Background(), snap.JobID)
	require.NoError(t, err)

	final := waitForStatus(t, h.engine, snap.JobID, types.JobStatusCancelled)
	assert.Less(t, final.Progress.Processed(), 10)
	require.NotNil(t, final.CompletedAt)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "cancelled")

	// No further periods after the boundary
	calls := h.gen.callCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, h.gen.callCount())
}

func TestEngine_CancelQueuedJob(t *testing.T) {
	h := newTestEngine(t, func(cfg *Config, deps *Deps) {
		cfg.MaxRunningJobs = 1
	})
	h.gen.delay = 30 * time.Millisecond

	blocker, err := h.engine.Submit(context.Background(), testPlan("guild-a", "2026-08-01", "2026-08-20"), 0)
	require.NoError(t, err)
	waitForStatus(t, h.engine, blocker.JobID, types.JobStatusRunning)

	queued, err := h.engine.Submit(context.Background(), testPlan("guild-b", "2026-08-01", "2026-08-05"), 0)
	require.NoError(t, err)

	_, err = h.engine.Cancel(context.Background(), queued.JobID)
	require.NoError(t, err)

	final := waitForStatus(t, h.engine, queued.JobID, types.JobStatusCancelled)
	assert.Equal(t, 0, final.Progress.Processed())

	// The cancelled job never generates anything
	_, _ = h.engine.Cancel(context.Background(), blocker.JobID)
	waitForStatus(t, h.engine, blocker.JobID, types.JobStatusCancelled)
	for _, call := range h.gen.callOrder() {
		assert.NotContains(t, call, "guild-b")
	}
}

func TestEngine_PerSourceSerialization(t *testing.T) {
	h := newTestEngine(t, nil)
	h.gen.delay = 10 * time.Millisecond

	plan1 := testPlan("guild-shared", "2026-09-01", "2026-09-05")
	plan2 := testPlan("guild-shared", "2026-09-06", "2026-09-10")

	s1, err := h.engine.Submit(context.Background(), plan1, 0)
	require.NoError(t, err)
	s2, err := h.engine.Submit(context.Background(), plan2, 0)
	require.NoError(t, err)

	waitForStatus(t, h.engine, s1.JobID, types.JobStatusCompleted)
	waitForStatus(t, h.engine, s2.JobID, types.JobStatusCompleted)

	h.gen.mu.Lock()
	maxActive := h.gen.maxActive
	h.gen.mu.Unlock()
	assert.Equal(t, 1, maxActive, "two workers ran the same source concurrently")
}

func TestEngine_PriorityDispatchOrder(t *testing.T) {
	store := newMemJobStore()
	cov := newMemCoverage()
	gen := newFakeGenerator()

	e := NewEngine(Config{
		MaxRunningJobs: 1,
		PeriodTimeout:  time.Second,
		PollInterval:   5 * time.Millisecond,
		DefaultModel:   "gpt-4o-mini",
	}, Deps{
		Jobs:      store,
		Coverage:  cov,
		Scanner:   coverage.NewScanner(cov),
		Generator: gen,
		Registry:  pricing.NewPriceRegistry(nil),
	})

	// Submit before starting so dispatch sees both at once
	low, err := e.Submit(context.Background(), testPlan("guild-low", "2026-10-01", "2026-10-02"), 1)
	require.NoError(t, err)
	high, err := e.Submit(context.Background(), testPlan("guild-high", "2026-10-01", "2026-10-02"), 10)
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	waitForStatus(t, e, low.JobID, types.JobStatusCompleted)
	waitForStatus(t, e, high.JobID, types.JobStatusCompleted)

	order := gen.callOrder()
	require.NotEmpty(t, order)
	assert.Contains(t, order[0], "guild-high")
}

func TestEngine_InvalidTransitions(t *testing.T) {
	h := newTestEngine(t, nil)

	snap, err := h.engine.Submit(context.Background(), testPlan("guild-x", "2026-11-01", "2026-11-02"), 0)
	require.NoError(t, err)
	waitForStatus(t, h.engine, snap.JobID, types.JobStatusCompleted)

	_, err = h.engine.Pause(context.Background(), snap.JobID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryConflict))

	_, err = h.engine.Resume(context.Background(), snap.JobID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryConflict))

	_, err = h.engine.Cancel(context.Background(), snap.JobID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryConflict))

	_, err = h.engine.Pause(context.Background(), "no-such-job")
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryNotFound))
}

func TestEngine_SyncFailureDoesNotTouchJobState(t *testing.T) {
	syncer := &failingSyncer{}
	h := newTestEngine(t, func(cfg *Config, deps *Deps) {
		deps.Syncer = syncer
	})

	snap, err := h.engine.Submit(context.Background(), testPlan("guild-sync", "2026-12-01", "2026-12-03"), 0)
	require.NoError(t, err)

	final := waitForStatus(t, h.engine, snap.JobID, types.JobStatusCompleted)

	// One dispatch per generated summary
	syncer.mu.Lock()
	calls := syncer.calls
	syncer.mu.Unlock()
	assert.Equal(t, 3, calls)

	assert.Equal(t, types.JobStatusCompleted, final.Status)
	assert.Nil(t, final.Error)
	assert.Equal(t, 3, final.Progress.Completed)
}

func TestEngine_SyncNotDispatchedForFailedPeriods(t *testing.T) {
	syncer := &failingSyncer{}
	h := newTestEngine(t, func(cfg *Config, deps *Deps) {
		deps.Syncer = syncer
	})
	h.gen.failPeriod["2026-12-12"] = true

	snap, err := h.engine.Submit(context.Background(), testPlan("guild-sync2", "2026-12-10", "2026-12-13"), 0)
	require.NoError(t, err)

	final := waitForStatus(t, h.engine, snap.JobID, types.JobStatusCompleted)
	assert.Equal(t, 3, final.Progress.Completed)
	assert.Equal(t, 1, final.Progress.Failed)

	syncer.mu.Lock()
	calls := syncer.calls
	syncer.mu.Unlock()
	assert.Equal(t, 3, calls)
}

func TestEngine_PeriodTimeoutCountsAsFailure(t *testing.T) {
	h := newTestEngine(t, func(cfg *Config, deps *Deps) {
		cfg.PeriodTimeout = 20 * time.Millisecond
	})
	h.gen.delay = 200 * time.Millisecond

	plan := testPlan("guild-slow", "2027-01-01", "2027-01-02")
	snap, err := h.engine.Submit(context.Background(), plan, 0)
	require.NoError(t, err)

	final := waitForStatus(t, h.engine, snap.JobID, types.JobStatusCompleted)
	assert.Equal(t, 2, final.Progress.Failed)
	assert.Equal(t, 0, final.Progress.Completed)

	rec := h.cov.get(plan.Source.Key(), day("2027-01-01"))
	require.NotNil(t, rec)
	assert.Equal(t, types.CoverageFailed, rec.Status)
}

func TestEngine_MonthlyCapCompletesEarly(t *testing.T) {
	ledger := &cappedLedger{limit: 2}
	h := newTestEngine(t, func(cfg *Config, deps *Deps) {
		deps.Ledger = ledger
	})

	snap, err := h.engine.Submit(context.Background(), testPlan("guild-cap", "2027-02-01", "2027-02-05"), 0)
	require.NoError(t, err)

	final := waitForStatus(t, h.engine, snap.JobID, types.JobStatusCompleted)
	assert.Equal(t, 2, final.Progress.Completed)
	assert.Equal(t, 3, final.Progress.Skipped)
	assert.Equal(t, 2, h.gen.callCount())
}

func TestEngine_RecoversOrphanedRunningJob(t *testing.T) {
	store := newMemJobStore()
	cov := newMemCoverage()
	gen := newFakeGenerator()

	orphan := &models.ArchiveJob{
		JobID:     "orphan-1",
		Plan:      *testPlan("guild-orphan", "2027-03-01", "2027-03-03"),
		Status:    types.JobStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	orphan.Plan.Model = "gpt-4o-mini"
	require.NoError(t, store.Create(context.Background(), orphan))

	e := NewEngine(Config{
		MaxRunningJobs: 1,
		PeriodTimeout:  time.Second,
		PollInterval:   5 * time.Millisecond,
		DefaultModel:   "gpt-4o-mini",
	}, Deps{
		Jobs:      store,
		Coverage:  cov,
		Scanner:   coverage.NewScanner(cov),
		Generator: gen,
		Registry:  pricing.NewPriceRegistry(nil),
	})
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	final := waitForStatus(t, e, "orphan-1", types.JobStatusCompleted)
	assert.Equal(t, 3, final.Progress.Completed)
}

func TestEngine_RecoveryRestartsProgressAgainstRemainingPeriods(t *testing.T) {
	store := newMemJobStore()
	cov := newMemCoverage()
	gen := newFakeGenerator()

	// The previous process summarized two of three days before dying
	orphan := &models.ArchiveJob{
		JobID:     "orphan-2",
		Plan:      *testPlan("guild-restart", "2027-05-01", "2027-05-03"),
		Status:    types.JobStatusRunning,
		Progress:  models.JobProgress{Total: 3, Completed: 2},
		CostUSD:   0.004,
		CreatedAt: time.Now().UTC(),
	}
	orphan.Plan.Model = "gpt-4o-mini"
	require.NoError(t, store.Create(context.Background(), orphan))
	cov.seed("discord:guild-restart", day("2027-05-01"), types.CoverageComplete)
	cov.seed("discord:guild-restart", day("2027-05-02"), types.CoverageComplete)

	e := NewEngine(Config{
		MaxRunningJobs: 1,
		PeriodTimeout:  time.Second,
		PollInterval:   5 * time.Millisecond,
		DefaultModel:   "gpt-4o-mini",
	}, Deps{
		Jobs:      store,
		Coverage:  cov,
		Scanner:   coverage.NewScanner(cov),
		Generator: gen,
		Registry:  pricing.NewPriceRegistry(nil),
	})
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	final := waitForStatus(t, e, "orphan-2", types.JobStatusCompleted)

	// Counters restart against the one day still missing; stale counters
	// from the first run must not leak into the new totals
	assert.Equal(t, 1, final.Progress.Total)
	assert.Equal(t, 1, final.Progress.Completed)
	assert.Equal(t, 0, final.Progress.Failed)
	assert.Equal(t, 0, final.Progress.Skipped)
	assert.LessOrEqual(t, final.Progress.Processed(), final.Progress.Total)
	assert.Equal(t, 1, gen.callCount())
}

func TestEngine_SubmitCreatesPendingJobUntilAdmitted(t *testing.T) {
	store := newMemJobStore()
	cov := newMemCoverage()
	gen := newFakeGenerator()

	e := NewEngine(Config{
		MaxRunningJobs: 1,
		PeriodTimeout:  time.Second,
		PollInterval:   5 * time.Millisecond,
		DefaultModel:   "gpt-4o-mini",
	}, Deps{
		Jobs:      store,
		Coverage:  cov,
		Scanner:   coverage.NewScanner(cov),
		Generator: gen,
		Registry:  pricing.NewPriceRegistry(nil),
	})

	// Without a dispatch loop nothing admits the job
	snap, err := e.Submit(context.Background(), testPlan("guild-pend", "2027-06-01", "2027-06-02"), 0)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, snap.Status)

	stored, err := store.GetByID(context.Background(), snap.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, stored.Status)

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	waitForStatus(t, e, snap.JobID, types.JobStatusCompleted)
}

func TestEngine_AdmissionPromotesPendingToQueued(t *testing.T) {
	h := newTestEngine(t, nil)
	h.gen.delay = 30 * time.Millisecond

	// Both jobs target one source, so the second is admitted to a free
	// slot but waits on the source lock
	first, err := h.engine.Submit(context.Background(), testPlan("guild-q", "2027-07-01", "2027-07-10"), 0)
	require.NoError(t, err)
	waitForStatus(t, h.engine, first.JobID, types.JobStatusRunning)

	second, err := h.engine.Submit(context.Background(), testPlan("guild-q", "2027-07-11", "2027-07-15"), 0)
	require.NoError(t, err)

	waitForStatus(t, h.engine, second.JobID, types.JobStatusQueued)
	waitForStatus(t, h.engine, second.JobID, types.JobStatusCompleted)
}

func TestEngine_TerminalJobsReleaseControlState(t *testing.T) {
	h := newTestEngine(t, nil)

	snap, err := h.engine.Submit(context.Background(), testPlan("guild-done", "2027-08-01", "2027-08-02"), 0)
	require.NoError(t, err)
	waitForStatus(t, h.engine, snap.JobID, types.JobStatusCompleted)

	require.Eventually(t, func() bool {
		h.engine.mu.Lock()
		defer h.engine.mu.Unlock()
		return len(h.engine.entries) == 0
	}, time.Second, 5*time.Millisecond)

	// Reads fall back to the store once the control block is gone
	final, err := h.engine.GetJob(context.Background(), snap.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, final.Status)
	assert.Equal(t, 2, final.Progress.Completed)
}

func TestEngine_SubmitValidation(t *testing.T) {
	h := newTestEngine(t, nil)

	cases := []struct {
		name   string
		mutate func(*models.GenerationPlan)
	}{
		{"unknown source type", func(p *models.GenerationPlan) { p.Source.Type = "irc" }},
		{"empty server", func(p *models.GenerationPlan) { p.Source.ServerID = "" }},
		{"inverted range", func(p *models.GenerationPlan) {
			p.DateRange = types.DateRange{From: day("2027-04-10"), To: day("2027-04-01")}
		}},
		{"negative ceiling", func(p *models.GenerationPlan) { c := -1.0; p.MaxCostUSD = &c }},
		{"bad granularity", func(p *models.GenerationPlan) { p.Granularity = "hour" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := testPlan("guild-v", "2027-04-01", "2027-04-10")
			tc.mutate(plan)
			_, err := h.engine.Submit(context.Background(), plan, 0)
			require.Error(t, err)
		})
	}
}
