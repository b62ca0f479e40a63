package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market_sync_backend/models"
	"market_sync_backend/services/provider"
)

// memStore is an in-memory orchestrator store.
type memStore struct {
	mu        sync.Mutex
	sources   map[uint]*models.DataSource
	schedules map[uint]*models.ScheduleDefinition
	activeRun *models.SyncRun

	stampedStatus string
	stampedAt     time.Time
}

func newMemStore() *memStore {
	return &memStore{
		sources:   make(map[uint]*models.DataSource),
		schedules: make(map[uint]*models.ScheduleDefinition),
	}
}

func (s *memStore) GetSource(ctx context.Context, id uint) (*models.DataSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return nil, errors.New("source not found")
	}
	return src, nil
}

func (s *memStore) GetSchedule(ctx context.Context, id uint) (*models.ScheduleDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.schedules[id]
	if !ok {
		return nil, errors.New("schedule not found")
	}
	return def, nil
}

func (s *memStore) StampSchedule(ctx context.Context, id uint, runAt time.Time, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stampedAt = runAt
	s.stampedStatus = status
	return nil
}

func (s *memStore) FindActiveRun(ctx context.Context, sourceID uint, kind, symbols string) (*models.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.activeRun
	if r == nil || r.SourceID != sourceID || r.Kind != kind || r.Symbols != symbols {
		return nil, nil
	}
	return r, nil
}

func (s *memStore) setActiveRun(r *models.SyncRun) {
	s.mu.Lock()
	s.activeRun = r
	s.mu.Unlock()
}

// memRuns satisfies syncengine.RunStore.
type memRuns struct {
	mu      sync.Mutex
	nextID  uint
	created []*models.SyncRun
}

func (s *memRuns) Create(ctx context.Context, run *models.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	run.ID = s.nextID
	s.created = append(s.created, run)
	return nil
}

func (s *memRuns) Update(ctx context.Context, run *models.SyncRun) error { return nil }

func (s *memRuns) IsCancelRequested(ctx context.Context, runID uint) (bool, error) {
	return false, nil
}

// recordingRunner captures what the orchestrator hands to the engine.
type recordingRunner struct {
	mu      sync.Mutex
	runs    []*models.SyncRun
	status  string
	block   chan struct{} // when set, Run blocks until closed
	lastCtx context.Context
}

func (r *recordingRunner) Run(ctx context.Context, source *models.DataSource, prov provider.Provider, run *models.SyncRun) error {
	r.mu.Lock()
	r.runs = append(r.runs, run)
	r.lastCtx = ctx
	block := r.block
	r.mu.Unlock()

	if block != nil {
		<-block
	}
	status := r.status
	if status == "" {
		status = models.SyncStatusCompleted
	}
	_ = run.Transition(models.SyncStatusRunning)
	_ = run.Transition(status)
	return nil
}

type stubProvider struct{}

func (stubProvider) Authenticate(ctx context.Context, secret string) (*provider.TokenGrant, error) {
	return nil, errors.New("not used")
}
func (stubProvider) RefreshAccess(ctx context.Context, refreshToken string) (*provider.TokenGrant, error) {
	return nil, errors.New("not used")
}
func (stubProvider) FetchPage(ctx context.Context, accessToken, endpoint string, params map[string]string, cursor string) (*provider.Page, error) {
	return nil, errors.New("not used")
}

func stubFactory(*models.DataSource) (provider.Provider, error) {
	return stubProvider{}, nil
}

func setupOrchestrator() (*Orchestrator, *memStore, *memRuns, *recordingRunner) {
	store := newMemStore()
	store.sources[1] = &models.DataSource{ID: 1, Code: "SSI", Timezone: "Asia/Ho_Chi_Minh", Enabled: true}
	runs := &memRuns{}
	runner := &recordingRunner{}
	o := New(store, runs, runner, stubFactory, time.Minute)
	return o, store, runs, runner
}

func presetSchedule(id uint, preset string, params map[string]int) *models.ScheduleDefinition {
	encoded := ""
	if params != nil {
		b, _ := json.Marshal(params)
		encoded = string(b)
	}
	return &models.ScheduleDefinition{
		ID:           id,
		Name:         "nightly",
		SourceID:     1,
		Enabled:      true,
		TriggerKind:  models.TriggerRelativePreset,
		FireAt:       "01:00",
		SyncKind:     models.SyncKindIncremental,
		PresetName:   preset,
		PresetParams: encoded,
	}
}

func TestTriggerScheduleResolvesPresetAtExecutionTime(t *testing.T) {
	o, store, _, runner := setupOrchestrator()
	store.schedules[10] = presetSchedule(10, PresetTrailingDays, map[string]int{"days": 7})

	run, err := o.TriggerSchedule(context.Background(), 10)
	require.NoError(t, err)
	require.NotNil(t, run)

	require.Len(t, runner.runs, 1)
	require.NotNil(t, run.FromDate)
	require.NotNil(t, run.ToDate)

	loc, _ := time.LoadLocation("Asia/Ho_Chi_Minh")
	now := time.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	assert.Equal(t, today.AddDate(0, 0, -1), *run.ToDate, "window ends the day before execution")
	assert.Equal(t, today.AddDate(0, 0, -7), *run.FromDate)
	assert.Equal(t, models.SyncStatusCompleted, store.stampedStatus)
}

func TestTriggerScheduleDisabledIsIgnored(t *testing.T) {
	o, store, _, runner := setupOrchestrator()
	def := presetSchedule(10, PresetPreviousDay, nil)
	def.Enabled = false
	store.schedules[10] = def

	run, err := o.TriggerSchedule(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.Empty(t, runner.runs)
}

func TestTriggerScheduleFixedWindow(t *testing.T) {
	o, store, _, _ := setupOrchestrator()
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	store.schedules[10] = &models.ScheduleDefinition{
		ID: 10, Name: "january", SourceID: 1, Enabled: true,
		SyncKind: models.SyncKindByRange, FixedFrom: &from, FixedTo: &to,
	}

	run, err := o.TriggerSchedule(context.Background(), 10)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, from, *run.FromDate)
	assert.Equal(t, to, *run.ToDate)
}

func TestTriggerManualDefaultsToIncremental(t *testing.T) {
	o, _, runs, _ := setupOrchestrator()

	run, err := o.TriggerManual(context.Background(), ManualParams{SourceID: 1})
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.SyncKindIncremental, run.Kind)
	assert.Len(t, runs.created, 1)
}

func TestOverlapSkipReturnsPriorRun(t *testing.T) {
	o, store, _, runner := setupOrchestrator()
	prior := &models.SyncRun{ID: 99, SourceID: 1, Kind: models.SyncKindIncremental, Status: models.SyncStatusRunning}
	store.setActiveRun(prior)

	run, err := o.TriggerManual(context.Background(), ManualParams{SourceID: 1})
	require.ErrorIs(t, err, ErrOverlapSkipped)
	assert.Equal(t, uint(99), run.ID, "the still-active run is returned to the caller")
	assert.Empty(t, runner.runs, "no second run may start on the same scope")
}

func TestOverlapSkipStampsSchedule(t *testing.T) {
	o, store, _, _ := setupOrchestrator()
	store.schedules[10] = presetSchedule(10, PresetPreviousDay, nil)
	store.setActiveRun(&models.SyncRun{ID: 99, SourceID: 1, Kind: models.SyncKindIncremental, Status: models.SyncStatusRunning})

	_, err := o.TriggerSchedule(context.Background(), 10)
	require.ErrorIs(t, err, ErrOverlapSkipped)
	assert.Equal(t, "skipped", store.stampedStatus)
}

func TestOverlapDifferentScopeProceeds(t *testing.T) {
	o, store, _, runner := setupOrchestrator()
	store.setActiveRun(&models.SyncRun{ID: 99, SourceID: 1, Kind: models.SyncKindFull, Status: models.SyncStatusRunning})

	// Incremental scope does not collide with the running full sync
	_, err := o.TriggerManual(context.Background(), ManualParams{SourceID: 1, Kind: models.SyncKindIncremental})
	require.NoError(t, err)
	assert.Len(t, runner.runs, 1)
}

func TestOverlapEnqueueWaitsForPriorRun(t *testing.T) {
	o, store, _, runner := setupOrchestrator()
	prior := &models.SyncRun{ID: 99, SourceID: 1, Kind: models.SyncKindIncremental, Status: models.SyncStatusRunning}
	store.setActiveRun(prior)

	// Release the scope shortly after the first poll
	go func() {
		time.Sleep(100 * time.Millisecond)
		store.setActiveRun(nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	run, err := o.TriggerManual(ctx, ManualParams{
		SourceID:      1,
		OverlapPolicy: models.OverlapEnqueue,
	})
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.NotEqual(t, uint(99), run.ID, "a fresh run starts once the prior one finished")
	assert.Len(t, runner.runs, 1)
}

func TestConcurrentTriggersOnSameScopeRunOnce(t *testing.T) {
	o, _, _, runner := setupOrchestrator()
	runner.block = make(chan struct{})

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := o.TriggerManual(context.Background(), ManualParams{SourceID: 1})
			results <- err
		}()
	}

	// Let both goroutines reach the overlap check, then release the engine
	time.Sleep(100 * time.Millisecond)
	close(runner.block)

	var errs []error
	for i := 0; i < 2; i++ {
		errs = append(errs, <-results)
	}

	skipped := 0
	for _, err := range errs {
		if errors.Is(err, ErrOverlapSkipped) {
			skipped++
		} else {
			require.NoError(t, err)
		}
	}
	assert.Equal(t, 1, skipped, "exactly one of the two racing triggers is skipped")
	assert.Len(t, runner.runs, 1)
}

func TestRunBudgetBoundsEngineContext(t *testing.T) {
	o, _, _, runner := setupOrchestrator()
	o.runBudget = 50 * time.Millisecond

	_, err := o.TriggerManual(context.Background(), ManualParams{SourceID: 1})
	require.NoError(t, err)

	deadline, ok := runner.lastCtx.Deadline()
	require.True(t, ok, "engine context must carry the run budget deadline")
	assert.WithinDuration(t, time.Now(), deadline, time.Second)
}

func TestFullRunRejectsWindowAndSymbols(t *testing.T) {
	o, _, runs, runner := setupOrchestrator()

	_, err := o.TriggerManual(context.Background(), ManualParams{
		SourceID: 1, Kind: models.SyncKindFull, Symbols: "AAA,BBB",
	})
	require.ErrorIs(t, err, ErrScopedFullRun)

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	_, err = o.TriggerManual(context.Background(), ManualParams{
		SourceID: 1, Kind: models.SyncKindFull, From: &from,
	})
	require.ErrorIs(t, err, ErrScopedFullRun)

	assert.Empty(t, runner.runs, "a scoped full sync must never reach the engine")
	assert.Empty(t, runs.created)

	// An unscoped full sync is still fine
	run, err := o.TriggerManual(context.Background(), ManualParams{SourceID: 1, Kind: models.SyncKindFull})
	require.NoError(t, err)
	require.NotNil(t, run)
}

func TestFullScheduleWithPresetRejected(t *testing.T) {
	o, store, _, runner := setupOrchestrator()
	def := presetSchedule(10, PresetTrailingDays, map[string]int{"days": 7})
	def.SyncKind = models.SyncKindFull
	store.schedules[10] = def

	_, err := o.TriggerSchedule(context.Background(), 10)
	require.ErrorIs(t, err, ErrScopedFullRun)
	assert.Empty(t, runner.runs)
}
