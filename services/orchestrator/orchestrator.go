package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"market_sync_backend/models"
	"market_sync_backend/services/provider"
	"market_sync_backend/services/syncengine"
)

// ErrOverlapSkipped is returned when a trigger found a still-running run on
// the same scope and the schedule's policy is to skip.
var ErrOverlapSkipped = errors.New("sync skipped: a run on the same scope is still active")

// ErrScopedFullRun is returned for a full sync carrying a window or symbol
// scope. A full fetch is authoritative over the whole source: records absent
// from it are deactivated, so a scoped one would deactivate everything
// outside its scope. Windowed syncs use the by-range or by-key kinds.
var ErrScopedFullRun = errors.New("full sync cannot be scoped by window or symbols")

// enqueue poll cadence while waiting for the prior run to finish
const enqueuePollInterval = 3 * time.Second

// Runner executes a pending run to a terminal state.
type Runner interface {
	Run(ctx context.Context, source *models.DataSource, prov provider.Provider, run *models.SyncRun) error
}

// ProviderFactory builds the provider client for a source.
type ProviderFactory func(*models.DataSource) (provider.Provider, error)

// ManualParams describes an on-demand sync invocation.
type ManualParams struct {
	SourceID      uint
	Kind          string
	From          *time.Time
	To            *time.Time
	Symbols       string
	OverlapPolicy string // defaults to skip
}

// Orchestrator is the single entry point for manual and scheduled sync
// invocations. It resolves relative date presets at execution time and
// guarantees no two runs overlap on the same scope.
type Orchestrator struct {
	store     Store
	runs      syncengine.RunStore
	engine    Runner
	providers ProviderFactory
	runBudget time.Duration

	// in-process guard complementing the FindActiveRun query
	mu     sync.Mutex
	active map[string]uint
}

// New creates an orchestrator. runBudget is the wall-clock budget for one
// whole run.
func New(store Store, runs syncengine.RunStore, engine Runner, providers ProviderFactory, runBudget time.Duration) *Orchestrator {
	if providers == nil {
		providers = provider.New
	}
	return &Orchestrator{
		store:     store,
		runs:      runs,
		engine:    engine,
		providers: providers,
		runBudget: runBudget,
		active:    make(map[string]uint),
	}
}

// TriggerSchedule fires one schedule. The schedule's relative preset is
// resolved against the execution instant in the source's business timezone,
// never earlier.
func (o *Orchestrator) TriggerSchedule(ctx context.Context, scheduleID uint) (*models.SyncRun, error) {
	def, err := o.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule %d: %w", scheduleID, err)
	}
	if !def.Enabled {
		log.Printf("Schedule %d (%s) is disabled, ignoring trigger", def.ID, def.Name)
		return nil, nil
	}

	source, err := o.store.GetSource(ctx, def.SourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load source %d: %w", def.SourceID, err)
	}

	run := &models.SyncRun{
		SourceID:   source.ID,
		ScheduleID: &def.ID,
		Kind:       def.SyncKind,
		Symbols:    def.Symbols,
		Status:     models.SyncStatusPending,
	}

	// Resolve the window now, at the execution instant
	switch {
	case def.PresetName != "":
		params, err := def.DecodePresetParams()
		if err != nil {
			return nil, err
		}
		window, err := ResolveWindow(def.PresetName, params, time.Now(), source.Location())
		if err != nil {
			return nil, err
		}
		run.FromDate = &window.From
		run.ToDate = &window.To
	case def.FixedFrom != nil && def.FixedTo != nil:
		run.FromDate = def.FixedFrom
		run.ToDate = def.FixedTo
	}

	policy := def.OverlapPolicy
	result, err := o.execute(ctx, source, run, policy)

	now := time.Now()
	status := models.SyncStatusFailed
	switch {
	case errors.Is(err, ErrOverlapSkipped):
		status = "skipped"
	case result != nil:
		status = result.Status
	}
	if stampErr := o.store.StampSchedule(ctx, def.ID, now, status); stampErr != nil {
		log.Printf("Warning: failed to stamp schedule %d: %v", def.ID, stampErr)
	}

	return result, err
}

// TriggerManual starts an on-demand run with explicit parameters.
func (o *Orchestrator) TriggerManual(ctx context.Context, p ManualParams) (*models.SyncRun, error) {
	source, err := o.store.GetSource(ctx, p.SourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load source %d: %w", p.SourceID, err)
	}

	kind := p.Kind
	if kind == "" {
		kind = models.SyncKindIncremental
	}

	run := &models.SyncRun{
		SourceID: source.ID,
		Kind:     kind,
		FromDate: p.From,
		ToDate:   p.To,
		Symbols:  p.Symbols,
		Status:   models.SyncStatusPending,
	}
	return o.execute(ctx, source, run, p.OverlapPolicy)
}

// execute applies the overlap policy, persists the pending run and drives
// the engine under the per-run wall-clock budget.
func (o *Orchestrator) execute(ctx context.Context, source *models.DataSource, run *models.SyncRun, policy string) (*models.SyncRun, error) {
	if run.Kind == models.SyncKindFull && (run.FromDate != nil || run.ToDate != nil || run.Symbols != "") {
		return nil, ErrScopedFullRun
	}
	if policy == "" {
		policy = models.OverlapSkip
	}
	scope := scopeKey(run)

	for {
		prior, err := o.findOverlap(ctx, run, scope)
		if err != nil {
			return nil, err
		}
		if prior == nil {
			break
		}
		if policy == models.OverlapSkip {
			log.Printf("Trigger on scope %s skipped: run %d still active", scope, prior.ID)
			return prior, ErrOverlapSkipped
		}
		// enqueue: wait for the prior run to reach a terminal state
		log.Printf("Trigger on scope %s enqueued behind run %d", scope, prior.ID)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(enqueuePollInterval):
		}
	}

	if !o.claimScope(scope, run) {
		// Lost a local race for the same scope
		if policy == models.OverlapSkip {
			return nil, ErrOverlapSkipped
		}
		return nil, fmt.Errorf("scope %s contended, retry the trigger", scope)
	}
	defer o.releaseScope(scope)

	if err := o.runs.Create(ctx, run); err != nil {
		return nil, &syncengine.PersistenceError{Op: "create run", Err: err}
	}

	prov, err := o.providers(source)
	if err != nil {
		run.Error = err.Error()
		if terr := run.Transition(models.SyncStatusFailed); terr == nil {
			_ = o.runs.Update(ctx, run)
		}
		return run, err
	}

	runCtx := ctx
	if o.runBudget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.runBudget)
		defer cancel()
	}

	err = o.engine.Run(runCtx, source, prov, run)
	return run, err
}

// findOverlap consults both the shared store and the in-process registry.
func (o *Orchestrator) findOverlap(ctx context.Context, run *models.SyncRun, scope string) (*models.SyncRun, error) {
	o.mu.Lock()
	activeID, locallyActive := o.active[scope]
	o.mu.Unlock()
	if locallyActive {
		return &models.SyncRun{ID: activeID, SourceID: run.SourceID, Kind: run.Kind,
			Symbols: run.Symbols, Status: models.SyncStatusRunning}, nil
	}
	return o.store.FindActiveRun(ctx, run.SourceID, run.Kind, run.Symbols)
}

func (o *Orchestrator) claimScope(scope string, run *models.SyncRun) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[scope]; busy {
		return false
	}
	o.active[scope] = run.ID
	return true
}

func (o *Orchestrator) releaseScope(scope string) {
	o.mu.Lock()
	delete(o.active, scope)
	o.mu.Unlock()
}

// scopeKey identifies one sync scope: source + kind + symbol set.
func scopeKey(run *models.SyncRun) string {
	return fmt.Sprintf("%d/%s/%s", run.SourceID, run.Kind, run.Symbols)
}
