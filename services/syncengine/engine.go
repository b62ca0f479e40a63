package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"market_sync_backend/models"
	"market_sync_backend/services/fetcher"
	"market_sync_backend/services/provider"
)

// DailyPricesEndpoint is the paginated endpoint the engine pulls from.
const DailyPricesEndpoint = "/v2/market/daily"

// persistence retry budget per batch
const batchRetries = 3

var batchRetryBackoff = 2 * time.Second

// budget for writing a terminal run state once the run context is dead
const terminalPersistTimeout = 10 * time.Second

// Archiver receives raw page payloads for audit. Implementations must be
// best-effort; the engine logs failures and moves on.
type Archiver interface {
	SaveRawPage(ctx context.Context, runID uint, pageNo int, payload []byte) error
}

// Engine executes one sync run: fetch pages, transform rows, upsert in
// bounded batches, and drive the run's state machine to a terminal status.
type Engine struct {
	fetcher *fetcher.Fetcher
	records RecordStore
	runs    RunStore
	archive Archiver // optional
}

// NewEngine creates a sync engine.
func NewEngine(f *fetcher.Fetcher, records RecordStore, runs RunStore, archive Archiver) *Engine {
	return &Engine{fetcher: f, records: records, runs: runs, archive: archive}
}

// Run processes a pending SyncRun to a terminal state. Individual record
// failures are counted as skipped and never fail the run; the run fails only
// when the fetch cannot proceed at all or persistence is wholly unavailable.
func (e *Engine) Run(ctx context.Context, source *models.DataSource, prov provider.Provider, run *models.SyncRun) error {
	if err := run.Transition(models.SyncStatusRunning); err != nil {
		return err
	}
	if err := e.runs.Update(ctx, run); err != nil {
		return e.finish(ctx, run, models.SyncStatusFailed, &PersistenceError{Op: "start run", Err: err})
	}

	log.Printf("Sync run %d started: source=%s kind=%s window=[%s, %s]",
		run.ID, source.Code, run.Kind, fmtDate(run.FromDate), fmtDate(run.ToDate))

	it := e.fetcher.FetchAll(source, prov, DailyPricesEndpoint, e.params(run))

	var batch []*models.MarketRecord
	seen := make(map[string]struct{})
	fetchedAt := time.Now()

	for it.Next(ctx) {
		page := it.Page()

		if e.archive != nil && len(page.Raw) > 0 {
			if err := e.archive.SaveRawPage(ctx, run.ID, it.PagesYielded(), page.Raw); err != nil {
				log.Printf("Warning: failed to archive page %d of run %d: %v", it.PagesYielded(), run.ID, err)
			}
		}

		for _, row := range page.Rows {
			run.Total++
			record, err := transformRow(source, row, fetchedAt)
			if err != nil {
				run.Skipped++
				log.Printf("Run %d skipping record: %v", run.ID, err)
				continue
			}
			seen[record.NaturalKey()] = struct{}{}
			batch = append(batch, record)

			if len(batch) >= source.BatchSize {
				if err := e.flush(ctx, run, batch); err != nil {
					return e.finish(ctx, run, models.SyncStatusFailed, err)
				}
				batch = batch[:0]

				// Cancellation is honoured between batches only, so
				// committed progress is never rolled back.
				if e.cancelled(ctx, run) {
					return e.finish(ctx, run, models.SyncStatusCancelled, nil)
				}
			}
		}
	}

	if err := it.Err(); err != nil {
		return e.finishFetchError(ctx, run, batch, it.PagesYielded(), err)
	}

	if len(batch) > 0 {
		if err := e.flush(ctx, run, batch); err != nil {
			return e.finish(ctx, run, models.SyncStatusFailed, err)
		}
	}

	if e.cancelled(ctx, run) {
		return e.finish(ctx, run, models.SyncStatusCancelled, nil)
	}

	// A clean full fetch is authoritative: anything it did not return is no
	// longer active upstream.
	if run.Kind == models.SyncKindFull {
		deactivated, err := e.records.DeactivateMissing(ctx, source.ID, seen)
		if err != nil {
			return e.finish(ctx, run, models.SyncStatusFailed, &PersistenceError{Op: "deactivate missing", Err: err})
		}
		if deactivated > 0 {
			log.Printf("Run %d deactivated %d records absent from full fetch", run.ID, deactivated)
		}
	}

	return e.finish(ctx, run, models.SyncStatusCompleted, nil)
}

// finishFetchError decides the terminal state after a fetch error. Pages
// already processed represent committed progress: with at least one page
// yielded the run completes partially with the error recorded; with zero
// pages the run failed outright.
func (e *Engine) finishFetchError(ctx context.Context, run *models.SyncRun, batch []*models.MarketRecord, pages int, err error) error {
	if errors.Is(err, context.Canceled) {
		return e.finish(ctx, run, models.SyncStatusCancelled, nil)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return e.finish(ctx, run, models.SyncStatusFailed, fmt.Errorf("run wall-clock budget exceeded after %d pages: %w", pages, err))
	}

	if pages > 0 {
		if len(batch) > 0 {
			if ferr := e.flush(ctx, run, batch); ferr != nil {
				return e.finish(ctx, run, models.SyncStatusFailed, ferr)
			}
		}
		log.Printf("Run %d completing with partial results after %d pages: %v", run.ID, pages, err)
		run.Error = err.Error()
		return e.finish(ctx, run, models.SyncStatusCompleted, nil)
	}
	return e.finish(ctx, run, models.SyncStatusFailed, err)
}

// flush upserts one bounded batch, retrying at the batch level before
// declaring the store unavailable.
func (e *Engine) flush(ctx context.Context, run *models.SyncRun, batch []*models.MarketRecord) error {
	var lastErr error
	for attempt := 0; attempt <= batchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &PersistenceError{Op: "upsert batch", Err: ctx.Err()}
			case <-time.After(batchRetryBackoff):
			}
		}
		created, updated, err := e.records.UpsertBatch(ctx, batch)
		if err == nil {
			run.New += created
			run.Updated += updated
			return nil
		}
		lastErr = err
		log.Printf("Run %d batch upsert attempt %d/%d failed: %v", run.ID, attempt+1, batchRetries+1, err)
	}
	return &PersistenceError{Op: "upsert batch", Err: lastErr}
}

// cancelled checks the externally settable flag.
func (e *Engine) cancelled(ctx context.Context, run *models.SyncRun) bool {
	requested, err := e.runs.IsCancelRequested(ctx, run.ID)
	if err != nil {
		log.Printf("Run %d cancellation check failed: %v", run.ID, err)
		return false
	}
	return requested
}

// finish writes the terminal state exactly once. Terminal runs are never
// mutated again. The write uses a context detached from the run's: a run
// that died of its wall-clock budget or an external cancel must still land
// in a terminal row, or the scope would stay blocked by a forever-running
// run.
func (e *Engine) finish(ctx context.Context, run *models.SyncRun, status string, cause error) error {
	if cause != nil {
		run.Error = cause.Error()
	}
	if err := run.Transition(status); err != nil {
		log.Printf("Run %d terminal transition rejected: %v", run.ID, err)
		return cause
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalPersistTimeout)
	defer cancel()
	if err := e.runs.Update(persistCtx, run); err != nil {
		log.Printf("ERROR: failed to persist terminal state of run %d: %v", run.ID, err)
	}

	log.Printf("Sync run %d %s: total=%d new=%d updated=%d skipped=%d",
		run.ID, run.Status, run.Total, run.New, run.Updated, run.Skipped)
	return cause
}

// params builds the provider query for the run's resolved window and scope.
func (e *Engine) params(run *models.SyncRun) map[string]string {
	params := map[string]string{}
	if run.FromDate != nil {
		params["from"] = run.FromDate.Format("2006-01-02")
	}
	if run.ToDate != nil {
		params["to"] = run.ToDate.Format("2006-01-02")
	}
	if run.Symbols != "" {
		params["symbols"] = strings.ToUpper(run.Symbols)
	}
	return params
}

func fmtDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02")
}
