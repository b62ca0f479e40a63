// Package scheduler maintains the live gocron mirror of persisted schedule
// definitions. The definitions in the database are the source of truth; the
// mirror is a projection that can always be rebuilt from them, so a partial
// mirror write is recovered by the next rebuild pass.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"market_sync_backend/models"
)

// ScheduleConsistencyError is surfaced to a schedule-mutation caller when
// the durable definition was written but the live mirror could not be
// updated. The persisted state is intact and recoverable by Rebuild.
type ScheduleConsistencyError struct {
	ScheduleID uint
	Err        error
}

func (e *ScheduleConsistencyError) Error() string {
	return fmt.Sprintf("schedule %d persisted but live mirror update failed (rebuild will recover): %v", e.ScheduleID, e.Err)
}

func (e *ScheduleConsistencyError) Unwrap() error { return e.Err }

// TriggerFunc fires one schedule by id. It is called from gocron's worker
// goroutines.
type TriggerFunc func(scheduleID uint)

// DefinitionSource lists the definitions the mirror is rebuilt from.
type DefinitionSource interface {
	ListEnabled(ctx context.Context) ([]models.ScheduleDefinition, error)
}

// LiveScheduler manages scheduled sync triggers without process restarts.
// Each mirror entry is tagged with its schedule id, so there is at most one
// live entry per definition.
type LiveScheduler struct {
	cron    *gocron.Scheduler
	defs    DefinitionSource
	trigger TriggerFunc
}

// NewLiveScheduler creates the mirror. Jobs fire in UTC; the business
// timezone only affects window resolution, which happens in the
// orchestrator at execution time.
func NewLiveScheduler(defs DefinitionSource, trigger TriggerFunc) *LiveScheduler {
	return &LiveScheduler{
		cron:    gocron.NewScheduler(time.UTC),
		defs:    defs,
		trigger: trigger,
	}
}

// Start rebuilds the mirror from the store and begins firing triggers.
func (s *LiveScheduler) Start(ctx context.Context) error {
	if err := s.Rebuild(ctx); err != nil {
		return err
	}
	s.cron.StartAsync()
	log.Println("Live scheduler started")
	return nil
}

// Stop stops the scheduler
func (s *LiveScheduler) Stop() {
	s.cron.Stop()
	log.Println("Live scheduler stopped")
}

// Upsert replaces the mirror entry for a definition. A disabled definition
// has its entry removed but stays persisted.
func (s *LiveScheduler) Upsert(def *models.ScheduleDefinition) error {
	s.removeTag(def.ID)
	if !def.Enabled {
		return nil
	}
	if err := s.register(def); err != nil {
		return &ScheduleConsistencyError{ScheduleID: def.ID, Err: err}
	}
	return nil
}

// Remove deletes the mirror entry for a schedule id.
func (s *LiveScheduler) Remove(id uint) {
	s.removeTag(id)
}

// Rebuild drops every mirror entry and re-registers from the persisted
// definitions. Run at process start and whenever a mutation left the mirror
// in doubt.
func (s *LiveScheduler) Rebuild(ctx context.Context) error {
	defs, err := s.defs.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to list schedule definitions: %w", err)
	}

	s.cron.Clear()
	registered := 0
	for i := range defs {
		if err := s.register(&defs[i]); err != nil {
			log.Printf("Warning: skipping schedule %d (%s) during rebuild: %v", defs[i].ID, defs[i].Name, err)
			continue
		}
		registered++
	}
	log.Printf("Live scheduler mirror rebuilt: %d of %d definitions registered", registered, len(defs))
	return nil
}

// JobCount returns the number of live mirror entries.
func (s *LiveScheduler) JobCount() int {
	return len(s.cron.Jobs())
}

// HasEntry reports whether a live entry exists for the schedule id.
func (s *LiveScheduler) HasEntry(id uint) bool {
	jobs, err := s.cron.FindJobsByTag(tagFor(id))
	return err == nil && len(jobs) > 0
}

// register adds one gocron job for a definition.
func (s *LiveScheduler) register(def *models.ScheduleDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	id := def.ID
	job := func() {
		log.Printf("Schedule %d (%s) fired", id, def.Name)
		s.trigger(id)
	}

	var err error
	switch {
	case def.CronExpr != "":
		_, err = s.cron.Cron(def.CronExpr).Tag(tagFor(id)).Do(job)
	case def.FireAt != "":
		_, err = s.cron.Every(1).Day().At(def.FireAt).Tag(tagFor(id)).Do(job)
	default:
		err = fmt.Errorf("schedule %d has no cron expression or fire time", id)
	}
	if err != nil {
		return fmt.Errorf("failed to register schedule %d: %w", id, err)
	}
	return nil
}

// removeTag drops the entry if present; a missing tag is not an error.
func (s *LiveScheduler) removeTag(id uint) {
	if err := s.cron.RemoveByTag(tagFor(id)); err != nil {
		log.Printf("No live entry to remove for schedule %d", id)
	}
}

func tagFor(id uint) string {
	return fmt.Sprintf("schedule-%d", id)
}
