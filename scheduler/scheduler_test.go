package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market_sync_backend/models"
)

type memDefinitions struct {
	mu      sync.Mutex
	defs    []models.ScheduleDefinition
	listErr error
}

func (m *memDefinitions) ListEnabled(ctx context.Context) ([]models.ScheduleDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]models.ScheduleDefinition, len(m.defs))
	copy(out, m.defs)
	return out, nil
}

func cronDef(id uint, name, expr string) models.ScheduleDefinition {
	return models.ScheduleDefinition{
		ID:          id,
		Name:        name,
		SourceID:    1,
		Enabled:     true,
		TriggerKind: models.TriggerCron,
		CronExpr:    expr,
		SyncKind:    models.SyncKindIncremental,
	}
}

func presetDef(id uint, name, fireAt string) models.ScheduleDefinition {
	return models.ScheduleDefinition{
		ID:          id,
		Name:        name,
		SourceID:    1,
		Enabled:     true,
		TriggerKind: models.TriggerRelativePreset,
		PresetName:  "previous_day",
		FireAt:      fireAt,
		SyncKind:    models.SyncKindIncremental,
	}
}

func noopTrigger(uint) {}

func TestStartRebuildsMirrorFromDefinitions(t *testing.T) {
	defs := &memDefinitions{defs: []models.ScheduleDefinition{
		cronDef(1, "nightly", "0 1 * * *"),
		presetDef(2, "weekly-window", "02:30"),
	}}
	s := NewLiveScheduler(defs, noopTrigger)
	defer s.Stop()

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 2, s.JobCount())
	assert.True(t, s.HasEntry(1))
	assert.True(t, s.HasEntry(2))
}

func TestStartFailsWhenDefinitionsUnavailable(t *testing.T) {
	defs := &memDefinitions{listErr: errors.New("connection refused")}
	s := NewLiveScheduler(defs, noopTrigger)

	require.Error(t, s.Start(context.Background()))
}

func TestUpsertAddsAndReplacesEntry(t *testing.T) {
	s := NewLiveScheduler(&memDefinitions{}, noopTrigger)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))

	def := cronDef(1, "nightly", "0 1 * * *")
	require.NoError(t, s.Upsert(&def))
	assert.Equal(t, 1, s.JobCount())

	// Changing the trigger replaces the live entry, never duplicates it
	def.CronExpr = "30 2 * * *"
	require.NoError(t, s.Upsert(&def))
	assert.Equal(t, 1, s.JobCount())
	assert.True(t, s.HasEntry(1))
}

func TestUpsertDisabledRemovesEntryOnly(t *testing.T) {
	s := NewLiveScheduler(&memDefinitions{}, noopTrigger)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))

	def := cronDef(1, "nightly", "0 1 * * *")
	require.NoError(t, s.Upsert(&def))
	require.True(t, s.HasEntry(1))

	def.Enabled = false
	require.NoError(t, s.Upsert(&def))
	assert.False(t, s.HasEntry(1))
	assert.Equal(t, 0, s.JobCount())
}

func TestUpsertInvalidTriggerReportsConsistencyError(t *testing.T) {
	s := NewLiveScheduler(&memDefinitions{}, noopTrigger)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))

	def := cronDef(1, "broken", "not a cron expression")
	err := s.Upsert(&def)
	require.Error(t, err)

	var cerr *ScheduleConsistencyError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, uint(1), cerr.ScheduleID)
	assert.False(t, s.HasEntry(1), "a failed registration leaves no live entry behind")
}

func TestRemoveDropsEntry(t *testing.T) {
	s := NewLiveScheduler(&memDefinitions{}, noopTrigger)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))

	def := cronDef(1, "nightly", "0 1 * * *")
	require.NoError(t, s.Upsert(&def))

	s.Remove(1)
	assert.False(t, s.HasEntry(1))

	// Removing a missing entry is not an error
	s.Remove(99)
}

func TestRebuildRecoversFromMirrorDrift(t *testing.T) {
	defs := &memDefinitions{defs: []models.ScheduleDefinition{
		cronDef(1, "nightly", "0 1 * * *"),
		cronDef(2, "hourly", "0 * * * *"),
	}}
	s := NewLiveScheduler(defs, noopTrigger)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))

	// Simulate drift: the mirror lost an entry the store still has
	s.Remove(2)
	require.Equal(t, 1, s.JobCount())

	require.NoError(t, s.Rebuild(context.Background()))
	assert.Equal(t, 2, s.JobCount())
	assert.True(t, s.HasEntry(2))
}

func TestRebuildSkipsInvalidDefinitions(t *testing.T) {
	defs := &memDefinitions{defs: []models.ScheduleDefinition{
		cronDef(1, "nightly", "0 1 * * *"),
		cronDef(2, "broken", ""),
	}}
	s := NewLiveScheduler(defs, noopTrigger)
	defer s.Stop()

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1, s.JobCount(), "one bad definition must not block the rest")
}

func TestScheduledJobFiresTrigger(t *testing.T) {
	fired := make(chan uint, 1)
	defs := &memDefinitions{}
	s := NewLiveScheduler(defs, func(id uint) { fired <- id })
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))

	def := cronDef(7, "every-second", "* * * * *")
	require.NoError(t, s.Upsert(&def))

	// Run the registered job directly instead of waiting a minute
	jobs, err := s.cron.FindJobsByTag(tagFor(7))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, s.cron.RunByTag(tagFor(7)))

	select {
	case id := <-fired:
		assert.Equal(t, uint(7), id)
	case <-time.After(5 * time.Second):
		t.Fatal("trigger did not fire")
	}
}
