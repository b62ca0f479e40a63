package orchestrator

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"market_sync_backend/models"
)

// Store is the persistence the orchestrator needs for trigger decisions.
type Store interface {
	GetSource(ctx context.Context, id uint) (*models.DataSource, error)
	GetSchedule(ctx context.Context, id uint) (*models.ScheduleDefinition, error)

	// StampSchedule records the outcome of the latest trigger on the
	// durable definition.
	StampSchedule(ctx context.Context, id uint, runAt time.Time, status string) error

	// FindActiveRun returns a pending or running SyncRun on the same scope,
	// or nil when there is none.
	FindActiveRun(ctx context.Context, sourceID uint, kind, symbols string) (*models.SyncRun, error)
}

// GormStore implements Store over the relational store.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) GetSource(ctx context.Context, id uint) (*models.DataSource, error) {
	var source models.DataSource
	if err := s.db.WithContext(ctx).First(&source, id).Error; err != nil {
		return nil, err
	}
	return &source, nil
}

func (s *GormStore) GetSchedule(ctx context.Context, id uint) (*models.ScheduleDefinition, error) {
	var def models.ScheduleDefinition
	if err := s.db.WithContext(ctx).First(&def, id).Error; err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *GormStore) StampSchedule(ctx context.Context, id uint, runAt time.Time, status string) error {
	return s.db.WithContext(ctx).Model(&models.ScheduleDefinition{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at": runAt,
			"last_status": status,
		}).Error
}

func (s *GormStore) FindActiveRun(ctx context.Context, sourceID uint, kind, symbols string) (*models.SyncRun, error) {
	var run models.SyncRun
	err := s.db.WithContext(ctx).
		Where("source_id = ? AND kind = ? AND symbols = ? AND status IN ?",
			sourceID, kind, symbols, []string{models.SyncStatusPending, models.SyncStatusRunning}).
		Order("created_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
