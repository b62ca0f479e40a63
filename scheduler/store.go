package scheduler

import (
	"context"

	"gorm.io/gorm"

	"market_sync_backend/models"
)

// GormDefinitionSource lists enabled schedule definitions from the
// relational store.
type GormDefinitionSource struct {
	db *gorm.DB
}

func NewGormDefinitionSource(db *gorm.DB) *GormDefinitionSource {
	return &GormDefinitionSource{db: db}
}

func (s *GormDefinitionSource) ListEnabled(ctx context.Context) ([]models.ScheduleDefinition, error) {
	var defs []models.ScheduleDefinition
	err := s.db.WithContext(ctx).Where("enabled = ?", true).Find(&defs).Error
	return defs, err
}
