package models

import (
	"time"

	"gorm.io/gorm"
)

// DataSource represents one configured upstream market-data provider.
// Rate-limit, retry and token-lifetime settings are per-source configuration,
// never hard-coded in the engine.
type DataSource struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Code     string `gorm:"uniqueIndex;not null" json:"code"` // e.g. "ssi", "vndirect"
	Name     string `json:"name"`
	Provider string `json:"provider"` // provider implementation key
	BaseURL  string `json:"base_url"`
	Enabled  bool   `gorm:"default:true" json:"enabled"`

	// Rate limiting (token bucket shared across workers)
	RateCapacity     int     `gorm:"default:10" json:"rate_capacity"`
	RateRefillPerSec float64 `gorm:"default:2" json:"rate_refill_per_sec"`

	// Retry/backoff budget for fetches
	MaxRetries    int `gorm:"default:5" json:"max_retries"`
	BackoffBaseMs int `gorm:"default:500" json:"backoff_base_ms"`
	BackoffCapMs  int `gorm:"default:30000" json:"backoff_cap_ms"`

	// Sync behaviour
	BatchSize int    `gorm:"default:500" json:"batch_size"`
	Timezone  string `gorm:"default:'Asia/Ho_Chi_Minh'" json:"timezone"`

	// Token lifetimes, configured to match the provider's contract
	RefreshTokenTTLHours int `gorm:"default:168" json:"refresh_token_ttl_hours"` // 7 days
	AccessTokenTTLHours  int `gorm:"default:24" json:"access_token_ttl_hours"`
	RefreshLeadTimeSec   int `gorm:"default:300" json:"refresh_lead_time_sec"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Location resolves the source's business timezone, falling back to UTC.
func (s *DataSource) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RefreshLeadTime returns the configured refresh lead time as a duration.
func (s *DataSource) RefreshLeadTime() time.Duration {
	return time.Duration(s.RefreshLeadTimeSec) * time.Second
}

// Credential holds the opaque long-lived secret for one data source.
// Created out-of-band; the engine only ever reads it. Encryption at rest is
// handled by the deployment, not here.
type Credential struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SourceID  uint      `gorm:"uniqueIndex;not null" json:"source_id"`
	Secret    string    `gorm:"not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MigrateSourceModels runs database migrations for source-related models
func MigrateSourceModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&DataSource{},
		&Credential{},
	)
}
