package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// MarketRecord represents one daily price row for an instrument.
// The natural key is (source_id, symbol, date); upserts match on it, so
// re-running the same sync is idempotent.
type MarketRecord struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	SourceID uint      `gorm:"uniqueIndex:idx_source_symbol_date;not null" json:"source_id"`
	Symbol   string    `gorm:"uniqueIndex:idx_source_symbol_date;not null" json:"symbol"`
	Date     time.Time `gorm:"uniqueIndex:idx_source_symbol_date;not null" json:"date"`

	Open   decimal.Decimal `gorm:"type:decimal(15,2)" json:"open"`
	High   decimal.Decimal `gorm:"type:decimal(15,2)" json:"high"`
	Low    decimal.Decimal `gorm:"type:decimal(15,2)" json:"low"`
	Close  decimal.Decimal `gorm:"type:decimal(15,2)" json:"close"`
	Volume int64           `json:"volume"`
	Value  decimal.Decimal `gorm:"type:decimal(20,2)" json:"value"`

	// Active is cleared by a full sync when the upstream no longer returns
	// the row (soft delete); history is preserved.
	Active bool `gorm:"default:true;index" json:"active"`

	FetchedAt time.Time `json:"fetched_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NaturalKey returns the business key used for upsert matching.
func (r *MarketRecord) NaturalKey() string {
	return r.Symbol + "@" + r.Date.Format("2006-01-02")
}

// MigrateRecordModels runs database migrations for record models
func MigrateRecordModels(db *gorm.DB) error {
	return db.AutoMigrate(&MarketRecord{})
}
