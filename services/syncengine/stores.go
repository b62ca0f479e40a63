package syncengine

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"market_sync_backend/models"
)

// PersistenceError marks a store failure that survived the batch-level
// retry. It is run-fatal: the store is considered wholly unavailable.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RecordStore persists normalized market records by natural key.
type RecordStore interface {
	// UpsertBatch inserts or updates records matching on
	// (source_id, symbol, date). Freshly fetched values always overwrite
	// stored ones. Returns how many rows were new vs updated.
	UpsertBatch(ctx context.Context, records []*models.MarketRecord) (created, updated int, err error)

	// DeactivateMissing soft-deletes active records of the source whose
	// natural key is absent from seen. Returns the number deactivated.
	DeactivateMissing(ctx context.Context, sourceID uint, seen map[string]struct{}) (int, error)
}

// RunStore persists sync run history rows.
type RunStore interface {
	Create(ctx context.Context, run *models.SyncRun) error
	Update(ctx context.Context, run *models.SyncRun) error

	// IsCancelRequested reads the externally settable cancellation flag.
	IsCancelRequested(ctx context.Context, runID uint) (bool, error)
}

// GormRecordStore implements RecordStore over the relational store.
type GormRecordStore struct {
	db *gorm.DB
}

func NewGormRecordStore(db *gorm.DB) *GormRecordStore {
	return &GormRecordStore{db: db}
}

// dedupeByNaturalKey collapses rows sharing a natural key to the last
// occurrence. Postgres rejects an ON CONFLICT statement that touches the
// same row twice, and the last row of a page is the freshest.
func dedupeByNaturalKey(records []*models.MarketRecord) []*models.MarketRecord {
	index := make(map[string]int, len(records))
	deduped := make([]*models.MarketRecord, 0, len(records))
	for _, r := range records {
		key := r.NaturalKey()
		if i, ok := index[key]; ok {
			deduped[i] = r
			continue
		}
		index[key] = len(deduped)
		deduped = append(deduped, r)
	}
	return deduped
}

// UpsertBatch looks up which natural keys already exist, then performs one
// insert-or-update-on-conflict statement for the whole batch.
func (s *GormRecordStore) UpsertBatch(ctx context.Context, records []*models.MarketRecord) (int, int, error) {
	records = dedupeByNaturalKey(records)
	if len(records) == 0 {
		return 0, 0, nil
	}

	sourceID := records[0].SourceID
	keys := make([][]interface{}, 0, len(records))
	for _, r := range records {
		keys = append(keys, []interface{}{r.Symbol, r.Date})
	}

	var existing []models.MarketRecord
	err := s.db.WithContext(ctx).
		Select("symbol", "date").
		Where("source_id = ? AND (symbol, date) IN ?", sourceID, keys).
		Find(&existing).Error
	if err != nil {
		return 0, 0, err
	}

	existingKeys := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		existingKeys[r.NaturalKey()] = struct{}{}
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source_id"}, {Name: "symbol"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"open", "high", "low", "close", "volume", "value",
			"active", "fetched_at", "updated_at",
		}),
	}).Create(&records).Error
	if err != nil {
		return 0, 0, err
	}

	updated := 0
	for _, r := range records {
		if _, ok := existingKeys[r.NaturalKey()]; ok {
			updated++
		}
	}
	return len(records) - updated, updated, nil
}

// DeactivateMissing marks active records absent from the fetch as inactive,
// preserving history.
func (s *GormRecordStore) DeactivateMissing(ctx context.Context, sourceID uint, seen map[string]struct{}) (int, error) {
	var active []models.MarketRecord
	err := s.db.WithContext(ctx).
		Select("id", "symbol", "date").
		Where("source_id = ? AND active = ?", sourceID, true).
		Find(&active).Error
	if err != nil {
		return 0, err
	}

	var stale []uint
	for _, r := range active {
		if _, ok := seen[r.NaturalKey()]; !ok {
			stale = append(stale, r.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	err = s.db.WithContext(ctx).Model(&models.MarketRecord{}).
		Where("id IN ?", stale).
		Updates(map[string]interface{}{"active": false, "updated_at": time.Now()}).Error
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

// GormRunStore implements RunStore over the relational store.
type GormRunStore struct {
	db *gorm.DB
}

func NewGormRunStore(db *gorm.DB) *GormRunStore {
	return &GormRunStore{db: db}
}

func (s *GormRunStore) Create(ctx context.Context, run *models.SyncRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *GormRunStore) Update(ctx context.Context, run *models.SyncRun) error {
	return s.db.WithContext(ctx).Save(run).Error
}

func (s *GormRunStore) IsCancelRequested(ctx context.Context, runID uint) (bool, error) {
	var run models.SyncRun
	err := s.db.WithContext(ctx).Select("cancel_requested").First(&run, runID).Error
	if err != nil {
		return false, err
	}
	return run.CancelRequested, nil
}
