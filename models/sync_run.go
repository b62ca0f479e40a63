package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Sync run kinds
const (
	SyncKindFull        = "full"
	SyncKindIncremental = "incremental"
	SyncKindByRange     = "by-range"
	SyncKindByKey       = "by-key"
)

// Sync run statuses
const (
	SyncStatusPending   = "pending"
	SyncStatusRunning   = "running"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
	SyncStatusCancelled = "cancelled"
)

// SyncRun is the auditable history row for one sync invocation. It is the
// sole externally observable proof of what a run did: a run that fetched
// nothing still completes with visible zero counts.
type SyncRun struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	SourceID   uint   `gorm:"index" json:"source_id"`
	ScheduleID *uint  `gorm:"index" json:"schedule_id,omitempty"`
	Kind       string `gorm:"not null" json:"kind"`
	Status     string `gorm:"not null;default:'pending';index" json:"status"`

	// Resolved window and scope for this invocation
	FromDate *time.Time `json:"from_date,omitempty"`
	ToDate   *time.Time `json:"to_date,omitempty"`
	Symbols  string     `json:"symbols,omitempty"` // comma-separated, empty = all

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Total   int `json:"total"`
	New     int `json:"new"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`

	Error string `json:"error,omitempty"`

	// CancelRequested is set externally; the engine checks it between batches.
	CancelRequested bool `gorm:"default:false" json:"cancel_requested"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the run has reached a final status.
func (r *SyncRun) IsTerminal() bool {
	switch r.Status {
	case SyncStatusCompleted, SyncStatusFailed, SyncStatusCancelled:
		return true
	}
	return false
}

// validTransitions encodes the allowed run state machine:
// pending -> running -> {completed, failed, cancelled}.
// pending may also fail directly when the run cannot start at all.
var validTransitions = map[string][]string{
	SyncStatusPending: {SyncStatusRunning, SyncStatusFailed, SyncStatusCancelled},
	SyncStatusRunning: {SyncStatusCompleted, SyncStatusFailed, SyncStatusCancelled},
}

// Transition moves the run to a new status, rejecting anything that would
// mutate a terminal run or skip a state.
func (r *SyncRun) Transition(status string) error {
	if r.IsTerminal() {
		return fmt.Errorf("sync run %d is terminal (%s), cannot transition to %s", r.ID, r.Status, status)
	}
	for _, allowed := range validTransitions[r.Status] {
		if allowed == status {
			r.Status = status
			now := time.Now()
			if status == SyncStatusRunning {
				r.StartedAt = &now
			} else {
				r.CompletedAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("invalid sync run transition %s -> %s", r.Status, status)
}

// MigrateSyncModels runs database migrations for sync run models
func MigrateSyncModels(db *gorm.DB) error {
	return db.AutoMigrate(&SyncRun{})
}
