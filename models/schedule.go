package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Trigger kinds for schedule definitions. A definition carries exactly one
// trigger variant; the unused fields stay zero.
const (
	TriggerCron           = "cron"
	TriggerRelativePreset = "relative-preset"
	TriggerFixedDate      = "fixed-date"
)

// Overlap policies for a trigger that finds a still-running run on the same scope.
const (
	OverlapSkip    = "skip"
	OverlapEnqueue = "enqueue"
)

// ScheduleDefinition is the durable source of truth for a scheduled sync.
// The live gocron mirror is a projection of these rows and must always be
// rebuildable from them.
type ScheduleDefinition struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Name     string `gorm:"uniqueIndex;not null" json:"name"`
	SourceID uint   `gorm:"index;not null" json:"source_id"`
	Enabled  bool   `gorm:"default:true" json:"enabled"`

	// Trigger variant (tagged by TriggerKind, not subclassed)
	TriggerKind  string     `gorm:"not null" json:"trigger_kind"`
	CronExpr     string     `json:"cron_expr,omitempty"`     // TriggerCron
	FireAt       string     `json:"fire_at,omitempty"`       // "HH:MM" daily fire time for non-cron triggers
	PresetName   string     `json:"preset_name,omitempty"`   // TriggerRelativePreset
	PresetParams string     `json:"preset_params,omitempty"` // JSON, e.g. {"days":7}
	FixedFrom    *time.Time `json:"fixed_from,omitempty"`    // TriggerFixedDate
	FixedTo      *time.Time `json:"fixed_to,omitempty"`

	// Target params for the run
	SyncKind      string `gorm:"not null;default:'incremental'" json:"sync_kind"`
	Symbols       string `json:"symbols,omitempty"` // comma-separated, empty = all
	OverlapPolicy string `gorm:"default:'skip'" json:"overlap_policy"`

	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that exactly the fields of the declared trigger variant are set.
func (s *ScheduleDefinition) Validate() error {
	switch s.TriggerKind {
	case TriggerCron:
		if s.CronExpr == "" {
			return fmt.Errorf("cron schedule %q requires cron_expr", s.Name)
		}
	case TriggerRelativePreset:
		if s.PresetName == "" {
			return fmt.Errorf("relative-preset schedule %q requires preset_name", s.Name)
		}
		if s.FireAt == "" && s.CronExpr == "" {
			return fmt.Errorf("relative-preset schedule %q requires fire_at or cron_expr", s.Name)
		}
	case TriggerFixedDate:
		if s.FixedFrom == nil || s.FixedTo == nil {
			return fmt.Errorf("fixed-date schedule %q requires fixed_from and fixed_to", s.Name)
		}
		if s.FireAt == "" && s.CronExpr == "" {
			return fmt.Errorf("fixed-date schedule %q requires fire_at or cron_expr", s.Name)
		}
	default:
		return fmt.Errorf("unknown trigger kind %q", s.TriggerKind)
	}
	switch s.OverlapPolicy {
	case OverlapSkip, OverlapEnqueue, "":
	default:
		return fmt.Errorf("unknown overlap policy %q", s.OverlapPolicy)
	}
	// A full sync deactivates records absent from the fetch, so it must
	// cover the whole source; scoped syncs use by-range or by-key.
	if s.SyncKind == SyncKindFull && (s.PresetName != "" || s.FixedFrom != nil || s.FixedTo != nil || s.Symbols != "") {
		return fmt.Errorf("full-sync schedule %q cannot carry a window or symbol scope", s.Name)
	}
	return nil
}

// DecodePresetParams unmarshals the stored preset parameters. An empty
// string decodes to an empty map.
func (s *ScheduleDefinition) DecodePresetParams() (map[string]int, error) {
	params := map[string]int{}
	if s.PresetParams == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(s.PresetParams), &params); err != nil {
		return nil, fmt.Errorf("invalid preset params for schedule %q: %w", s.Name, err)
	}
	return params, nil
}

// MigrateScheduleModels runs database migrations for schedule models
func MigrateScheduleModels(db *gorm.DB) error {
	return db.AutoMigrate(&ScheduleDefinition{})
}
