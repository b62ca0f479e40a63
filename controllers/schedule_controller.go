package controllers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"market_sync_backend/models"
	"market_sync_backend/scheduler"
)

// ScheduleController manages schedule definitions and keeps the live
// scheduler mirror in step with them. The durable row is always written
// first; a mirror failure is reported but never corrupts persisted state.
type ScheduleController struct {
	db     *gorm.DB
	mirror *scheduler.LiveScheduler
}

// NewScheduleController creates a new schedule controller
func NewScheduleController(db *gorm.DB, mirror *scheduler.LiveScheduler) *ScheduleController {
	return &ScheduleController{db: db, mirror: mirror}
}

// GetSchedules lists all schedule definitions
func (sc *ScheduleController) GetSchedules(c *gin.Context) {
	var defs []models.ScheduleDefinition
	if err := sc.db.Order("id").Find(&defs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list schedules"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": defs, "live_entries": sc.mirror.JobCount()})
}

// GetSchedule returns one schedule definition
func (sc *ScheduleController) GetSchedule(c *gin.Context) {
	def, ok := sc.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule": def, "live": sc.mirror.HasEntry(def.ID)})
}

// CreateSchedule persists a new definition and registers its mirror entry
func (sc *ScheduleController) CreateSchedule(c *gin.Context) {
	var def models.ScheduleDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := def.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := sc.db.Create(&def).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save schedule"})
		return
	}

	sc.mirrorUpsert(c, &def, http.StatusCreated)
}

// UpdateSchedule updates a definition and replaces its mirror entry
func (sc *ScheduleController) UpdateSchedule(c *gin.Context) {
	def, ok := sc.load(c)
	if !ok {
		return
	}

	var updated models.ScheduleDefinition
	if err := c.ShouldBindJSON(&updated); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updated.ID = def.ID
	updated.CreatedAt = def.CreatedAt
	if err := updated.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := sc.db.Save(&updated).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save schedule"})
		return
	}

	sc.mirrorUpsert(c, &updated, http.StatusOK)
}

// DeleteSchedule removes the definition and its mirror entry
func (sc *ScheduleController) DeleteSchedule(c *gin.Context) {
	def, ok := sc.load(c)
	if !ok {
		return
	}

	if err := sc.db.Delete(&models.ScheduleDefinition{}, def.ID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete schedule"})
		return
	}
	sc.mirror.Remove(def.ID)

	c.JSON(http.StatusOK, gin.H{"deleted": def.ID})
}

// RebuildMirror rebuilds every live entry from the persisted definitions,
// recovering from any earlier partial mirror write.
func (sc *ScheduleController) RebuildMirror(c *gin.Context) {
	if err := sc.mirror.Rebuild(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"live_entries": sc.mirror.JobCount()})
}

// mirrorUpsert applies the write-definition-then-mirror protocol's second
// half and reports a consistency failure without rolling anything back.
func (sc *ScheduleController) mirrorUpsert(c *gin.Context, def *models.ScheduleDefinition, okStatus int) {
	if err := sc.mirror.Upsert(def); err != nil {
		var consistency *scheduler.ScheduleConsistencyError
		if errors.As(err, &consistency) {
			log.Printf("Schedule %d saved but mirror update failed: %v", def.ID, err)
			c.JSON(http.StatusConflict, gin.H{
				"schedule": def,
				"warning":  consistency.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(okStatus, gin.H{"schedule": def, "live": sc.mirror.HasEntry(def.ID)})
}

// load fetches the schedule referenced by the :id path param
func (sc *ScheduleController) load(c *gin.Context) (*models.ScheduleDefinition, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return nil, false
	}

	var def models.ScheduleDefinition
	if err := sc.db.First(&def, uint(id)).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return nil, false
	}
	return &def, true
}
