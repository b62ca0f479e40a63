package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"market_sync_backend/models"
	"market_sync_backend/services/orchestrator"
)

// SyncController exposes manual sync triggers and run history
type SyncController struct {
	db   *gorm.DB
	orch *orchestrator.Orchestrator
}

// NewSyncController creates a new sync controller
func NewSyncController(db *gorm.DB, orch *orchestrator.Orchestrator) *SyncController {
	return &SyncController{db: db, orch: orch}
}

// TriggerRequest is the manual sync payload
type TriggerRequest struct {
	SourceID      uint   `json:"source_id" binding:"required"`
	Kind          string `json:"kind"`
	From          string `json:"from"` // YYYY-MM-DD
	To            string `json:"to"`
	Symbols       string `json:"symbols"`
	OverlapPolicy string `json:"overlap_policy"`
}

// Trigger starts a manual sync run and waits for its terminal state
func (sc *SyncController) Trigger(c *gin.Context) {
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := orchestrator.ManualParams{
		SourceID:      req.SourceID,
		Kind:          req.Kind,
		Symbols:       req.Symbols,
		OverlapPolicy: req.OverlapPolicy,
	}

	var err error
	if params.From, err = parseDate(req.From); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from date, expected YYYY-MM-DD"})
		return
	}
	if params.To, err = parseDate(req.To); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to date, expected YYYY-MM-DD"})
		return
	}

	run, err := sc.orch.TriggerManual(c.Request.Context(), params)
	switch {
	case errors.Is(err, orchestrator.ErrScopedFullRun):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrOverlapSkipped):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "active_run": run})
	case err != nil && run == nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		// The run is terminal; its counts are the result
		c.JSON(http.StatusOK, gin.H{"run": run})
	}
}

// TriggerSchedule fires a schedule immediately, outside its timer
func (sc *SyncController) TriggerSchedule(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}

	run, err := sc.orch.TriggerSchedule(c.Request.Context(), uint(id))
	switch {
	case errors.Is(err, orchestrator.ErrScopedFullRun):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrOverlapSkipped):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "active_run": run})
	case err != nil && run == nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"run": run})
	}
}

// GetRuns lists sync run history, newest first
func (sc *SyncController) GetRuns(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	query := sc.db.Model(&models.SyncRun{})
	if sourceID := c.Query("source_id"); sourceID != "" {
		query = query.Where("source_id = ?", sourceID)
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	query.Count(&total)

	var runs []models.SyncRun
	if err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&runs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":      runs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetRun returns one sync run
func (sc *SyncController) GetRun(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	var run models.SyncRun
	if err := sc.db.First(&run, uint(id)).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

// CancelRun marks a non-terminal run for cancellation. The engine honours
// the flag between batches.
func (sc *SyncController) CancelRun(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	result := sc.db.Model(&models.SyncRun{}).
		Where("id = ? AND status IN ?", uint(id),
			[]string{models.SyncStatusPending, models.SyncStatusRunning}).
		Update("cancel_requested", true)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to request cancellation"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "run is not active"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"cancel_requested": true})
}

// parseDate parses an optional YYYY-MM-DD value
func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
