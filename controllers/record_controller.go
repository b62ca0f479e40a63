package controllers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"market_sync_backend/models"
)

// RecordController exposes read-only access to synced market records
type RecordController struct {
	db *gorm.DB
}

// NewRecordController creates a new record controller
func NewRecordController(db *gorm.DB) *RecordController {
	return &RecordController{db: db}
}

// GetSources lists configured data sources
func (rc *RecordController) GetSources(c *gin.Context) {
	var sources []models.DataSource
	if err := rc.db.Order("id").Find(&sources).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sources"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": sources})
}

// GetRecords lists market records with filters and pagination
func (rc *RecordController) GetRecords(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	query := rc.db.Model(&models.MarketRecord{})
	if sourceID := c.Query("source_id"); sourceID != "" {
		query = query.Where("source_id = ?", sourceID)
	}
	if symbol := c.Query("symbol"); symbol != "" {
		query = query.Where("symbol = ?", strings.ToUpper(symbol))
	}
	if active := c.Query("active"); active != "" {
		query = query.Where("active = ?", active == "true")
	}
	if from := c.Query("from"); from != "" {
		query = query.Where("date >= ?", from)
	}
	if to := c.Query("to"); to != "" {
		query = query.Where("date <= ?", to)
	}

	var total int64
	query.Count(&total)

	var records []models.MarketRecord
	if err := query.Order("symbol, date DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&records).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list records"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records":   records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}
