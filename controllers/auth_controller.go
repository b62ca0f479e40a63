package controllers

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"market_sync_backend/config"
	"market_sync_backend/middleware"
	"market_sync_backend/models"
)

// token lifetime for the management API
const operatorTokenTTL = 24 * time.Hour

// AuthController handles operator authentication for the management API
type AuthController struct {
	db *gorm.DB
}

// NewAuthController creates a new auth controller
func NewAuthController(db *gorm.DB) *AuthController {
	return &AuthController{db: db}
}

// LoginRequest is the login payload
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login verifies operator credentials and issues a JWT
func (ac *AuthController) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	var admin models.AdminUser
	if err := ac.db.Where("username = ? AND is_active = ?", req.Username, true).First(&admin).Error; err != nil {
		log.Printf("Login failed for user %s: user not found", req.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	if !admin.CheckPassword(req.Password) {
		log.Printf("Login failed for user %s: invalid password", req.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	token, err := middleware.IssueToken(config.AppConfig.JWTSecret, admin.Username, admin.Role, operatorTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	now := time.Now()
	ac.db.Model(&admin).Update("last_login_at", now)

	log.Printf("Operator %s logged in", admin.Username)
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": now.Add(operatorTokenTTL).Format(time.RFC3339),
	})
}
