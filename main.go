package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"market_sync_backend/config"
	"market_sync_backend/models"
	"market_sync_backend/routes"
	"market_sync_backend/scheduler"
	"market_sync_backend/services/archive"
	"market_sync_backend/services/fetcher"
	"market_sync_backend/services/orchestrator"
	"market_sync_backend/services/ratelimit"
	"market_sync_backend/services/syncengine"
	"market_sync_backend/services/tokens"
)

func main() {
	log.Println("==============================================")
	log.Println("  Market Sync Backend - Starting...")
	log.Println("==============================================")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("Warning: Config load issue: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database connection
	db, err := config.InitDB()
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}

	// Run database migrations
	log.Println("Running database migrations...")
	if err := runMigrations(); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Database migrations completed successfully")

	// Seed default admin user
	if err := models.SeedDefaultAdminUser(db, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		log.Printf("Warning: Could not seed admin user: %v", err)
	}

	// Shared collaborators: redis-backed rate bucket and mongo archive
	redisClient := config.InitRedis()
	pageArchive := archive.NewMongoArchive(context.Background())

	// Assemble the sync pipeline
	tokenManager := tokens.NewManager(tokens.NewGormCredentialStore(db))
	limiter := ratelimit.NewLimiter(redisClient)
	pageFetcher := fetcher.NewFetcher(limiter, tokenManager)
	engine := syncengine.NewEngine(
		pageFetcher,
		syncengine.NewGormRecordStore(db),
		syncengine.NewGormRunStore(db),
		pageArchive,
	)
	orch := orchestrator.New(
		orchestrator.NewGormStore(db),
		syncengine.NewGormRunStore(db),
		engine,
		nil, // default provider factory
		time.Duration(cfg.RunBudgetMinutes)*time.Minute,
	)

	// Live scheduler mirror, rebuilt from persisted definitions
	mirror := scheduler.NewLiveScheduler(
		scheduler.NewGormDefinitionSource(db),
		func(scheduleID uint) {
			if _, err := orch.TriggerSchedule(context.Background(), scheduleID); err != nil {
				log.Printf("Scheduled trigger %d finished with error: %v", scheduleID, err)
			}
		},
	)
	if err := mirror.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start live scheduler: %v", err)
	}

	// Create Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger())

	setupHealthEndpoints(router)
	routes.SetupRoutes(router, db, mirror, orch)

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // synchronous manual triggers can run long
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		log.Printf("Server listening on 0.0.0.0:%s", cfg.Port)
		log.Println("==============================================")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	gracefulShutdown(server, mirror, pageArchive)
}

// runMigrations runs all database migrations
func runMigrations() error {
	db := config.DB

	if err := models.MigrateSourceModels(db); err != nil {
		return err
	}
	if err := models.MigrateRecordModels(db); err != nil {
		return err
	}
	if err := models.MigrateSyncModels(db); err != nil {
		return err
	}
	if err := models.MigrateScheduleModels(db); err != nil {
		return err
	}
	if err := models.MigrateAdminModels(db); err != nil {
		return err
	}

	return nil
}

// setupHealthEndpoints sets up health check endpoints
func setupHealthEndpoints(router *gin.Engine) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Market Sync Backend",
			"version": "1.0.0",
		})
	})

	// Liveness probe - always returns OK if server is running
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	// Readiness probe - checks if service is ready to receive traffic
	router.GET("/ready", func(c *gin.Context) {
		sqlDB, err := config.DB.DB()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database connection error",
			})
			return
		}

		if err := sqlDB.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database ping failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "ready",
		})
	})
}

// corsMiddleware returns a CORS middleware handler
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger returns a request logging middleware
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip logging for health checks to reduce noise
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		// Only log errors or slow requests in production
		if c.Writer.Status() >= 400 || duration > 1*time.Second {
			log.Printf("%s %s %d %v", c.Request.Method, path, c.Writer.Status(), duration)
		}
	}
}

// gracefulShutdown handles graceful shutdown of the server
func gracefulShutdown(server *http.Server, mirror *scheduler.LiveScheduler, pageArchive *archive.MongoArchive) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Printf("Received signal %v, shutting down gracefully...", sig)

	// Stop firing new triggers first; running syncs finish their batch
	mirror.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	pageArchive.Close(ctx)

	if config.DB != nil {
		sqlDB, err := config.DB.DB()
		if err == nil {
			sqlDB.Close()
			log.Println("Database connection closed")
		}
	}

	log.Println("Shutdown complete")
}
