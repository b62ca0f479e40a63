package routes

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"market_sync_backend/config"
	"market_sync_backend/controllers"
	"market_sync_backend/middleware"
	"market_sync_backend/scheduler"
	"market_sync_backend/services/orchestrator"
)

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, db *gorm.DB, mirror *scheduler.LiveScheduler, orch *orchestrator.Orchestrator) {
	authController := controllers.NewAuthController(db)
	scheduleController := controllers.NewScheduleController(db, mirror)
	syncController := controllers.NewSyncController(db, orch)
	recordController := controllers.NewRecordController(db)

	// API v1 group
	api := router.Group("/api/v1")
	{
		api.POST("/auth/login", authController.Login)

		// Everything else requires an operator token
		authed := api.Group("")
		authed.Use(middleware.JWTAuth(config.AppConfig.JWTSecret))
		{
			schedules := authed.Group("/schedules")
			{
				schedules.GET("", scheduleController.GetSchedules)
				schedules.GET("/:id", scheduleController.GetSchedule)
				schedules.POST("", scheduleController.CreateSchedule)
				schedules.PUT("/:id", scheduleController.UpdateSchedule)
				schedules.DELETE("/:id", scheduleController.DeleteSchedule)
				schedules.POST("/rebuild-mirror", scheduleController.RebuildMirror)
				schedules.POST("/:id/trigger", syncController.TriggerSchedule)
			}

			sync := authed.Group("/sync")
			{
				sync.POST("/trigger", syncController.Trigger)
				sync.GET("/runs", syncController.GetRuns)
				sync.GET("/runs/:id", syncController.GetRun)
				sync.POST("/runs/:id/cancel", syncController.CancelRun)
			}

			authed.GET("/sources", recordController.GetSources)
			authed.GET("/records", recordController.GetRecords)
		}
	}
}
