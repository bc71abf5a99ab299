package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/jinghong-mfg/mto-status-service/internal/api"
	"github.com/jinghong-mfg/mto-status-service/internal/cache"
	"github.com/jinghong-mfg/mto-status-service/internal/config"
	"github.com/jinghong-mfg/mto-status-service/internal/db"
	"github.com/jinghong-mfg/mto-status-service/internal/erp"
	"github.com/jinghong-mfg/mto-status-service/internal/logging"
	"github.com/jinghong-mfg/mto-status-service/internal/routing"
	"github.com/jinghong-mfg/mto-status-service/internal/services"
)

func main() {
	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Ensure all log output goes to stdout so the log collector captures it
	log.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("MTO Status Service starting (GIT_SHA=%s BUILD_TIME=%s)", os.Getenv("GIT_SHA"), os.Getenv("BUILD_TIME"))

	// The store is not optional here: sync and aggregation both need it
	database, err := db.NewDatabase()
	if err != nil {
		log.Fatalf("Database initialization failed: %v", err)
	}
	defer database.Close()

	if err := db.InitSchema(context.Background(), database); err != nil {
		log.Fatalf("Schema initialization failed: %v", err)
	}

	table := routing.MustDefault()
	if cfg.RoutingRules != "" {
		table, err = routing.NewTable(cfg.RoutingRules)
		if err != nil {
			log.Fatalf("Invalid ROUTING_RULES: %v", err)
		}
	}

	erpClient := erp.NewClient(cfg.ERPBaseURL, cfg.ERPAppToken, cfg.ERPRateRPS)
	readers := erp.NewReaderSet(erpClient, cfg.ERPPageSize)
	resultCache := cache.New(cfg.CacheCapacity, cfg.CacheTTL)

	syncService := services.NewSyncService(database, readers, table, resultCache, cfg.ParallelChunks, cfg.RetryCount)
	queryService := services.NewQueryService(database, readers, table, resultCache, cfg.QueryTimeout)

	// Runs orphaned by a previous crash would block every new trigger
	if _, err := syncService.RecoverStale(context.Background()); err != nil {
		log.Printf("[WARN] Failed to recover stale sync runs: %v", err)
	}

	scheduler := services.NewScheduler(syncService)
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(queryService, syncService, resultCache, database, cfg)
	router := setupRouter(handler)

	// Set up graceful shutdown
	go func() {
		log.Printf("Starting server on port %s", cfg.Port)
		if err := router.Run(":" + cfg.Port); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
}

func setupRouter(handler *api.Handler) *gin.Engine {
	// Set Gin mode based on environment
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware
	router.Use(logging.JSONLogger())
	router.Use(gin.Recovery())

	corsCfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
	}
	if origin := os.Getenv("DASHBOARD_ORIGIN"); origin != "" {
		corsCfg.AllowOrigins = []string{origin}
	} else {
		corsCfg.AllowAllOrigins = true
	}
	router.Use(cors.New(corsCfg))

	// Health and readiness endpoints
	router.GET("/live", func(c *gin.Context) { c.Status(200) })
	router.GET("/ready", handler.Health)
	router.GET("/health", handler.Health)

	// API routes
	v1 := router.Group("/api/v1")
	{
		// Parse JWT if present to expose caller info on read endpoints
		v1.Use(api.OptionalAuthMiddleware())

		// Dashboard reads (public)
		v1.GET("/mto/:mto_no", handler.GetMTOStatus)
		v1.GET("/sync/status", handler.SyncStatus)
		v1.GET("/sync/runs", handler.SyncRuns)
		v1.GET("/cache/stats", handler.CacheStats)

		// Protected operator endpoints
		ops := v1.Group("")
		ops.Use(api.AuthMiddleware())
		{
			ops.POST("/sync", handler.TriggerSync)
			ops.POST("/cache/invalidate", handler.InvalidateCache)
		}
	}

	// Root endpoint for basic info
	router.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"service": "mto-status-service",
			"version": "1.0.0",
			"status":  "running",
		})
	})

	return router
}
