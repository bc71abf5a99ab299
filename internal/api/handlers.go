package api

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jinghong-mfg/mto-status-service/internal/cache"
	"github.com/jinghong-mfg/mto-status-service/internal/config"
	"github.com/jinghong-mfg/mto-status-service/internal/models"
	"github.com/jinghong-mfg/mto-status-service/internal/services"
)

type statusQuerier interface {
	Get(ctx context.Context, mtoNo string, forceRefresh bool) (*models.MTOStatusResult, error)
}

type syncTrigger interface {
	Trigger(ctx context.Context, opts services.TriggerOptions) (int64, error)
	Status(ctx context.Context) (*models.SyncRun, bool, error)
	Runs(ctx context.Context, limit int) ([]models.SyncRun, error)
}

type resultCache interface {
	Stats() cache.Stats
	InvalidateAll() int
}

type healthChecker interface {
	Health(ctx context.Context) error
}

// Handler wires the HTTP surface to the query and sync services
type Handler struct {
	query statusQuerier
	sync  syncTrigger
	cache resultCache
	db    healthChecker
	cfg   *config.Config
}

// NewHandler creates a new handler instance
func NewHandler(query statusQuerier, sync syncTrigger, cache resultCache, db healthChecker, cfg *config.Config) *Handler {
	return &Handler{query: query, sync: sync, cache: cache, db: db, cfg: cfg}
}

// GetMTOStatus handles GET /api/v1/mto/:mto_no. The optional
// refresh=true query bypasses the cache and re-pulls the number from
// the ERP.
func (h *Handler) GetMTOStatus(c *gin.Context) {
	mtoNo := c.Param("mto_no")
	refresh := c.Query("refresh") == "true"

	result, err := h.query.Get(c.Request.Context(), mtoNo, refresh)
	if err != nil {
		if errors.Is(err, models.ErrMTONotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "MTO number not found: " + mtoNo})
			return
		}
		log.Printf("Failed to assemble status for %s: %v", mtoNo, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query MTO status"})
		return
	}
	c.JSON(http.StatusOK, result)
}

type syncRequest struct {
	DaysBack  int  `json:"days_back"`
	ChunkDays int  `json:"chunk_days"`
	ForceFull bool `json:"force_full"`
}

// TriggerSync handles POST /api/v1/sync. The body is optional; absent
// fields fall back to the configured defaults.
func (h *Handler) TriggerSync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	opts := services.TriggerOptions{
		DaysBack:  req.DaysBack,
		ChunkDays: req.ChunkDays,
		ForceFull: req.ForceFull,
		Trigger:   services.TriggerManual,
	}

	// settings are re-read per trigger so window changes apply without a
	// restart; a failed reload falls back to the boot configuration
	cfg := h.cfg
	if fresh, err := config.Load(); err == nil {
		cfg = fresh
	}
	if opts.DaysBack <= 0 {
		opts.DaysBack = cfg.LookbackDays
	}
	if opts.ChunkDays <= 0 {
		opts.ChunkDays = cfg.ChunkDays
	}

	id, err := h.sync.Trigger(c.Request.Context(), opts)
	if err != nil {
		if errors.Is(err, models.ErrSyncRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "A sync is already running"})
			return
		}
		log.Printf("Failed to trigger sync: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to trigger sync"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": id, "status": "running"})
}

// SyncStatus handles GET /api/v1/sync/status
func (h *Handler) SyncStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	run, running, err := h.sync.Status(ctx)
	if err != nil {
		log.Printf("Failed to load sync status: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load sync status"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": running, "last_run": run})
}

// SyncRuns handles GET /api/v1/sync/runs
func (h *Handler) SyncRuns(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	runs, err := h.sync.Runs(ctx, limit)
	if err != nil {
		log.Printf("Failed to load sync runs: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load sync runs"})
		return
	}
	if runs == nil {
		runs = []models.SyncRun{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// CacheStats handles GET /api/v1/cache/stats
func (h *Handler) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.Stats())
}

// InvalidateCache handles POST /api/v1/cache/invalidate
func (h *Handler) InvalidateCache(c *gin.Context) {
	n := h.cache.InvalidateAll()
	log.Printf("Cache invalidated by request, %d entries dropped", n)
	c.JSON(http.StatusOK, gin.H{"invalidated": n})
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.db.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "Database connection failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "mto-status-service",
	})
}
