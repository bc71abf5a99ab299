package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jinghong-mfg/mto-status-service/internal/cache"
	"github.com/jinghong-mfg/mto-status-service/internal/config"
	"github.com/jinghong-mfg/mto-status-service/internal/models"
	"github.com/jinghong-mfg/mto-status-service/internal/services"
)

// setGinTestMode ensures Gin does not write noisy logs during tests
func setGinTestMode() { gin.SetMode(gin.TestMode) }

type fakeQuerier struct {
	result     *models.MTOStatusResult
	err        error
	gotMTO     string
	gotRefresh bool
}

func (f *fakeQuerier) Get(ctx context.Context, mtoNo string, forceRefresh bool) (*models.MTOStatusResult, error) {
	f.gotMTO = mtoNo
	f.gotRefresh = forceRefresh
	return f.result, f.err
}

type fakeSyncer struct {
	id       int64
	err      error
	gotOpts  services.TriggerOptions
	run      *models.SyncRun
	running  bool
	runs     []models.SyncRun
	gotLimit int
}

func (f *fakeSyncer) Trigger(ctx context.Context, opts services.TriggerOptions) (int64, error) {
	f.gotOpts = opts
	return f.id, f.err
}

func (f *fakeSyncer) Status(ctx context.Context) (*models.SyncRun, bool, error) {
	return f.run, f.running, nil
}

func (f *fakeSyncer) Runs(ctx context.Context, limit int) ([]models.SyncRun, error) {
	f.gotLimit = limit
	return f.runs, nil
}

type fakeCacheCtl struct {
	stats       cache.Stats
	invalidated int
}

func (f *fakeCacheCtl) Stats() cache.Stats { return f.stats }
func (f *fakeCacheCtl) InvalidateAll() int { f.invalidated++; return 3 }

type fakeHealth struct{ err error }

func (f *fakeHealth) Health(ctx context.Context) error { return f.err }

func testConfig() *config.Config {
	return &config.Config{LookbackDays: 90, ChunkDays: 7}
}

func newTestRouter(h *Handler) *gin.Engine {
	setGinTestMode()
	r := gin.New()
	r.GET("/health", h.Health)
	v1 := r.Group("/api/v1")
	{
		v1.GET("/mto/:mto_no", h.GetMTOStatus)
		v1.GET("/sync/status", h.SyncStatus)
		v1.GET("/sync/runs", h.SyncRuns)
		v1.GET("/cache/stats", h.CacheStats)
		v1.POST("/sync", h.TriggerSync)
		v1.POST("/cache/invalidate", h.InvalidateCache)
	}
	return r
}

func TestGetMTOStatus_OK(t *testing.T) {
	q := &fakeQuerier{result: &models.MTOStatusResult{
		MTONo:      "AK2510034",
		DataSource: models.SourceStore,
	}}
	h := NewHandler(q, &fakeSyncer{}, &fakeCacheCtl{}, &fakeHealth{}, testConfig())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/mto/AK2510034?refresh=true", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}
	if q.gotMTO != "AK2510034" || !q.gotRefresh {
		t.Errorf("query called with (%q, refresh=%v)", q.gotMTO, q.gotRefresh)
	}
	if !strings.Contains(w.Body.String(), `"mto_no":"AK2510034"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestGetMTOStatus_NotFound(t *testing.T) {
	q := &fakeQuerier{err: models.ErrMTONotFound}
	h := NewHandler(q, &fakeSyncer{}, &fakeCacheCtl{}, &fakeHealth{}, testConfig())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/mto/NOPE999", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown number, got %d", w.Code)
	}
}

func TestTriggerSync_AcceptedWithDefaults(t *testing.T) {
	s := &fakeSyncer{id: 42}
	h := NewHandler(&fakeQuerier{}, s, &fakeCacheCtl{}, &fakeHealth{}, testConfig())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 Accepted, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"run_id":42`) {
		t.Errorf("body = %s", w.Body.String())
	}
	if s.gotOpts.DaysBack != 90 || s.gotOpts.ChunkDays != 7 {
		t.Errorf("defaults not applied: %+v", s.gotOpts)
	}
	if s.gotOpts.Trigger != services.TriggerManual {
		t.Errorf("trigger = %q, want manual", s.gotOpts.Trigger)
	}
}

func TestTriggerSync_BodyOverrides(t *testing.T) {
	s := &fakeSyncer{id: 7}
	h := NewHandler(&fakeQuerier{}, s, &fakeCacheCtl{}, &fakeHealth{}, testConfig())
	r := newTestRouter(h)

	body := strings.NewReader(`{"days_back": 14, "chunk_days": 3, "force_full": true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 Accepted, got %d", w.Code)
	}
	if s.gotOpts.DaysBack != 14 || s.gotOpts.ChunkDays != 3 || !s.gotOpts.ForceFull {
		t.Errorf("opts = %+v", s.gotOpts)
	}
}

func TestTriggerSync_ConflictWhileRunning(t *testing.T) {
	s := &fakeSyncer{err: models.ErrSyncRunning}
	h := NewHandler(&fakeQuerier{}, s, &fakeCacheCtl{}, &fakeHealth{}, testConfig())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 Conflict, got %d", w.Code)
	}
}

func TestTriggerSync_RejectsMalformedBody(t *testing.T) {
	h := NewHandler(&fakeQuerier{}, &fakeSyncer{}, &fakeCacheCtl{}, &fakeHealth{}, testConfig())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", strings.NewReader(`{"days_back": "soon"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", w.Code)
	}
}

func TestSyncStatus(t *testing.T) {
	s := &fakeSyncer{running: true, run: &models.SyncRun{ID: 9, Status: models.SyncStatusRunning}}
	h := NewHandler(&fakeQuerier{}, s, &fakeCacheCtl{}, &fakeHealth{}, testConfig())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"running":true`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestSyncRuns_LimitAndEmptyList(t *testing.T) {
	s := &fakeSyncer{}
	h := NewHandler(&fakeQuerier{}, s, &fakeCacheCtl{}, &fakeHealth{}, testConfig())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/runs?limit=5", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}
	if s.gotLimit != 5 {
		t.Errorf("limit = %d, want 5", s.gotLimit)
	}
	if !strings.Contains(w.Body.String(), `"runs":[]`) {
		t.Errorf("empty list should serialize as [], body = %s", w.Body.String())
	}
}

func TestCacheStats(t *testing.T) {
	cc := &fakeCacheCtl{stats: cache.Stats{Hits: 12, Misses: 4, Size: 3, Capacity: 256}}
	h := NewHandler(&fakeQuerier{}, &fakeSyncer{}, cc, &fakeHealth{}, testConfig())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cache/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"hits":12`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestInvalidateCache(t *testing.T) {
	cc := &fakeCacheCtl{}
	h := NewHandler(&fakeQuerier{}, &fakeSyncer{}, cc, &fakeHealth{}, testConfig())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cache/invalidate", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}
	if cc.invalidated != 1 {
		t.Errorf("InvalidateAll called %d times", cc.invalidated)
	}
}

func TestHealth(t *testing.T) {
	h := NewHandler(&fakeQuerier{}, &fakeSyncer{}, &fakeCacheCtl{}, &fakeHealth{}, testConfig())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}

	h = NewHandler(&fakeQuerier{}, &fakeSyncer{}, &fakeCacheCtl{}, &fakeHealth{err: context.DeadlineExceeded}, testConfig())
	r = newTestRouter(h)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the database is down, got %d", w.Code)
	}
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	setGinTestMode()
	r := gin.New()
	r.Use(AuthMiddleware())
	r.POST("/api/v1/sync", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %d", w.Code)
	}
}

func TestAuthMiddleware_RejectsWhenUnconfigured(t *testing.T) {
	setGinTestMode()
	os.Unsetenv("JWT_SECRET")

	r := gin.New()
	r.Use(AuthMiddleware())
	r.POST("/secure", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	req := httptest.NewRequest(http.MethodPost, "/secure", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 without JWT_SECRET, got %d", w.Code)
	}
}

func TestAuthMiddleware_AcceptsSignedToken(t *testing.T) {
	setGinTestMode()
	os.Setenv("JWT_SECRET", "test-secret")
	defer os.Unsetenv("JWT_SECRET")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u-1",
		"email":   "ops@example.com",
		"role":    "Admin",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	r.Use(AuthMiddleware())
	r.POST("/secure", func(c *gin.Context) {
		if v, _ := c.Get("email"); v != "ops@example.com" {
			t.Errorf("email claim = %v", v)
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodPost, "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK for a signed token, got %d", w.Code)
	}
}

func TestAuthMiddleware_RejectsForgedToken(t *testing.T) {
	setGinTestMode()
	os.Setenv("JWT_SECRET", "test-secret")
	defer os.Unsetenv("JWT_SECRET")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "u-1"})
	signed, err := token.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	r.Use(AuthMiddleware())
	r.POST("/secure", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	req := httptest.NewRequest(http.MethodPost, "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a forged token, got %d", w.Code)
	}
}
