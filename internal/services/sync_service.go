package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jinghong-mfg/mto-status-service/internal/config"
	"github.com/jinghong-mfg/mto-status-service/internal/logging"
	"github.com/jinghong-mfg/mto-status-service/internal/models"
	"github.com/jinghong-mfg/mto-status-service/internal/routing"
)

// Trigger sources recorded on sync runs.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// LineSource pulls document lines out of the ERP.
type LineSource interface {
	LinesByMTO(ctx context.Context, dt models.DocType, mtoNo string) ([]models.DocLine, error)
	LinesByDateRange(ctx context.Context, dt models.DocType, start, end time.Time) ([]models.DocLine, error)
}

// SyncStore is the slice of the document store the sync service writes.
type SyncStore interface {
	UpsertDocLines(ctx context.Context, dt models.DocType, lines []models.DocLine) (int, error)
	UpsertParentItem(ctx context.Context, p models.ParentItem) error
	CreateSyncRun(ctx context.Context, run models.SyncRun) (int64, error)
	FinishSyncRun(ctx context.Context, id int64, status models.SyncRunStatus, counts map[models.DocType]int, errorMessage string) error
	LatestSyncRun(ctx context.Context) (*models.SyncRun, error)
	RecentSyncRuns(ctx context.Context, limit int) ([]models.SyncRun, error)
	RecoverStaleRuns(ctx context.Context) (int64, error)
}

// Invalidator drops derived query results once fresh data lands.
type Invalidator interface {
	InvalidateAll() int
}

// TriggerOptions parameterize one synchronization pass.
type TriggerOptions struct {
	DaysBack  int
	ChunkDays int
	ForceFull bool
	Trigger   string
}

// SyncService drives chunked synchronization passes against the ERP.
// At most one pass runs at a time; a second trigger is rejected with
// models.ErrSyncRunning instead of being queued.
type SyncService struct {
	store  SyncStore
	source LineSource
	router *routing.Table
	cache  Invalidator

	parallel   int
	retryCount int
	retryBase  time.Duration
	now        func() time.Time

	mu      sync.Mutex
	running bool

	passWG sync.WaitGroup
}

// NewSyncService builds the orchestrator. parallel bounds concurrent
// chunk workers; retryCount bounds attempts per chunk and document type.
func NewSyncService(store SyncStore, source LineSource, router *routing.Table, cache Invalidator, parallel, retryCount int) *SyncService {
	if parallel <= 0 {
		parallel = 1
	}
	if retryCount <= 0 {
		retryCount = 1
	}
	return &SyncService{
		store:      store,
		source:     source,
		router:     router,
		cache:      cache,
		parallel:   parallel,
		retryCount: retryCount,
		retryBase:  time.Second,
		now:        time.Now,
	}
}

// Trigger starts a synchronization pass in the background and returns
// the new run's id. ctx covers only the run bookkeeping; the pass itself
// is detached and runs to completion.
func (s *SyncService) Trigger(ctx context.Context, opts TriggerOptions) (int64, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return 0, models.ErrSyncRunning
	}
	s.running = true
	s.mu.Unlock()

	daysBack := opts.DaysBack
	if daysBack <= 0 {
		daysBack = 90
	}
	if daysBack > config.MaxLookbackDays {
		daysBack = config.MaxLookbackDays
	}
	if opts.ForceFull {
		daysBack = config.MaxLookbackDays
	}
	chunkDays := opts.ChunkDays
	if chunkDays <= 0 {
		chunkDays = 7
	}
	trigger := opts.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}

	end := s.now()
	start := end.AddDate(0, 0, -daysBack)

	id, err := s.store.CreateSyncRun(ctx, models.SyncRun{
		Status:     models.SyncStatusRunning,
		Trigger:    trigger,
		StartedAt:  end,
		RangeStart: start,
		RangeEnd:   end,
		DaysBack:   daysBack,
		ChunkDays:  chunkDays,
	})
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return 0, fmt.Errorf("failed to create sync run: %w", err)
	}

	logging.LogKV("info", "sync pass starting", map[string]interface{}{
		"run_id": id, "trigger": trigger, "days_back": daysBack, "chunk_days": chunkDays,
	})

	s.passWG.Add(1)
	go s.runPass(id, start, end, chunkDays)
	return id, nil
}

// Running reports whether a pass is currently in flight.
func (s *SyncService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns the latest run together with the live running flag.
func (s *SyncService) Status(ctx context.Context) (*models.SyncRun, bool, error) {
	run, err := s.store.LatestSyncRun(ctx)
	if err != nil {
		return nil, false, err
	}
	return run, s.Running(), nil
}

// Runs returns recent runs, newest first.
func (s *SyncService) Runs(ctx context.Context, limit int) ([]models.SyncRun, error) {
	return s.store.RecentSyncRuns(ctx, limit)
}

// RecoverStale fails runs orphaned in running state by a restart. Call
// once at boot, before the first trigger.
func (s *SyncService) RecoverStale(ctx context.Context) (int64, error) {
	n, err := s.store.RecoverStaleRuns(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.LogKV("warn", "recovered stale sync runs", map[string]interface{}{"count": n})
	}
	return n, nil
}

// wait blocks until the in-flight pass finishes. Tests use it to observe
// terminal state without polling.
func (s *SyncService) wait() {
	s.passWG.Wait()
}

type window struct {
	start, end time.Time
}

func partitionWindow(start, end time.Time, chunkDays int) []window {
	if chunkDays <= 0 {
		chunkDays = 7
	}
	var windows []window
	for cur := start; cur.Before(end); {
		next := cur.AddDate(0, 0, chunkDays)
		if next.After(end) {
			next = end
		}
		windows = append(windows, window{start: cur, end: next})
		cur = next
	}
	return windows
}

// runPass executes the chunked pull. It is detached from any request
// context: a pass runs to completion or records its failure.
func (s *SyncService) runPass(id int64, start, end time.Time, chunkDays int) {
	defer s.passWG.Done()
	ctx := context.Background()

	type job struct {
		win window
		dt  models.DocType
	}

	var (
		resultMu sync.Mutex
		counts   = map[models.DocType]int{}
		failures []string
	)

	jobs := make(chan job)
	var wg sync.WaitGroup
	for i := 0; i < s.parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				n, err := s.syncChunk(ctx, j.dt, j.win.start, j.win.end)
				resultMu.Lock()
				if err != nil {
					failures = append(failures, fmt.Sprintf("%s %s..%s: %v",
						j.dt, j.win.start.Format("2006-01-02"), j.win.end.Format("2006-01-02"), err))
				} else {
					counts[j.dt] += n
				}
				resultMu.Unlock()
			}
		}()
	}

	for _, win := range partitionWindow(start, end, chunkDays) {
		for _, dt := range models.AllDocTypes {
			jobs <- job{win: win, dt: dt}
		}
	}
	close(jobs)
	wg.Wait()

	status := models.SyncStatusSuccess
	errorMessage := ""
	if len(failures) > 0 {
		status = models.SyncStatusError
		errorMessage = strings.Join(failures, "; ")
	}

	if err := s.store.FinishSyncRun(ctx, id, status, counts, errorMessage); err != nil {
		logging.Err("failed to finalize sync run", err, map[string]interface{}{"run_id": id})
	}

	// stale results must not outlive the pass, even a failed one
	if s.cache != nil {
		dropped := s.cache.InvalidateAll()
		logging.LogKV("info", "query cache invalidated", map[string]interface{}{"run_id": id, "dropped": dropped})
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	total := 0
	for _, n := range counts {
		total += n
	}
	logging.LogKV("info", "sync pass finished", map[string]interface{}{
		"run_id": id, "status": string(status), "lines": total, "failures": len(failures),
	})
}

// syncChunk pulls one document type over one date window and upserts the
// lines, retrying transient failures with exponential backoff.
func (s *SyncService) syncChunk(ctx context.Context, dt models.DocType, start, end time.Time) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= s.retryCount; attempt++ {
		if attempt > 1 {
			time.Sleep(s.retryBase * time.Duration(1<<(attempt-2)))
		}

		lines, err := s.source.LinesByDateRange(ctx, dt, start, end)
		if err != nil {
			lastErr = err
			continue
		}
		n, err := s.store.UpsertDocLines(ctx, dt, lines)
		if err != nil {
			lastErr = err
			continue
		}
		if dt == models.DocTypeSalesOrder {
			s.recordParents(ctx, lines)
		}
		return n, nil
	}
	return 0, fmt.Errorf("after %d attempts: %w", s.retryCount, lastErr)
}

// recordParents captures parent items from finished-good sales order
// lines. Failures here are logged, not fatal: the aggregation engine can
// re-resolve a parent live at query time.
func (s *SyncService) recordParents(ctx context.Context, lines []models.DocLine) {
	for _, line := range lines {
		rule, err := s.router.Route(line.MaterialCode)
		if err != nil || rule.Class != models.ClassFinishedGood {
			continue
		}
		p := models.ParentItem{
			MTONo:         line.MTONo,
			MaterialCode:  line.MaterialCode,
			MaterialName:  line.MaterialName,
			Specification: line.Specification,
			CustomerName:  line.CustomerName,
			DeliveryDate:  line.DeliveryDate,
			SourceDocType: models.DocTypeSalesOrder,
			SourceDocNo:   line.DocNo,
		}
		if err := s.store.UpsertParentItem(ctx, p); err != nil {
			logging.Err("failed to record parent item", err, map[string]interface{}{"mto_no": line.MTONo})
		}
	}
}
