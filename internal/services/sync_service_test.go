package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jinghong-mfg/mto-status-service/internal/config"
	"github.com/jinghong-mfg/mto-status-service/internal/models"
	"github.com/jinghong-mfg/mto-status-service/internal/routing"
)

// fakeStore is an in-memory stand-in for the Postgres store, keyed the
// same way the real tables are.
type fakeStore struct {
	mu      sync.Mutex
	lines   map[models.DocType]map[models.LineKey]models.DocLine
	parents map[string]models.ParentItem
	runs    []models.SyncRun
	nextID  int64

	upsertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		lines:   make(map[models.DocType]map[models.LineKey]models.DocLine),
		parents: make(map[string]models.ParentItem),
	}
}

func (f *fakeStore) UpsertDocLines(ctx context.Context, dt models.DocType, lines []models.DocLine) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	m := f.lines[dt]
	if m == nil {
		m = make(map[models.LineKey]models.DocLine)
		f.lines[dt] = m
	}
	for _, l := range lines {
		m[l.Key()] = l
	}
	return len(lines), nil
}

func (f *fakeStore) DocLinesByMTO(ctx context.Context, dt models.DocType, mtoNo string) ([]models.DocLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DocLine
	for _, l := range f.lines[dt] {
		if l.MTONo == mtoNo {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocNo < out[j].DocNo })
	return out, nil
}

func (f *fakeStore) HasLinesForMTO(ctx context.Context, mtoNo string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.lines {
		for _, l := range m {
			if l.MTONo == mtoNo {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *fakeStore) UpsertParentItem(ctx context.Context, p models.ParentItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parents[p.MTONo] = p
	return nil
}

func (f *fakeStore) ParentItem(ctx context.Context, mtoNo string) (*models.ParentItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.parents[mtoNo]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeStore) CreateSyncRun(ctx context.Context, run models.SyncRun) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	run.ID = f.nextID
	f.runs = append(f.runs, run)
	return run.ID, nil
}

func (f *fakeStore) FinishSyncRun(ctx context.Context, id int64, status models.SyncRunStatus, counts map[models.DocType]int, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.runs {
		if f.runs[i].ID == id {
			now := time.Now()
			f.runs[i].Status = status
			f.runs[i].FinishedAt = &now
			f.runs[i].Counts = counts
			f.runs[i].ErrorMessage = errorMessage
			return nil
		}
	}
	return fmt.Errorf("sync run %d not found", id)
}

func (f *fakeStore) LatestSyncRun(ctx context.Context) (*models.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runs) == 0 {
		return nil, nil
	}
	run := f.runs[len(f.runs)-1]
	return &run, nil
}

func (f *fakeStore) RecentSyncRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SyncRun
	for i := len(f.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.runs[i])
	}
	return out, nil
}

func (f *fakeStore) RecoverStaleRuns(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for i := range f.runs {
		if f.runs[i].Status == models.SyncStatusRunning {
			f.runs[i].Status = models.SyncStatusError
			f.runs[i].ErrorMessage = "interrupted by service restart"
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) run(t *testing.T, id int64) models.SyncRun {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("run %d not recorded", id)
	return models.SyncRun{}
}

func (f *fakeStore) lineCount(dt models.DocType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lines[dt])
}

func (f *fakeStore) line(t *testing.T, dt models.DocType, key models.LineKey) models.DocLine {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lines[dt][key]
	if !ok {
		t.Fatalf("no %s line for %+v", dt, key)
	}
	return l
}

// fakeSource simulates the ERP: a flat set of document lines served by
// type, MTO filter, or date window.
type fakeSource struct {
	mu         sync.Mutex
	docs       []models.DocLine
	failTypes  map[models.DocType]int
	block      chan struct{}
	rangeCalls map[models.DocType]int
}

func newFakeSource(docs ...models.DocLine) *fakeSource {
	return &fakeSource{
		docs:       docs,
		failTypes:  make(map[models.DocType]int),
		rangeCalls: make(map[models.DocType]int),
	}
}

func (s *fakeSource) LinesByMTO(ctx context.Context, dt models.DocType, mtoNo string) ([]models.DocLine, error) {
	s.mu.Lock()
	if remaining := s.failTypes[dt]; remaining != 0 {
		if remaining > 0 {
			s.failTypes[dt] = remaining - 1
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("simulated %s outage", dt)
	}
	defer s.mu.Unlock()
	var out []models.DocLine
	for _, d := range s.docs {
		if d.DocType == dt && d.MTONo == mtoNo {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeSource) LinesByDateRange(ctx context.Context, dt models.DocType, start, end time.Time) ([]models.DocLine, error) {
	s.mu.Lock()
	block := s.block
	s.rangeCalls[dt]++
	if remaining := s.failTypes[dt]; remaining != 0 {
		if remaining > 0 {
			s.failTypes[dt] = remaining - 1
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("simulated %s outage", dt)
	}
	s.mu.Unlock()

	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DocLine
	for _, d := range s.docs {
		if d.DocType != dt || d.MTONo == "" {
			continue
		}
		if d.DocDate.Before(start) || !d.DocDate.Before(end) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *fakeSource) calls(dt models.DocType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangeCalls[dt]
}

type fakeInvalidator struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeInvalidator) InvalidateAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0
}

func (f *fakeInvalidator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func docLine(dt models.DocType, docNo, mtoNo, material, aux string, bill, must, real int64, date string) models.DocLine {
	d, _ := time.Parse("2006-01-02", date)
	return models.DocLine{
		DocType:      dt,
		DocNo:        docNo,
		MTONo:        mtoNo,
		MaterialCode: material,
		MaterialName: "测试物料",
		AuxPropID:    aux,
		BillQty:      decimal.NewFromInt(bill),
		MustQty:      decimal.NewFromInt(must),
		RealQty:      decimal.NewFromInt(real),
		DocDate:      d,
	}
}

var testNow = time.Date(2025, 10, 15, 8, 0, 0, 0, time.UTC)

func newTestSync(store *fakeStore, source *fakeSource, cache Invalidator) *SyncService {
	svc := NewSyncService(store, source, routing.MustDefault(), cache, 2, 3)
	svc.retryBase = time.Millisecond
	svc.now = func() time.Time { return testNow }
	return svc
}

func TestTriggerRunsFullPass(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource(
		docLine(models.DocTypeProductionOrder, "MO-001", "AK2510034", "05.20.03.01.018", "", 1365, 0, 0, "2025-10-01"),
		docLine(models.DocTypeProductionReceipt, "RKD-001", "AK2510034", "05.20.03.01.018", "", 0, 1000, 1000, "2025-10-02"),
		docLine(models.DocTypeProductionReceipt, "RKD-002", "AK2510034", "05.20.03.01.018", "", 0, 365, 365, "2025-10-09"),
	)
	inv := &fakeInvalidator{}
	svc := newTestSync(store, source, inv)

	id, err := svc.Trigger(context.Background(), TriggerOptions{DaysBack: 30, ChunkDays: 7, Trigger: TriggerManual})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	svc.wait()

	run := store.run(t, id)
	if run.Status != models.SyncStatusSuccess {
		t.Fatalf("status = %s (%s), want success", run.Status, run.ErrorMessage)
	}
	if run.Counts[models.DocTypeProductionReceipt] != 2 {
		t.Errorf("receipt count = %d, want 2", run.Counts[models.DocTypeProductionReceipt])
	}
	if store.lineCount(models.DocTypeProductionReceipt) != 2 {
		t.Errorf("stored receipts = %d, want 2", store.lineCount(models.DocTypeProductionReceipt))
	}
	if inv.count() == 0 {
		t.Error("cache should be invalidated after the pass")
	}
	if svc.Running() {
		t.Error("service should be idle after the pass")
	}
}

func TestSecondTriggerRejectedWhileRunning(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource(
		docLine(models.DocTypeProductionOrder, "MO-001", "AK2510034", "05.20.03.01.018", "", 10, 0, 0, "2025-10-01"),
	)
	source.block = make(chan struct{})
	svc := newTestSync(store, source, &fakeInvalidator{})

	firstID, err := svc.Trigger(context.Background(), TriggerOptions{DaysBack: 7, ChunkDays: 7})
	if err != nil {
		t.Fatalf("first Trigger: %v", err)
	}

	if _, err := svc.Trigger(context.Background(), TriggerOptions{DaysBack: 7, ChunkDays: 7}); !errors.Is(err, models.ErrSyncRunning) {
		t.Fatalf("second Trigger error = %v, want ErrSyncRunning", err)
	}

	close(source.block)
	svc.wait()

	if run := store.run(t, firstID); run.Status != models.SyncStatusSuccess {
		t.Errorf("first run status = %s, want success (unaffected by rejected trigger)", run.Status)
	}

	// a terminal pass frees the slot
	if _, err := svc.Trigger(context.Background(), TriggerOptions{DaysBack: 7, ChunkDays: 7}); err != nil {
		t.Fatalf("Trigger after completion: %v", err)
	}
	svc.wait()
}

func TestSyncTwiceLeavesLinesUnchanged(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource(
		docLine(models.DocTypeProductionReceipt, "RKD-001", "AK2510034", "05.20.03.01.018", "", 0, 1000, 1000, "2025-10-02"),
		docLine(models.DocTypeProductionReceipt, "RKD-002", "AK2510034", "05.20.03.01.018", "", 0, 365, 365, "2025-10-09"),
	)
	svc := newTestSync(store, source, &fakeInvalidator{})

	for i := 0; i < 2; i++ {
		if _, err := svc.Trigger(context.Background(), TriggerOptions{DaysBack: 30, ChunkDays: 7}); err != nil {
			t.Fatalf("Trigger %d: %v", i+1, err)
		}
		svc.wait()
	}

	if got := store.lineCount(models.DocTypeProductionReceipt); got != 2 {
		t.Fatalf("receipts after two passes = %d, want 2", got)
	}

	// both documents keep their own quantities
	first := store.line(t, models.DocTypeProductionReceipt, models.LineKey{
		DocNo: "RKD-001", MTONo: "AK2510034", MaterialCode: "05.20.03.01.018",
	})
	second := store.line(t, models.DocTypeProductionReceipt, models.LineKey{
		DocNo: "RKD-002", MTONo: "AK2510034", MaterialCode: "05.20.03.01.018",
	})
	if !first.RealQty.Equal(decimal.NewFromInt(1000)) || !second.RealQty.Equal(decimal.NewFromInt(365)) {
		t.Errorf("quantities drifted: %s and %s, want 1000 and 365", first.RealQty, second.RealQty)
	}
}

func TestChunkRetryRecoversTransientFailure(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource(
		docLine(models.DocTypeProductionReceipt, "RKD-001", "AK2510034", "05.20.03.01.018", "", 0, 1000, 1000, "2025-10-12"),
	)
	source.failTypes[models.DocTypeProductionReceipt] = 1
	svc := newTestSync(store, source, &fakeInvalidator{})

	id, err := svc.Trigger(context.Background(), TriggerOptions{DaysBack: 7, ChunkDays: 7})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	svc.wait()

	run := store.run(t, id)
	if run.Status != models.SyncStatusSuccess {
		t.Fatalf("status = %s (%s), want success after retry", run.Status, run.ErrorMessage)
	}
	if got := source.calls(models.DocTypeProductionReceipt); got != 2 {
		t.Errorf("receipt fetch attempts = %d, want 2", got)
	}
	if store.lineCount(models.DocTypeProductionReceipt) != 1 {
		t.Errorf("stored receipts = %d, want 1", store.lineCount(models.DocTypeProductionReceipt))
	}
}

func TestChunkFailureIsIsolated(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource(
		docLine(models.DocTypePurchaseOrder, "CGDD-001", "AK2510034", "02.01.0005", "", 40, 0, 0, "2025-10-12"),
		docLine(models.DocTypeProductionReceipt, "RKD-001", "AK2510034", "05.20.03.01.018", "", 0, 1000, 1000, "2025-10-12"),
	)
	source.failTypes[models.DocTypePurchaseOrder] = -1 // never recovers
	svc := newTestSync(store, source, &fakeInvalidator{})

	id, err := svc.Trigger(context.Background(), TriggerOptions{DaysBack: 7, ChunkDays: 7})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	svc.wait()

	run := store.run(t, id)
	if run.Status != models.SyncStatusError {
		t.Fatalf("status = %s, want error", run.Status)
	}
	if !strings.Contains(run.ErrorMessage, string(models.DocTypePurchaseOrder)) {
		t.Errorf("error message %q should name the failed document type", run.ErrorMessage)
	}
	if store.lineCount(models.DocTypeProductionReceipt) != 1 {
		t.Errorf("healthy document types should still sync, receipts = %d", store.lineCount(models.DocTypeProductionReceipt))
	}
	if run.Counts[models.DocTypeProductionReceipt] != 1 {
		t.Errorf("counts for healthy types should be recorded: %+v", run.Counts)
	}
}

func TestSyncRecordsParentsFromSalesOrders(t *testing.T) {
	store := newFakeStore()
	delivery := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	so := docLine(models.DocTypeSalesOrder, "XSDD-001", "AK2510034", "01.10.0042", "", 4, 0, 0, "2025-10-09")
	so.CustomerName = "宁波港机装备有限公司"
	so.DeliveryDate = &delivery
	source := newFakeSource(so)
	svc := newTestSync(store, source, &fakeInvalidator{})

	if _, err := svc.Trigger(context.Background(), TriggerOptions{DaysBack: 30, ChunkDays: 7}); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	svc.wait()

	p, err := store.ParentItem(context.Background(), "AK2510034")
	if err != nil || p == nil {
		t.Fatalf("parent not recorded: %v, %v", p, err)
	}
	if p.CustomerName != "宁波港机装备有限公司" {
		t.Errorf("CustomerName = %q", p.CustomerName)
	}
	if p.SourceDocType != models.DocTypeSalesOrder || p.SourceDocNo != "XSDD-001" {
		t.Errorf("source = %s/%s", p.SourceDocType, p.SourceDocNo)
	}
}

func TestForceFullUsesMaxLookback(t *testing.T) {
	store := newFakeStore()
	svc := newTestSync(store, newFakeSource(), &fakeInvalidator{})

	id, err := svc.Trigger(context.Background(), TriggerOptions{DaysBack: 7, ChunkDays: 7, ForceFull: true})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	svc.wait()

	run := store.run(t, id)
	if run.DaysBack != config.MaxLookbackDays {
		t.Errorf("DaysBack = %d, want %d", run.DaysBack, config.MaxLookbackDays)
	}
	wantStart := testNow.AddDate(0, 0, -config.MaxLookbackDays)
	if !run.RangeStart.Equal(wantStart) {
		t.Errorf("RangeStart = %v, want %v", run.RangeStart, wantStart)
	}
}

func TestPartitionWindow(t *testing.T) {
	start := time.Date(2025, 9, 15, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 10, 15, 0, 0, 0, 0, time.UTC)

	windows := partitionWindow(start, end, 7)
	if len(windows) != 5 {
		t.Fatalf("got %d windows, want 5", len(windows))
	}
	if !windows[0].start.Equal(start) {
		t.Errorf("first window starts %v", windows[0].start)
	}
	if !windows[len(windows)-1].end.Equal(end) {
		t.Errorf("last window ends %v", windows[len(windows)-1].end)
	}
	for i := 1; i < len(windows); i++ {
		if !windows[i].start.Equal(windows[i-1].end) {
			t.Errorf("gap between window %d and %d", i-1, i)
		}
	}
	// 30 days in 7-day chunks leaves a 2-day tail
	last := windows[len(windows)-1]
	if last.end.Sub(last.start) != 48*time.Hour {
		t.Errorf("tail window = %v", last.end.Sub(last.start))
	}
}

func TestRecoverStaleMarksOrphanedRuns(t *testing.T) {
	store := newFakeStore()
	if _, err := store.CreateSyncRun(context.Background(), models.SyncRun{Status: models.SyncStatusRunning}); err != nil {
		t.Fatal(err)
	}
	svc := newTestSync(store, newFakeSource(), &fakeInvalidator{})

	n, err := svc.RecoverStale(context.Background())
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}
	run, err := store.LatestSyncRun(context.Background())
	if err != nil || run == nil {
		t.Fatalf("LatestSyncRun: %v", err)
	}
	if run.Status != models.SyncStatusError {
		t.Errorf("status = %s, want error", run.Status)
	}
}
