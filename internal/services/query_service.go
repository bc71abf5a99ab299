package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jinghong-mfg/mto-status-service/internal/logging"
	"github.com/jinghong-mfg/mto-status-service/internal/models"
	"github.com/jinghong-mfg/mto-status-service/internal/routing"
)

// QueryStore is the slice of the document store the aggregation engine
// reads. The two upsert methods exist only for advisory write-through of
// live-fetched data; the sync service remains the authoritative writer.
type QueryStore interface {
	HasLinesForMTO(ctx context.Context, mtoNo string) (bool, error)
	DocLinesByMTO(ctx context.Context, dt models.DocType, mtoNo string) ([]models.DocLine, error)
	UpsertDocLines(ctx context.Context, dt models.DocType, lines []models.DocLine) (int, error)
	ParentItem(ctx context.Context, mtoNo string) (*models.ParentItem, error)
	UpsertParentItem(ctx context.Context, p models.ParentItem) error
}

// ResultCache memoizes assembled results.
type ResultCache interface {
	Get(key string) (any, bool)
	Put(key string, value any)
}

// QueryService assembles the status of one tracking number from the
// store, falling back to live ERP fetches when the store has never seen
// the number or the caller forces a refresh.
type QueryService struct {
	store   QueryStore
	source  LineSource
	router  *routing.Table
	cache   ResultCache
	timeout time.Duration
	now     func() time.Time
}

// NewQueryService builds the aggregation engine. timeout bounds one
// whole query including any live fetches.
func NewQueryService(store QueryStore, source LineSource, router *routing.Table, cache ResultCache, timeout time.Duration) *QueryService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &QueryService{
		store:   store,
		source:  source,
		router:  router,
		cache:   cache,
		timeout: timeout,
		now:     time.Now,
	}
}

// Get answers the status query for one tracking number. forceRefresh
// bypasses the memory cache and re-pulls this number's documents from
// the ERP. A parent that cannot be resolved anywhere is a hard failure;
// a degraded material class only flags that class on the result.
func (q *QueryService) Get(ctx context.Context, mtoNo string, forceRefresh bool) (*models.MTOStatusResult, error) {
	mtoNo = strings.TrimSpace(mtoNo)
	if mtoNo == "" {
		return nil, models.ErrMTONotFound
	}

	if !forceRefresh {
		if v, ok := q.cache.Get(mtoNo); ok {
			return v.(*models.MTOStatusResult), nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	live := forceRefresh
	if !live {
		known, err := q.store.HasLinesForMTO(ctx, mtoNo)
		if err != nil {
			return nil, err
		}
		live = !known
	}

	loader := q.newLineLoader(mtoNo, live)

	parent, err := q.resolveParent(ctx, loader, mtoNo, live)
	if err != nil {
		return nil, err
	}

	type classResult struct {
		class    models.MaterialClass
		rows     []models.ChildStatusRow
		warnings []string
		err      error
	}

	results := make(chan classResult, len(models.AllMaterialClasses))
	var wg sync.WaitGroup
	for _, class := range models.AllMaterialClasses {
		wg.Add(1)
		go func(class models.MaterialClass) {
			defer wg.Done()
			rows, warnings, err := q.classRows(ctx, loader, mtoNo, class)
			results <- classResult{class: class, rows: rows, warnings: warnings, err: err}
		}(class)
	}
	wg.Wait()
	close(results)

	byClass := make(map[models.MaterialClass]classResult, len(models.AllMaterialClasses))
	for r := range results {
		byClass[r.class] = r
	}

	result := &models.MTOStatusResult{
		MTONo:       mtoNo,
		Parent:      *parent,
		GeneratedAt: q.now().UTC(),
	}
	if live {
		result.DataSource = models.SourceLive
	} else {
		result.DataSource = models.SourceStore
	}

	warningSet := map[string]bool{}
	for _, class := range models.AllMaterialClasses {
		r := byClass[class]
		if r.err != nil {
			logging.Err("material class query degraded", r.err, map[string]interface{}{
				"mto_no": mtoNo, "class": string(class),
			})
			result.FailedClasses = append(result.FailedClasses, class)
			continue
		}
		result.Rows = append(result.Rows, r.rows...)
		for _, w := range r.warnings {
			if !warningSet[w] {
				warningSet[w] = true
				result.Warnings = append(result.Warnings, w)
			}
		}
	}
	sortRows(result.Rows)
	sort.Strings(result.Warnings)

	// a degraded result is served but not memoized, so the next request
	// retries the failed class instead of seeing the failure for a whole
	// cache lifetime
	if len(result.FailedClasses) == 0 {
		cached := *result
		cached.DataSource = models.SourceCache
		q.cache.Put(mtoNo, &cached)
	}

	return result, nil
}

// lineLoader fetches each document type at most once per query,
// regardless of how many classes share it.
type lineLoader struct {
	fetch func(ctx context.Context, dt models.DocType) ([]models.DocLine, error)

	mu sync.Mutex
	m  map[models.DocType]*docFetch
}

type docFetch struct {
	once  sync.Once
	lines []models.DocLine
	err   error
}

func (q *QueryService) newLineLoader(mtoNo string, live bool) *lineLoader {
	fetch := func(ctx context.Context, dt models.DocType) ([]models.DocLine, error) {
		if !live {
			return q.store.DocLinesByMTO(ctx, dt, mtoNo)
		}
		lines, err := q.source.LinesByMTO(ctx, dt, mtoNo)
		if err != nil {
			return nil, err
		}
		// advisory write-through; the result is served from the fetched
		// lines either way
		if _, err := q.store.UpsertDocLines(ctx, dt, lines); err != nil {
			logging.Err("write-through of live lines failed", err, map[string]interface{}{
				"mto_no": mtoNo, "doc_type": string(dt),
			})
		}
		return lines, nil
	}
	return &lineLoader{fetch: fetch, m: make(map[models.DocType]*docFetch)}
}

func (ld *lineLoader) get(ctx context.Context, dt models.DocType) ([]models.DocLine, error) {
	ld.mu.Lock()
	f, ok := ld.m[dt]
	if !ok {
		f = &docFetch{}
		ld.m[dt] = f
	}
	ld.mu.Unlock()

	f.once.Do(func() {
		f.lines, f.err = ld.fetch(ctx, dt)
	})
	return f.lines, f.err
}

// resolveParent finds the tracking number's top-level item. Store first,
// then the sales order, then the production order; only when all three
// come up empty is the number reported as unknown.
func (q *QueryService) resolveParent(ctx context.Context, loader *lineLoader, mtoNo string, live bool) (*models.ParentItem, error) {
	if !live {
		p, err := q.store.ParentItem(ctx, mtoNo)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}

	for _, dt := range []models.DocType{models.DocTypeSalesOrder, models.DocTypeProductionOrder} {
		lines, err := loader.get(ctx, dt)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve parent from %s: %w", dt, err)
		}
		line, ok := q.pickParentLine(lines)
		if !ok {
			continue
		}
		p := &models.ParentItem{
			MTONo:         mtoNo,
			MaterialCode:  line.MaterialCode,
			MaterialName:  line.MaterialName,
			Specification: line.Specification,
			CustomerName:  line.CustomerName,
			DeliveryDate:  line.DeliveryDate,
			SourceDocType: dt,
			SourceDocNo:   line.DocNo,
		}
		if err := q.store.UpsertParentItem(ctx, *p); err != nil {
			logging.Err("write-through of parent item failed", err, map[string]interface{}{"mto_no": mtoNo})
		}
		return p, nil
	}

	return nil, models.ErrMTONotFound
}

// pickParentLine prefers the line whose material routes to the finished
// good class; a document whose lines all route elsewhere still yields
// its first line rather than no parent at all.
func (q *QueryService) pickParentLine(lines []models.DocLine) (models.DocLine, bool) {
	if len(lines) == 0 {
		return models.DocLine{}, false
	}
	for _, line := range lines {
		rule, err := q.router.Route(line.MaterialCode)
		if err == nil && rule.Class == models.ClassFinishedGood {
			return line, true
		}
	}
	return lines[0], true
}

// classRows assembles the dashboard rows of one material class: one row
// per owning document line, with the variant's receipt, picking and
// delivery totals attached.
func (q *QueryService) classRows(ctx context.Context, loader *lineLoader, mtoNo string, class models.MaterialClass) ([]models.ChildStatusRow, []string, error) {
	binding, ok := routing.BindingFor(class)
	if !ok {
		return nil, nil, fmt.Errorf("no document binding for class %q", class)
	}

	var owners []models.DocLine
	for _, dt := range binding.Owners {
		lines, err := loader.get(ctx, dt)
		if err != nil {
			return nil, nil, fmt.Errorf("owner lines from %s: %w", dt, err)
		}
		owners = append(owners, lines...)
	}

	received, err := q.variantTotals(ctx, loader, binding.ReceiptDoc, realQty)
	if err != nil {
		return nil, nil, fmt.Errorf("receipt totals from %s: %w", binding.ReceiptDoc, err)
	}

	var delivered map[models.VariantKey]decimal.Decimal
	if binding.DeliveryDoc != "" {
		delivered, err = q.variantTotals(ctx, loader, binding.DeliveryDoc, realQty)
		if err != nil {
			return nil, nil, fmt.Errorf("delivery totals from %s: %w", binding.DeliveryDoc, err)
		}
	}

	var mustTotals, picked map[models.VariantKey]decimal.Decimal
	if binding.TracksIssue {
		mustTotals, err = q.variantTotals(ctx, loader, models.DocTypeProductionBOM, mustQty)
		if err != nil {
			return nil, nil, fmt.Errorf("demand totals from %s: %w", models.DocTypeProductionBOM, err)
		}
		picked, err = q.variantTotals(ctx, loader, models.DocTypeMaterialPicking, realQty)
		if err != nil {
			return nil, nil, fmt.Errorf("picking totals from %s: %w", models.DocTypeMaterialPicking, err)
		}
	}

	var rows []models.ChildStatusRow
	var warnings []string
	for _, line := range owners {
		rule, err := q.router.Route(line.MaterialCode)
		if err != nil {
			var classErr *models.ClassificationError
			if errors.As(err, &classErr) {
				warnings = append(warnings, fmt.Sprintf("material %s has no routing rule", line.MaterialCode))
				continue
			}
			return nil, nil, err
		}
		if rule.Class != class {
			// the line belongs to another class's pass
			continue
		}

		variant := line.Variant()
		row := models.ChildStatusRow{
			MaterialCode:  line.MaterialCode,
			MaterialName:  line.MaterialName,
			Specification: line.Specification,
			AuxPropID:     line.AuxPropID,
			Class:         class,
			DocType:       line.DocType,
			DocName:       line.DocType.DisplayName(),
			DocNo:         line.DocNo,
			OrderQty:      line.BillQty,
			ReceivedQty:   received[variant],
			DeliveredQty:  delivered[variant],
		}
		if binding.TracksIssue {
			row.MustQty = mustTotals[variant]
			row.PickedQty = picked[variant]
			row.RemainingQty = row.MustQty.Sub(row.PickedQty)
		} else {
			row.RemainingQty = row.OrderQty.Sub(row.DeliveredQty)
		}
		row.OverConsumed = row.RemainingQty.IsNegative()
		rows = append(rows, row)
	}
	return rows, warnings, nil
}

type qtyPicker func(models.DocLine) decimal.Decimal

func realQty(l models.DocLine) decimal.Decimal { return l.RealQty }
func mustQty(l models.DocLine) decimal.Decimal { return l.MustQty }

// variantTotals sums one quantity across a document type's lines, keyed
// by (material_code, aux_prop_id). The aux attribute is part of the key;
// summing by material code alone would blend variants.
func (q *QueryService) variantTotals(ctx context.Context, loader *lineLoader, dt models.DocType, pick qtyPicker) (map[models.VariantKey]decimal.Decimal, error) {
	lines, err := loader.get(ctx, dt)
	if err != nil {
		return nil, err
	}
	totals := make(map[models.VariantKey]decimal.Decimal, len(lines))
	for _, line := range lines {
		key := line.Variant()
		totals[key] = totals[key].Add(pick(line))
	}
	return totals, nil
}

var classRank = map[models.MaterialClass]int{
	models.ClassFinishedGood: 0,
	models.ClassSelfMade:     1,
	models.ClassPurchased:    2,
}

// sortRows orders rows deterministically so identical data always
// serializes identically, which the cache identity property relies on.
func sortRows(rows []models.ChildStatusRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if classRank[a.Class] != classRank[b.Class] {
			return classRank[a.Class] < classRank[b.Class]
		}
		if a.MaterialCode != b.MaterialCode {
			return a.MaterialCode < b.MaterialCode
		}
		if a.AuxPropID != b.AuxPropID {
			return a.AuxPropID < b.AuxPropID
		}
		if a.DocNo != b.DocNo {
			return a.DocNo < b.DocNo
		}
		return a.DocType < b.DocType
	})
}
