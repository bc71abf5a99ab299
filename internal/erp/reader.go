package erp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jinghong-mfg/mto-status-service/internal/models"
)

// Reader pulls the lines of one document type out of the ERP, paging
// through results until a short page signals the end.
type Reader struct {
	fetcher  Fetcher
	spec     DocSpec
	pageSize int
}

// NewReader builds a reader for one document spec.
func NewReader(f Fetcher, spec DocSpec, pageSize int) *Reader {
	if pageSize <= 0 {
		pageSize = 2000
	}
	return &Reader{fetcher: f, spec: spec, pageSize: pageSize}
}

// FetchByMTO returns every line of this document type stamped with the
// given tracking number.
func (r *Reader) FetchByMTO(ctx context.Context, mtoNo string) ([]models.DocLine, error) {
	filter := fmt.Sprintf("%s='%s'", r.spec.MTOField, escapeQuotes(mtoNo))
	return r.fetchAll(ctx, filter)
}

// FetchByDateRange returns every tracked line dated in [start, end).
// Lines without a tracking number are filtered out at the source.
func (r *Reader) FetchByDateRange(ctx context.Context, start, end time.Time) ([]models.DocLine, error) {
	filter := fmt.Sprintf("%s>='%s' AND %s<'%s' AND %s<>''",
		r.spec.DateField, start.Format("2006-01-02"),
		r.spec.DateField, end.Format("2006-01-02"),
		r.spec.MTOField)
	return r.fetchAll(ctx, filter)
}

func (r *Reader) fetchAll(ctx context.Context, filter string) ([]models.DocLine, error) {
	keys := r.spec.FieldKeys()
	var lines []models.DocLine
	for startRow := 0; ; startRow += r.pageSize {
		rows, err := r.fetcher.Fetch(ctx, r.spec.FormID, keys, filter, r.pageSize, startRow)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s rows from %d: %w", r.spec.FormID, startRow, err)
		}
		for _, row := range rows {
			line := r.spec.Line(row)
			// a line without a material code or tracking number cannot
			// be keyed in the store
			if line.MaterialCode == "" || line.MTONo == "" {
				continue
			}
			lines = append(lines, line)
		}
		if len(rows) < r.pageSize {
			break
		}
	}
	return lines, nil
}

// ReaderSet holds one reader per document type and is the single entry
// point the sync and query services use to reach the ERP.
type ReaderSet struct {
	readers map[models.DocType]*Reader
}

// NewReaderSet builds readers for all supported document types.
func NewReaderSet(f Fetcher, pageSize int) *ReaderSet {
	rs := &ReaderSet{readers: make(map[models.DocType]*Reader, len(models.AllDocTypes))}
	for _, dt := range models.AllDocTypes {
		spec, ok := SpecFor(dt)
		if !ok {
			continue
		}
		rs.readers[dt] = NewReader(f, spec, pageSize)
	}
	return rs
}

// LinesByMTO fetches one document type's lines for a tracking number.
func (s *ReaderSet) LinesByMTO(ctx context.Context, dt models.DocType, mtoNo string) ([]models.DocLine, error) {
	r, ok := s.readers[dt]
	if !ok {
		return nil, fmt.Errorf("no reader for document type %q", dt)
	}
	return r.FetchByMTO(ctx, mtoNo)
}

// LinesByDateRange fetches one document type's lines dated in [start, end).
func (s *ReaderSet) LinesByDateRange(ctx context.Context, dt models.DocType, start, end time.Time) ([]models.DocLine, error) {
	r, ok := s.readers[dt]
	if !ok {
		return nil, fmt.Errorf("no reader for document type %q", dt)
	}
	return r.FetchByDateRange(ctx, start, end)
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
