package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jinghong-mfg/mto-status-service/internal/models"
)

// UpsertDocLines writes one document type's lines into its store table.
// The conflict target is the full line key, so re-syncing the same window
// updates quantities in place instead of growing the table.
func (db *Database) UpsertDocLines(ctx context.Context, dt models.DocType, lines []models.DocLine) (int, error) {
	if len(lines) == 0 {
		return 0, nil
	}
	table, err := tableFor(dt)
	if err != nil {
		return 0, err
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
        INSERT INTO %s
            (doc_no, mto_no, material_code, material_name, specification, aux_prop_id, bill_qty, must_qty, real_qty, doc_date, synced_at)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
        ON CONFLICT (doc_no, mto_no, material_code, aux_prop_id) DO UPDATE SET
            material_name = EXCLUDED.material_name,
            specification = EXCLUDED.specification,
            bill_qty = EXCLUDED.bill_qty,
            must_qty = EXCLUDED.must_qty,
            real_qty = EXCLUDED.real_qty,
            doc_date = EXCLUDED.doc_date,
            synced_at = now()
    `, table)

	for _, line := range lines {
		if line.DocType != dt {
			return 0, fmt.Errorf("line %s is %s, expected %s", line.DocNo, line.DocType, dt)
		}
		_, err = tx.Exec(ctx, query,
			line.DocNo,
			line.MTONo,
			line.MaterialCode,
			line.MaterialName,
			line.Specification,
			line.AuxPropID,
			line.BillQty,
			line.MustQty,
			line.RealQty,
			dateParam(line.DocDate),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert %s line %s: %w", dt, line.DocNo, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return len(lines), nil
}

// DocLinesByMTO returns one document type's stored lines for a tracking
// number, ordered deterministically.
func (db *Database) DocLinesByMTO(ctx context.Context, dt models.DocType, mtoNo string) ([]models.DocLine, error) {
	table, err := tableFor(dt)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
        SELECT doc_no, mto_no, material_code, material_name, specification, aux_prop_id, bill_qty, must_qty, real_qty, doc_date
        FROM %s
        WHERE mto_no = $1
        ORDER BY doc_no, material_code, aux_prop_id
    `, table)

	rows, err := db.Pool.Query(ctx, query, mtoNo)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s lines: %w", dt, err)
	}
	defer rows.Close()

	var lines []models.DocLine
	for rows.Next() {
		line := models.DocLine{DocType: dt}
		var docDate *time.Time
		err := rows.Scan(
			&line.DocNo,
			&line.MTONo,
			&line.MaterialCode,
			&line.MaterialName,
			&line.Specification,
			&line.AuxPropID,
			&line.BillQty,
			&line.MustQty,
			&line.RealQty,
			&docDate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s line: %w", dt, err)
		}
		if docDate != nil {
			line.DocDate = *docDate
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s lines: %w", dt, err)
	}
	return lines, nil
}

// HasLinesForMTO reports whether any document type has stored lines for
// the tracking number.
func (db *Database) HasLinesForMTO(ctx context.Context, mtoNo string) (bool, error) {
	for _, dt := range models.AllDocTypes {
		table, err := tableFor(dt)
		if err != nil {
			return false, err
		}
		var exists bool
		query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE mto_no = $1)`, table)
		if err := db.Pool.QueryRow(ctx, query, mtoNo).Scan(&exists); err != nil {
			return false, fmt.Errorf("failed to probe %s: %w", dt, err)
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// dateParam maps a zero time onto NULL.
func dateParam(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
