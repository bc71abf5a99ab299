package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jinghong-mfg/mto-status-service/internal/models"
)

// UpsertParentItem records the top-level item of a tracking number. A
// sales order sighting always wins over a production order one, so a
// re-resolved parent with a weaker source never downgrades the row.
func (db *Database) UpsertParentItem(ctx context.Context, p models.ParentItem) error {
	query := `
        INSERT INTO mto_parent_items
            (mto_no, material_code, material_name, specification, customer_name, delivery_date, source_doc_type, source_doc_no, synced_at)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7, $8, now())
        ON CONFLICT (mto_no) DO UPDATE SET
            material_code = EXCLUDED.material_code,
            material_name = EXCLUDED.material_name,
            specification = EXCLUDED.specification,
            customer_name = EXCLUDED.customer_name,
            delivery_date = EXCLUDED.delivery_date,
            source_doc_type = EXCLUDED.source_doc_type,
            source_doc_no = EXCLUDED.source_doc_no,
            synced_at = now()
        WHERE mto_parent_items.source_doc_type != $9 OR EXCLUDED.source_doc_type = $9
    `
	var deliveryDate any
	if p.DeliveryDate != nil {
		deliveryDate = *p.DeliveryDate
	}
	_, err := db.Pool.Exec(ctx, query,
		p.MTONo,
		p.MaterialCode,
		p.MaterialName,
		p.Specification,
		p.CustomerName,
		deliveryDate,
		string(p.SourceDocType),
		p.SourceDocNo,
		string(models.DocTypeSalesOrder),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert parent item %s: %w", p.MTONo, err)
	}
	return nil
}

// ParentItem returns the stored parent for a tracking number, or nil
// when the store has never seen it.
func (db *Database) ParentItem(ctx context.Context, mtoNo string) (*models.ParentItem, error) {
	query := `
        SELECT mto_no, material_code, material_name, specification, customer_name, delivery_date, source_doc_type, source_doc_no
        FROM mto_parent_items
        WHERE mto_no = $1
    `
	var p models.ParentItem
	var deliveryDate *time.Time
	var sourceDocType string
	err := db.Pool.QueryRow(ctx, query, mtoNo).Scan(
		&p.MTONo,
		&p.MaterialCode,
		&p.MaterialName,
		&p.Specification,
		&p.CustomerName,
		&deliveryDate,
		&sourceDocType,
		&p.SourceDocNo,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query parent item %s: %w", mtoNo, err)
	}
	p.DeliveryDate = deliveryDate
	p.SourceDocType = models.DocType(sourceDocType)
	return &p, nil
}
