package db

import (
	"context"
	"fmt"

	"github.com/jinghong-mfg/mto-status-service/internal/models"
)

// tableForDocType maps each document type onto its store table. Every
// document type keeps its own table so lines from different document
// kinds can never collide on the uniqueness key.
var tableForDocType = map[models.DocType]string{
	models.DocTypeProductionOrder:   "mto_production_orders",
	models.DocTypeProductionBOM:     "mto_production_boms",
	models.DocTypePurchaseOrder:     "mto_purchase_orders",
	models.DocTypeSubcontractOrder:  "mto_subcontract_orders",
	models.DocTypeProductionReceipt: "mto_production_receipts",
	models.DocTypePurchaseReceipt:   "mto_purchase_receipts",
	models.DocTypeSalesOrder:        "mto_sales_orders",
	models.DocTypeSalesDelivery:     "mto_sales_deliveries",
	models.DocTypeMaterialPicking:   "mto_material_pickings",
}

func tableFor(dt models.DocType) (string, error) {
	t, ok := tableForDocType[dt]
	if !ok {
		return "", fmt.Errorf("no store table for document type %q", dt)
	}
	return t, nil
}

const docTableDDL = `CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	doc_no TEXT NOT NULL,
	mto_no TEXT NOT NULL,
	material_code TEXT NOT NULL,
	material_name TEXT NOT NULL DEFAULT '',
	specification TEXT NOT NULL DEFAULT '',
	aux_prop_id TEXT NOT NULL DEFAULT '',
	bill_qty NUMERIC(18,6) NOT NULL DEFAULT 0,
	must_qty NUMERIC(18,6) NOT NULL DEFAULT 0,
	real_qty NUMERIC(18,6) NOT NULL DEFAULT 0,
	doc_date DATE,
	synced_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (doc_no, mto_no, material_code, aux_prop_id)
);`

// InitSchema creates or verifies every store table. Safe to call at
// startup; idempotent.
func InitSchema(ctx context.Context, db *Database) error {
	if db == nil || db.Pool == nil {
		return fmt.Errorf("nil pool")
	}

	var stmts []string
	for _, dt := range models.AllDocTypes {
		table := tableForDocType[dt]
		stmts = append(stmts,
			fmt.Sprintf(docTableDDL, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_mto ON %s(mto_no);`, table, table),
		)
	}

	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS mto_parent_items (
			mto_no TEXT PRIMARY KEY,
			material_code TEXT NOT NULL,
			material_name TEXT NOT NULL DEFAULT '',
			specification TEXT NOT NULL DEFAULT '',
			customer_name TEXT NOT NULL DEFAULT '',
			delivery_date DATE,
			source_doc_type TEXT NOT NULL,
			source_doc_no TEXT NOT NULL DEFAULT '',
			synced_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS mto_sync_runs (
			id BIGSERIAL PRIMARY KEY,
			status TEXT NOT NULL,
			trigger_source TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			finished_at TIMESTAMPTZ,
			range_start DATE,
			range_end DATE,
			days_back INTEGER NOT NULL DEFAULT 0,
			chunk_days INTEGER NOT NULL DEFAULT 0,
			doc_counts JSONB NOT NULL DEFAULT '{}'::jsonb,
			error_message TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_mto_sync_runs_started ON mto_sync_runs(started_at DESC);`,
	)

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, s := range stmts {
		if _, err := tx.Exec(ctx, s); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
