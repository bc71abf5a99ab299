package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DocType identifies one of the ERP document types the service synchronizes.
type DocType string

const (
	DocTypeProductionOrder   DocType = "production_order"
	DocTypeProductionBOM     DocType = "production_bom"
	DocTypePurchaseOrder     DocType = "purchase_order"
	DocTypeSubcontractOrder  DocType = "subcontract_order"
	DocTypeProductionReceipt DocType = "production_receipt"
	DocTypePurchaseReceipt   DocType = "purchase_receipt"
	DocTypeSalesOrder        DocType = "sales_order"
	DocTypeSalesDelivery     DocType = "sales_delivery"
	DocTypeMaterialPicking   DocType = "material_picking"
)

// AllDocTypes lists every synchronized document type in sync order.
var AllDocTypes = []DocType{
	DocTypeProductionOrder,
	DocTypeProductionBOM,
	DocTypePurchaseOrder,
	DocTypeSubcontractOrder,
	DocTypeProductionReceipt,
	DocTypePurchaseReceipt,
	DocTypeSalesOrder,
	DocTypeSalesDelivery,
	DocTypeMaterialPicking,
}

// DisplayName returns the ERP-facing document name as shown on the dashboard.
func (t DocType) DisplayName() string {
	switch t {
	case DocTypeProductionOrder:
		return "生产订单"
	case DocTypeProductionBOM:
		return "生产用料清单"
	case DocTypePurchaseOrder:
		return "采购订单"
	case DocTypeSubcontractOrder:
		return "委外订单"
	case DocTypeProductionReceipt:
		return "生产入库单"
	case DocTypePurchaseReceipt:
		return "采购入库单"
	case DocTypeSalesOrder:
		return "销售订单"
	case DocTypeSalesDelivery:
		return "销售出库单"
	case DocTypeMaterialPicking:
		return "生产领料单"
	default:
		return string(t)
	}
}

// MaterialClass is the material classification that decides which document
// type is authoritative for a component.
type MaterialClass string

const (
	ClassFinishedGood MaterialClass = "finished_good"
	ClassSelfMade     MaterialClass = "self_made"
	ClassPurchased    MaterialClass = "purchased"
)

// AllMaterialClasses lists the classes in dashboard display order.
var AllMaterialClasses = []MaterialClass{ClassFinishedGood, ClassSelfMade, ClassPurchased}

// DocLine is one document line as synchronized from the ERP. A line is
// uniquely identified by (doc_no, mto_no, material_code, aux_prop_id);
// two lines from different documents never collapse into one.
type DocLine struct {
	DocType       DocType         `json:"doc_type"`
	DocNo         string          `json:"doc_no"`
	MTONo         string          `json:"mto_no"`
	MaterialCode  string          `json:"material_code"`
	MaterialName  string          `json:"material_name"`
	Specification string          `json:"specification"`
	AuxPropID     string          `json:"aux_prop_id"`
	BillQty       decimal.Decimal `json:"bill_qty"`
	MustQty       decimal.Decimal `json:"must_qty"`
	RealQty       decimal.Decimal `json:"real_qty"`
	DocDate       time.Time       `json:"doc_date"`

	// CustomerName and DeliveryDate are populated on sales order lines
	// only; parent item resolution reads them.
	CustomerName string     `json:"customer_name,omitempty"`
	DeliveryDate *time.Time `json:"delivery_date,omitempty"`
}

// LineKey is the uniqueness key of a DocLine. The document number is part
// of the key on purpose: dropping it would collapse distinct documents for
// the same variant into one row and each sync would overwrite the previous
// document's quantities.
type LineKey struct {
	DocNo        string
	MTONo        string
	MaterialCode string
	AuxPropID    string
}

// Key returns the line's uniqueness key.
func (l DocLine) Key() LineKey {
	return LineKey{DocNo: l.DocNo, MTONo: l.MTONo, MaterialCode: l.MaterialCode, AuxPropID: l.AuxPropID}
}

// VariantKey identifies a material variant. Every grouping of receipt,
// picking or delivery quantities keys on it; grouping by material code
// alone would silently mix variants.
type VariantKey struct {
	MaterialCode string
	AuxPropID    string
}

// Variant returns the line's variant key.
func (l DocLine) Variant() VariantKey {
	return VariantKey{MaterialCode: l.MaterialCode, AuxPropID: l.AuxPropID}
}

// ParentItem is the top-level item of an MTO: the thing the tracking
// number was opened for, with the customer it is promised to.
type ParentItem struct {
	MTONo         string     `json:"mto_no"`
	MaterialCode  string     `json:"material_code"`
	MaterialName  string     `json:"material_name"`
	Specification string     `json:"specification"`
	CustomerName  string     `json:"customer_name"`
	DeliveryDate  *time.Time `json:"delivery_date"`
	SourceDocType DocType    `json:"source_doc_type"`
	SourceDocNo   string     `json:"source_doc_no"`
}

// SyncRunStatus is the lifecycle state of a synchronization pass.
type SyncRunStatus string

const (
	SyncStatusRunning SyncRunStatus = "running"
	SyncStatusSuccess SyncRunStatus = "success"
	SyncStatusError   SyncRunStatus = "error"
)

// SyncRun is one synchronization attempt. It is created when the pass
// starts, mutated only by the orchestrator instance that owns it, and
// immutable once it reaches a terminal status.
type SyncRun struct {
	ID           int64           `json:"id"`
	Status       SyncRunStatus   `json:"status"`
	Trigger      string          `json:"trigger"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at"`
	RangeStart   time.Time       `json:"range_start"`
	RangeEnd     time.Time       `json:"range_end"`
	DaysBack     int             `json:"days_back"`
	ChunkDays    int             `json:"chunk_days"`
	Counts       map[DocType]int `json:"counts"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// DataSource tags where a query result was assembled from.
type DataSource string

const (
	SourceCache DataSource = "cache"
	SourceStore DataSource = "store"
	SourceLive  DataSource = "live"
)

// ChildStatusRow is one dashboard row: a component document line with the
// variant's receipt/picking/delivery totals attached. Rows are never
// merged across documents; two orders for the same variant stay two rows.
type ChildStatusRow struct {
	MaterialCode  string          `json:"material_code"`
	MaterialName  string          `json:"material_name"`
	Specification string          `json:"specification"`
	AuxPropID     string          `json:"aux_prop_id"`
	Class         MaterialClass   `json:"class"`
	DocType       DocType         `json:"doc_type"`
	DocName       string          `json:"doc_name"`
	DocNo         string          `json:"doc_no"`
	OrderQty      decimal.Decimal `json:"order_qty"`
	MustQty       decimal.Decimal `json:"must_qty"`
	PickedQty     decimal.Decimal `json:"picked_qty"`
	ReceivedQty   decimal.Decimal `json:"received_qty"`
	DeliveredQty  decimal.Decimal `json:"delivered_qty"`
	RemainingQty  decimal.Decimal `json:"remaining_qty"`
	OverConsumed  bool            `json:"over_consumed"`
}

// MTOStatusResult is the assembled answer for one tracking number.
type MTOStatusResult struct {
	MTONo         string           `json:"mto_no"`
	Parent        ParentItem       `json:"parent"`
	Rows          []ChildStatusRow `json:"rows"`
	FailedClasses []MaterialClass  `json:"failed_classes,omitempty"`
	Warnings      []string         `json:"warnings,omitempty"`
	DataSource    DataSource       `json:"data_source"`
	GeneratedAt   time.Time        `json:"generated_at"`
}
