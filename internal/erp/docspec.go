package erp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jinghong-mfg/mto-status-service/internal/models"
)

// DocSpec describes how one ERP form maps onto a document line: the
// form id, which field carries the MTO number (the ERP is not uniform
// about this), and the entry fields to project. Quantity fields left
// empty are ones the form does not carry.
type DocSpec struct {
	DocType models.DocType
	FormID  string

	MTOField  string
	DateField string

	BillNoField   string
	MaterialField string
	NameField     string
	SpecField     string
	AuxField      string

	BillQtyField string
	MustQtyField string
	RealQtyField string

	CustomerField     string
	DeliveryDateField string
}

var specs = map[models.DocType]DocSpec{
	models.DocTypeProductionOrder: {
		DocType:           models.DocTypeProductionOrder,
		FormID:            "PRD_MO",
		MTOField:          "FMTONO",
		DateField:         "FDate",
		BillNoField:       "FBillNo",
		MaterialField:     "FMaterialId.FNumber",
		NameField:         "FMaterialId.FName",
		SpecField:         "FMaterialId.FSpecification",
		AuxField:          "FAuxPropId",
		BillQtyField:      "FQty",
		DeliveryDateField: "FPlanFinishDate",
	},
	models.DocTypeProductionBOM: {
		DocType:       models.DocTypeProductionBOM,
		FormID:        "PRD_PPBOM",
		MTOField:      "FMTONO",
		DateField:     "FCreateDate",
		BillNoField:   "FBillNo",
		MaterialField: "FMaterialID2.FNumber",
		NameField:     "FMaterialID2.FName",
		SpecField:     "FMaterialID2.FSpecification",
		AuxField:      "FAuxPropId",
		MustQtyField:  "FMustQty",
		RealQtyField:  "FPickedQty",
	},
	models.DocTypePurchaseOrder: {
		DocType:       models.DocTypePurchaseOrder,
		FormID:        "PUR_PurchaseOrder",
		MTOField:      "FMtoNo",
		DateField:     "FDate",
		BillNoField:   "FBillNo",
		MaterialField: "FMaterialId.FNumber",
		NameField:     "FMaterialId.FName",
		SpecField:     "FMaterialId.FSpecification",
		AuxField:      "FAuxPropId",
		BillQtyField:  "FQty",
	},
	models.DocTypeSubcontractOrder: {
		DocType:       models.DocTypeSubcontractOrder,
		FormID:        "SUB_SUBREQORDER",
		MTOField:      "FMTONO",
		DateField:     "FDate",
		BillNoField:   "FBillNo",
		MaterialField: "FMaterialId.FNumber",
		NameField:     "FMaterialId.FName",
		SpecField:     "FMaterialId.FSpecification",
		AuxField:      "FAuxPropId",
		BillQtyField:  "FQty",
	},
	models.DocTypeProductionReceipt: {
		DocType:       models.DocTypeProductionReceipt,
		FormID:        "PRD_INSTOCK",
		MTOField:      "FMTONO",
		DateField:     "FDate",
		BillNoField:   "FBillNo",
		MaterialField: "FMaterialId.FNumber",
		NameField:     "FMaterialId.FName",
		SpecField:     "FMaterialId.FSpecification",
		AuxField:      "FAuxPropId",
		MustQtyField:  "FMustQty",
		RealQtyField:  "FRealQty",
	},
	models.DocTypePurchaseReceipt: {
		DocType:       models.DocTypePurchaseReceipt,
		FormID:        "STK_InStock",
		MTOField:      "FMtoNo",
		DateField:     "FDate",
		BillNoField:   "FBillNo",
		MaterialField: "FMaterialId.FNumber",
		NameField:     "FMaterialId.FName",
		SpecField:     "FMaterialId.FSpecification",
		AuxField:      "FAuxPropId",
		MustQtyField:  "FMustQty",
		RealQtyField:  "FRealQty",
	},
	models.DocTypeSalesOrder: {
		DocType:           models.DocTypeSalesOrder,
		FormID:            "SAL_SaleOrder",
		MTOField:          "FMtoNo",
		DateField:         "FDate",
		BillNoField:       "FBillNo",
		MaterialField:     "FMaterialId.FNumber",
		NameField:         "FMaterialId.FName",
		SpecField:         "FMaterialId.FSpecification",
		AuxField:          "FAuxPropId",
		BillQtyField:      "FQty",
		CustomerField:     "FCustId.FName",
		DeliveryDateField: "FDeliveryDate",
	},
	models.DocTypeSalesDelivery: {
		DocType:       models.DocTypeSalesDelivery,
		FormID:        "SAL_OUTSTOCK",
		MTOField:      "FMtoNo",
		DateField:     "FDate",
		BillNoField:   "FBillNo",
		MaterialField: "FMaterialId.FNumber",
		NameField:     "FMaterialId.FName",
		SpecField:     "FMaterialId.FSpecification",
		AuxField:      "FAuxPropId",
		MustQtyField:  "FMustQty",
		RealQtyField:  "FRealQty",
	},
	models.DocTypeMaterialPicking: {
		DocType:       models.DocTypeMaterialPicking,
		FormID:        "PRD_PickMtrl",
		MTOField:      "FMTONO",
		DateField:     "FDate",
		BillNoField:   "FBillNo",
		MaterialField: "FMaterialId.FNumber",
		NameField:     "FMaterialId.FName",
		SpecField:     "FMaterialId.FSpecification",
		AuxField:      "FAuxPropId",
		MustQtyField:  "FAppQty",
		RealQtyField:  "FActualQty",
	},
}

// SpecFor returns the document spec for a document type.
func SpecFor(dt models.DocType) (DocSpec, bool) {
	s, ok := specs[dt]
	return s, ok
}

type fieldBinding struct {
	key    string
	assign func(*models.DocLine, any)
}

// bindings returns the form's projected fields in query order. FieldKeys
// and Line both walk this list so the projection and the row layout can
// never drift apart.
func (s DocSpec) bindings() []fieldBinding {
	out := []fieldBinding{
		{s.BillNoField, func(l *models.DocLine, v any) { l.DocNo = asString(v) }},
		{s.MTOField, func(l *models.DocLine, v any) { l.MTONo = asString(v) }},
		{s.MaterialField, func(l *models.DocLine, v any) { l.MaterialCode = asString(v) }},
		{s.NameField, func(l *models.DocLine, v any) { l.MaterialName = asString(v) }},
		{s.SpecField, func(l *models.DocLine, v any) { l.Specification = asString(v) }},
		{s.AuxField, func(l *models.DocLine, v any) { l.AuxPropID = asAuxID(v) }},
		{s.DateField, func(l *models.DocLine, v any) { l.DocDate = asTime(v) }},
	}
	if s.BillQtyField != "" {
		out = append(out, fieldBinding{s.BillQtyField, func(l *models.DocLine, v any) { l.BillQty = asDecimal(v) }})
	}
	if s.MustQtyField != "" {
		out = append(out, fieldBinding{s.MustQtyField, func(l *models.DocLine, v any) { l.MustQty = asDecimal(v) }})
	}
	if s.RealQtyField != "" {
		out = append(out, fieldBinding{s.RealQtyField, func(l *models.DocLine, v any) { l.RealQty = asDecimal(v) }})
	}
	if s.CustomerField != "" {
		out = append(out, fieldBinding{s.CustomerField, func(l *models.DocLine, v any) { l.CustomerName = asString(v) }})
	}
	if s.DeliveryDateField != "" {
		out = append(out, fieldBinding{s.DeliveryDateField, func(l *models.DocLine, v any) {
			if t := asTime(v); !t.IsZero() {
				l.DeliveryDate = &t
			}
		}})
	}
	return out
}

// FieldKeys returns the projection list sent to the ERP gateway.
func (s DocSpec) FieldKeys() []string {
	b := s.bindings()
	keys := make([]string, len(b))
	for i := range b {
		keys[i] = b[i].key
	}
	return keys
}

// Line converts one raw result row into a document line. Short rows are
// tolerated; missing columns leave zero values.
func (s DocSpec) Line(row []any) models.DocLine {
	line := models.DocLine{DocType: s.DocType}
	for i, b := range s.bindings() {
		if i >= len(row) {
			break
		}
		b.assign(&line, row[i])
	}
	return line
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", x))
	}
}

// asAuxID canonicalizes the auxiliary attribute id. The ERP reports "no
// attribute" as 0 or an empty value; both normalize to "".
func asAuxID(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		if x == 0 {
			return ""
		}
		return strconv.FormatInt(int64(x), 10)
	case string:
		s := strings.TrimSpace(x)
		if s == "0" {
			return ""
		}
		return s
	default:
		return ""
	}
}

// asDecimal coerces a JSON cell into a decimal. Unparsable values count
// as zero rather than failing the whole page.
func asDecimal(v any) decimal.Decimal {
	switch x := v.(type) {
	case nil:
		return decimal.Zero
	case float64:
		return decimal.NewFromFloat(x)
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}

var timeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02",
}

func asTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
