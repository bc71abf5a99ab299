// Package routing maps material codes to the document types that are
// authoritative for them. Classification is by longest matching code
// prefix; an unmatched code is a classification error, never a default,
// because a misclassified material would be queried against the wrong
// document type.
package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jinghong-mfg/mto-status-service/internal/models"
)

// Rule is the outcome of routing one material code.
type Rule struct {
	Prefix string
	Class  models.MaterialClass
}

// DocBinding pins which document types serve a material class: the owning
// order document(s) that carry demand, the receipt document that carries
// stock-in quantities, the delivery document if the class is shipped to a
// customer, and whether issue (must/picked) quantities apply.
type DocBinding struct {
	Class       models.MaterialClass
	Owners      []models.DocType
	ReceiptDoc  models.DocType
	DeliveryDoc models.DocType
	TracksIssue bool
}

// bindings is resolved once at package init; the same semantic concept
// lives in different documents per class, and this table is the single
// place that records which.
var bindings = map[models.MaterialClass]DocBinding{
	models.ClassFinishedGood: {
		Class:       models.ClassFinishedGood,
		Owners:      []models.DocType{models.DocTypeSalesOrder},
		ReceiptDoc:  models.DocTypeProductionReceipt,
		DeliveryDoc: models.DocTypeSalesDelivery,
	},
	models.ClassSelfMade: {
		Class:       models.ClassSelfMade,
		Owners:      []models.DocType{models.DocTypeProductionOrder},
		ReceiptDoc:  models.DocTypeProductionReceipt,
		TracksIssue: true,
	},
	models.ClassPurchased: {
		Class:       models.ClassPurchased,
		Owners:      []models.DocType{models.DocTypePurchaseOrder, models.DocTypeSubcontractOrder},
		ReceiptDoc:  models.DocTypePurchaseReceipt,
		TracksIssue: true,
	},
}

// BindingFor returns the document binding for a material class.
func BindingFor(class models.MaterialClass) (DocBinding, bool) {
	b, ok := bindings[class]
	return b, ok
}

// Table routes material codes by longest matching prefix.
type Table struct {
	// prefixes sorted longest-first so the first match wins the
	// longest-match contract.
	rules []Rule
}

// defaultRules mirrors the material numbering plan: 01 finished goods,
// 02/03/04 purchased, 05 self-made assemblies and parts.
const defaultRules = "01=finished_good;02,03,04=purchased;05=self_made"

// NewTable parses a rule specification of the form
// "01=finished_good;02,03,04=purchased;05=self_made". An empty spec
// yields the default table.
func NewTable(spec string) (*Table, error) {
	if strings.TrimSpace(spec) == "" {
		spec = defaultRules
	}

	var rules []Rule
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid routing rule %q: want prefix=class", part)
		}
		class := models.MaterialClass(strings.TrimSpace(kv[1]))
		if _, ok := bindings[class]; !ok {
			return nil, fmt.Errorf("invalid routing rule %q: unknown material class %q", part, kv[1])
		}
		for _, prefix := range strings.Split(kv[0], ",") {
			prefix = strings.TrimSpace(prefix)
			if prefix == "" {
				return nil, fmt.Errorf("invalid routing rule %q: empty prefix", part)
			}
			rules = append(rules, Rule{Prefix: prefix, Class: class})
		}
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("routing spec %q contains no rules", spec)
	}

	// Longest prefix first; ties keep spec order stable.
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].Prefix) > len(rules[j].Prefix)
	})

	return &Table{rules: rules}, nil
}

// MustDefault returns the built-in table; the default spec always parses.
func MustDefault() *Table {
	t, err := NewTable("")
	if err != nil {
		panic(err)
	}
	return t
}

// Route classifies a material code. The error wraps
// models.ErrUnroutedMaterial so callers can errors.Is on it.
func (t *Table) Route(materialCode string) (Rule, error) {
	code := strings.TrimSpace(materialCode)
	if code == "" {
		return Rule{}, &models.ClassificationError{MaterialCode: materialCode}
	}
	for _, r := range t.rules {
		if strings.HasPrefix(code, r.Prefix) {
			return r, nil
		}
	}
	return Rule{}, &models.ClassificationError{MaterialCode: materialCode}
}

// Binding routes a material code and resolves its document binding in one
// step.
func (t *Table) Binding(materialCode string) (DocBinding, error) {
	rule, err := t.Route(materialCode)
	if err != nil {
		return DocBinding{}, err
	}
	b, ok := bindings[rule.Class]
	if !ok {
		return DocBinding{}, fmt.Errorf("no document binding for class %q", rule.Class)
	}
	return b, nil
}
