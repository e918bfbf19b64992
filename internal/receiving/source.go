package receiving

import "fmt"

// SourceKind discriminates ReceiptSource variants.
type SourceKind string

const (
	// SourcePurchaseOrder reconciles the receipt against a purchase order.
	SourcePurchaseOrder SourceKind = "PURCHASE_ORDER"
	// SourceAssemblyOrder records finished goods from production.
	SourceAssemblyOrder SourceKind = "ASSEMBLY_ORDER"
	// SourceManual has no expected source document.
	SourceManual SourceKind = "MANUAL"
)

// ReceiptSource is a tagged union: exactly one variant is representable
// and the constructors are the only way to build one. Ad hoc nullable
// reference fields are exactly the shape this type exists to prevent.
type ReceiptSource struct {
	kind  SourceKind
	refID int64
}

// FromPurchaseOrder builds a purchase-order-backed source.
func FromPurchaseOrder(poID int64) ReceiptSource {
	return ReceiptSource{kind: SourcePurchaseOrder, refID: poID}
}

// FromAssemblyOrder builds an assembly-order-backed source.
func FromAssemblyOrder(aoID int64) ReceiptSource {
	return ReceiptSource{kind: SourceAssemblyOrder, refID: aoID}
}

// ManualSource builds a source with no backing document.
func ManualSource() ReceiptSource {
	return ReceiptSource{kind: SourceManual}
}

// Kind returns the discriminator for exhaustive switches.
func (s ReceiptSource) Kind() SourceKind {
	if s.kind == "" {
		return SourceManual
	}
	return s.kind
}

// PurchaseOrderID returns the PO reference when the variant matches.
func (s ReceiptSource) PurchaseOrderID() (int64, bool) {
	if s.kind != SourcePurchaseOrder {
		return 0, false
	}
	return s.refID, true
}

// AssemblyOrderID returns the assembly order reference when the variant
// matches.
func (s ReceiptSource) AssemblyOrderID() (int64, bool) {
	if s.kind != SourceAssemblyOrder {
		return 0, false
	}
	return s.refID, true
}

func (s ReceiptSource) String() string {
	switch s.Kind() {
	case SourceManual:
		return "MANUAL"
	default:
		return fmt.Sprintf("%s:%d", s.kind, s.refID)
	}
}

// sourceFromColumns rebuilds the union from its persisted parts.
func sourceFromColumns(kind string, refID int64) ReceiptSource {
	switch SourceKind(kind) {
	case SourcePurchaseOrder:
		return FromPurchaseOrder(refID)
	case SourceAssemblyOrder:
		return FromAssemblyOrder(refID)
	default:
		return ManualSource()
	}
}

// columns flattens the union for persistence.
func (s ReceiptSource) columns() (string, int64) {
	return string(s.Kind()), s.refID
}
