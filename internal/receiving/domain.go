package receiving

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the goods receipt lifecycle state. CONFIRMED and CANCELLED
// are both terminal.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
)

// GoodsReceipt records a physical arrival of stock, reconciled against
// an expected source document when one exists. Version backs the same
// optimistic-concurrency contract as assembly orders.
type GoodsReceipt struct {
	ID     int64
	Number string
	Source ReceiptSource
	// SupplierID is zero for internal and manual receipts.
	SupplierID int64
	LocationID int64
	Status     Status
	Note       string
	Items      []ReceiptItem
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ReceiptItem is one expected or counted product position.
type ReceiptItem struct {
	ID          int64
	ReceiptID   int64
	ProductID   int64
	QtyOrdered  decimal.Decimal
	QtyReceived decimal.Decimal
	UnitPrice   decimal.Decimal
	// SourceLineID links back to the source document line, zero for
	// manual items.
	SourceLineID int64
}

// ListFilter narrows List results.
type ListFilter struct {
	Status     Status
	SupplierID int64
	SourceKind SourceKind
	Limit      int
}
