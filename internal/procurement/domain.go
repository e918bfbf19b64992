package procurement

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the purchase order lifecycle state.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusApproved  Status = "APPROVED"
	StatusClosed    Status = "CLOSED"
	StatusCancelled Status = "CANCELLED"
)

// transitions lists the allowed status moves. Closing happens either
// explicitly or automatically when every line is fully received.
var transitions = map[Status][]Status{
	StatusDraft:    {StatusApproved, StatusCancelled},
	StatusApproved: {StatusClosed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PurchaseOrder is the inbound supply document receipts draw down on.
type PurchaseOrder struct {
	ID           int64
	Ref          uuid.UUID
	Number       string
	SupplierID   int64
	Status       Status
	Currency     string
	ExpectedDate time.Time
	Note         string
	Lines        []Line
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Line is one ordered product position.
type Line struct {
	ID          int64
	POID        int64
	ProductID   int64
	Qty         decimal.Decimal
	QtyReceived decimal.Decimal
	Price       decimal.Decimal
	Note        string
}

// RemainingToReceive is the open quantity on the line, never negative.
func (l Line) RemainingToReceive() decimal.Decimal {
	remaining := l.Qty.Sub(l.QtyReceived)
	if remaining.Sign() < 0 {
		return decimal.Zero
	}
	return remaining
}

// FullyReceived reports whether the line has no open quantity left.
func (l Line) FullyReceived() bool {
	return l.RemainingToReceive().IsZero()
}

// FullyReceived reports whether every line on the order is closed out.
func (po PurchaseOrder) FullyReceived() bool {
	for _, line := range po.Lines {
		if !line.FullyReceived() {
			return false
		}
	}
	return len(po.Lines) > 0
}

// AnyReceived reports whether any quantity has arrived against the order.
func (po PurchaseOrder) AnyReceived() bool {
	for _, line := range po.Lines {
		if line.QtyReceived.Sign() > 0 {
			return true
		}
	}
	return false
}
