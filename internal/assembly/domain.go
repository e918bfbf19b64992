package assembly

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the assembly order lifecycle state.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusPlanned    Status = "PLANNED"
	StatusReleased   Status = "RELEASED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusOnHold     Status = "ON_HOLD"
)

// Priority orders the production queue.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// AssemblyOrder is a planned production run of a finished product against
// one BOM version. Version backs optimistic concurrency: every
// state-changing update is guarded on it, and the loser of a concurrent
// transition gets a state conflict instead of a silent overwrite.
type AssemblyOrder struct {
	ID               int64
	Number           string
	ProductID        int64
	BomID            int64
	QtyPlanned       decimal.Decimal
	QtyProduced      decimal.Decimal
	LocationID       int64
	OutputLocationID int64
	Status           Status
	// HeldFrom remembers the state a hold paused, so Resume can return
	// there. Empty unless Status is ON_HOLD.
	HeldFrom     Status
	Priority     Priority
	PlannedStart *time.Time
	PlannedEnd   *time.Time
	Note         string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining is the quantity still to produce.
func (o AssemblyOrder) Remaining() decimal.Decimal {
	return o.QtyPlanned.Sub(o.QtyProduced)
}

// ListFilter narrows List results.
type ListFilter struct {
	ProductID int64
	Status    Status
	Priority  Priority
	Limit     int
}
