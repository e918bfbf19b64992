package stock

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind enumerates supported ledger movements.
type Kind string

const (
	// KindReserve places a soft allocation against availability.
	KindReserve Kind = "RESERVE"
	// KindRelease returns a soft allocation to availability.
	KindRelease Kind = "RELEASE"
	// KindDebit removes on-hand stock, consuming reservation first.
	KindDebit Kind = "DEBIT"
	// KindCredit adds on-hand stock.
	KindCredit Kind = "CREDIT"
)

// Balance summarises stock per (product, location) key.
type Balance struct {
	ProductID  int64
	LocationID int64
	OnHand     decimal.Decimal
	Reserved   decimal.Decimal
	UpdatedAt  time.Time
}

// Available is on-hand minus reserved. Negative when a reservation was forced.
func (b Balance) Available() decimal.Decimal {
	return b.OnHand.Sub(b.Reserved)
}

// Movement describes a single ledger mutation.
type Movement struct {
	Kind       Kind
	ProductID  int64
	LocationID int64
	Qty        decimal.Decimal
	// Force applies to RESERVE only: allow reserving past availability
	// (the release-anyway path). Never implied.
	Force     bool
	RefModule string
	RefID     string
	Note      string
}

// Batch groups movements applied atomically: either every movement lands or
// none does.
type Batch struct {
	Movements []Movement
	ActorID   int64
}

// Move is a journal entry recording an applied movement.
type Move struct {
	ID         int64
	Kind       Kind
	ProductID  int64
	LocationID int64
	Qty        decimal.Decimal
	RefModule  string
	RefID      string
	Note       string
	ActorID    int64
	PostedAt   time.Time
}

// MoveFilter filters journal listings.
type MoveFilter struct {
	ProductID  int64
	LocationID int64
	RefModule  string
	From       time.Time
	To         time.Time
	Limit      int
}

// BalanceFilter filters balance listings.
type BalanceFilter struct {
	ProductID  int64
	LocationID int64
	Limit      int
}

// Shortage reports how far a requested quantity exceeds availability.
type Shortage struct {
	ProductID  int64
	LocationID int64
	Requested  decimal.Decimal
	Available  decimal.Decimal
}

// Missing returns the uncovered quantity.
func (s Shortage) Missing() decimal.Decimal {
	missing := s.Requested.Sub(s.Available)
	if missing.Sign() < 0 {
		return decimal.Zero
	}
	return missing
}

// ErrInsufficientStock is the match target for availability failures.
var ErrInsufficientStock = errors.New("insufficient stock")

// InsufficientStockError carries per-key shortage detail so the caller can
// choose to proceed anyway or abort.
type InsufficientStockError struct {
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("product %d at location %d: requested %s, available %s",
			s.ProductID, s.LocationID, s.Requested.String(), s.Available.String()))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

// Unwrap lets errors.Is(err, ErrInsufficientStock) match.
func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }
