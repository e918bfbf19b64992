package products

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a product entity. Identity and SKU are immutable;
// CostPrice is mutated by the pricing collaborator, not by the engines.
type Product struct {
	ID             int64           `json:"id"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	IsManufactured bool            `json:"is_manufactured"`
	IsPurchasable  bool            `json:"is_purchasable"`
	IsSellable     bool            `json:"is_sellable"`
	CostPrice      decimal.Decimal `json:"cost_price"`
	// QtyPrecision is the decimal-place precision of the product's unit of
	// measure; consumption rounding honours it.
	QtyPrecision int32     `json:"qty_precision"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DefaultQtyPrecision applies when a product does not specify one.
const DefaultQtyPrecision int32 = 3
