package assembly

import "github.com/shopspring/decimal"

// Component consumption rounds down and finished output rounds up, so a
// partial report can never debit more components or credit less product
// than the exact proportional amount. This avoids phantom shortages on
// the consumption side at the cost of occasional sub-precision dust.

func floorQty(qty decimal.Decimal, precision int32) decimal.Decimal {
	return qty.RoundFloor(precision)
}

func ceilQty(qty decimal.Decimal, precision int32) decimal.Decimal {
	return qty.RoundCeil(precision)
}
