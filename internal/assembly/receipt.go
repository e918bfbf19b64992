package assembly

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fabrica-erp/fabrica/internal/shared"
)

// ApplyReceipt draws a goods receipt for finished output down against the
// order's remaining quantity. Over-receipt is rejected unless allowOver is
// set. Only the produced count moves; completing the order stays an
// explicit command so the remaining reservation is released with BOM
// context.
func ApplyReceipt(order AssemblyOrder, qty decimal.Decimal, allowOver bool) (AssemblyOrder, error) {
	if qty.Sign() <= 0 {
		return AssemblyOrder{}, shared.Validationf("assembly: received quantity must be positive")
	}
	switch order.Status {
	case StatusReleased, StatusInProgress:
	default:
		return AssemblyOrder{}, fmt.Errorf("%w: order %s is %s, receipts need a released or in-progress order",
			shared.ErrStateConflict, order.Number, order.Status)
	}
	if !allowOver && qty.GreaterThan(order.Remaining()) {
		return AssemblyOrder{}, fmt.Errorf("%w: receiving %s would exceed planned quantity, %s remaining on order %s",
			shared.ErrInvariant, qty, order.Remaining(), order.Number)
	}
	order.QtyProduced = order.QtyProduced.Add(qty)
	return order, nil
}
