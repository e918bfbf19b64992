package procurement

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fabrica-erp/fabrica/internal/shared"
)

// ApplyReceipt draws received quantities down against an approved order.
// received maps line ID to the quantity that arrived. Over-receipt is
// rejected per line unless allowOver is set. When every line is fully
// received the order closes automatically.
func ApplyReceipt(po PurchaseOrder, received map[int64]decimal.Decimal, allowOver bool) (PurchaseOrder, error) {
	if po.Status != StatusApproved {
		return PurchaseOrder{}, fmt.Errorf("%w: purchase order %s is %s, receipts need an approved order",
			shared.ErrStateConflict, po.Number, po.Status)
	}
	po.Lines = append([]Line(nil), po.Lines...)
	byID := make(map[int64]int, len(po.Lines))
	for i, line := range po.Lines {
		byID[line.ID] = i
	}
	for lineID, qty := range received {
		idx, ok := byID[lineID]
		if !ok {
			return PurchaseOrder{}, shared.Validationf("procurement: line %d does not belong to order %s", lineID, po.Number)
		}
		if qty.Sign() <= 0 {
			return PurchaseOrder{}, shared.Validationf("procurement: received quantity must be positive")
		}
		line := po.Lines[idx]
		if !allowOver && qty.GreaterThan(line.RemainingToReceive()) {
			return PurchaseOrder{}, fmt.Errorf("%w: line %d would exceed ordered quantity, %s remaining, %s received",
				shared.ErrInvariant, lineID, line.RemainingToReceive(), qty)
		}
		line.QtyReceived = line.QtyReceived.Add(qty)
		po.Lines[idx] = line
	}
	if po.FullyReceived() {
		po.Status = StatusClosed
	}
	return po, nil
}
