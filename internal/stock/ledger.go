package stock

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/fabrica-erp/fabrica/internal/shared"
)

type balanceKey struct {
	productID  int64
	locationID int64
}

func (k balanceKey) String() string {
	return fmt.Sprintf("%d:%d", k.productID, k.locationID)
}

func keyOf(mv Movement) balanceKey {
	return balanceKey{productID: mv.ProductID, locationID: mv.LocationID}
}

// sortedKeys returns the distinct (product, location) keys of a batch in
// deterministic order. Row locks are always taken in this order so two
// overlapping batches cannot deadlock.
func sortedKeys(movements []Movement) []balanceKey {
	seen := make(map[balanceKey]struct{}, len(movements))
	keys := make([]balanceKey, 0, len(movements))
	for _, mv := range movements {
		k := keyOf(mv)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].productID != keys[j].productID {
			return keys[i].productID < keys[j].productID
		}
		return keys[i].locationID < keys[j].locationID
	})
	return keys
}

// applyMovement computes the balance after a movement. Pure: no clamping, no
// side effects. Shortage failures return *InsufficientStockError so callers
// can surface the detail.
func applyMovement(bal Balance, mv Movement) (Balance, error) {
	if mv.Qty.Sign() <= 0 {
		return bal, shared.Validationf("stock: %s quantity must be positive, got %s", mv.Kind, mv.Qty.String())
	}
	switch mv.Kind {
	case KindReserve:
		if !mv.Force && mv.Qty.GreaterThan(bal.Available()) {
			return bal, &InsufficientStockError{Shortages: []Shortage{{
				ProductID:  mv.ProductID,
				LocationID: mv.LocationID,
				Requested:  mv.Qty,
				Available:  bal.Available(),
			}}}
		}
		bal.Reserved = bal.Reserved.Add(mv.Qty)
	case KindRelease:
		if mv.Qty.GreaterThan(bal.Reserved) {
			return bal, shared.Invariantf("stock: release %s exceeds reserved %s for product %d at location %d",
				mv.Qty.String(), bal.Reserved.String(), mv.ProductID, mv.LocationID)
		}
		bal.Reserved = bal.Reserved.Sub(mv.Qty)
	case KindDebit:
		if mv.Qty.GreaterThan(bal.OnHand) {
			return bal, &InsufficientStockError{Shortages: []Shortage{{
				ProductID:  mv.ProductID,
				LocationID: mv.LocationID,
				Requested:  mv.Qty,
				Available:  bal.OnHand,
			}}}
		}
		bal.OnHand = bal.OnHand.Sub(mv.Qty)
		bal.Reserved = bal.Reserved.Sub(decimal.Min(bal.Reserved, mv.Qty))
	case KindCredit:
		bal.OnHand = bal.OnHand.Add(mv.Qty)
	default:
		return bal, shared.Validationf("stock: unknown movement kind %q", mv.Kind)
	}
	return bal, nil
}

// applyBatch folds a batch over the given balances. Shortages across the
// whole batch are collected into one error so release callers see the full
// report, not just the first failing component.
func applyBatch(balances map[balanceKey]Balance, batch Batch) (map[balanceKey]Balance, error) {
	var shortages []Shortage
	for _, mv := range batch.Movements {
		k := keyOf(mv)
		bal, ok := balances[k]
		if !ok {
			bal = Balance{ProductID: k.productID, LocationID: k.locationID}
		}
		next, err := applyMovement(bal, mv)
		if err != nil {
			var insufficient *InsufficientStockError
			if errors.As(err, &insufficient) {
				shortages = append(shortages, insufficient.Shortages...)
				continue
			}
			return nil, err
		}
		balances[k] = next
	}
	if len(shortages) > 0 {
		return nil, &InsufficientStockError{Shortages: shortages}
	}
	return balances, nil
}
