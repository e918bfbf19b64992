package stock

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fabrica-erp/fabrica/internal/shared"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestApplyMovementReserve(t *testing.T) {
	bal := Balance{ProductID: 1, LocationID: 1, OnHand: dec("10")}

	bal, err := applyMovement(bal, Movement{Kind: KindReserve, ProductID: 1, LocationID: 1, Qty: dec("4")})
	require.NoError(t, err)
	require.True(t, bal.Reserved.Equal(dec("4")))
	require.True(t, bal.Available().Equal(dec("6")))

	_, err = applyMovement(bal, Movement{Kind: KindReserve, ProductID: 1, LocationID: 1, Qty: dec("7")})
	require.ErrorIs(t, err, ErrInsufficientStock)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Len(t, insufficient.Shortages, 1)
	require.True(t, insufficient.Shortages[0].Missing().Equal(dec("1")))
}

func TestApplyMovementForcedReserveGoesNegative(t *testing.T) {
	bal := Balance{ProductID: 1, LocationID: 1, OnHand: dec("8")}

	bal, err := applyMovement(bal, Movement{Kind: KindReserve, ProductID: 1, LocationID: 1, Qty: dec("10"), Force: true})
	require.NoError(t, err)
	require.True(t, bal.Available().Equal(dec("-2")))
}

func TestApplyMovementDebitConsumesReservation(t *testing.T) {
	bal := Balance{ProductID: 1, LocationID: 1, OnHand: dec("10"), Reserved: dec("6")}

	bal, err := applyMovement(bal, Movement{Kind: KindDebit, ProductID: 1, LocationID: 1, Qty: dec("4")})
	require.NoError(t, err)
	require.True(t, bal.OnHand.Equal(dec("6")))
	require.True(t, bal.Reserved.Equal(dec("2")))

	// Debit past the reservation eats into free stock but never below zero on hand.
	bal, err = applyMovement(bal, Movement{Kind: KindDebit, ProductID: 1, LocationID: 1, Qty: dec("6")})
	require.NoError(t, err)
	require.True(t, bal.OnHand.IsZero())
	require.True(t, bal.Reserved.IsZero())

	_, err = applyMovement(bal, Movement{Kind: KindDebit, ProductID: 1, LocationID: 1, Qty: dec("0.001")})
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestApplyMovementReleaseGuard(t *testing.T) {
	bal := Balance{ProductID: 1, LocationID: 1, OnHand: dec("10"), Reserved: dec("2")}

	_, err := applyMovement(bal, Movement{Kind: KindRelease, ProductID: 1, LocationID: 1, Qty: dec("3")})
	require.ErrorIs(t, err, shared.ErrInvariant)

	bal, err = applyMovement(bal, Movement{Kind: KindRelease, ProductID: 1, LocationID: 1, Qty: dec("2")})
	require.NoError(t, err)
	require.True(t, bal.Reserved.IsZero())
}

func TestApplyMovementRejectsNonPositiveQty(t *testing.T) {
	bal := Balance{ProductID: 1, LocationID: 1}
	for _, qty := range []string{"0", "-1"} {
		_, err := applyMovement(bal, Movement{Kind: KindCredit, ProductID: 1, LocationID: 1, Qty: dec(qty)})
		require.ErrorIs(t, err, shared.ErrValidation)
	}
}

func TestApplyBatchCollectsAllShortages(t *testing.T) {
	balances := map[balanceKey]Balance{
		{productID: 1, locationID: 1}: {ProductID: 1, LocationID: 1, OnHand: dec("5")},
		{productID: 2, locationID: 1}: {ProductID: 2, LocationID: 1, OnHand: dec("1")},
	}
	_, err := applyBatch(balances, Batch{Movements: []Movement{
		{Kind: KindReserve, ProductID: 1, LocationID: 1, Qty: dec("8")},
		{Kind: KindReserve, ProductID: 2, LocationID: 1, Qty: dec("3")},
	}})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Len(t, insufficient.Shortages, 2)
}

func TestMemoryLedgerAtomicBatch(t *testing.T) {
	ledger := NewMemoryLedger()
	ledger.Seed(1, 1, dec("10"))
	ledger.Seed(2, 1, dec("10"))
	before := ledger.Snapshot()

	// Second movement fails, so the first must not land either.
	err := ledger.Apply(context.Background(), Batch{Movements: []Movement{
		{Kind: KindDebit, ProductID: 1, LocationID: 1, Qty: dec("5")},
		{Kind: KindDebit, ProductID: 2, LocationID: 1, Qty: dec("50")},
	}})
	require.Error(t, err)
	require.Equal(t, before, ledger.Snapshot())
	require.Empty(t, ledger.Moves())
}

func TestSortedKeysDeterministic(t *testing.T) {
	movements := []Movement{
		{Kind: KindCredit, ProductID: 3, LocationID: 1, Qty: dec("1")},
		{Kind: KindCredit, ProductID: 1, LocationID: 2, Qty: dec("1")},
		{Kind: KindCredit, ProductID: 1, LocationID: 1, Qty: dec("1")},
		{Kind: KindCredit, ProductID: 1, LocationID: 2, Qty: dec("1")},
	}
	keys := sortedKeys(movements)
	require.Equal(t, []balanceKey{
		{productID: 1, locationID: 1},
		{productID: 1, locationID: 2},
		{productID: 3, locationID: 1},
	}, keys)
}

func TestInsufficientStockErrorMessage(t *testing.T) {
	err := &InsufficientStockError{Shortages: []Shortage{{ProductID: 7, LocationID: 2, Requested: dec("10"), Available: dec("8")}}}
	require.Contains(t, err.Error(), "product 7")
	require.True(t, errors.Is(err, ErrInsufficientStock))
}
