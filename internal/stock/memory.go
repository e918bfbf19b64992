package stock

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryLedger is an in-process Applier keyed the same way as the SQL
// ledger. Engine tests use it where the real implementation would bind a
// TxLedger to an open transaction.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[balanceKey]Balance
	moves    []Move
	nextID   int64
}

// NewMemoryLedger constructs an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[balanceKey]Balance)}
}

// Seed sets the on-hand quantity for a key, replacing any prior balance.
func (l *MemoryLedger) Seed(productID, locationID int64, onHand decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := balanceKey{productID: productID, locationID: locationID}
	l.balances[k] = Balance{ProductID: productID, LocationID: locationID, OnHand: onHand}
}

// Apply validates and applies the batch atomically: on any error no balance
// changes.
func (l *MemoryLedger) Apply(ctx context.Context, batch Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	staged := make(map[balanceKey]Balance, len(l.balances))
	for k, v := range l.balances {
		staged[k] = v
	}
	updated, err := applyBatch(staged, batch)
	if err != nil {
		return err
	}
	l.balances = updated
	for _, mv := range batch.Movements {
		l.nextID++
		l.moves = append(l.moves, Move{
			ID:         l.nextID,
			Kind:       mv.Kind,
			ProductID:  mv.ProductID,
			LocationID: mv.LocationID,
			Qty:        mv.Qty,
			RefModule:  mv.RefModule,
			RefID:      mv.RefID,
			Note:       mv.Note,
			ActorID:    batch.ActorID,
		})
	}
	return nil
}

// Balance returns the balance for a key, zero when absent.
func (l *MemoryLedger) Balance(productID, locationID int64) Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := balanceKey{productID: productID, locationID: locationID}
	if bal, ok := l.balances[k]; ok {
		return bal
	}
	return Balance{ProductID: productID, LocationID: locationID}
}

// Available returns on-hand minus reserved for a key.
func (l *MemoryLedger) Available(ctx context.Context, productID, locationID int64) (decimal.Decimal, error) {
	return l.Balance(productID, locationID).Available(), nil
}

// Moves returns a copy of the journal.
func (l *MemoryLedger) Moves() []Move {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Move, len(l.moves))
	copy(out, l.moves)
	return out
}

// Snapshot returns a copy of all balances, for before/after comparisons in
// atomicity tests.
func (l *MemoryLedger) Snapshot() map[string]Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Balance, len(l.balances))
	for k, v := range l.balances {
		out[k.String()] = v
	}
	return out
}
