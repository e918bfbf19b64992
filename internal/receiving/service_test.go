package receiving

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fabrica-erp/fabrica/internal/assembly"
	"github.com/fabrica-erp/fabrica/internal/masterdata/locations"
	"github.com/fabrica-erp/fabrica/internal/procurement"
	"github.com/fabrica-erp/fabrica/internal/shared"
	"github.com/fabrica-erp/fabrica/internal/stock"
)

const (
	widgetA  = int64(1)
	widgetB  = int64(2)
	finished = int64(3)
	dock     = int64(10)
	yard     = int64(12)
)

func qty(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type memoryOrders struct {
	pos map[int64]procurement.PurchaseOrder
}

func (m *memoryOrders) ApplyReceipt(ctx context.Context, poID int64, received map[int64]decimal.Decimal, allowOver bool) (procurement.PurchaseOrder, error) {
	po, ok := m.pos[poID]
	if !ok {
		return procurement.PurchaseOrder{}, shared.ErrNotFound
	}
	updated, err := procurement.ApplyReceipt(po, received, allowOver)
	if err != nil {
		return procurement.PurchaseOrder{}, err
	}
	m.pos[poID] = updated
	return updated, nil
}

func (m *memoryOrders) Get(ctx context.Context, id int64) (procurement.PurchaseOrder, error) {
	po, ok := m.pos[id]
	if !ok {
		return procurement.PurchaseOrder{}, shared.ErrNotFound
	}
	return po, nil
}

type memoryRepo struct {
	receipts   map[int64]GoodsReceipt
	nextID     int64
	nextItemID int64
	ledger     stock.Applier
	orders     *memoryOrders
	assemblies *stubAssemblies
}

func newMemoryRepo(ledger stock.Applier, orders *memoryOrders, assemblies *stubAssemblies) *memoryRepo {
	return &memoryRepo{receipts: make(map[int64]GoodsReceipt), ledger: ledger, orders: orders, assemblies: assemblies}
}

// WithTx emulates rollback by restoring receipt and source document
// snapshots when fn fails. The ledger applies atomically on its own.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	receiptSnap := make(map[int64]GoodsReceipt, len(r.receipts))
	for k, v := range r.receipts {
		v.Items = append([]ReceiptItem(nil), v.Items...)
		receiptSnap[k] = v
	}
	orderSnap := make(map[int64]procurement.PurchaseOrder, len(r.orders.pos))
	for k, v := range r.orders.pos {
		orderSnap[k] = v
	}
	assemblySnap := make(map[int64]assembly.AssemblyOrder, len(r.assemblies.orders))
	for k, v := range r.assemblies.orders {
		assemblySnap[k] = v
	}
	if err := fn(ctx, (*memoryTx)(r)); err != nil {
		r.receipts = receiptSnap
		r.orders.pos = orderSnap
		r.assemblies.orders = assemblySnap
		return err
	}
	return nil
}

func (r *memoryRepo) Get(ctx context.Context, id int64) (GoodsReceipt, error) {
	receipt, ok := r.receipts[id]
	if !ok {
		return GoodsReceipt{}, shared.ErrNotFound
	}
	receipt.Items = append([]ReceiptItem(nil), receipt.Items...)
	return receipt, nil
}

func (r *memoryRepo) List(ctx context.Context, filter ListFilter) ([]GoodsReceipt, error) {
	out := []GoodsReceipt{}
	for _, receipt := range r.receipts {
		if filter.Status != "" && receipt.Status != filter.Status {
			continue
		}
		out = append(out, receipt)
	}
	return out, nil
}

type memoryTx memoryRepo

func (t *memoryTx) Insert(ctx context.Context, receipt GoodsReceipt) (int64, error) {
	t.nextID++
	receipt.ID = t.nextID
	for i := range receipt.Items {
		t.nextItemID++
		receipt.Items[i].ID = t.nextItemID
		receipt.Items[i].ReceiptID = receipt.ID
	}
	t.receipts[receipt.ID] = receipt
	return receipt.ID, nil
}

func (t *memoryTx) ReplaceItems(ctx context.Context, receiptID int64, items []ReceiptItem) error {
	receipt, ok := t.receipts[receiptID]
	if !ok {
		return shared.ErrNotFound
	}
	for i := range items {
		if items[i].ID == 0 {
			t.nextItemID++
			items[i].ID = t.nextItemID
		}
		items[i].ReceiptID = receiptID
	}
	receipt.Items = append([]ReceiptItem(nil), items...)
	t.receipts[receiptID] = receipt
	return nil
}

func (t *memoryTx) Update(ctx context.Context, receipt GoodsReceipt) error {
	stored, ok := t.receipts[receipt.ID]
	if !ok {
		return shared.ErrNotFound
	}
	if stored.Version != receipt.Version {
		return fmt.Errorf("%w: receipt %d changed concurrently", shared.ErrStateConflict, receipt.ID)
	}
	stored.Status = receipt.Status
	stored.Note = receipt.Note
	stored.LocationID = receipt.LocationID
	stored.Version++
	t.receipts[receipt.ID] = stored
	return nil
}

func (t *memoryTx) Ledger() stock.Applier {
	return t.ledger
}

func (t *memoryTx) Orders() OrdersTx {
	return t.orders
}

func (t *memoryTx) Assemblies() AssembliesTx {
	return t.assemblies
}

type failingApplier struct{}

func (failingApplier) Apply(ctx context.Context, batch stock.Batch) error {
	return errors.New("ledger unavailable")
}

type stubAssemblies struct {
	orders map[int64]assembly.AssemblyOrder
}

func (s *stubAssemblies) Get(ctx context.Context, id int64) (assembly.AssemblyOrder, error) {
	order, ok := s.orders[id]
	if !ok {
		return assembly.AssemblyOrder{}, shared.ErrNotFound
	}
	return order, nil
}

func (s *stubAssemblies) ApplyReceipt(ctx context.Context, aoID int64, received decimal.Decimal, allowOver bool) (assembly.AssemblyOrder, error) {
	order, ok := s.orders[aoID]
	if !ok {
		return assembly.AssemblyOrder{}, shared.ErrNotFound
	}
	updated, err := assembly.ApplyReceipt(order, received, allowOver)
	if err != nil {
		return assembly.AssemblyOrder{}, err
	}
	s.orders[aoID] = updated
	return updated, nil
}

type stubLocations struct {
	locs map[int64]locations.Location
}

func (s *stubLocations) Get(ctx context.Context, id int64) (locations.Location, error) {
	loc, ok := s.locs[id]
	if !ok {
		return locations.Location{}, shared.ErrNotFound
	}
	return loc, nil
}

type memoryIdem struct {
	keys map[string]bool
}

func (m *memoryIdem) CheckAndInsert(ctx context.Context, key, module string) error {
	if m.keys[key] {
		return fmt.Errorf("%w: %s", shared.ErrIdempotencyConflict, key)
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdem) Delete(ctx context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

type fixture struct {
	service    *Service
	repo       *memoryRepo
	ledger     *stock.MemoryLedger
	orders     *memoryOrders
	assemblies *stubAssemblies
	idem       *memoryIdem
}

func approvedPO() procurement.PurchaseOrder {
	return procurement.PurchaseOrder{
		ID:         1,
		Number:     "PO-1001",
		SupplierID: 5,
		Status:     procurement.StatusApproved,
		Lines: []procurement.Line{
			{ID: 11, POID: 1, ProductID: widgetA, Qty: qty("100"), QtyReceived: qty("40"), Price: qty("2.50")},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := stock.NewMemoryLedger()
	orders := &memoryOrders{pos: map[int64]procurement.PurchaseOrder{1: approvedPO()}}
	assemblies := &stubAssemblies{orders: map[int64]assembly.AssemblyOrder{
		7: {
			ID:               7,
			Number:           "AO-7",
			ProductID:        finished,
			QtyPlanned:       qty("10"),
			QtyProduced:      qty("4"),
			OutputLocationID: dock,
			Status:           assembly.StatusInProgress,
		},
	}}
	repo := newMemoryRepo(ledger, orders, assemblies)
	idem := &memoryIdem{keys: make(map[string]bool)}
	locs := &stubLocations{locs: map[int64]locations.Location{
		dock: {ID: dock, Code: "DOCK", Name: "Receiving dock", IsReceiving: true, IsActive: true},
		yard: {ID: yard, Code: "YARD", Name: "Back yard", IsActive: true},
	}}
	service := NewService(repo, orders, assemblies, locs, idem, nil)
	return &fixture{service: service, repo: repo, ledger: ledger, orders: orders, assemblies: assemblies, idem: idem}
}

func TestCreateFromPurchaseOrderDefaultsRemaining(t *testing.T) {
	f := newFixture(t)

	receipt, err := f.service.CreateFromPurchaseOrder(context.Background(), 1, dock, 1)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, receipt.Status)
	require.Equal(t, SourcePurchaseOrder, receipt.Source.Kind())
	require.Equal(t, int64(5), receipt.SupplierID)
	require.Len(t, receipt.Items, 1)
	item := receipt.Items[0]
	require.True(t, item.QtyOrdered.Equal(qty("60")), "expected remaining 60, got %s", item.QtyOrdered)
	require.True(t, item.QtyReceived.IsZero())
	require.True(t, item.UnitPrice.Equal(qty("2.50")))
	require.Equal(t, int64(11), item.SourceLineID)
}

func TestCreateFromPurchaseOrderRequiresApproval(t *testing.T) {
	f := newFixture(t)
	po := f.orders.pos[1]
	po.Status = procurement.StatusDraft
	f.orders.pos[1] = po

	_, err := f.service.CreateFromPurchaseOrder(context.Background(), 1, dock, 1)
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestCreateFromFullyReceivedOrderRejected(t *testing.T) {
	f := newFixture(t)
	po := f.orders.pos[1]
	po.Lines[0].QtyReceived = qty("100")
	f.orders.pos[1] = po

	_, err := f.service.CreateFromPurchaseOrder(context.Background(), 1, dock, 1)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestConfirmCreditsStockAndDrawsOrderDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.service.CreateFromPurchaseOrder(ctx, 1, dock, 1)
	require.NoError(t, err)
	receipt, err = f.service.UpdateItems(ctx, receipt.ID, []ItemUpdate{{ItemID: receipt.Items[0].ID, QtyReceived: qty("60")}}, 1)
	require.NoError(t, err)

	receipt, err = f.service.Confirm(ctx, receipt.ID, ConfirmOptions{ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, receipt.Status)

	require.True(t, f.ledger.Balance(widgetA, dock).OnHand.Equal(qty("60")))
	moves := f.ledger.Moves()
	require.Len(t, moves, 1)
	require.Equal(t, stock.KindCredit, moves[0].Kind)
	require.Equal(t, "receiving", moves[0].RefModule)
	require.Equal(t, receipt.Number, moves[0].RefID)

	po := f.orders.pos[1]
	require.True(t, po.Lines[0].RemainingToReceive().IsZero())
	require.Equal(t, procurement.StatusClosed, po.Status)
}

func TestConfirmTwiceIsSingleShot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.service.CreateFromPurchaseOrder(ctx, 1, dock, 1)
	require.NoError(t, err)
	receipt, err = f.service.UpdateItems(ctx, receipt.ID, []ItemUpdate{{ItemID: receipt.Items[0].ID, QtyReceived: qty("60")}}, 1)
	require.NoError(t, err)
	_, err = f.service.Confirm(ctx, receipt.ID, ConfirmOptions{ActorID: 1})
	require.NoError(t, err)

	_, err = f.service.Confirm(ctx, receipt.ID, ConfirmOptions{ActorID: 1})
	require.ErrorIs(t, err, shared.ErrAlreadyConfirmed)
	require.True(t, f.ledger.Balance(widgetA, dock).OnHand.Equal(qty("60")), "second confirm must not credit again")
	require.Len(t, f.ledger.Moves(), 1)
}

func TestConfirmIdempotencyKeyBlocksConcurrentConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.service.CreateFromPurchaseOrder(ctx, 1, dock, 1)
	require.NoError(t, err)
	receipt, err = f.service.UpdateItems(ctx, receipt.ID, []ItemUpdate{{ItemID: receipt.Items[0].ID, QtyReceived: qty("60")}}, 1)
	require.NoError(t, err)

	// Another process holds the key while the receipt still reads DRAFT.
	require.NoError(t, f.idem.CheckAndInsert(ctx, fmt.Sprintf("receiving:confirm:%s", receipt.Number), "receiving"))

	_, err = f.service.Confirm(ctx, receipt.ID, ConfirmOptions{ActorID: 1})
	require.ErrorIs(t, err, shared.ErrAlreadyConfirmed)
	require.Empty(t, f.ledger.Moves())
}

func TestConfirmOverReceiptGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.service.CreateFromPurchaseOrder(ctx, 1, dock, 1)
	require.NoError(t, err)
	receipt, err = f.service.UpdateItems(ctx, receipt.ID, []ItemUpdate{{ItemID: receipt.Items[0].ID, QtyReceived: qty("70")}}, 1)
	require.NoError(t, err)

	_, err = f.service.Confirm(ctx, receipt.ID, ConfirmOptions{ActorID: 1})
	require.ErrorIs(t, err, shared.ErrInvariant)

	after, err := f.service.Get(ctx, receipt.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, after.Status)
	require.True(t, f.ledger.Balance(widgetA, dock).OnHand.IsZero())
	require.True(t, f.orders.pos[1].Lines[0].QtyReceived.Equal(qty("40")))

	// Explicit override lets the overage through and closes the order.
	confirmed, err := f.service.Confirm(ctx, receipt.ID, ConfirmOptions{AllowOverReceipt: true, ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, confirmed.Status)
	require.True(t, f.ledger.Balance(widgetA, dock).OnHand.Equal(qty("70")))
	require.True(t, f.orders.pos[1].Lines[0].QtyReceived.Equal(qty("110")))
	require.Equal(t, procurement.StatusClosed, f.orders.pos[1].Status)
}

func TestConfirmDropsZeroQuantityItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.service.CreateManual(ctx, []ManualItemInput{
		{ProductID: widgetA, QtyReceived: qty("5"), UnitPrice: qty("1")},
		{ProductID: widgetB, QtyReceived: qty("3")},
	}, 5, dock, 1)
	require.NoError(t, err)
	receipt, err = f.service.UpdateItems(ctx, receipt.ID, []ItemUpdate{{ItemID: receipt.Items[1].ID, QtyReceived: qty("0")}}, 1)
	require.NoError(t, err)

	confirmed, err := f.service.Confirm(ctx, receipt.ID, ConfirmOptions{ActorID: 1})
	require.NoError(t, err)
	require.Len(t, confirmed.Items, 1)
	require.Equal(t, widgetA, confirmed.Items[0].ProductID)
	require.True(t, f.ledger.Balance(widgetB, dock).OnHand.IsZero())
}

func TestConfirmNeedsCountedQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.service.CreateFromPurchaseOrder(ctx, 1, dock, 1)
	require.NoError(t, err)

	_, err = f.service.Confirm(ctx, receipt.ID, ConfirmOptions{ActorID: 1})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestConfirmLocationMustAcceptReceipts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.service.CreateManual(ctx, []ManualItemInput{{ProductID: widgetA, QtyReceived: qty("5")}}, 0, yard, 1)
	require.NoError(t, err)

	_, err = f.service.Confirm(ctx, receipt.ID, ConfirmOptions{ActorID: 1})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestConfirmRollsBackWhenLedgerFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.service.CreateFromPurchaseOrder(ctx, 1, dock, 1)
	require.NoError(t, err)
	receipt, err = f.service.UpdateItems(ctx, receipt.ID, []ItemUpdate{{ItemID: receipt.Items[0].ID, QtyReceived: qty("60")}}, 1)
	require.NoError(t, err)

	f.repo.ledger = failingApplier{}
	_, err = f.service.Confirm(ctx, receipt.ID, ConfirmOptions{ActorID: 1})
	require.Error(t, err)

	after, err := f.service.Get(ctx, receipt.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, after.Status)
	require.True(t, f.orders.pos[1].Lines[0].QtyReceived.Equal(qty("40")), "drawdown must roll back with the failed credit")

	// The idempotency key is freed on failure so a retry can land.
	f.repo.ledger = f.ledger
	confirmed, err := f.service.Confirm(ctx, receipt.ID, ConfirmOptions{ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, confirmed.Status)
	require.True(t, f.ledger.Balance(widgetA, dock).OnHand.Equal(qty("60")))
}

func TestCreateFromAssemblyOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.service.CreateFromAssemblyOrder(ctx, 7, 1)
	require.NoError(t, err)
	require.Equal(t, SourceAssemblyOrder, receipt.Source.Kind())
	require.Zero(t, receipt.SupplierID)
	require.Equal(t, dock, receipt.LocationID)
	require.Len(t, receipt.Items, 1)
	require.Equal(t, finished, receipt.Items[0].ProductID)
	require.True(t, receipt.Items[0].QtyOrdered.Equal(qty("6")))
}

func TestCreateFromFinishedAssemblyOrderRejected(t *testing.T) {
	f := newFixture(t)
	order := f.assemblies.orders[7]
	order.QtyProduced = order.QtyPlanned
	f.assemblies.orders[7] = order

	_, err := f.service.CreateFromAssemblyOrder(context.Background(), 7, 1)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestConfirmDrawsAssemblyOrderDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.service.CreateFromAssemblyOrder(ctx, 7, 1)
	require.NoError(t, err)
	receipt, err = f.service.UpdateItems(ctx, receipt.ID, []ItemUpdate{{ItemID: receipt.Items[0].ID, QtyReceived: qty("6")}}, 1)
	require.NoError(t, err)

	confirmed, err := f.service.Confirm(ctx, receipt.ID, ConfirmOptions{ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, confirmed.Status)
	require.True(t, f.ledger.Balance(finished, dock).OnHand.Equal(qty("6")))

	order := f.assemblies.orders[7]
	require.True(t, order.QtyProduced.Equal(qty("10")))
	require.True(t, order.Remaining().IsZero())

	_, err = f.service.CreateFromAssemblyOrder(ctx, 7, 1)
	require.ErrorIs(t, err, shared.ErrValidation, "a drawn-down order has nothing left to receive")
}

func TestConfirmAssemblyOverReceiptGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.service.CreateFromAssemblyOrder(ctx, 7, 1)
	require.NoError(t, err)
	receipt, err = f.service.UpdateItems(ctx, receipt.ID, []ItemUpdate{{ItemID: receipt.Items[0].ID, QtyReceived: qty("60")}}, 1)
	require.NoError(t, err)

	_, err = f.service.Confirm(ctx, receipt.ID, ConfirmOptions{ActorID: 1})
	require.ErrorIs(t, err, shared.ErrInvariant)

	after, err := f.service.Get(ctx, receipt.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, after.Status)
	require.True(t, f.ledger.Balance(finished, dock).OnHand.IsZero(), "a rejected confirm credits nothing")
	require.True(t, f.assemblies.orders[7].QtyProduced.Equal(qty("4")))

	// Explicit override lets the overage through.
	confirmed, err := f.service.Confirm(ctx, receipt.ID, ConfirmOptions{AllowOverReceipt: true, ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, confirmed.Status)
	require.True(t, f.ledger.Balance(finished, dock).OnHand.Equal(qty("60")))
	require.True(t, f.assemblies.orders[7].QtyProduced.Equal(qty("64")))
}

func TestConfirmAssemblyNeedsOpenOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.service.CreateFromAssemblyOrder(ctx, 7, 1)
	require.NoError(t, err)
	receipt, err = f.service.UpdateItems(ctx, receipt.ID, []ItemUpdate{{ItemID: receipt.Items[0].ID, QtyReceived: qty("6")}}, 1)
	require.NoError(t, err)

	order := f.assemblies.orders[7]
	order.Status = assembly.StatusCancelled
	f.assemblies.orders[7] = order

	_, err = f.service.Confirm(ctx, receipt.ID, ConfirmOptions{ActorID: 1})
	require.ErrorIs(t, err, shared.ErrStateConflict)
	require.True(t, f.ledger.Balance(finished, dock).OnHand.IsZero())
}

func TestManualReceiptRejectsNegativeQuantity(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreateManual(context.Background(), []ManualItemInput{{ProductID: widgetA, QtyReceived: qty("-1")}}, 0, dock, 1)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestUpdateItemsDraftOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.service.CreateFromPurchaseOrder(ctx, 1, dock, 1)
	require.NoError(t, err)
	itemID := receipt.Items[0].ID

	_, err = f.service.UpdateItems(ctx, receipt.ID, []ItemUpdate{{ItemID: itemID + 99, QtyReceived: qty("1")}}, 1)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.service.UpdateItems(ctx, receipt.ID, []ItemUpdate{{ItemID: itemID, QtyReceived: qty("60")}}, 1)
	require.NoError(t, err)
	_, err = f.service.Confirm(ctx, receipt.ID, ConfirmOptions{ActorID: 1})
	require.NoError(t, err)

	_, err = f.service.UpdateItems(ctx, receipt.ID, []ItemUpdate{{ItemID: itemID, QtyReceived: qty("10")}}, 1)
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestCancelDraftOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.service.CreateFromPurchaseOrder(ctx, 1, dock, 1)
	require.NoError(t, err)

	cancelled, err := f.service.Cancel(ctx, receipt.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Empty(t, f.ledger.Moves())

	_, err = f.service.Confirm(ctx, receipt.ID, ConfirmOptions{ActorID: 1})
	require.ErrorIs(t, err, shared.ErrStateConflict)
	_, err = f.service.Cancel(ctx, receipt.ID, 1)
	require.ErrorIs(t, err, shared.ErrStateConflict)
}
