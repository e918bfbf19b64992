package assembly

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fabrica-erp/fabrica/internal/bom"
	"github.com/fabrica-erp/fabrica/internal/masterdata/locations"
	"github.com/fabrica-erp/fabrica/internal/masterdata/products"
	"github.com/fabrica-erp/fabrica/internal/shared"
	"github.com/fabrica-erp/fabrica/internal/stock"
)

// memoryRepo emulates the transactional repository: order writes roll
// back when the callback fails, mirroring the SQL transaction.
type memoryRepo struct {
	nextID int64
	orders map[int64]AssemblyOrder
	ledger stock.Applier
	// beforeUpdate simulates a concurrent writer between the service's
	// read and its guarded update.
	beforeUpdate func()
}

func newMemoryRepo(ledger stock.Applier) *memoryRepo {
	return &memoryRepo{nextID: 1, orders: map[int64]AssemblyOrder{}, ledger: ledger}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := make(map[int64]AssemblyOrder, len(m.orders))
	for k, v := range m.orders {
		snapshot[k] = v
	}
	if err := fn(ctx, m); err != nil {
		m.orders = snapshot
		return err
	}
	return nil
}

func (m *memoryRepo) Get(_ context.Context, id int64) (AssemblyOrder, error) {
	order, ok := m.orders[id]
	if !ok {
		return AssemblyOrder{}, shared.ErrNotFound
	}
	return order, nil
}

func (m *memoryRepo) List(_ context.Context, filter ListFilter) ([]AssemblyOrder, error) {
	out := []AssemblyOrder{}
	for _, order := range m.orders {
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		out = append(out, order)
	}
	return out, nil
}

func (m *memoryRepo) Insert(_ context.Context, order AssemblyOrder) (int64, error) {
	order.ID = m.nextID
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	m.nextID++
	m.orders[order.ID] = order
	return order.ID, nil
}

func (m *memoryRepo) Update(_ context.Context, order AssemblyOrder) error {
	if m.beforeUpdate != nil {
		m.beforeUpdate()
		m.beforeUpdate = nil
	}
	existing, ok := m.orders[order.ID]
	if !ok {
		return shared.ErrNotFound
	}
	if existing.Version != order.Version {
		return shared.ErrStateConflict
	}
	order.Version++
	order.UpdatedAt = time.Now()
	m.orders[order.ID] = order
	return nil
}

func (m *memoryRepo) Ledger() stock.Applier {
	return m.ledger
}

type failingApplier struct{}

func (f failingApplier) Apply(context.Context, stock.Batch) error {
	return errors.New("injected ledger failure")
}

type stubBoms struct {
	boms map[int64]bom.BillOfMaterials
}

func (s stubBoms) Resolve(_ context.Context, id int64) (bom.BillOfMaterials, error) {
	b, ok := s.boms[id]
	if !ok {
		return bom.BillOfMaterials{}, shared.ErrNotFound
	}
	return b, nil
}

func (s stubBoms) DefaultFor(_ context.Context, productID int64) (bom.BillOfMaterials, error) {
	for _, b := range s.boms {
		if b.ProductID == productID && b.IsDefault {
			return b, nil
		}
	}
	return bom.BillOfMaterials{}, shared.ErrNotFound
}

type stubProducts struct {
	items map[int64]products.Product
}

func (s stubProducts) Get(_ context.Context, id int64) (products.Product, error) {
	p, ok := s.items[id]
	if !ok {
		return products.Product{}, shared.ErrNotFound
	}
	return p, nil
}

type stubLocations struct {
	items map[int64]locations.Location
}

func (s stubLocations) Get(_ context.Context, id int64) (locations.Location, error) {
	l, ok := s.items[id]
	if !ok {
		return locations.Location{}, shared.ErrNotFound
	}
	return l, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

const (
	productP   = int64(1)
	componentA = int64(2)
	componentB = int64(3)
	floorLoc   = int64(10)
	bomPID     = int64(100)
)

// Product P: 2 x A + 1 x B per unit.
func fixture(t *testing.T) (*Service, *memoryRepo, *stock.MemoryLedger) {
	t.Helper()
	ledger := stock.NewMemoryLedger()
	repo := newMemoryRepo(ledger)
	svc := NewService(repo,
		stubBoms{boms: map[int64]bom.BillOfMaterials{
			bomPID: {
				ID: bomPID, ProductID: productP, Version: "v1", IsDefault: true,
				Items: []bom.BomItem{
					{ID: 1, BomID: bomPID, ComponentID: componentA, QuantityPerUnit: dec("2"), Position: 1},
					{ID: 2, BomID: bomPID, ComponentID: componentB, QuantityPerUnit: dec("1"), Position: 2},
				},
			},
		}},
		stubProducts{items: map[int64]products.Product{
			productP:   {ID: productP, SKU: "P", Name: "Widget", IsManufactured: true, QtyPrecision: 3},
			componentA: {ID: componentA, SKU: "A", Name: "Part A", IsPurchasable: true, QtyPrecision: 3},
			componentB: {ID: componentB, SKU: "B", Name: "Part B", IsPurchasable: true, QtyPrecision: 3},
		}},
		stubLocations{items: map[int64]locations.Location{
			floorLoc: {ID: floorLoc, Code: "FLOOR", Name: "Shop floor", IsManufacturing: true, IsActive: true},
		}},
		ledger, nil, nil, nil)
	return svc, repo, ledger
}

func createOrder(t *testing.T, svc *Service, qty string) AssemblyOrder {
	t.Helper()
	order, err := svc.Create(context.Background(), CreateInput{
		ProductID:  productP,
		BomID:      bomPID,
		QtyPlanned: dec(qty),
		LocationID: floorLoc,
		ActorID:    1,
	})
	require.NoError(t, err)
	return order
}

func releasedOrder(t *testing.T, svc *Service, qty string) AssemblyOrder {
	t.Helper()
	order := createOrder(t, svc, qty)
	order, err := svc.Release(context.Background(), order.ID, ReleaseOptions{ActorID: 1})
	require.NoError(t, err)
	order, err = svc.Start(context.Background(), order.ID, 1)
	require.NoError(t, err)
	return order
}

func TestCreateValidatesMasterData(t *testing.T) {
	svc, _, _ := fixture(t)

	_, err := svc.Create(context.Background(), CreateInput{ProductID: componentA, BomID: bomPID, QtyPlanned: dec("1"), LocationID: floorLoc})
	require.ErrorIs(t, err, shared.ErrValidation, "component is not manufactured")

	_, err = svc.Create(context.Background(), CreateInput{ProductID: productP, BomID: bomPID, QtyPlanned: dec("0"), LocationID: floorLoc})
	require.ErrorIs(t, err, shared.ErrValidation)

	order := createOrder(t, svc, "10")
	require.Equal(t, StatusDraft, order.Status)
	require.Equal(t, floorLoc, order.OutputLocationID, "output defaults to the manufacturing location")
	require.Equal(t, PriorityNormal, order.Priority)
	require.EqualValues(t, 1, order.Version)
}

func TestLifecycleHappyPath(t *testing.T) {
	svc, _, ledger := fixture(t)
	ledger.Seed(componentA, floorLoc, dec("25"))
	ledger.Seed(componentB, floorLoc, dec("20"))

	order := createOrder(t, svc, "10")
	order, err := svc.Plan(context.Background(), order.ID, PlanInput{Priority: PriorityHigh, ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, StatusPlanned, order.Status)

	order, err = svc.Release(context.Background(), order.ID, ReleaseOptions{ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, StatusReleased, order.Status)
	require.True(t, ledger.Balance(componentA, floorLoc).Reserved.Equal(dec("20")))
	require.True(t, ledger.Balance(componentB, floorLoc).Reserved.Equal(dec("10")))

	order, err = svc.Start(context.Background(), order.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, order.Status)

	order, err = svc.ReportProduction(context.Background(), order.ID, dec("10"), 1)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, order.Status)
	require.True(t, order.QtyProduced.Equal(dec("10")))

	require.True(t, ledger.Balance(componentA, floorLoc).OnHand.Equal(dec("5")))
	require.True(t, ledger.Balance(componentB, floorLoc).OnHand.Equal(dec("10")))
	require.True(t, ledger.Balance(componentA, floorLoc).Reserved.IsZero())
	require.True(t, ledger.Balance(componentB, floorLoc).Reserved.IsZero())
	require.True(t, ledger.Balance(productP, floorLoc).OnHand.Equal(dec("10")))
}

func TestPartialReportsEquivalentToSingle(t *testing.T) {
	runTo := func(reports []string) (*stock.MemoryLedger, AssemblyOrder) {
		svc, _, ledger := fixture(t)
		ledger.Seed(componentA, floorLoc, dec("25"))
		ledger.Seed(componentB, floorLoc, dec("20"))
		order := releasedOrder(t, svc, "10")
		var err error
		for _, q := range reports {
			order, err = svc.ReportProduction(context.Background(), order.ID, dec(q), 1)
			require.NoError(t, err)
		}
		return ledger, order
	}

	ledgerSplit, orderSplit := runTo([]string{"5", "5"})
	ledgerSingle, orderSingle := runTo([]string{"10"})

	require.Equal(t, StatusCompleted, orderSplit.Status)
	require.Equal(t, StatusCompleted, orderSingle.Status)
	require.True(t, orderSplit.QtyProduced.Equal(orderSingle.QtyProduced))

	for _, key := range []struct{ p, l int64 }{{componentA, floorLoc}, {componentB, floorLoc}, {productP, floorLoc}} {
		split := ledgerSplit.Balance(key.p, key.l)
		single := ledgerSingle.Balance(key.p, key.l)
		require.True(t, split.OnHand.Equal(single.OnHand), "on-hand for product %d", key.p)
		require.True(t, split.Reserved.Equal(single.Reserved), "reserved for product %d", key.p)
	}
}

// Fractional per-unit quantities at coarse precision: a run reported in
// parts must consume and release exactly what a single report would.
func TestPartialReportsRoundingMatchesSingle(t *testing.T) {
	build := func() (*Service, *stock.MemoryLedger) {
		ledger := stock.NewMemoryLedger()
		repo := newMemoryRepo(ledger)
		svc := NewService(repo,
			stubBoms{boms: map[int64]bom.BillOfMaterials{
				bomPID: {
					ID: bomPID, ProductID: productP, Version: "v1", IsDefault: true,
					Items: []bom.BomItem{{ID: 1, BomID: bomPID, ComponentID: componentA, QuantityPerUnit: dec("0.5"), Position: 1}},
				},
			}},
			stubProducts{items: map[int64]products.Product{
				productP:   {ID: productP, SKU: "P", IsManufactured: true, QtyPrecision: 0},
				componentA: {ID: componentA, SKU: "A", IsPurchasable: true, QtyPrecision: 0},
			}},
			stubLocations{items: map[int64]locations.Location{
				floorLoc: {ID: floorLoc, Code: "FLOOR", IsManufacturing: true, IsActive: true},
			}},
			ledger, nil, nil, nil)
		ledger.Seed(componentA, floorLoc, dec("10"))
		return svc, ledger
	}

	run := func(reports []string) (*stock.MemoryLedger, AssemblyOrder) {
		svc, ledger := build()
		order := releasedOrder(t, svc, "10")
		var err error
		for _, q := range reports {
			order, err = svc.ReportProduction(context.Background(), order.ID, dec(q), 1)
			require.NoError(t, err)
		}
		return ledger, order
	}

	ledgerSplit, orderSplit := run([]string{"5", "5"})
	ledgerSingle, orderSingle := run([]string{"10"})

	require.Equal(t, StatusCompleted, orderSplit.Status)
	require.Equal(t, StatusCompleted, orderSingle.Status)

	split := ledgerSplit.Balance(componentA, floorLoc)
	single := ledgerSingle.Balance(componentA, floorLoc)
	require.True(t, split.OnHand.Equal(dec("5")), "split run consumed %s", dec("10").Sub(split.OnHand))
	require.True(t, split.OnHand.Equal(single.OnHand))
	require.True(t, split.Reserved.IsZero(), "completed order keeps no reservation, got %s", split.Reserved)
	require.True(t, single.Reserved.IsZero())
	require.True(t, ledgerSplit.Balance(productP, floorLoc).OnHand.Equal(ledgerSingle.Balance(productP, floorLoc).OnHand))
}

func TestApplyReceiptDrawsRemainderDown(t *testing.T) {
	order := AssemblyOrder{Number: "AO-1", Status: StatusInProgress, QtyPlanned: dec("10"), QtyProduced: dec("4")}

	updated, err := ApplyReceipt(order, dec("6"), false)
	require.NoError(t, err)
	require.True(t, updated.QtyProduced.Equal(dec("10")))
	require.True(t, updated.Remaining().IsZero())
	// input untouched
	require.True(t, order.QtyProduced.Equal(dec("4")))

	_, err = ApplyReceipt(order, dec("7"), false)
	require.ErrorIs(t, err, shared.ErrInvariant)

	over, err := ApplyReceipt(order, dec("7"), true)
	require.NoError(t, err)
	require.True(t, over.QtyProduced.Equal(dec("11")))

	_, err = ApplyReceipt(order, dec("0"), false)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestApplyReceiptNeedsOpenOrder(t *testing.T) {
	for _, status := range []Status{StatusDraft, StatusPlanned, StatusCompleted, StatusCancelled, StatusOnHold} {
		order := AssemblyOrder{Number: "AO-1", Status: status, QtyPlanned: dec("10")}
		_, err := ApplyReceipt(order, dec("1"), false)
		require.ErrorIs(t, err, shared.ErrStateConflict, "status %s", status)
	}
}

func TestReportBeyondRemainingFails(t *testing.T) {
	svc, _, ledger := fixture(t)
	ledger.Seed(componentA, floorLoc, dec("25"))
	ledger.Seed(componentB, floorLoc, dec("20"))
	order := releasedOrder(t, svc, "10")

	_, err := svc.ReportProduction(context.Background(), order.ID, dec("4"), 1)
	require.NoError(t, err)
	_, err = svc.ReportProduction(context.Background(), order.ID, dec("7"), 1)
	require.ErrorIs(t, err, shared.ErrInvariant)

	order, err = svc.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.True(t, order.QtyProduced.Equal(dec("4")))
}

func TestReportProductionAtomicOnLedgerFailure(t *testing.T) {
	svc, repo, ledger := fixture(t)
	ledger.Seed(componentA, floorLoc, dec("25"))
	ledger.Seed(componentB, floorLoc, dec("20"))
	order := releasedOrder(t, svc, "10")

	before := ledger.Snapshot()
	orderBefore, err := svc.Get(context.Background(), order.ID)
	require.NoError(t, err)

	repo.ledger = failingApplier{}
	_, err = svc.ReportProduction(context.Background(), order.ID, dec("5"), 1)
	require.Error(t, err)

	require.Equal(t, before, ledger.Snapshot(), "no stock movement may survive the failure")
	orderAfter, err := svc.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, orderBefore, orderAfter, "order row rolls back with the stock effects")
}

func TestReleaseShortageRejectedWithoutOverride(t *testing.T) {
	svc, _, ledger := fixture(t)
	ledger.Seed(componentA, floorLoc, dec("25"))
	ledger.Seed(componentB, floorLoc, dec("8"))
	order := createOrder(t, svc, "10")

	report, err := svc.CheckAvailability(context.Background(), order.ID)
	require.NoError(t, err)
	require.False(t, report.IsFullyAvailable)
	require.Len(t, report.Items, 2)
	require.True(t, report.Items[0].Required.Equal(dec("20")))
	require.True(t, report.Items[0].Shortage.IsZero())
	require.True(t, report.Items[1].Required.Equal(dec("10")))
	require.True(t, report.Items[1].Shortage.Equal(dec("2")))

	_, err = svc.Release(context.Background(), order.ID, ReleaseOptions{ActorID: 1})
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	var insufficient *stock.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Len(t, insufficient.Shortages, 1)
	require.Equal(t, componentB, insufficient.Shortages[0].ProductID)

	order, err = svc.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, order.Status, "order stays put on rejection")
	require.True(t, ledger.Balance(componentB, floorLoc).Reserved.IsZero())
}

// Spec'd shop-floor walkthrough: release-anyway on a known B shortage,
// then a partial report of 5.
func TestReleaseAnywayScenario(t *testing.T) {
	svc, _, ledger := fixture(t)
	ledger.Seed(componentA, floorLoc, dec("25"))
	ledger.Seed(componentB, floorLoc, dec("8"))
	order := createOrder(t, svc, "10")

	order, err := svc.Release(context.Background(), order.ID, ReleaseOptions{AllowShortage: true, ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, StatusReleased, order.Status)
	require.True(t, ledger.Balance(componentB, floorLoc).Reserved.Equal(dec("10")))
	require.True(t, ledger.Balance(componentB, floorLoc).Available().Equal(dec("-2")), "forced reserve drives availability negative")

	order, err = svc.Start(context.Background(), order.ID, 1)
	require.NoError(t, err)
	order, err = svc.ReportProduction(context.Background(), order.ID, dec("5"), 1)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, order.Status)
	require.True(t, order.QtyProduced.Equal(dec("5")))
	require.True(t, ledger.Balance(componentA, floorLoc).OnHand.Equal(dec("15")))
	require.True(t, ledger.Balance(componentB, floorLoc).OnHand.Equal(dec("3")))
	require.True(t, ledger.Balance(productP, floorLoc).OnHand.Equal(dec("5")))
}

func TestCancelReleasesOutstandingReservation(t *testing.T) {
	svc, _, ledger := fixture(t)
	ledger.Seed(componentA, floorLoc, dec("25"))
	ledger.Seed(componentB, floorLoc, dec("20"))
	order := releasedOrder(t, svc, "10")

	_, err := svc.ReportProduction(context.Background(), order.ID, dec("4"), 1)
	require.NoError(t, err)

	order, err = svc.Cancel(context.Background(), order.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, order.Status)
	require.True(t, ledger.Balance(componentA, floorLoc).Reserved.IsZero())
	require.True(t, ledger.Balance(componentB, floorLoc).Reserved.IsZero())
	// applied production is not reversed
	require.True(t, ledger.Balance(productP, floorLoc).OnHand.Equal(dec("4")))
}

func TestCompleteEarlyReleasesRemainder(t *testing.T) {
	svc, _, ledger := fixture(t)
	ledger.Seed(componentA, floorLoc, dec("25"))
	ledger.Seed(componentB, floorLoc, dec("20"))
	order := releasedOrder(t, svc, "10")

	_, err := svc.ReportProduction(context.Background(), order.ID, dec("6"), 1)
	require.NoError(t, err)

	order, err = svc.Complete(context.Background(), order.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, order.Status)
	require.True(t, order.QtyProduced.Equal(dec("6")))
	require.True(t, ledger.Balance(componentA, floorLoc).Reserved.IsZero())
	require.True(t, ledger.Balance(componentB, floorLoc).Reserved.IsZero())
}

func TestHoldResumeRoundTrip(t *testing.T) {
	svc, _, ledger := fixture(t)
	ledger.Seed(componentA, floorLoc, dec("25"))
	ledger.Seed(componentB, floorLoc, dec("20"))
	order := releasedOrder(t, svc, "10")

	order, err := svc.Hold(context.Background(), order.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusOnHold, order.Status)
	require.Equal(t, StatusInProgress, order.HeldFrom)
	require.True(t, ledger.Balance(componentA, floorLoc).Reserved.Equal(dec("20")), "holding keeps the reservation")

	order, err = svc.Resume(context.Background(), order.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, order.Status)
	require.Equal(t, Status(""), order.HeldFrom)
}

func TestStaleVersionLosesRace(t *testing.T) {
	svc, repo, ledger := fixture(t)
	ledger.Seed(componentA, floorLoc, dec("25"))
	ledger.Seed(componentB, floorLoc, dec("20"))
	order := releasedOrder(t, svc, "10")

	repo.beforeUpdate = func() {
		stored := repo.orders[order.ID]
		stored.Version++
		repo.orders[order.ID] = stored
	}
	_, err := svc.ReportProduction(context.Background(), order.ID, dec("5"), 1)
	require.ErrorIs(t, err, shared.ErrStateConflict)

	snapshot := ledger.Balance(componentA, floorLoc)
	require.True(t, snapshot.OnHand.Equal(dec("25")), "losing the race applies nothing")
}

func TestTransitionTable(t *testing.T) {
	require.True(t, CanTransition(StatusDraft, StatusPlanned))
	require.True(t, CanTransition(StatusDraft, StatusReleased))
	require.True(t, CanTransition(StatusPlanned, StatusOnHold))
	require.False(t, CanTransition(StatusCompleted, StatusCancelled))
	require.False(t, CanTransition(StatusCancelled, StatusDraft))
	require.False(t, CanTransition(StatusDraft, StatusInProgress))
	require.True(t, IsTerminal(StatusCompleted))
	require.True(t, IsTerminal(StatusCancelled))
	require.False(t, IsTerminal(StatusOnHold))
}

func TestAvailabilityCachedUntilInvalidated(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	ledger := stock.NewMemoryLedger()
	repo := newMemoryRepo(ledger)
	svc := NewService(repo,
		stubBoms{boms: map[int64]bom.BillOfMaterials{
			bomPID: {
				ID: bomPID, ProductID: productP, Version: "v1", IsDefault: true,
				Items: []bom.BomItem{{ID: 1, BomID: bomPID, ComponentID: componentA, QuantityPerUnit: dec("2"), Position: 1}},
			},
		}},
		stubProducts{items: map[int64]products.Product{
			productP:   {ID: productP, SKU: "P", IsManufactured: true, QtyPrecision: 3},
			componentA: {ID: componentA, SKU: "A", IsPurchasable: true, QtyPrecision: 3},
		}},
		stubLocations{items: map[int64]locations.Location{
			floorLoc: {ID: floorLoc, Code: "FLOOR", IsManufacturing: true, IsActive: true},
		}},
		ledger, nil, client, nil)

	ledger.Seed(componentA, floorLoc, dec("30"))
	order, err := svc.Create(context.Background(), CreateInput{
		ProductID: productP, BomID: bomPID, QtyPlanned: dec("10"), LocationID: floorLoc,
	})
	require.NoError(t, err)

	first, err := svc.CheckAvailability(context.Background(), order.ID)
	require.NoError(t, err)
	require.True(t, first.IsFullyAvailable)

	// stock drops but the cached report survives until TTL or invalidation
	ledger.Seed(componentA, floorLoc, dec("1"))
	cached, err := svc.CheckAvailability(context.Background(), order.ID)
	require.NoError(t, err)
	require.True(t, cached.IsFullyAvailable, "advisory report may be stale")

	mr.FastForward(availabilityCacheTTL + time.Second)
	fresh, err := svc.CheckAvailability(context.Background(), order.ID)
	require.NoError(t, err)
	require.False(t, fresh.IsFullyAvailable)
}
