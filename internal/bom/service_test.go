package bom

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fabrica-erp/fabrica/internal/masterdata/products"
	"github.com/fabrica-erp/fabrica/internal/shared"
)

type memoryRepo struct {
	nextID     int64
	boms       map[int64]BillOfMaterials
	referenced map[int64]bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{nextID: 1, boms: map[int64]BillOfMaterials{}, referenced: map[int64]bool{}}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memoryRepo) Get(_ context.Context, id int64) (BillOfMaterials, error) {
	b, ok := m.boms[id]
	if !ok {
		return BillOfMaterials{}, shared.ErrNotFound
	}
	return b, nil
}

func (m *memoryRepo) ListForProduct(_ context.Context, productID int64) ([]BillOfMaterials, error) {
	out := []BillOfMaterials{}
	for _, b := range m.boms {
		if b.ProductID == productID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memoryRepo) DefaultFor(_ context.Context, productID int64) (BillOfMaterials, error) {
	for _, b := range m.boms {
		if b.ProductID == productID && b.IsDefault {
			return b, nil
		}
	}
	return BillOfMaterials{}, shared.ErrNotFound
}

func (m *memoryRepo) IsReferenced(_ context.Context, bomID int64) (bool, error) {
	return m.referenced[bomID], nil
}

func (m *memoryRepo) Insert(_ context.Context, b BillOfMaterials) (int64, error) {
	for _, existing := range m.boms {
		if existing.ProductID == b.ProductID && existing.Version == b.Version {
			return 0, ErrDuplicateVersion
		}
	}
	b.ID = m.nextID
	b.CreatedAt = time.Now()
	b.UpdatedAt = b.CreatedAt
	m.nextID++
	m.boms[b.ID] = b
	return b.ID, nil
}

func (m *memoryRepo) UpdateInPlace(_ context.Context, b BillOfMaterials) error {
	existing, ok := m.boms[b.ID]
	if !ok {
		return shared.ErrNotFound
	}
	existing.Notes = b.Notes
	existing.Items = b.Items
	existing.UpdatedAt = time.Now()
	m.boms[b.ID] = existing
	return nil
}

func (m *memoryRepo) ClearDefault(_ context.Context, productID int64) error {
	for id, b := range m.boms {
		if b.ProductID == productID && b.IsDefault {
			b.IsDefault = false
			m.boms[id] = b
		}
	}
	return nil
}

func (m *memoryRepo) MarkDefault(_ context.Context, bomID int64) error {
	b, ok := m.boms[bomID]
	if !ok {
		return shared.ErrNotFound
	}
	b.IsDefault = true
	m.boms[bomID] = b
	return nil
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

func fixture() (*Service, *memoryRepo) {
	repo := newMemoryRepo()
	catalog := stubProducts{items: map[int64]products.Product{
		10: {ID: 10, SKU: "CHAIR", Name: "Chair", IsManufactured: true},
		11: {ID: 11, SKU: "LEG", Name: "Leg", IsPurchasable: true},
		12: {ID: 12, SKU: "SEAT", Name: "Seat", IsPurchasable: true},
		20: {ID: 20, SKU: "BOLT", Name: "Bolt", IsPurchasable: true},
	}}
	return NewService(repo, catalog, nil), repo
}

func qty(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCreateRequiresManufacturedProduct(t *testing.T) {
	svc, _ := fixture()
	_, err := svc.Create(context.Background(), CreateInput{
		ProductID: 11,
		Version:   "v1",
		Items:     []ItemInput{{ComponentID: 20, QuantityPerUnit: qty("2")}},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateRejectsSelfComponent(t *testing.T) {
	svc, _ := fixture()
	_, err := svc.Create(context.Background(), CreateInput{
		ProductID: 10,
		Version:   "v1",
		Items:     []ItemInput{{ComponentID: 10, QuantityPerUnit: qty("1")}},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateAssignsPositions(t *testing.T) {
	svc, _ := fixture()
	b, err := svc.Create(context.Background(), CreateInput{
		ProductID: 10,
		Version:   "v1",
		IsDefault: true,
		Items: []ItemInput{
			{ComponentID: 11, QuantityPerUnit: qty("4")},
			{ComponentID: 12, QuantityPerUnit: qty("1")},
		},
	})
	require.NoError(t, err)
	require.Len(t, b.Items, 2)
	require.Equal(t, 1, b.Items[0].Position)
	require.Equal(t, 2, b.Items[1].Position)
	require.True(t, b.IsDefault)
}

func TestDuplicateVersionRejected(t *testing.T) {
	svc, _ := fixture()
	input := CreateInput{
		ProductID: 10,
		Version:   "v1",
		Items:     []ItemInput{{ComponentID: 11, QuantityPerUnit: qty("4")}},
	}
	_, err := svc.Create(context.Background(), input)
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), input)
	require.True(t, errors.Is(err, ErrDuplicateVersion))
}

func TestUpdateWithNewVersionAppends(t *testing.T) {
	svc, repo := fixture()
	b, err := svc.Create(context.Background(), CreateInput{
		ProductID: 10,
		Version:   "v1",
		Items:     []ItemInput{{ComponentID: 11, QuantityPerUnit: qty("4")}},
	})
	require.NoError(t, err)

	updated, err := svc.Update(context.Background(), b.ID, UpdateInput{
		Version: "v2",
		Items:   []ItemInput{{ComponentID: 11, QuantityPerUnit: qty("6")}},
	})
	require.NoError(t, err)
	require.NotEqual(t, b.ID, updated.ID)
	require.Equal(t, "v2", updated.Version)

	// the original version survives untouched
	original, err := svc.Resolve(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, "v1", original.Version)
	require.True(t, original.Items[0].QuantityPerUnit.Equal(qty("4")))
	require.Len(t, repo.boms, 2)
}

func TestUpdateReferencedVersionConflicts(t *testing.T) {
	svc, repo := fixture()
	b, err := svc.Create(context.Background(), CreateInput{
		ProductID: 10,
		Version:   "v1",
		Items:     []ItemInput{{ComponentID: 11, QuantityPerUnit: qty("4")}},
	})
	require.NoError(t, err)
	repo.referenced[b.ID] = true

	_, err = svc.Update(context.Background(), b.ID, UpdateInput{
		Version: "v1",
		Items:   []ItemInput{{ComponentID: 11, QuantityPerUnit: qty("5")}},
	})
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestUpdateUnreferencedVersionInPlace(t *testing.T) {
	svc, _ := fixture()
	b, err := svc.Create(context.Background(), CreateInput{
		ProductID: 10,
		Version:   "v1",
		Items:     []ItemInput{{ComponentID: 11, QuantityPerUnit: qty("4")}},
	})
	require.NoError(t, err)

	updated, err := svc.Update(context.Background(), b.ID, UpdateInput{
		Version: "v1",
		Notes:   "tightened",
		Items:   []ItemInput{{ComponentID: 11, QuantityPerUnit: qty("5")}},
	})
	require.NoError(t, err)
	require.Equal(t, b.ID, updated.ID)
	require.Equal(t, "tightened", updated.Notes)
	require.True(t, updated.Items[0].QuantityPerUnit.Equal(qty("5")))
}

func TestSetDefaultIsExclusive(t *testing.T) {
	svc, _ := fixture()
	first, err := svc.Create(context.Background(), CreateInput{
		ProductID: 10,
		Version:   "v1",
		IsDefault: true,
		Items:     []ItemInput{{ComponentID: 11, QuantityPerUnit: qty("4")}},
	})
	require.NoError(t, err)
	second, err := svc.Create(context.Background(), CreateInput{
		ProductID: 10,
		Version:   "v2",
		Items:     []ItemInput{{ComponentID: 11, QuantityPerUnit: qty("6")}},
	})
	require.NoError(t, err)

	require.NoError(t, svc.SetDefault(context.Background(), second.ID, 1))

	def, err := svc.DefaultFor(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, second.ID, def.ID)

	prev, err := svc.Resolve(context.Background(), first.ID)
	require.NoError(t, err)
	require.False(t, prev.IsDefault)
}
