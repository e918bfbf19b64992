package bom

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fabrica-erp/fabrica/internal/masterdata/products"
	"github.com/fabrica-erp/fabrica/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (BillOfMaterials, error)
	ListForProduct(ctx context.Context, productID int64) ([]BillOfMaterials, error)
	DefaultFor(ctx context.Context, productID int64) (BillOfMaterials, error)
	IsReferenced(ctx context.Context, bomID int64) (bool, error)
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	Insert(ctx context.Context, b BillOfMaterials) (int64, error)
	UpdateInPlace(ctx context.Context, b BillOfMaterials) error
	ClearDefault(ctx context.Context, productID int64) error
	MarkDefault(ctx context.Context, bomID int64) error
}

// ProductPort exposes product lookups needed for validation.
type ProductPort interface {
	Get(ctx context.Context, id int64) (products.Product, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns the BOM catalog.
type Service struct {
	repo     RepositoryPort
	products ProductPort
	audit    AuditPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, products ProductPort, audit AuditPort) *Service {
	return &Service{repo: repo, products: products, audit: audit}
}

// ItemInput describes one component line.
type ItemInput struct {
	ComponentID     int64
	QuantityPerUnit decimal.Decimal
	Notes           string
}

// CreateInput describes a new BOM.
type CreateInput struct {
	ProductID int64
	Version   string
	IsDefault bool
	Notes     string
	Items     []ItemInput
	ActorID   int64
}

// Create inserts a new BOM version for a manufactured product.
func (s *Service) Create(ctx context.Context, input CreateInput) (BillOfMaterials, error) {
	if err := s.validate(ctx, input.ProductID, input.Version, input.Items); err != nil {
		return BillOfMaterials{}, err
	}
	b := BillOfMaterials{
		ProductID: input.ProductID,
		Version:   input.Version,
		IsDefault: input.IsDefault,
		Notes:     input.Notes,
		Items:     buildItems(input.Items),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if b.IsDefault {
			if err := tx.ClearDefault(ctx, b.ProductID); err != nil {
				return err
			}
		}
		id, err := tx.Insert(ctx, b)
		if err != nil {
			return err
		}
		b.ID = id
		return nil
	})
	if err != nil {
		return BillOfMaterials{}, err
	}
	s.recordAudit(ctx, "BOM_CREATE", b.ID, input.ActorID, map[string]any{"product_id": b.ProductID, "version": b.Version})
	return s.repo.Get(ctx, b.ID)
}

// UpdateInput describes an edit to an existing BOM.
type UpdateInput struct {
	Version string
	Notes   string
	Items   []ItemInput
	ActorID int64
}

// Update edits a BOM. A changed version number always creates a new record
// (append-only versioning); an unchanged version updates in place only while
// no non-draft assembly order references the BOM.
func (s *Service) Update(ctx context.Context, id int64, input UpdateInput) (BillOfMaterials, error) {
	existing, err := s.repo.Get(ctx, id)
	if err != nil {
		return BillOfMaterials{}, err
	}
	if err := s.validate(ctx, existing.ProductID, input.Version, input.Items); err != nil {
		return BillOfMaterials{}, err
	}

	if input.Version != existing.Version {
		return s.Create(ctx, CreateInput{
			ProductID: existing.ProductID,
			Version:   input.Version,
			Notes:     input.Notes,
			Items:     input.Items,
			ActorID:   input.ActorID,
		})
	}

	referenced, err := s.repo.IsReferenced(ctx, id)
	if err != nil {
		return BillOfMaterials{}, err
	}
	if referenced {
		return BillOfMaterials{}, fmt.Errorf("%w: bom %d version %s is referenced by an order, bump the version instead",
			shared.ErrStateConflict, id, existing.Version)
	}

	updated := existing
	updated.Notes = input.Notes
	updated.Items = buildItems(input.Items)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateInPlace(ctx, updated)
	})
	if err != nil {
		return BillOfMaterials{}, err
	}
	s.recordAudit(ctx, "BOM_UPDATE", id, input.ActorID, map[string]any{"version": input.Version})
	return s.repo.Get(ctx, id)
}

// SetDefault marks a BOM as its product's default, clearing any prior one.
func (s *Service) SetDefault(ctx context.Context, id int64, actorID int64) error {
	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.ClearDefault(ctx, b.ProductID); err != nil {
			return err
		}
		return tx.MarkDefault(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "BOM_SET_DEFAULT", id, actorID, map[string]any{"product_id": b.ProductID})
	return nil
}

// Resolve returns the component list for a specific BOM version.
func (s *Service) Resolve(ctx context.Context, id int64) (BillOfMaterials, error) {
	return s.repo.Get(ctx, id)
}

// ListForProduct returns all BOM versions of a product.
func (s *Service) ListForProduct(ctx context.Context, productID int64) ([]BillOfMaterials, error) {
	if productID == 0 {
		return nil, shared.Validationf("bom: product required")
	}
	return s.repo.ListForProduct(ctx, productID)
}

// DefaultFor returns the default BOM of a product, shared.ErrNotFound when
// none is marked.
func (s *Service) DefaultFor(ctx context.Context, productID int64) (BillOfMaterials, error) {
	if productID == 0 {
		return BillOfMaterials{}, shared.Validationf("bom: product required")
	}
	return s.repo.DefaultFor(ctx, productID)
}

func (s *Service) validate(ctx context.Context, productID int64, version string, items []ItemInput) error {
	if productID == 0 {
		return shared.Validationf("bom: product required")
	}
	if version == "" {
		return shared.Validationf("bom: version required")
	}
	if len(items) == 0 {
		return shared.Validationf("bom: at least one component required")
	}
	product, err := s.products.Get(ctx, productID)
	if err != nil {
		return err
	}
	if !product.IsManufactured {
		return shared.Validationf("bom: product %s is not manufactured", product.SKU)
	}
	for _, item := range items {
		if item.ComponentID == 0 {
			return shared.Validationf("bom: component required")
		}
		if item.ComponentID == productID {
			return shared.Validationf("bom: product cannot be its own component")
		}
		if item.QuantityPerUnit.Sign() <= 0 {
			return shared.Validationf("bom: component %d quantity must be positive", item.ComponentID)
		}
	}
	return nil
}

func buildItems(inputs []ItemInput) []BomItem {
	items := make([]BomItem, 0, len(inputs))
	for i, in := range inputs {
		items = append(items, BomItem{
			ComponentID:     in.ComponentID,
			QuantityPerUnit: in.QuantityPerUnit,
			Position:        i + 1,
			Notes:           in.Notes,
		})
	}
	return items
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID, actorID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "bom", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}
