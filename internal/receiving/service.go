package receiving

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fabrica-erp/fabrica/internal/assembly"
	"github.com/fabrica-erp/fabrica/internal/masterdata/locations"
	"github.com/fabrica-erp/fabrica/internal/procurement"
	"github.com/fabrica-erp/fabrica/internal/shared"
	"github.com/fabrica-erp/fabrica/internal/stock"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (GoodsReceipt, error)
	List(ctx context.Context, filter ListFilter) ([]GoodsReceipt, error)
}

// TxRepository exposes transactional operations. Ledger, Orders and
// Assemblies are bound to the same transaction, so the receipt flip, its
// stock credits and the source drawdown commit or roll back as one unit.
type TxRepository interface {
	Insert(ctx context.Context, receipt GoodsReceipt) (int64, error)
	ReplaceItems(ctx context.Context, receiptID int64, items []ReceiptItem) error
	// Update persists status and note guarded on the version the caller
	// read. A stale version surfaces shared.ErrStateConflict.
	Update(ctx context.Context, receipt GoodsReceipt) error
	Ledger() stock.Applier
	Orders() OrdersTx
	Assemblies() AssembliesTx
}

// OrdersTx draws received quantities down on purchase orders inside the
// receipt's transaction.
type OrdersTx interface {
	ApplyReceipt(ctx context.Context, poID int64, received map[int64]decimal.Decimal, allowOver bool) (procurement.PurchaseOrder, error)
}

// AssembliesTx draws received finished goods down on assembly orders
// inside the receipt's transaction.
type AssembliesTx interface {
	ApplyReceipt(ctx context.Context, aoID int64, qty decimal.Decimal, allowOver bool) (assembly.AssemblyOrder, error)
}

// PurchaseOrderPort reads purchase orders outside any transaction.
type PurchaseOrderPort interface {
	Get(ctx context.Context, id int64) (procurement.PurchaseOrder, error)
}

// AssemblyPort reads assembly orders.
type AssemblyPort interface {
	Get(ctx context.Context, id int64) (assembly.AssemblyOrder, error)
}

// LocationPort reads locations for confirm-time validation.
type LocationPort interface {
	Get(ctx context.Context, id int64) (locations.Location, error)
}

// IdempotencyPort guards one-shot confirmation across processes.
// *shared.IdempotencyStore satisfies it.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns the goods receipt lifecycle.
type Service struct {
	repo        RepositoryPort
	orders      PurchaseOrderPort
	assemblies  AssemblyPort
	locations   LocationPort
	idempotency IdempotencyPort
	audit       AuditPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, orders PurchaseOrderPort, assemblies AssemblyPort, locationsPort LocationPort, idem IdempotencyPort, audit AuditPort) *Service {
	return &Service{repo: repo, orders: orders, assemblies: assemblies, locations: locationsPort, idempotency: idem, audit: audit}
}

// CreateFromPurchaseOrder drafts a receipt expecting the open remainder
// of every purchase order line. Fully received lines are skipped.
func (s *Service) CreateFromPurchaseOrder(ctx context.Context, poID int64, locationID int64, actorID int64) (GoodsReceipt, error) {
	po, err := s.orders.Get(ctx, poID)
	if err != nil {
		return GoodsReceipt{}, err
	}
	if po.Status != procurement.StatusApproved {
		return GoodsReceipt{}, fmt.Errorf("%w: purchase order %s is %s, receipts need an approved order",
			shared.ErrStateConflict, po.Number, po.Status)
	}
	items := make([]ReceiptItem, 0, len(po.Lines))
	for _, line := range po.Lines {
		remaining := line.RemainingToReceive()
		if remaining.Sign() <= 0 {
			continue
		}
		items = append(items, ReceiptItem{
			ProductID:    line.ProductID,
			QtyOrdered:   remaining,
			QtyReceived:  decimal.Zero,
			UnitPrice:    line.Price,
			SourceLineID: line.ID,
		})
	}
	if len(items) == 0 {
		return GoodsReceipt{}, shared.Validationf("receiving: purchase order %s has nothing left to receive", po.Number)
	}
	receipt := GoodsReceipt{
		Number:     shared.NewDocumentNumber("GR"),
		Source:     FromPurchaseOrder(poID),
		SupplierID: po.SupplierID,
		LocationID: locationID,
		Status:     StatusDraft,
		Items:      items,
		Version:    1,
	}
	return s.create(ctx, receipt, actorID)
}

// CreateFromAssemblyOrder drafts a receipt for the unproduced remainder
// of an assembly order's finished product.
func (s *Service) CreateFromAssemblyOrder(ctx context.Context, aoID int64, actorID int64) (GoodsReceipt, error) {
	order, err := s.assemblies.Get(ctx, aoID)
	if err != nil {
		return GoodsReceipt{}, err
	}
	remaining := order.Remaining()
	if remaining.Sign() <= 0 {
		return GoodsReceipt{}, shared.Validationf("receiving: assembly order %s has nothing left to receive", order.Number)
	}
	receipt := GoodsReceipt{
		Number:     shared.NewDocumentNumber("GR"),
		Source:     FromAssemblyOrder(aoID),
		LocationID: order.OutputLocationID,
		Status:     StatusDraft,
		Items: []ReceiptItem{{
			ProductID:   order.ProductID,
			QtyOrdered:  remaining,
			QtyReceived: decimal.Zero,
		}},
		Version: 1,
	}
	return s.create(ctx, receipt, actorID)
}

// ManualItemInput describes one counted item on a manual receipt.
type ManualItemInput struct {
	ProductID   int64
	QtyReceived decimal.Decimal
	UnitPrice   decimal.Decimal
}

// CreateManual drafts a receipt with no backing document. The counted
// quantity doubles as the expected one.
func (s *Service) CreateManual(ctx context.Context, items []ManualItemInput, supplierID, locationID, actorID int64) (GoodsReceipt, error) {
	if len(items) == 0 {
		return GoodsReceipt{}, shared.Validationf("receiving: at least one item required")
	}
	receiptItems := make([]ReceiptItem, 0, len(items))
	for _, in := range items {
		if in.ProductID <= 0 {
			return GoodsReceipt{}, shared.Validationf("receiving: item product required")
		}
		if in.QtyReceived.Sign() < 0 {
			return GoodsReceipt{}, shared.Validationf("receiving: item quantity cannot be negative")
		}
		receiptItems = append(receiptItems, ReceiptItem{
			ProductID:   in.ProductID,
			QtyOrdered:  in.QtyReceived,
			QtyReceived: in.QtyReceived,
			UnitPrice:   in.UnitPrice,
		})
	}
	receipt := GoodsReceipt{
		Number:     shared.NewDocumentNumber("GR"),
		Source:     ManualSource(),
		SupplierID: supplierID,
		LocationID: locationID,
		Status:     StatusDraft,
		Items:      receiptItems,
		Version:    1,
	}
	return s.create(ctx, receipt, actorID)
}

// ItemUpdate adjusts the counted quantity of one item.
type ItemUpdate struct {
	ItemID      int64
	QtyReceived decimal.Decimal
}

// UpdateItems adjusts counted quantities on a draft receipt.
func (s *Service) UpdateItems(ctx context.Context, id int64, updates []ItemUpdate, actorID int64) (GoodsReceipt, error) {
	receipt, err := s.repo.Get(ctx, id)
	if err != nil {
		return GoodsReceipt{}, err
	}
	if receipt.Status != StatusDraft {
		return GoodsReceipt{}, fmt.Errorf("%w: receipt %s is %s, items are frozen", shared.ErrStateConflict, receipt.Number, receipt.Status)
	}
	byID := make(map[int64]int, len(receipt.Items))
	for i, item := range receipt.Items {
		byID[item.ID] = i
	}
	for _, update := range updates {
		idx, ok := byID[update.ItemID]
		if !ok {
			return GoodsReceipt{}, shared.Validationf("receiving: item %d does not belong to receipt %s", update.ItemID, receipt.Number)
		}
		if update.QtyReceived.Sign() < 0 {
			return GoodsReceipt{}, shared.Validationf("receiving: item quantity cannot be negative")
		}
		receipt.Items[idx].QtyReceived = update.QtyReceived
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.ReplaceItems(ctx, id, receipt.Items)
	})
	if err != nil {
		return GoodsReceipt{}, err
	}
	s.recordAudit(ctx, "GR_UPDATE_ITEMS", id, actorID, nil)
	return s.repo.Get(ctx, id)
}

// ConfirmOptions modifies Confirm behaviour.
type ConfirmOptions struct {
	// AllowOverReceipt permits counted quantities above the source
	// document's remainder.
	AllowOverReceipt bool
	ActorID          int64
}

// Confirm posts the receipt: one transaction flips DRAFT to CONFIRMED
// (version-guarded), credits stock per item and draws the source
// document down. Zero-quantity items are dropped, not errors. A second
// confirmation fails with shared.ErrAlreadyConfirmed and credits
// nothing.
func (s *Service) Confirm(ctx context.Context, id int64, opts ConfirmOptions) (GoodsReceipt, error) {
	receipt, err := s.repo.Get(ctx, id)
	if err != nil {
		return GoodsReceipt{}, err
	}
	switch receipt.Status {
	case StatusDraft:
	case StatusConfirmed:
		return GoodsReceipt{}, fmt.Errorf("%w: receipt %s", shared.ErrAlreadyConfirmed, receipt.Number)
	default:
		return GoodsReceipt{}, fmt.Errorf("%w: receipt %s is %s", shared.ErrStateConflict, receipt.Number, receipt.Status)
	}
	if receipt.LocationID == 0 {
		return GoodsReceipt{}, shared.Validationf("receiving: receipt %s has no location", receipt.Number)
	}
	location, err := s.locations.Get(ctx, receipt.LocationID)
	if err != nil {
		return GoodsReceipt{}, err
	}
	if !location.IsReceiving && !location.IsManufacturing {
		return GoodsReceipt{}, shared.Validationf("receiving: location %s does not accept receipts", location.Code)
	}

	kept := make([]ReceiptItem, 0, len(receipt.Items))
	for _, item := range receipt.Items {
		if item.QtyReceived.Sign() > 0 {
			kept = append(kept, item)
		}
	}
	if len(kept) == 0 {
		return GoodsReceipt{}, shared.Validationf("receiving: receipt %s has no counted quantity", receipt.Number)
	}

	idemKey := fmt.Sprintf("receiving:confirm:%s", receipt.Number)
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, "receiving"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return GoodsReceipt{}, fmt.Errorf("%w: receipt %s", shared.ErrAlreadyConfirmed, receipt.Number)
			}
			return GoodsReceipt{}, err
		}
	}

	movements := make([]stock.Movement, 0, len(kept))
	for _, item := range kept {
		movements = append(movements, stock.Movement{
			Kind:       stock.KindCredit,
			ProductID:  item.ProductID,
			LocationID: receipt.LocationID,
			Qty:        item.QtyReceived,
			RefModule:  "receiving",
			RefID:      receipt.Number,
			Note:       "goods receipt",
		})
	}

	receipt.Items = kept
	receipt.Status = StatusConfirmed
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.Update(ctx, receipt); err != nil {
			return err
		}
		if err := tx.ReplaceItems(ctx, id, kept); err != nil {
			return err
		}
		if poID, ok := receipt.Source.PurchaseOrderID(); ok {
			received := make(map[int64]decimal.Decimal, len(kept))
			for _, item := range kept {
				if item.SourceLineID != 0 {
					received[item.SourceLineID] = item.QtyReceived
				}
			}
			if len(received) > 0 {
				if _, err := tx.Orders().ApplyReceipt(ctx, poID, received, opts.AllowOverReceipt); err != nil {
					return err
				}
			}
		}
		if aoID, ok := receipt.Source.AssemblyOrderID(); ok {
			total := decimal.Zero
			for _, item := range kept {
				total = total.Add(item.QtyReceived)
			}
			if _, err := tx.Assemblies().ApplyReceipt(ctx, aoID, total, opts.AllowOverReceipt); err != nil {
				return err
			}
		}
		return tx.Ledger().Apply(ctx, stock.Batch{Movements: movements, ActorID: opts.ActorID})
	})
	if err != nil {
		if s.idempotency != nil {
			_ = s.idempotency.Delete(ctx, idemKey)
		}
		return GoodsReceipt{}, err
	}
	s.recordAudit(ctx, "GR_CONFIRM", id, opts.ActorID, map[string]any{"items": len(kept), "allow_over_receipt": opts.AllowOverReceipt})
	return s.repo.Get(ctx, id)
}

// Cancel voids a draft receipt. No stock effect.
func (s *Service) Cancel(ctx context.Context, id int64, actorID int64) (GoodsReceipt, error) {
	receipt, err := s.repo.Get(ctx, id)
	if err != nil {
		return GoodsReceipt{}, err
	}
	if receipt.Status != StatusDraft {
		return GoodsReceipt{}, fmt.Errorf("%w: receipt %s is %s", shared.ErrStateConflict, receipt.Number, receipt.Status)
	}
	receipt.Status = StatusCancelled
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.Update(ctx, receipt)
	})
	if err != nil {
		return GoodsReceipt{}, err
	}
	s.recordAudit(ctx, "GR_CANCEL", id, actorID, nil)
	return s.repo.Get(ctx, id)
}

// Get loads one receipt.
func (s *Service) Get(ctx context.Context, id int64) (GoodsReceipt, error) {
	if id <= 0 {
		return GoodsReceipt{}, shared.Validationf("receiving: invalid id")
	}
	return s.repo.Get(ctx, id)
}

// List returns receipts matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]GoodsReceipt, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) create(ctx context.Context, receipt GoodsReceipt, actorID int64) (GoodsReceipt, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.Insert(ctx, receipt)
		if err != nil {
			return err
		}
		receipt.ID = id
		return nil
	})
	if err != nil {
		return GoodsReceipt{}, err
	}
	kind, ref := receipt.Source.columns()
	s.recordAudit(ctx, "GR_CREATE", receipt.ID, actorID, map[string]any{"number": receipt.Number, "source": kind, "source_ref": ref})
	return s.repo.Get(ctx, receipt.ID)
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID, actorID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "goods_receipt", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}
