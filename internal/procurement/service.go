package procurement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fabrica-erp/fabrica/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (PurchaseOrder, error)
	List(ctx context.Context, filter ListFilter) ([]PurchaseOrder, error)
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	Insert(ctx context.Context, po PurchaseOrder) (int64, error)
	ReplaceLines(ctx context.Context, poID int64, lines []Line) error
	UpdateStatus(ctx context.Context, poID int64, from, to Status) error
	UpdateHeader(ctx context.Context, po PurchaseOrder) error
}

// ApprovalPort records approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ListFilter narrows List results.
type ListFilter struct {
	SupplierID int64
	Status     Status
	Limit      int
}

// Service owns the purchase order lifecycle.
type Service struct {
	repo      RepositoryPort
	approvals ApprovalPort
	audit     AuditPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, approvals ApprovalPort, audit AuditPort) *Service {
	return &Service{repo: repo, approvals: approvals, audit: audit}
}

// LineInput describes one ordered position.
type LineInput struct {
	ProductID int64
	Qty       decimal.Decimal
	Price     decimal.Decimal
	Note      string
}

// DefaultCurrency is used when a purchase order does not name one.
const DefaultCurrency = "USD"

// CreateInput describes a new purchase order.
type CreateInput struct {
	Number       string
	SupplierID   int64
	Currency     string
	ExpectedDate time.Time
	Note         string
	Lines        []LineInput
	ActorID      int64
}

// Create inserts a draft purchase order.
func (s *Service) Create(ctx context.Context, input CreateInput) (PurchaseOrder, error) {
	if input.SupplierID <= 0 {
		return PurchaseOrder{}, shared.Validationf("procurement: supplier required")
	}
	lines, err := buildLines(input.Lines)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if input.Number == "" {
		input.Number = shared.NewDocumentNumber("PO")
	}
	if input.Currency == "" {
		input.Currency = DefaultCurrency
	}
	if len(input.Currency) != 3 {
		return PurchaseOrder{}, shared.Validationf("procurement: currency must be a 3-letter code")
	}
	po := PurchaseOrder{
		Ref:          uuid.New(),
		Number:       input.Number,
		SupplierID:   input.SupplierID,
		Status:       StatusDraft,
		Currency:     input.Currency,
		ExpectedDate: input.ExpectedDate,
		Note:         input.Note,
		Lines:        lines,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.Insert(ctx, po)
		if err != nil {
			return err
		}
		po.ID = id
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, "PO_CREATE", po.ID, input.ActorID, map[string]any{"number": po.Number, "supplier_id": po.SupplierID})
	return s.repo.Get(ctx, po.ID)
}

// UpdateLines replaces the line set of a draft order.
func (s *Service) UpdateLines(ctx context.Context, id int64, inputs []LineInput, actorID int64) (PurchaseOrder, error) {
	po, err := s.repo.Get(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if po.Status != StatusDraft {
		return PurchaseOrder{}, fmt.Errorf("%w: purchase order %s is %s, lines are frozen", shared.ErrStateConflict, po.Number, po.Status)
	}
	lines, err := buildLines(inputs)
	if err != nil {
		return PurchaseOrder{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.ReplaceLines(ctx, id, lines)
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, "PO_UPDATE_LINES", id, actorID, map[string]any{"lines": len(lines)})
	return s.repo.Get(ctx, id)
}

// Approve moves a draft order to APPROVED and records the approval.
func (s *Service) Approve(ctx context.Context, id int64, actorID int64, note string) (PurchaseOrder, error) {
	po, err := s.repo.Get(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if !CanTransition(po.Status, StatusApproved) {
		return PurchaseOrder{}, fmt.Errorf("%w: cannot approve purchase order in %s", shared.ErrStateConflict, po.Status)
	}
	if len(po.Lines) == 0 {
		return PurchaseOrder{}, shared.Validationf("procurement: purchase order %s has no lines", po.Number)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateStatus(ctx, id, StatusDraft, StatusApproved)
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	if s.approvals != nil {
		_ = s.approvals.Record(ctx, shared.ApprovalLog{
			Module:  "procurement",
			RefID:   po.Ref,
			ActorID: actorID,
			Action:  shared.ApprovalApprove,
			Note:    note,
		})
	}
	s.recordAudit(ctx, "PO_APPROVE", id, actorID, nil)
	return s.repo.Get(ctx, id)
}

// Cancel voids an order that has not received any goods yet.
func (s *Service) Cancel(ctx context.Context, id int64, actorID int64) (PurchaseOrder, error) {
	po, err := s.repo.Get(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if !CanTransition(po.Status, StatusCancelled) {
		return PurchaseOrder{}, fmt.Errorf("%w: cannot cancel purchase order in %s", shared.ErrStateConflict, po.Status)
	}
	if po.AnyReceived() {
		return PurchaseOrder{}, fmt.Errorf("%w: purchase order %s has received goods, close it instead", shared.ErrStateConflict, po.Number)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateStatus(ctx, id, po.Status, StatusCancelled)
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, "PO_CANCEL", id, actorID, nil)
	return s.repo.Get(ctx, id)
}

// Close finishes an approved order even when lines remain open.
func (s *Service) Close(ctx context.Context, id int64, actorID int64) (PurchaseOrder, error) {
	po, err := s.repo.Get(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if !CanTransition(po.Status, StatusClosed) {
		return PurchaseOrder{}, fmt.Errorf("%w: cannot close purchase order in %s", shared.ErrStateConflict, po.Status)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateStatus(ctx, id, StatusApproved, StatusClosed)
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, "PO_CLOSE", id, actorID, nil)
	return s.repo.Get(ctx, id)
}

// Get loads one purchase order with lines.
func (s *Service) Get(ctx context.Context, id int64) (PurchaseOrder, error) {
	if id <= 0 {
		return PurchaseOrder{}, shared.Validationf("procurement: invalid id")
	}
	return s.repo.Get(ctx, id)
}

// List returns purchase orders matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]PurchaseOrder, error) {
	return s.repo.List(ctx, filter)
}

func buildLines(inputs []LineInput) ([]Line, error) {
	if len(inputs) == 0 {
		return nil, shared.Validationf("procurement: at least one line required")
	}
	lines := make([]Line, 0, len(inputs))
	for _, in := range inputs {
		if in.ProductID <= 0 {
			return nil, shared.Validationf("procurement: line product required")
		}
		if in.Qty.Sign() <= 0 {
			return nil, shared.Validationf("procurement: line quantity must be positive")
		}
		if in.Price.Sign() < 0 {
			return nil, shared.Validationf("procurement: line price cannot be negative")
		}
		lines = append(lines, Line{ProductID: in.ProductID, Qty: in.Qty, QtyReceived: decimal.Zero, Price: in.Price, Note: in.Note})
	}
	return lines, nil
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID, actorID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "purchase_order", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}
