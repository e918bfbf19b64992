package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fabrica-erp/fabrica/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, Applier) error) error
	GetBalance(ctx context.Context, productID, locationID int64) (Balance, error)
	ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error)
	ListMovements(ctx context.Context, filter MoveFilter) ([]Move, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service exposes the ledger as command/query operations. Engines that need
// stock effects inside their own transactions use TxLedger directly; this
// service serves the HTTP surface and standalone adjustments.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit}
}

// Available reports on-hand minus reserved for one key. Advisory: the value
// may be stale by the time a mutation runs.
func (s *Service) Available(ctx context.Context, productID, locationID int64) (decimal.Decimal, error) {
	if productID == 0 || locationID == 0 {
		return decimal.Zero, shared.Validationf("stock: product and location required")
	}
	bal, err := s.repo.GetBalance(ctx, productID, locationID)
	if err != nil {
		return decimal.Zero, err
	}
	return bal.Available(), nil
}

// GetBalance returns the full balance for one key.
func (s *Service) GetBalance(ctx context.Context, productID, locationID int64) (Balance, error) {
	if productID == 0 || locationID == 0 {
		return Balance{}, shared.Validationf("stock: product and location required")
	}
	return s.repo.GetBalance(ctx, productID, locationID)
}

// ListBalances lists balances.
func (s *Service) ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	return s.repo.ListBalances(ctx, filter)
}

// ListMovements lists journal entries.
func (s *Service) ListMovements(ctx context.Context, filter MoveFilter) ([]Move, error) {
	return s.repo.ListMovements(ctx, filter)
}

// MovementInput describes a single standalone ledger mutation.
type MovementInput struct {
	Kind       Kind
	ProductID  int64
	LocationID int64
	Qty        decimal.Decimal
	Force      bool
	RefModule  string
	RefID      string
	Note       string
	ActorID    int64
}

// Reserve soft-allocates stock.
func (s *Service) Reserve(ctx context.Context, input MovementInput) error {
	input.Kind = KindReserve
	return s.post(ctx, input)
}

// Release returns a soft allocation to availability.
func (s *Service) Release(ctx context.Context, input MovementInput) error {
	input.Kind = KindRelease
	return s.post(ctx, input)
}

// Debit removes on-hand stock.
func (s *Service) Debit(ctx context.Context, input MovementInput) error {
	input.Kind = KindDebit
	return s.post(ctx, input)
}

// Credit adds on-hand stock.
func (s *Service) Credit(ctx context.Context, input MovementInput) error {
	input.Kind = KindCredit
	return s.post(ctx, input)
}

func (s *Service) post(ctx context.Context, input MovementInput) error {
	if input.ProductID == 0 || input.LocationID == 0 {
		return shared.Validationf("stock: product and location required")
	}
	if input.Qty.Sign() <= 0 {
		return shared.Validationf("stock: quantity must be positive")
	}
	if input.RefID != "" {
		if _, err := uuid.Parse(input.RefID); err != nil {
			return shared.Validationf("stock: invalid ref id: %v", err)
		}
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, ledger Applier) error {
		return ledger.Apply(ctx, Batch{
			ActorID: input.ActorID,
			Movements: []Movement{{
				Kind:       input.Kind,
				ProductID:  input.ProductID,
				LocationID: input.LocationID,
				Qty:        input.Qty,
				Force:      input.Force,
				RefModule:  input.RefModule,
				RefID:      input.RefID,
				Note:       input.Note,
			}},
		})
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, input)
	return nil
}

func (s *Service) recordAudit(ctx context.Context, input MovementInput) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   fmt.Sprintf("stock:%s", input.Kind),
		Entity:   "stock_move",
		EntityID: fmt.Sprintf("%d:%d", input.ProductID, input.LocationID),
		Meta: map[string]any{
			"product_id":  input.ProductID,
			"location_id": input.LocationID,
			"qty":         input.Qty.String(),
			"force":       input.Force,
			"note":        input.Note,
		},
	})
}

// IsInsufficient reports whether err is an availability failure and returns
// its shortage detail.
func IsInsufficient(err error) ([]Shortage, bool) {
	var insufficient *InsufficientStockError
	if errors.As(err, &insufficient) {
		return insufficient.Shortages, true
	}
	return nil, false
}
