package assembly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/fabrica-erp/fabrica/internal/bom"
	"github.com/fabrica-erp/fabrica/internal/masterdata/locations"
	"github.com/fabrica-erp/fabrica/internal/masterdata/products"
	"github.com/fabrica-erp/fabrica/internal/shared"
	"github.com/fabrica-erp/fabrica/internal/stock"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (AssemblyOrder, error)
	List(ctx context.Context, filter ListFilter) ([]AssemblyOrder, error)
}

// TxRepository exposes transactional operations. Ledger returns a stock
// applier bound to the same transaction, so order updates and stock
// effects commit or roll back as one unit.
type TxRepository interface {
	Insert(ctx context.Context, order AssemblyOrder) (int64, error)
	// Update persists the order guarded on its version and bumps it.
	// A stale version surfaces shared.ErrStateConflict.
	Update(ctx context.Context, order AssemblyOrder) error
	Ledger() stock.Applier
}

// BomPort exposes BOM catalog lookups.
type BomPort interface {
	Resolve(ctx context.Context, id int64) (bom.BillOfMaterials, error)
	DefaultFor(ctx context.Context, productID int64) (bom.BillOfMaterials, error)
}

// ProductPort exposes product lookups.
type ProductPort interface {
	Get(ctx context.Context, id int64) (products.Product, error)
}

// LocationPort exposes location lookups.
type LocationPort interface {
	Get(ctx context.Context, id int64) (locations.Location, error)
}

// StockReader reads advisory availability outside any transaction.
type StockReader interface {
	Available(ctx context.Context, productID, locationID int64) (decimal.Decimal, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns the assembly order lifecycle.
type Service struct {
	repo      RepositoryPort
	boms      BomPort
	products  ProductPort
	locations LocationPort
	reader    StockReader
	audit     AuditPort
	cache     *redis.Client
	flight    singleflight.Group
	logger    *slog.Logger
}

// NewService builds Service. cache may be nil; availability checks then
// always recompute.
func NewService(repo RepositoryPort, boms BomPort, productsPort ProductPort, locationsPort LocationPort, reader StockReader, audit AuditPort, cache *redis.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		boms:      boms,
		products:  productsPort,
		locations: locationsPort,
		reader:    reader,
		audit:     audit,
		cache:     cache,
		logger:    logger,
	}
}

// CreateInput describes a new assembly order.
type CreateInput struct {
	Number           string
	ProductID        int64
	BomID            int64
	QtyPlanned       decimal.Decimal
	LocationID       int64
	OutputLocationID int64
	Priority         Priority
	Note             string
	ActorID          int64
}

// Create validates master data and inserts a draft order.
func (s *Service) Create(ctx context.Context, input CreateInput) (AssemblyOrder, error) {
	if input.QtyPlanned.Sign() <= 0 {
		return AssemblyOrder{}, shared.Validationf("assembly: planned quantity must be positive")
	}
	product, err := s.products.Get(ctx, input.ProductID)
	if err != nil {
		return AssemblyOrder{}, err
	}
	if !product.IsManufactured {
		return AssemblyOrder{}, shared.Validationf("assembly: product %s is not manufactured", product.SKU)
	}
	var b bom.BillOfMaterials
	if input.BomID != 0 {
		if b, err = s.boms.Resolve(ctx, input.BomID); err != nil {
			return AssemblyOrder{}, err
		}
		if b.ProductID != input.ProductID {
			return AssemblyOrder{}, shared.Validationf("assembly: bom %d belongs to another product", input.BomID)
		}
	} else {
		if b, err = s.boms.DefaultFor(ctx, input.ProductID); err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return AssemblyOrder{}, shared.Validationf("assembly: product %s has no default bom", product.SKU)
			}
			return AssemblyOrder{}, err
		}
	}
	location, err := s.locations.Get(ctx, input.LocationID)
	if err != nil {
		return AssemblyOrder{}, err
	}
	if !location.IsManufacturing {
		return AssemblyOrder{}, shared.Validationf("assembly: location %s is not a manufacturing location", location.Code)
	}
	if input.OutputLocationID == 0 {
		input.OutputLocationID = input.LocationID
	} else if _, err := s.locations.Get(ctx, input.OutputLocationID); err != nil {
		return AssemblyOrder{}, err
	}
	if input.Priority == "" {
		input.Priority = PriorityNormal
	}
	if !ValidPriority(input.Priority) {
		return AssemblyOrder{}, shared.Validationf("assembly: unknown priority %q", input.Priority)
	}
	if input.Number == "" {
		input.Number = shared.NewDocumentNumber("AO")
	}

	order := AssemblyOrder{
		Number:           input.Number,
		ProductID:        input.ProductID,
		BomID:            b.ID,
		QtyPlanned:       input.QtyPlanned,
		QtyProduced:      decimal.Zero,
		LocationID:       input.LocationID,
		OutputLocationID: input.OutputLocationID,
		Status:           StatusDraft,
		Priority:         input.Priority,
		Note:             input.Note,
		Version:          1,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.Insert(ctx, order)
		if err != nil {
			return err
		}
		order.ID = id
		return nil
	})
	if err != nil {
		return AssemblyOrder{}, err
	}
	s.recordAudit(ctx, "AO_CREATE", order.ID, input.ActorID, map[string]any{"number": order.Number, "product_id": order.ProductID, "bom_id": order.BomID})
	return s.repo.Get(ctx, order.ID)
}

// PlanInput carries scheduling data.
type PlanInput struct {
	PlannedStart *time.Time
	PlannedEnd   *time.Time
	Priority     Priority
	ActorID      int64
}

// Plan moves a draft order to PLANNED with schedule and priority set.
func (s *Service) Plan(ctx context.Context, id int64, input PlanInput) (AssemblyOrder, error) {
	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return AssemblyOrder{}, err
	}
	if err := s.guardTransition(order, StatusPlanned); err != nil {
		return AssemblyOrder{}, err
	}
	if input.PlannedStart != nil && input.PlannedEnd != nil && input.PlannedEnd.Before(*input.PlannedStart) {
		return AssemblyOrder{}, shared.Validationf("assembly: planned end before planned start")
	}
	if input.Priority != "" {
		if !ValidPriority(input.Priority) {
			return AssemblyOrder{}, shared.Validationf("assembly: unknown priority %q", input.Priority)
		}
		order.Priority = input.Priority
	}
	order.PlannedStart = input.PlannedStart
	order.PlannedEnd = input.PlannedEnd
	order.Status = StatusPlanned
	if err := s.update(ctx, order, nil); err != nil {
		return AssemblyOrder{}, err
	}
	s.recordAudit(ctx, "AO_PLAN", id, input.ActorID, nil)
	return s.repo.Get(ctx, id)
}

// CheckAvailability reports advisory component coverage for the order.
// Concurrent checks for the same order are deduplicated and the result is
// cached briefly; the report may be stale and never reserves anything.
func (s *Service) CheckAvailability(ctx context.Context, id int64) (AvailabilityReport, error) {
	if report, ok := s.cachedAvailability(ctx, id); ok {
		return report, nil
	}
	v, err, _ := s.flight.Do(availabilityCacheKey(id), func() (any, error) {
		order, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		b, err := s.boms.Resolve(ctx, order.BomID)
		if err != nil {
			return nil, err
		}
		report, err := s.buildAvailability(ctx, order, b)
		if err != nil {
			return nil, err
		}
		s.storeAvailability(ctx, report)
		return report, nil
	})
	if err != nil {
		return AvailabilityReport{}, err
	}
	return v.(AvailabilityReport), nil
}

// ReleaseOptions modifies Release behaviour.
type ReleaseOptions struct {
	// AllowShortage forces the component reservation even when
	// availability does not cover it, driving availability negative.
	AllowShortage bool
	ActorID       int64
}

// Release reserves every component in one atomic batch and moves the
// order to RELEASED. The reservation re-validates against the live
// ledger; an advisory availability check is no substitute. Without
// AllowShortage a failed reservation surfaces the full shortage detail
// and the order stays put.
func (s *Service) Release(ctx context.Context, id int64, opts ReleaseOptions) (AssemblyOrder, error) {
	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return AssemblyOrder{}, err
	}
	if order.Status != StatusDraft && order.Status != StatusPlanned {
		return AssemblyOrder{}, s.transitionErr(order, StatusReleased)
	}
	b, err := s.boms.Resolve(ctx, order.BomID)
	if err != nil {
		return AssemblyOrder{}, err
	}
	precisions, err := s.componentPrecisions(ctx, b)
	if err != nil {
		return AssemblyOrder{}, err
	}

	movements := make([]stock.Movement, 0, len(b.Items))
	for _, item := range b.Items {
		qty := floorQty(item.QuantityPerUnit.Mul(order.QtyPlanned), precisions[item.ComponentID])
		if qty.Sign() <= 0 {
			continue
		}
		movements = append(movements, stock.Movement{
			Kind:       stock.KindReserve,
			ProductID:  item.ComponentID,
			LocationID: order.LocationID,
			Qty:        qty,
			Force:      opts.AllowShortage,
			RefModule:  "assembly",
			RefID:      order.Number,
			Note:       "release reservation",
		})
	}

	meta := map[string]any{"from": string(order.Status), "allow_shortage": opts.AllowShortage}
	if opts.AllowShortage {
		// Snapshot the shortage being accepted before the reservation
		// lands, so the audit trail records the decision.
		if report, err := s.buildAvailability(ctx, order, b); err == nil {
			accepted := make([]AvailabilityItem, 0)
			for _, item := range report.Items {
				if item.Shortage.Sign() > 0 {
					accepted = append(accepted, item)
				}
			}
			if len(accepted) > 0 {
				meta["accepted_shortages"] = accepted
			}
		}
	}

	order.Status = StatusReleased
	if err := s.update(ctx, order, movements); err != nil {
		return AssemblyOrder{}, err
	}
	s.invalidateAvailability(ctx, id)
	s.recordAudit(ctx, "AO_RELEASE", id, opts.ActorID, meta)
	return s.repo.Get(ctx, id)
}

// Start moves a released order into production.
func (s *Service) Start(ctx context.Context, id int64, actorID int64) (AssemblyOrder, error) {
	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return AssemblyOrder{}, err
	}
	if order.Status != StatusReleased {
		return AssemblyOrder{}, s.transitionErr(order, StatusInProgress)
	}
	order.Status = StatusInProgress
	if err := s.update(ctx, order, nil); err != nil {
		return AssemblyOrder{}, err
	}
	s.recordAudit(ctx, "AO_START", id, actorID, nil)
	return s.repo.Get(ctx, id)
}

// ReportProduction books qtyNow units of output. Component debits and
// the finished-good credit are the growth of the cumulative rounded
// totals (floor at each component's precision, ceil at the product's),
// so a run reported in parts consumes and credits exactly what a single
// report of the sum would. The order advances to COMPLETED exactly when
// produced reaches planned. Everything happens in one transaction.
func (s *Service) ReportProduction(ctx context.Context, id int64, qtyNow decimal.Decimal, actorID int64) (AssemblyOrder, error) {
	if qtyNow.Sign() <= 0 {
		return AssemblyOrder{}, shared.Validationf("assembly: reported quantity must be positive")
	}
	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return AssemblyOrder{}, err
	}
	if order.Status != StatusInProgress {
		return AssemblyOrder{}, fmt.Errorf("%w: order %s is %s, production reports need IN_PROGRESS", shared.ErrStateConflict, order.Number, order.Status)
	}
	if qtyNow.GreaterThan(order.Remaining()) {
		return AssemblyOrder{}, shared.Invariantf("assembly: reporting %s exceeds remaining %s on order %s", qtyNow, order.Remaining(), order.Number)
	}
	b, err := s.boms.Resolve(ctx, order.BomID)
	if err != nil {
		return AssemblyOrder{}, err
	}
	product, err := s.products.Get(ctx, order.ProductID)
	if err != nil {
		return AssemblyOrder{}, err
	}
	precisions, err := s.componentPrecisions(ctx, b)
	if err != nil {
		return AssemblyOrder{}, err
	}

	producedAfter := order.QtyProduced.Add(qtyNow)
	movements := make([]stock.Movement, 0, len(b.Items)+1)
	for _, item := range b.Items {
		prec := precisions[item.ComponentID]
		qty := floorQty(item.QuantityPerUnit.Mul(producedAfter), prec).
			Sub(floorQty(item.QuantityPerUnit.Mul(order.QtyProduced), prec))
		if qty.Sign() <= 0 {
			continue
		}
		movements = append(movements, stock.Movement{
			Kind:       stock.KindDebit,
			ProductID:  item.ComponentID,
			LocationID: order.LocationID,
			Qty:        qty,
			RefModule:  "assembly",
			RefID:      order.Number,
			Note:       "component consumption",
		})
	}
	credit := ceilQty(producedAfter, product.QtyPrecision).
		Sub(ceilQty(order.QtyProduced, product.QtyPrecision))
	if credit.Sign() > 0 {
		movements = append(movements, stock.Movement{
			Kind:       stock.KindCredit,
			ProductID:  order.ProductID,
			LocationID: order.OutputLocationID,
			Qty:        credit,
			RefModule:  "assembly",
			RefID:      order.Number,
			Note:       "finished goods",
		})
	}

	order.QtyProduced = producedAfter
	completed := order.QtyProduced.Equal(order.QtyPlanned)
	if completed {
		order.Status = StatusCompleted
		movements = append(movements, s.releaseMovements(order, b, precisions)...)
	}
	if err := s.update(ctx, order, movements); err != nil {
		return AssemblyOrder{}, err
	}
	s.invalidateAvailability(ctx, id)
	s.recordAudit(ctx, "AO_REPORT_PRODUCTION", id, actorID, map[string]any{"qty": qtyNow.String(), "completed": completed})
	return s.repo.Get(ctx, id)
}

// Complete finishes an in-progress order early, releasing whatever
// reservation remains for the unproduced remainder.
func (s *Service) Complete(ctx context.Context, id int64, actorID int64) (AssemblyOrder, error) {
	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return AssemblyOrder{}, err
	}
	if order.Status != StatusInProgress {
		return AssemblyOrder{}, s.transitionErr(order, StatusCompleted)
	}
	movements, err := s.outstandingRelease(ctx, order)
	if err != nil {
		return AssemblyOrder{}, err
	}
	order.Status = StatusCompleted
	if err := s.update(ctx, order, movements); err != nil {
		return AssemblyOrder{}, err
	}
	s.invalidateAvailability(ctx, id)
	s.recordAudit(ctx, "AO_COMPLETE", id, actorID, map[string]any{"produced": order.QtyProduced.String(), "planned": order.QtyPlanned.String()})
	return s.repo.Get(ctx, id)
}

// Cancel voids a non-terminal order. An outstanding reservation is
// released; production already applied is not reversed.
func (s *Service) Cancel(ctx context.Context, id int64, actorID int64) (AssemblyOrder, error) {
	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return AssemblyOrder{}, err
	}
	if !CanTransition(order.Status, StatusCancelled) {
		return AssemblyOrder{}, s.transitionErr(order, StatusCancelled)
	}
	var movements []stock.Movement
	if reservationHeld(order) {
		if movements, err = s.outstandingRelease(ctx, order); err != nil {
			return AssemblyOrder{}, err
		}
	}
	order.Status = StatusCancelled
	order.HeldFrom = ""
	if err := s.update(ctx, order, movements); err != nil {
		return AssemblyOrder{}, err
	}
	s.invalidateAvailability(ctx, id)
	s.recordAudit(ctx, "AO_CANCEL", id, actorID, nil)
	return s.repo.Get(ctx, id)
}

// Hold pauses a non-terminal order, remembering where it paused.
func (s *Service) Hold(ctx context.Context, id int64, actorID int64) (AssemblyOrder, error) {
	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return AssemblyOrder{}, err
	}
	if !CanTransition(order.Status, StatusOnHold) {
		return AssemblyOrder{}, s.transitionErr(order, StatusOnHold)
	}
	order.HeldFrom = order.Status
	order.Status = StatusOnHold
	if err := s.update(ctx, order, nil); err != nil {
		return AssemblyOrder{}, err
	}
	s.recordAudit(ctx, "AO_HOLD", id, actorID, map[string]any{"held_from": string(order.HeldFrom)})
	return s.repo.Get(ctx, id)
}

// Resume returns a held order to the state it paused in.
func (s *Service) Resume(ctx context.Context, id int64, actorID int64) (AssemblyOrder, error) {
	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return AssemblyOrder{}, err
	}
	if order.Status != StatusOnHold || order.HeldFrom == "" {
		return AssemblyOrder{}, fmt.Errorf("%w: order %s is not on hold", shared.ErrStateConflict, order.Number)
	}
	target := order.HeldFrom
	order.Status = target
	order.HeldFrom = ""
	if err := s.update(ctx, order, nil); err != nil {
		return AssemblyOrder{}, err
	}
	s.recordAudit(ctx, "AO_RESUME", id, actorID, map[string]any{"resumed_to": string(target)})
	return s.repo.Get(ctx, id)
}

// Get loads one order.
func (s *Service) Get(ctx context.Context, id int64) (AssemblyOrder, error) {
	if id <= 0 {
		return AssemblyOrder{}, shared.Validationf("assembly: invalid id")
	}
	return s.repo.Get(ctx, id)
}

// List returns orders matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]AssemblyOrder, error) {
	return s.repo.List(ctx, filter)
}

// update persists the order (version-guarded) and applies the movement
// batch in the same transaction.
func (s *Service) update(ctx context.Context, order AssemblyOrder, movements []stock.Movement) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.Update(ctx, order); err != nil {
			return err
		}
		if len(movements) == 0 {
			return nil
		}
		return tx.Ledger().Apply(ctx, stock.Batch{Movements: movements, ActorID: shared.ActorFromContext(ctx).ID})
	})
}

// reservationHeld reports whether the order currently holds a component
// reservation: it passed through RELEASED and has not yet terminated.
func reservationHeld(order AssemblyOrder) bool {
	switch order.Status {
	case StatusReleased, StatusInProgress:
		return true
	case StatusOnHold:
		return order.HeldFrom == StatusReleased || order.HeldFrom == StatusInProgress
	}
	return false
}

// outstandingRelease computes RELEASE movements for the reservation not
// yet consumed by production. Debits and receipt releases both track the
// cumulative floored requirement, so recomputing consumption with the
// same floor matches what the ledger still holds for the order.
func (s *Service) outstandingRelease(ctx context.Context, order AssemblyOrder) ([]stock.Movement, error) {
	b, err := s.boms.Resolve(ctx, order.BomID)
	if err != nil {
		return nil, err
	}
	precisions, err := s.componentPrecisions(ctx, b)
	if err != nil {
		return nil, err
	}
	return s.releaseMovements(order, b, precisions), nil
}

func (s *Service) releaseMovements(order AssemblyOrder, b bom.BillOfMaterials, precisions map[int64]int32) []stock.Movement {
	movements := make([]stock.Movement, 0, len(b.Items))
	for _, item := range b.Items {
		reserved := floorQty(item.QuantityPerUnit.Mul(order.QtyPlanned), precisions[item.ComponentID])
		consumed := floorQty(item.QuantityPerUnit.Mul(order.QtyProduced), precisions[item.ComponentID])
		outstanding := reserved.Sub(consumed)
		if outstanding.Sign() <= 0 {
			continue
		}
		movements = append(movements, stock.Movement{
			Kind:       stock.KindRelease,
			ProductID:  item.ComponentID,
			LocationID: order.LocationID,
			Qty:        outstanding,
			RefModule:  "assembly",
			RefID:      order.Number,
			Note:       "reservation release",
		})
	}
	return movements
}

func (s *Service) componentPrecisions(ctx context.Context, b bom.BillOfMaterials) (map[int64]int32, error) {
	precisions := make(map[int64]int32, len(b.Items))
	for _, item := range b.Items {
		if _, ok := precisions[item.ComponentID]; ok {
			continue
		}
		p, err := s.products.Get(ctx, item.ComponentID)
		if err != nil {
			return nil, err
		}
		precisions[item.ComponentID] = p.QtyPrecision
	}
	return precisions, nil
}

func (s *Service) guardTransition(order AssemblyOrder, to Status) error {
	if !CanTransition(order.Status, to) {
		return s.transitionErr(order, to)
	}
	return nil
}

func (s *Service) transitionErr(order AssemblyOrder, to Status) error {
	return fmt.Errorf("%w: order %s cannot move %s -> %s", shared.ErrStateConflict, order.Number, order.Status, to)
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID, actorID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "assembly_order", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}
