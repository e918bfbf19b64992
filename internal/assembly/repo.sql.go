package assembly

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fabrica-erp/fabrica/internal/platform/db"
	"github.com/fabrica-erp/fabrica/internal/shared"
	"github.com/fabrica-erp/fabrica/internal/stock"
)

// Repository persists assembly orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx     pgx.Tx
	ledger *stock.TxLedger
}

// WithTx runs fn inside a repeatable-read transaction; the transactional
// repository shares the transaction with a stock TxLedger.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("assembly repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, ledger: stock.NewTxLedger(tx)})
	})
}

const orderColumns = `id, number, product_id, bom_id, qty_planned::text, qty_produced::text, location_id, output_location_id,
status, held_from, priority, planned_start, planned_end, note, version, created_at, updated_at`

// Get loads one assembly order.
func (r *Repository) Get(ctx context.Context, id int64) (AssemblyOrder, error) {
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM assembly_orders WHERE id=$1`, orderColumns), id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AssemblyOrder{}, shared.ErrNotFound
		}
		return AssemblyOrder{}, err
	}
	return order, nil
}

// List returns orders matching the filter, urgent work first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]AssemblyOrder, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM assembly_orders
WHERE ($1 = 0 OR product_id = $1) AND ($2 = '' OR status = $2) AND ($3 = '' OR priority = $3)
ORDER BY CASE priority WHEN 'URGENT' THEN 0 WHEN 'HIGH' THEN 1 WHEN 'NORMAL' THEN 2 ELSE 3 END, created_at DESC
LIMIT $4`, orderColumns), filter.ProductID, string(filter.Status), string(filter.Priority), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	orders := []AssemblyOrder{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// ListByStatuses returns orders in any of the given states, used by the
// availability warmup job.
func (r *Repository) ListByStatuses(ctx context.Context, statuses ...Status) ([]AssemblyOrder, error) {
	in := make([]string, 0, len(statuses))
	for _, s := range statuses {
		in = append(in, string(s))
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM assembly_orders WHERE status = ANY($1) ORDER BY id`, orderColumns), in)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	orders := []AssemblyOrder{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (r *txRepository) Insert(ctx context.Context, order AssemblyOrder) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO assembly_orders
(number, product_id, bom_id, qty_planned, qty_produced, location_id, output_location_id, status, held_from, priority, planned_start, planned_end, note, version, created_at, updated_at)
VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
RETURNING id`,
		order.Number, order.ProductID, order.BomID, order.QtyPlanned.String(), order.QtyProduced.String(),
		order.LocationID, order.OutputLocationID, string(order.Status), string(order.HeldFrom), string(order.Priority),
		order.PlannedStart, order.PlannedEnd, order.Note, order.Version).Scan(&id)
	return id, err
}

// Update writes the order guarded on the version the caller read. Zero
// rows affected means the order moved concurrently.
func (r *txRepository) Update(ctx context.Context, order AssemblyOrder) error {
	tag, err := r.tx.Exec(ctx, `UPDATE assembly_orders
SET qty_produced=$3::numeric, status=$4, held_from=$5, priority=$6, planned_start=$7, planned_end=$8, note=$9, version=version+1, updated_at=NOW()
WHERE id=$1 AND version=$2`,
		order.ID, order.Version, order.QtyProduced.String(), string(order.Status), string(order.HeldFrom),
		string(order.Priority), order.PlannedStart, order.PlannedEnd, order.Note)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: assembly order %d changed concurrently", shared.ErrStateConflict, order.ID)
	}
	return nil
}

func (r *txRepository) Ledger() stock.Applier {
	return r.ledger
}

// TxAssemblies draws goods receipts down on assembly orders inside a
// transaction owned by the caller, so the produced count moves atomically
// with the receipt document and its stock credits.
type TxAssemblies struct {
	tx     pgx.Tx
	ledger *stock.TxLedger
}

// NewTxAssemblies binds receipt drawdown to an open transaction.
func NewTxAssemblies(tx pgx.Tx) *TxAssemblies {
	return &TxAssemblies{tx: tx, ledger: stock.NewTxLedger(tx)}
}

// GetForUpdate locks and loads an order.
func (a *TxAssemblies) GetForUpdate(ctx context.Context, id int64) (AssemblyOrder, error) {
	row := a.tx.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM assembly_orders WHERE id=$1 FOR UPDATE`, orderColumns), id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AssemblyOrder{}, shared.ErrNotFound
		}
		return AssemblyOrder{}, err
	}
	return order, nil
}

// ApplyReceipt grows the produced count by the received quantity and
// releases the received units' share of the component reservation.
func (a *TxAssemblies) ApplyReceipt(ctx context.Context, aoID int64, qty decimal.Decimal, allowOver bool) (AssemblyOrder, error) {
	order, err := a.GetForUpdate(ctx, aoID)
	if err != nil {
		return AssemblyOrder{}, err
	}
	updated, err := ApplyReceipt(order, qty, allowOver)
	if err != nil {
		return AssemblyOrder{}, err
	}
	movements, err := a.reservationShare(ctx, order, updated)
	if err != nil {
		return AssemblyOrder{}, err
	}
	if _, err := a.tx.Exec(ctx, `UPDATE assembly_orders SET qty_produced=$2::numeric, version=version+1, updated_at=NOW() WHERE id=$1`,
		updated.ID, updated.QtyProduced.String()); err != nil {
		return AssemblyOrder{}, err
	}
	if len(movements) > 0 {
		if err := a.ledger.Apply(ctx, stock.Batch{Movements: movements, ActorID: shared.ActorFromContext(ctx).ID}); err != nil {
			return AssemblyOrder{}, err
		}
	}
	return updated, nil
}

// reservationShare computes RELEASE movements for the received units'
// component share, with the same cumulative floor rounding the debit path
// uses. The cumulative totals are clamped to the reserved amount so an
// allowed over-receipt never releases more than the order holds.
func (a *TxAssemblies) reservationShare(ctx context.Context, before, after AssemblyOrder) ([]stock.Movement, error) {
	rows, err := a.tx.Query(ctx, `SELECT bi.component_id, bi.qty_per_unit::text, p.qty_precision
FROM bom_items bi JOIN products p ON p.id = bi.component_id
WHERE bi.bom_id=$1 ORDER BY bi.position ASC`, before.BomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []stock.Movement{}
	for rows.Next() {
		var componentID int64
		var perUnitText string
		var precision int32
		if err := rows.Scan(&componentID, &perUnitText, &precision); err != nil {
			return nil, err
		}
		perUnit, err := decimal.NewFromString(perUnitText)
		if err != nil {
			return nil, err
		}
		reserved := floorQty(perUnit.Mul(before.QtyPlanned), precision)
		consumedBefore := floorQty(perUnit.Mul(before.QtyProduced), precision)
		if consumedBefore.GreaterThan(reserved) {
			consumedBefore = reserved
		}
		consumedAfter := floorQty(perUnit.Mul(after.QtyProduced), precision)
		if consumedAfter.GreaterThan(reserved) {
			consumedAfter = reserved
		}
		share := consumedAfter.Sub(consumedBefore)
		if share.Sign() <= 0 {
			continue
		}
		movements = append(movements, stock.Movement{
			Kind:       stock.KindRelease,
			ProductID:  componentID,
			LocationID: before.LocationID,
			Qty:        share,
			RefModule:  "assembly",
			RefID:      before.Number,
			Note:       "received output share",
		})
	}
	return movements, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (AssemblyOrder, error) {
	var order AssemblyOrder
	var planned, produced, status, heldFrom, priority string
	if err := row.Scan(&order.ID, &order.Number, &order.ProductID, &order.BomID, &planned, &produced,
		&order.LocationID, &order.OutputLocationID, &status, &heldFrom, &priority,
		&order.PlannedStart, &order.PlannedEnd, &order.Note, &order.Version, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return AssemblyOrder{}, err
	}
	order.Status = Status(status)
	order.HeldFrom = Status(heldFrom)
	order.Priority = Priority(priority)
	var err error
	if order.QtyPlanned, err = decimal.NewFromString(planned); err != nil {
		return AssemblyOrder{}, err
	}
	if order.QtyProduced, err = decimal.NewFromString(produced); err != nil {
		return AssemblyOrder{}, err
	}
	return order, nil
}
