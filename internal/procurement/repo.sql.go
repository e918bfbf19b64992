package procurement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fabrica-erp/fabrica/internal/platform/db"
	"github.com/fabrica-erp/fabrica/internal/shared"
)

// Repository persists purchase orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("procurement repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const poColumns = `id, ref, number, supplier_id, status, currency, expected_date, note, created_at, updated_at`

// Get loads one purchase order with its lines.
func (r *Repository) Get(ctx context.Context, id int64) (PurchaseOrder, error) {
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM purchase_orders WHERE id=$1`, poColumns), id)
	po, err := scanPO(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, shared.ErrNotFound
		}
		return PurchaseOrder{}, err
	}
	po.Lines, err = loadLines(ctx, r.pool, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

// List returns purchase orders matching the filter, newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]PurchaseOrder, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM purchase_orders
WHERE ($1 = 0 OR supplier_id = $1) AND ($2 = '' OR status = $2)
ORDER BY created_at DESC, id DESC LIMIT $3`, poColumns), filter.SupplierID, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	orders := []PurchaseOrder{}
	for rows.Next() {
		po, err := scanPO(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, po)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].Lines, err = loadLines(ctx, r.pool, orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (r *txRepository) Insert(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_orders (ref, number, supplier_id, status, currency, expected_date, note, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW()) RETURNING id`,
		po.Ref, po.Number, po.SupplierID, string(po.Status), po.Currency, po.ExpectedDate, po.Note).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, insertLines(ctx, r.tx, id, po.Lines)
}

func (r *txRepository) ReplaceLines(ctx context.Context, poID int64, lines []Line) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM po_lines WHERE po_id=$1`, poID); err != nil {
		return err
	}
	if _, err := r.tx.Exec(ctx, `UPDATE purchase_orders SET updated_at=NOW() WHERE id=$1`, poID); err != nil {
		return err
	}
	return insertLines(ctx, r.tx, poID, lines)
}

// UpdateStatus moves the order status, guarded on the expected current
// status so concurrent transitions lose cleanly.
func (r *txRepository) UpdateStatus(ctx context.Context, poID int64, from, to Status) error {
	tag, err := r.tx.Exec(ctx, `UPDATE purchase_orders SET status=$3, updated_at=NOW() WHERE id=$1 AND status=$2`,
		poID, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: purchase order %d left %s concurrently", shared.ErrStateConflict, poID, from)
	}
	return nil
}

func (r *txRepository) UpdateHeader(ctx context.Context, po PurchaseOrder) error {
	tag, err := r.tx.Exec(ctx, `UPDATE purchase_orders SET expected_date=$2, note=$3, updated_at=NOW() WHERE id=$1`,
		po.ID, po.ExpectedDate, po.Note)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// TxOrders applies receipt effects to purchase orders inside a
// transaction owned by the caller, so order drawdown commits atomically
// with the receipt document and stock movements.
type TxOrders struct {
	tx pgx.Tx
}

// NewTxOrders binds order drawdown to an open transaction.
func NewTxOrders(tx pgx.Tx) *TxOrders {
	return &TxOrders{tx: tx}
}

// GetForUpdate locks and loads an order with its lines.
func (o *TxOrders) GetForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	row := o.tx.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM purchase_orders WHERE id=$1 FOR UPDATE`, poColumns), id)
	po, err := scanPO(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, shared.ErrNotFound
		}
		return PurchaseOrder{}, err
	}
	po.Lines, err = loadLines(ctx, o.tx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

// ApplyReceipt draws received quantities down and persists the result.
func (o *TxOrders) ApplyReceipt(ctx context.Context, poID int64, received map[int64]decimal.Decimal, allowOver bool) (PurchaseOrder, error) {
	po, err := o.GetForUpdate(ctx, poID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	updated, err := ApplyReceipt(po, received, allowOver)
	if err != nil {
		return PurchaseOrder{}, err
	}
	for _, line := range updated.Lines {
		if _, ok := received[line.ID]; !ok {
			continue
		}
		if _, err := o.tx.Exec(ctx, `UPDATE po_lines SET qty_received=$2::numeric WHERE id=$1`,
			line.ID, line.QtyReceived.String()); err != nil {
			return PurchaseOrder{}, err
		}
	}
	if updated.Status != po.Status {
		if _, err := o.tx.Exec(ctx, `UPDATE purchase_orders SET status=$2, updated_at=NOW() WHERE id=$1`,
			updated.ID, string(updated.Status)); err != nil {
			return PurchaseOrder{}, err
		}
	}
	return updated, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPO(row rowScanner) (PurchaseOrder, error) {
	var po PurchaseOrder
	var status string
	if err := row.Scan(&po.ID, &po.Ref, &po.Number, &po.SupplierID, &status, &po.Currency, &po.ExpectedDate, &po.Note, &po.CreatedAt, &po.UpdatedAt); err != nil {
		return PurchaseOrder{}, err
	}
	po.Status = Status(status)
	return po, nil
}

func loadLines(ctx context.Context, q querier, poID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT id, po_id, product_id, qty::text, qty_received::text, price::text, note
FROM po_lines WHERE po_id=$1 ORDER BY id ASC`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := []Line{}
	for rows.Next() {
		var line Line
		var qty, received, price string
		if err := rows.Scan(&line.ID, &line.POID, &line.ProductID, &qty, &received, &price, &line.Note); err != nil {
			return nil, err
		}
		if line.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if line.QtyReceived, err = decimal.NewFromString(received); err != nil {
			return nil, err
		}
		if line.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func insertLines(ctx context.Context, tx pgx.Tx, poID int64, lines []Line) error {
	for _, line := range lines {
		_, err := tx.Exec(ctx, `INSERT INTO po_lines (po_id, product_id, qty, qty_received, price, note)
VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6)`,
			poID, line.ProductID, line.Qty.String(), line.QtyReceived.String(), line.Price.String(), line.Note)
		if err != nil {
			return err
		}
	}
	return nil
}
