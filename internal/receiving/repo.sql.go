package receiving

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fabrica-erp/fabrica/internal/assembly"
	"github.com/fabrica-erp/fabrica/internal/platform/db"
	"github.com/fabrica-erp/fabrica/internal/procurement"
	"github.com/fabrica-erp/fabrica/internal/shared"
	"github.com/fabrica-erp/fabrica/internal/stock"
)

// Repository persists goods receipts in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx         pgx.Tx
	ledger     *stock.TxLedger
	orders     *procurement.TxOrders
	assemblies *assembly.TxAssemblies
}

// WithTx runs fn inside a repeatable-read transaction shared with a
// stock TxLedger and the source document drawdown handles.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("receiving repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{
			tx:         tx,
			ledger:     stock.NewTxLedger(tx),
			orders:     procurement.NewTxOrders(tx),
			assemblies: assembly.NewTxAssemblies(tx),
		})
	})
}

const receiptColumns = `id, number, source_kind, source_ref, supplier_id, location_id, status, note, version, created_at, updated_at`

// Get loads one receipt with its items.
func (r *Repository) Get(ctx context.Context, id int64) (GoodsReceipt, error) {
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM goods_receipts WHERE id=$1`, receiptColumns), id)
	receipt, err := scanReceipt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GoodsReceipt{}, shared.ErrNotFound
		}
		return GoodsReceipt{}, err
	}
	receipt.Items, err = r.loadItems(ctx, id)
	if err != nil {
		return GoodsReceipt{}, err
	}
	return receipt, nil
}

// List returns receipts matching the filter, newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]GoodsReceipt, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM goods_receipts
WHERE ($1 = '' OR status = $1) AND ($2 = 0 OR supplier_id = $2) AND ($3 = '' OR source_kind = $3)
ORDER BY created_at DESC, id DESC LIMIT $4`, receiptColumns),
		string(filter.Status), filter.SupplierID, string(filter.SourceKind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	receipts := []GoodsReceipt{}
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range receipts {
		if receipts[i].Items, err = r.loadItems(ctx, receipts[i].ID); err != nil {
			return nil, err
		}
	}
	return receipts, nil
}

// CountStaleDrafts counts drafts older than the cutoff, for the sweep
// job.
func (r *Repository) CountStaleDrafts(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM goods_receipts WHERE status='DRAFT' AND created_at < $1`, cutoff).Scan(&count)
	return count, err
}

func (r *Repository) loadItems(ctx context.Context, receiptID int64) ([]ReceiptItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, receipt_id, product_id, qty_ordered::text, qty_received::text, unit_price::text, source_line_id
FROM receipt_items WHERE receipt_id=$1 ORDER BY id ASC`, receiptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []ReceiptItem{}
	for rows.Next() {
		var item ReceiptItem
		var ordered, received, price string
		if err := rows.Scan(&item.ID, &item.ReceiptID, &item.ProductID, &ordered, &received, &price, &item.SourceLineID); err != nil {
			return nil, err
		}
		if item.QtyOrdered, err = decimal.NewFromString(ordered); err != nil {
			return nil, err
		}
		if item.QtyReceived, err = decimal.NewFromString(received); err != nil {
			return nil, err
		}
		if item.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *txRepository) Insert(ctx context.Context, receipt GoodsReceipt) (int64, error) {
	kind, ref := receipt.Source.columns()
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO goods_receipts (number, source_kind, source_ref, supplier_id, location_id, status, note, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW()) RETURNING id`,
		receipt.Number, kind, ref, receipt.SupplierID, receipt.LocationID, string(receipt.Status), receipt.Note, receipt.Version).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, r.insertItems(ctx, id, receipt.Items)
}

func (r *txRepository) ReplaceItems(ctx context.Context, receiptID int64, items []ReceiptItem) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM receipt_items WHERE receipt_id=$1`, receiptID); err != nil {
		return err
	}
	return r.insertItems(ctx, receiptID, items)
}

// Update writes status and note guarded on the version the caller read.
func (r *txRepository) Update(ctx context.Context, receipt GoodsReceipt) error {
	tag, err := r.tx.Exec(ctx, `UPDATE goods_receipts
SET status=$3, note=$4, location_id=$5, version=version+1, updated_at=NOW()
WHERE id=$1 AND version=$2`,
		receipt.ID, receipt.Version, string(receipt.Status), receipt.Note, receipt.LocationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: receipt %d changed concurrently", shared.ErrStateConflict, receipt.ID)
	}
	return nil
}

func (r *txRepository) Ledger() stock.Applier {
	return r.ledger
}

func (r *txRepository) Orders() OrdersTx {
	return r.orders
}

func (r *txRepository) Assemblies() AssembliesTx {
	return r.assemblies
}

func (r *txRepository) insertItems(ctx context.Context, receiptID int64, items []ReceiptItem) error {
	for _, item := range items {
		_, err := r.tx.Exec(ctx, `INSERT INTO receipt_items (receipt_id, product_id, qty_ordered, qty_received, unit_price, source_line_id)
VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6)`,
			receiptID, item.ProductID, item.QtyOrdered.String(), item.QtyReceived.String(), item.UnitPrice.String(), item.SourceLineID)
		if err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (GoodsReceipt, error) {
	var receipt GoodsReceipt
	var kind, status string
	var ref int64
	if err := row.Scan(&receipt.ID, &receipt.Number, &kind, &ref, &receipt.SupplierID, &receipt.LocationID,
		&status, &receipt.Note, &receipt.Version, &receipt.CreatedAt, &receipt.UpdatedAt); err != nil {
		return GoodsReceipt{}, err
	}
	receipt.Source = sourceFromColumns(kind, ref)
	receipt.Status = Status(status)
	return receipt, nil
}
