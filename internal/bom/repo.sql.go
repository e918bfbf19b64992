package bom

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fabrica-erp/fabrica/internal/shared"
)

// Repository persists BOMs in PostgreSQL.
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
		return errors.New("bom repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	if err := fn(ctx, &txRepository{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Get loads one BOM with its items.
func (r *Repository) Get(ctx context.Context, id int64) (BillOfMaterials, error) {
	var b BillOfMaterials
	err := r.pool.QueryRow(ctx, `SELECT id, product_id, version, is_default, notes, created_at, updated_at
FROM boms WHERE id=$1`, id).Scan(&b.ID, &b.ProductID, &b.Version, &b.IsDefault, &b.Notes, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BillOfMaterials{}, shared.ErrNotFound
		}
		return BillOfMaterials{}, err
	}
	items, err := r.loadItems(ctx, id)
	if err != nil {
		return BillOfMaterials{}, err
	}
	b.Items = items
	return b, nil
}

// ListForProduct lists all BOM versions of a product, newest first.
func (r *Repository) ListForProduct(ctx context.Context, productID int64) ([]BillOfMaterials, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, version, is_default, notes, created_at, updated_at
FROM boms WHERE product_id=$1 ORDER BY created_at DESC, id DESC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	boms := []BillOfMaterials{}
	for rows.Next() {
		var b BillOfMaterials
		if err := rows.Scan(&b.ID, &b.ProductID, &b.Version, &b.IsDefault, &b.Notes, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		boms = append(boms, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range boms {
		items, err := r.loadItems(ctx, boms[i].ID)
		if err != nil {
			return nil, err
		}
		boms[i].Items = items
	}
	return boms, nil
}

// DefaultFor returns the default BOM of a product.
func (r *Repository) DefaultFor(ctx context.Context, productID int64) (BillOfMaterials, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `SELECT id FROM boms WHERE product_id=$1 AND is_default LIMIT 1`, productID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BillOfMaterials{}, shared.ErrNotFound
		}
		return BillOfMaterials{}, err
	}
	return r.Get(ctx, id)
}

// IsReferenced reports whether any non-draft assembly order uses the BOM.
func (r *Repository) IsReferenced(ctx context.Context, bomID int64) (bool, error) {
	var referenced bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM assembly_orders WHERE bom_id=$1 AND status <> 'DRAFT')`, bomID).Scan(&referenced)
	return referenced, err
}

func (r *Repository) loadItems(ctx context.Context, bomID int64) ([]BomItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, bom_id, component_id, qty_per_unit::text, position, notes
FROM bom_items WHERE bom_id=$1 ORDER BY position ASC`, bomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []BomItem{}
	for rows.Next() {
		var item BomItem
		var qty string
		if err := rows.Scan(&item.ID, &item.BomID, &item.ComponentID, &qty, &item.Position, &item.Notes); err != nil {
			return nil, err
		}
		if item.QuantityPerUnit, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *txRepository) Insert(ctx context.Context, b BillOfMaterials) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO boms (product_id, version, is_default, notes, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), NOW()) RETURNING id`, b.ProductID, b.Version, b.IsDefault, b.Notes).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateVersion
		}
		return 0, err
	}
	if err := r.insertItems(ctx, id, b.Items); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *txRepository) UpdateInPlace(ctx context.Context, b BillOfMaterials) error {
	tag, err := r.tx.Exec(ctx, `UPDATE boms SET notes=$2, updated_at=NOW() WHERE id=$1`, b.ID, b.Notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	if _, err := r.tx.Exec(ctx, `DELETE FROM bom_items WHERE bom_id=$1`, b.ID); err != nil {
		return err
	}
	return r.insertItems(ctx, b.ID, b.Items)
}

func (r *txRepository) ClearDefault(ctx context.Context, productID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE boms SET is_default=FALSE, updated_at=NOW() WHERE product_id=$1 AND is_default`, productID)
	return err
}

func (r *txRepository) MarkDefault(ctx context.Context, bomID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE boms SET is_default=TRUE, updated_at=NOW() WHERE id=$1`, bomID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepository) insertItems(ctx context.Context, bomID int64, items []BomItem) error {
	for _, item := range items {
		_, err := r.tx.Exec(ctx, `INSERT INTO bom_items (bom_id, component_id, qty_per_unit, position, notes)
VALUES ($1, $2, $3::numeric, $4, $5)`, bomID, item.ComponentID, item.QuantityPerUnit.String(), item.Position, item.Notes)
		if err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
