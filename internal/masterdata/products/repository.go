package products

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	mdshared "github.com/fabrica-erp/fabrica/internal/masterdata/shared"
	"github.com/fabrica-erp/fabrica/internal/shared"
)

// Repository abstracts product persistence.
type Repository interface {
	List(ctx context.Context, filters mdshared.ListFilters) ([]Product, int, error)
	Get(ctx context.Context, id int64) (Product, error)
	Create(ctx context.Context, product Product) (Product, error)
	Update(ctx context.Context, id int64, product Product) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const productColumns = `id, sku, name, is_manufactured, is_purchasable, is_sellable, cost_price::text, qty_precision, is_active, created_at, updated_at`

func (r *repository) List(ctx context.Context, filters mdshared.ListFilters) ([]Product, int, error) {
	filters = filters.Normalize()
	where := `WHERE ($1 = '' OR sku ILIKE '%' || $1 || '%' OR name ILIKE '%' || $1 || '%')
  AND ($2::boolean IS NULL OR is_active = $2)`
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM products `+where, filters.Search, filters.IsActive).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, fmt.Sprintf(`SELECT %s FROM products %s ORDER BY sku ASC LIMIT $3 OFFSET $4`, productColumns, where),
		filters.Search, filters.IsActive, filters.Limit, filters.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (Product, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM products WHERE id=$1`, productColumns), id)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, shared.ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

func (r *repository) Create(ctx context.Context, product Product) (Product, error) {
	err := r.db.QueryRow(ctx, `INSERT INTO products (sku, name, is_manufactured, is_purchasable, is_sellable, cost_price, qty_precision, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, NOW(), NOW()) RETURNING id, created_at, updated_at`,
		product.SKU, product.Name, product.IsManufactured, product.IsPurchasable, product.IsSellable,
		product.CostPrice.String(), product.QtyPrecision, product.IsActive).
		Scan(&product.ID, &product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		return Product{}, err
	}
	return product, nil
}

func (r *repository) Update(ctx context.Context, id int64, product Product) error {
	tag, err := r.db.Exec(ctx, `UPDATE products SET name=$2, is_manufactured=$3, is_purchasable=$4, is_sellable=$5, cost_price=$6::numeric, qty_precision=$7, is_active=$8, updated_at=NOW()
WHERE id=$1`, id, product.Name, product.IsManufactured, product.IsPurchasable, product.IsSellable,
		product.CostPrice.String(), product.QtyPrecision, product.IsActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (Product, error) {
	var p Product
	var cost string
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.IsManufactured, &p.IsPurchasable, &p.IsSellable, &cost, &p.QtyPrecision, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Product{}, err
	}
	var err error
	if p.CostPrice, err = decimal.NewFromString(cost); err != nil {
		return Product{}, err
	}
	return p, nil
}
