package locations

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	mdshared "github.com/fabrica-erp/fabrica/internal/masterdata/shared"
	"github.com/fabrica-erp/fabrica/internal/shared"
)

// Repository abstracts location persistence.
type Repository interface {
	List(ctx context.Context, filters mdshared.ListFilters) ([]Location, int, error)
	Get(ctx context.Context, id int64) (Location, error)
	Create(ctx context.Context, location Location) (Location, error)
	Update(ctx context.Context, id int64, location Location) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const locationColumns = `id, code, name, is_receiving, is_manufacturing, is_shipping, is_active, created_at, updated_at`

func (r *repository) List(ctx context.Context, filters mdshared.ListFilters) ([]Location, int, error) {
	filters = filters.Normalize()
	where := `WHERE ($1 = '' OR code ILIKE '%' || $1 || '%' OR name ILIKE '%' || $1 || '%')
  AND ($2::boolean IS NULL OR is_active = $2)`
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM locations `+where, filters.Search, filters.IsActive).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, fmt.Sprintf(`SELECT %s FROM locations %s ORDER BY code ASC LIMIT $3 OFFSET $4`, locationColumns, where),
		filters.Search, filters.IsActive, filters.Limit, filters.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []Location{}
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.ID, &l.Code, &l.Name, &l.IsReceiving, &l.IsManufacturing, &l.IsShipping, &l.IsActive, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, l)
	}
	return items, total, rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (Location, error) {
	var l Location
	err := r.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM locations WHERE id=$1`, locationColumns), id).
		Scan(&l.ID, &l.Code, &l.Name, &l.IsReceiving, &l.IsManufacturing, &l.IsShipping, &l.IsActive, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Location{}, shared.ErrNotFound
		}
		return Location{}, err
	}
	return l, nil
}

func (r *repository) Create(ctx context.Context, location Location) (Location, error) {
	err := r.db.QueryRow(ctx, `INSERT INTO locations (code, name, is_receiving, is_manufacturing, is_shipping, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW()) RETURNING id, created_at, updated_at`,
		location.Code, location.Name, location.IsReceiving, location.IsManufacturing, location.IsShipping, location.IsActive).
		Scan(&location.ID, &location.CreatedAt, &location.UpdatedAt)
	if err != nil {
		return Location{}, err
	}
	return location, nil
}

func (r *repository) Update(ctx context.Context, id int64, location Location) error {
	tag, err := r.db.Exec(ctx, `UPDATE locations SET name=$2, is_receiving=$3, is_manufacturing=$4, is_shipping=$5, is_active=$6, updated_at=NOW()
WHERE id=$1`, id, location.Name, location.IsReceiving, location.IsManufacturing, location.IsShipping, location.IsActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
