package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fabrica-erp/fabrica/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Applier applies a movement batch atomically. Implemented by TxLedger over
// pgx and by MemoryLedger for tests.
type Applier interface {
	Apply(ctx context.Context, batch Batch) error
}

// WithTx runs fn inside a repeatable-read transaction with a TxLedger bound
// to it.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Applier) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxLedger(tx))
	})
}

// GetBalance reads the balance for one key. Missing rows read as zero.
func (r *Repository) GetBalance(ctx context.Context, productID, locationID int64) (Balance, error) {
	row := r.pool.QueryRow(ctx, `SELECT product_id, location_id, on_hand::text, reserved::text, updated_at
FROM stock_balances WHERE product_id=$1 AND location_id=$2`, productID, locationID)
	bal, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{ProductID: productID, LocationID: locationID}, nil
		}
		return Balance{}, err
	}
	return bal, nil
}

// ListBalances lists balances matching the filter.
func (r *Repository) ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT product_id, location_id, on_hand::text, reserved::text, updated_at
FROM stock_balances
WHERE ($1 = 0 OR product_id = $1) AND ($2 = 0 OR location_id = $2)
ORDER BY product_id, location_id
LIMIT $3`, filter.ProductID, filter.LocationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	balances := []Balance{}
	for rows.Next() {
		bal, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, bal)
	}
	return balances, rows.Err()
}

// ListMovements lists journal entries matching the filter.
func (r *Repository) ListMovements(ctx context.Context, filter MoveFilter) ([]Move, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, kind, product_id, location_id, qty::text, ref_module, ref_id, note, actor_id, posted_at
FROM stock_moves
WHERE ($1 = 0 OR product_id = $1)
  AND ($2 = 0 OR location_id = $2)
  AND ($3 = '' OR ref_module = $3)
  AND posted_at BETWEEN COALESCE($4, '-infinity') AND COALESCE($5, 'infinity')
ORDER BY posted_at DESC, id DESC
LIMIT $6`, filter.ProductID, filter.LocationID, filter.RefModule, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	moves := []Move{}
	for rows.Next() {
		var m Move
		var kind, qty string
		if err := rows.Scan(&m.ID, &kind, &m.ProductID, &m.LocationID, &qty, &m.RefModule, &m.RefID, &m.Note, &m.ActorID, &m.PostedAt); err != nil {
			return nil, err
		}
		m.Kind = Kind(kind)
		if m.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		moves = append(moves, m)
	}
	return moves, rows.Err()
}

// TxLedger applies movement batches inside a caller-owned transaction, so an
// engine's aggregate update and its stock effects commit or roll back as one
// unit.
type TxLedger struct {
	tx pgx.Tx
}

// NewTxLedger binds a ledger to an open transaction.
func NewTxLedger(tx pgx.Tx) *TxLedger {
	return &TxLedger{tx: tx}
}

// Apply locks every touched balance row in sorted key order, validates the
// whole batch against the live balances, then writes balances and journal
// rows. Any failure aborts with no partial application.
func (l *TxLedger) Apply(ctx context.Context, batch Batch) error {
	if len(batch.Movements) == 0 {
		return nil
	}
	balances := make(map[balanceKey]Balance)
	for _, k := range sortedKeys(batch.Movements) {
		bal, err := l.getBalanceForUpdate(ctx, k)
		if err != nil {
			return err
		}
		balances[k] = bal
	}
	updated, err := applyBatch(balances, batch)
	if err != nil {
		return err
	}
	for _, k := range sortedKeys(batch.Movements) {
		if err := l.upsertBalance(ctx, updated[k]); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	for _, mv := range batch.Movements {
		if err := l.insertMove(ctx, mv, batch.ActorID, now); err != nil {
			return err
		}
	}
	return nil
}

// Available reads the live availability for one key under the transaction.
func (l *TxLedger) Available(ctx context.Context, productID, locationID int64) (decimal.Decimal, error) {
	var onHand, reserved string
	err := l.tx.QueryRow(ctx, `SELECT on_hand::text, reserved::text FROM stock_balances
WHERE product_id=$1 AND location_id=$2`, productID, locationID).Scan(&onHand, &reserved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	oh, err := decimal.NewFromString(onHand)
	if err != nil {
		return decimal.Zero, err
	}
	rv, err := decimal.NewFromString(reserved)
	if err != nil {
		return decimal.Zero, err
	}
	return oh.Sub(rv), nil
}

func (l *TxLedger) getBalanceForUpdate(ctx context.Context, k balanceKey) (Balance, error) {
	row := l.tx.QueryRow(ctx, `SELECT product_id, location_id, on_hand::text, reserved::text, updated_at
FROM stock_balances WHERE product_id=$1 AND location_id=$2 FOR UPDATE`, k.productID, k.locationID)
	bal, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{ProductID: k.productID, LocationID: k.locationID}, nil
		}
		return Balance{}, err
	}
	return bal, nil
}

func (l *TxLedger) upsertBalance(ctx context.Context, bal Balance) error {
	_, err := l.tx.Exec(ctx, `INSERT INTO stock_balances (product_id, location_id, on_hand, reserved, updated_at)
VALUES ($1, $2, $3::numeric, $4::numeric, NOW())
ON CONFLICT (product_id, location_id) DO UPDATE SET on_hand=EXCLUDED.on_hand, reserved=EXCLUDED.reserved, updated_at=NOW()`,
		bal.ProductID, bal.LocationID, bal.OnHand.String(), bal.Reserved.String())
	return err
}

func (l *TxLedger) insertMove(ctx context.Context, mv Movement, actorID int64, postedAt time.Time) error {
	_, err := l.tx.Exec(ctx, `INSERT INTO stock_moves (kind, product_id, location_id, qty, ref_module, ref_id, note, actor_id, posted_at)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)`,
		string(mv.Kind), mv.ProductID, mv.LocationID, mv.Qty.String(), mv.RefModule, mv.RefID, mv.Note, actorID, postedAt)
	return err
}

type balanceRow interface {
	Scan(dest ...any) error
}

func scanBalance(row balanceRow) (Balance, error) {
	var bal Balance
	var onHand, reserved string
	if err := row.Scan(&bal.ProductID, &bal.LocationID, &onHand, &reserved, &bal.UpdatedAt); err != nil {
		return Balance{}, err
	}
	var err error
	if bal.OnHand, err = decimal.NewFromString(onHand); err != nil {
		return Balance{}, err
	}
	if bal.Reserved, err = decimal.NewFromString(reserved); err != nil {
		return Balance{}, err
	}
	return bal, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
