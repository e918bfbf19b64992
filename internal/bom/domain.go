package bom

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// BomItem is one component line of a bill of materials.
type BomItem struct {
	ID              int64
	BomID           int64
	ComponentID     int64
	QuantityPerUnit decimal.Decimal
	Position        int
	Notes           string
}

// BillOfMaterials is a versioned recipe for one finished product. Records
// are append-only once referenced by a non-draft assembly order: edits under
// a new version insert a new record instead of mutating the referenced one.
type BillOfMaterials struct {
	ID        int64
	ProductID int64
	Version   string
	IsDefault bool
	Notes     string
	Items     []BomItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrDuplicateVersion indicates (product, version) already exists.
var ErrDuplicateVersion = errors.New("bom: version already exists for product")
