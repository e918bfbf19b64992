package products

import (
	"strings"

	"github.com/fabrica-erp/fabrica/internal/shared"
)

func validate(p Product) error {
	if strings.TrimSpace(p.SKU) == "" {
		return shared.Validationf("products: SKU is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return shared.Validationf("products: name is required")
	}
	if p.CostPrice.Sign() < 0 {
		return shared.Validationf("products: cost price cannot be negative")
	}
	if p.QtyPrecision < 0 || p.QtyPrecision > 6 {
		return shared.Validationf("products: qty precision must be between 0 and 6")
	}
	if !p.IsManufactured && !p.IsPurchasable && !p.IsSellable {
		return shared.Validationf("products: at least one of manufactured, purchasable or sellable must be set")
	}
	return nil
}
