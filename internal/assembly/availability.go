package assembly

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/fabrica-erp/fabrica/internal/bom"
)

// AvailabilityItem reports one component of an availability check.
type AvailabilityItem struct {
	ComponentID int64           `json:"component_id"`
	LocationID  int64           `json:"location_id"`
	Required    decimal.Decimal `json:"required"`
	Available   decimal.Decimal `json:"available"`
	Shortage    decimal.Decimal `json:"shortage"`
}

// AvailabilityReport is an advisory snapshot of component coverage. It is
// computed without locks and may be stale the moment it returns; Release
// re-validates against the live ledger.
type AvailabilityReport struct {
	OrderID          int64              `json:"order_id"`
	Items            []AvailabilityItem `json:"items"`
	IsFullyAvailable bool               `json:"is_fully_available"`
	CheckedAt        time.Time          `json:"checked_at"`
}

const availabilityCacheTTL = 15 * time.Second

func availabilityCacheKey(orderID int64) string {
	return fmt.Sprintf("assembly:availability:%d", orderID)
}

func (s *Service) buildAvailability(ctx context.Context, order AssemblyOrder, b bom.BillOfMaterials) (AvailabilityReport, error) {
	report := AvailabilityReport{
		OrderID:          order.ID,
		Items:            make([]AvailabilityItem, 0, len(b.Items)),
		IsFullyAvailable: true,
		CheckedAt:        time.Now().UTC(),
	}
	for _, item := range b.Items {
		required := item.QuantityPerUnit.Mul(order.QtyPlanned)
		available, err := s.reader.Available(ctx, item.ComponentID, order.LocationID)
		if err != nil {
			return AvailabilityReport{}, err
		}
		shortage := required.Sub(available)
		if shortage.Sign() < 0 {
			shortage = decimal.Zero
		}
		if shortage.Sign() > 0 {
			report.IsFullyAvailable = false
		}
		report.Items = append(report.Items, AvailabilityItem{
			ComponentID: item.ComponentID,
			LocationID:  order.LocationID,
			Required:    required,
			Available:   available,
			Shortage:    shortage,
		})
	}
	return report, nil
}

func (s *Service) cachedAvailability(ctx context.Context, orderID int64) (AvailabilityReport, bool) {
	if s.cache == nil {
		return AvailabilityReport{}, false
	}
	raw, err := s.cache.Get(ctx, availabilityCacheKey(orderID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("availability cache read", "order_id", orderID, "error", err)
		}
		return AvailabilityReport{}, false
	}
	var report AvailabilityReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return AvailabilityReport{}, false
	}
	return report, true
}

func (s *Service) storeAvailability(ctx context.Context, report AvailabilityReport) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, availabilityCacheKey(report.OrderID), raw, availabilityCacheTTL).Err(); err != nil {
		s.logger.Warn("availability cache write", "order_id", report.OrderID, "error", err)
	}
}

func (s *Service) invalidateAvailability(ctx context.Context, orderID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, availabilityCacheKey(orderID)).Err(); err != nil {
		s.logger.Warn("availability cache invalidate", "order_id", orderID, "error", err)
	}
}
