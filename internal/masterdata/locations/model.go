package locations

import "time"

// Location is a stock-keeping place. Flags gate which documents may point
// at it: receipts need receiving locations, assembly orders need both a
// source and a manufacturing output location.
type Location struct {
	ID              int64     `json:"id"`
	Code            string    `json:"code"`
	Name            string    `json:"name"`
	IsReceiving     bool      `json:"is_receiving"`
	IsManufacturing bool      `json:"is_manufacturing"`
	IsShipping      bool      `json:"is_shipping"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
