package suppliers

import (
	"context"
	"strings"

	mdshared "github.com/fabrica-erp/fabrica/internal/masterdata/shared"
	"github.com/fabrica-erp/fabrica/internal/shared"
)

// Service owns the supplier registry.
type Service struct {
	repo Repository
}

// NewService builds Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, filters mdshared.ListFilters) ([]Supplier, int, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) Get(ctx context.Context, id int64) (Supplier, error) {
	if id <= 0 {
		return Supplier{}, shared.Validationf("suppliers: invalid supplier ID")
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) Create(ctx context.Context, supplier Supplier) (Supplier, error) {
	if err := validate(supplier); err != nil {
		return Supplier{}, err
	}
	supplier.IsActive = true
	return s.repo.Create(ctx, supplier)
}

func (s *Service) Update(ctx context.Context, id int64, supplier Supplier) error {
	if id <= 0 {
		return shared.Validationf("suppliers: invalid supplier ID")
	}
	if err := validate(supplier); err != nil {
		return err
	}
	return s.repo.Update(ctx, id, supplier)
}

// Deactivate soft-disables a supplier.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	supplier, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	supplier.IsActive = false
	return s.repo.Update(ctx, id, supplier)
}

func validate(s Supplier) error {
	if strings.TrimSpace(s.Code) == "" {
		return shared.Validationf("suppliers: code is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		return shared.Validationf("suppliers: name is required")
	}
	if s.LeadDays < 0 {
		return shared.Validationf("suppliers: lead days cannot be negative")
	}
	return nil
}
