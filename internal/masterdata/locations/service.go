package locations

import (
	"context"
	"strings"

	mdshared "github.com/fabrica-erp/fabrica/internal/masterdata/shared"
	"github.com/fabrica-erp/fabrica/internal/shared"
)

// Service owns the location registry.
type Service struct {
	repo Repository
}

// NewService builds Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, filters mdshared.ListFilters) ([]Location, int, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) Get(ctx context.Context, id int64) (Location, error) {
	if id <= 0 {
		return Location{}, shared.Validationf("locations: invalid location ID")
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) Create(ctx context.Context, location Location) (Location, error) {
	if err := validate(location); err != nil {
		return Location{}, err
	}
	location.IsActive = true
	return s.repo.Create(ctx, location)
}

func (s *Service) Update(ctx context.Context, id int64, location Location) error {
	if id <= 0 {
		return shared.Validationf("locations: invalid location ID")
	}
	if err := validate(location); err != nil {
		return err
	}
	return s.repo.Update(ctx, id, location)
}

// Deactivate soft-disables a location. Existing balances stay readable.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	location, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	location.IsActive = false
	return s.repo.Update(ctx, id, location)
}

func validate(l Location) error {
	if strings.TrimSpace(l.Code) == "" {
		return shared.Validationf("locations: code is required")
	}
	if strings.TrimSpace(l.Name) == "" {
		return shared.Validationf("locations: name is required")
	}
	return nil
}
