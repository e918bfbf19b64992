package shared

const (
	// DefaultPage is the first list page.
	DefaultPage = 1
	// DefaultLimit caps list pages.
	DefaultLimit = 20
)

// ListFilters represents standard list filters.
type ListFilters struct {
	Page     int
	Limit    int
	Search   string
	IsActive *bool
}

// Normalize fills defaults.
func (f ListFilters) Normalize() ListFilters {
	if f.Page <= 0 {
		f.Page = DefaultPage
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = DefaultLimit
	}
	return f
}

// Offset computes the SQL offset.
func (f ListFilters) Offset() int {
	return (f.Page - 1) * f.Limit
}
