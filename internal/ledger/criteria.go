package ledger

import (
	"strings"
	"time"

	"bot-pedidos/internal/catalog"
	"bot-pedidos/internal/repo"
)

// Criteria filters orders; every set field must match.
type Criteria struct {
	Statuses []repo.OrderStatus
	// From is inclusive, To exclusive. Zero values leave the range open.
	From     time.Time
	To       time.Time
	Customer string
	Product  string
	MinTotal *int64
	MaxTotal *int64
}

func (c Criteria) matches(o repo.Order) bool {
	if len(c.Statuses) > 0 && !containsStatus(c.Statuses, o.Status) {
		return false
	}
	if !c.From.IsZero() && o.CreatedAt.Before(c.From) {
		return false
	}
	if !c.To.IsZero() && !o.CreatedAt.Before(c.To) {
		return false
	}
	if c.MinTotal != nil && o.Payment.Total < *c.MinTotal {
		return false
	}
	if c.MaxTotal != nil && o.Payment.Total > *c.MaxTotal {
		return false
	}
	if q := catalog.Normalize(c.Customer); q != "" {
		fields := []string{
			o.Customer.Name,
			o.Customer.IDNumber,
			o.Customer.Sender,
			o.Customer.DisplayName,
			o.Customer.Neighborhood,
			o.Customer.Address,
			o.Customer.City,
		}
		if !anyContains(fields, q) {
			return false
		}
	}
	if q := catalog.Normalize(c.Product); q != "" {
		if catalog.Normalize(o.Product.ID) != q && !strings.Contains(catalog.Normalize(o.Product.Name), q) {
			return false
		}
	}
	return true
}

func containsStatus(list []repo.OrderStatus, s repo.OrderStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func anyContains(fields []string, q string) bool {
	for _, f := range fields {
		if strings.Contains(catalog.Normalize(f), q) {
			return true
		}
	}
	return false
}
