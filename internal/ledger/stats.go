package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"bot-pedidos/internal/repo"
)

// ErrInvalidGranularity is returned by ByPeriod for an unknown bucket size.
var ErrInvalidGranularity = errors.New("invalid granularity")

// Granularity is the calendar bucket used by ByPeriod.
type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// Summary aggregates the matching orders. Monetary fields exclude cancelled orders.
type Summary struct {
	Count           int                      `json:"count"`
	Revenue         int64                    `json:"revenue"`
	ProductRevenue  int64                    `json:"product_revenue"`
	DeliveryRevenue int64                    `json:"delivery_revenue"`
	AvgOrderValue   float64                  `json:"avg_order_value"`
	CountByStatus   map[repo.OrderStatus]int `json:"count_by_status"`
}

// ProductStat is one row of TopProducts.
type ProductStat struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Count     int    `json:"count"`
	Revenue   int64  `json:"revenue"`
}

// PeriodStat is one bucket of ByPeriod.
type PeriodStat struct {
	Period  string `json:"period"`
	Count   int    `json:"count"`
	Revenue int64  `json:"revenue"`
}

// Summarize aggregates the orders matching c.
func (l *Ledger) Summarize(c Criteria) Summary {
	orders := l.Search(c)
	s := Summary{
		Count:         len(orders),
		CountByStatus: make(map[repo.OrderStatus]int),
	}
	billable := 0
	for _, o := range orders {
		s.CountByStatus[o.Status]++
		if o.Status == repo.StatusCancelled {
			continue
		}
		billable++
		s.Revenue += o.Payment.Total
		s.ProductRevenue += o.Payment.ProductPrice
		s.DeliveryRevenue += o.Payment.DeliveryCost
	}
	if billable > 0 {
		s.AvgOrderValue = float64(s.Revenue) / float64(billable)
	}
	return s
}

// TopProducts ranks products by order count, then revenue. limit <= 0 returns all.
func (l *Ledger) TopProducts(limit int, c Criteria) []ProductStat {
	byID := make(map[string]*ProductStat)
	var order []string
	for _, o := range l.Search(c) {
		if o.Status == repo.StatusCancelled {
			continue
		}
		st, ok := byID[o.Product.ID]
		if !ok {
			st = &ProductStat{ProductID: o.Product.ID, Name: o.Product.Name}
			byID[o.Product.ID] = st
			order = append(order, o.Product.ID)
		}
		st.Count++
		st.Revenue += o.Payment.Total
	}

	out := make([]ProductStat, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Revenue > out[j].Revenue
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ByPeriod buckets non-cancelled orders by calendar day, ISO week or month
// in the ledger's time zone, ascending by period key.
func (l *Ledger) ByPeriod(g Granularity, c Criteria) ([]PeriodStat, error) {
	var key func(time.Time) string
	switch g {
	case Day:
		key = func(t time.Time) string { return t.Format("2006-01-02") }
	case Week:
		key = func(t time.Time) string {
			year, week := t.ISOWeek()
			return fmt.Sprintf("%04d-W%02d", year, week)
		}
	case Month:
		key = func(t time.Time) string { return t.Format("2006-01") }
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidGranularity, g)
	}

	buckets := make(map[string]*PeriodStat)
	for _, o := range l.Search(c) {
		if o.Status == repo.StatusCancelled {
			continue
		}
		k := key(o.CreatedAt.In(l.loc))
		b, ok := buckets[k]
		if !ok {
			b = &PeriodStat{Period: k}
			buckets[k] = b
		}
		b.Count++
		b.Revenue += o.Payment.Total
	}

	out := make([]PeriodStat, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out, nil
}
