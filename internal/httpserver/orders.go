package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bot-pedidos/internal/ledger"
	"bot-pedidos/internal/repo"

	"github.com/go-chi/chi/v5"
)

const dateLayout = "2006-01-02"

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	c, err := parseCriteria(r.URL.Query(), s.deps.Location)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	orders := s.deps.Orders.Search(c)
	writeJSON(w, map[string]any{
		"items": orders,
		"count": len(orders),
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	order, err := s.deps.Orders.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, order)
}

type statusRequest struct {
	Status string `json:"status"`
	Actor  string `json:"actor"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	var req statusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	status, ok := repo.ParseOrderStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
		return
	}

	order, err := s.deps.Orders.SetStatus(r.Context(), chi.URLParam(r, "id"), status, req.Actor)
	switch {
	case errors.Is(err, ledger.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, ledger.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("update order status failed", "order_id", chi.URLParam(r, "id"), "error", err)
		s.metrics.IncError("http")
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, order)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	c, err := parseCriteria(r.URL.Query(), s.deps.Location)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, s.deps.Orders.Summarize(c))
}

func (s *Server) handleTopProducts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	q := r.URL.Query()
	c, err := parseCriteria(q, s.deps.Location)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 10
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}
	writeJSON(w, map[string]any{"items": s.deps.Orders.TopProducts(limit, c)})
}

func (s *Server) handleByPeriod(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	q := r.URL.Query()
	c, err := parseCriteria(q, s.deps.Location)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g := ledger.Granularity(strings.ToLower(strings.TrimSpace(q.Get("granularity"))))
	if g == "" {
		g = ledger.Day
	}
	items, err := s.deps.Orders.ByPeriod(g, c)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]any{"granularity": g, "items": items})
}

func parseCriteria(q url.Values, loc *time.Location) (ledger.Criteria, error) {
	var c ledger.Criteria
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := repo.ParseOrderStatus(part)
			if !ok {
				return c, fmt.Errorf("unknown status %q", part)
			}
			c.Statuses = append(c.Statuses, status)
		}
	}

	var err error
	if c.From, err = parseBound(q.Get("from"), loc, false); err != nil {
		return c, fmt.Errorf("invalid from: %w", err)
	}
	if c.To, err = parseBound(q.Get("to"), loc, true); err != nil {
		return c, fmt.Errorf("invalid to: %w", err)
	}
	c.Customer = strings.TrimSpace(q.Get("customer"))
	c.Product = strings.TrimSpace(q.Get("product"))

	if c.MinTotal, err = parseAmount(q.Get("min_total")); err != nil {
		return c, fmt.Errorf("invalid min_total: %w", err)
	}
	if c.MaxTotal, err = parseAmount(q.Get("max_total")); err != nil {
		return c, fmt.Errorf("invalid max_total: %w", err)
	}
	return c, nil
}

// parseBound accepts RFC3339 or a calendar date. A date used as an upper
// bound covers the whole day.
func parseBound(raw string, loc *time.Location, upper bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	day, err := time.ParseInLocation(dateLayout, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 or %s", dateLayout)
	}
	if upper {
		day = day.AddDate(0, 0, 1)
	}
	return day, nil
}

func parseAmount(raw string) (*int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
