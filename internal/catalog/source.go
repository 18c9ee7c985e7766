package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Source produces the full product list from the upstream catalog.
type Source interface {
	Fetch(ctx context.Context) ([]Product, error)
}

// HTTPSource reads the catalog export published by the spreadsheet service.
type HTTPSource struct {
	url    string
	apiKey string
	http   *http.Client
}

// SourceConfig configures HTTPSource.
type SourceConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// NewHTTPSource builds a Source over a JSON endpoint.
func NewHTTPSource(cfg SourceConfig) *HTTPSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPSource{
		url:    strings.TrimSpace(cfg.URL),
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: timeout},
	}
}

// Fetch downloads and decodes the product list.
func (s *HTTPSource) Fetch(ctx context.Context) ([]Product, error) {
	if s.url == "" {
		return nil, fmt.Errorf("catalog source url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "bot-pedidos/catalog")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	res, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("catalog source error: status=%d body=%s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	items, err := parseProducts(body)
	if err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return items, nil
}
