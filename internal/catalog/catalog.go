package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bot-pedidos/internal/metrics"

	"golang.org/x/sync/singleflight"
)

const maxImageBytes = 5 << 20

// ErrCatalogUnavailable means neither the cache file nor the source produced products.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

// Config holds Lookup configuration.
type Config struct {
	Path         string
	ImageTimeout time.Duration
}

// Lookup searches the locally cached product list.
type Lookup struct {
	path    string
	source  Source
	logger  *slog.Logger
	metrics *metrics.Metrics
	http    *http.Client
	group   singleflight.Group

	mu       sync.RWMutex
	products []Product
	modTime  time.Time
}

// New creates a Lookup backed by the cache file at cfg.Path.
func New(cfg Config, source Source, logger *slog.Logger, metrics *metrics.Metrics) *Lookup {
	timeout := cfg.ImageTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Lookup{
		path:    cfg.Path,
		source:  source,
		logger:  logger.With("component", "catalog"),
		metrics: metrics,
		http:    &http.Client{Timeout: timeout},
	}
}

// Find returns the first product whose name, description or identifier contains query.
// Fields are tried in that order across the whole catalog, products in declared order.
func (l *Lookup) Find(ctx context.Context, query string) (Product, bool) {
	needle := Normalize(query)
	if needle == "" {
		return Product{}, false
	}

	products, err := l.Products(ctx)
	if err != nil {
		l.logger.Warn("catalog lookup unavailable", "error", err, "query", query)
		return Product{}, false
	}

	fields := []func(Product) string{
		func(p Product) string { return p.Name },
		func(p Product) string { return p.Description },
		func(p Product) string { return p.ID },
	}
	for _, field := range fields {
		for _, p := range products {
			if strings.Contains(Normalize(field(p)), needle) {
				return p, true
			}
		}
	}
	return Product{}, false
}

// Products loads the cached catalog, refreshing once from the source when the file is missing.
func (l *Lookup) Products(ctx context.Context) ([]Product, error) {
	info, err := os.Stat(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		l.logger.Info("catalog cache missing, refreshing from source", "path", l.path)
		if _, err := l.refreshShared(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
		}
		info, err = os.Stat(l.path)
	}
	if err != nil {
		if cached := l.cached(); cached != nil {
			return cached, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}

	l.mu.RLock()
	fresh := l.products != nil && info.ModTime().Equal(l.modTime)
	products := l.products
	l.mu.RUnlock()
	if fresh {
		return products, nil
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	products, err = parseProducts(data)
	if err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if products == nil {
		products = []Product{}
	}

	l.mu.Lock()
	l.products = products
	l.modTime = info.ModTime()
	l.mu.Unlock()
	return products, nil
}

// Refresh forces a reload from the source and rewrites the cache file.
func (l *Lookup) Refresh(ctx context.Context) (int, error) {
	return l.refreshShared(ctx)
}

// Image downloads the product picture.
func (l *Lookup) Image(ctx context.Context, p Product) ([]byte, string, error) {
	if strings.TrimSpace(p.ImageURL) == "" {
		return nil, "", errors.New("product has no image")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ImageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	res, err := l.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("image request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return nil, "", fmt.Errorf("image request: status=%d", res.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, maxImageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	mime := res.Header.Get("Content-Type")
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

func (l *Lookup) cached() []Product {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.products
}

func (l *Lookup) refreshShared(ctx context.Context) (int, error) {
	v, err, _ := l.group.Do("refresh", func() (any, error) {
		return l.refresh(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (l *Lookup) refresh(ctx context.Context) (int, error) {
	items, err := l.source.Fetch(ctx)
	if err != nil {
		l.countRefresh("error")
		return 0, fmt.Errorf("fetch catalog: %w", err)
	}

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		l.countRefresh("error")
		return 0, fmt.Errorf("marshal catalog: %w", err)
	}
	if err := writeFileAtomic(l.path, data); err != nil {
		l.countRefresh("error")
		return 0, err
	}

	info, err := os.Stat(l.path)
	if err == nil {
		l.mu.Lock()
		l.products = items
		l.modTime = info.ModTime()
		l.mu.Unlock()
	}

	l.countRefresh("ok")
	l.logger.Info("product catalog saved", "path", l.path, "total_products", len(items))
	return len(items), nil
}

func (l *Lookup) countRefresh(status string) {
	if l.metrics != nil {
		l.metrics.CatalogRefreshes.WithLabelValues(status).Inc()
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure catalog dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".catalog-*.json")
	if err != nil {
		return fmt.Errorf("create temp catalog: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp catalog: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write catalog file: %w", err)
	}
	return nil
}
