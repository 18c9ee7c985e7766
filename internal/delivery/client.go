package delivery

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bot-pedidos/internal/flexjson"
	"bot-pedidos/internal/metrics"

	"github.com/google/uuid"
)

const quoteEndpoint = "/delivery/quote"

var (
	// ErrInvalidRequest indicates the address triple is incomplete.
	ErrInvalidRequest = errors.New("delivery quote request incomplete")
	// ErrQuoteRejected indicates the service could not price the address.
	ErrQuoteRejected = errors.New("delivery quote rejected")
)

// Request is the address triple sent for pricing.
type Request struct {
	Address      string `json:"address"`
	Neighborhood string `json:"neighborhood"`
	City         string `json:"city"`
}

// Quote is a priced delivery with the route map rendered to disk.
type Quote struct {
	CostMinor    int64
	MapImagePath string
	Distance     string
}

// Config holds delivery client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	MapDir  string
}

// Client calls the delivery cost service.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	mapDir  string
	http    *http.Client
	metrics *metrics.Metrics
}

// New creates a delivery client.
func New(cfg Config, logger *slog.Logger, metrics *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	mapDir := cfg.MapDir
	if mapDir == "" {
		mapDir = os.TempDir()
	}
	return &Client{
		logger:  logger.With("component", "delivery"),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		mapDir:  mapDir,
		http:    &http.Client{Timeout: timeout},
		metrics: metrics,
	}
}

// quoteResponse accepts the field spellings the service has used over time.
type quoteResponse struct {
	Cost      float64
	HasCost   bool
	MapPath   string
	MapBase64 string
	Distance  string
	Error     string
}

func (r *quoteResponse) UnmarshalJSON(data []byte) error {
	f, err := flexjson.Decode(data)
	if err != nil {
		return err
	}
	f.Merge("data")
	r.Cost, r.HasCost = f.Number("cost", "costo", "delivery_cost", "valor_domicilio", "price")
	r.MapPath = f.String("map_image_path", "map_path", "mapa")
	r.MapBase64 = f.String("map_image_base64", "map_base64", "image_base64")
	r.Distance = f.String("distance", "distancia")
	r.Error = f.String("error", "message", "mensaje")
	return nil
}

// Quote prices a delivery to the given address.
func (c *Client) Quote(ctx context.Context, req Request) (*Quote, error) {
	req.Address = strings.TrimSpace(req.Address)
	req.Neighborhood = strings.TrimSpace(req.Neighborhood)
	req.City = strings.TrimSpace(req.City)
	if req.Address == "" || req.City == "" {
		return nil, ErrInvalidRequest
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal quote request: %w", err)
	}

	var resp quoteResponse
	if err := c.do(ctx, http.MethodPost, quoteEndpoint, bytes.NewReader(payload), &resp); err != nil {
		return nil, err
	}
	if !resp.HasCost || resp.Cost < 0 {
		msg := resp.Error
		switch {
		case msg != "":
		case resp.HasCost:
			msg = fmt.Sprintf("negative cost %v", resp.Cost)
		default:
			msg = "missing cost"
		}
		return nil, fmt.Errorf("%w: %s", ErrQuoteRejected, msg)
	}

	quote := &Quote{
		CostMinor: int64(math.Round(resp.Cost)),
		Distance:  resp.Distance,
	}
	switch {
	case resp.MapPath != "":
		quote.MapImagePath = resp.MapPath
	case resp.MapBase64 != "":
		path, err := c.saveMap(resp.MapBase64)
		if err != nil {
			c.logger.Warn("store delivery map failed", "error", err)
		} else {
			quote.MapImagePath = path
		}
	}

	c.logger.Info("delivery quoted",
		"city", req.City,
		"neighborhood", req.Neighborhood,
		"cost", quote.CostMinor,
		"map", quote.MapImagePath,
	)
	return quote, nil
}

func (c *Client) saveMap(encoded string) (string, error) {
	if idx := strings.Index(encoded, ","); idx >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode map image: %w", err)
	}
	if err := os.MkdirAll(c.mapDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure map dir: %w", err)
	}
	path := filepath.Join(c.mapDir, uuid.NewString()+".png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write map image: %w", err)
	}
	return path, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, dest any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "bot-pedidos/delivery-client")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.observe("error", start)
		return fmt.Errorf("delivery request: %w", err)
	}
	defer res.Body.Close()
	c.observe(strconv.Itoa(res.StatusCode), start)

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		return classifyHTTPError(res.StatusCode, string(bodyBytes))
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) observe(status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.DeliveryRequests.WithLabelValues(status).Inc()
	c.metrics.DeliveryLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

func classifyHTTPError(status int, body string) error {
	snippet := strings.TrimSpace(body)
	if status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusNotFound {
		return fmt.Errorf("%w: status=%d body=%s", ErrQuoteRejected, status, snippet)
	}
	return fmt.Errorf("delivery error: status=%d body=%s", status, snippet)
}
