package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime settings sourced from the environment.
type Config struct {
	AppEnv           string `envconfig:"APP_ENV" default:"development"`
	LogLevel         string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat        string `envconfig:"LOG_FORMAT" default:"text"`
	HTTPListenAddr   string `envconfig:"HTTP_LISTEN_ADDR" default:":8080"`
	PublicBasePath   string `envconfig:"PUBLIC_BASE_PATH"`
	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"bot_pedidos"`

	DatabaseURL    string `envconfig:"DATABASE_URL"`
	DatabaseSchema string `envconfig:"DATABASE_SCHEMA"`
	SQLitePath     string `envconfig:"SQLITE_PATH" default:"data/pedidos.db"`

	RedisAddr           string        `envconfig:"REDIS_ADDR"`
	RedisPassword       string        `envconfig:"REDIS_PASSWORD"`
	RedisDB             int           `envconfig:"REDIS_DB" default:"0"`
	RedisTLS            bool          `envconfig:"REDIS_TLS" default:"false"`
	RedisStateTTL       time.Duration `envconfig:"REDIS_STATE_TTL" default:"24h"`
	LedgerEventsChannel string        `envconfig:"LEDGER_EVENTS_CHANNEL" default:"pedidos:ledger"`

	WhatsAppStorePath string `envconfig:"WHATSAPP_STORE_PATH" default:"data/whatsapp.db"`
	WhatsAppLogLevel  string `envconfig:"WHATSAPP_LOG_LEVEL" default:"INFO"`
	OperatorJID       string `envconfig:"OPERATOR_JID"`

	IdleTimeout   time.Duration `envconfig:"IDLE_TIMEOUT" default:"30m"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`

	CatalogPath         string        `envconfig:"CATALOG_PATH" default:"data/catalog.json"`
	CatalogSourceURL    string        `envconfig:"CATALOG_SOURCE_URL"`
	CatalogAPIKey       string        `envconfig:"CATALOG_API_KEY"`
	CatalogDocumentPath string        `envconfig:"CATALOG_DOCUMENT_PATH" default:"data/catalogo.pdf"`
	CatalogTimeout      time.Duration `envconfig:"CATALOG_TIMEOUT" default:"20s"`

	DeliveryBaseURL string        `envconfig:"DELIVERY_BASE_URL"`
	DeliveryAPIKey  string        `envconfig:"DELIVERY_API_KEY"`
	DeliveryTimeout time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"30s"`
	MapDir          string        `envconfig:"MAP_DIR" default:"data/maps"`

	ReceiptDir          string `envconfig:"RECEIPT_DIR" default:"data/receipts"`
	PaymentInstructions string `envconfig:"PAYMENT_INSTRUCTIONS" default:"Realiza la transferencia a la cuenta de ahorros indicada por el asesor y envía la foto del comprobante."`
	Timezone            string `envconfig:"TIMEZONE" default:"America/Bogota"`
}

// Load reads configuration from the environment and validates required keys.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Location resolves the configured timezone, defaulting to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(c.Timezone))
	if err != nil {
		return time.UTC
	}
	return loc
}

// UsePostgres reports whether a Postgres DSN was provided.
func (c *Config) UsePostgres() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

func (c *Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.OperatorJID) == "" {
		errs = append(errs, errors.New("OPERATOR_JID is required"))
	}
	if strings.TrimSpace(c.DeliveryBaseURL) == "" {
		errs = append(errs, errors.New("DELIVERY_BASE_URL is required"))
	}
	if strings.TrimSpace(c.CatalogSourceURL) == "" {
		errs = append(errs, errors.New("CATALOG_SOURCE_URL is required"))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("IDLE_TIMEOUT must be positive"))
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return errors.Join(errs...)
}
