package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Security      SecurityConfig      `mapstructure:"security"`
	Payment       PaymentConfig       `mapstructure:"payment"`
	Upstream      UpstreamConfig      `mapstructure:"upstream"`
	Gateways      GatewaysConfig      `mapstructure:"gateways"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SecurityConfig holds the shared secret used for every cross-boundary HMAC
// signature (upstream -> core, core -> upstream, gateway webhooks where the
// provider reuses the shared channel). Distributed out of band.
type SecurityConfig struct {
	UpstreamSecret       string        `mapstructure:"upstream_secret"`
	CancelDriftTolerance time.Duration `mapstructure:"cancel_drift_tolerance"`
}

type PaymentConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	IdempotencyTTL  time.Duration `mapstructure:"idempotency_ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize  int           `mapstructure:"sweep_batch_size"`
	DispatchWorkers int           `mapstructure:"dispatch_workers"`
}

type UpstreamConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type GatewaysConfig struct {
	BankQR BankQRConfig `mapstructure:"bank_qr"`
	Wallet WalletConfig `mapstructure:"wallet"`
	PayPal PayPalConfig `mapstructure:"paypal"`
}

type BankQRConfig struct {
	QRBaseURL     string `mapstructure:"qr_base_url"`
	Account       string `mapstructure:"account"`
	Bank          string `mapstructure:"bank"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type WalletConfig struct {
	PartnerCode string        `mapstructure:"partner_code"`
	AccessKey   string        `mapstructure:"access_key"`
	SecretKey   string        `mapstructure:"secret_key"`
	APIURL      string        `mapstructure:"api_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type PayPalConfig struct {
	ClientID     string  `mapstructure:"client_id"`
	ClientSecret string  `mapstructure:"client_secret"`
	Sandbox      bool    `mapstructure:"sandbox"`
	VNDToUSDRate float64 `mapstructure:"vnd_to_usd_rate"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// LoadConfigFromEnv builds the configuration from environment variables for
// container deployments where no config file is mounted.
func LoadConfigFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("SERVER_PORT", 8080),
			BaseURL:           getEnv("SERVER_BASE_URL", "http://localhost:8080"),
			ReadHeaderTimeout: getEnvAsDuration("SERVER_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Source:          getEnv("DATABASE_SOURCE", ""),
			MaxOpenConns:    getEnvAsInt("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvAsInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DATABASE_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Security: SecurityConfig{
			UpstreamSecret:       getEnv("UPSTREAM_SECRET_KEY", ""),
			CancelDriftTolerance: getEnvAsDuration("CANCEL_DRIFT_TOLERANCE", 300*time.Second),
		},
		Payment: PaymentConfig{
			TTL:             getEnvAsDuration("PAYMENT_TTL", 15*time.Minute),
			IdempotencyTTL:  getEnvAsDuration("IDEMPOTENCY_TTL", 10*time.Minute),
			SweepInterval:   getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
			SweepBatchSize:  getEnvAsInt("SWEEP_BATCH_SIZE", 100),
			DispatchWorkers: getEnvAsInt("DISPATCH_WORKERS", 4),
		},
		Upstream: UpstreamConfig{
			BaseURL: getEnv("UPSTREAM_BASE_URL", ""),
			Timeout: getEnvAsDuration("UPSTREAM_TIMEOUT", 10*time.Second),
		},
		Gateways: GatewaysConfig{
			BankQR: BankQRConfig{
				QRBaseURL:     getEnv("BANK_QR_BASE_URL", "https://qr.sepay.vn/img"),
				Account:       getEnv("BANK_QR_ACCOUNT", ""),
				Bank:          getEnv("BANK_QR_BANK", ""),
				WebhookSecret: getEnv("BANK_QR_WEBHOOK_SECRET", ""),
			},
			Wallet: WalletConfig{
				PartnerCode: getEnv("WALLET_PARTNER_CODE", ""),
				AccessKey:   getEnv("WALLET_ACCESS_KEY", ""),
				SecretKey:   getEnv("WALLET_SECRET_KEY", ""),
				APIURL:      getEnv("WALLET_API_URL", ""),
				Timeout:     getEnvAsDuration("WALLET_TIMEOUT", 30*time.Second),
			},
			PayPal: PayPalConfig{
				ClientID:     getEnv("PAYPAL_CLIENT_ID", ""),
				ClientSecret: getEnv("PAYPAL_CLIENT_SECRET", ""),
				Sandbox:      getEnv("PAYPAL_ENV", "sandbox") != "production",
				VNDToUSDRate: float64(getEnvAsInt("PAYPAL_VND_TO_USD_RATE", 23000)),
			},
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
	}
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Payment.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("payment config: %v", err))
	}

	if err := c.Upstream.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("upstream config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *SecurityConfig) Validate() error {
	if c.UpstreamSecret == "" {
		return errors.New("upstream_secret is required")
	}
	if c.CancelDriftTolerance <= 0 {
		return errors.New("cancel_drift_tolerance must be positive")
	}
	return nil
}

func (c *PaymentConfig) Validate() error {
	if c.TTL <= 0 {
		return errors.New("ttl must be positive")
	}
	if c.IdempotencyTTL <= 0 {
		return errors.New("idempotency_ttl must be positive")
	}
	if c.SweepBatchSize <= 0 {
		return errors.New("sweep_batch_size must be positive")
	}
	return nil
}

func (c *UpstreamConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	return nil
}
