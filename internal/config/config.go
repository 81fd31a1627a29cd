// Package config loads the engine configuration from defaults, an
// optional TOML file, and ILPD_-prefixed environment variables, in
// that priority order.
package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Config is the complete ilpd configuration.
type Config struct {
	// ILPAddress is the prefix under which local accounts are
	// addressable, e.g. "test.halcyon".
	ILPAddress string `mapstructure:"ilp_address"`

	// OpenPaymentsURL is the public base of the Open Payments
	// surfaces; connection URLs hang off it.
	OpenPaymentsURL string `mapstructure:"open_payments_url"`

	// WalletAddressURL is the base under which wallet addresses are
	// served over SPSP.
	WalletAddressURL string `mapstructure:"wallet_address_url"`

	// AuthServerGrantURL is the remote grant endpoint used when
	// resolving receivers at other servers.
	AuthServerGrantURL string `mapstructure:"auth_server_grant_url"`

	// StreamSecret seeds shared-secret derivation, base64, 32 bytes.
	StreamSecret string `mapstructure:"stream_secret"`

	// KeyID and PrivateKey sign outbound Open Payments requests.
	// PrivateKey is a base64 Ed25519 seed.
	KeyID      string `mapstructure:"key_id"`
	PrivateKey string `mapstructure:"private_key"`

	QuoteLifespan         time.Duration `mapstructure:"quote_lifespan"`
	Slippage              float64       `mapstructure:"slippage"`
	ExchangeRatesURL      string        `mapstructure:"exchange_rates_url"`
	ExchangeRatesLifetime time.Duration `mapstructure:"exchange_rates_lifetime"`

	// WithdrawalThrottleDelay spaces web-monetization withdrawal
	// events per wallet address.
	WithdrawalThrottleDelay time.Duration `mapstructure:"withdrawal_throttle_delay"`

	// IncomingPaymentExpiry applies when a created incoming payment
	// names no expiry of its own.
	IncomingPaymentExpiry time.Duration `mapstructure:"incoming_payment_expiry"`

	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

type LogConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Dev switches to the console encoder with colored levels.
	Dev bool `mapstructure:"dev"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type HTTPConfig struct {
	// OpenPaymentsListen serves SPSP and connection resources.
	OpenPaymentsListen string `mapstructure:"open_payments_listen"`

	// ConnectorListen serves the ILP-over-HTTP peer endpoint.
	ConnectorListen string `mapstructure:"connector_listen"`

	// PeerTimeout bounds one outbound packet round trip.
	PeerTimeout time.Duration `mapstructure:"peer_timeout"`
}

type PipelineConfig struct {
	MaxHoldTime              time.Duration `mapstructure:"max_hold_time"`
	IncomingPacketsPerSecond uint64        `mapstructure:"incoming_packets_per_second"`
	IncomingAmountPerSecond  uint64        `mapstructure:"incoming_amount_per_second"`
	OutgoingAmountPerSecond  uint64        `mapstructure:"outgoing_amount_per_second"`
}

type WebhookConfig struct {
	// URL receives every event as a JSON POST. Empty disables the
	// dispatcher.
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type WorkerConfig struct {
	// PollInterval paces the background loops when idle.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	OutgoingRetryBackoff time.Duration `mapstructure:"outgoing_retry_backoff"`
	OutgoingMaxBackoff   time.Duration `mapstructure:"outgoing_max_backoff"`
	OutgoingMaxAttempts  int           `mapstructure:"outgoing_max_attempts"`
}

// StreamSecretBytes decodes and length-checks the stream secret.
func (c *Config) StreamSecretBytes() ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(c.StreamSecret)
	if err != nil {
		return nil, fmt.Errorf("stream_secret: %w", err)
	}
	if len(secret) != 32 {
		return nil, fmt.Errorf("stream_secret: need 32 bytes, got %d", len(secret))
	}
	return secret, nil
}

// Validate checks the configuration for values the engine cannot run
// with.
func (c *Config) Validate() error {
	if c.ILPAddress == "" {
		return fmt.Errorf("ilp_address is required")
	}
	if _, err := c.StreamSecretBytes(); err != nil {
		return err
	}
	if c.Slippage < 0 || c.Slippage >= 1 {
		return fmt.Errorf("slippage must be in [0, 1), got %g", c.Slippage)
	}
	if c.QuoteLifespan <= 0 {
		return fmt.Errorf("quote_lifespan must be positive")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required for driver %q", c.Database.Driver)
	}
	if c.Webhook.URL != "" && c.Webhook.MaxAttempts <= 0 {
		return fmt.Errorf("webhook max_attempts must be positive")
	}
	return nil
}
