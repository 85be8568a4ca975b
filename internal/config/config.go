// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default file locations, relative to the working directory.
const (
	DefaultConfigPath    = "config/config.yaml"
	DefaultAccountsPath  = "config/pm_config.json"
	DefaultStrategyDir   = "config/strategies"
	DefaultEventDBPath   = "data/events.db"
	DefaultTradingDBPath = "data/trading.db"
)

// Config represents the complete engine configuration structure
type Config struct {
	System      SystemConfig      `yaml:"system"`
	Store       StoreConfig       `yaml:"store"`
	Accounts    AccountsConfig    `yaml:"accounts"`
	Strategies  StrategiesConfig  `yaml:"strategies"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Timing      TimingConfig      `yaml:"timing"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// StoreConfig contains persistence settings
type StoreConfig struct {
	EventDBPath   string `yaml:"event_db_path"`
	MaxEvents     int    `yaml:"max_events"`
	TradingDBPath string `yaml:"trading_db_path"`
}

// AccountsConfig points at the account credentials file
type AccountsConfig struct {
	ConfigPath string `yaml:"config_path"`
}

// StrategiesConfig points at the per-user strategy directory
type StrategiesConfig struct {
	ConfigDir string `yaml:"config_dir"`
}

// ExchangeConfig contains exchange connectivity settings
type ExchangeConfig struct {
	BaseURL        string `yaml:"base_url"`        // Optional override for the REST API URL
	WSBaseURL      string `yaml:"ws_base_url"`     // Optional override for the WebSocket URL
	RequestTimeout int    `yaml:"request_timeout"` // Seconds
	MaxRetries     int    `yaml:"max_retries"`     // Order submission attempts
	RateLimit      int    `yaml:"rate_limit"`      // Requests per second
	RateBurst      int    `yaml:"rate_burst"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
	HealthPort    int  `yaml:"health_port"`
}

// AlertsConfig contains alert channel settings. Channels with empty
// credentials are disabled; alerts always reach the log regardless.
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// TimingConfig contains timing-related settings
type TimingConfig struct {
	WebsocketReconnectDelay    int `yaml:"websocket_reconnect_delay"`     // Seconds
	ListenKeyKeepaliveInterval int `yaml:"listen_key_keepalive_interval"` // Seconds
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	OrderPoolSize int `yaml:"order_pool_size"`
	CalcPoolSize  int `yaml:"calc_pool_size"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// LoadOrDefault loads the config file if it exists and falls back to
// DefaultConfig otherwise. The engine runs without a config file.
func LoadOrDefault(filename string) (*Config, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadConfig(filename)
}

func (c *Config) applyDefaults() {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Store.EventDBPath == "" {
		c.Store.EventDBPath = DefaultEventDBPath
	}
	if c.Store.MaxEvents == 0 {
		c.Store.MaxEvents = 1000
	}
	if c.Store.TradingDBPath == "" {
		c.Store.TradingDBPath = DefaultTradingDBPath
	}
	if c.Accounts.ConfigPath == "" {
		c.Accounts.ConfigPath = DefaultAccountsPath
	}
	if c.Strategies.ConfigDir == "" {
		c.Strategies.ConfigDir = DefaultStrategyDir
	}
	if c.Exchange.BaseURL == "" {
		c.Exchange.BaseURL = "https://fapi.binance.com"
	}
	if c.Exchange.WSBaseURL == "" {
		c.Exchange.WSBaseURL = "wss://fstream.binance.com"
	}
	if c.Exchange.RequestTimeout == 0 {
		c.Exchange.RequestTimeout = 10
	}
	if c.Exchange.MaxRetries == 0 {
		c.Exchange.MaxRetries = 3
	}
	if c.Exchange.RateLimit == 0 {
		c.Exchange.RateLimit = 10
	}
	if c.Exchange.RateBurst == 0 {
		c.Exchange.RateBurst = 20
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
	if c.Telemetry.HealthPort == 0 {
		c.Telemetry.HealthPort = 8081
	}
	if c.Timing.WebsocketReconnectDelay == 0 {
		c.Timing.WebsocketReconnectDelay = 3
	}
	if c.Timing.ListenKeyKeepaliveInterval == 0 {
		c.Timing.ListenKeyKeepaliveInterval = 1800
	}
	if c.Concurrency.OrderPoolSize == 0 {
		c.Concurrency.OrderPoolSize = 8
	}
	if c.Concurrency.CalcPoolSize == 0 {
		c.Concurrency.CalcPoolSize = 8
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateStoreConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateExchangeConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateTelemetryConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateTimingConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateStoreConfig() error {
	if c.Store.MaxEvents < 1 {
		return ValidationError{
			Field:   "store.max_events",
			Value:   c.Store.MaxEvents,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateExchangeConfig() error {
	if !strings.HasPrefix(c.Exchange.BaseURL, "http://") && !strings.HasPrefix(c.Exchange.BaseURL, "https://") {
		return ValidationError{
			Field:   "exchange.base_url",
			Value:   c.Exchange.BaseURL,
			Message: "must be an http(s) URL",
		}
	}
	if !strings.HasPrefix(c.Exchange.WSBaseURL, "ws://") && !strings.HasPrefix(c.Exchange.WSBaseURL, "wss://") {
		return ValidationError{
			Field:   "exchange.ws_base_url",
			Value:   c.Exchange.WSBaseURL,
			Message: "must be a ws(s) URL",
		}
	}
	if c.Exchange.MaxRetries < 1 || c.Exchange.MaxRetries > 10 {
		return ValidationError{
			Field:   "exchange.max_retries",
			Value:   c.Exchange.MaxRetries,
			Message: "must be between 1 and 10",
		}
	}
	if c.Exchange.RequestTimeout < 1 || c.Exchange.RequestTimeout > 120 {
		return ValidationError{
			Field:   "exchange.request_timeout",
			Value:   c.Exchange.RequestTimeout,
			Message: "must be between 1 and 120 seconds",
		}
	}
	return nil
}

func (c *Config) validateTelemetryConfig() error {
	if c.Telemetry.MetricsPort < 1 || c.Telemetry.MetricsPort > 65535 {
		return ValidationError{
			Field:   "telemetry.metrics_port",
			Value:   c.Telemetry.MetricsPort,
			Message: "must be a valid port",
		}
	}
	if c.Telemetry.HealthPort < 1 || c.Telemetry.HealthPort > 65535 {
		return ValidationError{
			Field:   "telemetry.health_port",
			Value:   c.Telemetry.HealthPort,
			Message: "must be a valid port",
		}
	}
	return nil
}

func (c *Config) validateTimingConfig() error {
	if c.Timing.WebsocketReconnectDelay < 1 || c.Timing.WebsocketReconnectDelay > 300 {
		return ValidationError{
			Field:   "timing.websocket_reconnect_delay",
			Value:   c.Timing.WebsocketReconnectDelay,
			Message: "must be between 1 and 300 seconds",
		}
	}
	if c.Timing.ListenKeyKeepaliveInterval < 60 || c.Timing.ListenKeyKeepaliveInterval > 3600 {
		return ValidationError{
			Field:   "timing.listen_key_keepalive_interval",
			Value:   c.Timing.ListenKeyKeepaliveInterval,
			Message: "must be between 60 and 3600 seconds",
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// MaskString masks a credential for log output, keeping the first and
// last four characters when the value is long enough to stay ambiguous.
func MaskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}
