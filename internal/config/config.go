// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration structure
type Config struct {
	Accounts  map[string]AccountConfig `yaml:"accounts"`
	Symbols   map[string]SymbolConfig  `yaml:"symbols"`
	Broker    BrokerConfig             `yaml:"broker"`
	Exit      ExitConfig               `yaml:"exit"`
	Reconcile ReconcileConfig          `yaml:"reconcile"`
	Feed      FeedConfig               `yaml:"feed"`
	System    SystemConfig             `yaml:"system"`
	Telemetry TelemetryConfig          `yaml:"telemetry"`
	Alerts    AlertConfig              `yaml:"alerts"`
	Store     StoreConfig              `yaml:"store"`
}

// AccountConfig describes one brokerage account session
type AccountConfig struct {
	AuthToken   string `yaml:"auth_token" validate:"required"`
	Environment string `yaml:"environment" validate:"oneof=simulated live"`
	BaseURL     string `yaml:"base_url"`
	StreamURL   string `yaml:"stream_url"` // broker push stream websocket
}

// SymbolConfig holds per-contract parameters
type SymbolConfig struct {
	TickSize           float64 `yaml:"tick_size" validate:"required,min=0"`
	ContractMultiplier float64 `yaml:"contract_multiplier" validate:"required,min=0"`
	StopLossTicks      int     `yaml:"stop_loss_ticks"`    // 0 disables the price-driven stop
	TakeProfitTicks    int     `yaml:"take_profit_ticks"`  // distance for the protective TP
	ATRBarInterval     string  `yaml:"atr_bar_interval"`   // e.g. "1m"
	ATRWindow          int     `yaml:"atr_window"`         // bars in the true-range SMA
}

// BrokerConfig tunes the gateway
type BrokerConfig struct {
	// Brokers rate-limit per auth token, not per account; accounts sharing
	// a token share one limiter.
	RateLimitPerToken float64 `yaml:"rate_limit_per_token" validate:"min=0.1,max=100"`
	RateBurst         int     `yaml:"rate_burst" validate:"min=1,max=100"`
	RequestTimeout    int     `yaml:"request_timeout_ms" validate:"min=100,max=60000"`
}

// ExitConfig tunes the exit state machine and kill switch
type ExitConfig struct {
	ConfirmPollInterval int    `yaml:"confirm_poll_interval_ms" validate:"min=50,max=5000"`
	ConfirmTimeout      int    `yaml:"confirm_timeout_ms" validate:"min=500,max=60000"`
	KillSwitchDeadline  int    `yaml:"kill_switch_deadline_ms" validate:"min=100,max=5000"`
	// RejectPolicy decides what happens when an exit market order is
	// rejected while the broker still reports a nonzero position:
	// manual (halt + alert), killswitch (escalate), retry_once.
	RejectPolicy string `yaml:"reject_policy" validate:"oneof=manual killswitch retry_once"`
}

// ReconcileConfig tunes the drift reconciler
type ReconcileConfig struct {
	Interval int `yaml:"interval_seconds" validate:"min=1,max=3600"`
}

// FeedConfig tunes the price feed adapter
type FeedConfig struct {
	WebsocketURL           string `yaml:"websocket_url"`
	ReconnectDelay         int    `yaml:"reconnect_delay_seconds" validate:"min=1,max=300"`
	PongWait               int    `yaml:"pong_wait_seconds" validate:"min=1,max=300"`
	PingInterval           int    `yaml:"ping_interval_seconds" validate:"min=1,max=300"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertConfig configures operator alert channels
type AlertConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// StoreConfig selects the durable store
type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
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

// LoadConfig loads configuration from a YAML file with env var expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAccounts(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSymbols(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateBroker(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExit(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateAccounts() error {
	if len(c.Accounts) == 0 {
		return ValidationError{
			Field:   "accounts",
			Message: "at least one account must be configured",
		}
	}

	for name, acct := range c.Accounts {
		if acct.AuthToken == "" {
			return ValidationError{
				Field:   fmt.Sprintf("accounts.%s.auth_token", name),
				Message: "auth token is required",
			}
		}
		if acct.Environment != "simulated" && acct.Environment != "live" {
			return ValidationError{
				Field:   fmt.Sprintf("accounts.%s.environment", name),
				Value:   acct.Environment,
				Message: "must be one of: simulated, live",
			}
		}
	}
	return nil
}

func (c *Config) validateSymbols() error {
	if len(c.Symbols) == 0 {
		return ValidationError{
			Field:   "symbols",
			Message: "at least one symbol must be configured",
		}
	}

	for name, sym := range c.Symbols {
		if sym.TickSize <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("symbols.%s.tick_size", name),
				Value:   sym.TickSize,
				Message: "tick size must be positive",
			}
		}
		if sym.ContractMultiplier <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("symbols.%s.contract_multiplier", name),
				Value:   sym.ContractMultiplier,
				Message: "contract multiplier must be positive",
			}
		}
	}
	return nil
}

func (c *Config) validateBroker() error {
	if c.Broker.RateLimitPerToken <= 0 {
		return ValidationError{
			Field:   "broker.rate_limit_per_token",
			Value:   c.Broker.RateLimitPerToken,
			Message: "rate limit must be positive",
		}
	}
	if c.Broker.RateBurst < 1 {
		return ValidationError{
			Field:   "broker.rate_burst",
			Value:   c.Broker.RateBurst,
			Message: "burst must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateExit() error {
	validPolicies := []string{"manual", "killswitch", "retry_once"}
	if !contains(validPolicies, c.Exit.RejectPolicy) {
		return ValidationError{
			Field:   "exit.reject_policy",
			Value:   c.Exit.RejectPolicy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validPolicies, ", ")),
		}
	}
	if c.Exit.KillSwitchDeadline <= 0 {
		return ValidationError{
			Field:   "exit.kill_switch_deadline_ms",
			Value:   c.Exit.KillSwitchDeadline,
			Message: "kill switch deadline must be positive",
		}
	}
	if c.Exit.ConfirmPollInterval >= c.Exit.ConfirmTimeout {
		return ValidationError{
			Field:   "exit.confirm_poll_interval_ms",
			Value:   c.Exit.ConfirmPollInterval,
			Message: "poll interval must be shorter than the confirm timeout",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
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

// ConfirmPoll returns the confirmation poll interval as a duration
func (c *ExitConfig) ConfirmPoll() time.Duration {
	return time.Duration(c.ConfirmPollInterval) * time.Millisecond
}

// ConfirmDeadline returns the confirmation timeout as a duration
func (c *ExitConfig) ConfirmDeadline() time.Duration {
	return time.Duration(c.ConfirmTimeout) * time.Millisecond
}

// KillDeadline returns the kill switch hard deadline as a duration
func (c *ExitConfig) KillDeadline() time.Duration {
	return time.Duration(c.KillSwitchDeadline) * time.Millisecond
}

// String returns the configuration with secrets masked
func (c *Config) String() string {
	cp := *c
	cp.Accounts = make(map[string]AccountConfig, len(c.Accounts))
	for name, acct := range c.Accounts {
		acct.AuthToken = maskString(acct.AuthToken)
		cp.Accounts[name] = acct
	}
	cp.Alerts.SlackWebhookURL = maskString(c.Alerts.SlackWebhookURL)
	cp.Alerts.TelegramBotToken = maskString(c.Alerts.TelegramBotToken)

	data, _ := yaml.Marshal(cp)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		Accounts: map[string]AccountConfig{
			"sim": {
				AuthToken:   "test_token",
				Environment: "simulated",
			},
		},
		Symbols: map[string]SymbolConfig{
			"ESZ6": {
				TickSize:           0.25,
				ContractMultiplier: 50.0,
				StopLossTicks:      40,
				TakeProfitTicks:    20,
				ATRBarInterval:     "1m",
				ATRWindow:          14,
			},
		},
		Broker: BrokerConfig{
			RateLimitPerToken: 10,
			RateBurst:         15,
			RequestTimeout:    5000,
		},
		Exit: ExitConfig{
			ConfirmPollInterval: 200,
			ConfirmTimeout:      5000,
			KillSwitchDeadline:  750,
			RejectPolicy:        "manual",
		},
		Reconcile: ReconcileConfig{
			Interval: 30,
		},
		Feed: FeedConfig{
			ReconnectDelay: 5,
			PongWait:       60,
			PingInterval:   30,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Store: StoreConfig{
			SQLitePath: "autotrader.db",
		},
	}
}
