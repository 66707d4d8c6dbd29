// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Spot symbols are a base asset concatenated with the quote currency,
// always uppercase letters (BTCUSDT, SOLUSDT).
var symbolPattern = regexp.MustCompile(`^[A-Z]{6,12}$`)

// Config represents the complete configuration structure
type Config struct {
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Trading   TradingConfig   `yaml:"trading"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	Execution ExecutionConfig `yaml:"execution"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Emergency EmergencyConfig `yaml:"emergency"`
	Store     StoreConfig     `yaml:"store"`
	Audit     AuditConfig     `yaml:"audit"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	System    SystemConfig    `yaml:"system"`
}

// ExchangeConfig contains exchange connectivity settings
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key" validate:"required"`
	SecretKey string `yaml:"secret_key" validate:"required"`
	BaseURL   string `yaml:"base_url"` // Optional override for API URL
	WSBaseURL string `yaml:"ws_base_url"`
	Testnet   bool   `yaml:"testnet"`
	// Rate limit budgets; margin is applied on top of the exchange limits
	RequestWeightPerMinute int     `yaml:"request_weight_per_minute"`
	OrdersPerSecond        int     `yaml:"orders_per_second"`
	OrdersPerDay           int     `yaml:"orders_per_day"`
	RateLimitMargin        float64 `yaml:"rate_limit_margin"`
	TimeSyncIntervalMin    int     `yaml:"time_sync_interval_minutes"`
}

// TradingConfig contains trading parameters
type TradingConfig struct {
	Symbols              []string `yaml:"symbols" validate:"required,min=1"`
	QuoteCurrency        string   `yaml:"quote_currency"`
	CandleInterval       string   `yaml:"candle_interval"`
	LookbackHours        int      `yaml:"lookback_hours"`
	OrderBookDepth       int      `yaml:"orderbook_depth"`
	CycleIntervalSeconds int      `yaml:"cycle_interval_seconds"`
	MinOrderValue        float64  `yaml:"min_order_value"`
	MaxPositionValue     float64  `yaml:"max_position_value"`
}

// StrategyConfig contains signal scoring parameters
type StrategyConfig struct {
	MinScore      float64            `yaml:"min_score"`
	MinBuyScore   float64            `yaml:"min_buy_score"`  // 0 means MinScore
	MinSellScore  float64            `yaml:"min_sell_score"` // 0 means MinScore
	FactorWeights map[string]float64 `yaml:"factor_weights"`
	RiskReward    float64            `yaml:"risk_reward"`
}

// BuyThreshold returns the buy-side score threshold
func (s StrategyConfig) BuyThreshold() float64 {
	if s.MinBuyScore > 0 {
		return s.MinBuyScore
	}
	return s.MinScore
}

// SellThreshold returns the sell-side score threshold
func (s StrategyConfig) SellThreshold() float64 {
	if s.MinSellScore > 0 {
		return s.MinSellScore
	}
	return s.MinScore
}

// RiskConfig contains risk manager settings
type RiskConfig struct {
	MaxOpenPositions    int     `yaml:"max_open_positions"`
	MaxDailyLossPercent float64 `yaml:"max_daily_loss_percent"`
	MaxDrawdownPercent  float64 `yaml:"max_drawdown_percent"`
	MaxExposurePercent  float64 `yaml:"max_exposure_percent"`
	RiskPerTradePercent float64 `yaml:"risk_per_trade_percent"`
	MaxSlippagePercent  float64 `yaml:"max_slippage_percent"`
	MinLiquidity        float64 `yaml:"min_liquidity"`
	MinBalanceReserve   float64 `yaml:"min_balance_reserve"`
}

// ExecutionConfig contains order routing and execution settings
type ExecutionConfig struct {
	MarketOrderThreshold float64 `yaml:"market_order_threshold"`
	TWAPThreshold        float64 `yaml:"twap_threshold"`
	TWAPChunks           int     `yaml:"twap_chunks"`
	TWAPIntervalSeconds  int     `yaml:"twap_interval_seconds"`
	TWAPMinChunkValue    float64 `yaml:"twap_min_chunk_value"`
	TWAPMaxSpread        float64 `yaml:"twap_max_spread"`
	TWAPMaxDeviation     float64 `yaml:"twap_max_deviation"`
	DedupTTLSeconds      int     `yaml:"dedup_ttl_seconds"`
	DedupBucketMinutes   int     `yaml:"dedup_bucket_minutes"`
	PollIntervalSeconds  int     `yaml:"poll_interval_seconds"`
	PollTimeoutSeconds   int     `yaml:"poll_timeout_seconds"`
	PollMaxErrors        int     `yaml:"poll_max_errors"`
	LimitPriceOffsetBps  float64 `yaml:"limit_price_offset_bps"`
}

// MonitorConfig contains position monitor settings
type MonitorConfig struct {
	IntervalSeconds      int     `yaml:"interval_seconds"`
	AdverseSpreadPercent float64 `yaml:"adverse_spread_percent"`
	LiquidityFloor       float64 `yaml:"liquidity_floor"`
	MaxConsecutiveErrors int     `yaml:"max_consecutive_errors"`
	FeeRate              float64 `yaml:"fee_rate"`
	TrailingStopPercent  float64 `yaml:"trailing_stop_percent"`  // 0 disables trailing
	MaxPositionAgeHours  int     `yaml:"max_position_age_hours"` // 0 disables age exits
}

// EmergencyConfig contains emergency controller settings
type EmergencyConfig struct {
	MaxDailyLossPercent     float64 `yaml:"max_daily_loss_percent"`
	MaxPositionLossPercent  float64 `yaml:"max_position_loss_percent"`
	KillSwitchPath          string  `yaml:"kill_switch_path"`
	CloseVerifyDelaySeconds int     `yaml:"close_verify_delay_seconds"`
}

// StoreConfig contains trade store settings
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig contains audit trail settings
type AuditConfig struct {
	Dir        string `yaml:"dir"`
	BufferSize int    `yaml:"buffer_size"`
}

// OptimizerConfig contains the parameter optimizer settings
type OptimizerConfig struct {
	Enabled       bool `yaml:"enabled"`
	IntervalHours int  `yaml:"interval_hours"`
	MinTrades     int  `yaml:"min_trades"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	EnableTracing bool `yaml:"enable_tracing"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel    string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CloseOnExit bool   `yaml:"close_on_exit"`
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

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateExchangeConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTradingConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateStrategyConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRiskConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateExecutionConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateEmergencyConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateExchangeConfig() error {
	if err := validateCredential("exchange.api_key", c.Exchange.APIKey); err != nil {
		return err
	}
	if err := validateCredential("exchange.secret_key", c.Exchange.SecretKey); err != nil {
		return err
	}
	if c.Exchange.RateLimitMargin <= 0 || c.Exchange.RateLimitMargin > 1 {
		return ValidationError{
			Field:   "exchange.rate_limit_margin",
			Value:   c.Exchange.RateLimitMargin,
			Message: "must be in (0, 1]",
		}
	}
	return nil
}

const minCredentialLen = 20

// validateCredential rejects empty, too-short, and template-placeholder
// credentials so a copied sample config fails at startup instead of at the
// first signed request.
func validateCredential(field, value string) error {
	if value == "" {
		return ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	if len(value) < minCredentialLen {
		return ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be at least %d characters", minCredentialLen),
		}
	}
	lower := strings.ToLower(value)
	if strings.Contains(lower, "your_") || strings.Contains(lower, "changeme") || strings.Contains(value, "${") {
		return ValidationError{
			Field:   field,
			Message: "looks like a placeholder, set the real credential",
		}
	}
	return nil
}

func (c *Config) validateTradingConfig() error {
	if len(c.Trading.Symbols) == 0 {
		return ValidationError{
			Field:   "trading.symbols",
			Message: "at least one trading symbol is required",
		}
	}
	for _, sym := range c.Trading.Symbols {
		if !symbolPattern.MatchString(sym) {
			return ValidationError{
				Field:   "trading.symbols",
				Value:   sym,
				Message: "must be 6-12 uppercase letters",
			}
		}
		if !strings.HasSuffix(sym, c.Trading.QuoteCurrency) {
			return ValidationError{
				Field:   "trading.symbols",
				Value:   sym,
				Message: fmt.Sprintf("symbol must be quoted in %s", c.Trading.QuoteCurrency),
			}
		}
	}
	if c.Trading.MinOrderValue <= 0 {
		return ValidationError{
			Field:   "trading.min_order_value",
			Value:   c.Trading.MinOrderValue,
			Message: "minimum order value must be positive",
		}
	}
	if c.Trading.MaxPositionValue < c.Trading.MinOrderValue {
		return ValidationError{
			Field:   "trading.max_position_value",
			Value:   c.Trading.MaxPositionValue,
			Message: "must be at least trading.min_order_value",
		}
	}
	return nil
}

func (c *Config) validateStrategyConfig() error {
	if c.Strategy.MinScore <= 0 {
		return ValidationError{
			Field:   "strategy.min_score",
			Value:   c.Strategy.MinScore,
			Message: "minimum score must be positive",
		}
	}
	var total float64
	for _, w := range c.Strategy.FactorWeights {
		if w < 0 {
			return ValidationError{
				Field:   "strategy.factor_weights",
				Value:   w,
				Message: "factor weights must be non-negative",
			}
		}
		total += w
	}
	if c.Strategy.MinScore > total {
		return ValidationError{
			Field:   "strategy.min_score",
			Value:   c.Strategy.MinScore,
			Message: fmt.Sprintf("exceeds the maximum attainable score %.1f", total),
		}
	}
	if c.Strategy.RiskReward <= 0 {
		return ValidationError{
			Field:   "strategy.risk_reward",
			Value:   c.Strategy.RiskReward,
			Message: "risk/reward ratio must be positive",
		}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.MaxOpenPositions < 1 {
		return ValidationError{
			Field:   "risk.max_open_positions",
			Value:   c.Risk.MaxOpenPositions,
			Message: "must allow at least one position",
		}
	}
	percents := map[string]float64{
		"risk.max_daily_loss_percent": c.Risk.MaxDailyLossPercent,
		"risk.max_drawdown_percent":   c.Risk.MaxDrawdownPercent,
		"risk.max_exposure_percent":   c.Risk.MaxExposurePercent,
		"risk.risk_per_trade_percent": c.Risk.RiskPerTradePercent,
	}
	for field, val := range percents {
		if val <= 0 || val > 100 {
			return ValidationError{
				Field:   field,
				Value:   val,
				Message: "must be in (0, 100]",
			}
		}
	}
	return nil
}

func (c *Config) validateExecutionConfig() error {
	if c.Execution.MarketOrderThreshold > c.Execution.TWAPThreshold {
		return ValidationError{
			Field:   "execution.market_order_threshold",
			Value:   c.Execution.MarketOrderThreshold,
			Message: "must not exceed execution.twap_threshold",
		}
	}
	if c.Execution.TWAPChunks < 2 {
		return ValidationError{
			Field:   "execution.twap_chunks",
			Value:   c.Execution.TWAPChunks,
			Message: "TWAP needs at least two chunks",
		}
	}
	return nil
}

func (c *Config) validateEmergencyConfig() error {
	if c.Emergency.KillSwitchPath == "" {
		return ValidationError{
			Field:   "emergency.kill_switch_path",
			Message: "kill switch path is required",
		}
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

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Exchange.APIKey = maskString(configCopy.Exchange.APIKey)
	configCopy.Exchange.SecretKey = maskString(configCopy.Exchange.SecretKey)

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
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

// DefaultConfig returns a configuration with production defaults; LoadConfig
// overlays the YAML file on top of it
func DefaultConfig() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			BaseURL:                "https://api.binance.com",
			WSBaseURL:              "wss://stream.binance.com:9443/ws",
			RequestWeightPerMinute: 1200,
			OrdersPerSecond:        10,
			OrdersPerDay:           100000,
			RateLimitMargin:        0.8,
			TimeSyncIntervalMin:    60,
		},
		Trading: TradingConfig{
			Symbols:              []string{"BTCUSDT", "ETHUSDT"},
			QuoteCurrency:        "USDT",
			CandleInterval:       "1m",
			LookbackHours:        24,
			OrderBookDepth:       100,
			CycleIntervalSeconds: 60,
			MinOrderValue:        10,
			MaxPositionValue:     10000,
		},
		Strategy: StrategyConfig{
			MinScore: 7,
			FactorWeights: map[string]float64{
				"volume_profile": 2,
				"orderbook":      2,
				"cvd":            2,
				"supply_demand":  2,
				"hvn_support":    1,
				"time_of_day":    1,
			},
			RiskReward: 2,
		},
		Risk: RiskConfig{
			MaxOpenPositions:    5,
			MaxDailyLossPercent: 5,
			MaxDrawdownPercent:  15,
			MaxExposurePercent:  20,
			RiskPerTradePercent: 2,
			MaxSlippagePercent:  0.5,
			MinLiquidity:        50000,
			MinBalanceReserve:   10,
		},
		Execution: ExecutionConfig{
			MarketOrderThreshold: 1000,
			TWAPThreshold:        5000,
			TWAPChunks:           5,
			TWAPIntervalSeconds:  30,
			TWAPMinChunkValue:    50,
			TWAPMaxSpread:        0.005,
			TWAPMaxDeviation:     0.01,
			DedupTTLSeconds:      600,
			DedupBucketMinutes:   5,
			PollIntervalSeconds:  2,
			PollTimeoutSeconds:   30,
			PollMaxErrors:        3,
			LimitPriceOffsetBps:  5,
		},
		Monitor: MonitorConfig{
			IntervalSeconds:      5,
			AdverseSpreadPercent: 0.5,
			LiquidityFloor:       10000,
			MaxConsecutiveErrors: 10,
			FeeRate:              0.001,
		},
		Emergency: EmergencyConfig{
			MaxDailyLossPercent:     5,
			MaxPositionLossPercent:  10,
			KillSwitchPath:          "/tmp/KILL_SWITCH",
			CloseVerifyDelaySeconds: 2,
		},
		Store: StoreConfig{
			Path: "data/trades.db",
		},
		Audit: AuditConfig{
			Dir:        "audit_logs",
			BufferSize: 1000,
		},
		Optimizer: OptimizerConfig{
			Enabled:       true,
			IntervalHours: 24,
			MinTrades:     10,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		System: SystemConfig{
			LogLevel:    "INFO",
			CloseOnExit: false,
		},
	}
}
