// Package config handles configuration loading and validation for the
// ladder worker's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration structure.
type Config struct {
	Account    AccountConfig    `yaml:"account"`
	Venue      VenueConfig      `yaml:"venue"`
	Ladder     LadderConfig     `yaml:"ladder"`
	Decimals   DecimalsConfig   `yaml:"decimals"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Settlement SettlementConfig `yaml:"settlement"`
	System     SystemConfig     `yaml:"system"`
}

// AccountConfig contains account identity and signing material.
type AccountConfig struct {
	AccountID     string `yaml:"account_id"`
	PrivateKeyHex string `yaml:"private_key_hex"`
	LedgerID      string `yaml:"ledger_id"`
	KeyType       string `yaml:"key_type"`
}

// VenueConfig contains transport and price-source settings.
type VenueConfig struct {
	APIBaseURL           string `yaml:"api_base_url"`
	RedisConnectionString string `yaml:"redis_connection_string"`
	RedisIndexKey        string `yaml:"redis_index_key"`
	RedisPollIntervalMs  int    `yaml:"redis_poll_interval_ms"`
}

// LadderConfig contains ladder shape and spread parameters.
type LadderConfig struct {
	NumLevels            uint32  `yaml:"num_levels"`
	Level0Quantity       float64 `yaml:"level_0_quantity"`
	Levels1To2Quantity   float64 `yaml:"levels_1_to_2_quantity"`
	Levels3PlusQuantity  float64 `yaml:"levels_3_plus_quantity"`
	BaseSpreadUSD        float64 `yaml:"base_spread_usd"`
	LevelSpacingUSD      float64 `yaml:"level_spacing_usd"`
	InitialMarginFactor  float64 `yaml:"initial_margin_factor"`
}

// DecimalsConfig contains the venue's fixed-point exponents.
type DecimalsConfig struct {
	TradingDecimals    uint32 `yaml:"trading_decimals"`
	SettlementDecimals uint32 `yaml:"settlement_decimals"`
}

// ExecutionConfig contains replacement-executor behavior switches.
type ExecutionConfig struct {
	UpdateBehavior             string `yaml:"update_behavior"` // "sequential" | "atomic"
	AtomicReplacementDelayMs   int    `yaml:"atomic_replacement_delay_ms"`
	EnableSelfTradePrevention  bool   `yaml:"enable_self_trade_prevention"`
	SequentialPeelDelayMs      int    `yaml:"sequential_peel_delay_ms"`
}

// SettlementConfig contains token-refresh and settlement cadence settings.
type SettlementConfig struct {
	TokenRefreshIntervalSeconds int  `yaml:"token_refresh_interval_seconds"`
	ContinuousSettlement        bool `yaml:"continuous_settlement"`
}

// SystemConfig contains general operational settings.
type SystemConfig struct {
	LogLevel    string `yaml:"log_level"`
	AuditDBPath string `yaml:"audit_db_path"`
}

// ValidationError represents a configuration validation failure.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %q (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load reads a YAML configuration file, expands environment variables in
// its text, parses, and validates it.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Settlement.TokenRefreshIntervalSeconds == 0 {
		c.Settlement.TokenRefreshIntervalSeconds = 800
	}
	if c.Execution.UpdateBehavior == "" {
		c.Execution.UpdateBehavior = "sequential"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.System.AuditDBPath == "" {
		c.System.AuditDBPath = "ladder-mm-audit.db"
	}
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var msgs []string

	if err := c.validateAccount(); err != nil {
		msgs = append(msgs, err.Error())
	}
	if err := c.validateVenue(); err != nil {
		msgs = append(msgs, err.Error())
	}
	if err := c.validateLadder(); err != nil {
		msgs = append(msgs, err.Error())
	}
	if err := c.validateDecimals(); err != nil {
		msgs = append(msgs, err.Error())
	}
	if err := c.validateExecution(); err != nil {
		msgs = append(msgs, err.Error())
	}

	if len(msgs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(msgs, "\n"))
	}
	return nil
}

func (c *Config) validateAccount() error {
	if c.Account.AccountID == "" {
		return ValidationError{Field: "account.account_id", Message: "required"}
	}
	if c.Account.PrivateKeyHex == "" {
		return ValidationError{Field: "account.private_key_hex", Message: "required"}
	}
	return nil
}

func (c *Config) validateVenue() error {
	if c.Venue.APIBaseURL == "" {
		return ValidationError{Field: "venue.api_base_url", Message: "required"}
	}
	if c.Venue.RedisConnectionString == "" {
		return ValidationError{Field: "venue.redis_connection_string", Message: "required"}
	}
	if c.Venue.RedisIndexKey == "" {
		return ValidationError{Field: "venue.redis_index_key", Message: "required"}
	}
	if c.Venue.RedisPollIntervalMs <= 0 {
		return ValidationError{Field: "venue.redis_poll_interval_ms", Value: c.Venue.RedisPollIntervalMs, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateLadder() error {
	if c.Ladder.NumLevels == 0 {
		return ValidationError{Field: "ladder.num_levels", Message: "must be positive"}
	}
	if c.Ladder.LevelSpacingUSD <= 0 {
		return ValidationError{Field: "ladder.level_spacing_usd", Value: c.Ladder.LevelSpacingUSD, Message: "must be positive"}
	}
	if c.Ladder.BaseSpreadUSD < 0 {
		return ValidationError{Field: "ladder.base_spread_usd", Value: c.Ladder.BaseSpreadUSD, Message: "must be non-negative"}
	}
	return nil
}

func (c *Config) validateDecimals() error {
	if c.Decimals.TradingDecimals > 18 {
		return ValidationError{Field: "decimals.trading_decimals", Value: c.Decimals.TradingDecimals, Message: "must be <= 18"}
	}
	if c.Decimals.SettlementDecimals > 18 {
		return ValidationError{Field: "decimals.settlement_decimals", Value: c.Decimals.SettlementDecimals, Message: "must be <= 18"}
	}
	return nil
}

func (c *Config) validateExecution() error {
	if c.Execution.UpdateBehavior != "sequential" && c.Execution.UpdateBehavior != "atomic" {
		return ValidationError{Field: "execution.update_behavior", Value: c.Execution.UpdateBehavior, Message: "must be one of: sequential, atomic"}
	}
	if c.Execution.UpdateBehavior == "atomic" && c.Execution.AtomicReplacementDelayMs <= 0 {
		return ValidationError{Field: "execution.atomic_replacement_delay_ms", Message: "required and must be positive in atomic mode"}
	}
	if c.Execution.EnableSelfTradePrevention && c.Execution.SequentialPeelDelayMs <= 0 {
		return ValidationError{Field: "execution.sequential_peel_delay_ms", Message: "required and must be positive when STP is enabled"}
	}
	return nil
}

// expandEnvVars substitutes ${VAR} references in the raw YAML text.
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}
