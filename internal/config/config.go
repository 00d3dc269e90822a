package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Fantasim/chainwatch/internal/models"
)

// Config holds all watcherd configuration loaded from environment variables.
type Config struct {
	DBPath           string `envconfig:"CHAINWATCH_DB_PATH" default:"./data/chainwatch.sqlite"`
	Port             int    `envconfig:"CHAINWATCH_PORT" default:"8080"`
	LogLevel         string `envconfig:"CHAINWATCH_LOG_LEVEL" default:"info"`
	LogDir           string `envconfig:"CHAINWATCH_LOG_DIR" default:"./logs"`
	Network          string `envconfig:"CHAINWATCH_NETWORK" default:"mainnet"`
	RPCHost          string `envconfig:"CHAINWATCH_RPC_HOST" required:"true"`
	RPCUser          string `envconfig:"CHAINWATCH_RPC_USER" required:"true"`
	RPCPassword      string `envconfig:"CHAINWATCH_RPC_PASSWORD" required:"true"`
	PollIntervalSec  int    `envconfig:"CHAINWATCH_POLL_INTERVAL_SEC" default:"5"`
	Properties       string `envconfig:"CHAINWATCH_PROPERTIES" default:"0"`
	CallbackRPS      int    `envconfig:"CHAINWATCH_CALLBACK_RPS" default:"10"`
	CallbackTimeout  int    `envconfig:"CHAINWATCH_CALLBACK_TIMEOUT_SEC" default:"10"`
	MaxRuleTimeoutHr int    `envconfig:"CHAINWATCH_MAX_RULE_TIMEOUT_HOURS" default:"24"`
}

// Load reads configuration from .env file (if present) then from environment variables.
func Load() (*Config, error) {
	envFiles := []string{".env"}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				slog.Warn("failed to load .env file", "file", f, "error", err)
			} else {
				slog.Info("loaded .env file", "file", f)
			}
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Network != "mainnet" && c.Network != "testnet" && c.Network != "regtest" {
		return fmt.Errorf("invalid config: network must be \"mainnet\", \"testnet\" or \"regtest\", got %q", c.Network)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid config: port must be 1-65535, got %d", c.Port)
	}
	if c.PollIntervalSec < 1 {
		return fmt.Errorf("invalid config: CHAINWATCH_POLL_INTERVAL_SEC must be >= 1, got %d", c.PollIntervalSec)
	}
	if c.CallbackRPS < 1 {
		return fmt.Errorf("invalid config: CHAINWATCH_CALLBACK_RPS must be >= 1, got %d", c.CallbackRPS)
	}
	if c.MaxRuleTimeoutHr < 1 {
		return fmt.Errorf("invalid config: CHAINWATCH_MAX_RULE_TIMEOUT_HOURS must be >= 1, got %d", c.MaxRuleTimeoutHr)
	}
	if _, err := c.PropertyList(); err != nil {
		return err
	}
	return nil
}

// ChainParams returns the btcd chain parameters for the configured network.
func (c *Config) ChainParams() *chaincfg.Params {
	switch c.Network {
	case "testnet":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// PropertyList parses the comma-separated property id list from the config.
func (c *Config) PropertyList() ([]models.PropertyID, error) {
	parts := strings.Split(c.Properties, ",")
	props := make([]models.PropertyID, 0, len(parts))
	seen := make(map[models.PropertyID]bool)
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 32)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid config: CHAINWATCH_PROPERTIES entry %q is not a property id", p)
		}
		id := models.PropertyID(n)
		if seen[id] {
			continue
		}
		seen[id] = true
		props = append(props, id)
	}
	if len(props) == 0 {
		return nil, fmt.Errorf("invalid config: CHAINWATCH_PROPERTIES must list at least one property id")
	}
	return props, nil
}
