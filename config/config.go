package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"chainflow/crypto"
)

// TierConfig declares the risk limits for one credit tier.
type TierConfig struct {
	Tier   uint8  `toml:"Tier"`
	LTVBps uint64 `toml:"LTVBps"`
	APRBps uint64 `toml:"APRBps"`
}

// LiquidationConfig declares the liquidation parameters.
type LiquidationConfig struct {
	ThresholdBps uint64 `toml:"ThresholdBps"`
	BonusBps     uint64 `toml:"BonusBps"`
}

// OracleSourceConfig declares one upstream price source.
type OracleSourceConfig struct {
	Name     string `toml:"Name"`
	Endpoint string `toml:"Endpoint"`
	APIKey   string `toml:"APIKey,omitempty"`
}

// OracleConfig declares the price feed settings.
type OracleConfig struct {
	Symbol       string               `toml:"Symbol"`
	MaxAgeSecs   int64                `toml:"MaxAgeSecs"`
	DeviationBps uint64               `toml:"DeviationBps"`
	StaticPrice  string               `toml:"StaticPrice,omitempty"`
	Sources      []OracleSourceConfig `toml:"Sources,omitempty"`
}

// TreasuryConfig declares the debt asset liquidity seeded at startup.
// Without an initial reserve the ledger cannot disburse any loan until an
// operator funds the treasury over RPC.
type TreasuryConfig struct {
	InitialReserve string `toml:"InitialReserve,omitempty"`
}

// AuthConfig declares the bearer token verification settings for the
// administrative RPC surface.
type AuthConfig struct {
	HMACSecret string `toml:"HMACSecret"`
	Issuer     string `toml:"Issuer"`
	Audience   string `toml:"Audience"`
}

// RateLimitConfig declares per-client RPC throttling.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// TelemetryConfig declares the OTLP exporter settings.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

// IndexerConfig declares the event index database.
type IndexerConfig struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// Config is the service configuration loaded from TOML.
type Config struct {
	RPCAddress   string            `toml:"RPCAddress"`
	DataDir      string            `toml:"DataDir"`
	Environment  string            `toml:"Environment"`
	AdminAddress string            `toml:"AdminAddress"`
	Tiers        []TierConfig      `toml:"Tiers"`
	Liquidation  LiquidationConfig `toml:"Liquidation"`
	Oracle       OracleConfig      `toml:"Oracle"`
	Treasury     TreasuryConfig    `toml:"Treasury"`
	Auth         AuthConfig        `toml:"Auth"`
	RateLimit    RateLimitConfig   `toml:"RateLimit"`
	Telemetry    TelemetryConfig   `toml:"Telemetry"`
	Indexer      IndexerConfig     `toml:"Indexer"`
}

const basisPoints = 10_000

// Load loads the configuration from the given path. A default configuration
// file is created when none exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./chainflow-data"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if strings.TrimSpace(cfg.Oracle.Symbol) == "" {
		cfg.Oracle.Symbol = "ATOM"
	}
	if cfg.Oracle.MaxAgeSecs <= 0 {
		cfg.Oracle.MaxAgeSecs = 60
	}
}

// Validate checks the configuration for internally consistent values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AdminAddress) != "" {
		if _, err := crypto.DecodeAddress(strings.TrimSpace(c.AdminAddress)); err != nil {
			return fmt.Errorf("config: invalid AdminAddress: %w", err)
		}
	}
	seen := make(map[uint8]bool, len(c.Tiers))
	for _, tier := range c.Tiers {
		if tier.Tier > 2 {
			return fmt.Errorf("config: unknown tier %d", tier.Tier)
		}
		if seen[tier.Tier] {
			return fmt.Errorf("config: duplicate tier %d", tier.Tier)
		}
		seen[tier.Tier] = true
		if tier.LTVBps > basisPoints {
			return fmt.Errorf("config: tier %d LTV %d exceeds %d bps", tier.Tier, tier.LTVBps, basisPoints)
		}
	}
	if c.Liquidation.ThresholdBps > basisPoints {
		return fmt.Errorf("config: liquidation threshold %d exceeds %d bps", c.Liquidation.ThresholdBps, basisPoints)
	}
	if c.Liquidation.BonusBps > basisPoints {
		return fmt.Errorf("config: liquidation bonus %d exceeds %d bps", c.Liquidation.BonusBps, basisPoints)
	}
	switch strings.ToLower(strings.TrimSpace(c.Indexer.Driver)) {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported indexer driver %q", c.Indexer.Driver)
	}
	if _, err := c.InitialReserve(); err != nil {
		return err
	}
	return nil
}

// InitialReserve parses the configured treasury seed. A missing value yields
// nil so callers can skip funding entirely.
func (c *Config) InitialReserve() (*big.Int, error) {
	raw := strings.TrimSpace(c.Treasury.InitialReserve)
	if raw == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("config: invalid Treasury.InitialReserve %q", raw)
	}
	return value, nil
}

// AdminAddr decodes the configured admin address.
func (c *Config) AdminAddr() (crypto.Address, error) {
	raw := strings.TrimSpace(c.AdminAddress)
	if raw == "" {
		return crypto.Address{}, fmt.Errorf("config: AdminAddress required")
	}
	return crypto.DecodeAddress(raw)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:  ":8545",
		DataDir:     "./chainflow-data",
		Environment: "dev",
		Tiers: []TierConfig{
			{Tier: 0, LTVBps: 5_000, APRBps: 1_400},
			{Tier: 1, LTVBps: 6_000, APRBps: 900},
			{Tier: 2, LTVBps: 7_000, APRBps: 600},
		},
		Liquidation: LiquidationConfig{ThresholdBps: 8_000, BonusBps: 500},
		Oracle: OracleConfig{
			Symbol:       "ATOM",
			MaxAgeSecs:   60,
			DeviationBps: 1_000,
			StaticPrice:  "500000000000000000",
		},
		Treasury:  TreasuryConfig{InitialReserve: "1000000000000"},
		RateLimit: RateLimitConfig{RequestsPerMinute: 600, Burst: 20},
		Indexer:   IndexerConfig{Driver: "sqlite", DSN: "chainflow-index.db"},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
