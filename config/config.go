package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds everything the engine and venue adapters need. Decimal
// fields are strings in yaml to avoid float parsing surprises.
type Config struct {
	QuoteCurrency string
	MinTradable   decimal.Decimal
	// MinTradablePerAsset overrides MinTradable for specific assets.
	MinTradablePerAsset map[string]decimal.Decimal
	PreferExisting      bool
	AutoBuy             bool
	NetworkPriority     []string

	ArrivalPollInterval time.Duration
	ArrivalTimeout      time.Duration
	ArrivalTolerance    decimal.Decimal

	TakerFee          decimal.Decimal
	SafetyBuffer      decimal.Decimal
	MinQuoteWithdraw  decimal.Decimal
	ReturnFeeEstimate decimal.Decimal

	MinProfitPerUnit decimal.Decimal

	VenueRPS  int
	LedgerDir string
}

type configTmp struct {
	QuoteCurrency       string            `yaml:"quote_currency"`
	MinTradable         string            `yaml:"min_tradable"`
	MinTradablePerAsset map[string]string `yaml:"min_tradable_per_asset,omitempty"`
	PreferExisting      bool              `yaml:"prefer_existing"`
	AutoBuy             bool              `yaml:"auto_buy"`
	NetworkPriority     []string          `yaml:"network_priority"`

	ArrivalPollInterval time.Duration `yaml:"arrival_poll_interval"`
	ArrivalTimeout      time.Duration `yaml:"arrival_timeout"`
	ArrivalTolerance    string        `yaml:"arrival_tolerance,omitempty"`

	TakerFee          string `yaml:"taker_fee,omitempty"`
	SafetyBuffer      string `yaml:"safety_buffer,omitempty"`
	MinQuoteWithdraw  string `yaml:"min_quote_withdraw,omitempty"`
	ReturnFeeEstimate string `yaml:"return_fee_estimate,omitempty"`

	MinProfitPerUnit string `yaml:"min_profit_per_unit,omitempty"`

	VenueRPS  int    `yaml:"venue_rps,omitempty"`
	LedgerDir string `yaml:"ledger_dir,omitempty"`
}

// Load reads and validates the yaml config at path.
func Load(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp configTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, err
	}

	cfg := Config{
		QuoteCurrency:       tmp.QuoteCurrency,
		PreferExisting:      tmp.PreferExisting,
		AutoBuy:             tmp.AutoBuy,
		NetworkPriority:     tmp.NetworkPriority,
		ArrivalPollInterval: tmp.ArrivalPollInterval,
		ArrivalTimeout:      tmp.ArrivalTimeout,
		VenueRPS:            tmp.VenueRPS,
		LedgerDir:           tmp.LedgerDir,
	}

	if cfg.QuoteCurrency == "" {
		cfg.QuoteCurrency = "USDT"
	}
	if cfg.VenueRPS <= 0 {
		cfg.VenueRPS = 5
	}

	cfg.MinTradable, err = decimal.NewFromString(tmp.MinTradable)
	if err != nil {
		return Config{}, fmt.Errorf("incorrect 'min_tradable' param in yaml config: %w", err)
	}
	if cfg.MinTradable.LessThanOrEqual(decimal.Zero) {
		return Config{}, fmt.Errorf("'min_tradable' must be positive, got %s", cfg.MinTradable)
	}

	if len(tmp.MinTradablePerAsset) > 0 {
		cfg.MinTradablePerAsset = make(map[string]decimal.Decimal, len(tmp.MinTradablePerAsset))
		for asset, raw := range tmp.MinTradablePerAsset {
			d, err := decimal.NewFromString(raw)
			if err != nil {
				return Config{}, fmt.Errorf("incorrect 'min_tradable_per_asset' value for %s: %w", asset, err)
			}
			if d.LessThanOrEqual(decimal.Zero) {
				return Config{}, fmt.Errorf("'min_tradable_per_asset' for %s must be positive, got %s", asset, d)
			}
			cfg.MinTradablePerAsset[asset] = d
		}
	}

	cfg.ArrivalTolerance, err = optionalDecimal(tmp.ArrivalTolerance, "arrival_tolerance")
	if err != nil {
		return Config{}, err
	}
	cfg.TakerFee, err = optionalDecimal(tmp.TakerFee, "taker_fee")
	if err != nil {
		return Config{}, err
	}
	cfg.SafetyBuffer, err = optionalDecimal(tmp.SafetyBuffer, "safety_buffer")
	if err != nil {
		return Config{}, err
	}
	cfg.MinQuoteWithdraw, err = optionalDecimal(tmp.MinQuoteWithdraw, "min_quote_withdraw")
	if err != nil {
		return Config{}, err
	}
	cfg.ReturnFeeEstimate, err = optionalDecimal(tmp.ReturnFeeEstimate, "return_fee_estimate")
	if err != nil {
		return Config{}, err
	}
	cfg.MinProfitPerUnit, err = optionalDecimal(tmp.MinProfitPerUnit, "min_profit_per_unit")
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// MinTradableFor returns the minimum tradable quantity for the asset,
// falling back to the global minimum.
func (c Config) MinTradableFor(asset string) decimal.Decimal {
	if min, ok := c.MinTradablePerAsset[asset]; ok {
		return min
	}
	return c.MinTradable
}

func optionalDecimal(raw, name string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("incorrect '%s' param in yaml config: %w", name, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("'%s' must not be negative, got %s", name, d)
	}
	return d, nil
}
