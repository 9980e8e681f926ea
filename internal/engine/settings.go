package engine

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Settings are the tuning knobs of the engine. Zero values are replaced
// by defaults in Normalize.
type Settings struct {
	// CheckMoney rejects registrations the portfolio cannot afford.
	CheckMoney bool `yaml:"check_money"`
	// MaxDepth bounds the number of price levels kept per side when the
	// book is synthesized from market data.
	MaxDepth int `yaml:"max_depth"`
	// SpreadSize is the synthetic spread, in price steps, built around a
	// tick when the book is empty.
	SpreadSize int `yaml:"spread_size"`
	// PriceLimitOffsetPercent sets the daily price band around the first
	// traded price of the day.
	PriceLimitOffsetPercent decimal.Decimal `yaml:"price_limit_offset_percent"`

	InitialOrderID       int64 `yaml:"initial_order_id"`
	InitialTradeID       int64 `yaml:"initial_trade_id"`
	InitialTransactionID int64 `yaml:"initial_transaction_id"`
}

// DefaultSettings returns the stock configuration.
func DefaultSettings() Settings {
	return Settings{
		MaxDepth:                5,
		SpreadSize:              2,
		PriceLimitOffsetPercent: decimal.NewFromInt(40),
	}
}

// Normalize fills zero fields with defaults and validates the rest.
func (s *Settings) Normalize() error {
	if s.MaxDepth == 0 {
		s.MaxDepth = 5
	}
	if s.SpreadSize == 0 {
		s.SpreadSize = 2
	}
	if s.PriceLimitOffsetPercent.IsZero() {
		s.PriceLimitOffsetPercent = decimal.NewFromInt(40)
	}
	if s.MaxDepth < 1 {
		return fmt.Errorf("max_depth must be positive, got %d", s.MaxDepth)
	}
	if s.SpreadSize < 1 {
		return fmt.Errorf("spread_size must be positive, got %d", s.SpreadSize)
	}
	if s.PriceLimitOffsetPercent.IsNegative() {
		return fmt.Errorf("price_limit_offset_percent must not be negative, got %s", s.PriceLimitOffsetPercent)
	}
	return nil
}

// LoadSettings reads settings from a yaml file.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := s.Normalize(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}
