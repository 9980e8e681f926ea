package infra

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"marketsim/internal/engine"
)

// Config holds the application configuration for the host programs.
// Values loaded from the file can be overridden by environment variables.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Feed struct {
		WSURL       string   `yaml:"ws_url"`
		Instruments []string `yaml:"instruments"`
	} `yaml:"feed"`

	Portfolio struct {
		Name              string `yaml:"name"`
		BeginMoney        string `yaml:"begin_money"`
		CommissionPercent string `yaml:"commission_percent"`
	} `yaml:"portfolio"`

	Engine engine.Settings `yaml:"engine"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and validates the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Portfolio.Name == "" {
		c.Portfolio.Name = "sim"
	}
	if c.Feed.WSURL != "" &&
		!strings.HasPrefix(c.Feed.WSURL, "ws://") && !strings.HasPrefix(c.Feed.WSURL, "wss://") {
		return fmt.Errorf("invalid feed WS URL: %s", c.Feed.WSURL)
	}
	if err := c.Engine.Normalize(); err != nil {
		return err
	}
	return nil
}

// overrideWithEnv lets the environment take precedence over the file.
func overrideWithEnv(cfg *Config) {
	if url := os.Getenv("MARKETSIM_FEED_URL"); url != "" {
		cfg.Feed.WSURL = url
	}
	if pf := os.Getenv("MARKETSIM_PORTFOLIO"); pf != "" {
		cfg.Portfolio.Name = pf
	}
	if lvl := os.Getenv("MARKETSIM_LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
}
