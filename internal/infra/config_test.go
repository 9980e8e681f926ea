package infra

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
app:
  name: marketsim
  version: "0.1.0"
feed:
  ws_url: wss://feed.example.com/ws
  instruments: [BTCUSDT, ETHUSDT]
portfolio:
  name: demo
  begin_money: "100000"
engine:
  check_money: true
  max_depth: 3
logging:
  level: debug
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Portfolio.Name != "demo" || cfg.Portfolio.BeginMoney != "100000" {
		t.Errorf("portfolio = %+v", cfg.Portfolio)
	}
	if len(cfg.Feed.Instruments) != 2 {
		t.Errorf("instruments = %v", cfg.Feed.Instruments)
	}
	if !cfg.Engine.CheckMoney || cfg.Engine.MaxDepth != 3 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	// Unset engine fields are filled with defaults.
	if cfg.Engine.SpreadSize != 2 {
		t.Errorf("spread size = %d, want default 2", cfg.Engine.SpreadSize)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "app:\n  name: marketsim\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Portfolio.Name != "sim" {
		t.Errorf("portfolio name = %q, want default sim", cfg.Portfolio.Name)
	}
	if cfg.Engine.MaxDepth != 5 {
		t.Errorf("max depth = %d, want default 5", cfg.Engine.MaxDepth)
	}
}

func TestLoadConfig_InvalidFeedURL(t *testing.T) {
	path := writeConfig(t, "feed:\n  ws_url: https://not-a-ws-url\n")

	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig accepted a non-websocket URL")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("MARKETSIM_FEED_URL", "wss://override.example.com/ws")
	t.Setenv("MARKETSIM_PORTFOLIO", "override")
	t.Setenv("MARKETSIM_LOG_LEVEL", "warn")

	path := writeConfig(t, `
feed:
  ws_url: wss://feed.example.com/ws
portfolio:
  name: file
logging:
  level: info
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Feed.WSURL != "wss://override.example.com/ws" {
		t.Errorf("ws url = %q, want the env override", cfg.Feed.WSURL)
	}
	if cfg.Portfolio.Name != "override" || cfg.Logging.Level != "warn" {
		t.Errorf("config = %+v, want env overrides applied", cfg)
	}
}
