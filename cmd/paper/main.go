package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"marketsim/internal/engine"
	"marketsim/internal/infra"
	"marketsim/internal/message"
	"marketsim/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: auto-resolve)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("❌ Paper trading session failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	if configPath == "" {
		configPath = infra.ResolveConfigPath()
	}
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Feed.WSURL == "" {
		return fmt.Errorf("feed.ws_url is required for paper trading")
	}
	if len(cfg.Feed.Instruments) == 0 {
		return fmt.Errorf("feed.instruments is empty")
	}

	logger := infra.NewLogger(cfg.Logging.Level)
	slog.SetDefault(logger)
	infra.PrintBanner(cfg, "PAPER")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workDir := infra.WorkspaceDir()
	dataDir := filepath.Join(workDir, "data")
	if err := infra.EnsureDir(dataDir); err != nil {
		return err
	}
	unlock, err := infra.CreateLockFile(workDir)
	if err != nil {
		return fmt.Errorf("failed to acquire workspace lock: %w", err)
	}
	defer unlock()

	journal, err := storage.NewJournal(filepath.Join(dataDir, "marketsim.db"))
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer journal.Close()

	eng := engine.New(cfg.Engine, engine.WithLogger(logger))

	if cfg.Portfolio.BeginMoney != "" {
		money, err := decimal.NewFromString(cfg.Portfolio.BeginMoney)
		if err != nil {
			return fmt.Errorf("invalid begin_money: %w", err)
		}
		out := eng.Process(message.PositionSeed{
			Portfolio:  cfg.Portfolio.Name,
			BeginValue: money,
			Time:       time.Now().UTC(),
		})
		if err := journal.AppendAll(ctx, time.Now().UTC(), out); err != nil {
			return err
		}
	}

	// Depth subscriptions so every processed tick yields a book snapshot.
	for i, inst := range cfg.Feed.Instruments {
		out := eng.Process(message.MarketDataRequest{
			TransactionID: int64(i + 1),
			Instrument:    inst,
			Data:          message.DataDepth,
			Subscribe:     true,
			Time:          time.Now().UTC(),
		})
		if err := journal.AppendAll(ctx, time.Now().UTC(), out); err != nil {
			return err
		}
	}

	ticks := make(chan message.TickTrade, 256)
	feed := infra.NewFeed(cfg.Feed.WSURL, cfg.Feed.Instruments, ticks)
	feed.Start(ctx)
	defer feed.Stop()

	slog.InfoContext(ctx, "✨ Paper trading session started",
		slog.String("url", cfg.Feed.WSURL),
		slog.Int("instruments", len(cfg.Feed.Instruments)))

	// The engine is single threaded. Every tick passes through this loop
	// in arrival order, so the outbound journal is a faithful record of
	// one deterministic session.
	for {
		select {
		case <-ctx.Done():
			slog.Info("👋 Shutting down gracefully",
				slog.Int64("processed", eng.ProcessedCount()))
			return nil
		case tick := <-ticks:
			out := eng.Process(tick)
			if err := journal.AppendAll(context.Background(), tick.Time, out); err != nil {
				slog.Error("Failed to journal outbound messages", slog.Any("error", err))
			}
		}
	}
}
