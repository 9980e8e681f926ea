package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"marketsim/backtest"
	"marketsim/internal/engine"
	"marketsim/internal/infra"
	"marketsim/internal/message"
	"marketsim/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: auto-resolve)")
	instrument := flag.String("instrument", "", "replay only this instrument (default: all)")
	importPath := flag.String("import", "", "import candles from a CSV file before replaying")
	flag.Parse()

	if err := run(*configPath, *instrument, *importPath); err != nil {
		slog.Error("❌ Backtest failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath, instrument, importPath string) error {
	if configPath == "" {
		configPath = infra.ResolveConfigPath()
	}
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := infra.NewLogger(cfg.Logging.Level)
	slog.SetDefault(logger)
	infra.PrintBanner(cfg, "BACKTEST")

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

	if importPath != "" {
		n, err := importCandles(ctx, journal, importPath, instrument)
		if err != nil {
			return fmt.Errorf("failed to import candles: %w", err)
		}
		slog.Info("📥 Candles imported", slog.Int("count", n), slog.String("file", importPath))
	}

	eng := engine.New(cfg.Engine,
		engine.WithLogger(logger), engine.WithCommission(commissionFromConfig(cfg)))

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

	replayer := backtest.NewReplayer(journal, eng)
	stats, err := replayer.Run(ctx, instrument, func(ts time.Time, msgs []message.Outbound) error {
		return journal.AppendAll(ctx, ts, msgs)
	})
	if err != nil {
		return err
	}

	reportPortfolios(eng)

	slog.InfoContext(ctx, "✅ Backtest complete",
		slog.Int("candles", stats.Candles), slog.Int("messages", stats.Messages))
	return nil
}

func commissionFromConfig(cfg *infra.Config) engine.CommissionCalculator {
	if cfg.Portfolio.CommissionPercent == "" {
		return nil
	}
	pct, err := decimal.NewFromString(cfg.Portfolio.CommissionPercent)
	if err != nil {
		slog.Warn("Invalid commission_percent, trading without commission",
			slog.String("value", cfg.Portfolio.CommissionPercent))
		return nil
	}
	return engine.PercentCommission{Percent: pct}
}

// reportPortfolios logs the final state of every portfolio the run touched.
func reportPortfolios(eng *engine.Engine) {
	out := eng.Process(message.PortfolioLookup{
		TransactionID: -1,
		Time:          time.Now().UTC(),
	})
	for _, msg := range out {
		switch m := msg.(type) {
		case message.PortfolioUpdate:
			slog.Info("💰 Portfolio result",
				slog.String("portfolio", m.Portfolio),
				slog.String("realized_pnl", m.RealizedPnL.String()),
				slog.String("total_pnl", m.TotalPnL.String()),
				slog.String("commission", m.Commission.String()),
				slog.String("available", m.Available.String()))
		case message.PositionUpdate:
			slog.Info("📊 Open position",
				slog.String("portfolio", m.Portfolio),
				slog.String("instrument", m.Instrument),
				slog.String("volume", m.Volume.String()),
				slog.String("avg_price", m.AveragePrice.String()))
		}
	}
}

// importCandles loads OHLCV rows from a CSV file into the journal.
// Expected columns: open_time (RFC3339 or unix seconds), open, high,
// low, close, volume. A header row is skipped automatically.
func importCandles(ctx context.Context, journal *storage.Journal, path, instrument string) (int, error) {
	if instrument == "" {
		return 0, fmt.Errorf("-instrument is required with -import")
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6
	count := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, err
		}

		openTime, err := parseCandleTime(rec[0])
		if err != nil {
			if count == 0 {
				continue // header row
			}
			return count, fmt.Errorf("row %d: %w", count+1, err)
		}

		c := message.Candle{
			Instrument: instrument,
			State:      message.CandleFinished,
			OpenTime:   openTime,
			Time:       openTime,
		}
		fields := []*decimal.Decimal{&c.Open, &c.High, &c.Low, &c.Close, &c.TotalVolume}
		for i, dst := range fields {
			v, err := decimal.NewFromString(rec[i+1])
			if err != nil {
				return count, fmt.Errorf("row %d: %w", count+1, err)
			}
			*dst = v
		}

		if err := journal.SaveCandle(ctx, c); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func parseCandleTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return time.Unix(secs, 0).UTC(), nil
}
