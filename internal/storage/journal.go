// Package storage persists the simulator's outbound message stream and
// recorded market data in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "github.com/glebarez/go-sqlite"

	"marketsim/internal/message"
)

// Journal is a single-writer SQLite log. It records every outbound
// message with a monotonic sequence and stores recorded candles for
// replay.
type Journal struct {
	db      *sql.DB
	nextSeq uint64
}

// NewJournal opens (or creates) a journal with WAL mode enabled.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY,
			kind TEXT NOT NULL,
			ts INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS candles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instrument TEXT NOT NULL,
			open TEXT NOT NULL,
			high TEXT NOT NULL,
			low TEXT NOT NULL,
			close TEXT NOT NULL,
			volume TEXT NOT NULL,
			open_time INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	j := &Journal{db: db}
	last, err := j.LastSeq(context.Background())
	if err != nil {
		return nil, err
	}
	j.nextSeq = last + 1
	return j, nil
}

// Append journals one outbound message.
func (j *Journal) Append(ctx context.Context, ts time.Time, msg message.Outbound) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = j.db.ExecContext(ctx,
		"INSERT INTO messages (seq, kind, ts, payload) VALUES (?, ?, ?, ?)",
		j.nextSeq, msg.Kind(), ts.UnixMicro(), payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	j.nextSeq++
	return nil
}

// AppendAll journals a batch of outbound messages in emission order.
func (j *Journal) AppendAll(ctx context.Context, ts time.Time, msgs []message.Outbound) error {
	for _, m := range msgs {
		if err := j.Append(ctx, ts, m); err != nil {
			return err
		}
	}
	return nil
}

// Record is one journaled message row.
type Record struct {
	Seq     uint64
	Kind    string
	Ts      int64
	Payload []byte
}

// LastSeq returns the highest journaled sequence, 0 when empty.
func (j *Journal) LastSeq(ctx context.Context) (uint64, error) {
	var last sql.NullInt64
	if err := j.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM messages").Scan(&last); err != nil {
		return 0, fmt.Errorf("failed to get last seq: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return uint64(last.Int64), nil
}

// Load returns journaled messages starting at fromSeq (inclusive).
func (j *Journal) Load(ctx context.Context, fromSeq uint64) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT seq, kind, ts, payload FROM messages WHERE seq >= ? ORDER BY seq ASC", fromSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Seq, &r.Kind, &r.Ts, &r.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveCandle stores one recorded candle for later replay.
func (j *Journal) SaveCandle(ctx context.Context, c message.Candle) error {
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO candles (instrument, open, high, low, close, volume, open_time) VALUES (?, ?, ?, ?, ?, ?, ?)",
		c.Instrument, c.Open.String(), c.High.String(), c.Low.String(),
		c.Close.String(), c.TotalVolume.String(), c.OpenTime.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert candle: %w", err)
	}
	return nil
}

// LoadCandles returns all recorded candles of an instrument in time
// order. An empty instrument loads everything.
func (j *Journal) LoadCandles(ctx context.Context, instrument string) ([]message.Candle, error) {
	query := "SELECT instrument, open, high, low, close, volume, open_time FROM candles"
	args := []any{}
	if instrument != "" {
		query += " WHERE instrument = ?"
		args = append(args, instrument)
	}
	query += " ORDER BY open_time ASC, id ASC"

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var out []message.Candle
	for rows.Next() {
		var (
			c                             message.Candle
			open, high, low, last, total  string
			openTime                      int64
		)
		if err := rows.Scan(&c.Instrument, &open, &high, &low, &last, &total, &openTime); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		if c.Open, err = decimal.NewFromString(open); err != nil {
			return nil, fmt.Errorf("bad open %q: %w", open, err)
		}
		if c.High, err = decimal.NewFromString(high); err != nil {
			return nil, fmt.Errorf("bad high %q: %w", high, err)
		}
		if c.Low, err = decimal.NewFromString(low); err != nil {
			return nil, fmt.Errorf("bad low %q: %w", low, err)
		}
		if c.Close, err = decimal.NewFromString(last); err != nil {
			return nil, fmt.Errorf("bad close %q: %w", last, err)
		}
		if c.TotalVolume, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("bad volume %q: %w", total, err)
		}
		c.State = message.CandleFinished
		c.OpenTime = time.UnixMicro(openTime).UTC()
		c.Time = c.OpenTime
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertMetadata saves a key-value pair.
func (j *Journal) UpsertMetadata(ctx context.Context, key, value string, ts int64) error {
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, ts,
	)
	return err
}

// GetMetadata retrieves a value, empty when absent.
func (j *Journal) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := j.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
