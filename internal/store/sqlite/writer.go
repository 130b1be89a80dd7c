// Package sqlite keeps a durable audit copy of completed range bars. The
// CSV files are the primary export; the SQLite table survives archive
// rotation and lets tooling query across sessions.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"rangeflow/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/rangebars.db"
	Symbol string
}

// Writer is a single-goroutine SQLite writer with transaction batching.
type Writer struct {
	db     *sql.DB
	symbol string
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New opens the database in WAL mode and ensures the schema exists.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer, no pool churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db, symbol: cfg.Symbol}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS range_bars (
			symbol          TEXT    NOT NULL,
			open_time       INTEGER NOT NULL,
			close_time      INTEGER NOT NULL,
			open            REAL    NOT NULL,
			high            REAL    NOT NULL,
			low             REAL    NOT NULL,
			close           REAL    NOT NULL,
			volume          REAL,
			quote_volume    REAL,
			trades          INTEGER,
			taker_buy_base  REAL,
			taker_buy_quote REAL,
			PRIMARY KEY (symbol, open_time)
		);
	`)
	return err
}

// Run reads completed bars from barCh and inserts them in batched
// transactions. Flushes every batchSize bars OR every flushDelay, whichever
// first. Blocks until ctx is cancelled or barCh is closed.
func (w *Writer) Run(ctx context.Context, barCh <-chan model.RangeBar) {
	batch := make([]model.RangeBar, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.insertBatch(batch); err != nil {
			log.Printf("[sqlite] batch insert error: %v", err)
		} else {
			log.Printf("[sqlite] committed %d bars in %v", len(batch), time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case bar, ok := <-barCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, bar)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// insertBatch inserts a batch of bars in a single transaction.
func (w *Writer) insertBatch(bars []model.RangeBar) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO range_bars
			(symbol, open_time, close_time, open, high, low, close,
			 volume, quote_volume, trades, taker_buy_base, taker_buy_quote)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err := stmt.Exec(w.symbol, b.OpenTime, b.CloseTime, b.Open, b.High, b.Low, b.Close,
			b.Volume, b.QuoteVolume, b.Trades, b.TakerBuyBase, b.TakerBuyQuote)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// LastOpenTime returns the newest stored bar open time for the writer's
// symbol, or 0 when the table is empty.
func (w *Writer) LastOpenTime() (int64, error) {
	var ts sql.NullInt64
	err := w.db.QueryRow(
		`SELECT MAX(open_time) FROM range_bars WHERE symbol = ?`, w.symbol,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
