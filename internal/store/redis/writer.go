// Package redis publishes completed bars and indicator rows for live
// consumers (dashboards, downstream strategies). The CSV files stay the
// durable record; Redis is a best-effort fan-out and the pipeline keeps
// running when it is down.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"rangeflow/internal/model"
)

const (
	// Stream trimming: a generous session's worth of range bars.
	streamMaxLen     = 20000
	defaultLatestTTL = 30 * time.Minute
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	Symbol   string
}

// Writer publishes range bars and indicator rows to Redis. A circuit
// breaker guards the pipeline calls so a dead Redis costs one failed
// roundtrip per reset window instead of one per publish.
type Writer struct {
	client  *goredis.Client
	symbol  string
	breaker *CircuitBreaker

	// OnStateChange, if set, observes breaker transitions (metrics hook).
	OnStateChange func(from, to State)
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	w := &Writer{client: client, symbol: cfg.Symbol}
	w.breaker = newGuardedBreaker(w)

	log.Printf("[redis] connected to %s", cfg.Addr)
	return w, nil
}

// newGuardedBreaker builds the publish breaker, logging every transition and
// forwarding it to the writer's optional hook.
func newGuardedBreaker(w *Writer) *CircuitBreaker {
	cb := NewCircuitBreaker(5, 10*time.Second)
	cb.OnStateChange = func(from, to State) {
		log.Printf("[redis] circuit breaker %s -> %s", from, to)
		if w.OnStateChange != nil {
			w.OnStateChange(from, to)
		}
	}
	return cb
}

// PublishBars writes completed bars in a single pipeline: SET latest + XADD
// to the trimmed stream + PUBLISH for real-time subscribers.
func (w *Writer) PublishBars(ctx context.Context, bars []model.RangeBar) {
	if len(bars) == 0 {
		return
	}

	latestKey := "rangebar:latest:" + w.symbol
	streamKey := "rangebar:stream:" + w.symbol
	pubsubCh := "pub:rangebar:" + w.symbol

	pipe := w.client.Pipeline()
	for i := range bars {
		jsonData := string(bars[i].JSON())

		pipe.Set(ctx, latestKey, jsonData, defaultLatestTTL)
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: streamKey,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": jsonData},
		})
		pipe.Publish(ctx, pubsubCh, jsonData)
	}

	err := w.breaker.Execute(func() error {
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil && err != ErrCircuitOpen {
		log.Printf("[redis] bar pipeline error (%d bars): %v", len(bars), err)
	}
}

// PublishIndicators writes indicator rows in a single pipeline. Rows whose
// windows have not filled yet serialize to nil and are skipped; consumers
// only ever see fully defined rows.
func (w *Writer) PublishIndicators(ctx context.Context, rows []model.IndicatorRow) {
	if len(rows) == 0 {
		return
	}

	latestKey := "indicator:latest:" + w.symbol
	streamKey := "indicator:stream:" + w.symbol
	pubsubCh := "pub:indicator:" + w.symbol

	pipe := w.client.Pipeline()
	queued := 0
	for i := range rows {
		data := rows[i].JSON()
		if data == nil {
			continue
		}
		jsonData := string(data)

		pipe.Set(ctx, latestKey, jsonData, defaultLatestTTL)
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: streamKey,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": jsonData},
		})
		pipe.Publish(ctx, pubsubCh, jsonData)
		queued++
	}
	if queued == 0 {
		return
	}

	err := w.breaker.Execute(func() error {
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil && err != ErrCircuitOpen {
		log.Printf("[redis] indicator pipeline error (%d rows): %v", queued, err)
	}
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
