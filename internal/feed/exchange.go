package feed

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"

	"rangeflow/internal/model"
)

// KlineFetcher queries a half-open historical window of 1-second klines.
// Implementations must return chronologically sorted results bounded by the
// upstream per-request row cap.
type KlineFetcher interface {
	HistoricalKlines(ctx context.Context, startMs, endMs int64) ([]model.Kline, error)
}

// Exchange wraps the REST client used for historical backfill queries and
// instrument metadata. Market-data endpoints need no credentials.
type Exchange struct {
	client   *binance.Client
	symbol   string
	interval string
	limit    int
}

// NewExchange creates a REST client for symbol. limit is the per-request
// row cap applied to kline queries (the upstream maximum is 1000).
func NewExchange(symbol string, limit int) *Exchange {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return &Exchange{
		client:   binance.NewClient("", ""),
		symbol:   symbol,
		interval: "1s",
		limit:    limit,
	}
}

// HistoricalKlines fetches one chunk of 1-second klines for [startMs, endMs].
// Rows that fail to parse are skipped and counted, not fatal.
func (e *Exchange) HistoricalKlines(ctx context.Context, startMs, endMs int64) ([]model.Kline, error) {
	// Courtesy pause so chunked backfills stay inside the rate limit.
	time.Sleep(100 * time.Millisecond)

	rows, err := e.client.NewKlinesService().
		Symbol(e.symbol).
		Interval(e.interval).
		StartTime(startMs).
		EndTime(endMs).
		Limit(e.limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("klines %d..%d: %w", startMs, endMs, err)
	}

	out := make([]model.Kline, 0, len(rows))
	skipped := 0
	for _, r := range rows {
		k, err := convertKline(r)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, k)
	}
	if skipped > 0 {
		log.Printf("[feed] skipped %d unparseable kline rows in chunk %d..%d", skipped, startMs, endMs)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out, nil
}

// TickSize returns the instrument's minimum price increment from the
// exchange PRICE_FILTER. An unknown symbol or missing filter is an error;
// callers treat that as fatal at startup.
func (e *Exchange) TickSize(ctx context.Context) (float64, error) {
	info, err := e.client.NewExchangeInfoService().Symbol(e.symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("exchange info for %s: %w", e.symbol, err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != e.symbol {
			continue
		}
		f := s.PriceFilter()
		if f == nil {
			return 0, fmt.Errorf("symbol %s has no PRICE_FILTER", e.symbol)
		}
		tick, err := strconv.ParseFloat(f.TickSize, 64)
		if err != nil || tick <= 0 {
			return 0, fmt.Errorf("symbol %s: bad tickSize %q", e.symbol, f.TickSize)
		}
		return tick, nil
	}
	return 0, fmt.Errorf("symbol %s not found", e.symbol)
}

func convertKline(r *binance.Kline) (model.Kline, error) {
	open, err := strconv.ParseFloat(r.Open, 64)
	if err != nil {
		return model.Kline{}, err
	}
	high, err := strconv.ParseFloat(r.High, 64)
	if err != nil {
		return model.Kline{}, err
	}
	low, err := strconv.ParseFloat(r.Low, 64)
	if err != nil {
		return model.Kline{}, err
	}
	cls, err := strconv.ParseFloat(r.Close, 64)
	if err != nil {
		return model.Kline{}, err
	}
	vol, err := strconv.ParseFloat(r.Volume, 64)
	if err != nil {
		return model.Kline{}, err
	}
	quote, err := strconv.ParseFloat(r.QuoteAssetVolume, 64)
	if err != nil {
		return model.Kline{}, err
	}

	return model.Kline{
		OpenTime:    r.OpenTime,
		CloseTime:   r.CloseTime,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       cls,
		Volume:      vol,
		QuoteVolume: quote,
		Trades:      r.TradeNum,
		Final:       true,
	}, nil
}
