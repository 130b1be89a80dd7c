// Package recovery detects missing kline intervals and backfills them from
// the exchange REST API. It tracks a watermark (the open time of the newest
// kline known to have reached the buffer) and repairs the window between the
// watermark and now whenever the feed reconnects or goes quiet.
package recovery

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"rangeflow/internal/buffer"
	"rangeflow/internal/feed"
)

// Config tunes gap detection and backfill behaviour.
type Config struct {
	// StaleThreshold is the max watermark age before a gap check fires even
	// without a reconnect.
	StaleThreshold time.Duration

	// SafetyMargin keeps the fill window away from the present so the live
	// stream delivers the most recent klines itself.
	SafetyMargin time.Duration

	// Debounce is the minimum spacing between fill attempts.
	Debounce time.Duration

	// MaxRetries bounds consecutive empty fills before giving up on a window.
	MaxRetries int

	// ChunkLimit is the REST per-request row cap; it also sizes the time
	// window of each chunk (one row per second).
	ChunkLimit int

	// ChunkDelay is the pause between consecutive chunk requests.
	ChunkDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 5 * time.Minute
	}
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = 2 * time.Second
	}
	if c.Debounce <= 0 {
		c.Debounce = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ChunkLimit <= 0 || c.ChunkLimit > 1000 {
		c.ChunkLimit = 1000
	}
	if c.ChunkDelay <= 0 {
		c.ChunkDelay = 200 * time.Millisecond
	}
}

// Manager owns the watermark and the fill state machine. All mutation goes
// through the mutex; the REST fetch itself runs outside the lock.
type Manager struct {
	cfg     Config
	fetcher feed.KlineFetcher
	buf     *buffer.Buffer
	now     func() time.Time

	mu               sync.Mutex
	watermark        int64 // open time ms of newest known kline, 0 = unset
	retries          int
	lastAttempt      time.Time
	pendingReconnect bool
	running          bool // a fill is in flight; overlapping Checks no-op

	// Metrics hooks (optional, set before use)
	OnGapFilled func(klines int)
	OnGiveUp    func()
}

// NewManager creates a recovery manager merging backfilled klines into buf.
func NewManager(cfg Config, fetcher feed.KlineFetcher, buf *buffer.Buffer) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:     cfg,
		fetcher: fetcher,
		buf:     buf,
		now:     time.Now,
	}
}

// Touch advances the watermark to openTime if it is newer. Called for every
// kline the live stream delivers.
func (m *Manager) Touch(openTime int64) {
	m.mu.Lock()
	if openTime > m.watermark {
		m.watermark = openTime
	}
	m.mu.Unlock()
}

// FlagReconnect marks that the feed dropped and reconnected; the next Check
// will run a fill regardless of watermark age.
func (m *Manager) FlagReconnect() {
	m.mu.Lock()
	m.pendingReconnect = true
	m.mu.Unlock()
}

// Watermark returns the open time of the newest kline known to the pipeline.
func (m *Manager) Watermark() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark
}

// SetWatermark overrides the watermark, used after prefetch and give-up.
func (m *Manager) SetWatermark(openTime int64) {
	m.mu.Lock()
	m.watermark = openTime
	m.mu.Unlock()
}

// Prefetch seeds the buffer with the most recent window of history and sets
// the watermark to now so the first gap check starts from a clean slate.
func (m *Manager) Prefetch(ctx context.Context, window time.Duration) error {
	now := m.now()
	start := now.Add(-window).UnixMilli()
	end := now.Add(-m.cfg.SafetyMargin).UnixMilli()
	if end <= start {
		return fmt.Errorf("prefetch window %v too small", window)
	}

	total, err := m.fill(ctx, start, end)
	if err != nil {
		return err
	}
	log.Printf("[recovery] prefetched %d klines covering %v", total, window)

	m.mu.Lock()
	m.watermark = now.UnixMilli()
	m.retries = 0
	m.mu.Unlock()
	return nil
}

// Check evaluates the fill triggers and runs one backfill pass if any fired.
// Triggers are, in order: a pending reconnect, watermark staleness, and an
// in-progress retry sequence. Attempts are debounced and never overlap; a
// fetch error counts as a failed attempt so the window is retried even when
// the resumed stream keeps the watermark fresh. Returns the number of klines
// merged, or zero when nothing was done.
func (m *Manager) Check(ctx context.Context) (int, error) {
	now := m.now()

	m.mu.Lock()
	if m.watermark == 0 || m.running {
		m.mu.Unlock()
		return 0, nil
	}
	if !m.lastAttempt.IsZero() && now.Sub(m.lastAttempt) < m.cfg.Debounce {
		m.mu.Unlock()
		return 0, nil
	}

	age := now.Sub(time.UnixMilli(m.watermark))
	trigger := ""
	switch {
	case m.pendingReconnect:
		trigger = "reconnect"
	case age > m.cfg.StaleThreshold:
		trigger = "stale watermark"
	case m.retries > 0:
		trigger = "retry"
	}
	if trigger == "" {
		m.mu.Unlock()
		return 0, nil
	}

	start := m.watermark + 1
	end := now.Add(-m.cfg.SafetyMargin).UnixMilli()
	m.pendingReconnect = false
	m.lastAttempt = now

	if end <= start {
		// Watermark is already at the live edge. Nothing to fill.
		m.retries = 0
		m.mu.Unlock()
		return 0, nil
	}
	m.running = true
	m.mu.Unlock()

	log.Printf("[recovery] gap check (%s): filling %s..%s",
		trigger, time.UnixMilli(start).Format(time.RFC3339), time.UnixMilli(end).Format(time.RFC3339))

	merged, err := m.fill(ctx, start, end)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false

	if err != nil {
		m.retries++
		if m.retries >= m.cfg.MaxRetries {
			log.Printf("[recovery] window %d..%d failed after %d attempts, giving up: %v",
				start, end, m.retries, err)
			m.retries = 0
			m.watermark = now.UnixMilli()
			if m.OnGiveUp != nil {
				m.OnGiveUp()
			}
		}
		return 0, err
	}

	if merged > 0 {
		if end > m.watermark {
			m.watermark = end
		}
		m.retries = 0
		if m.OnGapFilled != nil {
			m.OnGapFilled(merged)
		}
		return merged, nil
	}

	m.retries++
	if m.retries >= m.cfg.MaxRetries {
		log.Printf("[recovery] window %d..%d returned no data after %d attempts, giving up",
			start, end, m.retries)
		m.retries = 0
		m.watermark = now.UnixMilli()
		if m.OnGiveUp != nil {
			m.OnGiveUp()
		}
	}
	return 0, nil
}

// fill fetches [startMs, endMs] in chunks sized to the REST row cap and
// merges each chunk into the buffer. Returns the number of klines merged.
func (m *Manager) fill(ctx context.Context, startMs, endMs int64) (int, error) {
	chunkMs := int64(m.cfg.ChunkLimit) * 1000
	total := 0

	for cur := startMs; cur <= endMs; cur += chunkMs {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		chunkEnd := cur + chunkMs - 1
		if chunkEnd > endMs {
			chunkEnd = endMs
		}

		klines, err := m.fetcher.HistoricalKlines(ctx, cur, chunkEnd)
		if err != nil {
			return total, fmt.Errorf("fill chunk %d..%d: %w", cur, chunkEnd, err)
		}
		total += m.buf.Merge(klines)

		if chunkEnd < endMs {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(m.cfg.ChunkDelay):
			}
		}
	}
	return total, nil
}
