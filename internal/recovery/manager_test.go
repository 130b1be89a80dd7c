package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"rangeflow/internal/buffer"
	"rangeflow/internal/model"
)

// fakeFetcher serves canned klines and records the requested windows.
type fakeFetcher struct {
	klines []model.Kline
	err    error
	calls  [][2]int64
}

func (f *fakeFetcher) HistoricalKlines(_ context.Context, startMs, endMs int64) ([]model.Kline, error) {
	f.calls = append(f.calls, [2]int64{startMs, endMs})
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Kline
	for _, k := range f.klines {
		if k.OpenTime >= startMs && k.OpenTime <= endMs {
			out = append(out, k)
		}
	}
	return out, nil
}

func genKlines(startMs, endMs int64) []model.Kline {
	var out []model.Kline
	for ts := startMs; ts <= endMs; ts += 1000 {
		out = append(out, model.Kline{OpenTime: ts, CloseTime: ts + 999, Close: 100, Final: true})
	}
	return out
}

func newTestManager(f *fakeFetcher, buf *buffer.Buffer, now time.Time) *Manager {
	m := NewManager(Config{
		StaleThreshold: 5 * time.Minute,
		SafetyMargin:   2 * time.Second,
		Debounce:       10 * time.Second,
		MaxRetries:     3,
		ChunkLimit:     1000,
		ChunkDelay:     time.Millisecond,
	}, f, buf)
	m.now = func() time.Time { return now }
	return m
}

func TestCheckNoopWithoutTrigger(t *testing.T) {
	now := time.Now()
	f := &fakeFetcher{}
	m := newTestManager(f, buffer.New(100), now)
	m.SetWatermark(now.Add(-30 * time.Second).UnixMilli())

	merged, err := m.Check(context.Background())
	if err != nil || merged != 0 {
		t.Fatalf("expected no-op, got merged=%d err=%v", merged, err)
	}
	if len(f.calls) != 0 {
		t.Errorf("expected no REST calls, got %d", len(f.calls))
	}
}

func TestReconnectTriggersFill(t *testing.T) {
	now := time.Now()
	wm := now.Add(-60 * time.Second).UnixMilli()
	f := &fakeFetcher{klines: genKlines(wm+1000, now.UnixMilli())}
	buf := buffer.New(1000)
	m := newTestManager(f, buf, now)
	m.SetWatermark(wm)
	m.FlagReconnect()

	merged, err := m.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if merged == 0 {
		t.Fatal("expected klines merged after reconnect trigger")
	}
	if buf.Len() != merged {
		t.Errorf("buffer has %d, merge reported %d", buf.Len(), merged)
	}

	wantEnd := now.Add(-2 * time.Second).UnixMilli()
	if m.Watermark() != wantEnd {
		t.Errorf("watermark not advanced to window end: got %d, want %d", m.Watermark(), wantEnd)
	}
}

func TestStaleWatermarkTriggersFill(t *testing.T) {
	now := time.Now()
	wm := now.Add(-10 * time.Minute).UnixMilli()
	f := &fakeFetcher{klines: genKlines(wm+1000, now.UnixMilli())}
	m := newTestManager(f, buffer.New(2000), now)
	m.SetWatermark(wm)

	merged, err := m.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if merged == 0 {
		t.Fatal("expected stale watermark to trigger a fill")
	}
}

func TestNonPositiveWindowIsNoop(t *testing.T) {
	now := time.Now()
	f := &fakeFetcher{}
	m := newTestManager(f, buffer.New(100), now)

	// Watermark at the live edge: window [wm+1, now-2s] is empty.
	wm := now.Add(-1 * time.Second).UnixMilli()
	m.SetWatermark(wm)
	m.FlagReconnect()

	merged, err := m.Check(context.Background())
	if err != nil || merged != 0 {
		t.Fatalf("expected no-op, got merged=%d err=%v", merged, err)
	}
	if len(f.calls) != 0 {
		t.Errorf("expected no REST calls for empty window, got %d", len(f.calls))
	}
	if m.Watermark() != wm {
		t.Errorf("watermark must not move on empty window: got %d, want %d", m.Watermark(), wm)
	}
}

func TestDebounceSpacesAttempts(t *testing.T) {
	now := time.Now()
	wm := now.Add(-60 * time.Second).UnixMilli()
	f := &fakeFetcher{} // always empty, so retries stay pending
	m := newTestManager(f, buffer.New(100), now)
	m.SetWatermark(wm)
	m.FlagReconnect()

	if _, err := m.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := len(f.calls)
	if first == 0 {
		t.Fatal("expected first attempt to query")
	}

	// Immediately after: debounced.
	if _, err := m.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != first {
		t.Fatalf("second attempt not debounced: %d calls", len(f.calls))
	}

	// Past the debounce interval: the pending retry fires.
	m.now = func() time.Time { return now.Add(11 * time.Second) }
	if _, err := m.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) <= first {
		t.Error("expected retry attempt after debounce interval")
	}
}

func TestRetryExhaustionGivesUp(t *testing.T) {
	now := time.Now()
	wm := now.Add(-60 * time.Second).UnixMilli()
	f := &fakeFetcher{} // exchange has no data for the window
	m := newTestManager(f, buffer.New(100), now)
	m.SetWatermark(wm)
	m.FlagReconnect()

	gaveUp := false
	m.OnGiveUp = func() { gaveUp = true }

	for i := 0; i < 3; i++ {
		m.now = func() time.Time { return now.Add(time.Duration(i+1) * 20 * time.Second) }
		if _, err := m.Check(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	if !gaveUp {
		t.Fatal("expected give-up after max retries")
	}
	finalNow := now.Add(3 * 20 * time.Second).UnixMilli()
	if m.Watermark() != finalNow {
		t.Errorf("watermark must jump to now on give-up: got %d, want %d", m.Watermark(), finalNow)
	}
}

func TestFillChunksLargeWindow(t *testing.T) {
	now := time.Now()
	// 2500 seconds of gap needs 3 chunks at 1000 rows each.
	wm := now.Add(-2500 * time.Second).UnixMilli()
	f := &fakeFetcher{klines: genKlines(wm+1000, now.UnixMilli())}
	m := newTestManager(f, buffer.New(5000), now)
	m.SetWatermark(wm)
	m.FlagReconnect()

	if _, err := m.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 3 {
		t.Fatalf("expected 3 chunked requests, got %d", len(f.calls))
	}
	for i := 1; i < len(f.calls); i++ {
		if f.calls[i][0] != f.calls[i-1][1]+1 {
			t.Errorf("chunk %d not contiguous: prev end %d, next start %d",
				i, f.calls[i-1][1], f.calls[i][0])
		}
	}
}

func TestFetchErrorPropagates(t *testing.T) {
	now := time.Now()
	f := &fakeFetcher{err: errors.New("rate limited")}
	m := newTestManager(f, buffer.New(100), now)
	m.SetWatermark(now.Add(-60 * time.Second).UnixMilli())
	m.FlagReconnect()

	if _, err := m.Check(context.Background()); err == nil {
		t.Fatal("expected fetch error to propagate")
	}
}

func TestFetchErrorCountsAsFailedAttempt(t *testing.T) {
	now := time.Now()
	wm := now.Add(-60 * time.Second).UnixMilli()
	f := &fakeFetcher{err: errors.New("rate limited")}
	buf := buffer.New(1000)
	m := newTestManager(f, buf, now)
	m.SetWatermark(wm)
	m.FlagReconnect()

	if _, err := m.Check(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}

	// The stream resumes and keeps the watermark fresh, so neither the
	// reconnect nor the staleness trigger can fire again. The failed
	// attempt must leave a pending retry behind.
	later := now.Add(11 * time.Second)
	m.now = func() time.Time { return later }
	fresh := later.Add(-5 * time.Second).UnixMilli()
	fresh -= fresh % 1000
	m.Touch(fresh)
	f.err = nil
	f.klines = genKlines(fresh+1000, later.UnixMilli())

	merged, err := m.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if merged == 0 {
		t.Fatal("expected retry after fetch error to fill the window")
	}
	if len(f.calls) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(f.calls))
	}
}

func TestFetchErrorExhaustionGivesUp(t *testing.T) {
	now := time.Now()
	wm := now.Add(-60 * time.Second).UnixMilli()
	f := &fakeFetcher{err: errors.New("rate limited")}
	m := newTestManager(f, buffer.New(100), now)
	m.SetWatermark(wm)
	m.FlagReconnect()

	gaveUp := false
	m.OnGiveUp = func() { gaveUp = true }

	for i := 0; i < 3; i++ {
		m.now = func() time.Time { return now.Add(time.Duration(i+1) * 20 * time.Second) }
		if _, err := m.Check(context.Background()); err == nil {
			t.Fatal("expected fetch error")
		}
	}

	if !gaveUp {
		t.Fatal("expected give-up after repeated fetch errors")
	}
	finalNow := now.Add(60 * time.Second).UnixMilli()
	if m.Watermark() != finalNow {
		t.Errorf("watermark must jump to now on give-up: got %d, want %d", m.Watermark(), finalNow)
	}
}

// hookFetcher runs a callback before each fetch, used to drive a nested
// Check from inside a running fill.
type hookFetcher struct {
	fakeFetcher
	onFetch func()
}

func (h *hookFetcher) HistoricalKlines(ctx context.Context, startMs, endMs int64) ([]model.Kline, error) {
	if h.onFetch != nil {
		h.onFetch()
	}
	return h.fakeFetcher.HistoricalKlines(ctx, startMs, endMs)
}

func TestCheckRejectsOverlappingRun(t *testing.T) {
	now := time.Now()
	wm := now.Add(-60 * time.Second).UnixMilli()
	f := &hookFetcher{}
	f.klines = genKlines(wm+1000, now.UnixMilli())

	m := NewManager(Config{
		StaleThreshold: 5 * time.Minute,
		SafetyMargin:   2 * time.Second,
		Debounce:       10 * time.Second,
		MaxRetries:     3,
		ChunkLimit:     1000,
		ChunkDelay:     time.Millisecond,
	}, f, buffer.New(1000))
	m.now = func() time.Time { return now }
	m.SetWatermark(wm)
	m.FlagReconnect()

	var nestedMerged int
	var nestedErr error
	entered := false
	f.onFetch = func() {
		if entered {
			return
		}
		entered = true
		// Move past the debounce so only the running guard stops the
		// nested call.
		m.now = func() time.Time { return now.Add(11 * time.Second) }
		m.FlagReconnect()
		nestedMerged, nestedErr = m.Check(context.Background())
	}

	merged, err := m.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if merged == 0 {
		t.Fatal("expected the outer check to fill the window")
	}
	if nestedErr != nil || nestedMerged != 0 {
		t.Fatalf("overlapping check must be a no-op, got merged=%d err=%v", nestedMerged, nestedErr)
	}
	if len(f.calls) != 1 {
		t.Errorf("expected a single fetch, got %d", len(f.calls))
	}
}

func TestPrefetchSetsWatermarkToNow(t *testing.T) {
	now := time.Now()
	start := now.Add(-2 * time.Hour).UnixMilli()
	f := &fakeFetcher{klines: genKlines(start, now.UnixMilli())}
	buf := buffer.New(10000)
	m := newTestManager(f, buf, now)

	if err := m.Prefetch(context.Background(), 2*time.Hour); err != nil {
		t.Fatal(err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected prefetched klines in buffer")
	}
	if m.Watermark() != now.UnixMilli() {
		t.Errorf("watermark must be now after prefetch: got %d, want %d", m.Watermark(), now.UnixMilli())
	}
}
