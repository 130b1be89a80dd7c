package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the range-bar pipeline.
type Metrics struct {
	KlinesTotal      prometheus.Counter
	BarsTotal        prometheus.Counter
	LargeJumpsTotal  prometheus.Counter
	WSReconnects     prometheus.Counter
	ParseErrorsTotal prometheus.Counter

	GapFillsTotal   prometheus.Counter
	GapKlinesTotal  prometheus.Counter
	GapGiveUpsTotal prometheus.Counter

	BufferEvictions   prometheus.Counter
	PersistErrors     prometheus.Counter
	RedisBreakerTrips prometheus.Counter

	CycleDur    prometheus.Histogram
	CSVWriteDur prometheus.Histogram

	FeedState         prometheus.Gauge // 0=disconnected 1=connecting 2=connected 3=stale 4=reconnecting
	BufferLen         prometheus.Gauge
	WatermarkLag      prometheus.Gauge
	BarProgress       prometheus.Gauge // current bar span as fraction of range size
	RedisBreakerState prometheus.Gauge // 0=closed 1=open 2=half-open
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		KlinesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangeflow_klines_total",
			Help: "Total 1s klines received from the stream",
		}),
		BarsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangeflow_bars_total",
			Help: "Total completed range bars",
		}),
		LargeJumpsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangeflow_large_jumps_total",
			Help: "Klines spanning two or more bar ranges",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangeflow_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		ParseErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangeflow_parse_errors_total",
			Help: "Malformed stream payloads skipped",
		}),
		GapFillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangeflow_gap_fills_total",
			Help: "Successful gap backfill passes",
		}),
		GapKlinesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangeflow_gap_klines_total",
			Help: "Klines recovered via REST backfill",
		}),
		GapGiveUpsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangeflow_gap_give_ups_total",
			Help: "Gap windows abandoned after max retries",
		}),
		BufferEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangeflow_buffer_evictions_total",
			Help: "Klines dropped due to a full buffer",
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangeflow_persist_errors_total",
			Help: "CSV flush failures",
		}),
		RedisBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangeflow_redis_breaker_trips_total",
			Help: "Times the Redis publish circuit breaker opened",
		}),
		CycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rangeflow_cycle_duration_seconds",
			Help:    "Aggregate-and-persist cycle latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		CSVWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rangeflow_csv_write_duration_seconds",
			Help:    "Full CSV rewrite latency",
			Buckets: prometheus.DefBuckets,
		}),
		FeedState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rangeflow_feed_state",
			Help: "Feed state (0=disconnected 1=connecting 2=connected 3=stale 4=reconnecting)",
		}),
		BufferLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rangeflow_buffer_len",
			Help: "Klines currently buffered",
		}),
		WatermarkLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rangeflow_watermark_lag_seconds",
			Help: "Age of the newest known kline",
		}),
		BarProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rangeflow_bar_progress",
			Help: "Current bar span as a fraction of the range size",
		}),
		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rangeflow_redis_breaker_state",
			Help: "Redis publish circuit breaker state (0=closed 1=open 2=half-open)",
		}),
	}

	prometheus.MustRegister(
		m.KlinesTotal,
		m.BarsTotal,
		m.LargeJumpsTotal,
		m.WSReconnects,
		m.ParseErrorsTotal,
		m.GapFillsTotal,
		m.GapKlinesTotal,
		m.GapGiveUpsTotal,
		m.BufferEvictions,
		m.PersistErrors,
		m.RedisBreakerTrips,
		m.CycleDur,
		m.CSVWriteDur,
		m.FeedState,
		m.BufferLen,
		m.WatermarkLag,
		m.BarProgress,
		m.RedisBreakerState,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastKlineTime  time.Time `json:"last_kline_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	GapFilling     bool      `json:"gap_filling"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastKlineTime(t time.Time) {
	h.mu.Lock()
	h.LastKlineTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetGapFilling(v bool) {
	h.mu.Lock()
	h.GapFilling = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil clients skip
// their probe; the CSV-only deployment has neither Redis nor SQLite.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.WSConnected {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	klineAge := ""
	if !h.LastKlineTime.IsZero() {
		klineAge = time.Since(h.LastKlineTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		WSConnected     bool    `json:"ws_connected"`
		LastKlineTime   string  `json:"last_kline_time"`
		KlineAge        string  `json:"kline_age"`
		GapFilling      bool    `json:"gap_filling"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:     h.WSConnected,
		LastKlineTime:   h.LastKlineTime.Format(time.RFC3339),
		KlineAge:        klineAge,
		GapFilling:      h.GapFilling,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
