package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"rangeflow/config"
	"rangeflow/internal/buffer"
	"rangeflow/internal/feed"
	"rangeflow/internal/indicator"
	"rangeflow/internal/logger"
	"rangeflow/internal/metrics"
	"rangeflow/internal/model"
	"rangeflow/internal/rangebar"
	"rangeflow/internal/recovery"
	"rangeflow/internal/store/csvstore"
	redisstore "rangeflow/internal/store/redis"
	sqlitestore "rangeflow/internal/store/sqlite"
)

const (
	aggregateInterval = 100 * time.Millisecond
	healthInterval    = 10 * time.Second
	gapCheckInterval  = 60 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[rangebard] starting...")

	configPath := flag.String("config", "config/config.yaml", "path to YAML config (optional)")
	flag.Parse()

	cfg := config.Load(*configPath)
	logger.Init("rangebard", logger.ParseLevel(cfg.LogLevel))
	loc := cfg.Location()

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Output stores: archive prior sessions, start fresh ----
	os.MkdirAll(filepath.Dir(cfg.BarCSVPath), 0o755)
	os.MkdirAll(filepath.Dir(cfg.IndicatorCSVPath), 0o755)

	barStore := csvstore.NewBarStore(cfg.BarCSVPath, loc)
	indStore := csvstore.NewIndicatorStore(cfg.IndicatorCSVPath, loc)
	for _, st := range []interface {
		ArchiveExisting() (string, error)
	}{barStore, indStore} {
		archived, err := st.ArchiveExisting()
		if err != nil {
			log.Fatalf("[rangebard] archive failed: %v", err)
		}
		if archived != "" {
			log.Printf("[rangebard] archived previous session file to %s", archived)
		}
	}

	// ---- SQLite audit writer (optional) ----
	var sqlWriter *sqlitestore.Writer
	var sqliteBarCh chan model.RangeBar
	if cfg.SQLitePath != "" {
		os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
		w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath, Symbol: cfg.Symbol})
		if err != nil {
			log.Fatalf("[rangebard] sqlite init failed: %v", err)
		}
		sqlWriter = w
		defer sqlWriter.Close()
		sqliteBarCh = make(chan model.RangeBar, 5000)
		go sqlWriter.Run(ctx, sqliteBarCh)
		log.Println("[rangebard] sqlite writer ready")
	}

	// ---- Redis publisher (optional, best-effort) ----
	var redisWriter *redisstore.Writer
	if cfg.RedisAddr != "" {
		w, err := redisstore.New(redisstore.WriterConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Symbol:   cfg.Symbol,
		})
		if err != nil {
			log.Printf("[rangebard] WARNING: redis init failed: %v (continuing without redis)", err)
		} else {
			redisWriter = w
			defer redisWriter.Close()
			redisWriter.OnStateChange = func(from, to redisstore.State) {
				prom.RedisBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisBreakerTrips.Inc()
				}
			}
			log.Println("[rangebard] redis publisher ready")
		}
	}

	{
		var rdb *goredis.Client
		var db *sql.DB
		if redisWriter != nil {
			rdb = redisWriter.Client()
		}
		if sqlWriter != nil {
			db = sqlWriter.DB()
		}
		health.StartLivenessChecker(ctx, rdb, db, 10*time.Second)
	}

	// ---- Exchange REST client + range size ----
	exchange := feed.NewExchange(cfg.Symbol, cfg.KlineChunkLimit)

	rangeSize, err := resolveRangeSize(ctx, exchange, cfg)
	if err != nil {
		log.Fatalf("[rangebard] range size: %v", err)
	}
	log.Printf("[rangebard] symbol=%s range_size=%g", cfg.Symbol, rangeSize)

	// ---- Pipeline components ----
	buf := buffer.New(120000) // two hours of 1s klines plus headroom
	agg := rangebar.NewAggregator(rangeSize)
	agg.OnLargeJump = func(move float64, bars int) { prom.LargeJumpsTotal.Inc() }
	engine := indicator.NewEngine(loc)

	rec := recovery.NewManager(recovery.Config{
		StaleThreshold: time.Duration(cfg.StaleGapSecs) * time.Second,
		MaxRetries:     cfg.GapMaxRetries,
		ChunkLimit:     cfg.KlineChunkLimit,
	}, exchange, buf)
	rec.OnGapFilled = func(klines int) {
		prom.GapFillsTotal.Inc()
		prom.GapKlinesTotal.Add(float64(klines))
	}
	rec.OnGiveUp = func() { prom.GapGiveUpsTotal.Inc() }

	client := feed.NewClient(feed.ClientConfig{
		Symbol:     cfg.Symbol,
		StaleAfter: time.Duration(cfg.StaleFeedSecs) * time.Second,
	}, buf)
	client.OnKline = func(k model.Kline) {
		prom.KlinesTotal.Inc()
		rec.Touch(k.OpenTime)
		health.SetLastKlineTime(time.Now())
	}
	client.OnReconnect = func() {
		prom.WSReconnects.Inc()
		rec.FlagReconnect()
	}
	client.OnParseError = func() { prom.ParseErrorsTotal.Inc() }

	// ---- Prefetch history before going live ----
	log.Printf("[rangebard] prefetching %dh of history...", cfg.PrefetchHours)
	prefetchWindow := time.Duration(cfg.PrefetchHours) * time.Hour
	if err := rec.Prefetch(ctx, prefetchWindow); err != nil {
		log.Fatalf("[rangebard] prefetch failed: %v", err)
	}

	flushAndPublish := func(bars []model.RangeBar, rows []model.IndicatorRow) {
		if len(bars) > 0 {
			barStore.Append(bars...)
			prom.BarsTotal.Add(float64(len(bars)))
		}
		if len(rows) > 0 {
			indStore.Append(rows...)
		}
		if len(bars) == 0 && len(rows) == 0 {
			return
		}

		start := time.Now()
		if err := barStore.Flush(); err != nil {
			log.Printf("[rangebard] bar flush error: %v", err)
			prom.PersistErrors.Inc()
		}
		if err := indStore.Flush(); err != nil {
			log.Printf("[rangebard] indicator flush error: %v", err)
			prom.PersistErrors.Inc()
		}
		prom.CSVWriteDur.Observe(time.Since(start).Seconds())

		for _, b := range bars {
			if sqliteBarCh != nil {
				select {
				case sqliteBarCh <- b:
				default:
				}
			}
		}
		if redisWriter != nil {
			pubCtx, pubCancel := context.WithTimeout(ctx, 2*time.Second)
			redisWriter.PublishBars(pubCtx, bars)
			redisWriter.PublishIndicators(pubCtx, rows)
			pubCancel()
		}
	}

	// Replay the prefetched klines through the same aggregate path the live
	// loop uses, then seed the indicator engine from the resulting bars.
	histBars := agg.ProcessAll(buf.DrainAll())
	histRows := engine.InitFromHistory(histBars)
	flushAndPublish(histBars, histRows)
	log.Printf("[rangebard] history ready: %d bars, %d indicator rows, ready=%v",
		len(histBars), len(histRows), engine.Ready())

	// ---- Live stream ----
	go client.Run(ctx)

	aggregateTick := time.NewTicker(aggregateInterval)
	healthTick := time.NewTicker(healthInterval)
	gapTick := time.NewTicker(gapCheckInterval)
	defer aggregateTick.Stop()
	defer healthTick.Stop()
	defer gapTick.Stop()

	log.Printf("[rangebard] pipeline ready: %s@1s -> range bars (%g) -> csv/sqlite/redis", cfg.Symbol, rangeSize)

	var lastEvicted uint64
	for {
		select {
		case <-sigCh:
			log.Println("[rangebard] shutdown signal received, cleaning up...")
			shutdown(cancel, metricsSrv, barStore, indStore)
			return

		case <-ctx.Done():
			shutdown(cancel, metricsSrv, barStore, indStore)
			return

		case <-aggregateTick.C:
			start := time.Now()
			bars := agg.ProcessAll(buf.DrainAll())
			rows := engine.ProcessAll(bars)
			flushAndPublish(bars, rows)
			prom.CycleDur.Observe(time.Since(start).Seconds())

			frac, _ := agg.Progress()
			prom.BarProgress.Set(frac)
			prom.BufferLen.Set(float64(buf.Len()))
			if ev := buf.Evicted(); ev > lastEvicted {
				prom.BufferEvictions.Add(float64(ev - lastEvicted))
				lastEvicted = ev
			}

		case <-healthTick.C:
			healthy := client.CheckHealth(time.Now())
			health.SetWSConnected(healthy)
			prom.FeedState.Set(float64(client.State()))
			if wm := rec.Watermark(); wm > 0 {
				prom.WatermarkLag.Set(time.Since(time.UnixMilli(wm)).Seconds())
			}
			logStatus(client, agg, barStore, indStore, loc)

		case <-gapTick.C:
			if client.ConsumeReconnectFlag() {
				rec.FlagReconnect()
			}
			health.SetGapFilling(true)
			merged, err := rec.Check(ctx)
			health.SetGapFilling(false)
			if err != nil {
				log.Printf("[rangebard] gap check error: %v", err)
			}
			if merged > 0 {
				// Drain immediately so recovered history lands in order
				// before the next live klines.
				bars := agg.ProcessAll(buf.DrainAll())
				rows := engine.ProcessAll(bars)
				flushAndPublish(bars, rows)
			}
		}
	}
}

// resolveRangeSize derives the bar span from config and the exchange tick
// size. An unset value defaults to the tick size itself; a configured value
// is rounded up to a whole multiple of the tick.
func resolveRangeSize(ctx context.Context, exchange *feed.Exchange, cfg *config.Config) (float64, error) {
	tickCtx, tickCancel := context.WithTimeout(ctx, 10*time.Second)
	defer tickCancel()

	tick, err := exchange.TickSize(tickCtx)
	if err != nil {
		return 0, err
	}
	log.Printf("[rangebard] tick size for %s: %g", cfg.Symbol, tick)

	return rangeSizeFromTick(cfg.RangeSize, tick), nil
}

func rangeSizeFromTick(configured, tick float64) float64 {
	if configured <= 0 {
		return tick
	}
	return math.Ceil(configured/tick) * tick
}

func logStatus(client *feed.Client, agg *rangebar.Aggregator,
	barStore *csvstore.BarStore, indStore *csvstore.IndicatorStore, loc *time.Location) {

	frac, klines := agg.Progress()
	last := "n/a"
	if cur := agg.Current(); cur != nil {
		last = time.UnixMilli(cur.CloseTime).In(loc).Format("15:04:05")
	}
	log.Printf("[rangebard] status: ws=%s bars=%d rows=%d cur_progress=%.0f%% cur_klines=%d last=%s",
		client.State(), barStore.Len(), indStore.Len(), frac*100, klines, last)
}

func shutdown(cancel context.CancelFunc, metricsSrv *metrics.Server,
	barStore *csvstore.BarStore, indStore *csvstore.IndicatorStore) {

	cancel()

	// Final flush; the in-progress bar is deliberately discarded, it has
	// not reached its range and would be a partial row.
	if err := barStore.Flush(); err != nil {
		log.Printf("[rangebard] final bar flush error: %v", err)
	}
	if err := indStore.Flush(); err != nil {
		log.Printf("[rangebard] final indicator flush error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	log.Println("[rangebard] shutdown complete.")
}
