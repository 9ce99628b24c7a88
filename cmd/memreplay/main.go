package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/annel0/memreplay/internal/api"
	"github.com/annel0/memreplay/internal/auth"
	"github.com/annel0/memreplay/internal/cache"
	"github.com/annel0/memreplay/internal/config"
	"github.com/annel0/memreplay/internal/dashboard"
	"github.com/annel0/memreplay/internal/eventbus"
	"github.com/annel0/memreplay/internal/logging"
	"github.com/annel0/memreplay/internal/metrics"
	"github.com/annel0/memreplay/internal/multiplex"
	"github.com/annel0/memreplay/internal/observability"
	"github.com/annel0/memreplay/internal/render"
	"github.com/annel0/memreplay/internal/replay"
	"github.com/annel0/memreplay/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const usage = `usage: memreplay [-s server] [-r ramSizeInMiB] [-m memoryStreamName] [-config file]
                 [-http addr|off] [-tui] [-run] [-bitmap out.png] store`

type options struct {
	configPath string
	server     string
	ramMiB     uint
	stream     string
	httpAddr   string
	tui        bool
	run        bool
	bitmap     string
	store      string
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if err := logging.InitDefaultLogger("memreplay"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()
	defer logging.GetLoggerManager().CloseAll()

	if err := run(opts); err != nil {
		logging.Error("❌ %v", err)
		logging.CloseDefaultLogger()
		os.Exit(1)
	}
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("memreplay", flag.ContinueOnError)
	opts := &options{}
	fs.StringVar(&opts.configPath, "config", "", "YAML config file (env MEMREPLAY_CONFIG)")
	fs.StringVar(&opts.server, "s", "", "store server, e.g. local:/tmp/.memreplay or memory:")
	fs.UintVar(&opts.ramMiB, "r", 0, "RAM size in MiB")
	fs.StringVar(&opts.stream, "m", "", "memory write stream name")
	fs.StringVar(&opts.httpAddr, "http", "", "REST API address, 'off' disables it")
	fs.BoolVar(&opts.tui, "tui", false, "terminal dashboard")
	fs.BoolVar(&opts.run, "run", false, "start replay immediately")
	fs.StringVar(&opts.bitmap, "bitmap", "", "replay to the end, save the memory map (.png or .bmp) and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		return nil, errors.New("store name expected")
	}
	opts.store = fs.Arg(0)
	return opts, nil
}

// applyFlags флаги командной строки перекрывают файл конфигурации
func applyFlags(cfg *config.Config, opts *options) {
	cfg.Store.Name = opts.store
	if opts.server != "" {
		cfg.Store.Server = opts.server
	}
	if opts.ramMiB > 0 {
		cfg.Replay.RamSizeMiB = uint32(opts.ramMiB)
	}
	if opts.stream != "" {
		cfg.Store.WriteStream = opts.stream
	}
}

func run(opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg, opts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.tui {
		// логи в консоль ломают экран termui, остаются только файлы
		for _, component := range []string{"replay", "store", "api", "dashboard"} {
			logging.GetComponentLogger(component)
			_ = logging.GetLoggerManager().SetLogLevel(component, logging.ERROR+1, logging.TRACE)
		}
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := observability.InitTelemetry(ctx, observability.Options{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("failed to init telemetry: %w", err)
		}
		defer shutdown(context.Background())
	}

	// === Хранилище ===
	store, err := storage.OpenStore(cfg.Store.Server, cfg.Store.Name)
	if err != nil {
		return fmt.Errorf("failed to open store %s on %s: %w", cfg.Store.Name, cfg.Store.Server, err)
	}
	defer store.Close()
	if bs, ok := store.(*storage.BadgerStore); ok {
		bs.SetLogger(logging.GetStoreLogger())
	}
	logging.Info("📦 Хранилище %s открыто (%s)", cfg.Store.Name, cfg.Store.Server)

	// === Шина событий ===
	bus, err := openEventBus(cfg.EventBus)
	if err != nil {
		return err
	}
	defer bus.Close()
	if sub, err := eventbus.StartLoggingListener(bus, logging.GetReplayLogger()); err == nil {
		defer sub.Unsubscribe()
	}

	// === Воспроизведение ===
	rule, err := multiplex.ParseRule(cfg.Replay.Rule)
	if err != nil {
		return err
	}
	rcfg := replay.DefaultConfig()
	rcfg.WriteStream = cfg.Store.WriteStream
	rcfg.RamSize = uint64(cfg.Replay.RamSizeMiB) << 20
	rcfg.CaptureData = cfg.Replay.CaptureData
	rcfg.Rule = rule
	rcfg.SuspendPoll = time.Duration(cfg.Replay.SuspendPollMs) * time.Millisecond
	rcfg.Source = cfg.Store.Name

	rp, err := replay.New(ctx, store, rcfg,
		replay.WithLogger(logging.GetReplayLogger()),
		replay.WithEventBus(bus),
	)
	if err != nil {
		return err
	}
	defer rp.Close()

	view := render.View{
		Width:        cfg.Render.Width,
		Height:       cfg.Render.Height,
		StartAddress: cfg.Render.StartAddress,
		ZoomLevel:    cfg.Render.Zoom,
	}

	if opts.bitmap != "" {
		return saveBitmap(ctx, rp, view, opts.bitmap)
	}

	// === Метрики ===
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exporter, err := metrics.NewExporter(reg, rp, bus)
	if err != nil {
		return fmt.Errorf("failed to register replay metrics: %w", err)
	}
	exporter.Start()
	defer exporter.Stop()

	// === Webhook'и ===
	notifier := api.NewWebhookNotifier(webhooksFromConfig(cfg.Webhooks), logging.GetAPILogger())
	if len(cfg.Webhooks) > 0 {
		if err := notifier.Attach(bus); err != nil {
			return err
		}
	}
	defer notifier.Close()

	// === REST API ===
	if opts.httpAddr != "off" {
		rs, err := newRestServer(cfg, opts, rp, store, reg, notifier, view)
		if err != nil {
			return err
		}
		go func() {
			if err := rs.Start(); err != nil {
				logging.Error("❌ Ошибка REST API: %v", err)
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := rs.Stop(shutdownCtx); err != nil {
				logging.Error("❌ Ошибка остановки REST API: %v", err)
			}
		}()
	}

	if opts.run {
		if err := rp.Start(); err != nil {
			return err
		}
	}

	if opts.tui {
		return dashboard.New(rp, view, rcfg.RamSize, logging.GetComponentLogger("dashboard")).Run(ctx)
	}

	logging.Info("✅ Воспроизведение готово, ожидание сигнала завершения")
	waitExit(ctx, rp.Finished(), opts.httpAddr == "off")
	logging.Info("👋 Завершение работы")
	return nil
}

// waitExit ждет сигнала завершения. Без REST API управлять воспроизведением
// некому, поэтому при untilFinished выходим и по его окончании.
func waitExit(ctx context.Context, finished <-chan struct{}, untilFinished bool) {
	if !untilFinished {
		<-ctx.Done()
		return
	}
	select {
	case <-ctx.Done():
	case <-finished:
	}
}

func openEventBus(cfg config.EventBusConfig) (eventbus.EventBus, error) {
	if cfg.URL == "" {
		return eventbus.NewMemoryBus(1024), nil
	}
	bus, err := eventbus.NewJetStreamBus(cfg.URL, cfg.Stream, time.Duration(cfg.Retention)*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event bus: %w", err)
	}
	logging.Info("📨 JetStream подключен: %s (stream %s)", cfg.URL, cfg.Stream)
	return bus, nil
}

func openCache(cfg config.CacheConfig) (cache.CacheRepo, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "redis":
		return cache.NewRedisCache(&cache.CacheConfig{
			RedisURL:   cfg.RedisAddr,
			KeyPrefix:  "memreplay:",
			DefaultTTL: time.Duration(cfg.TTLSeconds) * time.Second,
		})
	default:
		return cache.NewMemoryCache(64), nil
	}
}

func newRestServer(cfg *config.Config, opts *options, rp *replay.Replay, store storage.Store,
	reg *prometheus.Registry, notifier *api.WebhookNotifier, view render.View) (*api.RestServer, error) {

	bitmapCache, err := openCache(cfg.Cache)
	if err != nil {
		return nil, err
	}

	var authenticator *auth.Authenticator
	if cfg.Auth.JWTSecret != "" {
		authenticator, err = auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.OperatorPasswordHash,
			time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute)
		if err != nil {
			return nil, err
		}
		logging.Info("🔐 JWT аутентификация управляющих запросов включена")
	}

	addr := opts.httpAddr
	if addr == "" {
		addr = ":" + strconv.Itoa(cfg.Server.GetHTTPPort())
	}

	return api.NewRestServer(api.Config{
		Addr:        addr,
		Replay:      rp,
		Store:       store,
		Cache:       bitmapCache,
		CacheTTL:    time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		Auth:        authenticator,
		Webhooks:    notifier,
		DefaultView: view,
		Registry:    reg,
		Logger:      logging.GetAPILogger(),
	})
}

func webhooksFromConfig(list []config.WebhookConfig) []api.OutboundWebhook {
	hooks := make([]api.OutboundWebhook, 0, len(list))
	for _, wh := range list {
		hooks = append(hooks, api.OutboundWebhook{
			Name:       wh.Name,
			URL:        wh.URL,
			Secret:     wh.Secret,
			Events:     wh.Events,
			Timeout:    wh.Timeout,
			RetryCount: wh.RetryCount,
		})
	}
	return hooks
}

// saveBitmap воспроизводит трассу до конца и сохраняет карту памяти
func saveBitmap(ctx context.Context, rp *replay.Replay, view render.View, filename string) error {
	if err := rp.Start(); err != nil {
		return err
	}
	if err := rp.Wait(ctx); err != nil {
		return err
	}

	bitmap := render.NewBitmap(rp.RamMap())
	bitmap.SetStart(view.StartAddress)
	if err := bitmap.SetZoom(view.ZoomLevel); err != nil {
		return err
	}
	if err := bitmap.SetBounds(view.Width, view.Height); err != nil {
		return err
	}
	if err := bitmap.Save(filename); err != nil {
		return err
	}

	stats := rp.Stats()
	logging.Info("🖼  %s: %d записей, %d доступов, цикл %d, %s",
		filename, stats.Index, stats.AccessIndex, stats.Cycle, stats.ReplayTime)
	return nil
}
