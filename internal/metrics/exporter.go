// Package metrics экспортирует статистику воспроизведения и шины событий в Prometheus.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/annel0/memreplay/internal/eventbus"
	"github.com/annel0/memreplay/internal/logging"
	"github.com/annel0/memreplay/internal/replay"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource источник снимков статистики (обычно *replay.Replay)
type StatsSource interface {
	Stats() replay.Statistics
}

// Exporter периодически опрашивает воспроизведение и шину и обновляет метрики.
// Счетчики Prometheus только растут, поэтому экспортер хранит прошлый снимок
// и прибавляет дельту.
type Exporter struct {
	src      StatsSource
	bus      eventbus.EventBus
	interval time.Duration

	entries     prometheus.Counter
	writes      *prometheus.CounterVec
	cr3Switches prometheus.Counter
	cycle       prometheus.Gauge
	state       prometheus.Gauge
	replayTime  prometheus.Gauge

	published prometheus.Counter
	consumed  prometheus.Counter
	dropped   prometheus.Counter
	inflight  prometheus.Gauge

	mu      sync.Mutex
	prev    replay.Statistics
	prevBus eventbus.Stats

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewExporter создаёт экспортер и регистрирует метрики в reg.
// bus может быть nil, тогда метрики шины не обновляются.
func NewExporter(reg prometheus.Registerer, src StatsSource, bus eventbus.EventBus) (*Exporter, error) {
	e := &Exporter{
		src:      src,
		bus:      bus,
		interval: time.Second,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		entries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memreplay",
			Name:      "entries_total",
			Help:      "Число примененных записей трассы всех потоков.",
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memreplay",
			Name:      "writes_total",
			Help:      "Число примененных записей в память по размеру.",
		}, []string{"size"}),
		cr3Switches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memreplay",
			Name:      "cr3_switches_total",
			Help:      "Число переключений адресного пространства.",
		}),
		cycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memreplay",
			Name:      "cycle",
			Help:      "Цикл последней примененной записи.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memreplay",
			Name:      "state",
			Help:      "Состояние воспроизведения: 0 suspended, 1 running, 2 done.",
		}),
		replayTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memreplay",
			Name:      "replay_seconds",
			Help:      "Время воспроизведения без учета пауз.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventbus",
			Name:      "messages_published_total",
			Help:      "Общее число опубликованных сообщений.",
		}),
		consumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventbus",
			Name:      "messages_consumed_total",
			Help:      "Общее число доставленных сообщений подписчикам.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventbus",
			Name:      "messages_dropped_total",
			Help:      "Сообщений, отброшенных из-за ошибок или ограничения back-pressure.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eventbus",
			Name:      "messages_inflight",
			Help:      "Количество сообщений, находящихся в очереди (не доставленных).",
		}),
	}

	collectors := []prometheus.Collector{
		e.entries, e.writes, e.cr3Switches, e.cycle, e.state, e.replayTime,
	}
	if bus != nil {
		collectors = append(collectors, e.published, e.consumed, e.dropped, e.inflight)
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Start запускает периодическое обновление. Метод неблокирующий.
func (e *Exporter) Start() {
	logging.Info("📈 Prometheus экспортер запущен (интервал %s)", e.interval)
	go e.loop()
}

// Stop останавливает обновление и делает последний снимок.
func (e *Exporter) Stop() {
	e.stopOnce.Do(func() {
		close(e.quit)
		<-e.done
		e.Update()
	})
}

func (e *Exporter) loop() {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	defer close(e.done)

	for {
		select {
		case <-ticker.C:
			e.Update()
		case <-e.quit:
			return
		}
	}
}

// Update переносит текущий снимок в метрики
func (e *Exporter) Update() {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := e.src.Stats()
	addDelta(e.entries, stats.Index, e.prev.Index)
	addDelta(e.cr3Switches, stats.NumCr3Switches, e.prev.NumCr3Switches)
	for bucket, n := range stats.NumWrites {
		addDelta(e.writes.WithLabelValues(strconv.Itoa(1<<bucket)), n, e.prev.NumWrites[bucket])
	}
	e.cycle.Set(float64(stats.Cycle))
	e.state.Set(float64(stats.State))
	e.replayTime.Set(stats.ReplayTime.Seconds())
	e.prev = stats

	if e.bus == nil {
		return
	}
	bs := e.bus.Metrics()
	addDelta(e.published, bs.Published, e.prevBus.Published)
	addDelta(e.consumed, bs.Consumed, e.prevBus.Consumed)
	addDelta(e.dropped, bs.Dropped, e.prevBus.Dropped)
	e.inflight.Set(float64(bs.InFlight))
	e.prevBus = bs
}

func addDelta(c prometheus.Counter, cur, prev uint64) {
	if cur > prev {
		c.Add(float64(cur - prev))
	}
}
