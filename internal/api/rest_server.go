// Package api REST интерфейс к воспроизведению: состояние, управление,
// снимок экрана и карта памяти в PNG.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/annel0/memreplay/internal/auth"
	"github.com/annel0/memreplay/internal/cache"
	"github.com/annel0/memreplay/internal/logging"
	"github.com/annel0/memreplay/internal/middleware"
	"github.com/annel0/memreplay/internal/ram"
	"github.com/annel0/memreplay/internal/render"
	"github.com/annel0/memreplay/internal/replay"
	"github.com/annel0/memreplay/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Replayer то, что REST сервер использует из воспроизведения (*replay.Replay)
type Replayer interface {
	Start() error
	Suspend() error
	SingleStep() error
	Stop()
	State() replay.State
	Stats() replay.Statistics
	Streams() []string
	WriteStreamInfo() storage.StreamInfo
	Screen() *image.RGBA
	Render(ctx context.Context, view render.View) (*image.RGBA, error)
	RamMap() *ram.RamMap
}

// RestServer представляет REST API сервер
type RestServer struct {
	router   *gin.Engine
	server   *http.Server
	replay   Replayer
	store    storage.Store
	cache    cache.CacheRepo
	cacheTTL time.Duration
	auth     *auth.Authenticator
	webhooks *WebhookNotifier
	view     render.View
	metrics  *ServerMetrics
	logger   *logging.Logger
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Addr   string          // адрес для запуска сервера
	Replay Replayer        // воспроизведение
	Store  storage.Store   // хранилище трассы
	Cache  cache.CacheRepo // кеш карт памяти, nil = без кеша
	// CacheTTL время жизни карты в кеше
	CacheTTL time.Duration
	// Auth nil отключает проверку токенов
	Auth     *auth.Authenticator
	Webhooks *WebhookNotifier
	// DefaultView параметры карты, если запрос их не задает
	DefaultView render.View
	// Registry реестр Prometheus, nil = новый
	Registry *prometheus.Registry
	Logger   *logging.Logger
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewRestServer создает новый REST API сервер
func NewRestServer(config Config) (*RestServer, error) {
	if config.Replay == nil {
		return nil, errors.New("replay is required")
	}
	if config.Addr == "" {
		config.Addr = ":8089"
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	if config.Logger == nil {
		config.Logger = logging.Default()
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = time.Minute
	}
	if config.DefaultView.ZoomLevel == 0 {
		config.DefaultView.ZoomLevel = 1
	}
	if config.DefaultView.Width <= 0 || config.DefaultView.Height <= 0 {
		config.DefaultView.Width, config.DefaultView.Height = 512, 256
	}

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// === Observability middleware ===
	router.Use(otelgin.Middleware("memreplay_api"))
	router.Use(middleware.NewRequestLogger(config.Logger).Handler())

	promMw, err := middleware.NewPrometheusMiddleware("memreplay", config.Registry, config.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register http metrics: %w", err)
	}
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router)

	rs := &RestServer{
		router:   router,
		replay:   config.Replay,
		store:    config.Store,
		cache:    config.Cache,
		cacheTTL: config.CacheTTL,
		auth:     config.Auth,
		webhooks: config.Webhooks,
		view:     config.DefaultView,
		metrics:  NewServerMetrics(),
		logger:   config.Logger,
	}
	rs.server = &http.Server{
		Addr:              config.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	rs.setupRoutes()
	return rs, nil
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	api := rs.router.Group("/api")

	// Эндпоинт для аутентификации (без JWT защиты)
	api.POST("/login", rs.handleLogin)

	api.GET("/replay", rs.handleReplayStatus)
	api.GET("/replay/screen.png", rs.handleScreen)
	api.GET("/ram/bitmap.png", rs.handleBitmap)
	api.GET("/store/streams", rs.handleStreams)
	api.GET("/server", rs.handleServerInfo)

	// Управление воспроизведением (требует JWT, если задан секрет)
	control := api.Group("/")
	control.Use(rs.jwtMiddleware())
	{
		control.POST("/replay/start", rs.handleControl("start", rs.replay.Start))
		control.POST("/replay/suspend", rs.handleControl("suspend", rs.replay.Suspend))
		control.POST("/replay/step", rs.handleControl("step", rs.replay.SingleStep))
		control.POST("/replay/stop", rs.handleControl("stop", func() error {
			rs.replay.Stop()
			return nil
		}))
		control.GET("/webhooks", rs.handleWebhooks)
	}

	// Health check
	rs.router.GET("/health", rs.handleHealth)
}

// Handler http.Handler сервера (для тестов и встраивания)
func (rs *RestServer) Handler() http.Handler { return rs.router }

// Start запускает REST сервер, блокирует до Stop
func (rs *RestServer) Start() error {
	logging.Info("🌐 REST API слушает %s", rs.server.Addr)
	if err := rs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop останавливает REST сервер, дожидаясь текущих запросов
func (rs *RestServer) Stop(ctx context.Context) error {
	err := rs.server.Shutdown(ctx)
	if rs.cache != nil {
		err = errors.Join(err, rs.cache.Close())
	}
	return err
}

//================ Обработчики =================//

// handleHealth проверка состояния сервера
func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"state":  rs.replay.State(),
		"time":   time.Now().Unix(),
	})
}

// ReplayStatus ответ GET /api/replay
type ReplayStatus struct {
	Stats       replay.Statistics  `json:"stats"`
	Streams     []string           `json:"streams"`
	WriteStream storage.StreamInfo `json:"write_stream"`
	RamSize     uint64             `json:"ram_size"`
}

func (rs *RestServer) handleReplayStatus(c *gin.Context) {
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Состояние воспроизведения",
		Data: ReplayStatus{
			Stats:       rs.replay.Stats(),
			Streams:     rs.replay.Streams(),
			WriteStream: rs.replay.WriteStreamInfo(),
			RamSize:     rs.replay.RamMap().Size(),
		},
	})
}

// handleControl переход состояния; недопустимый переход дает 409
func (rs *RestServer) handleControl(name string, op func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := op(); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, replay.ErrInvalidOperation) {
				status = http.StatusConflict
			}
			c.JSON(status, GenericResponse{Success: false, Message: err.Error()})
			return
		}
		rs.logger.Info("🎛  %s: state=%s", name, rs.replay.State())
		c.JSON(http.StatusOK, GenericResponse{
			Success: true,
			Message: name,
			Data:    rs.replay.Stats(),
		})
	}
}

func (rs *RestServer) handleScreen(c *gin.Context) {
	img := rs.replay.Screen()
	if img == nil {
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Снимок экрана еще не получен"})
		return
	}
	rs.writePNG(c, img, "")
}

func (rs *RestServer) handleBitmap(c *gin.Context) {
	view, err := rs.parseView(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: err.Error()})
		return
	}

	ctx := c.Request.Context()
	ramMap := rs.replay.RamMap()

	// Кешируем только неподвижную карту: при Running индекс меняется постоянно
	useCache := rs.cache != nil && rs.replay.State() != replay.Running
	index := ramMap.Index()
	key := bitmapKey(view, index)
	if useCache {
		if data, err := rs.cache.Get(ctx, key); err == nil {
			c.Header("X-Cache", "HIT")
			c.Data(http.StatusOK, "image/png", data)
			return
		} else if !cache.IsCacheMiss(err) {
			rs.logger.Warn("bitmap cache: %v", err)
		}
	}

	img, err := rs.replay.Render(ctx, view)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, render.ErrInvalidView) {
			status = http.StatusBadRequest
		}
		c.JSON(status, GenericResponse{Success: false, Message: err.Error()})
		return
	}

	// индекс мог сдвинуться, пока строилась карта
	if useCache && ramMap.Index() != index {
		useCache = false
	}
	if useCache {
		rs.writePNG(c, img, key)
		return
	}
	rs.writePNG(c, img, "")
}

func (rs *RestServer) writePNG(c *gin.Context, img image.Image, cacheKey string) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		c.JSON(http.StatusInternalServerError, GenericResponse{Success: false, Message: err.Error()})
		return
	}
	if cacheKey != "" {
		c.Header("X-Cache", "MISS")
		if err := rs.cache.Set(c.Request.Context(), cacheKey, buf.Bytes(), rs.cacheTTL); err != nil {
			rs.logger.Warn("bitmap cache: %v", err)
		}
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

func bitmapKey(v render.View, index uint64) string {
	return fmt.Sprintf("bitmap:%dx%d:%x:%d:%d", v.Width, v.Height, v.StartAddress, v.ZoomLevel, index)
}

// parseView параметры карты из запроса поверх значений по умолчанию
func (rs *RestServer) parseView(c *gin.Context) (render.View, error) {
	view := rs.view

	if s := c.Query("width"); s != "" {
		w, err := strconv.Atoi(s)
		if err != nil {
			return view, fmt.Errorf("invalid width %q", s)
		}
		view.Width = w
	}
	if s := c.Query("height"); s != "" {
		h, err := strconv.Atoi(s)
		if err != nil {
			return view, fmt.Errorf("invalid height %q", s)
		}
		view.Height = h
	}
	if s := c.Query("start"); s != "" {
		start, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return view, fmt.Errorf("invalid start %q", s)
		}
		view.StartAddress = start
	}
	if s := c.Query("zoom"); s != "" {
		zoom, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return view, fmt.Errorf("invalid zoom %q", s)
		}
		view.ZoomLevel = uint32(zoom)
	}
	return view, view.Validate()
}

func (rs *RestServer) handleStreams(c *gin.Context) {
	if rs.store == nil {
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Хранилище не подключено"})
		return
	}
	streams, err := rs.store.Streams(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, GenericResponse{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Потоки хранилища",
		Data:    streams,
	})
}

// handleServerInfo возвращает информацию о процессе
func (rs *RestServer) handleServerInfo(c *gin.Context) {
	memoryMB, _ := rs.metrics.GetResidentMemory()
	cpuPercent, _ := rs.metrics.GetCPUUsage()

	info := map[string]interface{}{
		"name":        "memreplay",
		"uptime":      rs.metrics.GetUptime(),
		"memory_mb":   fmt.Sprintf("%.1f", memoryMB),
		"cpu_percent": fmt.Sprintf("%.1f", cpuPercent),
		"runtime":     rs.metrics.GetDetailedMemoryStats(),
	}
	if rs.cache != nil {
		info["cache"] = rs.cache.GetMetrics()
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Информация о сервере",
		Data:    info,
	})
}

func (rs *RestServer) handleWebhooks(c *gin.Context) {
	var hooks []OutboundWebhook
	if rs.webhooks != nil {
		hooks = rs.webhooks.Webhooks()
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Исходящие webhook'и",
		Data:    hooks,
	})
}
