package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации приложения.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Replay    ReplayConfig    `yaml:"replay"`
	Render    RenderConfig    `yaml:"render"`
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

// StoreConfig где искать трассу
type StoreConfig struct {
	Server      string `yaml:"server"`
	Name        string `yaml:"name"`
	WriteStream string `yaml:"write_stream"`
}

type ReplayConfig struct {
	RamSizeMiB    uint32 `yaml:"ram_size_mib"`
	CaptureData   bool   `yaml:"capture_data"`
	Rule          string `yaml:"rule"`
	SuspendPollMs int    `yaml:"suspend_poll_ms"`
}

type RenderConfig struct {
	Width        int    `yaml:"width"`
	Height       int    `yaml:"height"`
	Zoom         uint32 `yaml:"zoom"`
	StartAddress uint64 `yaml:"start_address"`
}

type ServerConfig struct {
	HTTPPort int `yaml:"http_port"`
}

// CacheConfig кеш отрисованных карт памяти: memory или redis
type CacheConfig struct {
	Backend    string `yaml:"backend"`
	RedisAddr  string `yaml:"redis_addr"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type EventBusConfig struct {
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
}

// AuthConfig пустой jwt_secret отключает проверку токенов
type AuthConfig struct {
	JWTSecret            string `yaml:"jwt_secret"`
	OperatorPasswordHash string `yaml:"operator_password_hash"`
	TokenTTLMinutes      int    `yaml:"token_ttl_minutes"`
}

// WebhookConfig получатель событий воспроизведения
type WebhookConfig struct {
	Name       string   `yaml:"name"`
	URL        string   `yaml:"url"`
	Secret     string   `yaml:"secret"`
	Events     []string `yaml:"events"`
	Timeout    int      `yaml:"timeout"`
	RetryCount int      `yaml:"retry_count"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Server:      "local:/tmp/.memreplay",
			WriteStream: "mem_cpu_store_dphys",
		},
		Replay: ReplayConfig{
			RamSizeMiB:    512,
			CaptureData:   true,
			Rule:          "cycle",
			SuspendPollMs: 100,
		},
		Render: RenderConfig{
			Width:  512,
			Height: 256,
			Zoom:   1,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			TTLSeconds: 60,
		},
		EventBus: EventBusConfig{
			Stream:    "MEMREPLAY",
			Retention: 24,
		},
		Auth: AuthConfig{
			TokenTTLMinutes: 24 * 60,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "memreplay",
			SampleRatio: 1,
		},
	}
}

// GetHTTPPort возвращает HTTP порт с поддержкой fallback значений
func (s *ServerConfig) GetHTTPPort() int {
	return getPortWithEnvFallback(s.HTTPPort, "MEMREPLAY_HTTP_PORT", 8089)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	// Если порт задан в конфиге и больше 0, используем его
	if configPort > 0 {
		return configPort
	}

	// Пробуем прочитать из environment variable
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	// Используем дефолтное значение
	return defaultPort
}

// Load читает YAML файл конфигурации поверх значений по умолчанию.
// Если path == "", пытается прочитать из ENV MEMREPLAY_CONFIG или возвращает Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("MEMREPLAY_CONFIG")
		if path == "" {
			return cfg, nil // конфиг не задан, используем дефолты
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет значения, которые нельзя исправить молча
func (c *Config) Validate() error {
	if c.Replay.RamSizeMiB == 0 {
		return fmt.Errorf("replay.ram_size_mib must be positive")
	}
	if c.Render.Zoom == 0 {
		return fmt.Errorf("render.zoom must be positive")
	}
	switch c.Cache.Backend {
	case "", "memory", "redis", "none":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required for redis backend")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth.jwt_secret must be at least 16 bytes")
	}
	return nil
}
