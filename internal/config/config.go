// Package config содержит логику чтения конфигурации сервиса выдачи купонов.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса выдачи купонов.
// Все настройки ядра (окно и максимум лимитера, TTL кэша, гейт по окну купона)
// передаются явно, глобального изменяемого состояния нет.
type Config struct {
	RunAddress   string `env:"RUN_ADDRESS"`
	DatabaseURI  string `env:"DATABASE_URI"`
	RedisAddress string `env:"REDIS_ADDRESS"`
	AuthSecret   string `env:"AUTH_SECRET"`
	WebhookURL   string `env:"WEBHOOK_URL"`

	RateLimitWindowSeconds int `env:"RATE_LIMIT_WINDOW_SECONDS"`
	RateLimitMaxRequests   int `env:"RATE_LIMIT_MAX_REQUESTS"`
	DetailCacheTTLSeconds  int `env:"DETAIL_CACHE_TTL_SECONDS"`

	// GateOnCouponWindow дополнительно ограничивает выдачу окном применения купона.
	// По умолчанию выдача ограничена только окном события.
	GateOnCouponWindow bool `env:"GATE_ON_COUPON_WINDOW"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisAddress := cfg.RedisAddress
	envAuthSecret := cfg.AuthSecret
	envWebhookURL := cfg.WebhookURL
	envRateWindow := cfg.RateLimitWindowSeconds
	envRateMax := cfg.RateLimitMaxRequests
	envCacheTTL := cfg.DetailCacheTTLSeconds
	envGateOnCouponWindow := cfg.GateOnCouponWindow

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddress, "r", "localhost:6379", "redis address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth cookies")
	flag.StringVar(&cfg.WebhookURL, "w", "", "webhook URL for issuance notifications")
	flag.IntVar(&cfg.RateLimitWindowSeconds, "rate-window", 60, "rate limit window in seconds")
	flag.IntVar(&cfg.RateLimitMaxRequests, "rate-max", 10, "max requests per rate limit window")
	flag.IntVar(&cfg.DetailCacheTTLSeconds, "cache-ttl", 3600, "coupon detail cache TTL in seconds")
	flag.BoolVar(&cfg.GateOnCouponWindow, "gate-coupon-window", false, "also gate issuance on the coupon apply window")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envWebhookURL != "" {
		cfg.WebhookURL = envWebhookURL
	}
	if envRateWindow != 0 {
		cfg.RateLimitWindowSeconds = envRateWindow
	}
	if envRateMax != 0 {
		cfg.RateLimitMaxRequests = envRateMax
	}
	if envCacheTTL != 0 {
		cfg.DetailCacheTTLSeconds = envCacheTTL
	}
	if envGateOnCouponWindow {
		cfg.GateOnCouponWindow = true
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.RedisAddress == "" {
		cfg.RedisAddress = "localhost:6379"
	}

	return cfg, nil
}
