package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port                     string `yaml:"port"`
	AllowedOrigin            string `yaml:"allowed_origin"`
	DatabaseURL              string `yaml:"database_url"`
	DBAutoMigrate            bool   `yaml:"db_auto_migrate"`
	RedisAddr                string `yaml:"redis_addr"`
	RedisPassword            string `yaml:"redis_password"`
	RedisDB                  int    `yaml:"redis_db"`
	DashboardCacheTTLSeconds int    `yaml:"dashboard_cache_ttl_seconds"`
	AuthSecret               string `yaml:"auth_secret"`
	AccessTokenTTLMinutes    int    `yaml:"access_token_ttl_minutes"`
	AdminUsername            string `yaml:"admin_username"`
	AdminPassword            string `yaml:"admin_password"`
	StoreTimezone            string `yaml:"store_timezone"`
	SweepIntervalMinutes     int    `yaml:"sweep_interval_minutes"`
	SweepBatchSize           int    `yaml:"sweep_batch_size"`
	LockTimeoutSeconds       int    `yaml:"lock_timeout_seconds"`
	LowStockThreshold        int    `yaml:"low_stock_threshold"`
	LogLevel                 string `yaml:"log_level"`
}

func defaults() Config {
	return Config{
		Port:                     "8080",
		AllowedOrigin:            "http://127.0.0.1:3000",
		DashboardCacheTTLSeconds: 30,
		AccessTokenTTLMinutes:    480,
		AdminUsername:            "admin",
		StoreTimezone:            "UTC",
		SweepIntervalMinutes:     60,
		SweepBatchSize:           50,
		LockTimeoutSeconds:       5,
		LowStockThreshold:        5,
		LogLevel:                 "info",
	}
}

// Load starts from defaults, overlays the YAML file named by CONFIG_FILE and
// then the environment.
func Load() (Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	base := defaults()
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.AllowedOrigin = getEnv("ALLOWED_ORIGIN", cfg.AllowedOrigin)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.DBAutoMigrate = getBool("DB_AUTO_MIGRATE", cfg.DBAutoMigrate)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getInt("REDIS_DB", cfg.RedisDB, 0)
	cfg.DashboardCacheTTLSeconds = getInt("DASHBOARD_CACHE_TTL_SECONDS", cfg.DashboardCacheTTLSeconds, base.DashboardCacheTTLSeconds)
	cfg.AuthSecret = strings.TrimSpace(getEnv("AUTH_SECRET", cfg.AuthSecret))
	cfg.AccessTokenTTLMinutes = getInt("ACCESS_TOKEN_TTL_MINUTES", cfg.AccessTokenTTLMinutes, base.AccessTokenTTLMinutes)
	cfg.AdminUsername = strings.TrimSpace(getEnv("ADMIN_USERNAME", cfg.AdminUsername))
	cfg.AdminPassword = getEnv("ADMIN_PASSWORD", cfg.AdminPassword)
	cfg.StoreTimezone = getEnv("STORE_TIMEZONE", cfg.StoreTimezone)
	cfg.SweepIntervalMinutes = getInt("SWEEP_INTERVAL_MINUTES", cfg.SweepIntervalMinutes, base.SweepIntervalMinutes)
	cfg.SweepBatchSize = getInt("SWEEP_BATCH_SIZE", cfg.SweepBatchSize, base.SweepBatchSize)
	cfg.LockTimeoutSeconds = getInt("LOCK_TIMEOUT_SECONDS", cfg.LockTimeoutSeconds, base.LockTimeoutSeconds)
	cfg.LowStockThreshold = getInt("LOW_STOCK_THRESHOLD", cfg.LowStockThreshold, base.LowStockThreshold)
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", cfg.LogLevel))

	cfg.clamp(base)
	return cfg, nil
}

func (c *Config) clamp(base Config) {
	if c.RedisDB < 0 {
		c.RedisDB = 0
	}
	if c.DashboardCacheTTLSeconds < 1 {
		c.DashboardCacheTTLSeconds = base.DashboardCacheTTLSeconds
	}
	if c.AccessTokenTTLMinutes < 1 {
		c.AccessTokenTTLMinutes = base.AccessTokenTTLMinutes
	}
	// zero turns the in-process scheduler off
	if c.SweepIntervalMinutes < 0 {
		c.SweepIntervalMinutes = 0
	}
	if c.SweepBatchSize < 1 {
		c.SweepBatchSize = base.SweepBatchSize
	}
	if c.LockTimeoutSeconds < 1 {
		c.LockTimeoutSeconds = base.LockTimeoutSeconds
	}
	if c.LowStockThreshold < 1 {
		c.LowStockThreshold = base.LowStockThreshold
	}
	if c.AdminUsername == "" {
		c.AdminUsername = base.AdminUsername
	}
	if c.StoreTimezone == "" {
		c.StoreTimezone = base.StoreTimezone
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.StoreTimezone)
	if err != nil {
		return nil, fmt.Errorf("store timezone %q: %w", c.StoreTimezone, err)
	}
	return loc, nil
}

func (c Config) DashboardCacheTTL() time.Duration {
	return time.Duration(c.DashboardCacheTTLSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getInt uses invalid when the variable is set but not an integer.
func getInt(key string, fallback int, invalid int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return invalid
	}
	return n
}

func getBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
