package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config содержит всю конфигурацию процесса
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Security SecurityConfig
	Bot      BotConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP API статуса и управления
type ServerConfig struct {
	Port         int
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	AllowedOrigins string // CORS и WebSocket, через запятую; пусто или "*" - все
}

// DatabaseConfig - настройки подключения к Postgres
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// RedisConfig - распределенные блокировки позиций (опционально).
// Пустой Addr - блокировки только внутри процесса.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	LockTTL   time.Duration
	KeyPrefix string
}

// SecurityConfig - bcrypt-хеш токена для изменяющих маршрутов API
type SecurityConfig struct {
	APITokenHash string
}

// BotConfig - параметры торгового ядра
type BotConfig struct {
	UserID          string
	DryRun          bool          // бумажная биржа (PaperGateway) и файловый DLQ; позиции всегда в Postgres
	CycleInterval   time.Duration // период торгового цикла
	MonitorInterval time.Duration // тик монитора позиций
	DLQPollInterval time.Duration

	MaxRetries   int
	RetryBackoff time.Duration
	OrderTimeout time.Duration

	StateDir     string // файлы состояния dedup, daily loss, DLQ
	SettingsFile string // YAML с RiskSettings пользователей

	QuoteCurrencies []string // валюты, из которых складывается капитал
	StaticCapital   float64  // > 0 - фиксированный капитал вместо баланса
	PaperBalance    float64  // стартовый баланс бумажной биржи в первой котируемой валюте

	OrdersPerSec     float64
	MarketDataPerSec float64
	AccountPerSec    float64
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// Load загружает конфигурацию из переменных окружения.
// Если рядом лежит .env, он читается первым; уже заданные переменные не перезаписываются.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),

			AllowedOrigins: getEnv("ALLOWED_ORIGINS", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "tradecore"),
			User:     getEnv("DB_USER", "tradecore"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			LockTTL:   getEnvAsDuration("REDIS_LOCK_TTL", 30*time.Second),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "tradecore:lock:"),
		},
		Security: SecurityConfig{
			APITokenHash: getEnv("API_TOKEN_HASH", ""),
		},
		Bot: BotConfig{
			UserID:          getEnv("BOT_USER_ID", "default"),
			DryRun:          getEnvAsBool("DRY_RUN", true),
			CycleInterval:   getEnvAsDuration("CYCLE_INTERVAL", time.Minute),
			MonitorInterval: getEnvAsDuration("MONITOR_INTERVAL", 5*time.Second),
			DLQPollInterval: getEnvAsDuration("DLQ_POLL_INTERVAL", 30*time.Second),

			MaxRetries:   getEnvAsInt("MAX_RETRIES", 5),
			RetryBackoff: getEnvAsDuration("RETRY_BACKOFF", 500*time.Millisecond),
			OrderTimeout: getEnvAsDuration("ORDER_TIMEOUT", 10*time.Second),

			StateDir:     getEnv("STATE_DIR", "./data"),
			SettingsFile: getEnv("RISK_SETTINGS_FILE", "./risk_settings.yaml"),

			QuoteCurrencies: getEnvAsList("QUOTE_CURRENCIES", []string{"USDT", "USDC"}),
			StaticCapital:   getEnvAsFloat("STATIC_CAPITAL", 0),
			PaperBalance:    getEnvAsFloat("PAPER_BALANCE", 10000),

			OrdersPerSec:     getEnvAsFloat("EXCHANGE_ORDERS_PER_SEC", 5),
			MarketDataPerSec: getEnvAsFloat("EXCHANGE_MARKET_PER_SEC", 20),
			AccountPerSec:    getEnvAsFloat("EXCHANGE_ACCOUNT_PER_SEC", 5),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Bot.MaxRetries < 1 || c.Bot.MaxRetries > 10 {
		return fmt.Errorf("MAX_RETRIES must be between 1 and 10, got %d", c.Bot.MaxRetries)
	}
	if c.Bot.CycleInterval <= 0 {
		return fmt.Errorf("CYCLE_INTERVAL must be positive, got %v", c.Bot.CycleInterval)
	}
	if c.Bot.MonitorInterval <= 0 {
		return fmt.Errorf("MONITOR_INTERVAL must be positive, got %v", c.Bot.MonitorInterval)
	}
	if c.Bot.DLQPollInterval <= 0 {
		return fmt.Errorf("DLQ_POLL_INTERVAL must be positive, got %v", c.Bot.DLQPollInterval)
	}
	if c.Bot.OrderTimeout <= 0 {
		return fmt.Errorf("ORDER_TIMEOUT must be positive, got %v", c.Bot.OrderTimeout)
	}
	if c.Bot.StaticCapital < 0 {
		return fmt.Errorf("STATIC_CAPITAL cannot be negative, got %v", c.Bot.StaticCapital)
	}
	if c.Bot.PaperBalance < 0 {
		return fmt.Errorf("PAPER_BALANCE cannot be negative, got %v", c.Bot.PaperBalance)
	}
	if len(c.Bot.QuoteCurrencies) == 0 {
		return fmt.Errorf("QUOTE_CURRENCIES cannot be empty")
	}

	if c.Redis.Addr != "" && c.Redis.LockTTL < time.Second {
		return fmt.Errorf("REDIS_LOCK_TTL must be at least 1s, got %v", c.Redis.LockTTL)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
