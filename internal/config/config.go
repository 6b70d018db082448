// Пакет config — загрузка и валидация конфигурации Archive Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Archive Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (по умолчанию 8040)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL (disable, require, verify-ca, verify-full)
	DBSSLMode string

	// --- Archivematica Dashboard (transfer/ingest status API) ---

	DashboardURL        string
	DashboardUser       string
	DashboardAPIKey     string
	DashboardHealthPath string

	// --- Archivematica Storage Service (download API) ---

	StorageURL        string
	StorageUser       string
	StorageAPIKey     string
	StorageHealthPath string

	// Путь к CA-сертификату для TLS к Archivematica (пусто — системный пул)
	CACertPath string
	// Таймаут запросов статуса к Archivematica (по умолчанию 30s)
	PollTimeout time.Duration
	// Таймаут скачивания файла из Storage Service (по умолчанию 10m)
	DownloadTimeout time.Duration

	// --- Кэш снимков архивов ---

	CacheSize int
	CacheTTL  time.Duration

	// --- Блокировки и события ---

	// URL Redis для распределённых блокировок (пусто — блокировки в памяти процесса)
	RedisURL string
	// Время жизни блокировки записи (по умолчанию 30s)
	LockTTL time.Duration
	// Предельное ожидание блокировки записи (по умолчанию 10s)
	LockWaitTimeout time.Duration
	// Адреса Kafka-брокеров (пусто — события только логируются)
	KafkaBrokers []string
	// Предельное время публикации одного события (по умолчанию 5s)
	EventPublishTimeout time.Duration
	// Топик событий смены статуса
	KafkaTopic string

	// Интервал фоновой сверки статусов (0 — выключено)
	ReconcileInterval time.Duration
	// Размер пачки фоновой сверки
	ReconcileBatchSize int

	// --- JWT ---

	JWTJWKSURL          string
	JWTIssuer           string
	JWTLeeway           time.Duration
	JWKSClientTimeout   time.Duration
	JWKSRefreshInterval time.Duration
	RoleAdminGroups     []string
	RoleReadonlyGroups  []string

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration
	DephealthIsEntry       bool

	// --- HTTP Server Timeouts ---

	HTTPReadTimeout time.Duration
	// 0 — без ограничения (download отдаётся потоком)
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Таймаут graceful shutdown (по умолчанию 5s)
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
//
//nolint:cyclop,funlen // линейный разбор переменных окружения
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("ARC_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("ARC_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("ARC_PORT: порт %d вне диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("ARC_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("ARC_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("ARC_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("ARC_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("ARC_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("ARC_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("ARC_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("ARC_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("ARC_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("ARC_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("ARC_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("ARC_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Archivematica ---

	if cfg.DashboardURL, err = getEnvURL("ARC_DASHBOARD_URL"); err != nil {
		return nil, err
	}
	if cfg.DashboardUser, err = getEnvRequired("ARC_DASHBOARD_USER"); err != nil {
		return nil, err
	}
	if cfg.DashboardAPIKey, err = getEnvRequired("ARC_DASHBOARD_API_KEY"); err != nil {
		return nil, err
	}
	cfg.DashboardHealthPath = getEnvDefault("ARC_DASHBOARD_HEALTH_PATH", "/administration/accounts/login/")

	if cfg.StorageURL, err = getEnvURL("ARC_STORAGE_URL"); err != nil {
		return nil, err
	}
	if cfg.StorageUser, err = getEnvRequired("ARC_STORAGE_USER"); err != nil {
		return nil, err
	}
	if cfg.StorageAPIKey, err = getEnvRequired("ARC_STORAGE_API_KEY"); err != nil {
		return nil, err
	}
	cfg.StorageHealthPath = getEnvDefault("ARC_STORAGE_HEALTH_PATH", "/login/")

	cfg.CACertPath = os.Getenv("ARC_CA_CERT_PATH")

	cfg.PollTimeout, err = getEnvPositiveDuration("ARC_POLL_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ARC_POLL_TIMEOUT: %w", err)
	}
	cfg.DownloadTimeout, err = getEnvPositiveDuration("ARC_DOWNLOAD_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("ARC_DOWNLOAD_TIMEOUT: %w", err)
	}

	// --- Кэш ---

	cfg.CacheSize, err = getEnvInt("ARC_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("ARC_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize < 1 {
		return nil, fmt.Errorf("ARC_CACHE_SIZE: значение должно быть > 0")
	}
	cfg.CacheTTL, err = getEnvPositiveDuration("ARC_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ARC_CACHE_TTL: %w", err)
	}

	// --- Блокировки и события ---

	cfg.RedisURL = os.Getenv("ARC_REDIS_URL")
	cfg.LockTTL, err = getEnvPositiveDuration("ARC_LOCK_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ARC_LOCK_TTL: %w", err)
	}
	cfg.LockWaitTimeout, err = getEnvPositiveDuration("ARC_LOCK_WAIT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ARC_LOCK_WAIT_TIMEOUT: %w", err)
	}
	cfg.KafkaBrokers = parseCSV(os.Getenv("ARC_KAFKA_BROKERS"))
	cfg.KafkaTopic = getEnvDefault("ARC_KAFKA_TOPIC", "archive-status")
	cfg.EventPublishTimeout, err = getEnvPositiveDuration("ARC_EVENT_PUBLISH_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ARC_EVENT_PUBLISH_TIMEOUT: %w", err)
	}

	cfg.ReconcileInterval, err = getEnvDuration("ARC_RECONCILE_INTERVAL", 0)
	if err != nil {
		return nil, fmt.Errorf("ARC_RECONCILE_INTERVAL: %w", err)
	}
	if cfg.ReconcileInterval < 0 {
		return nil, fmt.Errorf("ARC_RECONCILE_INTERVAL: значение должно быть >= 0")
	}
	cfg.ReconcileBatchSize, err = getEnvInt("ARC_RECONCILE_BATCH_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("ARC_RECONCILE_BATCH_SIZE: %w", err)
	}

	// --- JWT ---

	if cfg.JWTJWKSURL, err = getEnvURL("ARC_JWT_JWKS_URL"); err != nil {
		return nil, err
	}
	cfg.JWTIssuer = os.Getenv("ARC_JWT_ISSUER")
	cfg.JWTLeeway, err = getEnvDuration("ARC_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ARC_JWT_LEEWAY: %w", err)
	}
	cfg.JWKSClientTimeout, err = getEnvPositiveDuration("ARC_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ARC_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvPositiveDuration("ARC_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("ARC_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.RoleAdminGroups = parseCSV(getEnvDefault("ARC_ROLE_ADMIN_GROUPS", "artstore-admins"))
	cfg.RoleReadonlyGroups = parseCSV(getEnvDefault("ARC_ROLE_READONLY_GROUPS", "artstore-viewers"))

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("ARC_DEPHEALTH_GROUP", "artstore")
	cfg.DephealthCheckInterval, err = getEnvPositiveDuration("ARC_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ARC_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthIsEntry, err = getEnvBool("DEPHEALTH_ISENTRY", false)
	if err != nil {
		return nil, fmt.Errorf("DEPHEALTH_ISENTRY: %w", err)
	}

	// --- HTTP Server Timeouts ---

	cfg.HTTPReadTimeout, err = getEnvDuration("ARC_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ARC_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("ARC_HTTP_WRITE_TIMEOUT", 0)
	if err != nil {
		return nil, fmt.Errorf("ARC_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("ARC_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ARC_HTTP_IDLE_TIMEOUT: %w", err)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("ARC_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ARC_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// MigrateURL возвращает URL в формате драйвера pgx5 для golang-migrate.
func (c *Config) MigrateURL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvURL возвращает обязательный абсолютный URL без завершающего слэша.
func getEnvURL(key string) (string, error) {
	val, err := getEnvRequired(key)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(val)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%s: некорректный URL %q", key, val)
	}
	return strings.TrimRight(val, "/"), nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvPositiveDuration — как getEnvDuration, но значение должно быть > 0.
func getEnvPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getEnvDuration(key, defaultVal)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку через запятую, отбрасывая пустые элементы.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
