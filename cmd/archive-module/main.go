// main.go — точка входа Archive Module.
// Инициализирует: config → logger → миграции → pgxpool → Archivematica client →
// блокировки (Redis/локальные) → публикация событий (Kafka/лог) → сервисы →
// фоновая сверка → topologymetrics → JWT → HTTP-сервер.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/archive-module/internal/amclient"
	"github.com/bigkaa/goartstore/archive-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/archive-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/archive-module/internal/api/openapi"
	"github.com/bigkaa/goartstore/archive-module/internal/api/routes"
	"github.com/bigkaa/goartstore/archive-module/internal/config"
	"github.com/bigkaa/goartstore/archive-module/internal/database"
	"github.com/bigkaa/goartstore/archive-module/internal/events"
	"github.com/bigkaa/goartstore/archive-module/internal/lock"
	"github.com/bigkaa/goartstore/archive-module/internal/repository"
	"github.com/bigkaa/goartstore/archive-module/internal/server"
	"github.com/bigkaa/goartstore/archive-module/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Archive Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Клиент Archivematica (Dashboard + Storage Service)
	amClient, err := amclient.New(amclient.Options{
		Dashboard: amclient.Credentials{
			BaseURL: cfg.DashboardURL,
			User:    cfg.DashboardUser,
			APIKey:  cfg.DashboardAPIKey,
		},
		Storage: amclient.Credentials{
			BaseURL: cfg.StorageURL,
			User:    cfg.StorageUser,
			APIKey:  cfg.StorageAPIKey,
		},
		CACertPath:      cfg.CACertPath,
		PollTimeout:     cfg.PollTimeout,
		DownloadTimeout: cfg.DownloadTimeout,
	}, logger)
	if err != nil {
		logger.Error("Ошибка создания клиента Archivematica", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 6. Блокировки записей: Redis (несколько реплик) или в памяти процесса
	var locker lock.Locker
	if cfg.RedisURL != "" {
		redisClient, redisErr := lock.NewRedisClient(ctx, cfg.RedisURL)
		if redisErr != nil {
			logger.Error("Ошибка подключения к Redis", slog.String("error", redisErr.Error()))
			os.Exit(1)
		}
		defer redisClient.Close()
		locker = lock.NewRedisLocker(redisClient, cfg.LockTTL, logger)
		logger.Info("Блокировки записей через Redis", slog.String("lock_ttl", cfg.LockTTL.String()))
	} else {
		locker = lock.NewLocalLocker()
		logger.Info("Блокировки записей в памяти процесса (ARC_REDIS_URL не задан)")
	}

	// 7. Публикация событий смены статуса: Kafka или лог
	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub, kafkaErr := events.NewKafkaPublisher(ctx, cfg.KafkaBrokers, cfg.KafkaTopic, cfg.EventPublishTimeout, logger)
		if kafkaErr != nil {
			logger.Error("Ошибка подключения к Kafka", slog.String("error", kafkaErr.Error()))
			os.Exit(1)
		}
		publisher = kafkaPub
	} else {
		publisher = events.NewLogPublisher(logger)
		logger.Info("События смены статуса только логируются (ARC_KAFKA_BROKERS не задан)")
	}
	defer publisher.Close()

	// 8. Репозиторий, кэш, dispatcher и сервисы
	archiveRepo := repository.NewArchiveRepository(pool)
	cacheSvc := service.NewCacheService(cfg.CacheSize, cfg.CacheTTL)
	if cfg.RedisURL != "" {
		// Несколько реплик: кэш одной реплики не инвалидируется переходами на другой
		cacheSvc = service.NewDisabledCacheService()
		logger.Info("Кэш записей выключен (блокировки через Redis, несколько реплик)")
	}
	dispatcher := service.NewDispatcher(archiveRepo, publisher, cacheSvc, cfg.EventPublishTimeout, logger)
	archiveSvc := service.NewArchiveService(archiveRepo, amClient, dispatcher, cacheSvc, locker, cfg.LockWaitTimeout, logger)
	downloadSvc := service.NewDownloadService(archiveSvc, amClient, logger)

	// 9. Фоновая сверка статусов (опционально)
	var reconciler *service.Reconciler
	if cfg.ReconcileInterval > 0 {
		reconciler = service.NewReconciler(archiveRepo, archiveSvc, cfg.ReconcileInterval, cfg.ReconcileBatchSize, logger)
		reconciler.Start(ctx)
	}

	// 10. topologymetrics — мониторинг зависимостей (PostgreSQL + Archivematica)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID: "archive-module",
		Group:     cfg.DephealthGroup,
		DB:        pgDB,
		PGConnURL: cfg.DatabaseURL(),
		Dashboard: service.HTTPDependency{
			URL:        cfg.DashboardURL,
			HealthPath: cfg.DashboardHealthPath,
			Critical:   true,
		},
		Storage: service.HTTPDependency{
			URL:        cfg.StorageURL,
			HealthPath: cfg.StorageHealthPath,
		},
		CheckInterval: cfg.DephealthCheckInterval,
		IsEntry:       cfg.DephealthIsEntry,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		dephealthSvc = nil
	}

	// 11. JWT middleware (JWKS Keycloak) и readiness checker Keycloak
	jwtAuth, err := middleware.NewJWTAuth(middleware.JWTOptions{
		JWKSURL:         cfg.JWTJWKSURL,
		CACertPath:      cfg.CACertPath,
		Issuer:          cfg.JWTIssuer,
		AdminGroups:     cfg.RoleAdminGroups,
		ReadonlyGroups:  cfg.RoleReadonlyGroups,
		ClientTimeout:   cfg.JWKSClientTimeout,
		RefreshInterval: cfg.JWKSRefreshInterval,
		Leeway:          cfg.JWTLeeway,
	}, logger)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	keycloakChecker, err := middleware.NewKeycloakReadinessChecker(cfg.JWTJWKSURL, cfg.CACertPath, cfg.JWKSClientTimeout)
	if err != nil {
		logger.Error("Ошибка создания readiness checker Keycloak", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 12. OpenAPI-валидатор и обработчики
	validator, err := openapi.NewValidator()
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI контракта", slog.String("error", err.Error()))
		os.Exit(1)
	}

	healthHandler := handlers.NewHealthHandler(database.NewReadinessChecker(pool), keycloakChecker)
	apiHandler := handlers.NewAPIHandler(
		healthHandler,
		archiveSvc,
		downloadSvc,
		middleware.RoleAuthorizer{},
		validator,
		logger,
	)

	// 13. HTTP-сервер: метрики → логирование → JWT (кроме health/metrics/openapi)
	srv := server.New(cfg, logger, apiHandler,
		[]routes.MiddlewareFunc{middleware.RequireArchiveAccess()},
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
		server.WithExclusions(jwtAuth.Middleware(), "/health/", "/metrics", "/api/openapi.yaml"),
	)
	if err := srv.Run(ctx); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
	}

	// 14. Остановка фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	if reconciler != nil {
		reconciler.Stop()
	}
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Archive Module остановлен")
}
