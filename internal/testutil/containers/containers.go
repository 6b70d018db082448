// Пакет containers — запуск зависимостей в Docker для интеграционных тестов
// (testcontainers-go). Тесты пропускаются, если TEST_INTEGRATION не установлена.
package containers

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RequireIntegration пропускает тест, если интеграционные тесты не включены.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}
}

// PostgresInfo — параметры подключения к тестовому PostgreSQL.
type PostgresInfo struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// StartPostgres запускает PostgreSQL-контейнер и регистрирует его остановку в t.Cleanup.
func StartPostgres(t *testing.T) PostgresInfo {
	t.Helper()
	RequireIntegration(t)

	ctx := context.Background()
	info := PostgresInfo{Database: "artstore_test", User: "artstore", Password: "test-password"}

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase(info.Database),
		postgres.WithUsername(info.User),
		postgres.WithPassword(info.Password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	info.Host, err = container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}
	info.Port = port.Port()

	return info
}

// StartRedis запускает Redis-контейнер и возвращает URL подключения (redis://host:port).
func StartRedis(t *testing.T) string {
	t.Helper()
	RequireIntegration(t)

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "docker.io/redis:7-alpine")
	if err != nil {
		t.Fatalf("Не удалось запустить Redis контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить адрес Redis: %v", err)
	}
	return url
}

// StartRedpanda запускает Kafka-совместимый Redpanda с автосозданием топиков
// и возвращает адрес seed-брокера.
func StartRedpanda(t *testing.T) string {
	t.Helper()
	RequireIntegration(t)

	ctx := context.Background()
	container, err := redpanda.Run(ctx,
		"docker.redpanda.com/redpandadata/redpanda:v24.2.4",
		redpanda.WithAutoCreateTopics(),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить Redpanda контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	broker, err := container.KafkaSeedBroker(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить адрес брокера: %v", err)
	}
	return broker
}
