// keycloak.go — проверка готовности Keycloak для /health/ready.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// KeycloakReadinessChecker проверяет, что JWKS endpoint отдаёт ключи.
type KeycloakReadinessChecker struct {
	jwksURL string
	client  *http.Client
	timeout time.Duration
}

// NewKeycloakReadinessChecker создаёт checker. caCertPath может быть пустым.
func NewKeycloakReadinessChecker(jwksURL, caCertPath string, timeout time.Duration) (*KeycloakReadinessChecker, error) {
	client, err := newHTTPClient(caCertPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("readiness checker Keycloak: %w", err)
	}
	return &KeycloakReadinessChecker{jwksURL: jwksURL, client: client, timeout: timeout}, nil
}

// CheckReady возвращает ok, degraded (JWKS без ключей) или fail.
func (k *KeycloakReadinessChecker) CheckReady(ctx context.Context) (status, message string) {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.jwksURL, http.NoBody)
	if err != nil {
		return "fail", "ошибка создания запроса: " + err.Error()
	}
	resp, err := k.client.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return "fail", fmt.Sprintf("Keycloak JWKS недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "fail", fmt.Sprintf("Keycloak JWKS вернул статус %d", resp.StatusCode)
	}

	var set struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return "degraded", "Keycloak JWKS: невалидный JSON"
	}
	if len(set.Keys) == 0 {
		return "degraded", "Keycloak JWKS: нет ключей"
	}
	return "ok", fmt.Sprintf("ключей JWKS: %d", len(set.Keys))
}
