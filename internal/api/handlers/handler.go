// handler.go — основной обработчик API, реализующий routes.ServerInterface.
// Объединяет health endpoints и archive endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/bigkaa/goartstore/archive-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/archive-module/internal/api/openapi"
	"github.com/bigkaa/goartstore/archive-module/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-module/internal/service"
)

// ArchiveService — чтение и запись статуса архива.
type ArchiveService interface {
	Get(ctx context.Context, accessionID string, wantLive bool) (*model.Archive, error)
	Update(ctx context.Context, accessionID string, params service.UpdateParams) (*model.Archive, error)
}

// DownloadService — proxy download пакета архива.
type DownloadService interface {
	Download(ctx context.Context, w http.ResponseWriter, accessionID, rangeHeader string) error
}

// RequestValidator — проверка запроса по OpenAPI-контракту.
type RequestValidator interface {
	Validate(r *http.Request) error
}

// APIHandler — основной обработчик API Archive Module.
type APIHandler struct {
	health    *HealthHandler
	archives  ArchiveService
	downloads DownloadService
	authz     middleware.Authorizer
	validator RequestValidator
	logger    *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	archives ArchiveService,
	downloads DownloadService,
	authz middleware.Authorizer,
	validator RequestValidator,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:    health,
		archives:  archives,
		downloads: downloads,
		authz:     authz,
		validator: validator,
		logger:    logger.With(slog.String("component", "api_handler")),
	}
}

// --- Health endpoints (делегируются в HealthHandler) ---

// HealthLive — liveness probe.
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe.
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики.
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// GetOpenAPI — OpenAPI-контракт.
func (h *APIHandler) GetOpenAPI(w http.ResponseWriter, r *http.Request) {
	openapi.ServeDocument(w, r)
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
