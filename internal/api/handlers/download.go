// download.go — GET /oais/archive/{id}/download/: proxy download AIP.
package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bigkaa/goartstore/archive-module/internal/amclient"
	apierrors "github.com/bigkaa/goartstore/archive-module/internal/api/errors"
	"github.com/bigkaa/goartstore/archive-module/internal/api/routes"
	"github.com/bigkaa/goartstore/archive-module/internal/service"
)

// DownloadArchive передаёт пакет зарегистрированного архива.
// 412 — архив не в статусе REGISTERED; 520 — Storage Service недоступен;
// неуспешный ответ Storage Service пробрасывается с его кодом и пустым телом.
func (h *APIHandler) DownloadArchive(w http.ResponseWriter, r *http.Request, id string, params routes.DownloadArchiveParams) {
	rangeHeader := ""
	if params.Range != nil {
		rangeHeader = *params.Range
	}

	err := h.downloads.Download(r.Context(), w, id, rangeHeader)
	if err == nil {
		return
	}

	var upErr *amclient.UpstreamError
	switch {
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, fmt.Sprintf("Архив %s не найден", id))
	case errors.Is(err, service.ErrNotRegistered):
		apierrors.PreconditionFailed(w, fmt.Sprintf("Архив %s ещё не зарегистрирован", id))
	case errors.As(err, &upErr):
		apierrors.Empty(w, upErr.StatusCode)
	case errors.Is(err, service.ErrUpstreamUnreachable):
		apierrors.UpstreamUnreachable(w, "Storage Service недоступен")
	default:
		h.logger.Error("Ошибка скачивания архива",
			slog.String("accession_id", id),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
