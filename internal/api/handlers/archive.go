// archive.go — обработчики статуса архива:
// GET /oais/archive/{id}/ (снимок записи, при realStatus — со сверкой в Archivematica)
// и PATCH /oais/archive/{id}/ (запись статуса и/или archivematica_id).
//
// Порядок проверок: запись (404) → право на операцию (403) → разбор запроса (400).
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/bigkaa/goartstore/archive-module/internal/amclient"
	apierrors "github.com/bigkaa/goartstore/archive-module/internal/api/errors"
	"github.com/bigkaa/goartstore/archive-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/archive-module/internal/api/openapi"
	"github.com/bigkaa/goartstore/archive-module/internal/api/routes"
	"github.com/bigkaa/goartstore/archive-module/internal/lock"
	"github.com/bigkaa/goartstore/archive-module/internal/service"
)

// maxBodySize — предельный размер JSON-тела archive endpoints.
const maxBodySize = 64 * 1024

// getArchiveBody — необязательное тело GET-запроса.
type getArchiveBody struct {
	RealStatus *bool `json:"realStatus"`
}

// updateArchiveBody — тело PATCH-запроса.
type updateArchiveBody struct {
	Status          *string `json:"status"`
	ArchivematicaID *string `json:"archivematica_id"`
}

// GetArchive — GET /oais/archive/{id}/.
func (h *APIHandler) GetArchive(w http.ResponseWriter, r *http.Request, id string, params routes.GetArchiveParams) {
	a, err := h.archives.Get(r.Context(), id, false)
	if err != nil {
		h.writeArchiveError(w, id, err)
		return
	}

	if !h.authorize(w, r, middleware.ActionArchiveRead, id) {
		return
	}
	if !h.validate(w, r) {
		return
	}

	var body getArchiveBody
	if err := decodeOptionalJSON(r, &body); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: ожидается {\"realStatus\": bool}")
		return
	}

	wantLive := (params.RealStatus != nil && *params.RealStatus) || (body.RealStatus != nil && *body.RealStatus)
	if wantLive {
		a, err = h.archives.Get(r.Context(), id, true)
		if err != nil {
			h.writeArchiveError(w, id, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, a.Snapshot())
}

// UpdateArchive — PATCH /oais/archive/{id}/.
func (h *APIHandler) UpdateArchive(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := h.archives.Get(r.Context(), id, false); err != nil {
		h.writeArchiveError(w, id, err)
		return
	}

	if !h.authorize(w, r, middleware.ActionArchiveWrite, id) {
		return
	}
	if !h.validate(w, r) {
		return
	}

	var body updateArchiveBody
	if err := decodeOptionalJSON(r, &body); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: ожидается {\"status\"?: string, \"archivematica_id\"?: string}")
		return
	}
	if body.Status != nil && *body.Status == "" {
		apierrors.ValidationError(w, "Пустое значение status")
		return
	}

	a, err := h.archives.Update(r.Context(), id, service.UpdateParams{
		Status:          body.Status,
		ArchivematicaID: body.ArchivematicaID,
	})
	if err != nil {
		h.writeArchiveError(w, id, err)
		return
	}

	h.logger.Info("Архив обновлён",
		slog.String("accession_id", id),
		slog.String("status", a.Status.String()),
		slog.String("actor", actor(r)),
	)
	writeJSON(w, http.StatusOK, a.Snapshot())
}

// authorize проверяет право на операцию. false — ответ уже записан.
func (h *APIHandler) authorize(w http.ResponseWriter, r *http.Request, action middleware.Action, id string) bool {
	err := h.authz.Authorize(r.Context(), action, id)
	switch {
	case err == nil:
		return true
	case errors.Is(err, middleware.ErrUnauthenticated):
		apierrors.Unauthorized(w, "Запрос не аутентифицирован")
	default:
		h.logger.Warn("Доступ запрещён",
			slog.String("accession_id", id),
			slog.String("action", string(action)),
			slog.String("actor", actor(r)),
		)
		apierrors.Forbidden(w, fmt.Sprintf("Недостаточно прав для операции %s", action))
	}
	return false
}

// validate проверяет запрос по OpenAPI-контракту. false — ответ уже записан.
func (h *APIHandler) validate(w http.ResponseWriter, r *http.Request) bool {
	if h.validator == nil {
		return true
	}
	if err := h.validator.Validate(r); err != nil {
		apierrors.ValidationError(w, openapi.Message(err))
		return false
	}
	return true
}

// writeArchiveError переводит ошибку сервисного слоя в HTTP-ответ.
// Сбой опроса Archivematica возвращается с телом {}: код Archivematica,
// 520 при транспортной ошибке, 502 при некорректном ответе.
func (h *APIHandler) writeArchiveError(w http.ResponseWriter, id string, err error) {
	var upErr *amclient.UpstreamError
	switch {
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, fmt.Sprintf("Архив %s не найден", id))
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.As(err, &upErr):
		apierrors.EmptyObject(w, upErr.StatusCode)
	case errors.Is(err, service.ErrUpstreamUnreachable):
		apierrors.EmptyObject(w, apierrors.StatusUpstreamUnreachable)
	case errors.Is(err, service.ErrUpstreamInvalid):
		apierrors.EmptyObject(w, http.StatusBadGateway)
	case errors.Is(err, lock.ErrNotAcquired):
		apierrors.ServiceUnavailable(w, "Запись архива занята другой операцией, повторите запрос")
	default:
		h.logger.Error("Ошибка обработки архива",
			slog.String("accession_id", id),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}

// decodeOptionalJSON разбирает JSON-тело в dst. Пустое тело допустимо.
func decodeOptionalJSON(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return err
	}
	if len(data) > maxBodySize {
		return fmt.Errorf("тело запроса больше %d байт", maxBodySize)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// actor — имя субъекта запроса для логов.
func actor(r *http.Request) string {
	if p := middleware.PrincipalFromContext(r.Context()); p != nil {
		return p.Name()
	}
	return ""
}
