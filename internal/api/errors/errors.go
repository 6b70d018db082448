// Пакет errors — конструкторы стандартных ошибок в формате Artstore.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Исключение — сбои Archivematica на archive endpoints: там ответ минимальный
// ({} для статуса, пустое тело для download) с кодом, полученным от Archivematica.
package errors

import (
	"encoding/json"
	"net/http"
)

// StatusUpstreamUnreachable — 520: Archivematica не ответила (нестандартный код, как у CDN).
const StatusUpstreamUnreachable = 520

// Коды ошибок, определённые в OpenAPI контракте.
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodePreconditionFailed  = "PRECONDITION_FAILED"
	CodeUpstreamUnreachable = "UPSTREAM_UNREACHABLE"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeInternalError       = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате Artstore.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// EmptyObject записывает {} с указанным статусом (сбой опроса Archivematica).
func EmptyObject(w http.ResponseWriter, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte("{}"))
}

// Empty записывает ответ без тела (ошибка Storage Service при download).
func Empty(w http.ResponseWriter, statusCode int) {
	w.WriteHeader(statusCode)
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// PreconditionFailed — 412 архив ещё не зарегистрирован.
func PreconditionFailed(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusPreconditionFailed, CodePreconditionFailed, message)
}

// UpstreamUnreachable — 520 Storage Service недоступен (download).
func UpstreamUnreachable(w http.ResponseWriter, message string) {
	WriteError(w, StatusUpstreamUnreachable, CodeUpstreamUnreachable, message)
}

// ServiceUnavailable — 503 запись архива заблокирована другой операцией.
func ServiceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
