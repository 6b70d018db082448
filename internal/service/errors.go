// Пакет service — бизнес-логика Archive Module:
// сверка статусов с Archivematica, запись статуса, proxy download.
package service

import (
	"errors"
	"fmt"

	"github.com/bigkaa/goartstore/archive-module/internal/amclient"
)

// Ошибки сервисного слоя.
var (
	// ErrNotFound — архив с указанным accession_id не найден.
	ErrNotFound = errors.New("архив не найден")
	// ErrValidation — некорректные входные данные.
	ErrValidation = errors.New("ошибка валидации")
	// ErrNotRegistered — архив ещё не зарегистрирован (скачивание недоступно).
	ErrNotRegistered = errors.New("архив не зарегистрирован в Archivematica")
	// ErrUpstreamUnreachable — Archivematica недоступна (транспорт, таймаут).
	ErrUpstreamUnreachable = errors.New("Archivematica недоступна")
	// ErrUpstreamInvalid — Archivematica вернула неизвестный статус или некорректное тело.
	ErrUpstreamInvalid = errors.New("некорректный ответ Archivematica")
)

// upstreamError переводит ошибку amclient в ошибку сервисного слоя.
// *amclient.UpstreamError возвращается как есть: обработчик пробрасывает её HTTP-статус.
func upstreamError(op string, err error) error {
	var upErr *amclient.UpstreamError
	switch {
	case errors.As(err, &upErr):
		return err
	case errors.Is(err, amclient.ErrUnreachable):
		return fmt.Errorf("%w: %s: %w", ErrUpstreamUnreachable, op, err)
	case errors.Is(err, amclient.ErrInvalidResponse):
		return fmt.Errorf("%w: %s: %w", ErrUpstreamInvalid, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// upstreamOutcome — значение метки outcome для метрик опроса.
func upstreamOutcome(err error) string {
	var upErr *amclient.UpstreamError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &upErr):
		return "upstream_error"
	case errors.Is(err, amclient.ErrUnreachable):
		return "unreachable"
	default:
		return "invalid"
	}
}
