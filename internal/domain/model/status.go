// status.go — статусы архивации и конвертация словаря Archivematica.
//
// Жизненный цикл:
//
//	NEW → WAITING → PROCESSING_TRANSFER → PROCESSING_AIP → REGISTERED
//
// FAILED достижим из любого статуса. REGISTERED и FAILED — конечные.
package model

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidStatus — строка статуса не распознана.
var ErrInvalidStatus = errors.New("недопустимый статус архивации")

// Status — статус архивации.
type Status string

const (
	// StatusNew — архив создан, transfer ещё не начат
	StatusNew Status = "NEW"
	// StatusWaiting — transfer ожидает действий (в т.ч. ввода пользователя)
	StatusWaiting Status = "WAITING"
	// StatusProcessingTransfer — Archivematica обрабатывает transfer
	StatusProcessingTransfer Status = "PROCESSING_TRANSFER"
	// StatusProcessingAIP — transfer завершён, собирается AIP
	StatusProcessingAIP Status = "PROCESSING_AIP"
	// StatusRegistered — AIP зарегистрирован в хранилище
	StatusRegistered Status = "REGISTERED"
	// StatusFailed — архивация завершилась ошибкой
	StatusFailed Status = "FAILED"
)

// AllStatuses — все статусы в порядке жизненного цикла.
var AllStatuses = []Status{
	StatusNew,
	StatusWaiting,
	StatusProcessingTransfer,
	StatusProcessingAIP,
	StatusRegistered,
	StatusFailed,
}

func (s Status) String() string {
	return string(s)
}

// IsTerminal сообщает, является ли статус конечным.
func (s Status) IsTerminal() bool {
	return s == StatusRegistered || s == StatusFailed
}

// InProgress сообщает, ведёт ли Archivematica работу по архиву в этом статусе:
// transfer начат и статус не конечный.
func (s Status) InProgress() bool {
	return s != StatusNew && !s.IsTerminal()
}

// InProgressStatuses возвращает незавершённые статусы в порядке жизненного цикла.
func InProgressStatuses() []Status {
	var out []Status
	for _, st := range AllStatuses {
		if st.InProgress() {
			out = append(out, st)
		}
	}
	return out
}

// IsTransferStage сообщает, относится ли статус к этапу transfer.
// В этих статусах archivematica_id — UUID transfer-задачи.
func (s Status) IsTransferStage() bool {
	return s == StatusWaiting || s == StatusProcessingTransfer
}

// ParseStatus преобразует имя локального статуса (как хранится в БД) в Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !slices.Contains(AllStatuses, st) {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// Статусы из словаря Archivematica (transfer/ingest status API).
const (
	amStatusUserInput  = "USER_INPUT"
	amStatusProcessing = "PROCESSING"
	amStatusComplete   = "COMPLETE"
	amStatusFailed     = "FAILED"
	amStatusRejected   = "REJECTED"
)

// ConvertStatus преобразует строку статуса Archivematica в локальный Status.
//
// aipProcessing различает источник строки: false — transfer status endpoint,
// true — ingest (AIP) status endpoint. Archivematica использует "PROCESSING"
// на обоих этапах с разным смыслом.
//
// Принимаются также имена локальных статусов (их присылают клиенты write path).
// Нераспознанная строка отклоняется с ErrInvalidStatus, без подстановки значения по умолчанию.
func ConvertStatus(s string, aipProcessing bool) (Status, error) {
	switch s {
	case amStatusUserInput:
		return StatusWaiting, nil
	case amStatusProcessing:
		if aipProcessing {
			return StatusProcessingAIP, nil
		}
		return StatusProcessingTransfer, nil
	case amStatusComplete:
		return StatusRegistered, nil
	case amStatusFailed, amStatusRejected:
		return StatusFailed, nil
	}
	return ParseStatus(s)
}
