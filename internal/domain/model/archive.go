// Пакет model — доменные модели Archive Module.
// Archive — маппинг таблицы archives: состояние архивации одного SIP
// во внешней системе Archivematica.
package model

import "time"

// Archive — запись об архивации информационного пакета.
// Изменяется только через Dispatcher (статус) и write path (archivematica_id).
type Archive struct {
	// AccessionID — внешний стабильный идентификатор архивной единицы (уникальный)
	AccessionID string
	// SIPID — идентификатор исходного информационного пакета
	SIPID string
	// ArchivematicaID — идентификатор, выданный Archivematica.
	// До завершения transfer это UUID transfer-задачи, после — UUID AIP.
	// Может быть пустым до начала transfer; после заполнения не очищается.
	ArchivematicaID string
	// Status — текущий статус архивации
	Status Status
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// HasArchivematicaID сообщает, назначен ли внешний идентификатор.
func (a *Archive) HasArchivematicaID() bool {
	return a.ArchivematicaID != ""
}

// Clone возвращает независимую копию записи.
// Кэш и сервисы передают наружу копии, чтобы вызывающий код не менял общий экземпляр.
func (a *Archive) Clone() *Archive {
	c := *a
	return &c
}

// ArchiveSnapshot — JSON-представление записи в ответах API.
type ArchiveSnapshot struct {
	SIPID           string `json:"sip_id"`
	Status          string `json:"status"`
	AccessionID     string `json:"accession_id"`
	ArchivematicaID string `json:"archivematica_id"`
}

// Snapshot формирует JSON-снимок записи.
func (a *Archive) Snapshot() ArchiveSnapshot {
	return ArchiveSnapshot{
		SIPID:           a.SIPID,
		Status:          a.Status.String(),
		AccessionID:     a.AccessionID,
		ArchivematicaID: a.ArchivematicaID,
	}
}
