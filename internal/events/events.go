// Пакет events — события смены статуса архива.
// Dispatcher публикует одно событие на каждый переход статуса.
// KafkaPublisher отправляет события в Kafka (franz-go), LogPublisher — только пишет в лог.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Типы событий по статусу, в который перешёл архив.
const (
	TypeReset              = "archive.reset"
	TypeTransferStarted    = "archive.transfer_started"
	TypeTransferProcessing = "archive.transfer_processing"
	TypeAIPProcessing      = "archive.aip_processing"
	TypeRegistered         = "archive.registered"
	TypeFailed             = "archive.failed"
)

// Event — событие смены статуса архива.
type Event struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	AccessionID     string    `json:"accession_id"`
	SIPID           string    `json:"sip_id"`
	ArchivematicaID string    `json:"archivematica_id"`
	PreviousStatus  string    `json:"previous_status"`
	Status          string    `json:"status"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// New создаёт событие с новым идентификатором и текущим временем.
func New(eventType, accessionID, sipID, archivematicaID, previous, status string) Event {
	return Event{
		ID:              uuid.NewString(),
		Type:            eventType,
		AccessionID:     accessionID,
		SIPID:           sipID,
		ArchivematicaID: archivematicaID,
		PreviousStatus:  previous,
		Status:          status,
		OccurredAt:      time.Now().UTC(),
	}
}

// Publisher — получатель событий смены статуса.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}
