package events

import (
	"context"
	"log/slog"
)

// LogPublisher — публикация событий в лог (Kafka не настроена).
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher создаёт LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With(slog.String("component", "event_publisher"))}
}

// Publish записывает событие в лог.
func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	p.logger.InfoContext(ctx, "Событие смены статуса",
		slog.String("event_id", ev.ID),
		slog.String("type", ev.Type),
		slog.String("accession_id", ev.AccessionID),
		slog.String("previous_status", ev.PreviousStatus),
		slog.String("status", ev.Status),
		slog.String("archivematica_id", ev.ArchivematicaID),
	)
	return nil
}

// Close — LogPublisher не держит ресурсов.
func (p *LogPublisher) Close() {}
